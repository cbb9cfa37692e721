// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-slackhook/pkg/connector/substitution"
)

// SlackbotUserID is the user ID Slack uses for its own bot, which is also
// the author of messages posted through incoming webhooks.
const SlackbotUserID = "USLACKBOT"

// Notification is the payload of a Slack outgoing webhook.
type Notification struct {
	Token       string `json:"token,omitempty"`
	TeamID      string `json:"team_id,omitempty"`
	ChannelID   string `json:"channel_id"`
	ChannelName string `json:"channel_name,omitempty"`
	UserID      string `json:"user_id"`
	UserName    string `json:"user_name,omitempty"`
	Text        string `json:"text,omitempty"`
	Timestamp   string `json:"timestamp"`
}

// InboundClassifier turns Slack webhook notifications into Matrix messages
// sent by the author's ghost.
type InboundClassifier struct {
	rooms   RoomRegistry
	slack   SlackAPI
	ghosts  *GhostManager
	echo    *EchoSuppressor
	subst   *substitution.Table
	metrics *Metrics
	botIDs  map[string]struct{}
	log     zerolog.Logger
}

// NewInboundClassifier creates a classifier. Notifications from any of
// botUserIDs (and from Slackbot) are dropped.
func NewInboundClassifier(rooms RoomRegistry, slack SlackAPI, ghosts *GhostManager, echo *EchoSuppressor, subst *substitution.Table, metrics *Metrics, botUserIDs []string, log zerolog.Logger) *InboundClassifier {
	botIDs := map[string]struct{}{SlackbotUserID: {}}
	for _, uid := range botUserIDs {
		if uid != "" {
			botIDs[uid] = struct{}{}
		}
	}
	return &InboundClassifier{
		rooms:   rooms,
		slack:   slack,
		ghosts:  ghosts,
		echo:    echo,
		subst:   subst,
		metrics: metrics,
		botIDs:  botIDs,
		log:     log.With().Str("component", "slack_inbound").Logger(),
	}
}

// IsBridgeUser reports whether a Slack user ID belongs to the bridge's own
// service accounts.
func (ic *InboundClassifier) IsBridgeUser(userID string) bool {
	_, ok := ic.botIDs[userID]
	return ok
}

// HandleNotification bridges one Slack notification to Matrix. Errors are
// logged, never returned.
func (ic *InboundClassifier) HandleNotification(ctx context.Context, n *Notification) {
	// Echo prevention: skip the bridge's own posts.
	if ic.IsBridgeUser(n.UserID) {
		ic.metrics.IncDropped("bridge_user")
		return
	}

	log := ic.log.With().
		Str("channel_id", n.ChannelID).
		Str("slack_user_id", n.UserID).
		Str("ts", n.Timestamp).
		Logger()

	roomID := ic.rooms.RoomForChannel(n.ChannelID)
	if roomID == "" {
		log.Warn().Msg("Ignoring notification for unknown slack channel")
		ic.metrics.IncDropped("unknown_channel")
		return
	}

	msg := ic.Classify(ctx, n, roomID)
	if msg.Kind == MessageIgnored {
		log.Debug().Msg("Notification classified as ignored")
		ic.metrics.IncDropped("ignored")
		return
	}

	ghost, err := ic.ghosts.GetGhost(ctx, n.UserID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get ghost")
		return
	}
	ic.ghosts.Update(ctx, ghost, n, roomID)
	ic.dispatch(ctx, log, ghost.Puppet(), roomID, msg)
}

// Classify resolves a notification into a normalized message. When a Slack
// token is available the full message record is fetched from the channel
// history, since the notification itself lacks attachment details.
func (ic *InboundClassifier) Classify(ctx context.Context, n *Notification, roomID id.RoomID) NormalizedMessage {
	token := ic.rooms.AccessTokenForRoom(roomID)
	if token == "" {
		// Without a token there is no history lookup, so file shares
		// (which arrive without text) are dropped.
		return ic.classifyText(n.Text)
	}

	ic.metrics.IncRemoteCall(callHistory)
	messages, err := ic.slack.FetchChannelHistory(ctx, n.ChannelID, n.Timestamp, n.Timestamp, token)
	if err != nil {
		ic.log.Warn().Err(err).
			Str("channel_id", n.ChannelID).
			Str("ts", n.Timestamp).
			Msg("Failed to look up message in channel history, using notification text")
		return ic.classifyText(n.Text)
	}
	if len(messages) == 0 {
		return ic.classifyText(n.Text)
	}
	return ic.ClassifyRecord(&messages[0])
}

// ClassifyRecord classifies a message record from the channel history.
func (ic *InboundClassifier) ClassifyRecord(rec *HistoryMessage) NormalizedMessage {
	if file := rec.Attachment(); file != nil {
		if !strings.HasPrefix(file.MimeType, "image/") {
			return NormalizedMessage{Kind: MessageIgnored}
		}
		img := &ImageMessage{
			URL:      file.URLPrivate,
			Title:    file.Title,
			MimeType: file.MimeType,
			Size:     file.Size,
			Width:    file.OriginalW,
			Height:   file.OriginalH,
		}
		if img.Title == "" {
			img.Title = file.Name
		}
		if file.Thumb360 != "" {
			img.ThumbnailURL = file.Thumb360
			img.ThumbnailWidth = file.Thumb360W
			img.ThumbnailHeight = file.Thumb360H
		}
		if file.InitialComment != nil && file.InitialComment.Comment != "" {
			img.Caption = ic.subst.ToMatrix(file.InitialComment.Comment)
		}
		return NormalizedMessage{Kind: MessageImage, Image: img}
	}
	return ic.classifyText(rec.Text)
}

func (ic *InboundClassifier) classifyText(text string) NormalizedMessage {
	if text == "" {
		return NormalizedMessage{Kind: MessageIgnored}
	}
	return NormalizedMessage{Kind: MessageText, Text: ic.subst.ToMatrix(text)}
}

// dispatch sends a classified message through the puppet and records the
// resulting event IDs for echo suppression.
func (ic *InboundClassifier) dispatch(ctx context.Context, log zerolog.Logger, puppet Puppet, roomID id.RoomID, msg NormalizedMessage) {
	switch msg.Kind {
	case MessageText:
		ic.sendText(ctx, log, puppet, roomID, msg.Text)

	case MessageImage:
		evtID, err := puppet.SendImageMessage(ctx, roomID, msg.Image.Content())
		if err != nil {
			log.Error().Err(err).Str("room_id", string(roomID)).Msg("Failed to send image message")
			return
		}
		ic.echo.Record(evtID)
		ic.metrics.IncBridged(directionToMatrix)
		if msg.Image.Caption != "" {
			ic.sendText(ctx, log, puppet, roomID, msg.Image.Caption)
		}
	}
}

func (ic *InboundClassifier) sendText(ctx context.Context, log zerolog.Logger, puppet Puppet, roomID id.RoomID, text string) {
	evtID, err := puppet.SendText(ctx, roomID, text)
	if err != nil {
		log.Error().Err(err).Str("room_id", string(roomID)).Msg("Failed to send text message")
		return
	}
	ic.echo.Record(evtID)
	ic.metrics.IncBridged(directionToMatrix)
}
