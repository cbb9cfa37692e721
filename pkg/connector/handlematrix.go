// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"
	"golang.org/x/time/rate"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-slackhook/pkg/connector/substitution"
)

const mxcPrefix = "mxc://"

// OutboundTranslator posts Matrix room messages to the Slack channel's
// incoming webhook.
type OutboundTranslator struct {
	rooms        RoomRegistry
	slack        SlackAPI
	echo         *EchoSuppressor
	subst        *substitution.Table
	metrics      *Metrics
	mediaBaseURL string
	isBridgeUser func(id.UserID) bool

	rateLimit rate.Limit
	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
	log       zerolog.Logger
}

// NewOutboundTranslator creates a translator. mediaBaseURL is the public
// homeserver URL used to build download links for mxc:// images.
// isBridgeUser may be nil. A zero rateLimit disables webhook rate limiting.
func NewOutboundTranslator(rooms RoomRegistry, slack SlackAPI, echo *EchoSuppressor, subst *substitution.Table, metrics *Metrics, mediaBaseURL string, isBridgeUser func(id.UserID) bool, rateLimit float64, log zerolog.Logger) *OutboundTranslator {
	ot := &OutboundTranslator{
		rooms:        rooms,
		slack:        slack,
		echo:         echo,
		subst:        subst,
		metrics:      metrics,
		mediaBaseURL: strings.TrimSuffix(mediaBaseURL, "/"),
		isBridgeUser: isBridgeUser,
		limiters:     make(map[string]*rate.Limiter),
		log:          log.With().Str("component", "matrix_outbound").Logger(),
	}
	if rateLimit > 0 {
		ot.rateLimit = rate.Limit(rateLimit)
	}
	return ot
}

// HandleMatrixEvent posts a Matrix message event to Slack. Events that are
// not messages, or that the bridge sent itself, are ignored. Delivery is
// best-effort: failures are logged and dropped.
func (ot *OutboundTranslator) HandleMatrixEvent(ctx context.Context, evt *event.Event) {
	if evt.Type != event.EventMessage {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content == nil {
		return
	}
	// Echo prevention: skip events the bridge's ghosts sent.
	if ot.echo.ShouldSuppress(evt.ID) {
		return
	}
	if ot.isBridgeUser != nil && ot.isBridgeUser(evt.Sender) {
		ot.log.Debug().
			Str("event_id", string(evt.ID)).
			Str("sender", string(evt.Sender)).
			Msg("Skipping bridge user event (echo prevention)")
		return
	}

	hookURL := ot.rooms.WebhookForRoom(evt.RoomID)
	if hookURL == "" {
		ot.log.Warn().
			Str("room_id", string(evt.RoomID)).
			Msg("Ignoring event for matrix room with unknown slack channel")
		ot.metrics.IncDropped("unknown_room")
		return
	}

	payload := ot.BuildPayload(content)

	log := ot.log.With().
		Str("room_id", string(evt.RoomID)).
		Str("event_id", string(evt.ID)).
		Logger()

	if err := ot.wait(ctx, hookURL); err != nil {
		log.Warn().Err(err).Msg("Webhook rate limiter wait aborted")
		return
	}
	ot.metrics.IncRemoteCall(callWebhook)
	if err := ot.slack.PostWebhook(ctx, hookURL, payload); err != nil {
		log.Error().Err(err).Msg("Failed to post message to slack webhook")
		return
	}
	ot.metrics.IncBridged(directionToSlack)
	log.Debug().Msg("Posted message to slack webhook")
}

// BuildPayload converts Matrix message content into a Slack webhook payload.
// Images stored on the homeserver become an attachment pointing at the
// media download URL, with the text as fallback.
func (ot *OutboundTranslator) BuildPayload(content *event.MessageEventContent) *WebhookPayload {
	text := ot.subst.ToSlack(content.Body)
	if content.MsgType == event.MsgImage && strings.HasPrefix(string(content.URL), mxcPrefix) {
		return &WebhookPayload{
			Attachments: []WebhookAttachment{{
				Fallback: text,
				ImageURL: ot.MediaDownloadURL(content.URL),
			}},
		}
	}
	return &WebhookPayload{Text: ptr.Ptr(text)}
}

// MediaDownloadURL converts an mxc:// URI to a directly fetchable URL.
func (ot *OutboundTranslator) MediaDownloadURL(uri id.ContentURIString) string {
	return ot.mediaBaseURL + "/_matrix/media/v3/download/" + strings.TrimPrefix(string(uri), mxcPrefix)
}

func (ot *OutboundTranslator) wait(ctx context.Context, hookURL string) error {
	if ot.rateLimit == 0 {
		return nil
	}
	ot.limiterMu.Lock()
	limiter, ok := ot.limiters[hookURL]
	if !ok {
		limiter = rate.NewLimiter(ot.rateLimit, 1)
		ot.limiters[hookURL] = limiter
	}
	ot.limiterMu.Unlock()
	return limiter.Wait(ctx)
}
