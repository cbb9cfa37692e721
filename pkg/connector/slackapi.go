// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/slack-go/slack"
)

// DefaultSlackAPIURL is the base URL of the Slack web API.
const DefaultSlackAPIURL = "https://slack.com/api"

// ErrSlackAPI is returned when the Slack web API answers with ok=false.
var ErrSlackAPI = errors.New("slack api error")

// maxAvatarSize caps how much of an avatar download is read (32 MB).
const maxAvatarSize = 32 << 20

// UserProfile holds the avatar variants of a Slack user profile.
type UserProfile struct {
	DisplayName   string `json:"display_name"`
	RealName      string `json:"real_name"`
	ImageOriginal string `json:"image_original"`
	Image1024     string `json:"image_1024"`
	Image512      string `json:"image_512"`
	Image192      string `json:"image_192"`
	Image72       string `json:"image_72"`
	Image48       string `json:"image_48"`
}

// BestImage returns the original image if there is one, otherwise the
// largest image that is defined.
func (p *UserProfile) BestImage() string {
	if p == nil {
		return ""
	}
	for _, candidate := range []string{
		p.ImageOriginal, p.Image1024, p.Image512, p.Image192, p.Image72, p.Image48,
	} {
		if candidate != "" {
			return candidate
		}
	}
	return ""
}

// SlackComment is the comment attached to a file share.
type SlackComment struct {
	Comment string `json:"comment"`
}

// SlackFile is a file attached to a Slack message. The JSON tags follow the
// Slack web API wire format.
type SlackFile struct {
	Name           string        `json:"name"`
	Title          string        `json:"title"`
	MimeType       string        `json:"mimetype"`
	Size           int           `json:"size"`
	URLPrivate     string        `json:"url_private"`
	OriginalW      int           `json:"original_w"`
	OriginalH      int           `json:"original_h"`
	Thumb360       string        `json:"thumb_360"`
	Thumb360W      int           `json:"thumb_360_w"`
	Thumb360H      int           `json:"thumb_360_h"`
	InitialComment *SlackComment `json:"initial_comment,omitempty"`
}

// HistoryMessage is a message record returned by conversations.history.
type HistoryMessage struct {
	Type    string       `json:"type"`
	Subtype string       `json:"subtype"`
	User    string       `json:"user"`
	Text    string       `json:"text"`
	TS      string       `json:"ts"`
	Files   []*SlackFile `json:"files,omitempty"`
}

// Attachment returns the first file carried by the message, if any.
func (m *HistoryMessage) Attachment() *SlackFile {
	if len(m.Files) > 0 {
		return m.Files[0]
	}
	return nil
}

// WebhookAttachment is an image attachment in a Slack incoming webhook payload.
type WebhookAttachment struct {
	Fallback string `json:"fallback"`
	ImageURL string `json:"image_url"`
}

// WebhookPayload is the body posted to a Slack incoming webhook. Text is nil
// exactly when Attachments is set.
type WebhookPayload struct {
	Text        *string
	Attachments []WebhookAttachment
}

// webhookMessage converts the payload to the slack-go webhook message. An
// empty Text is dropped from the JSON body.
func (p *WebhookPayload) webhookMessage() *slack.WebhookMessage {
	msg := &slack.WebhookMessage{}
	if p.Text != nil {
		msg.Text = *p.Text
	}
	for _, att := range p.Attachments {
		msg.Attachments = append(msg.Attachments, slack.Attachment{
			Fallback: att.Fallback,
			ImageURL: att.ImageURL,
		})
	}
	return msg
}

// SlackClient talks to the Slack web API and to incoming webhooks through
// slack-go. Tokens differ per room, so one API client is kept per token.
type SlackClient struct {
	apiURL string
	http   *http.Client

	mu      sync.Mutex
	clients map[string]*slack.Client
}

var _ SlackAPI = (*SlackClient)(nil)

// NewSlackClient creates a client for the web API at baseURL. An empty
// baseURL selects DefaultSlackAPIURL.
func NewSlackClient(baseURL string, httpClient *http.Client) *SlackClient {
	if baseURL == "" {
		baseURL = DefaultSlackAPIURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &SlackClient{
		// slack-go appends the method name directly to the endpoint.
		apiURL:  strings.TrimSuffix(baseURL, "/") + "/",
		http:    httpClient,
		clients: make(map[string]*slack.Client),
	}
}

func (c *SlackClient) api(token string) *slack.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	client, ok := c.clients[token]
	if !ok {
		client = slack.New(token,
			slack.OptionAPIURL(c.apiURL),
			slack.OptionHTTPClient(c.http),
		)
		c.clients[token] = client
	}
	return client
}

// wrapAPIError marks ok=false answers with ErrSlackAPI.
func wrapAPIError(method string, err error) error {
	var apiErr slack.SlackErrorResponse
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %s: %s", ErrSlackAPI, method, apiErr.Err)
	}
	return fmt.Errorf("failed to call %s: %w", method, err)
}

// FetchChannelHistory returns the messages of a channel between oldest and
// latest, both inclusive.
func (c *SlackClient) FetchChannelHistory(ctx context.Context, channelID, oldest, latest, token string) ([]HistoryMessage, error) {
	resp, err := c.api(token).GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: channelID,
		Oldest:    oldest,
		Latest:    latest,
		Inclusive: true,
	})
	if err != nil {
		return nil, wrapAPIError("conversations.history", err)
	}
	messages := make([]HistoryMessage, 0, len(resp.Messages))
	for _, msg := range resp.Messages {
		messages = append(messages, historyMessageFromSlack(msg))
	}
	return messages, nil
}

func historyMessageFromSlack(msg slack.Message) HistoryMessage {
	out := HistoryMessage{
		Type:    msg.Type,
		Subtype: msg.SubType,
		User:    msg.User,
		Text:    msg.Text,
		TS:      msg.Timestamp,
	}
	for _, f := range msg.Files {
		file := &SlackFile{
			Name:       f.Name,
			Title:      f.Title,
			MimeType:   f.Mimetype,
			Size:       f.Size,
			URLPrivate: f.URLPrivate,
			OriginalW:  f.OriginalW,
			OriginalH:  f.OriginalH,
			Thumb360:   f.Thumb360,
			Thumb360W:  f.Thumb360W,
			Thumb360H:  f.Thumb360H,
		}
		if f.InitialComment.Comment != "" {
			file.InitialComment = &SlackComment{Comment: f.InitialComment.Comment}
		}
		out.Files = append(out.Files, file)
	}
	return out
}

// FetchUserProfile returns the profile of a Slack user.
func (c *SlackClient) FetchUserProfile(ctx context.Context, userID, token string) (*UserProfile, error) {
	user, err := c.api(token).GetUserInfoContext(ctx, userID)
	if err != nil {
		return nil, wrapAPIError("users.info", err)
	}
	return &UserProfile{
		DisplayName:   user.Profile.DisplayName,
		RealName:      user.Profile.RealName,
		ImageOriginal: user.Profile.ImageOriginal,
		Image1024:     user.Profile.Image1024,
		Image512:      user.Profile.Image512,
		Image192:      user.Profile.Image192,
		Image72:       user.Profile.Image72,
		Image48:       user.Profile.Image48,
	}, nil
}

// PostWebhook posts payload as JSON to a Slack incoming webhook URL.
func (c *SlackClient) PostWebhook(ctx context.Context, webhookURL string, payload *WebhookPayload) error {
	if err := slack.PostWebhookCustomHTTPContext(ctx, webhookURL, c.http, payload.webhookMessage()); err != nil {
		return fmt.Errorf("failed to post webhook: %w", err)
	}
	return nil
}

// FetchAvatar downloads an avatar image and returns its bytes and content type.
func (c *SlackClient) FetchAvatar(ctx context.Context, avatarURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, avatarURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build avatar request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download avatar: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("avatar download returned HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAvatarSize))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read avatar: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}
