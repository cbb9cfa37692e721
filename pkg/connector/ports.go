// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"time"

	"maunium.net/go/mautrix/id"
)

// RoomRegistry resolves the mapping between Slack channels and Matrix rooms.
// Empty return values mean the mapping or credential is unknown.
type RoomRegistry interface {
	WebhookForRoom(roomID id.RoomID) string
	RoomForChannel(channelID string) id.RoomID
	AccessTokenForRoom(roomID id.RoomID) string
}

// Puppet is the Matrix account controlled by the bridge for one Slack user.
type Puppet interface {
	SendText(ctx context.Context, roomID id.RoomID, text string) (id.EventID, error)
	SendImageMessage(ctx context.Context, roomID id.RoomID, content *ImageContent) (id.EventID, error)
	SetDisplayName(ctx context.Context, name string) error
	SetAvatar(ctx context.Context, ref id.ContentURI) error
	UploadMedia(ctx context.Context, data []byte, name, mimeType string) (id.ContentURI, error)
}

// PuppetProvider returns the puppet for a Slack user ID.
type PuppetProvider interface {
	PuppetFor(slackUserID string) Puppet
}

// SlackAPI is the subset of the Slack web API the bridge needs.
type SlackAPI interface {
	FetchUserProfile(ctx context.Context, userID, token string) (*UserProfile, error)
	FetchChannelHistory(ctx context.Context, channelID, oldest, latest, token string) ([]HistoryMessage, error)
	PostWebhook(ctx context.Context, url string, payload *WebhookPayload) error
	FetchAvatar(ctx context.Context, url string) (data []byte, mimeType string, err error)
}

// IdentityStore persists ghost identities. LoadIdentity returns (nil, nil)
// when the user has never been seen.
type IdentityStore interface {
	SaveIdentity(ctx context.Context, identity *GhostIdentity) error
	LoadIdentity(ctx context.Context, userID string) (*GhostIdentity, error)
}

// GhostIdentity is the persisted state of a ghost.
type GhostIdentity struct {
	UserID      string
	DisplayName string
	// AvatarURL is the Slack avatar URL that was last uploaded and set on
	// the puppet.
	AvatarURL    string
	LastActivity time.Time
}
