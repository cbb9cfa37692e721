// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// intentPuppet is a Puppet backed by an appservice intent.
type intentPuppet struct {
	intent *appservice.IntentAPI
}

var _ Puppet = (*intentPuppet)(nil)

func (p *intentPuppet) SendText(ctx context.Context, roomID id.RoomID, text string) (id.EventID, error) {
	resp, err := p.intent.SendMessageEvent(ctx, roomID, event.EventMessage, &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	})
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (p *intentPuppet) SendImageMessage(ctx context.Context, roomID id.RoomID, content *ImageContent) (id.EventID, error) {
	resp, err := p.intent.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (p *intentPuppet) SetDisplayName(ctx context.Context, name string) error {
	return p.intent.SetDisplayName(ctx, name)
}

func (p *intentPuppet) SetAvatar(ctx context.Context, ref id.ContentURI) error {
	return p.intent.SetAvatarURL(ctx, ref)
}

func (p *intentPuppet) UploadMedia(ctx context.Context, data []byte, name, mimeType string) (id.ContentURI, error) {
	if err := p.intent.EnsureRegistered(ctx); err != nil {
		return id.ContentURI{}, fmt.Errorf("failed to register puppet: %w", err)
	}
	resp, err := p.intent.UploadMedia(ctx, mautrix.ReqUploadMedia{
		ContentBytes: data,
		ContentType:  mimeType,
		FileName:     name,
	})
	if err != nil {
		return id.ContentURI{}, err
	}
	return resp.ContentURI, nil
}

// IntentPuppets hands out puppets for ghost users in the appservice
// namespace.
type IntentPuppets struct {
	as     *appservice.AppService
	prefix string
}

var _ PuppetProvider = (*IntentPuppets)(nil)

// NewIntentPuppets creates a provider for ghosts named prefix+userID.
func NewIntentPuppets(as *appservice.AppService, prefix string) *IntentPuppets {
	return &IntentPuppets{as: as, prefix: prefix}
}

// PuppetFor returns the puppet of a Slack user.
func (ip *IntentPuppets) PuppetFor(slackUserID string) Puppet {
	return &intentPuppet{
		intent: ip.as.Intent(MakeGhostMXID(ip.prefix, slackUserID, ip.as.HomeserverDomain)),
	}
}
