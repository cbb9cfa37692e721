// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// DefaultAvatarCacheTTL is how long an avatar URL lookup is cached.
const DefaultAvatarCacheTTL = 10 * time.Minute

// ErrNoAvatar is returned when a Slack profile has no usable image.
var ErrNoAvatar = errors.New("profile has no avatar")

// Ghost is the bridge's in-memory view of one Slack user's Matrix puppet.
type Ghost struct {
	puppet Puppet

	mu             sync.Mutex
	identity       GhostIdentity
	avatarCache    string
	avatarCacheExp time.Time
}

// UserID returns the Slack user ID of the ghost.
func (g *Ghost) UserID() string {
	return g.identity.UserID
}

// Puppet returns the Matrix puppet of the ghost.
func (g *Ghost) Puppet() Puppet {
	return g.puppet
}

// Identity returns a snapshot of the ghost's persisted state.
func (g *Ghost) Identity() GhostIdentity {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.identity
}

// GhostManager owns the ghosts and keeps their display name and avatar in
// sync with Slack.
type GhostManager struct {
	store    IdentityStore
	slack    SlackAPI
	puppets  PuppetProvider
	rooms    RoomRegistry
	metrics  *Metrics
	cacheTTL time.Duration
	now      func() time.Time
	log      zerolog.Logger

	mu     sync.Mutex
	ghosts map[string]*Ghost
}

// NewGhostManager creates a ghost manager. A zero cacheTTL selects
// DefaultAvatarCacheTTL.
func NewGhostManager(store IdentityStore, slack SlackAPI, puppets PuppetProvider, rooms RoomRegistry, metrics *Metrics, cacheTTL time.Duration, log zerolog.Logger) *GhostManager {
	if cacheTTL <= 0 {
		cacheTTL = DefaultAvatarCacheTTL
	}
	return &GhostManager{
		store:    store,
		slack:    slack,
		puppets:  puppets,
		rooms:    rooms,
		metrics:  metrics,
		cacheTTL: cacheTTL,
		now:      time.Now,
		log:      log.With().Str("component", "ghosts").Logger(),
		ghosts:   make(map[string]*Ghost),
	}
}

// GetGhost returns the ghost for a Slack user, loading it from the store or
// creating it on first sight.
func (gm *GhostManager) GetGhost(ctx context.Context, userID string) (*Ghost, error) {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	if ghost, ok := gm.ghosts[userID]; ok {
		return ghost, nil
	}

	identity, err := gm.store.LoadIdentity(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load ghost %s: %w", userID, err)
	}
	if identity == nil {
		identity = &GhostIdentity{UserID: userID}
	}
	ghost := &Ghost{
		puppet:   gm.puppets.PuppetFor(userID),
		identity: *identity,
	}
	gm.ghosts[userID] = ghost
	return ghost, nil
}

// Update syncs the ghost's display name and avatar with what was observed in
// a Slack notification. Both run concurrently; failures are logged and never
// affect each other. The identity, including the activity time, is saved
// once both have finished.
func (gm *GhostManager) Update(ctx context.Context, ghost *Ghost, n *Notification, roomID id.RoomID) {
	ghost.mu.Lock()
	ghost.identity.LastActivity = gm.now()
	ghost.mu.Unlock()

	log := gm.log.With().Str("slack_user_id", ghost.UserID()).Logger()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := gm.updateDisplayName(ctx, ghost, n.UserName); err != nil {
			log.Warn().Err(err).Msg("Failed to update ghost displayname")
		}
	}()
	go func() {
		defer wg.Done()
		err := gm.updateAvatar(ctx, ghost, n.UserID, roomID)
		if errors.Is(err, ErrNoAvatar) {
			log.Debug().Msg("Slack profile has no avatar")
		} else if err != nil {
			log.Warn().Err(err).Msg("Failed to update ghost avatar")
		}
	}()
	wg.Wait()

	snapshot := ghost.Identity()
	if err := gm.store.SaveIdentity(ctx, &snapshot); err != nil {
		log.Warn().Err(err).Msg("Failed to save ghost identity")
	}
}

func (gm *GhostManager) updateDisplayName(ctx context.Context, ghost *Ghost, name string) error {
	if name == "" {
		return nil
	}
	ghost.mu.Lock()
	unchanged := ghost.identity.DisplayName == name
	ghost.mu.Unlock()
	if unchanged {
		return nil
	}

	if err := ghost.puppet.SetDisplayName(ctx, name); err != nil {
		return fmt.Errorf("failed to set displayname: %w", err)
	}
	ghost.mu.Lock()
	ghost.identity.DisplayName = name
	ghost.mu.Unlock()
	return nil
}

// LookupAvatarURL returns the best avatar URL of a Slack user, served from the
// ghost's cache while it is fresh.
func (gm *GhostManager) LookupAvatarURL(ctx context.Context, ghost *Ghost, userID, token string) (string, error) {
	now := gm.now()
	ghost.mu.Lock()
	if ghost.avatarCache != "" && now.Before(ghost.avatarCacheExp) {
		cached := ghost.avatarCache
		ghost.mu.Unlock()
		return cached, nil
	}
	ghost.mu.Unlock()

	gm.metrics.IncRemoteCall(callUsersInfo)
	profile, err := gm.slack.FetchUserProfile(ctx, userID, token)
	if err != nil {
		return "", err
	}
	avatarURL := profile.BestImage()
	if avatarURL == "" {
		return "", ErrNoAvatar
	}

	ghost.mu.Lock()
	ghost.avatarCache = avatarURL
	ghost.avatarCacheExp = now.Add(gm.cacheTTL)
	ghost.mu.Unlock()
	return avatarURL, nil
}

func (gm *GhostManager) updateAvatar(ctx context.Context, ghost *Ghost, userID string, roomID id.RoomID) error {
	token := gm.rooms.AccessTokenForRoom(roomID)
	if token == "" {
		return nil
	}
	avatarURL, err := gm.LookupAvatarURL(ctx, ghost, userID, token)
	if err != nil {
		return err
	}
	ghost.mu.Lock()
	unchanged := ghost.identity.AvatarURL == avatarURL
	ghost.mu.Unlock()
	if unchanged {
		return nil
	}

	gm.metrics.IncRemoteCall(callAvatarFetch)
	data, mimeType, err := gm.slack.FetchAvatar(ctx, avatarURL)
	if err != nil {
		return err
	}
	gm.metrics.IncRemoteCall(callMediaUpload)
	contentURI, err := ghost.puppet.UploadMedia(ctx, data, avatarFileName(avatarURL), mimeType)
	if err != nil {
		return fmt.Errorf("failed to upload avatar: %w", err)
	}
	gm.log.Debug().Str("content_uri", contentURI.String()).Msg("Avatar uploaded")
	if err := ghost.puppet.SetAvatar(ctx, contentURI); err != nil {
		return fmt.Errorf("failed to set avatar: %w", err)
	}

	ghost.mu.Lock()
	ghost.identity.AvatarURL = avatarURL
	ghost.mu.Unlock()
	return nil
}

// avatarFileName returns the last path segment of an avatar URL.
func avatarFileName(avatarURL string) string {
	if parsed, err := url.Parse(avatarURL); err == nil && parsed.Path != "" {
		if base := path.Base(parsed.Path); base != "/" && base != "." {
			return base
		}
	}
	return "avatar"
}
