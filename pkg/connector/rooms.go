// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// RoomMapping links a Slack channel to a Matrix room.
type RoomMapping struct {
	ChannelID   string    `json:"channel_id" yaml:"channel_id"`
	RoomID      id.RoomID `json:"room_id" yaml:"room_id"`
	WebhookURL  string    `json:"webhook_url" yaml:"webhook_url"`
	AccessToken string    `json:"access_token,omitempty" yaml:"access_token"`
}

// ErrInvalidRoomMapping is returned for a mapping without channel or room ID,
// or for a room mapped to more than one channel.
var ErrInvalidRoomMapping = errors.New("invalid room mapping")

// roomMappingStore is the persistence used by RoomStore.
type roomMappingStore interface {
	LoadRoomMappings(ctx context.Context) ([]RoomMapping, error)
	ReplaceRoomMappings(ctx context.Context, mappings []RoomMapping) error
}

// RoomStore is the in-memory room registry, optionally backed by the
// database. Rooms without their own access token fall back to the master
// token.
type RoomStore struct {
	db          roomMappingStore
	masterToken string
	log         zerolog.Logger

	mu        sync.RWMutex
	byRoom    map[id.RoomID]*RoomMapping
	byChannel map[string]*RoomMapping
}

var _ RoomRegistry = (*RoomStore)(nil)

// NewRoomStore creates an empty registry. db may be nil.
func NewRoomStore(db roomMappingStore, masterToken string, log zerolog.Logger) *RoomStore {
	return &RoomStore{
		db:          db,
		masterToken: masterToken,
		log:         log.With().Str("component", "rooms").Logger(),
		byRoom:      make(map[id.RoomID]*RoomMapping),
		byChannel:   make(map[string]*RoomMapping),
	}
}

// Load reads the persisted mappings, then adds seed mappings (usually from the
// config file) for channels that are not stored yet.
func (rs *RoomStore) Load(ctx context.Context, seed []RoomMapping) error {
	var stored []RoomMapping
	if rs.db != nil {
		var err error
		stored, err = rs.db.LoadRoomMappings(ctx)
		if err != nil {
			return fmt.Errorf("failed to load room mappings: %w", err)
		}
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for i := range stored {
		rs.putLocked(stored[i])
	}
	for _, m := range seed {
		if _, exists := rs.byChannel[m.ChannelID]; !exists {
			rs.putLocked(m)
		}
	}
	rs.log.Info().Int("stored", len(stored)).Int("total", len(rs.byChannel)).Msg("Loaded room mappings")
	return nil
}

func (rs *RoomStore) putLocked(m RoomMapping) {
	if m.ChannelID == "" || m.RoomID == "" {
		return
	}
	if old, ok := rs.byChannel[m.ChannelID]; ok {
		delete(rs.byRoom, old.RoomID)
	}
	if old, ok := rs.byRoom[m.RoomID]; ok {
		delete(rs.byChannel, old.ChannelID)
	}
	mapping := m
	rs.byChannel[m.ChannelID] = &mapping
	rs.byRoom[m.RoomID] = &mapping
}

// WebhookForRoom returns the Slack incoming webhook URL of a Matrix room.
func (rs *RoomStore) WebhookForRoom(roomID id.RoomID) string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	if m, ok := rs.byRoom[roomID]; ok {
		return m.WebhookURL
	}
	return ""
}

// RoomForChannel returns the Matrix room linked to a Slack channel.
func (rs *RoomStore) RoomForChannel(channelID string) id.RoomID {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	if m, ok := rs.byChannel[channelID]; ok {
		return m.RoomID
	}
	return ""
}

// AccessTokenForRoom returns the Slack API token to use for a room.
func (rs *RoomStore) AccessTokenForRoom(roomID id.RoomID) string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	if m, ok := rs.byRoom[roomID]; ok && m.AccessToken != "" {
		return m.AccessToken
	}
	return rs.masterToken
}

// List returns every mapping sorted by channel ID.
func (rs *RoomStore) List() []RoomMapping {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]RoomMapping, 0, len(rs.byChannel))
	for _, m := range rs.byChannel {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ChannelID < out[j].ChannelID
	})
	return out
}

// Count returns the number of mappings. Thread-safe.
func (rs *RoomStore) Count() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.byChannel)
}

// ReloadFromEntries replaces the mapping set with entries and persists it.
// Mappings absent from entries are removed; new or changed ones are counted
// as added. Thread-safe.
func (rs *RoomStore) ReloadFromEntries(ctx context.Context, entries []RoomMapping) (added, removed int, err error) {
	desired := make(map[string]RoomMapping, len(entries))
	channelForRoom := make(map[id.RoomID]string, len(entries))
	for _, e := range entries {
		if e.ChannelID == "" || e.RoomID == "" {
			return 0, 0, fmt.Errorf("%w: channel_id and room_id are required", ErrInvalidRoomMapping)
		}
		if other, ok := channelForRoom[e.RoomID]; ok && other != e.ChannelID {
			return 0, 0, fmt.Errorf("%w: room %s is mapped to both %s and %s", ErrInvalidRoomMapping, e.RoomID, other, e.ChannelID)
		}
		channelForRoom[e.RoomID] = e.ChannelID
		desired[e.ChannelID] = e
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.db != nil {
		list := make([]RoomMapping, 0, len(desired))
		for _, m := range desired {
			list = append(list, m)
		}
		if err := rs.db.ReplaceRoomMappings(ctx, list); err != nil {
			return 0, 0, fmt.Errorf("failed to persist room mappings: %w", err)
		}
	}

	for channelID, existing := range rs.byChannel {
		if _, ok := desired[channelID]; !ok {
			rs.log.Info().Str("channel_id", channelID).Str("room_id", string(existing.RoomID)).Msg("Removing room mapping")
			delete(rs.byChannel, channelID)
			delete(rs.byRoom, existing.RoomID)
			removed++
		}
	}
	for channelID, entry := range desired {
		if existing, ok := rs.byChannel[channelID]; ok && *existing == entry {
			continue
		}
		rs.putLocked(entry)
		added++
	}

	rs.log.Info().
		Int("added", added).
		Int("removed", removed).
		Int("total", len(rs.byChannel)).
		Msg("Room mapping reload complete")
	return added, removed, nil
}
