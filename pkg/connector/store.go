// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

const schema = `
CREATE TABLE IF NOT EXISTS ghost_identity (
	slack_user_id TEXT PRIMARY KEY,
	display_name  TEXT NOT NULL DEFAULT '',
	avatar_url    TEXT NOT NULL DEFAULT '',
	last_activity INTEGER
);
CREATE TABLE IF NOT EXISTS room_mapping (
	channel_id   TEXT PRIMARY KEY,
	room_id      TEXT NOT NULL UNIQUE,
	webhook_url  TEXT NOT NULL DEFAULT '',
	access_token TEXT NOT NULL DEFAULT ''
);
`

// Store persists ghost identities and room mappings.
type Store struct {
	db *dbutil.Database
}

var _ IdentityStore = (*Store)(nil)

// NewStore wraps a database. Call Init before use.
func NewStore(db *dbutil.Database) *Store {
	return &Store{db: db}
}

// Init creates the tables if they do not exist.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// LoadIdentity returns the stored identity of a Slack user, or nil.
func (s *Store) LoadIdentity(ctx context.Context, userID string) (*GhostIdentity, error) {
	var identity GhostIdentity
	var lastActivity sql.NullInt64
	err := s.db.QueryRow(ctx,
		`SELECT slack_user_id, display_name, avatar_url, last_activity
		 FROM ghost_identity WHERE slack_user_id=$1`,
		userID,
	).Scan(&identity.UserID, &identity.DisplayName, &identity.AvatarURL, &lastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if lastActivity.Valid {
		identity.LastActivity = time.Unix(lastActivity.Int64, 0)
	}
	return &identity, nil
}

// SaveIdentity inserts or updates an identity.
func (s *Store) SaveIdentity(ctx context.Context, identity *GhostIdentity) error {
	var lastActivity sql.NullInt64
	if !identity.LastActivity.IsZero() {
		lastActivity = sql.NullInt64{Int64: identity.LastActivity.Unix(), Valid: true}
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO ghost_identity (slack_user_id, display_name, avatar_url, last_activity)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (slack_user_id)
		 DO UPDATE SET display_name=excluded.display_name, avatar_url=excluded.avatar_url, last_activity=excluded.last_activity`,
		identity.UserID, identity.DisplayName, identity.AvatarURL, lastActivity,
	)
	if err != nil {
		return fmt.Errorf("failed to save ghost %s: %w", identity.UserID, err)
	}
	return nil
}

// LoadRoomMappings returns every stored room mapping.
func (s *Store) LoadRoomMappings(ctx context.Context) ([]RoomMapping, error) {
	rows, err := s.db.Query(ctx,
		`SELECT channel_id, room_id, webhook_url, access_token FROM room_mapping ORDER BY channel_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var mappings []RoomMapping
	for rows.Next() {
		var m RoomMapping
		var roomID string
		if err := rows.Scan(&m.ChannelID, &roomID, &m.WebhookURL, &m.AccessToken); err != nil {
			return nil, err
		}
		m.RoomID = id.RoomID(roomID)
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// ReplaceRoomMappings atomically replaces every stored room mapping.
func (s *Store) ReplaceRoomMappings(ctx context.Context, mappings []RoomMapping) error {
	tx, err := s.db.RawDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if _, err := tx.ExecContext(ctx, `DELETE FROM room_mapping`); err != nil {
		return fmt.Errorf("failed to clear room mappings: %w", err)
	}
	for _, m := range mappings {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO room_mapping (channel_id, room_id, webhook_url, access_token) VALUES ($1, $2, $3, $4)`,
			m.ChannelID, string(m.RoomID), m.WebhookURL, m.AccessToken,
		)
		if err != nil {
			return fmt.Errorf("failed to insert room mapping for %s: %w", m.ChannelID, err)
		}
	}
	return tx.Commit()
}

// memoryIdentityStore keeps identities in memory only. It is used when the
// bridge runs without a database.
type memoryIdentityStore struct {
	mu         sync.Mutex
	identities map[string]GhostIdentity
}

func newMemoryIdentityStore() *memoryIdentityStore {
	return &memoryIdentityStore{identities: make(map[string]GhostIdentity)}
}

func (m *memoryIdentityStore) LoadIdentity(_ context.Context, userID string) (*GhostIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identities[userID]
	if !ok {
		return nil, nil
	}
	return &identity, nil
}

func (m *memoryIdentityStore) SaveIdentity(_ context.Context, identity *GhostIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identities[identity.UserID] = *identity
	return nil
}
