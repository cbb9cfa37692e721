// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"testing"

	"maunium.net/go/mautrix/id"
)

func TestRoomStoreLookups(t *testing.T) {
	t.Parallel()
	rs := NewRoomStore(nil, "xoxb-master", testLogger())
	err := rs.Load(context.Background(), []RoomMapping{
		{ChannelID: "C1", RoomID: "!a:example.com", WebhookURL: "https://hooks/a"},
		{ChannelID: "C2", RoomID: "!b:example.com", WebhookURL: "https://hooks/b", AccessToken: "xoxb-b"},
		{ChannelID: "", RoomID: "!skipped:example.com"},
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if rs.Count() != 2 {
		t.Fatalf("expected 2 mappings, got %d", rs.Count())
	}
	if got := rs.WebhookForRoom("!a:example.com"); got != "https://hooks/a" {
		t.Errorf("webhook: got %q", got)
	}
	if got := rs.WebhookForRoom("!unknown:example.com"); got != "" {
		t.Errorf("unknown room should have no webhook, got %q", got)
	}
	if got := rs.RoomForChannel("C2"); got != "!b:example.com" {
		t.Errorf("room: got %q", got)
	}
	if got := rs.RoomForChannel("C9"); got != "" {
		t.Errorf("unknown channel should have no room, got %q", got)
	}

	tokens := []struct {
		room id.RoomID
		want string
	}{
		{"!a:example.com", "xoxb-master"},
		{"!b:example.com", "xoxb-b"},
		{"!unknown:example.com", "xoxb-master"},
	}
	for _, tt := range tokens {
		if got := rs.AccessTokenForRoom(tt.room); got != tt.want {
			t.Errorf("token for %s: got %q, want %q", tt.room, got, tt.want)
		}
	}
}

func TestRoomStoreList(t *testing.T) {
	t.Parallel()
	rs := NewRoomStore(nil, "", testLogger())
	_ = rs.Load(context.Background(), []RoomMapping{
		{ChannelID: "C3", RoomID: "!c:example.com"},
		{ChannelID: "C1", RoomID: "!a:example.com"},
		{ChannelID: "C2", RoomID: "!b:example.com"},
	})
	list := rs.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 mappings, got %d", len(list))
	}
	for i, want := range []string{"C1", "C2", "C3"} {
		if list[i].ChannelID != want {
			t.Errorf("list[%d]: got %s, want %s", i, list[i].ChannelID, want)
		}
	}
}

func TestRoomStoreRemapChannel(t *testing.T) {
	t.Parallel()
	rs := NewRoomStore(nil, "", testLogger())
	_, _, err := rs.ReloadFromEntries(context.Background(), []RoomMapping{
		{ChannelID: "C1", RoomID: "!a:example.com"},
	})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	_, _, err = rs.ReloadFromEntries(context.Background(), []RoomMapping{
		{ChannelID: "C1", RoomID: "!new:example.com"},
	})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := rs.RoomForChannel("C1"); got != "!new:example.com" {
		t.Errorf("room: got %q", got)
	}
	if got := rs.WebhookForRoom("!a:example.com"); got != "" {
		t.Errorf("old room must be unlinked, webhook %q", got)
	}
	if rs.AccessTokenForRoom("!a:example.com") != "" {
		t.Error("old room must be unlinked")
	}
}

func TestRoomStoreReloadFromEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rs := NewRoomStore(nil, "", testLogger())
	_ = rs.Load(ctx, []RoomMapping{
		{ChannelID: "C1", RoomID: "!a:example.com", WebhookURL: "https://hooks/a"},
		{ChannelID: "C2", RoomID: "!b:example.com", WebhookURL: "https://hooks/b"},
	})

	added, removed, err := rs.ReloadFromEntries(ctx, []RoomMapping{
		{ChannelID: "C1", RoomID: "!a:example.com", WebhookURL: "https://hooks/a"},
		{ChannelID: "C2", RoomID: "!b:example.com", WebhookURL: "https://hooks/b2"},
		{ChannelID: "C3", RoomID: "!c:example.com", WebhookURL: "https://hooks/c"},
	})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if added != 2 || removed != 0 {
		t.Errorf("added=%d removed=%d, want 2 and 0", added, removed)
	}
	if got := rs.WebhookForRoom("!b:example.com"); got != "https://hooks/b2" {
		t.Errorf("changed webhook not applied, got %q", got)
	}

	added, removed, err = rs.ReloadFromEntries(ctx, []RoomMapping{
		{ChannelID: "C3", RoomID: "!c:example.com", WebhookURL: "https://hooks/c"},
	})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if added != 0 || removed != 2 {
		t.Errorf("added=%d removed=%d, want 0 and 2", added, removed)
	}
	if rs.Count() != 1 || rs.RoomForChannel("C1") != "" {
		t.Errorf("unexpected mappings after reload: %+v", rs.List())
	}
}

func TestRoomStoreReloadRejectsInvalidEntry(t *testing.T) {
	t.Parallel()
	rs := NewRoomStore(nil, "", testLogger())
	_ = rs.Load(context.Background(), []RoomMapping{{ChannelID: "C1", RoomID: "!a:example.com"}})

	_, _, err := rs.ReloadFromEntries(context.Background(), []RoomMapping{
		{ChannelID: "C2", RoomID: "!b:example.com"},
		{ChannelID: "C3"},
	})
	if !errors.Is(err, ErrInvalidRoomMapping) {
		t.Fatalf("expected ErrInvalidRoomMapping, got %v", err)
	}
	if rs.Count() != 1 || rs.RoomForChannel("C1") != "!a:example.com" {
		t.Errorf("invalid reload must not change mappings: %+v", rs.List())
	}
}

func TestRoomStoreReloadRejectsRoomMappedTwice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	duplicate := []RoomMapping{
		{ChannelID: "C2", RoomID: "!dup:example.com", WebhookURL: "https://hooks/b"},
		{ChannelID: "C3", RoomID: "!dup:example.com", WebhookURL: "https://hooks/c"},
	}
	tests := []struct {
		name  string
		store func(t *testing.T) roomMappingStore
	}{
		{"memory", func(*testing.T) roomMappingStore { return nil }},
		{"sqlite", func(t *testing.T) roomMappingStore { return setupStore(t) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rs := NewRoomStore(tt.store(t), "", testLogger())
			if err := rs.Load(ctx, []RoomMapping{{ChannelID: "C1", RoomID: "!a:example.com"}}); err != nil {
				t.Fatalf("load: %v", err)
			}
			added, removed, err := rs.ReloadFromEntries(ctx, duplicate)
			if !errors.Is(err, ErrInvalidRoomMapping) {
				t.Fatalf("expected ErrInvalidRoomMapping, got %v", err)
			}
			if added != 0 || removed != 0 {
				t.Errorf("added=%d removed=%d, want nothing counted", added, removed)
			}
			if rs.Count() != 1 || rs.RoomForChannel("C1") != "!a:example.com" || rs.RoomForChannel("C2") != "" {
				t.Errorf("rejected reload must not change mappings: %+v", rs.List())
			}
		})
	}

	// The same channel listed twice for one room is not a conflict.
	rs := NewRoomStore(nil, "", testLogger())
	added, _, err := rs.ReloadFromEntries(ctx, []RoomMapping{
		{ChannelID: "C1", RoomID: "!a:example.com"},
		{ChannelID: "C1", RoomID: "!a:example.com"},
	})
	if err != nil || added != 1 || rs.Count() != 1 {
		t.Errorf("repeated entry: added=%d count=%d err=%v", added, rs.Count(), err)
	}
}

func TestRoomStorePersistence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := setupStore(t)

	rs := NewRoomStore(store, "", testLogger())
	if err := rs.Load(ctx, nil); err != nil {
		t.Fatalf("load: %v", err)
	}
	_, _, err := rs.ReloadFromEntries(ctx, []RoomMapping{
		{ChannelID: "C1", RoomID: "!a:example.com", WebhookURL: "https://hooks/stored"},
	})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	// A new registry sees the persisted mapping, which wins over the seed.
	fresh := NewRoomStore(store, "", testLogger())
	err = fresh.Load(ctx, []RoomMapping{
		{ChannelID: "C1", RoomID: "!a:example.com", WebhookURL: "https://hooks/seed"},
		{ChannelID: "C2", RoomID: "!b:example.com", WebhookURL: "https://hooks/b"},
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := fresh.WebhookForRoom("!a:example.com"); got != "https://hooks/stored" {
		t.Errorf("stored mapping should win over seed, got %q", got)
	}
	if got := fresh.RoomForChannel("C2"); got != "!b:example.com" {
		t.Errorf("seed mapping for new channel should be added, got %q", got)
	}
}
