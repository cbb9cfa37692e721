// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
)

// maxRequestBodySize is the maximum allowed request body for the webhook and
// admin endpoints (1 MB).
const maxRequestBodySize = 1 << 20

// WebhookRouter returns the public HTTP handler. It serves only Slack
// outgoing webhooks.
func (sc *SlackConnector) WebhookRouter() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", sc.HandleWebhook)
	return mux
}

// AdminRouter returns the HTTP handler for the room admin API and metrics.
// It must only be served on bridge.admin_listen.
func (sc *SlackConnector) AdminRouter() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/reload-rooms", sc.HandleReloadRooms)
	mux.HandleFunc("/api/rooms", sc.HandleListRooms)
	mux.Handle("/metrics", sc.Metrics.Handler())
	return mux
}

// HandleWebhook is an HTTP handler for POST /webhook. It accepts the
// form-encoded body Slack sends for outgoing webhooks as well as the same
// fields as JSON. Accepted notifications are answered with 200 immediately
// and bridged in the background.
func (sc *SlackConnector) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	n, err := parseNotification(r)
	if err != nil {
		sc.Log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Failed to parse webhook notification")
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if expected := sc.Config.Bridge.WebhookToken; expected != "" &&
		subtle.ConstantTimeCompare([]byte(n.Token), []byte(expected)) != 1 {
		sc.Log.Warn().
			Str("remote_addr", r.RemoteAddr).
			Str("channel_id", n.ChannelID).
			Msg("Rejecting webhook notification with invalid token")
		http.Error(w, "invalid token", http.StatusForbidden)
		return
	}

	sc.runTask("slack_notification", func(ctx context.Context) {
		sc.Inbound.HandleNotification(ctx, n)
	})
	w.WriteHeader(http.StatusOK)
}

func parseNotification(r *http.Request) (*Notification, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var n Notification
		if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
			return nil, err
		}
		return &n, nil
	}
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	return &Notification{
		Token:       r.PostForm.Get("token"),
		TeamID:      r.PostForm.Get("team_id"),
		ChannelID:   r.PostForm.Get("channel_id"),
		ChannelName: r.PostForm.Get("channel_name"),
		UserID:      r.PostForm.Get("user_id"),
		UserName:    r.PostForm.Get("user_name"),
		Text:        r.PostForm.Get("text"),
		Timestamp:   r.PostForm.Get("timestamp"),
	}, nil
}

// HandleReloadRooms is an HTTP handler for POST /api/reload-rooms.
// It accepts an optional JSON array of room mappings; if the body is empty,
// the mappings from the config file are applied.
func (sc *SlackConnector) HandleReloadRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sc.Log.Info().
		Str("remote_addr", r.RemoteAddr).
		Str("content_length", r.Header.Get("Content-Length")).
		Msg("Room reload requested")

	var entries []RoomMapping
	source := "config"
	if r.Body != nil && r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &entries); err != nil {
				http.Error(w, "invalid JSON", http.StatusBadRequest)
				return
			}
			source = "body"
		}
	}
	if source == "config" {
		entries = sc.Config.Rooms
	}

	sc.Log.Info().
		Str("remote_addr", r.RemoteAddr).
		Int("entries", len(entries)).
		Str("source", source).
		Msg("Processing room reload")

	added, removed, err := sc.Rooms.ReloadFromEntries(r.Context(), entries)
	if err != nil {
		sc.Log.Warn().Err(err).Msg("Room reload failed")
		if errors.Is(err, ErrInvalidRoomMapping) {
			http.Error(w, err.Error(), http.StatusBadRequest)
		} else {
			http.Error(w, "failed to reload rooms", http.StatusInternalServerError)
		}
		return
	}

	sc.writeJSON(w, map[string]int{
		"added":   added,
		"removed": removed,
		"total":   sc.Rooms.Count(),
	})
}

// HandleListRooms is an HTTP handler for GET /api/rooms. Access tokens are
// not included in the response.
func (sc *SlackConnector) HandleListRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rooms := sc.Rooms.List()
	for i := range rooms {
		rooms[i].AccessToken = ""
	}
	sc.writeJSON(w, rooms)
}

func (sc *SlackConnector) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		sc.Log.Warn().Err(err).Msg("Failed to write API response")
	}
}
