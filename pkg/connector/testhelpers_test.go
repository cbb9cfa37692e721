// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-slackhook/pkg/connector/substitution"
)

const (
	testDomain    = "example.com"
	testChannel   = "C0001"
	testRoom      = id.RoomID("!room1:example.com")
	testToken     = "xoxb-master"
	testPublicURL = "https://matrix.example.com"
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Params url.Values
	Body   string
	Auth   string
}

// fakeSlack is a test helper that wraps an httptest.Server simulating the
// Slack web API, incoming webhooks and avatar hosting. It records calls and
// provides canned responses.
type fakeSlack struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall

	// History maps channel ID to the messages returned by
	// conversations.history.
	History map[string][]HistoryMessage
	// Profiles maps user ID to the profile returned by users.info.
	Profiles map[string]*UserProfile
	// Avatars maps a path under /avatars/ to image bytes.
	Avatars map[string][]byte
	// FailEndpoints causes specific path prefixes to return 500.
	FailEndpoints map[string]bool
}

func newFakeSlack() *fakeSlack {
	f := &fakeSlack{
		History:       make(map[string][]HistoryMessage),
		Profiles:      make(map[string]*UserProfile),
		Avatars:       make(map[string][]byte),
		FailEndpoints: make(map[string]bool),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeSlack) Close() {
	f.Server.Close()
}

func (f *fakeSlack) URL(path string) string {
	return f.Server.URL + path
}

func (f *fakeSlack) setFail(prefix string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FailEndpoints[prefix] = fail
}

func (f *fakeSlack) setProfile(userID string, profile *UserProfile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Profiles[userID] = profile
}

func (f *fakeSlack) record(c endpointCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeSlack) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

// CallsTo returns the recorded calls whose path starts with prefix.
func (f *fakeSlack) CallsTo(prefix string) []endpointCall {
	var out []endpointCall
	for _, c := range f.Calls() {
		if strings.HasPrefix(c.Path, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeSlack) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	// Web API parameters may arrive in the query or in a form body.
	params := r.URL.Query()
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if form, err := url.ParseQuery(string(body)); err == nil {
			for k, v := range form {
				params[k] = v
			}
		}
	}
	auth := r.Header.Get("Authorization")
	if auth == "" && params.Get("token") != "" {
		auth = "Bearer " + params.Get("token")
	}
	f.record(endpointCall{
		Method: r.Method,
		Path:   r.URL.Path,
		Params: params,
		Body:   string(body),
		Auth:   auth,
	})

	f.mu.Lock()
	defer f.mu.Unlock()
	for prefix, fail := range f.FailEndpoints {
		if fail && strings.HasPrefix(r.URL.Path, prefix) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("fake error"))
			return
		}
	}

	path := r.URL.Path
	switch {
	// /conversations.history
	case path == "/conversations.history":
		messages := f.History[params.Get("channel")]
		if messages == nil {
			messages = []HistoryMessage{}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "messages": messages})

	// /users.info
	case path == "/users.info":
		uid := params.Get("user")
		profile, ok := f.Profiles[uid]
		if !ok {
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "user_not_found"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":   true,
			"user": map[string]any{"id": uid, "profile": profile},
		})

	// GET /avatars/{name}
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/avatars/"):
		data, ok := f.Avatars[strings.TrimPrefix(path, "/avatars/")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(data)

	// POST /hooks/{id}
	case r.Method == http.MethodPost && strings.HasPrefix(path, "/hooks/"):
		_, _ = w.Write([]byte("ok"))

	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("not found: " + path))
	}
}

// sentText is a text message sent through a fakePuppet.
type sentText struct {
	RoomID id.RoomID
	Text   string
}

// fakePuppet records everything sent through it.
type fakePuppet struct {
	userID string

	mu           sync.Mutex
	seq          int
	ops          []string
	texts        []sentText
	images       []*ImageContent
	displayNames []string
	avatars      []id.ContentURI
	uploads      []string

	failSend        error
	failDisplayName error
	failUpload      error
}

var _ Puppet = (*fakePuppet)(nil)

func (p *fakePuppet) nextEventID() id.EventID {
	p.seq++
	return id.EventID(fmt.Sprintf("$%s-%d", strings.ToLower(p.userID), p.seq))
}

func (p *fakePuppet) SendText(_ context.Context, roomID id.RoomID, text string) (id.EventID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failSend != nil {
		return "", p.failSend
	}
	p.ops = append(p.ops, "text")
	p.texts = append(p.texts, sentText{RoomID: roomID, Text: text})
	return p.nextEventID(), nil
}

func (p *fakePuppet) SendImageMessage(_ context.Context, _ id.RoomID, content *ImageContent) (id.EventID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failSend != nil {
		return "", p.failSend
	}
	p.ops = append(p.ops, "image")
	p.images = append(p.images, content)
	return p.nextEventID(), nil
}

func (p *fakePuppet) SetDisplayName(_ context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failDisplayName != nil {
		return p.failDisplayName
	}
	p.displayNames = append(p.displayNames, name)
	return nil
}

func (p *fakePuppet) SetAvatar(_ context.Context, ref id.ContentURI) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.avatars = append(p.avatars, ref)
	return nil
}

func (p *fakePuppet) UploadMedia(_ context.Context, data []byte, name, mimeType string) (id.ContentURI, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failUpload != nil {
		return id.ContentURI{}, p.failUpload
	}
	p.uploads = append(p.uploads, name)
	return id.ContentURI{Homeserver: testDomain, FileID: fmt.Sprintf("%s-%d", name, len(p.uploads))}, nil
}

func (p *fakePuppet) Ops() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ops...)
}

func (p *fakePuppet) Texts() []sentText {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sentText(nil), p.texts...)
}

func (p *fakePuppet) Images() []*ImageContent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*ImageContent(nil), p.images...)
}

func (p *fakePuppet) DisplayNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.displayNames...)
}

func (p *fakePuppet) Avatars() []id.ContentURI {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]id.ContentURI(nil), p.avatars...)
}

func (p *fakePuppet) Uploads() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.uploads...)
}

// fakePuppets hands out one fakePuppet per Slack user.
type fakePuppets struct {
	mu      sync.Mutex
	puppets map[string]*fakePuppet
}

func newFakePuppets() *fakePuppets {
	return &fakePuppets{puppets: make(map[string]*fakePuppet)}
}

func (fp *fakePuppets) PuppetFor(slackUserID string) Puppet {
	return fp.get(slackUserID)
}

func (fp *fakePuppets) get(slackUserID string) *fakePuppet {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	p, ok := fp.puppets[slackUserID]
	if !ok {
		p = &fakePuppet{userID: slackUserID}
		fp.puppets[slackUserID] = p
	}
	return p
}

// has reports whether a puppet was ever requested for the user.
func (fp *fakePuppets) has(slackUserID string) bool {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	_, ok := fp.puppets[slackUserID]
	return ok
}

// failingIdentityStore fails every operation.
type failingIdentityStore struct{}

func (failingIdentityStore) SaveIdentity(context.Context, *GhostIdentity) error {
	return errors.New("store unavailable")
}

func (failingIdentityStore) LoadIdentity(context.Context, string) (*GhostIdentity, error) {
	return nil, errors.New("store unavailable")
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestTable returns a substitution table with a small, fixed emoji set.
func newTestTable() *substitution.Table {
	b := substitution.NewEmojiIndexBuilder()
	b.AddUnified("smile", "1f604")
	b.AddUnified("wink", "1f609")
	b.AddUnified("tada", "1f389")
	return substitution.New(substitution.DefaultPairs, b.Build(substitution.DefaultAliases))
}

// testBridge holds a fully wired set of bridge components backed by fakes.
type testBridge struct {
	slack    *fakeSlack
	puppets  *fakePuppets
	rooms    *RoomStore
	store    *memoryIdentityStore
	echo     *EchoSuppressor
	metrics  *Metrics
	clock    *fakeClock
	ghosts   *GhostManager
	inbound  *InboundClassifier
	outbound *OutboundTranslator
}

// newTestBridge wires the components against a fake Slack. The test room is
// linked to testChannel and uses masterToken for Slack API calls.
func newTestBridge(t *testing.T, masterToken string) *testBridge {
	t.Helper()
	slack := newFakeSlack()
	t.Cleanup(slack.Close)

	log := zerolog.Nop()
	tb := &testBridge{
		slack:   slack,
		puppets: newFakePuppets(),
		rooms:   NewRoomStore(nil, masterToken, log),
		store:   newMemoryIdentityStore(),
		echo:    NewEchoSuppressor(time.Minute),
		metrics: NewMetrics(),
		clock:   newFakeClock(),
	}
	err := tb.rooms.Load(context.Background(), []RoomMapping{{
		ChannelID:  testChannel,
		RoomID:     testRoom,
		WebhookURL: slack.URL("/hooks/one"),
	}})
	if err != nil {
		t.Fatalf("failed to load rooms: %v", err)
	}

	client := NewSlackClient(slack.Server.URL, slack.Server.Client())
	subst := newTestTable()
	tb.ghosts = NewGhostManager(tb.store, client, tb.puppets, tb.rooms, tb.metrics, 10*time.Minute, log)
	tb.ghosts.now = tb.clock.Now
	tb.inbound = NewInboundClassifier(tb.rooms, client, tb.ghosts, tb.echo, subst, tb.metrics, []string{"UBRIDGE"}, log)
	isBridgeUser := func(userID id.UserID) bool {
		_, ok := ParseGhostMXID(DefaultUsernamePrefix, userID, testDomain)
		return ok
	}
	tb.outbound = NewOutboundTranslator(tb.rooms, client, tb.echo, subst, tb.metrics, testPublicURL, isBridgeUser, 0, log)
	return tb
}

func (tb *testBridge) notification(userID, userName, text, ts string) *Notification {
	return &Notification{
		ChannelID: testChannel,
		UserID:    userID,
		UserName:  userName,
		Text:      text,
		Timestamp: ts,
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// isTrueParam reports whether a web API boolean parameter is set.
func isTrueParam(v string) bool {
	return v == "1" || v == "true"
}
