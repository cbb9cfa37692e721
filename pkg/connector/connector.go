// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-slackhook/pkg/connector/substitution"
)

// SlackConnector wires the bridge components together and owns their
// lifecycle.
type SlackConnector struct {
	Config *Config
	Log    zerolog.Logger

	Metrics  *Metrics
	Store    *Store
	Rooms    *RoomStore
	Echo     *EchoSuppressor
	Subst    *substitution.Table
	Ghosts   *GhostManager
	Inbound  *InboundClassifier
	Outbound *OutboundTranslator
	AS       *appservice.AppService

	events      *appservice.EventProcessor
	server      *http.Server
	adminServer *http.Server

	tasks     sync.WaitGroup
	stopCtx   context.Context
	stopTasks context.CancelFunc
}

// NewSlackConnector builds every component from the config. db must already
// be open.
func NewSlackConnector(cfg *Config, db *dbutil.Database, log zerolog.Logger) (*SlackConnector, error) {
	reg := GenerateRegistration(cfg)
	reg.AppToken = cfg.AppService.ASToken
	reg.ServerToken = cfg.AppService.HSToken
	as, err := appservice.CreateFull(appservice.CreateOpts{
		Registration:     reg,
		HomeserverDomain: cfg.Homeserver.Domain,
		HomeserverURL:    cfg.Homeserver.Address,
		HostConfig: appservice.HostConfig{
			Hostname: cfg.AppService.Hostname,
			Port:     cfg.AppService.Port,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create appservice: %w", err)
	}
	as.Log = log.With().Str("component", "appservice").Logger()

	subst, err := buildSubstitutionTable(cfg.Bridge.EmojiDataPath)
	if err != nil {
		return nil, err
	}
	log.Debug().Int("emoji", subst.EmojiCount()).Msg("Loaded emoji shortcodes")

	return newSlackConnector(cfg, NewStore(db), as, NewSlackClient(cfg.Bridge.SlackAPIURL, &http.Client{Timeout: 30 * time.Second}), NewIntentPuppets(as, cfg.Bridge.UsernamePrefix), subst, log), nil
}

func newSlackConnector(cfg *Config, store *Store, as *appservice.AppService, slack SlackAPI, puppets PuppetProvider, subst *substitution.Table, log zerolog.Logger) *SlackConnector {
	sc := &SlackConnector{
		Config:  cfg,
		Log:     log,
		Metrics: NewMetrics(),
		Store:   store,
		Echo:    NewEchoSuppressor(cfg.Bridge.EchoTTL),
		Subst:   subst,
		AS:      as,
	}
	var mappings roomMappingStore
	var identities IdentityStore = newMemoryIdentityStore()
	if store != nil {
		mappings = store
		identities = store
	}
	sc.Rooms = NewRoomStore(mappings, cfg.Bridge.MasterToken, log)
	sc.Ghosts = NewGhostManager(identities, slack, puppets, sc.Rooms, sc.Metrics, cfg.Bridge.AvatarCacheTTL, log)
	sc.Inbound = NewInboundClassifier(sc.Rooms, slack, sc.Ghosts, sc.Echo, subst, sc.Metrics, cfg.Bridge.BotUserIDs, log)
	sc.Outbound = NewOutboundTranslator(sc.Rooms, slack, sc.Echo, subst, sc.Metrics, cfg.Homeserver.PublicURL, sc.IsBridgeUser, cfg.Bridge.WebhookRateLimit, log)
	sc.stopCtx, sc.stopTasks = context.WithCancel(context.Background())
	return sc
}

func buildSubstitutionTable(emojiDataPath string) (*substitution.Table, error) {
	if emojiDataPath == "" {
		return substitution.New(substitution.DefaultPairs, substitution.DefaultEmojiIndex()), nil
	}
	f, err := os.Open(emojiDataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open emoji data: %w", err)
	}
	defer f.Close()
	builder := substitution.NewEmojiIndexBuilder()
	builder.AddMattermostEmojis()
	if _, err := builder.AddEmojiData(f); err != nil {
		return nil, fmt.Errorf("failed to load emoji data from %s: %w", emojiDataPath, err)
	}
	return substitution.New(substitution.DefaultPairs, builder.Build(substitution.DefaultAliases)), nil
}

// Start loads the room mappings and starts the appservice, the Matrix event
// processor, the public webhook listener and the admin API listener.
func (sc *SlackConnector) Start(ctx context.Context) error {
	if sc.Store != nil {
		if err := sc.Store.Init(ctx); err != nil {
			return err
		}
	}
	if err := sc.Rooms.Load(ctx, sc.Config.Rooms); err != nil {
		return err
	}

	sc.events = appservice.NewEventProcessor(sc.AS)
	sc.events.On(event.EventMessage, func(_ context.Context, evt *event.Event) {
		sc.runTask("matrix_event", func(ctx context.Context) {
			sc.Outbound.HandleMatrixEvent(ctx, evt)
		})
	})
	sc.events.Start(sc.stopCtx)

	go func() {
		sc.Log.Info().
			Str("hostname", sc.Config.AppService.Hostname).
			Uint16("port", sc.Config.AppService.Port).
			Msg("Starting appservice listener")
		sc.AS.Start()
	}()

	if addr := sc.Config.Bridge.WebhookListen; addr != "" {
		sc.server = sc.listen("webhook listener", addr, sc.WebhookRouter())
	}
	if addr := sc.Config.Bridge.AdminListen; addr != "" {
		sc.adminServer = sc.listen("admin API", addr, sc.AdminRouter())
	}
	return nil
}

func (sc *SlackConnector) listen(name, addr string, handler http.Handler) *http.Server {
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		sc.Log.Info().Str("addr", addr).Msgf("Starting %s", name)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sc.Log.Error().Err(err).Str("addr", addr).Msgf("%s error", name)
		}
	}()
	return server
}

// Stop shuts the listeners down and waits for in-flight tasks.
func (sc *SlackConnector) Stop(ctx context.Context) {
	for name, server := range map[string]*http.Server{"webhook listener": sc.server, "admin API": sc.adminServer} {
		if server == nil {
			continue
		}
		if err := server.Shutdown(ctx); err != nil {
			sc.Log.Warn().Err(err).Str("listener", name).Msg("Failed to shut down listener")
		}
	}
	if sc.events != nil {
		sc.events.Stop()
	}
	if sc.AS != nil {
		sc.AS.Stop()
	}
	sc.stopTasks()
	sc.tasks.Wait()
}

// runTask runs fn in its own goroutine. A panic is logged and contained to
// the task.
func (sc *SlackConnector) runTask(name string, fn func(ctx context.Context)) {
	sc.tasks.Add(1)
	go func() {
		defer sc.tasks.Done()
		defer func() {
			if err := recover(); err != nil {
				sc.Log.Error().
					Str("task", name).
					Any("panic", err).
					Msg("Panic in bridge task")
			}
		}()
		fn(sc.stopCtx)
	}()
}

// IsBridgeUser reports whether a Matrix user is the bridge bot or one of its
// ghosts.
func (sc *SlackConnector) IsBridgeUser(userID id.UserID) bool {
	if sc.AS != nil && userID == sc.AS.BotMXID() {
		return true
	}
	_, ok := ParseGhostMXID(sc.Config.Bridge.UsernamePrefix, userID, sc.Config.Homeserver.Domain)
	return ok
}

// GenerateRegistration creates a fresh appservice registration for the
// config, with newly generated tokens.
func GenerateRegistration(cfg *Config) *appservice.Registration {
	reg := appservice.CreateRegistration()
	reg.ID = cfg.AppService.ID
	reg.URL = cfg.AppService.Address
	reg.SenderLocalpart = cfg.AppService.BotUsername
	rateLimited := false
	reg.RateLimited = &rateLimited
	reg.Namespaces.UserIDs = append(reg.Namespaces.UserIDs,
		appservice.Namespace{Regex: ghostNamespaceRegex(cfg), Exclusive: true},
		appservice.Namespace{Regex: "^" + regexp.QuoteMeta(id.NewUserID(cfg.AppService.BotUsername, cfg.Homeserver.Domain).String()) + "$", Exclusive: true},
	)
	return reg
}

func ghostNamespaceRegex(cfg *Config) string {
	prefix := strings.ToLower(cfg.Bridge.UsernamePrefix)
	return fmt.Sprintf("^@%s.+:%s$", regexp.QuoteMeta(prefix), regexp.QuoteMeta(cfg.Homeserver.Domain))
}
