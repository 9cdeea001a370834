// Package app provides the main marky application
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"maunium.net/go/mautrix/event"

	"github.com/velchev/marky/internal/marky/chain"
	"github.com/velchev/marky/internal/marky/commands"
	"github.com/velchev/marky/internal/marky/feeder"
	"github.com/velchev/marky/internal/marky/matrix"
	"github.com/velchev/marky/internal/marky/nudge"
	"github.com/velchev/marky/internal/marky/settings"
	"github.com/velchev/marky/internal/marky/store"
)

// DefaultNudgeInterval is how often the nudge runner scans rooms for
// silence when no interval is configured.
const DefaultNudgeInterval = time.Minute

// Config holds application configuration
type Config struct {
	DatabasePath string
	Matrix       matrix.Config
	// Defaults are the fallback per-room settings, applied wherever a room
	// has no stored override.
	Defaults settings.Defaults
	// MentionKeywords trigger a reply when any of them appears as a
	// substring of a message (case-insensitive). Defaults to ["marky"].
	MentionKeywords []string
	// NudgeInterval is how often idle rooms are checked. Zero means
	// DefaultNudgeInterval; nudging itself is controlled per room via the
	// nudge-after setting.
	NudgeInterval time.Duration
	// HTTPAddr is the TCP address for the optional health/status HTTP
	// server (e.g. ":8080"). When empty the server is disabled.
	HTTPAddr string
}

// App is the main marky application
type App struct {
	config       *Config
	store        *store.Store
	settings     settings.Store
	matrix       *matrix.Client
	gen          *chain.Generator
	feeder       *feeder.Feeder
	router       *commands.Router
	handlers     *commands.Handlers
	activity     *nudge.Activity
	nudgeRunner  *nudge.Runner
	healthServer *HealthServer
	keywords     []string
}

// New creates a new marky application
func New(config *Config) (*App, error) {
	slog.Info("opening database", "path", config.DatabasePath)
	st, err := store.New(config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Inject the DB so the client can persist the sync token across
	// restarts. Without it room history replays on startup and every
	// replayed message doubles its edge weights.
	matrixCfg := config.Matrix
	matrixCfg.DB = st.DB()
	slog.Info("connecting to Matrix", "homeserver", matrixCfg.Homeserver)
	matrixClient, err := matrix.New(&matrixCfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize Matrix client: %w", err)
	}

	settingsStore := settings.New(st, config.Defaults)
	gen := chain.New(st, slog.Default())
	feed := feeder.New(st, slog.Default())

	router := commands.NewRouter("/marky")
	handlers := commands.NewHandlers(commands.HandlersConfig{
		Store:      st,
		Settings:   settingsStore,
		Generator:  gen,
		Feeder:     feed,
		Downloader: matrixClient,
	})

	router.Register("help", handlers.HandleHelp)
	router.Register("version", handlers.HandleVersion)
	router.Register("ping", handlers.HandlePing)
	router.Register("say", handlers.HandleSay)
	router.Register("stats", handlers.HandleStats)
	router.Register("feed", handlers.HandleFeed)
	router.Register("settings.show", handlers.HandleSettingsShow)
	router.Register("settings.set", handlers.HandleSettingsSet)
	router.Register("settings.unset", handlers.HandleSettingsUnset)

	activity := nudge.NewActivity()
	interval := config.NudgeInterval
	if interval <= 0 {
		interval = DefaultNudgeInterval
	}
	nudgeRunner := nudge.NewRunner(activity, st, settingsStore, gen, matrixClient, interval, slog.Default())

	var healthServer *HealthServer
	if config.HTTPAddr != "" {
		healthServer = NewHealthServer(config.HTTPAddr, st)
		slog.Info("health server configured", "addr", config.HTTPAddr)
	}

	keywords := config.MentionKeywords
	if len(keywords) == 0 {
		keywords = []string{"marky"}
	}
	for i, kw := range keywords {
		keywords[i] = strings.ToLower(kw)
	}

	return &App{
		config:       config,
		store:        st,
		settings:     settingsStore,
		matrix:       matrixClient,
		gen:          gen,
		feeder:       feed,
		router:       router,
		handlers:     handlers,
		activity:     activity,
		nudgeRunner:  nudgeRunner,
		healthServer: healthServer,
		keywords:     keywords,
	}, nil
}

// Run starts the marky application
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if a.healthServer != nil {
		if err := a.healthServer.Start(ctx); err != nil {
			slog.Warn("health server failed to start; continuing without it", "err", err)
		}
	}

	slog.Info("starting Matrix sync")
	if err := a.matrix.Start(ctx, a.handleMessage); err != nil {
		return fmt.Errorf("failed to start Matrix client: %w", err)
	}

	go a.nudgeRunner.Run(ctx)

	slog.Info("marky is running; press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	return nil
}

// Stop stops the marky application
func (a *App) Stop() {
	slog.Info("stopping Matrix client")
	a.matrix.Stop()

	if a.healthServer != nil {
		slog.Info("stopping health server")
		a.healthServer.Stop()
	}

	slog.Info("closing database")
	a.store.Close()
}

// handleMessage processes incoming Matrix messages. The matrix client has
// already dropped the bot's own messages and non-learning rooms.
func (a *App) handleMessage(ctx context.Context, evt *event.Event) {
	msgContent := evt.Content.AsMessage()
	if msgContent == nil {
		return
	}

	// Uploaded documents feed the chain in bulk.
	if msgContent.MsgType == event.MsgFile {
		a.handleFileUpload(ctx, evt, msgContent)
		return
	}

	text := msgContent.Body

	response, err := a.router.Route(ctx, text, evt)
	if err != nil {
		if errors.Is(err, commands.ErrNotACommand) {
			a.handleChat(ctx, evt, text)
			return
		}
		a.reply(evt, fmt.Sprintf("❌ Error: %s", err))
		return
	}
	if response != "" {
		a.reply(evt, response)
	}
}

// handleChat learns from an ordinary message and decides whether to talk
// back: when mentioned by keyword, when the message replies to the bot, or
// by a small random chance.
func (a *App) handleChat(ctx context.Context, evt *event.Event, text string) {
	roomID := evt.RoomID.String()
	cfg := a.settings.Resolve(ctx, roomID)

	tokens := chain.Tokenize(text)
	if len(tokens) >= 2 {
		if err := a.store.RecordSequence(ctx, roomID, tokens); err != nil {
			slog.Error("failed to record message", "room", roomID, "err", err)
		}
	}
	a.activity.RecordMessage(roomID)

	mentioned := a.isMention(text) || a.matrix.IsReplyToMe(ctx, evt)
	unsolicited := !mentioned && rand.Float64() < cfg.RandomReplyChance
	if !mentioned && !unsolicited {
		return
	}

	// Mentioned replies pick up a word from the message only sometimes, so
	// the bot does not parrot every prompt. Unsolicited replies always try,
	// to stay on topic when nobody asked.
	var seed string
	if unsolicited || rand.Float64() < cfg.SeedWordChance {
		seed = a.pickSeedWord(ctx, roomID, tokens)
	}

	reply := a.gen.Generate(ctx, chain.Request{
		RoomID:    roomID,
		MaxLength: chain.DefaultMaxLength,
		SeedWord:  seed,
		Order:     cfg.ChainOrder,
	})
	a.reply(evt, reply)
}

// handleFileUpload downloads an attached document and feeds it into the
// room's transitions.
func (a *App) handleFileUpload(ctx context.Context, evt *event.Event, msgContent *event.MessageEventContent) {
	uri := string(msgContent.URL)
	if uri == "" {
		return
	}
	roomID := evt.RoomID.String()

	slog.Info("feeding uploaded document", "room", roomID, "file", msgContent.Body)
	data, err := a.matrix.DownloadBytes(ctx, uri)
	if err != nil {
		slog.Error("failed to download uploaded document", "room", roomID, "err", err)
		a.reply(evt, "❌ I could not download that file.")
		return
	}

	report, err := a.feeder.Feed(ctx, roomID, data)
	if err != nil {
		a.reply(evt, fmt.Sprintf("❌ Error: %s", err))
		return
	}
	a.reply(evt, commands.FormatFeedReport(report))
}

// isMention reports whether any configured keyword appears in the message.
func (a *App) isMention(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range a.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// pickSeedWord returns a word from the message worth seeding a reply with:
// longer than two runes and already present in the room's transitions. The
// candidates are shuffled so repeated prompts seed differently.
func (a *App) pickSeedWord(ctx context.Context, roomID string, tokens []string) string {
	candidates := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if utf8.RuneCountInString(tok) > 2 {
			candidates = append(candidates, tok)
		}
	}
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	for _, word := range candidates {
		if a.store.WordObserved(ctx, roomID, word) {
			return word
		}
	}
	return ""
}

// reply sends a threaded reply and records it as bot activity so the nudge
// runner does not count the bot's own chatter as room silence to break.
func (a *App) reply(evt *event.Event, message string) {
	roomID := evt.RoomID.String()
	if err := a.matrix.ReplyToMessage(roomID, evt.ID.String(), message); err != nil {
		slog.Error("failed to send reply", "room", roomID, "err", err)
		return
	}
	a.activity.RecordBotMessage(roomID)
}
