package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"

	"github.com/velchev/marky/common/trace"
	"github.com/velchev/marky/common/version"
	"github.com/velchev/marky/internal/marky/chain"
	"github.com/velchev/marky/internal/marky/feeder"
	"github.com/velchev/marky/internal/marky/settings"
	"github.com/velchev/marky/internal/marky/store"
)

// Downloader fetches the content behind an mxc:// URI.
type Downloader interface {
	DownloadBytes(ctx context.Context, uri string) ([]byte, error)
}

// HandlersConfig wires the handlers' dependencies.
type HandlersConfig struct {
	Store      *store.Store
	Settings   settings.Store
	Generator  *chain.Generator
	Feeder     *feeder.Feeder
	Downloader Downloader
}

// Handlers holds all command handlers and dependencies.
type Handlers struct {
	store      *store.Store
	settings   settings.Store
	gen        *chain.Generator
	feeder     *feeder.Feeder
	downloader Downloader
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(cfg HandlersConfig) *Handlers {
	return &Handlers{
		store:      cfg.Store,
		settings:   cfg.Settings,
		gen:        cfg.Generator,
		feeder:     cfg.Feeder,
		downloader: cfg.Downloader,
	}
}

// HandleHelp shows available commands.
func (h *Handlers) HandleHelp(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	help := `**marky**

I learn how this room talks and talk back. Everything you say here feeds the chain.

**Commands:**
• /marky say [word] - Generate a message, optionally seeded with a word
• /marky say --all - Generate from every room's history
• /marky say --length <n> - Target message length in words (default 30)
• /marky settings show - Show this room's effective settings
• /marky settings set <key> <value> - Tune order, random-reply-chance, seed-word-chance, nudge-after
• /marky settings unset - Return the room to defaults
• /marky stats - Show how much this room has taught me
• /marky feed --mxc <uri> - Feed an uploaded document (text or JSON export) into this room
• /marky ping - Health check
• /marky version - Version information
`
	return help, nil
}

// HandleVersion shows version information.
func (h *Handlers) HandleVersion(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	return fmt.Sprintf("**marky**\nVersion: %s\nCommit: %s\nBuild Time: %s",
		version.Version, version.GitCommit, version.BuildTime), nil
}

// HandlePing responds with a health check.
func (h *Handlers) HandlePing(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	return fmt.Sprintf("🏓 Pong! (trace: %s)", trace.GenerateID()), nil
}

// HandleSay generates one message on demand. An optional bare argument
// seeds the generation; --all builds the model from every room.
func (h *Handlers) HandleSay(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	roomID := evt.RoomID.String()
	cfg := h.settings.Resolve(ctx, roomID)

	maxLength := chain.DefaultMaxLength
	if raw := cmd.GetFlag("length", ""); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			return "", fmt.Errorf("--length must be a number between 1 and 200")
		}
		maxLength = n
	}

	var seed string
	if arg, ok := cmd.GetArg(0); ok {
		// An unknown seed is not an error; the generator quietly falls
		// back to an unseeded start.
		seed = strings.ToLower(arg)
	}

	text := h.gen.Generate(ctx, chain.Request{
		RoomID:    roomID,
		MaxLength: maxLength,
		SeedWord:  seed,
		AllRooms:  cmd.HasFlag("all"),
		Order:     cfg.ChainOrder,
	})
	return text, nil
}

// HandleStats reports how many edges the room (and the whole database)
// holds.
func (h *Handlers) HandleStats(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	roomID := evt.RoomID.String()

	roomEdges, err := h.store.RoomEdgeCount(ctx, roomID)
	if err != nil {
		return "", fmt.Errorf("failed to count room edges: %w", err)
	}
	totalEdges, err := h.store.EdgeCount(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to count edges: %w", err)
	}

	return fmt.Sprintf("**Chain stats**\nThis room: %d transitions\nEverywhere: %d transitions", roomEdges, totalEdges), nil
}

// HandleSettingsShow prints the room's effective settings.
func (h *Handlers) HandleSettingsShow(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	cfg := h.settings.Resolve(ctx, evt.RoomID.String())

	nudge := "disabled"
	if cfg.NudgeAfter > 0 {
		nudge = cfg.NudgeAfter.String()
	}
	return fmt.Sprintf(
		"**Settings for this room**\norder: %d\nrandom-reply-chance: %g\nseed-word-chance: %g\nnudge-after: %s",
		cfg.ChainOrder, cfg.RandomReplyChance, cfg.SeedWordChance, nudge,
	), nil
}

// HandleSettingsSet updates one per-room knob.
func (h *Handlers) HandleSettingsSet(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	key, ok := cmd.GetArg(0)
	if !ok {
		return "", fmt.Errorf("usage: /marky settings set <key> <value>")
	}
	value, ok := cmd.GetArg(1)
	if !ok {
		return "", fmt.Errorf("usage: /marky settings set %s <value>", key)
	}
	roomID := evt.RoomID.String()

	switch key {
	case "order":
		n, err := strconv.Atoi(value)
		if err != nil {
			return "", fmt.Errorf("order must be 1 or 2")
		}
		if err := h.settings.SetChainOrder(ctx, roomID, n); err != nil {
			return "", err
		}
	case "random-reply-chance":
		p, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return "", fmt.Errorf("random-reply-chance must be a number in [0,1]")
		}
		if err := h.settings.SetRandomReplyChance(ctx, roomID, p); err != nil {
			return "", err
		}
	case "seed-word-chance":
		p, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return "", fmt.Errorf("seed-word-chance must be a number in [0,1]")
		}
		if err := h.settings.SetSeedWordChance(ctx, roomID, p); err != nil {
			return "", err
		}
	case "nudge-after":
		d, err := time.ParseDuration(value)
		if err != nil {
			return "", fmt.Errorf("nudge-after must be a duration like 30m or 2h (0 disables)")
		}
		if err := h.settings.SetNudgeAfter(ctx, roomID, d); err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("unknown setting %q (try order, random-reply-chance, seed-word-chance, nudge-after)", key)
	}

	return fmt.Sprintf("✅ %s set to %s for this room.", key, value), nil
}

// HandleSettingsUnset removes all per-room overrides.
func (h *Handlers) HandleSettingsUnset(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	if err := h.settings.Unset(ctx, evt.RoomID.String()); err != nil {
		return "", err
	}
	return "✅ Room settings cleared; defaults apply.", nil
}

// HandleFeed downloads a document by its mxc:// URI and feeds it into the
// room's transition table.
func (h *Handlers) HandleFeed(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	uri := cmd.GetFlag("mxc", "")
	if uri == "" {
		return "", fmt.Errorf("usage: /marky feed --mxc <uri> (or just upload a .txt/.json file)")
	}
	if h.downloader == nil {
		return "", fmt.Errorf("feeding is not available: no media downloader configured")
	}

	data, err := h.downloader.DownloadBytes(ctx, uri)
	if err != nil {
		return "", fmt.Errorf("failed to download document: %w", err)
	}

	report, err := h.feeder.Feed(ctx, evt.RoomID.String(), data)
	if err != nil {
		return "", err
	}
	return FormatFeedReport(report), nil
}

// FormatFeedReport renders a feed report for the room. Shared with the
// app's automatic file-upload feeding path.
func FormatFeedReport(report *feeder.Report) string {
	msg := fmt.Sprintf("📚 Fed %d lines (%d skipped as too short). Job %s.",
		report.LinesFed, report.LinesSkipped, report.JobID)
	if report.Truncated {
		msg += fmt.Sprintf("\n⚠️ Document was larger than %d lines; the rest was dropped.",
			feeder.ChunkSize*feeder.MaxChunks)
	}
	return msg
}
