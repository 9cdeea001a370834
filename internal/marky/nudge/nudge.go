// Package nudge wakes up idle rooms: when nobody has said anything for a
// room's configured threshold, marky samples a random word from the room's
// own vocabulary and generates an unsolicited message around it.
//
// The activity table is owned here, not by the chain engine; the
// scheduler only calls the engine's public operations.
package nudge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/velchev/marky/common/trace"
	"github.com/velchev/marky/internal/marky/chain"
	"github.com/velchev/marky/internal/marky/settings"
)

// Sender posts a message to a room.
type Sender interface {
	SendMessage(roomID, message string) error
}

// DataSource is what the runner needs from the transition store.
type DataSource interface {
	Rooms(ctx context.Context) ([]string, error)
	SampleRandomWord(ctx context.Context, roomID string) string
}

// Generator produces one reply for a room.
type Generator interface {
	Generate(ctx context.Context, req chain.Request) string
}

// SettingsResolver returns the effective settings for a room.
type SettingsResolver interface {
	Resolve(ctx context.Context, roomID string) settings.Settings
}

// Activity is a keyed table of last-message and last-bot-message times per
// room. The app updates it on every event; the runner reads it on every
// tick. Safe for concurrent use.
type Activity struct {
	mu    sync.Mutex
	rooms map[string]*roomActivity
}

type roomActivity struct {
	lastMessage time.Time
	lastBot     time.Time
}

// NewActivity creates an empty activity table.
func NewActivity() *Activity {
	return &Activity{rooms: make(map[string]*roomActivity)}
}

// RecordMessage notes that a human spoke in the room.
func (a *Activity) RecordMessage(roomID string) {
	a.recordMessageAt(roomID, time.Now())
}

func (a *Activity) recordMessageAt(roomID string, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.room(roomID).lastMessage = now
}

// RecordBotMessage notes that marky spoke in the room.
func (a *Activity) RecordBotMessage(roomID string) {
	a.recordBotMessageAt(roomID, time.Now())
}

func (a *Activity) recordBotMessageAt(roomID string, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.room(roomID).lastBot = now
}

// last returns the recorded times for a room; ok is false when the room
// has never been seen.
func (a *Activity) last(roomID string) (lastMessage, lastBot time.Time, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, found := a.rooms[roomID]
	if !found {
		return time.Time{}, time.Time{}, false
	}
	return r.lastMessage, r.lastBot, true
}

// room must be called with mu held.
func (a *Activity) room(roomID string) *roomActivity {
	r := a.rooms[roomID]
	if r == nil {
		r = &roomActivity{}
		a.rooms[roomID] = r
	}
	return r
}

// Runner periodically scans rooms with stored data and nudges the ones
// that have gone quiet.
type Runner struct {
	activity *Activity
	data     DataSource
	settings SettingsResolver
	gen      Generator
	sender   Sender
	interval time.Duration
	logger   *slog.Logger
}

// NewRunner creates a Runner ticking at the given interval (1 minute when
// zero or negative). A nil logger falls back to slog.Default().
func NewRunner(activity *Activity, data DataSource, resolver SettingsResolver, gen Generator, sender Sender, interval time.Duration, logger *slog.Logger) *Runner {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		activity: activity,
		data:     data,
		settings: resolver,
		gen:      gen,
		sender:   sender,
		interval: interval,
		logger:   logger,
	}
}

// Run ticks until ctx is cancelled. Start it in a goroutine.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.tick(ctx, now)
		}
	}
}

// tick examines every room with data and nudges those past their idle
// threshold. A room is only nudged when a human spoke last, so marky never
// chains nudges into a monologue, and a room first seen after a restart is
// given a fresh baseline instead of an instant nudge.
func (r *Runner) tick(ctx context.Context, now time.Time) {
	rooms, err := r.data.Rooms(ctx)
	if err != nil {
		r.logger.Warn("nudge: room scan failed", "err", err)
		return
	}

	for _, roomID := range rooms {
		cfg := r.settings.Resolve(ctx, roomID)
		if cfg.NudgeAfter <= 0 {
			continue
		}

		lastMessage, lastBot, seen := r.activity.last(roomID)
		if !seen {
			r.activity.recordMessageAt(roomID, now)
			continue
		}
		if !lastBot.Before(lastMessage) {
			continue // marky spoke last; wait for a human
		}
		if now.Sub(lastMessage) < cfg.NudgeAfter {
			continue
		}

		r.nudge(ctx, roomID, cfg)
	}
}

// nudge generates and sends one unsolicited message for the room.
func (r *Runner) nudge(ctx context.Context, roomID string, cfg settings.Settings) {
	traceID := trace.GenerateID()
	seed := r.data.SampleRandomWord(ctx, roomID)

	text := r.gen.Generate(ctx, chain.Request{
		RoomID:   roomID,
		SeedWord: seed,
		Order:    cfg.ChainOrder,
	})

	if err := r.sender.SendMessage(roomID, text); err != nil {
		r.logger.Warn("nudge: send failed", "trace", traceID, "room", roomID, "err", err)
		return
	}

	r.activity.RecordBotMessage(roomID)
	r.logger.Info("nudged idle room", "trace", traceID, "room", roomID, "seed", seed)
}
