// Package settings provides the per-room configuration store: chain
// order, reply probabilities, and the inactivity-nudge threshold. Rooms
// without an explicit value fall back to the process-wide defaults, so a
// fresh room behaves sensibly with zero setup.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/velchev/marky/internal/marky/store"
)

// Defaults are the process-wide fallback values, overridable from the
// environment at startup.
type Defaults struct {
	// ChainOrder is the context width used when a room has not chosen one
	// (1 or 2).
	ChainOrder int
	// RandomReplyChance is the probability of an unsolicited reply to an
	// ordinary message.
	RandomReplyChance float64
	// SeedWordChance is the probability that a word from the triggering
	// message is used to seed generation.
	SeedWordChance float64
	// NudgeAfter is how long a room may sit idle before marky speaks up
	// on its own. Zero disables nudges.
	NudgeAfter time.Duration
}

// DefaultDefaults returns the built-in tuning: order 2, a 1% unsolicited
// reply chance, and nudging off.
func DefaultDefaults() Defaults {
	return Defaults{
		ChainOrder:        2,
		RandomReplyChance: 0.01,
		SeedWordChance:    0.6,
		NudgeAfter:        0,
	}
}

// Settings is the effective configuration for one room after defaults have
// been applied.
type Settings struct {
	ChainOrder        int
	RandomReplyChance float64
	SeedWordChance    float64
	NudgeAfter        time.Duration
}

// Store reads and writes per-room settings. Implementations must be safe
// for concurrent use.
type Store interface {
	// Resolve returns the effective settings for a room, falling back to
	// the defaults for unset (or invalid) values. A storage fault also
	// resolves to the defaults; settings lookups must never block a reply.
	Resolve(ctx context.Context, roomID string) Settings

	// SetChainOrder stores the room's chain order (1 or 2).
	SetChainOrder(ctx context.Context, roomID string, order int) error

	// SetRandomReplyChance stores the room's unsolicited-reply probability
	// (0..1).
	SetRandomReplyChance(ctx context.Context, roomID string, chance float64) error

	// SetSeedWordChance stores the room's seed-word-usage probability (0..1).
	SetSeedWordChance(ctx context.Context, roomID string, chance float64) error

	// SetNudgeAfter stores the room's idle threshold before a nudge; zero
	// disables nudging for the room.
	SetNudgeAfter(ctx context.Context, roomID string, after time.Duration) error

	// Unset removes all per-room overrides, returning the room to
	// defaults. It is a no-op when the room has none.
	Unset(ctx context.Context, roomID string) error
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db       *store.Store
	defaults Defaults
}

// New creates a Store backed by the application database. The migration
// that creates the room_settings table must have been applied (guaranteed
// by store.New running migrations on startup).
func New(db *store.Store, defaults Defaults) Store {
	if defaults.ChainOrder != 1 && defaults.ChainOrder != 2 {
		defaults.ChainOrder = 2
	}
	return &sqliteStore{db: db, defaults: defaults}
}

// Resolve merges the room's row (when present) over the defaults.
func (s *sqliteStore) Resolve(ctx context.Context, roomID string) Settings {
	resolved := Settings{
		ChainOrder:        s.defaults.ChainOrder,
		RandomReplyChance: s.defaults.RandomReplyChance,
		SeedWordChance:    s.defaults.SeedWordChance,
		NudgeAfter:        s.defaults.NudgeAfter,
	}

	var (
		order     sql.NullInt64
		replyProb sql.NullFloat64
		seedProb  sql.NullFloat64
		nudgeSecs sql.NullInt64
	)
	err := s.db.DB().QueryRowContext(ctx, `
		SELECT chain_order, random_reply_chance, seed_word_chance, nudge_after_secs
		FROM room_settings WHERE room_id = ?
	`, roomID).Scan(&order, &replyProb, &seedProb, &nudgeSecs)
	if err != nil {
		// No row or a transient fault: either way the defaults stand.
		if !errors.Is(err, sql.ErrNoRows) {
			slog.Warn("settings: resolve failed, using defaults", "room", roomID, "err", err)
		}
		return resolved
	}

	if order.Valid && (order.Int64 == 1 || order.Int64 == 2) {
		resolved.ChainOrder = int(order.Int64)
	}
	if replyProb.Valid && replyProb.Float64 >= 0 && replyProb.Float64 <= 1 {
		resolved.RandomReplyChance = replyProb.Float64
	}
	if seedProb.Valid && seedProb.Float64 >= 0 && seedProb.Float64 <= 1 {
		resolved.SeedWordChance = seedProb.Float64
	}
	if nudgeSecs.Valid && nudgeSecs.Int64 >= 0 {
		resolved.NudgeAfter = time.Duration(nudgeSecs.Int64) * time.Second
	}
	return resolved
}

// SetChainOrder validates and upserts the room's chain order.
func (s *sqliteStore) SetChainOrder(ctx context.Context, roomID string, order int) error {
	if order != 1 && order != 2 {
		return fmt.Errorf("settings: chain order must be 1 or 2, got %d", order)
	}
	return s.upsertColumn(ctx, roomID, "chain_order", order)
}

// SetRandomReplyChance validates and upserts the unsolicited-reply
// probability.
func (s *sqliteStore) SetRandomReplyChance(ctx context.Context, roomID string, chance float64) error {
	if chance < 0 || chance > 1 {
		return fmt.Errorf("settings: random reply chance must be in [0,1], got %g", chance)
	}
	return s.upsertColumn(ctx, roomID, "random_reply_chance", chance)
}

// SetSeedWordChance validates and upserts the seed-word-usage probability.
func (s *sqliteStore) SetSeedWordChance(ctx context.Context, roomID string, chance float64) error {
	if chance < 0 || chance > 1 {
		return fmt.Errorf("settings: seed word chance must be in [0,1], got %g", chance)
	}
	return s.upsertColumn(ctx, roomID, "seed_word_chance", chance)
}

// SetNudgeAfter upserts the idle threshold in whole seconds.
func (s *sqliteStore) SetNudgeAfter(ctx context.Context, roomID string, after time.Duration) error {
	if after < 0 {
		return fmt.Errorf("settings: nudge threshold must not be negative, got %s", after)
	}
	return s.upsertColumn(ctx, roomID, "nudge_after_secs", int64(after/time.Second))
}

// Unset deletes the room's row. Idempotent.
func (s *sqliteStore) Unset(ctx context.Context, roomID string) error {
	_, err := s.db.DB().ExecContext(ctx, `DELETE FROM room_settings WHERE room_id = ?`, roomID)
	if err != nil {
		return fmt.Errorf("settings: unset %q: %w", roomID, err)
	}
	return nil
}

// upsertColumn sets one column for the room, inserting the row when it
// does not exist yet. Column names are compile-time constants from the
// setters above, never user input.
func (s *sqliteStore) upsertColumn(ctx context.Context, roomID, column string, value any) error {
	now := time.Now().UTC().Format(time.RFC3339)
	query := fmt.Sprintf(`
		INSERT INTO room_settings (room_id, %s, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			%s         = excluded.%s,
			updated_at = excluded.updated_at
	`, column, column, column)
	if _, err := s.db.DB().ExecContext(ctx, query, roomID, value, now); err != nil {
		return fmt.Errorf("settings: set %s for %q: %w", column, roomID, err)
	}
	return nil
}
