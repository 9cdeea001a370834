package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/velchev/marky/common/retry"
)

// StartMarker and EndMarker are the reserved sentinel tokens that bound
// every ingested sequence. The tokenizer guarantees neither can appear as
// a literal content word, so they are safe to use as in-band delimiters.
const (
	StartMarker = "<START>"
	EndMarker   = "<END>"
)

// Edge is one stored transition: a two-word context and the word that
// followed it, with the number of times the triple was observed.
type Edge struct {
	RoomID   string
	Word1    string
	Word2    string
	NextWord string
	Weight   int
}

// writeRetry covers transient SQLITE_BUSY-style contention before a write
// is abandoned. The busy_timeout pragma handles most of it; this is the
// second line.
var writeRetry = retry.Config{
	MaxAttempts:  3,
	InitialDelay: 50 * time.Millisecond,
	MaxDelay:     time.Second,
}

// RecordSequence wraps tokens with the start/end markers and upserts every
// overlapping (word1, word2, next_word) triple for the room, incrementing
// the edge weight by 1 on conflict. Calling it twice with the same tokens
// doubles every affected weight: reinforcement, not deduplication.
//
// Triples are stored regardless of the room's configured chain order; the
// order is applied when the model is built, so switching a room between
// order 1 and 2 never loses history.
//
// Storage faults are logged and swallowed: ingestion must never take the
// bot down. Only context cancellation is reported to the caller.
func (s *Store) RecordSequence(ctx context.Context, roomID string, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}

	wrapped := make([]string, 0, len(tokens)+2)
	wrapped = append(wrapped, StartMarker)
	wrapped = append(wrapped, tokens...)
	wrapped = append(wrapped, EndMarker)

	err := retry.Do(ctx, writeRetry, func() error {
		return s.upsertTriples(ctx, roomID, wrapped)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		slog.Error("store: record sequence failed, dropping", "room", roomID, "tokens", len(tokens), "err", err)
		return nil
	}
	return nil
}

// upsertTriples runs all upserts of one wrapped sequence in a single
// transaction so the whole message is applied atomically.
func (s *Store) upsertTriples(ctx context.Context, roomID string, wrapped []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transitions (room_id, word1, word2, next_word, weight, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(room_id, word1, word2, next_word) DO UPDATE SET
			weight     = weight + 1,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i := 0; i+2 < len(wrapped); i++ {
		if _, err := stmt.ExecContext(ctx, roomID, wrapped[i], wrapped[i+1], wrapped[i+2], now, now); err != nil {
			return fmt.Errorf("upsert triple %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// FetchEdges returns every stored edge for one room. Ordering is
// unspecified; the model builder aggregates.
func (s *Store) FetchEdges(ctx context.Context, roomID string) ([]Edge, error) {
	return s.scanEdges(ctx, `
		SELECT room_id, word1, word2, next_word, weight
		FROM transitions WHERE room_id = ?
	`, roomID)
}

// FetchAllEdges returns every stored edge across all rooms, for the
// all-history generation mode.
func (s *Store) FetchAllEdges(ctx context.Context) ([]Edge, error) {
	return s.scanEdges(ctx, `
		SELECT room_id, word1, word2, next_word, weight
		FROM transitions
	`)
}

func (s *Store) scanEdges(ctx context.Context, query string, args ...any) ([]Edge, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.RoomID, &e.Word1, &e.Word2, &e.NextWord, &e.Weight); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating edges: %w", err)
	}
	return edges, nil
}

// WordObserved reports whether word appears as a content token in any
// stored context for the room. The markers are never "observed", and a
// storage fault degrades to false, an unusable seed word rather than an error.
func (s *Store) WordObserved(ctx context.Context, roomID, word string) bool {
	if word == "" || word == StartMarker || word == EndMarker {
		return false
	}
	var found bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM transitions
			WHERE room_id = ? AND (word1 = ? OR word2 = ?)
		)
	`, roomID, word, word).Scan(&found)
	if err != nil {
		slog.Error("store: word lookup failed", "room", roomID, "err", err)
		return false
	}
	return found
}

// SampleRandomWord returns one content word drawn uniformly at random from
// the distinct words observed in the room, or "" when the room has no data
// (or the read fails).
func (s *Store) SampleRandomWord(ctx context.Context, roomID string) string {
	var word string
	err := s.db.QueryRowContext(ctx, `
		SELECT word FROM (
			SELECT word1 AS word FROM transitions WHERE room_id = ?
			UNION
			SELECT word2 FROM transitions WHERE room_id = ?
		)
		WHERE word NOT IN (?, ?)
		ORDER BY RANDOM()
		LIMIT 1
	`, roomID, roomID, StartMarker, EndMarker).Scan(&word)
	if errors.Is(err, sql.ErrNoRows) {
		return ""
	}
	if err != nil {
		slog.Error("store: random word sample failed", "room", roomID, "err", err)
		return ""
	}
	return word
}

// Rooms returns the distinct room IDs that have at least one stored edge.
func (s *Store) Rooms(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT room_id FROM transitions`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rooms: %w", err)
	}
	defer rows.Close()

	var rooms []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("failed to scan room: %w", err)
		}
		rooms = append(rooms, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rooms: %w", err)
	}
	return rooms, nil
}

// EdgeCount returns the number of stored edges across all rooms.
func (s *Store) EdgeCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transitions`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count edges: %w", err)
	}
	return count, nil
}

// RoomEdgeCount returns the number of stored edges for one room.
func (s *Store) RoomEdgeCount(ctx context.Context, roomID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transitions WHERE room_id = ?`, roomID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count room edges: %w", err)
	}
	return count, nil
}
