// Package chain implements the Markov chain engine: building a weighted
// transition model from stored edges and walking it to produce replies.
package chain

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"

	"github.com/velchev/marky/internal/marky/store"
)

// DefaultMaxLength is the target reply length in words when the caller
// does not ask for one.
const DefaultMaxLength = 30

// Fixed replies for the two ways generation can come up empty. Marky has
// opinions about being asked to perform without material.
const (
	NotEnoughDataMessage = "Hmph. I don't have enough data to say anything. Don't expect me to talk if you don't talk first, baka!"
	CouldNotThinkMessage = "I tried, but I couldn't think of anything to say... It's not like I wanted to talk to you anyway!"
)

// Request describes one generation call.
type Request struct {
	// RoomID scopes the model; ignored when AllRooms is set.
	RoomID string
	// MaxLength is the soft target length in words; the walk may overshoot
	// up to 1.5× it. Defaults to DefaultMaxLength when <= 0.
	MaxLength int
	// SeedWord biases the starting state when non-empty. An unknown seed
	// is silently treated as no seed.
	SeedWord string
	// AllRooms builds the model from every room's history.
	AllRooms bool
	// Order is the chain order (context width), 1 or 2. Anything else is
	// treated as 2, the default.
	Order int
}

// Generator builds models on demand and performs the weighted random walk.
// It is safe for concurrent use.
type Generator struct {
	edges  EdgeSource
	logger *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a Generator reading from the given edge source. A nil logger
// falls back to slog.Default().
func New(edges EdgeSource, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		edges:  edges,
		logger: logger,
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// NewSeeded creates a Generator with a deterministic random source, for
// tests that assert on sampling behaviour.
func NewSeeded(edges EdgeSource, logger *slog.Logger, seed uint64) *Generator {
	g := New(edges, logger)
	g.rng = rand.New(rand.NewPCG(seed, seed))
	return g
}

// Generate produces one reply for the requested scope. It never returns an
// error: insufficient data and storage faults resolve to the fixed
// fallback replies, and a seeded walk that produces nothing is retried
// once without the seed.
func (g *Generator) Generate(ctx context.Context, req Request) string {
	if req.MaxLength <= 0 {
		req.MaxLength = DefaultMaxLength
	}
	if req.Order != 1 {
		req.Order = 2
	}

	var (
		edges []store.Edge
		err   error
	)
	if req.AllRooms {
		edges, err = g.edges.FetchAllEdges(ctx)
	} else {
		edges, err = g.edges.FetchEdges(ctx, req.RoomID)
	}
	if err != nil {
		// Degrade: a transient read failure looks like an empty model, not
		// a crash.
		g.logger.Error("chain: fetch edges failed", "room", req.RoomID, "all", req.AllRooms, "err", err)
		return NotEnoughDataMessage
	}

	m, err := buildModel(edges, req.Order)
	if err != nil {
		if !errors.Is(err, ErrNoData) {
			g.logger.Error("chain: build model failed", "room", req.RoomID, "err", err)
		}
		return NotEnoughDataMessage
	}

	out, selErr := g.generateOnce(m, req.SeedWord, req.MaxLength)
	if selErr != nil {
		return CouldNotThinkMessage
	}

	text := strings.Join(filterMarkers(out), " ")
	if text == "" && req.SeedWord != "" {
		// Degenerate walk with a seed: one bounded retry without it.
		if out, selErr = g.generateOnce(m, "", req.MaxLength); selErr != nil {
			return CouldNotThinkMessage
		}
		text = strings.Join(filterMarkers(out), " ")
	}
	if text == "" {
		return CouldNotThinkMessage
	}
	return text
}

// generateOnce selects a starting state and walks the model once.
func (g *Generator) generateOnce(m *model, seedWord string, maxLength int) ([]string, error) {
	st, emitted, err := g.selectStart(m, seedWord)
	if err != nil {
		return nil, err
	}
	return g.walk(m, st, emitted, maxLength), nil
}

// selectStart picks the initial state, honouring the seed word when it is
// usable.
//
// A seed first looks for a starting state whose emitted word matches; if
// none, the relaxed fallback searches every context whose leading word is
// the seed and emits the whole context; if that also fails, selection
// falls through to the unseeded uniform pick. The start marker is never
// emitted.
func (g *Generator) selectStart(m *model, seedWord string) (state, []string, error) {
	if len(m.starts) == 0 {
		return state{}, nil, ErrNoData
	}

	if seedWord != "" && seedWord != store.StartMarker && seedWord != store.EndMarker {
		var matches []state
		for _, st := range m.starts {
			if m.trailing(st) == seedWord {
				matches = append(matches, st)
			}
		}
		if len(matches) > 0 {
			st := matches[g.intn(len(matches))]
			return st, []string{m.trailing(st)}, nil
		}

		// Relaxed fallback: any context led by the seed word, emitting the
		// whole context. Sorted for a deterministic pick under a seeded rng.
		var keys []state
		for st := range m.transitions {
			if st[0] == seedWord {
				keys = append(keys, st)
			}
		}
		if len(keys) > 0 {
			sort.Slice(keys, func(i, j int) bool {
				if keys[i][0] != keys[j][0] {
					return keys[i][0] < keys[j][0]
				}
				return keys[i][1] < keys[j][1]
			})
			st := keys[g.intn(len(keys))]
			if m.width == 1 {
				return st, []string{st[0]}, nil
			}
			return st, []string{st[0], st[1]}, nil
		}
		// Unknown seed: fall through to the unseeded pick.
	}

	st := m.starts[g.intn(len(m.starts))]
	return st, []string{m.trailing(st)}, nil
}

// walk extends emitted by sampling successors until the end marker comes
// up, the state has no outgoing edges, or the absolute emission cap of
// 1.5 × maxLength is hit. Past the soft threshold of half the target
// length, the end marker's weight is progressively boosted; past the
// target itself it is forced outright whenever it is a candidate. The cap
// is the only hard termination guarantee: an all-self-loop table without
// end edges still stops there.
func (g *Generator) walk(m *model, st state, emitted []string, maxLength int) []string {
	soft := float64(maxLength) * 0.5
	limit := int(float64(maxLength) * 1.5)

	for len(emitted) < limit {
		succ := m.transitions[st]
		if len(succ) == 0 {
			break // implicit end
		}

		var next string
		endWeight, endCandidate := succ[store.EndMarker]
		if float64(len(emitted)) > soft && endCandidate {
			if len(emitted) > maxLength {
				next = store.EndMarker
			} else {
				penalty := (float64(len(emitted)) - soft) / (float64(maxLength) - soft)
				boosted := int(float64(endWeight) * (1 + 4*penalty))
				next = g.sample(succ, store.EndMarker, boosted)
			}
		} else {
			next = g.sample(succ, "", 0)
		}

		if next == store.EndMarker {
			break
		}
		emitted = append(emitted, next)
		st = m.advance(st, next)
	}

	return emitted
}

// sample draws one word from succ with probability proportional to weight.
// When boostWord is non-empty its weight is replaced by boostedWeight.
// Keys are iterated in sorted order so a seeded generator is reproducible.
func (g *Generator) sample(succ map[string]int, boostWord string, boostedWeight int) string {
	words := make([]string, 0, len(succ))
	for w := range succ {
		words = append(words, w)
	}
	sort.Strings(words)

	total := 0
	weights := make([]int, len(words))
	for i, w := range words {
		wt := succ[w]
		if w == boostWord {
			wt = boostedWeight
		}
		if wt < 0 {
			wt = 0
		}
		weights[i] = wt
		total += wt
	}
	if total <= 0 {
		return words[len(words)-1]
	}

	n := g.intn(total)
	for i, wt := range weights {
		if n < wt {
			return words[i]
		}
		n -= wt
	}
	return words[len(words)-1]
}

// intn is a mutex-guarded draw so concurrent generation calls can share
// one rng.
func (g *Generator) intn(n int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.IntN(n)
}

// filterMarkers strips any sentinel tokens from the emitted sequence
// before it is joined into text.
func filterMarkers(tokens []string) []string {
	out := tokens[:0]
	for _, t := range tokens {
		if t == store.StartMarker || t == store.EndMarker {
			continue
		}
		out = append(out, t)
	}
	return out
}
