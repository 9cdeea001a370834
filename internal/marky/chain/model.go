package chain

import (
	"context"
	"errors"

	"github.com/velchev/marky/internal/marky/store"
)

// ErrNoData signals that no transitions exist for the requested scope.
// Generate maps it to the fixed not-enough-data reply.
var ErrNoData = errors.New("chain: no transition data")

// EdgeSource is what the generator needs from the transition store.
type EdgeSource interface {
	FetchEdges(ctx context.Context, roomID string) ([]store.Edge, error)
	FetchAllEdges(ctx context.Context) ([]store.Edge, error)
}

// state is a transition context of width 1 or 2. Width-1 states use only
// the first element; the second stays empty. Keeping both widths in one
// fixed-size key lets the selection and walk code stay width-agnostic.
type state [2]string

// model is the ephemeral projection of the transition store for one
// generation call: a weighted successor map per context plus the contexts
// reachable from the start marker. It is rebuilt on every request and
// discarded afterwards; consistency with the store is whatever the read
// saw, which is all a chat bot needs.
type model struct {
	width       int
	transitions map[state]map[string]int
	starts      []state
}

// trailing returns the word a state would emit as output.
func (m *model) trailing(st state) string {
	if m.width == 1 {
		return st[0]
	}
	return st[1]
}

// advance produces the next state after emitting next.
func (m *model) advance(st state, next string) state {
	if m.width == 1 {
		return state{next, ""}
	}
	return state{st[1], next}
}

// buildModel folds stored edges into a weighted transition graph of the
// given context width.
//
// Edges are always persisted as (word1, word2, next_word) triples; width 1
// projects them onto word1 → word2 pairs, width 2 keys on the word pair.
// Starting states are appended once per edge row whose context begins with
// the start marker, matching the stored multiplicity, and never include a
// state that would emit the end marker.
func buildModel(edges []store.Edge, width int) (*model, error) {
	if len(edges) == 0 {
		return nil, ErrNoData
	}

	m := &model{
		width:       width,
		transitions: make(map[state]map[string]int),
	}

	for _, e := range edges {
		var st state
		var successor string
		if width == 1 {
			st = state{e.Word1, ""}
			successor = e.Word2
		} else {
			st = state{e.Word1, e.Word2}
			successor = e.NextWord
		}

		succ := m.transitions[st]
		if succ == nil {
			succ = make(map[string]int)
			m.transitions[st] = succ
		}
		succ[successor] += e.Weight

		if e.Word1 == store.StartMarker && e.Word2 != store.EndMarker {
			if width == 1 {
				m.starts = append(m.starts, state{e.Word2, ""})
			} else {
				m.starts = append(m.starts, st)
			}
		}
	}

	return m, nil
}
