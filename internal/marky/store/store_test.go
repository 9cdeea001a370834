package store_test

import (
	"context"
	"os"
	"testing"

	"github.com/velchev/marky/internal/marky/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	// Use a temp file that is cleaned up after the test
	f, err := os.CreateTemp(t.TempDir(), "marky-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return s
}

func edgeSet(edges []store.Edge) map[[3]string]int {
	m := make(map[[3]string]int, len(edges))
	for _, e := range edges {
		m[[3]string{e.Word1, e.Word2, e.NextWord}] = e.Weight
	}
	return m
}

// --- RecordSequence ---

func TestRecordSequence_StoresTriples(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RecordSequence(ctx, "!room:test", []string{"cats", "chase", "mice"}); err != nil {
		t.Fatalf("RecordSequence: %v", err)
	}

	edges, err := s.FetchEdges(ctx, "!room:test")
	if err != nil {
		t.Fatalf("FetchEdges: %v", err)
	}

	got := edgeSet(edges)
	want := map[[3]string]int{
		{store.StartMarker, "cats", "chase"}: 1,
		{"cats", "chase", "mice"}:            1,
		{"chase", "mice", store.EndMarker}:   1,
	}
	if len(got) != len(want) {
		t.Fatalf("edges: got %d, want %d (%v)", len(got), len(want), got)
	}
	for triple, weight := range want {
		if got[triple] != weight {
			t.Errorf("triple %v: got weight %d, want %d", triple, got[triple], weight)
		}
	}
}

func TestRecordSequence_RepeatDoublesWeights(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tokens := []string{"cats", "chase", "mice"}
	for i := 0; i < 2; i++ {
		if err := s.RecordSequence(ctx, "!room:test", tokens); err != nil {
			t.Fatalf("RecordSequence #%d: %v", i+1, err)
		}
	}

	edges, err := s.FetchEdges(ctx, "!room:test")
	if err != nil {
		t.Fatalf("FetchEdges: %v", err)
	}
	if len(edges) != 3 {
		t.Fatalf("edges: got %d rows, want 3 (repeat must not add rows)", len(edges))
	}
	for _, e := range edges {
		if e.Weight != 2 {
			t.Errorf("triple (%s,%s,%s): got weight %d, want 2", e.Word1, e.Word2, e.NextWord, e.Weight)
		}
	}
}

func TestRecordSequence_Empty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RecordSequence(ctx, "!room:test", nil); err != nil {
		t.Fatalf("RecordSequence: %v", err)
	}

	count, err := s.EdgeCount(ctx)
	if err != nil {
		t.Fatalf("EdgeCount: %v", err)
	}
	if count != 0 {
		t.Errorf("EdgeCount: got %d, want 0", count)
	}
}

func TestRecordSequence_SingleToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RecordSequence(ctx, "!room:test", []string{"meow"}); err != nil {
		t.Fatalf("RecordSequence: %v", err)
	}

	edges, err := s.FetchEdges(ctx, "!room:test")
	if err != nil {
		t.Fatalf("FetchEdges: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("edges: got %d, want 1", len(edges))
	}
	e := edges[0]
	if e.Word1 != store.StartMarker || e.Word2 != "meow" || e.NextWord != store.EndMarker {
		t.Errorf("got triple (%s,%s,%s), want (%s,meow,%s)", e.Word1, e.Word2, e.NextWord, store.StartMarker, store.EndMarker)
	}
}

func TestRecordSequence_RoomIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RecordSequence(ctx, "!a:test", []string{"cats", "chase", "mice"}); err != nil {
		t.Fatalf("RecordSequence: %v", err)
	}
	if err := s.RecordSequence(ctx, "!b:test", []string{"dogs", "chase", "cats"}); err != nil {
		t.Fatalf("RecordSequence: %v", err)
	}

	edgesA, err := s.FetchEdges(ctx, "!a:test")
	if err != nil {
		t.Fatalf("FetchEdges: %v", err)
	}
	for _, e := range edgesA {
		if e.RoomID != "!a:test" {
			t.Errorf("edge leaked from room %s into !a:test", e.RoomID)
		}
		if e.Word1 == "dogs" || e.Word2 == "dogs" || e.NextWord == "dogs" {
			t.Errorf("edge (%s,%s,%s) belongs to !b:test", e.Word1, e.Word2, e.NextWord)
		}
	}

	all, err := s.FetchAllEdges(ctx)
	if err != nil {
		t.Fatalf("FetchAllEdges: %v", err)
	}
	if len(all) != 6 {
		t.Errorf("FetchAllEdges: got %d, want 6", len(all))
	}
}

// --- WordObserved ---

func TestWordObserved(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RecordSequence(ctx, "!room:test", []string{"cats", "chase", "mice"}); err != nil {
		t.Fatalf("RecordSequence: %v", err)
	}

	cases := []struct {
		word string
		want bool
	}{
		{"cats", true},
		{"chase", true},
		{"mice", true},
		{"dogs", false},
		{"", false},
		{store.StartMarker, false},
		{store.EndMarker, false},
	}
	for _, tc := range cases {
		if got := s.WordObserved(ctx, "!room:test", tc.word); got != tc.want {
			t.Errorf("WordObserved(%q): got %v, want %v", tc.word, got, tc.want)
		}
	}

	if s.WordObserved(ctx, "!other:test", "cats") {
		t.Error("WordObserved: word from another room should not be observed")
	}
}

// --- SampleRandomWord ---

func TestSampleRandomWord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RecordSequence(ctx, "!room:test", []string{"cats", "chase", "mice"}); err != nil {
		t.Fatalf("RecordSequence: %v", err)
	}

	valid := map[string]bool{"cats": true, "chase": true, "mice": true}
	for i := 0; i < 20; i++ {
		word := s.SampleRandomWord(ctx, "!room:test")
		if !valid[word] {
			t.Fatalf("SampleRandomWord: got %q, want one of cats/chase/mice", word)
		}
	}
}

func TestSampleRandomWord_EmptyRoom(t *testing.T) {
	s := newTestStore(t)

	if word := s.SampleRandomWord(context.Background(), "!empty:test"); word != "" {
		t.Errorf("SampleRandomWord on empty room: got %q, want \"\"", word)
	}
}

// --- Rooms and counts ---

func TestRoomsAndCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RecordSequence(ctx, "!a:test", []string{"cats", "chase", "mice"}); err != nil {
		t.Fatalf("RecordSequence: %v", err)
	}
	if err := s.RecordSequence(ctx, "!b:test", []string{"hello"}); err != nil {
		t.Fatalf("RecordSequence: %v", err)
	}

	rooms, err := s.Rooms(ctx)
	if err != nil {
		t.Fatalf("Rooms: %v", err)
	}
	if len(rooms) != 2 {
		t.Errorf("Rooms: got %d, want 2", len(rooms))
	}

	total, err := s.EdgeCount(ctx)
	if err != nil {
		t.Fatalf("EdgeCount: %v", err)
	}
	if total != 4 {
		t.Errorf("EdgeCount: got %d, want 4", total)
	}

	roomCount, err := s.RoomEdgeCount(ctx, "!a:test")
	if err != nil {
		t.Fatalf("RoomEdgeCount: %v", err)
	}
	if roomCount != 3 {
		t.Errorf("RoomEdgeCount: got %d, want 3", roomCount)
	}
}

// --- Migrations ---

func TestMigrations_Idempotent(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "marky-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()

	s1, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := s1.RecordSequence(context.Background(), "!room:test", []string{"hello", "world"}); err != nil {
		t.Fatalf("RecordSequence: %v", err)
	}
	s1.Close()

	// Reopening must replay no migrations and keep the data.
	s2, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()

	count, err := s2.EdgeCount(context.Background())
	if err != nil {
		t.Fatalf("EdgeCount: %v", err)
	}
	if count != 2 {
		t.Errorf("EdgeCount after reopen: got %d, want 2", count)
	}
}
