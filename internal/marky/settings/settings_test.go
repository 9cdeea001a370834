package settings_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/velchev/marky/internal/marky/settings"
	"github.com/velchev/marky/internal/marky/store"
)

func newTestSettings(t *testing.T) settings.Store {
	t.Helper()
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

	return settings.New(s, settings.DefaultDefaults())
}

func TestResolve_Defaults(t *testing.T) {
	s := newTestSettings(t)

	got := s.Resolve(context.Background(), "!fresh:test")
	want := settings.DefaultDefaults()

	if got.ChainOrder != want.ChainOrder {
		t.Errorf("ChainOrder: got %d, want %d", got.ChainOrder, want.ChainOrder)
	}
	if got.RandomReplyChance != want.RandomReplyChance {
		t.Errorf("RandomReplyChance: got %g, want %g", got.RandomReplyChance, want.RandomReplyChance)
	}
	if got.SeedWordChance != want.SeedWordChance {
		t.Errorf("SeedWordChance: got %g, want %g", got.SeedWordChance, want.SeedWordChance)
	}
	if got.NudgeAfter != want.NudgeAfter {
		t.Errorf("NudgeAfter: got %s, want %s", got.NudgeAfter, want.NudgeAfter)
	}
}

func TestSetAndResolve(t *testing.T) {
	s := newTestSettings(t)
	ctx := context.Background()

	if err := s.SetChainOrder(ctx, "!room:test", 1); err != nil {
		t.Fatalf("SetChainOrder: %v", err)
	}
	if err := s.SetRandomReplyChance(ctx, "!room:test", 0.5); err != nil {
		t.Fatalf("SetRandomReplyChance: %v", err)
	}
	if err := s.SetSeedWordChance(ctx, "!room:test", 0.9); err != nil {
		t.Fatalf("SetSeedWordChance: %v", err)
	}
	if err := s.SetNudgeAfter(ctx, "!room:test", 2*time.Hour); err != nil {
		t.Fatalf("SetNudgeAfter: %v", err)
	}

	got := s.Resolve(ctx, "!room:test")
	if got.ChainOrder != 1 {
		t.Errorf("ChainOrder: got %d, want 1", got.ChainOrder)
	}
	if got.RandomReplyChance != 0.5 {
		t.Errorf("RandomReplyChance: got %g, want 0.5", got.RandomReplyChance)
	}
	if got.SeedWordChance != 0.9 {
		t.Errorf("SeedWordChance: got %g, want 0.9", got.SeedWordChance)
	}
	if got.NudgeAfter != 2*time.Hour {
		t.Errorf("NudgeAfter: got %s, want 2h", got.NudgeAfter)
	}

	// Other rooms are untouched.
	other := s.Resolve(ctx, "!other:test")
	if other.ChainOrder != 2 {
		t.Errorf("other room ChainOrder: got %d, want default 2", other.ChainOrder)
	}
}

func TestSet_PartialOverride(t *testing.T) {
	s := newTestSettings(t)
	ctx := context.Background()

	// Setting one knob must leave the others on defaults.
	if err := s.SetChainOrder(ctx, "!room:test", 1); err != nil {
		t.Fatalf("SetChainOrder: %v", err)
	}

	got := s.Resolve(ctx, "!room:test")
	if got.ChainOrder != 1 {
		t.Errorf("ChainOrder: got %d, want 1", got.ChainOrder)
	}
	if got.RandomReplyChance != 0.01 {
		t.Errorf("RandomReplyChance: got %g, want default 0.01", got.RandomReplyChance)
	}
	if got.SeedWordChance != 0.6 {
		t.Errorf("SeedWordChance: got %g, want default 0.6", got.SeedWordChance)
	}
}

func TestSet_Validation(t *testing.T) {
	s := newTestSettings(t)
	ctx := context.Background()

	if err := s.SetChainOrder(ctx, "!room:test", 3); err == nil {
		t.Error("SetChainOrder(3): expected error")
	}
	if err := s.SetRandomReplyChance(ctx, "!room:test", 1.5); err == nil {
		t.Error("SetRandomReplyChance(1.5): expected error")
	}
	if err := s.SetSeedWordChance(ctx, "!room:test", -0.1); err == nil {
		t.Error("SetSeedWordChance(-0.1): expected error")
	}
	if err := s.SetNudgeAfter(ctx, "!room:test", -time.Minute); err == nil {
		t.Error("SetNudgeAfter(-1m): expected error")
	}

	// Nothing invalid must have been stored.
	got := s.Resolve(ctx, "!room:test")
	if got.ChainOrder != 2 || got.RandomReplyChance != 0.01 {
		t.Errorf("invalid sets leaked into storage: %+v", got)
	}
}

func TestUnset(t *testing.T) {
	s := newTestSettings(t)
	ctx := context.Background()

	if err := s.SetChainOrder(ctx, "!room:test", 1); err != nil {
		t.Fatalf("SetChainOrder: %v", err)
	}
	if err := s.Unset(ctx, "!room:test"); err != nil {
		t.Fatalf("Unset: %v", err)
	}

	got := s.Resolve(ctx, "!room:test")
	if got.ChainOrder != 2 {
		t.Errorf("ChainOrder after unset: got %d, want default 2", got.ChainOrder)
	}

	// Unsetting a room with no overrides is fine.
	if err := s.Unset(ctx, "!never-set:test"); err != nil {
		t.Errorf("Unset on fresh room: %v", err)
	}
}
