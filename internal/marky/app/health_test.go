package app_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/velchev/marky/internal/marky/app"
)

// fakeStore satisfies the statusProvider interface.
type fakeStore struct {
	edges int
	rooms []string
}

func (f *fakeStore) EdgeCount(_ context.Context) (int, error)  { return f.edges, nil }
func (f *fakeStore) Rooms(_ context.Context) ([]string, error) { return f.rooms, nil }

func TestHealthServer_Health(t *testing.T) {
	hs := app.NewHealthServer("127.0.0.1:0", &fakeStore{})

	// Use httptest to call the handler directly without a real listen socket.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	hs.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %v", resp["status"])
	}
}

func TestHealthServer_Status(t *testing.T) {
	hs := app.NewHealthServer("127.0.0.1:0", &fakeStore{
		edges: 42,
		rooms: []string{"!a:test", "!b:test"},
	})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	hs.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %v", resp["status"])
	}
	if int(resp["edge_count"].(float64)) != 42 {
		t.Errorf("expected edge_count 42, got %v", resp["edge_count"])
	}
	if int(resp["room_count"].(float64)) != 2 {
		t.Errorf("expected room_count 2, got %v", resp["room_count"])
	}
}
