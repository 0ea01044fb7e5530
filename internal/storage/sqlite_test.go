package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/funnyzak/recproxy/internal/config"
	"github.com/funnyzak/recproxy/internal/logger"
)

func newTestStore(t *testing.T, maxRecords int) Store {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.JournalConfig{
		Driver:     "sqlite",
		Path:       filepath.Join(dir, "recproxy.db"),
		MaxRecords: maxRecords,
	}
	store, err := New(cfg, logger.Nop())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func startSession(t *testing.T, store Store, id, mode string) {
	t.Helper()
	err := store.RecordSessionStart(context.Background(), &SessionRecord{
		ID:            id,
		Mode:          mode,
		RecordingFile: "recordings/" + id + ".json",
	})
	if err != nil {
		t.Fatalf("record session start failed: %v", err)
	}
}

func TestSQLiteStore_SessionLifecycle(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()
	startSession(t, store, "s-1", "record")

	got, err := store.GetSession(ctx, "s-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got == nil || got.Mode != "record" || got.StoppedAt != nil {
		t.Fatalf("unexpected session returned: %#v", got)
	}

	stopped := time.Now()
	if err := store.RecordSessionStop(ctx, "s-1", stopped, 3); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	got, err = store.GetSession(ctx, "s-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.StoppedAt == nil || got.EntryCount != 3 {
		t.Fatalf("expected stopped session with 3 entries, got %#v", got)
	}

	if err := store.RecordSessionStop(ctx, "missing", stopped, 0); err == nil {
		t.Fatal("expected error stopping unknown session")
	}

	missing, err := store.GetSession(ctx, "missing")
	if err != nil || missing != nil {
		t.Fatalf("expected nil session for unknown id, got %#v (%v)", missing, err)
	}
}

func TestSQLiteStore_ListSessionsNewestFirst(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"a", "b", "c"} {
		err := store.RecordSessionStart(ctx, &SessionRecord{
			ID:            id,
			Mode:          "playback",
			RecordingFile: id + ".json",
			StartedAt:     base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("record session failed: %v", err)
		}
	}

	sessions, err := store.ListSessions(ctx, 2)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != "c" || sessions[1].ID != "b" {
		t.Fatalf("unexpected order: %+v", sessions)
	}
}

func TestSQLiteStore_Interactions(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()
	startSession(t, store, "s-1", "playback")
	startSession(t, store, "s-2", "record")

	for i, sid := range []string{"s-1", "s-1", "s-2"} {
		in := &Interaction{
			SessionID:  sid,
			Method:     "GET",
			URI:        "https://example.com/item",
			Status:     200,
			Matched:    i != 1,
			DurationMs: int64(i),
		}
		if i == 1 {
			in.Status = 404
			in.Error = "unable to find a record"
		}
		if err := store.RecordInteraction(ctx, in); err != nil {
			t.Fatalf("record interaction failed: %v", err)
		}
		if in.ID == 0 {
			t.Fatal("expected interaction id to be set")
		}
	}

	items, total, err := store.ListInteractions(ctx, ListOptions{SessionID: "s-1"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Fatalf("expected 2 interactions for s-1, got %d/%d", len(items), total)
	}
	if items[0].Status != 404 || items[0].Matched || items[0].Error == "" {
		t.Fatalf("expected newest miss first, got %+v", items[0])
	}

	items, total, err = store.ListInteractions(ctx, ListOptions{Limit: 1})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 3 || len(items) != 1 {
		t.Fatalf("expected 1 of 3 interactions, got %d/%d", len(items), total)
	}
}

func TestSQLiteStore_MaxRecordsPrune(t *testing.T) {
	store := newTestStore(t, 2)
	ctx := context.Background()
	startSession(t, store, "s-1", "record")
	for i := 0; i < 4; i++ {
		if err := store.RecordInteraction(ctx, &Interaction{SessionID: "s-1", Method: "GET", URI: "/x", Status: 200}); err != nil {
			t.Fatalf("record interaction failed: %v", err)
		}
	}
	_, total, err := store.ListInteractions(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected 2 interactions after pruning, got %d", total)
	}
}

func TestNew_Drivers(t *testing.T) {
	store, err := New(&config.JournalConfig{Driver: "none"}, logger.Nop())
	if err != nil {
		t.Fatalf("none driver failed: %v", err)
	}
	if err := store.RecordInteraction(context.Background(), &Interaction{}); err != nil {
		t.Fatalf("nop store should accept writes: %v", err)
	}

	if _, err := New(&config.JournalConfig{Driver: "postgres"}, logger.Nop()); !errors.Is(err, ErrUnsupportedDriver) {
		t.Fatalf("expected ErrUnsupportedDriver, got %v", err)
	}
	if _, err := New(nil, logger.Nop()); err == nil {
		t.Fatal("expected error for nil config")
	}
}
