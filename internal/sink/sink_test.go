package sink

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/sonoralabs/sonora-core/internal/config"
	"github.com/sonoralabs/sonora-core/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStoreSink(t *testing.T, cfg config.SinkConfig) *Sink {
	t.Helper()
	s, err := New(context.Background(), cfg, nil, newLogger())
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func storeOf(t *testing.T, s *Sink) *storeBackend {
	t.Helper()
	for _, b := range s.backends {
		if st, ok := b.(*storeBackend); ok {
			return st
		}
	}
	t.Fatal("no store backend configured")
	return nil
}

func countRows(t *testing.T, st *storeBackend) int {
	t.Helper()
	var n int
	if err := st.db.QueryRow(`SELECT COUNT(*) FROM notifications`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestStoreNotifyPersists(t *testing.T) {
	cfg := config.SinkConfig{Mode: "store", StorePath: filepath.Join(t.TempDir(), "notify.db")}
	s := openStoreSink(t, cfg)

	s.Notify(context.Background(), "client-1", RoleUser, "hello there",
		map[string]any{"language": "ko"})
	s.Notify(context.Background(), "client-1", RoleAssistant, "hi", nil)

	st := storeOf(t, s)
	if got := countRows(t, st); got != 2 {
		t.Fatalf("expected 2 rows, got %d", got)
	}

	var role, text, metadata string
	err := st.db.QueryRow(
		`SELECT role, text, COALESCE(metadata, '') FROM notifications WHERE role = ?`, RoleUser,
	).Scan(&role, &text, &metadata)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if text != "hello there" || metadata == "" {
		t.Fatalf("row mismatch: text=%q metadata=%q", text, metadata)
	}
}

func TestNotifyFailureDoesNotPropagate(t *testing.T) {
	cfg := config.SinkConfig{Mode: "store", StorePath: filepath.Join(t.TempDir(), "notify.db")}
	s := openStoreSink(t, cfg)

	// Closing the db underneath makes every insert fail; Notify must
	// swallow that.
	storeOf(t, s).db.Close()
	s.Notify(context.Background(), "client-1", RoleUser, "lost", nil)
}

func TestPruneByRetention(t *testing.T) {
	cfg := config.SinkConfig{Mode: "store", StorePath: filepath.Join(t.TempDir(), "notify.db"), RetentionDays: 1}
	s := openStoreSink(t, cfg)
	st := storeOf(t, s)

	old := protocol.Notification{
		ClientID: "c",
		Role:     RoleUser,
		Text:     "stale",
		UnixMS:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
	}
	if err := st.notify(context.Background(), old); err != nil {
		t.Fatalf("notify: %v", err)
	}
	fresh := old
	fresh.Text = "fresh"
	fresh.UnixMS = time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC).UnixMilli()
	if err := st.notify(context.Background(), fresh); err != nil {
		t.Fatalf("notify: %v", err)
	}

	st.clock = func() time.Time { return time.Date(2025, 1, 3, 12, 0, 0, 0, time.UTC) }
	if err := st.prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if got := countRows(t, st); got != 1 {
		t.Fatalf("expected 1 surviving row, got %d", got)
	}
}

func TestModeNoneIsNoop(t *testing.T) {
	s, err := New(context.Background(), config.SinkConfig{Mode: "none"}, nil, newLogger())
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	s.Notify(context.Background(), "c", RoleUser, "ignored", nil)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestUnknownModeRejected(t *testing.T) {
	if _, err := New(context.Background(), config.SinkConfig{Mode: "firebase"}, nil, newLogger()); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
