package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sonoralabs/sonora-core/internal/config"
	"github.com/sonoralabs/sonora-core/internal/protocol"
)

type storeBackend struct {
	db    *sql.DB
	cfg   config.SinkConfig
	log   *slog.Logger
	clock func() time.Time
}

func openStoreBackend(ctx context.Context, cfg config.SinkConfig, log *slog.Logger) (*storeBackend, error) {
	dir := filepath.Dir(cfg.StorePath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", cfg.StorePath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &storeBackend{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("sink store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.prune(ctx); err != nil {
		log.Warn("sink store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *storeBackend) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS notifications (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    client_id TEXT NOT NULL,
    role TEXT NOT NULL,
    text TEXT NOT NULL,
    metadata TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_client_created ON notifications(client_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *storeBackend) notify(ctx context.Context, n protocol.Notification) error {
	var metadata any
	if len(n.Metadata) > 0 {
		data, err := json.Marshal(n.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		metadata = string(data)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications(client_id, role, text, metadata, created_at) VALUES(?, ?, ?, ?, ?)`,
		n.ClientID, n.Role, n.Text, metadata, time.UnixMilli(n.UnixMS).UTC())
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// prune drops notifications older than the retention window.
func (s *storeBackend) prune(ctx context.Context) error {
	if s.cfg.RetentionDays <= 0 {
		return nil
	}
	cutoff := s.clock().AddDate(0, 0, -s.cfg.RetentionDays).UTC()
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE created_at < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("prune notifications: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.log.Info("pruned old notifications", slog.Int64("count", n))
	}
	return nil
}

func (s *storeBackend) close() error {
	return s.db.Close()
}
