// Package sink records conversation notifications on a best-effort
// basis. A failing backend is logged and otherwise ignored; the
// conversation pipeline never waits on or fails because of the sink.
package sink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sonoralabs/sonora-core/internal/bus"
	"github.com/sonoralabs/sonora-core/internal/config"
	"github.com/sonoralabs/sonora-core/internal/protocol"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type backend interface {
	notify(ctx context.Context, n protocol.Notification) error
	close() error
}

// Sink fans a notification out to the configured backends.
type Sink struct {
	backends []backend
	logger   *slog.Logger
}

// New builds the sink selected by cfg.Mode. Mode "bus" and "both"
// require a connected bus client.
func New(ctx context.Context, cfg config.SinkConfig, busClient *bus.Client, log *slog.Logger) (*Sink, error) {
	s := &Sink{logger: log.With(slog.String("component", "sink"))}
	switch cfg.Mode {
	case "none":
	case "bus":
		s.backends = append(s.backends, newBusBackend(cfg, busClient))
	case "store":
		st, err := openStoreBackend(ctx, cfg, s.logger)
		if err != nil {
			return nil, err
		}
		s.backends = append(s.backends, st)
	case "both":
		st, err := openStoreBackend(ctx, cfg, s.logger)
		if err != nil {
			return nil, err
		}
		s.backends = append(s.backends, newBusBackend(cfg, busClient), st)
	default:
		return nil, fmt.Errorf("unknown sink mode %q", cfg.Mode)
	}
	return s, nil
}

// Notify records one message. Failures are logged, never returned.
func (s *Sink) Notify(ctx context.Context, clientID, role, text string, metadata map[string]any) {
	if len(s.backends) == 0 {
		return
	}
	n := protocol.Notification{
		ClientID: clientID,
		Role:     role,
		Text:     text,
		Metadata: metadata,
		UnixMS:   time.Now().UnixMilli(),
	}
	for _, b := range s.backends {
		if err := b.notify(ctx, n); err != nil {
			s.logger.Warn("notification dropped",
				slog.String("client_id", clientID),
				slog.String("role", role),
				slog.String("error", err.Error()))
		}
	}
}

func (s *Sink) Close() error {
	var first error
	for _, b := range s.backends {
		if err := b.close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
