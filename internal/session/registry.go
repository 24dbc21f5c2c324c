package session

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/sonoralabs/sonora-core/internal/config"
	"github.com/sonoralabs/sonora-core/internal/protocol"
	"github.com/sonoralabs/sonora-core/internal/stream"
)

// Registry owns every live session, keyed by client id. Creation and
// destruction are tied to connect and disconnect so no per-client state
// can outlive its connection.
type Registry struct {
	cfg    config.Config
	deps   Deps
	logger *slog.Logger
	meter  metric.Meter

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(cfg config.Config, deps Deps, log *slog.Logger) *Registry {
	r := &Registry{
		cfg:      cfg,
		deps:     deps,
		logger:   log.With(slog.String("component", "sessions")),
		meter:    otel.Meter("github.com/sonoralabs/sonora-core/runtime"),
		sessions: make(map[string]*Session),
	}
	if err := r.initMetrics(); err != nil {
		r.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return r
}

// initMetrics registers gauges observed from live registry and cache
// state on each scrape.
func (r *Registry) initMetrics() error {
	active, err := r.meter.Int64ObservableGauge("sonora.sessions.active",
		metric.WithDescription("Number of connected clients"))
	if err != nil {
		return err
	}
	hitRate, err := r.meter.Float64ObservableGauge("sonora.tts.cache_hit_rate",
		metric.WithDescription("TTS result cache hit rate since startup"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(active, int64(r.Len()))
		if r.deps.Cache != nil {
			obs.ObserveFloat64(hitRate, r.deps.Cache.Stats().HitRate)
		}
		return nil
	}, active, hitRate)
	return err
}

// Connect creates the session for a client and acknowledges the
// connection. A reconnect under a live id replaces the previous
// session; its in-flight work is cancelled and its results discarded,
// so a client returning after a network blip is never locked out by
// its own stale socket.
func (r *Registry) Connect(ctx context.Context, clientID string, conn stream.Conn) *Session {
	s := newSession(ctx, clientID, conn, r.cfg, r.deps, r.logger)
	r.mu.Lock()
	old := r.sessions[clientID]
	r.sessions[clientID] = s
	r.mu.Unlock()

	if old != nil {
		r.logger.Info("client reconnected, replacing previous session",
			slog.String("client_id", clientID))
		old.closeSession()
	} else {
		r.logger.Info("client connected", slog.String("client_id", clientID))
	}
	s.sendJSON(protocol.ConnectionEstablished{
		Event:    protocol.EventConnectionEstablished,
		ClientID: clientID,
		Message:  "connected",
	})
	return s
}

// Disconnect tears the session down. In-flight work is cancelled and
// drained; its results are discarded. A session that was already
// replaced by a reconnect is only drained, its replacement stays
// registered.
func (r *Registry) Disconnect(s *Session) {
	if s == nil {
		return
	}
	r.mu.Lock()
	if cur, ok := r.sessions[s.clientID]; ok && cur == s {
		delete(r.sessions, s.clientID)
	}
	r.mu.Unlock()
	s.closeSession()
	r.logger.Info("client disconnected", slog.String("client_id", s.clientID))
}

// Get returns the live session for a client, if any.
func (r *Registry) Get(clientID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[clientID]
	return s, ok
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close tears down every remaining session. Used at shutdown after the
// listener has stopped accepting connections.
func (r *Registry) Close() {
	r.mu.Lock()
	remaining := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		remaining = append(remaining, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	for _, s := range remaining {
		s.closeSession()
	}
}
