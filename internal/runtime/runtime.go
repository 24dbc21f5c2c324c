// Package runtime assembles the conversation pipeline and owns the
// process lifecycle: telemetry, the message bus, the response cache,
// the speech backends, and the HTTP surface that exposes them.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sonoralabs/sonora-core/internal/bus"
	"github.com/sonoralabs/sonora-core/internal/cache"
	"github.com/sonoralabs/sonora-core/internal/chat"
	"github.com/sonoralabs/sonora-core/internal/chunker"
	"github.com/sonoralabs/sonora-core/internal/config"
	"github.com/sonoralabs/sonora-core/internal/gateway"
	"github.com/sonoralabs/sonora-core/internal/natsserver"
	"github.com/sonoralabs/sonora-core/internal/scheduler"
	"github.com/sonoralabs/sonora-core/internal/session"
	"github.com/sonoralabs/sonora-core/internal/sink"
	"github.com/sonoralabs/sonora-core/internal/stream"
	"github.com/sonoralabs/sonora-core/internal/synth"
	"github.com/sonoralabs/sonora-core/internal/transcribe"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	metricsSrv  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every component up, serves until ctx is cancelled, then
// tears the pipeline down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	var embedded *natsserver.EmbeddedServer
	var busClient *bus.Client
	if r.cfg.Bus.Enabled {
		embedded, err = natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded bus: %w", err)
		}
		busClient, err = bus.Connect(r.cfg.Bus, r.logger)
		if err != nil {
			if embedded != nil {
				embedded.Shutdown()
			}
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
	}

	notifySink, err := sink.New(ctx, r.cfg.Sink, busClient, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open notification sink: %w", err)
	}

	var responseCache *cache.Cache
	if r.cfg.Cache.Enabled {
		responseCache, err = cache.Open(r.cfg.Cache, r.logger)
		if err != nil {
			return fmt.Errorf("failed to open response cache: %w", err)
		}
	}

	transcriber, err := transcribe.New(r.cfg.STT)
	if err != nil {
		return fmt.Errorf("failed to create transcriber: %w", err)
	}
	chatService, err := chat.New(r.cfg.Chat, r.logger)
	if err != nil {
		return fmt.Errorf("failed to create chat service: %w", err)
	}
	synthesizer, err := synth.New(r.cfg.TTS)
	if err != nil {
		return fmt.Errorf("failed to create synthesizer: %w", err)
	}

	registry := session.NewRegistry(r.cfg, session.Deps{
		Cache:       responseCache,
		Chunker:     chunker.New(r.cfg.Chunker),
		Scheduler:   scheduler.New(r.cfg.Scheduler, synthesizer, r.logger),
		Transport:   stream.New(r.cfg.Stream, r.logger),
		Transcriber: transcriber,
		Chat:        chatService,
		Synth:       synthesizer,
		Sink:        notifySink,
	}, r.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	gateway.New(registry, responseCache, r.logger).Register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if metricHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricHandler)
		r.metricsSrv = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.Bool("cache", responseCache != nil),
		slog.Bool("bus", busClient != nil))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsSrv != nil {
		if err := r.metricsSrv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	registry.Close()
	if responseCache != nil {
		if err := responseCache.Close(); err != nil {
			r.logger.Error("cache close error", slog.String("error", err.Error()))
		}
	}
	if err := notifySink.Close(); err != nil {
		r.logger.Error("sink close error", slog.String("error", err.Error()))
	}
	if busClient != nil {
		busClient.Close()
	}
	if embedded != nil {
		embedded.Shutdown()
	}

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
