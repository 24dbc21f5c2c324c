// Package scheduler fans chunk synthesis out to a bounded worker pool
// and stitches the results back together in utterance order.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sonoralabs/sonora-core/internal/audio"
	"github.com/sonoralabs/sonora-core/internal/chunker"
	"github.com/sonoralabs/sonora-core/internal/config"
	"github.com/sonoralabs/sonora-core/internal/synth"
)

// ErrAllChunksFailed is returned when no chunk produced audio. Partial
// failures are absorbed; only a fully silent turn is an error.
var ErrAllChunksFailed = errors.New("all chunks failed")

type Scheduler struct {
	cfg    config.SchedulerConfig
	synth  synth.Synthesizer
	logger *slog.Logger
}

func New(cfg config.SchedulerConfig, s synth.Synthesizer, log *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		synth:  s,
		logger: log.With(slog.String("component", "scheduler")),
	}
}

// Synthesize renders every chunk and returns the combined audio with a
// short silence between consecutive chunks. Results are assembled by
// chunk sequence, never by completion order. A single chunk skips the
// pool and runs on the calling goroutine.
func (s *Scheduler) Synthesize(ctx context.Context, chunks []chunker.Chunk, cond synth.Conditioning) (audio.Buffer, error) {
	switch len(chunks) {
	case 0:
		return audio.Buffer{}, fmt.Errorf("no chunks to synthesize")
	case 1:
		buf, err := s.synthesizeOne(ctx, chunks[0], cond)
		if err != nil {
			return audio.Buffer{}, fmt.Errorf("%w: %w", ErrAllChunksFailed, err)
		}
		return buf, nil
	}

	results := make([]audio.Buffer, len(chunks))
	failed := make([]error, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers())
	for i, ch := range chunks {
		g.Go(func() error {
			buf, err := s.synthesizeOne(gctx, ch, cond)
			if err != nil {
				// One bad chunk must not cancel its siblings,
				// so the failure is recorded instead of returned.
				failed[i] = err
				s.logger.Warn("chunk synthesis failed",
					slog.Int("seq", ch.Seq),
					slog.String("error", err.Error()))
				return nil
			}
			results[i] = buf
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return audio.Buffer{}, err
	}

	return s.combine(results, failed)
}

func (s *Scheduler) synthesizeOne(ctx context.Context, ch chunker.Chunk, cond synth.Conditioning) (audio.Buffer, error) {
	if s.cfg.ChunkTimeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.ChunkTimeoutSec)*time.Second)
		defer cancel()
	}
	buf, err := s.synth.Synthesize(ctx, ch.Text, cond)
	if err != nil {
		return audio.Buffer{}, err
	}
	if len(buf.PCM) == 0 {
		return audio.Buffer{}, fmt.Errorf("synthesizer returned empty audio")
	}
	return buf, nil
}

// combine concatenates surviving chunks in order, inserting the
// configured gap silence between consecutive survivors.
func (s *Scheduler) combine(results []audio.Buffer, failed []error) (audio.Buffer, error) {
	var surviving []audio.Buffer
	dropped := 0
	var firstErr error
	for i, buf := range results {
		if failed[i] != nil {
			dropped++
			if firstErr == nil {
				firstErr = failed[i]
			}
			continue
		}
		surviving = append(surviving, buf)
	}

	if len(surviving) == 0 {
		if firstErr == nil {
			firstErr = errors.New("no audio produced")
		}
		return audio.Buffer{}, fmt.Errorf("%w: %w", ErrAllChunksFailed, firstErr)
	}
	if dropped > 0 {
		s.logger.Warn("dropped failed chunks from combined audio",
			slog.Int("dropped", dropped),
			slog.Int("surviving", len(surviving)))
	}

	gap := time.Duration(s.cfg.GapSilenceMS) * time.Millisecond
	parts := make([]audio.Buffer, 0, len(surviving)*2-1)
	for i, buf := range surviving {
		if i > 0 && gap > 0 {
			parts = append(parts, audio.Silence(gap, buf.SampleRate))
		}
		parts = append(parts, buf)
	}
	combined, err := audio.Concat(parts...)
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("combine chunks: %w", err)
	}
	return combined, nil
}

func (s *Scheduler) workers() int {
	if s.cfg.Workers > 0 {
		return s.cfg.Workers
	}
	return 2
}
