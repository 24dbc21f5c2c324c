// Package stream frames PCM audio into timed chunks and pushes them to
// a single client, pacing delivery by the measured real-time factor.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sonoralabs/sonora-core/internal/audio"
	"github.com/sonoralabs/sonora-core/internal/config"
	"github.com/sonoralabs/sonora-core/internal/protocol"
)

// Conn is the client-side message channel a transport writes to. The
// transport is the only writer for the duration of a stream.
type Conn interface {
	SendJSON(v any) error
	SendBinary(p []byte) error
}

// Result summarizes one finished or aborted stream.
type Result struct {
	StreamID   string
	ChunksSent int
	BytesSent  int64
}

type Transport struct {
	cfg    config.StreamConfig
	logger *slog.Logger
}

func New(cfg config.StreamConfig, log *slog.Logger) *Transport {
	return &Transport{
		cfg:    cfg,
		logger: log.With(slog.String("component", "stream")),
	}
}

// Stream sends buf to conn as a sequence of metadata-then-binary frame
// pairs. rtf selects the inter-frame delay; cacheHit selects the
// shorter frame duration so cached audio starts playing sooner.
// Cancellation is honored between frames and surfaces as ctx.Err(). A
// send failure aborts the stream and is reported once; no further
// frames are attempted.
func (t *Transport) Stream(ctx context.Context, conn Conn, buf audio.Buffer, rtf float64, cacheHit bool) (Result, error) {
	res := Result{StreamID: uuid.NewString()}
	if len(buf.PCM) == 0 {
		return res, fmt.Errorf("empty audio buffer")
	}

	frameBytes := t.frameBytes(buf.SampleRate, cacheHit)
	totalChunks := (len(buf.PCM) + frameBytes - 1) / frameBytes
	delay := t.frameDelay(rtf)

	if err := conn.SendJSON(protocol.StreamStart{
		Event:       protocol.EventStreamStart,
		StreamID:    res.StreamID,
		TotalChunks: totalChunks,
		SampleRate:  buf.SampleRate,
		RTF:         rtf,
	}); err != nil {
		return res, fmt.Errorf("send stream start: %w", err)
	}

	for i := 0; i < len(buf.PCM); i += frameBytes {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		default:
		}

		end := i + frameBytes
		if end > len(buf.PCM) {
			end = len(buf.PCM)
		}
		frame := buf.PCM[i:end]
		idx := i / frameBytes

		meta := protocol.ChunkMeta{
			Event:       protocol.EventChunkMeta,
			StreamID:    res.StreamID,
			ChunkIndex:  idx,
			TotalChunks: totalChunks,
			SampleRate:  buf.SampleRate,
			ChunkBytes:  len(frame),
			Final:       idx == totalChunks-1,
		}
		if err := conn.SendJSON(meta); err != nil {
			return res, fmt.Errorf("send chunk meta %d: %w", idx, err)
		}
		if err := conn.SendBinary(frame); err != nil {
			return res, fmt.Errorf("send chunk %d: %w", idx, err)
		}
		res.ChunksSent++
		res.BytesSent += int64(len(frame))

		if end < len(buf.PCM) && delay > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	if err := conn.SendJSON(protocol.StreamComplete{
		Event:         protocol.EventStreamComplete,
		StreamID:      res.StreamID,
		ChunksSent:    res.ChunksSent,
		TotalDuration: buf.Duration().Seconds(),
		RTF:           rtf,
	}); err != nil {
		return res, fmt.Errorf("send stream complete: %w", err)
	}

	t.logger.Debug("stream finished",
		slog.String("stream_id", res.StreamID),
		slog.Int("chunks", res.ChunksSent),
		slog.Int64("bytes", res.BytesSent))
	return res, nil
}

// frameBytes converts the configured frame duration into a byte count,
// aligned to whole samples.
func (t *Transport) frameBytes(sampleRate int, cacheHit bool) int {
	ms := t.cfg.FrameDurationMS
	if cacheHit && t.cfg.HitFrameDurationMS > 0 {
		ms = t.cfg.HitFrameDurationMS
	}
	if ms <= 0 {
		ms = 100
	}
	samples := sampleRate * ms / 1000
	if samples < 1 {
		samples = 1
	}
	return samples * audio.BytesPerSample
}

// frameDelay picks the inter-frame pause for a measured real-time
// factor. Faster synthesis streams tighter.
func (t *Transport) frameDelay(rtf float64) time.Duration {
	switch {
	case rtf < t.cfg.FastRTF:
		return time.Duration(t.cfg.FastDelayMS) * time.Millisecond
	case rtf < t.cfg.ModerateRTF:
		return time.Duration(t.cfg.ModerateDelayMS) * time.Millisecond
	default:
		return time.Duration(t.cfg.SlowDelayMS) * time.Millisecond
	}
}
