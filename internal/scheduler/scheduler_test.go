package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sonoralabs/sonora-core/internal/audio"
	"github.com/sonoralabs/sonora-core/internal/chunker"
	"github.com/sonoralabs/sonora-core/internal/config"
	"github.com/sonoralabs/sonora-core/internal/synth"
)

const testRate = 1000

type fakeSynth struct {
	fn           func(text string) (audio.Buffer, error)
	delay        func(text string) time.Duration
	calls        atomic.Int32
	inFlight     atomic.Int32
	peakInFlight atomic.Int32
}

func (f *fakeSynth) Model() string { return "fake" }

func (f *fakeSynth) Synthesize(ctx context.Context, text string, _ synth.Conditioning) (audio.Buffer, error) {
	f.calls.Add(1)
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peakInFlight.Load()
		if cur <= peak || f.peakInFlight.CompareAndSwap(peak, cur) {
			break
		}
	}
	if f.delay != nil {
		select {
		case <-ctx.Done():
			return audio.Buffer{}, ctx.Err()
		case <-time.After(f.delay(text)):
		}
	}
	return f.fn(text)
}

func newScheduler(t *testing.T, cfg config.SchedulerConfig, f *fakeSynth) *Scheduler {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, f, log)
}

func chunksOf(texts ...string) []chunker.Chunk {
	out := make([]chunker.Chunk, len(texts))
	for i, s := range texts {
		out[i] = chunker.Chunk{Seq: i, Text: s}
	}
	return out
}

// pcmFor renders each chunk as four bytes of a fill value derived from
// the text, so chunk boundaries are visible in the combined output.
func pcmFor(text string) audio.Buffer {
	fill := text[len(text)-1]
	return audio.Buffer{PCM: bytes.Repeat([]byte{fill}, 4), SampleRate: testRate}
}

func TestOrderPreservedUnderRandomLatency(t *testing.T) {
	f := &fakeSynth{
		fn: func(text string) (audio.Buffer, error) { return pcmFor(text), nil },
		delay: func(string) time.Duration {
			return time.Duration(rand.Intn(30)) * time.Millisecond
		},
	}
	s := newScheduler(t, config.SchedulerConfig{Workers: 4, GapSilenceMS: 100}, f)

	chunks := chunksOf("s1", "s2", "s3", "s4", "s5")
	got, err := s.Synthesize(context.Background(), chunks, synth.Conditioning{})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}

	gap := audio.Silence(100*time.Millisecond, testRate)
	var want []byte
	for i, ch := range chunks {
		if i > 0 {
			want = append(want, gap.PCM...)
		}
		want = append(want, pcmFor(ch.Text).PCM...)
	}
	if !bytes.Equal(got.PCM, want) {
		t.Fatalf("combined audio out of order or mis-stitched: got %d bytes, want %d", len(got.PCM), len(want))
	}
}

func TestWorkerPoolBounded(t *testing.T) {
	f := &fakeSynth{
		fn:    func(text string) (audio.Buffer, error) { return pcmFor(text), nil },
		delay: func(string) time.Duration { return 20 * time.Millisecond },
	}
	s := newScheduler(t, config.SchedulerConfig{Workers: 2, GapSilenceMS: 100}, f)

	if _, err := s.Synthesize(context.Background(), chunksOf("s1", "s2", "s3", "s4", "s5", "s6"), synth.Conditioning{}); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if peak := f.peakInFlight.Load(); peak > 2 {
		t.Fatalf("pool limit exceeded: %d concurrent jobs", peak)
	}
}

func TestSingleChunkBypassesPool(t *testing.T) {
	f := &fakeSynth{fn: func(text string) (audio.Buffer, error) { return pcmFor(text), nil }}
	s := newScheduler(t, config.SchedulerConfig{Workers: 2, GapSilenceMS: 100}, f)

	got, err := s.Synthesize(context.Background(), chunksOf("s1"), synth.Conditioning{})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if f.calls.Load() != 1 {
		t.Fatalf("expected one synthesis call, got %d", f.calls.Load())
	}
	// No gap silence on the single-chunk path.
	if !bytes.Equal(got.PCM, pcmFor("s1").PCM) {
		t.Fatalf("unexpected combined audio: %v", got.PCM)
	}
}

func TestPartialFailureDropsChunk(t *testing.T) {
	f := &fakeSynth{
		fn: func(text string) (audio.Buffer, error) {
			if text == "s2" {
				return audio.Buffer{}, errors.New("boom")
			}
			return pcmFor(text), nil
		},
	}
	s := newScheduler(t, config.SchedulerConfig{Workers: 2, GapSilenceMS: 100}, f)

	got, err := s.Synthesize(context.Background(), chunksOf("s1", "s2", "s3"), synth.Conditioning{})
	if err != nil {
		t.Fatalf("partial failure must not error: %v", err)
	}

	gap := audio.Silence(100*time.Millisecond, testRate)
	want := append(append(append([]byte{}, pcmFor("s1").PCM...), gap.PCM...), pcmFor("s3").PCM...)
	if !bytes.Equal(got.PCM, want) {
		t.Fatalf("expected s1+gap+s3, got %d bytes want %d", len(got.PCM), len(want))
	}
}

func TestTotalFailureSurfaced(t *testing.T) {
	f := &fakeSynth{
		fn: func(text string) (audio.Buffer, error) {
			return audio.Buffer{}, fmt.Errorf("synthesis of %q failed", text)
		},
	}
	s := newScheduler(t, config.SchedulerConfig{Workers: 2, GapSilenceMS: 100}, f)

	_, err := s.Synthesize(context.Background(), chunksOf("s1", "s2", "s3"), synth.Conditioning{})
	if !errors.Is(err, ErrAllChunksFailed) {
		t.Fatalf("expected ErrAllChunksFailed, got %v", err)
	}

	_, err = s.Synthesize(context.Background(), chunksOf("s1"), synth.Conditioning{})
	if !errors.Is(err, ErrAllChunksFailed) {
		t.Fatalf("single-chunk failure should also map: %v", err)
	}
}

func TestEmptyChunkListRejected(t *testing.T) {
	f := &fakeSynth{fn: func(text string) (audio.Buffer, error) { return pcmFor(text), nil }}
	s := newScheduler(t, config.SchedulerConfig{Workers: 2}, f)
	if _, err := s.Synthesize(context.Background(), nil, synth.Conditioning{}); err == nil {
		t.Fatal("expected error for empty chunk list")
	}
}

func TestEmptyAudioTreatedAsFailure(t *testing.T) {
	f := &fakeSynth{
		fn: func(text string) (audio.Buffer, error) {
			if text == "s2" {
				return audio.Buffer{SampleRate: testRate}, nil
			}
			return pcmFor(text), nil
		},
	}
	s := newScheduler(t, config.SchedulerConfig{Workers: 2, GapSilenceMS: 100}, f)

	got, err := s.Synthesize(context.Background(), chunksOf("s1", "s2", "s3"), synth.Conditioning{})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	gap := audio.Silence(100*time.Millisecond, testRate)
	wantLen := len(pcmFor("s1").PCM)*2 + len(gap.PCM)
	if len(got.PCM) != wantLen {
		t.Fatalf("empty chunk not dropped: got %d bytes, want %d", len(got.PCM), wantLen)
	}
}
