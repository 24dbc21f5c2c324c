package synth

import (
	"context"
	"math"
	"time"

	"github.com/sonoralabs/sonora-core/internal/audio"
)

type mockSynth struct {
	sampleRate int
}

// NewMock returns a synthesizer that renders a low-amplitude tone whose
// duration scales with the text length. Useful for wiring the pipeline
// without a model.
func NewMock(sampleRate int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate}
}

func (m *mockSynth) Model() string { return "mock" }

func (m *mockSynth) Synthesize(ctx context.Context, text string, cond Conditioning) (audio.Buffer, error) {
	select {
	case <-ctx.Done():
		return audio.Buffer{}, ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}

	// Roughly 60ms of audio per rune, floor of half a second.
	runes := 0
	for range text {
		runes++
	}
	dur := time.Duration(runes) * 60 * time.Millisecond
	if dur < 500*time.Millisecond {
		dur = 500 * time.Millisecond
	}

	n := int(float64(m.sampleRate) * dur.Seconds())
	samples := make([]int16, n)
	for i := range samples {
		v := math.Sin(2 * math.Pi * 220 * float64(i) / float64(m.sampleRate))
		samples[i] = int16(v * 3000)
	}
	return audio.FromSamples(samples, m.sampleRate), nil
}
