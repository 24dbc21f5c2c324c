// Package synth defines the speech synthesizer contract and its
// backends. Synthesis is blocking: one text in, one PCM buffer out.
// Streaming and pacing happen downstream.
package synth

import (
	"context"
	"fmt"

	"github.com/sonoralabs/sonora-core/internal/audio"
	"github.com/sonoralabs/sonora-core/internal/config"
)

// Conditioning bundles the voice and prosody parameters that travel
// with every synthesis request for a session.
type Conditioning struct {
	Language     string
	Voice        string
	Emotion      []float64
	SpeakingRate float64
	PitchStd     float64
	CFGScale     float64
}

// DefaultEmotion is the neutral eight-dimension emotion vector used
// when a session never configures one.
func DefaultEmotion() []float64 {
	return []float64{0.3077, 0.0256, 0.0256, 0.0256, 0.0256, 0.0256, 0.2564, 0.3077}
}

// Synthesizer produces speech audio for a piece of text. Implementations
// must be safe for concurrent calls; the chunk scheduler fans out to a
// worker pool over a single instance.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, cond Conditioning) (audio.Buffer, error)
	Model() string
}

// New builds the synthesizer selected by cfg.Mode.
func New(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "mock":
		return NewMock(cfg.SampleRate), nil
	case "http":
		return NewHTTP(cfg)
	case "exec":
		return NewExec(cfg)
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}
