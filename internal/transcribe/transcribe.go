// Package transcribe defines the speech-to-text contract and its
// backends. An empty transcript is a valid result, not an error; the
// session layer decides what to do with silence.
package transcribe

import (
	"context"
	"fmt"

	"github.com/sonoralabs/sonora-core/internal/config"
)

// Result captures transcriber output.
type Result struct {
	Text       string
	Confidence float64
}

// Transcriber abstracts STT backends.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate, channels int) (Result, error)
}

// New builds the transcriber selected by cfg.Mode.
func New(cfg config.STTConfig) (Transcriber, error) {
	switch cfg.Mode {
	case "mock":
		return NewMock(), nil
	case "exec":
		return NewExec(cfg)
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}
