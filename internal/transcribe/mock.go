package transcribe

import (
	"context"
	"fmt"
)

type mockTranscriber struct{}

func NewMock() Transcriber {
	return &mockTranscriber{}
}

func (m *mockTranscriber) Transcribe(_ context.Context, pcm []byte, _, _ int) (Result, error) {
	if len(pcm) == 0 {
		return Result{}, nil
	}
	return Result{
		Text:       fmt.Sprintf("[transcript length=%d]", len(pcm)),
		Confidence: 0,
	}, nil
}
