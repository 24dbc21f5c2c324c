package synth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/mattn/go-shellwords"

	"github.com/sonoralabs/sonora-core/internal/audio"
	"github.com/sonoralabs/sonora-core/internal/config"
)

type execSynth struct {
	cmd        []string
	model      string
	sampleRate int
}

type execRequest struct {
	Text         string    `json:"text"`
	Language     string    `json:"language"`
	Voice        string    `json:"voice,omitempty"`
	Emotion      []float64 `json:"emotion,omitempty"`
	SpeakingRate float64   `json:"speaking_rate,omitempty"`
	PitchStd     float64   `json:"pitch_std,omitempty"`
	SampleRate   int       `json:"sample_rate"`
}

type execResponse struct {
	PCMBase64  string `json:"pcm_base64"`
	SampleRate int    `json:"sample_rate"`
	Error      string `json:"error"`
}

// NewExec returns a synthesizer that shells out to an external synthesis
// command. The command reads one JSON request on stdin and writes one
// JSON response with base64 PCM on stdout.
func NewExec(cfg config.TTSConfig) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args, model: cfg.Model, sampleRate: cfg.SampleRate}, nil
}

func (e *execSynth) Model() string { return e.model }

func (e *execSynth) Synthesize(ctx context.Context, text string, cond Conditioning) (audio.Buffer, error) {
	payload := execRequest{
		Text:         text,
		Language:     cond.Language,
		Voice:        cond.Voice,
		Emotion:      cond.Emotion,
		SpeakingRate: cond.SpeakingRate,
		PitchStd:     cond.PitchStd,
		SampleRate:   e.sampleRate,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("encode tts request: %w", err)
	}

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(data)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return audio.Buffer{}, fmt.Errorf("tts command: %w (%s)", err, bytes.TrimSpace(stderr.Bytes()))
	}

	var resp execResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return audio.Buffer{}, fmt.Errorf("decode tts response: %w", err)
	}
	if resp.Error != "" {
		return audio.Buffer{}, fmt.Errorf("tts command reported: %s", resp.Error)
	}

	pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("decode tts pcm: %w", err)
	}
	if len(pcm)%audio.BytesPerSample != 0 {
		return audio.Buffer{}, fmt.Errorf("tts pcm not 16-bit aligned: %d bytes", len(pcm))
	}
	rate := resp.SampleRate
	if rate <= 0 {
		rate = e.sampleRate
	}
	return audio.Buffer{PCM: pcm, SampleRate: rate}, nil
}
