package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sonoralabs/sonora-core/internal/audio"
	"github.com/sonoralabs/sonora-core/internal/config"
)

type httpSynth struct {
	endpoint   string
	model      string
	sampleRate int
	client     *http.Client
}

type httpRequest struct {
	Text         string    `json:"text"`
	Model        string    `json:"model"`
	Language     string    `json:"language"`
	Format       string    `json:"format"`
	Emotion      []float64 `json:"emotion,omitempty"`
	SpeakingRate float64   `json:"speaking_rate,omitempty"`
	PitchStd     float64   `json:"pitch_std,omitempty"`
	CFGScale     float64   `json:"cfg_scale,omitempty"`
	Voice        string    `json:"voice,omitempty"`
	SampleRate   int       `json:"sample_rate"`
}

// NewHTTP returns a synthesizer that posts requests to a remote
// synthesis server and reads raw 16-bit PCM back. The response may
// override the sample rate via the X-Sample-Rate header.
func NewHTTP(cfg config.TTSConfig) (Synthesizer, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("tts endpoint required for http mode")
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &httpSynth{
		endpoint:   cfg.Endpoint,
		model:      cfg.Model,
		sampleRate: cfg.SampleRate,
		client:     &http.Client{Timeout: timeout},
	}, nil
}

func (h *httpSynth) Model() string { return h.model }

func (h *httpSynth) Synthesize(ctx context.Context, text string, cond Conditioning) (audio.Buffer, error) {
	payload := httpRequest{
		Text:         text,
		Model:        h.model,
		Language:     cond.Language,
		Format:       "pcm",
		Emotion:      cond.Emotion,
		SpeakingRate: cond.SpeakingRate,
		PitchStd:     cond.PitchStd,
		CFGScale:     cond.CFGScale,
		Voice:        cond.Voice,
		SampleRate:   h.sampleRate,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("encode tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("build tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return audio.Buffer{}, fmt.Errorf("tts server returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("read tts response: %w", err)
	}
	if len(pcm)%audio.BytesPerSample != 0 {
		return audio.Buffer{}, fmt.Errorf("tts response not 16-bit aligned: %d bytes", len(pcm))
	}

	rate := h.sampleRate
	if v := resp.Header.Get("X-Sample-Rate"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return audio.Buffer{}, fmt.Errorf("bad X-Sample-Rate %q", v)
		}
		rate = parsed
	}
	return audio.Buffer{PCM: pcm, SampleRate: rate}, nil
}
