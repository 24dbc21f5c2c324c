package synth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sonoralabs/sonora-core/internal/audio"
	"github.com/sonoralabs/sonora-core/internal/config"
)

func TestMockProducesAlignedAudio(t *testing.T) {
	s := NewMock(16000)
	buf, err := s.Synthesize(context.Background(), "hello world", Conditioning{Language: "en-us"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(buf.PCM) == 0 || len(buf.PCM)%audio.BytesPerSample != 0 {
		t.Fatalf("bad pcm length %d", len(buf.PCM))
	}
	if buf.SampleRate != 16000 {
		t.Fatalf("sample rate %d", buf.SampleRate)
	}
}

func TestMockHonorsCancellation(t *testing.T) {
	s := NewMock(16000)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Synthesize(ctx, "hello", Conditioning{}); err == nil {
		t.Fatal("expected context error")
	}
}

func TestHTTPRoundTrip(t *testing.T) {
	want := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type %s", ct)
		}
		w.Header().Set("X-Sample-Rate", "24000")
		w.Write(want)
	}))
	defer srv.Close()

	s, err := NewHTTP(config.TTSConfig{Mode: "http", Endpoint: srv.URL, Model: "zonos-v0.1", SampleRate: 44100})
	if err != nil {
		t.Fatalf("new http synth: %v", err)
	}
	buf, err := s.Synthesize(context.Background(), "hi", Conditioning{Language: "ko", SpeakingRate: 15})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if string(buf.PCM) != string(want) {
		t.Fatal("pcm mismatch")
	}
	if buf.SampleRate != 24000 {
		t.Fatalf("header sample rate not applied: %d", buf.SampleRate)
	}
}

func TestHTTPServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s, err := NewHTTP(config.TTSConfig{Mode: "http", Endpoint: srv.URL, SampleRate: 44100})
	if err != nil {
		t.Fatalf("new http synth: %v", err)
	}
	if _, err := s.Synthesize(context.Background(), "hi", Conditioning{}); err == nil {
		t.Fatal("expected error from 503 response")
	}
}

func TestHTTPRejectsMisalignedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{1, 2, 3})
	}))
	defer srv.Close()

	s, err := NewHTTP(config.TTSConfig{Mode: "http", Endpoint: srv.URL, SampleRate: 44100})
	if err != nil {
		t.Fatalf("new http synth: %v", err)
	}
	if _, err := s.Synthesize(context.Background(), "hi", Conditioning{}); err == nil {
		t.Fatal("expected alignment error")
	}
}

func TestNewSelectsBackend(t *testing.T) {
	if _, err := New(config.TTSConfig{Mode: "mock", SampleRate: 16000}); err != nil {
		t.Fatalf("mock: %v", err)
	}
	if _, err := New(config.TTSConfig{Mode: "http", SampleRate: 16000}); err == nil {
		t.Fatal("http mode without endpoint should fail")
	}
	if _, err := New(config.TTSConfig{Mode: "banana"}); err == nil {
		t.Fatal("unknown mode should fail")
	}
}
