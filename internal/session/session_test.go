package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/sonoralabs/sonora-core/internal/audio"
	"github.com/sonoralabs/sonora-core/internal/cache"
	"github.com/sonoralabs/sonora-core/internal/chat"
	"github.com/sonoralabs/sonora-core/internal/chunker"
	"github.com/sonoralabs/sonora-core/internal/config"
	"github.com/sonoralabs/sonora-core/internal/protocol"
	"github.com/sonoralabs/sonora-core/internal/scheduler"
	"github.com/sonoralabs/sonora-core/internal/stream"
	"github.com/sonoralabs/sonora-core/internal/synth"
	"github.com/sonoralabs/sonora-core/internal/transcribe"
)

type fakeConn struct {
	mu       sync.Mutex
	events   []string
	binaries int
	sendErr  error
}

func (c *fakeConn) SendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var envelope struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}
	c.events = append(c.events, envelope.Event)
	return nil
}

func (c *fakeConn) SendBinary(_ []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.binaries++
	return nil
}

func (c *fakeConn) eventNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.events...)
}

func (c *fakeConn) has(event string) bool {
	for _, e := range c.eventNames() {
		if e == event {
			return true
		}
	}
	return false
}

func (c *fakeConn) binaryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.binaries
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ []byte, _, _ int) (transcribe.Result, error) {
	return transcribe.Result{Text: f.text}, f.err
}

type fakeCompleter struct {
	reply string
	err   error
}

func (f *fakeCompleter) Complete(_ context.Context, _ []chat.Message) (string, error) {
	return f.reply, f.err
}

type fakeSynth struct {
	calls     int32
	mu        sync.Mutex
	err       error
	pcmPerStr int
}

func (f *fakeSynth) Model() string { return "fake-model" }

func (f *fakeSynth) Synthesize(_ context.Context, text string, _ synth.Conditioning) (audio.Buffer, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return audio.Buffer{}, f.err
	}
	n := f.pcmPerStr
	if n == 0 {
		n = 2000
	}
	return audio.Buffer{PCM: make([]byte, n), SampleRate: 1000}, nil
}

func (f *fakeSynth) callCount() int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Cache.Dir = t.TempDir()
	cfg.TTS.SampleRate = 1000
	cfg.Stream.FastDelayMS = 0
	cfg.Stream.ModerateDelayMS = 0
	cfg.Stream.SlowDelayMS = 0
	return cfg
}

type harness struct {
	cfg      config.Config
	conn     *fakeConn
	synth    *fakeSynth
	registry *Registry
	session  *Session
}

func newHarness(t *testing.T, cfg config.Config, tr transcribe.Transcriber, completer chat.Completer, fs *fakeSynth) *harness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	c, err := cache.Open(cfg.Cache, log)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	deps := Deps{
		Cache:       c,
		Chunker:     chunker.New(cfg.Chunker),
		Scheduler:   scheduler.New(cfg.Scheduler, fs, log),
		Transport:   stream.New(cfg.Stream, log),
		Transcriber: tr,
		Chat:        chat.NewService(cfg.Chat, completer, log),
		Synth:       fs,
	}
	reg := NewRegistry(cfg, deps, log)
	conn := &fakeConn{}
	s := reg.Connect(context.Background(), "client-1", conn)
	t.Cleanup(func() { reg.Disconnect(s) })
	return &harness{cfg: cfg, conn: conn, synth: fs, registry: reg, session: s}
}

// runTurn records audio, stops recording, and waits for the turn to
// drain.
func (h *harness) runTurn(t *testing.T, pcm []byte) {
	t.Helper()
	h.session.HandleBinary(pcm)
	h.session.HandleText(protocol.ControlStopRecording)
	h.session.wg.Wait()
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestFullTurnEventSequence(t *testing.T) {
	h := newHarness(t, testConfig(t),
		&fakeTranscriber{text: "what time is it"},
		&fakeCompleter{reply: "It is noon."},
		&fakeSynth{})

	h.runTurn(t, make([]byte, 640))

	want := []string{
		protocol.EventConnectionEstablished,
		protocol.EventSTTCompleted,
		protocol.EventChatProcessing,
		protocol.EventChatResponse,
		protocol.EventTTSStarted,
		protocol.EventTTSProgress,
		protocol.EventTTSProgress,
		protocol.EventStreamStart,
	}
	got := h.conn.eventNames()
	for i, name := range want {
		if i >= len(got) || got[i] != name {
			t.Fatalf("event %d: got %v, want prefix %v", i, got, want)
		}
	}
	if got[len(got)-1] != protocol.EventStreamComplete {
		t.Fatalf("expected trailing stream complete, got %v", got)
	}
	if h.conn.binaryCount() == 0 {
		t.Fatal("no binary frames sent")
	}
	if h.session.Phase() != PhaseIdle {
		t.Fatalf("phase %s after turn", h.session.Phase())
	}
	if h.session.Stats().TotalRequests != 1 {
		t.Fatalf("stats %+v", h.session.Stats())
	}
}

func TestSecondIdenticalTurnHitsCache(t *testing.T) {
	h := newHarness(t, testConfig(t),
		&fakeTranscriber{text: "hello"},
		&fakeCompleter{reply: "Hello to you as well."},
		&fakeSynth{})

	h.runTurn(t, make([]byte, 640))
	if h.synth.callCount() != 1 {
		t.Fatalf("first turn synth calls = %d", h.synth.callCount())
	}

	h.runTurn(t, make([]byte, 640))
	if h.synth.callCount() != 1 {
		t.Fatalf("cache hit still called synthesizer: %d calls", h.synth.callCount())
	}
	if !h.conn.has(protocol.EventCacheHit) {
		t.Fatalf("no cache_hit event in %v", h.conn.eventNames())
	}
}

func TestEmptyTranscriptShortCircuits(t *testing.T) {
	h := newHarness(t, testConfig(t),
		&fakeTranscriber{text: "   "},
		&fakeCompleter{reply: "unused"},
		&fakeSynth{})

	h.runTurn(t, make([]byte, 640))

	if !h.conn.has(protocol.EventSTTEmpty) {
		t.Fatalf("expected stt_empty, got %v", h.conn.eventNames())
	}
	if h.conn.has(protocol.EventChatProcessing) {
		t.Fatal("chat phase ran on empty transcript")
	}
}

func TestEmptyRecordingYieldsSTTEmpty(t *testing.T) {
	h := newHarness(t, testConfig(t),
		&fakeTranscriber{text: "unused"},
		&fakeCompleter{reply: "unused"},
		&fakeSynth{})

	h.runTurn(t, nil)
	if !h.conn.has(protocol.EventSTTEmpty) {
		t.Fatalf("expected stt_empty, got %v", h.conn.eventNames())
	}
}

func TestStopRecordingWithoutAudioEmitsEmpty(t *testing.T) {
	h := newHarness(t, testConfig(t),
		&fakeTranscriber{text: "unused"},
		&fakeCompleter{reply: "unused"},
		&fakeSynth{})

	h.session.HandleText(protocol.ControlStopRecording)
	h.session.wg.Wait()
	if !h.conn.has(protocol.EventSTTEmpty) {
		t.Fatalf("expected stt_empty, got %v", h.conn.eventNames())
	}
	if h.conn.has(protocol.EventSTTCompleted) {
		t.Fatal("turn ran without any audio")
	}
	if h.session.Phase() != PhaseIdle {
		t.Fatalf("phase %s after empty stop", h.session.Phase())
	}
}

func TestChatFailureEmitsError(t *testing.T) {
	h := newHarness(t, testConfig(t),
		&fakeTranscriber{text: "hello"},
		&fakeCompleter{err: errors.New("upstream down")},
		&fakeSynth{})

	h.runTurn(t, make([]byte, 640))
	if !h.conn.has(protocol.EventError) {
		t.Fatalf("expected error event, got %v", h.conn.eventNames())
	}
	if h.conn.has(protocol.EventTTSStarted) {
		t.Fatal("synthesis ran after chat failure")
	}
	if h.session.Phase() != PhaseIdle {
		t.Fatalf("phase %s", h.session.Phase())
	}
}

func TestTotalSynthesisFailureEmitsError(t *testing.T) {
	h := newHarness(t, testConfig(t),
		&fakeTranscriber{text: "hello"},
		&fakeCompleter{reply: "A reply."},
		&fakeSynth{err: errors.New("model crashed")})

	h.runTurn(t, make([]byte, 640))
	if !h.conn.has(protocol.EventError) {
		t.Fatalf("expected error event, got %v", h.conn.eventNames())
	}
	if h.conn.has(protocol.EventStreamStart) {
		t.Fatal("streaming started with no audio")
	}
}

func TestStopSpeakingCancelsStream(t *testing.T) {
	cfg := testConfig(t)
	cfg.Stream.FastDelayMS = 10
	h := newHarness(t, cfg,
		&fakeTranscriber{text: "tell me a story"},
		&fakeCompleter{reply: "Once upon a time."},
		&fakeSynth{pcmPerStr: 20000}) // 10s at 1 kHz, 100 frames

	h.session.HandleBinary(make([]byte, 640))
	h.session.HandleText(protocol.ControlStopRecording)

	waitUntil(t, 2*time.Second, func() bool { return h.conn.binaryCount() >= 2 })
	h.session.HandleText(protocol.ControlStopSpeaking)
	h.session.wg.Wait()

	if !h.conn.has(protocol.EventTTSStopped) {
		t.Fatalf("expected tts_stopped, got %v", h.conn.eventNames())
	}
	if h.conn.has(protocol.EventStreamComplete) {
		t.Fatal("cancelled stream still completed")
	}
	if h.conn.binaryCount() >= 100 {
		t.Fatal("cancellation did not stop frame delivery")
	}
	if h.session.Phase() != PhaseIdle {
		t.Fatalf("phase %s", h.session.Phase())
	}
}

func TestSettingsUpdate(t *testing.T) {
	h := newHarness(t, testConfig(t),
		&fakeTranscriber{text: "hello"},
		&fakeCompleter{reply: "A reply."},
		&fakeSynth{})

	h.session.HandleText(`{"language":"en-us","performance_mode":"quality","tts_settings":{"speaking_rate":18,"pitch_std":25}}`)
	if !h.conn.has(protocol.EventConfigUpdated) {
		t.Fatalf("expected config_updated, got %v", h.conn.eventNames())
	}

	h.session.mu.Lock()
	got := h.session.settings
	h.session.mu.Unlock()
	if got.language != "en-us" || got.speakingRate != 18 || got.pitchStd != 25 {
		t.Fatalf("settings not applied: %+v", got)
	}
	if got.performanceMode != "quality" {
		t.Fatalf("performance mode not applied: %+v", got)
	}
}

func TestInvalidSettingsJSON(t *testing.T) {
	h := newHarness(t, testConfig(t),
		&fakeTranscriber{text: "hello"},
		&fakeCompleter{reply: "A reply."},
		&fakeSynth{})

	h.session.HandleText(`{"language": `)
	if !h.conn.has(protocol.EventError) {
		t.Fatalf("expected error event, got %v", h.conn.eventNames())
	}
}

func TestSettingsChangeMissesCache(t *testing.T) {
	h := newHarness(t, testConfig(t),
		&fakeTranscriber{text: "hello"},
		&fakeCompleter{reply: "Same reply every time."},
		&fakeSynth{})

	h.runTurn(t, make([]byte, 640))
	h.session.HandleText(`{"tts_settings":{"speaking_rate":22}}`)
	h.runTurn(t, make([]byte, 640))

	if h.synth.callCount() != 2 {
		t.Fatalf("conditioning change should miss cache: %d synth calls", h.synth.callCount())
	}
}

func TestRecordingLimitEnforced(t *testing.T) {
	cfg := testConfig(t)
	cfg.Conversation.MaxRecordingBytes = 1000
	h := newHarness(t, cfg,
		&fakeTranscriber{text: "hello"},
		&fakeCompleter{reply: "A reply."},
		&fakeSynth{})

	h.session.HandleBinary(make([]byte, 800))
	h.session.HandleBinary(make([]byte, 800)) // over the limit, dropped

	h.session.mu.Lock()
	got := len(h.session.recording)
	h.session.mu.Unlock()
	if got != 800 {
		t.Fatalf("recording %d bytes, want 800", got)
	}
}

func TestAudioDuringTurnIsBuffered(t *testing.T) {
	cfg := testConfig(t)
	cfg.Stream.FastDelayMS = 10
	h := newHarness(t, cfg,
		&fakeTranscriber{text: "hello"},
		&fakeCompleter{reply: "A reply."},
		&fakeSynth{pcmPerStr: 20000})

	h.session.HandleBinary(make([]byte, 640))
	h.session.HandleText(protocol.ControlStopRecording)
	waitUntil(t, 2*time.Second, func() bool { return h.conn.binaryCount() >= 1 })

	// Speech sent while the previous turn is still streaming must stay
	// buffered for the next stop_recording, not be dropped.
	h.session.HandleBinary(make([]byte, 640))
	h.session.mu.Lock()
	buffered := len(h.session.recording)
	h.session.mu.Unlock()
	if buffered != 640 {
		t.Fatalf("mid-turn audio buffered %d bytes, want 640", buffered)
	}

	h.session.HandleText(protocol.ControlStopSpeaking)
	h.session.wg.Wait()

	h.session.HandleText(protocol.ControlStopRecording)
	h.session.wg.Wait()
	var completed int
	for _, name := range h.conn.eventNames() {
		if name == protocol.EventSTTCompleted {
			completed++
		}
	}
	if completed != 2 {
		t.Fatalf("buffered audio did not start a second turn: %d stt_completed in %v",
			completed, h.conn.eventNames())
	}
}

func TestRegistryLifecycle(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := testConfig(t)
	fs := &fakeSynth{}
	deps := Deps{
		Chunker:     chunker.New(cfg.Chunker),
		Scheduler:   scheduler.New(cfg.Scheduler, fs, log),
		Transport:   stream.New(cfg.Stream, log),
		Transcriber: &fakeTranscriber{text: "x"},
		Chat:        chat.NewService(cfg.Chat, &fakeCompleter{reply: "y"}, log),
		Synth:       fs,
	}
	reg := NewRegistry(cfg, deps, log)

	conn := &fakeConn{}
	first := reg.Connect(context.Background(), "dup", conn)
	if !conn.has(protocol.EventConnectionEstablished) {
		t.Fatal("no connection_established event")
	}

	replacement := &fakeConn{}
	second := reg.Connect(context.Background(), "dup", replacement)
	if !replacement.has(protocol.EventConnectionEstablished) {
		t.Fatal("reconnect not acknowledged")
	}
	if reg.Len() != 1 {
		t.Fatalf("len %d after reconnect", reg.Len())
	}
	if got, _ := reg.Get("dup"); got != second {
		t.Fatal("reconnect did not replace the registered session")
	}
	if first.ctx.Err() == nil {
		t.Fatal("replaced session still running")
	}

	// The stale socket's teardown must not take down the replacement.
	reg.Disconnect(first)
	if got, ok := reg.Get("dup"); !ok || got != second {
		t.Fatal("stale disconnect removed the replacement session")
	}

	reg.Disconnect(second)
	if _, ok := reg.Get("dup"); ok {
		t.Fatal("session survived disconnect")
	}
	reg.Disconnect(second) // second disconnect is a no-op
}

func TestDisconnectDuringStreamDiscardsWork(t *testing.T) {
	cfg := testConfig(t)
	cfg.Stream.FastDelayMS = 10
	h := newHarness(t, cfg,
		&fakeTranscriber{text: "hello"},
		&fakeCompleter{reply: fmt.Sprintf("%s!", "Goodbye")},
		&fakeSynth{pcmPerStr: 20000})

	h.session.HandleBinary(make([]byte, 640))
	h.session.HandleText(protocol.ControlStopRecording)
	waitUntil(t, 2*time.Second, func() bool { return h.conn.binaryCount() >= 2 })

	h.registry.Disconnect(h.session)
	if h.conn.has(protocol.EventStreamComplete) {
		t.Fatal("stream completed after disconnect")
	}
}

func TestRegistryGaugesObserved(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	h := newHarness(t, testConfig(t),
		&fakeTranscriber{text: "hello"},
		&fakeCompleter{reply: "A reply."},
		&fakeSynth{})
	h.runTurn(t, make([]byte, 640))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			found[m.Name] = true
			if m.Name == "sonora.sessions.active" {
				g, ok := m.Data.(metricdata.Gauge[int64])
				if !ok || len(g.DataPoints) != 1 || g.DataPoints[0].Value != 1 {
					t.Fatalf("sessions gauge %+v", m.Data)
				}
			}
		}
	}
	if !found["sonora.sessions.active"] || !found["sonora.tts.cache_hit_rate"] {
		t.Fatalf("gauges missing: %v", found)
	}
}
