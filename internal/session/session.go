// Package session orchestrates one client's conversation: audio capture,
// transcription, chat, synthesis, and streamed delivery. Each session is
// owned by its connection handler; the only state shared across clients
// is the result cache and the scheduler's pooled capacity.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sonoralabs/sonora-core/internal/audio"
	"github.com/sonoralabs/sonora-core/internal/cache"
	"github.com/sonoralabs/sonora-core/internal/chat"
	"github.com/sonoralabs/sonora-core/internal/chunker"
	"github.com/sonoralabs/sonora-core/internal/config"
	"github.com/sonoralabs/sonora-core/internal/protocol"
	"github.com/sonoralabs/sonora-core/internal/scheduler"
	"github.com/sonoralabs/sonora-core/internal/sink"
	"github.com/sonoralabs/sonora-core/internal/stream"
	"github.com/sonoralabs/sonora-core/internal/synth"
	"github.com/sonoralabs/sonora-core/internal/transcribe"
)

// Deps are the collaborators a session drives. All of them are shared
// across sessions and must be safe for concurrent use.
type Deps struct {
	Cache       *cache.Cache
	Chunker     *chunker.Chunker
	Scheduler   *scheduler.Scheduler
	Transport   *stream.Transport
	Transcriber transcribe.Transcriber
	Chat        *chat.Service
	Synth       synth.Synthesizer
	Sink        *sink.Sink
}

type settings struct {
	language        string
	performanceMode string
	systemPrompt    string
	voice           string
	emotion         []float64
	speakingRate    float64
	pitchStd        float64
	cfgScale        float64
}

// Session is the per-client state machine. HandleBinary and HandleText
// are called from the connection's read loop; a turn triggered by
// stop_recording runs on its own goroutine so the read loop stays
// responsive to stop_speaking.
type Session struct {
	clientID string
	conn     stream.Conn
	cfg      config.Config
	deps     Deps
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	phase        Phase
	recording    []byte
	settings     settings
	stats        Stats
	streamCancel context.CancelFunc
}

func newSession(parent context.Context, clientID string, conn stream.Conn, cfg config.Config, deps Deps, log *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		clientID: clientID,
		conn:     conn,
		cfg:      cfg,
		deps:     deps,
		logger:   log.With(slog.String("component", "session"), slog.String("client_id", clientID)),
		ctx:      ctx,
		cancel:   cancel,
		phase:    PhaseIdle,
		settings: settings{
			language:        cfg.Conversation.DefaultLanguage,
			performanceMode: "auto",
			systemPrompt:    cfg.Conversation.SystemPrompt,
			emotion:         synth.DefaultEmotion(),
			speakingRate:    cfg.TTS.SpeakingRate,
			pitchStd:        cfg.TTS.PitchStd,
		},
		stats: Stats{SessionStart: time.Now().Unix()},
	}
}

// Phase reports the current state machine position.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Stats snapshots the session's performance counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// HandleBinary appends an audio chunk to the session's recording
// buffer. The buffer accumulates independently of turn progress, so
// speech arriving while the previous turn is still transcribing or
// streaming is kept for the next stop_recording rather than lost.
func (s *Session) HandleBinary(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseIdle {
		s.phase = PhaseRecording
	}
	limit := s.cfg.Conversation.MaxRecordingBytes
	if limit > 0 && len(s.recording)+len(data) > limit {
		s.logger.Warn("recording limit reached, dropping audio",
			slog.Int("limit", limit))
		return
	}
	s.recording = append(s.recording, data...)
}

// HandleText dispatches a client control message.
func (s *Session) HandleText(msg string) {
	switch {
	case msg == protocol.ControlStopRecording:
		s.startTurn()
	case msg == protocol.ControlStopSpeaking:
		s.stopSpeaking()
	case strings.HasPrefix(msg, "{"):
		s.applySettings(msg)
	default:
		s.logger.Debug("unknown control message", slog.String("message", msg))
	}
}

// startTurn moves the buffered recording into a turn, which runs
// asynchronously so the read loop stays responsive. An empty buffer is
// answered with stt_empty straight away; a stop_recording while a turn
// is already running leaves the buffer intact for the next one.
func (s *Session) startTurn() {
	s.mu.Lock()
	switch s.phase {
	case PhaseIdle, PhaseRecording:
	default:
		s.mu.Unlock()
		s.logger.Debug("stop_recording during active turn", slog.String("phase", string(s.phase)))
		return
	}
	if len(s.recording) == 0 {
		s.phase = PhaseIdle
		s.mu.Unlock()
		s.sendJSON(protocol.STTEmpty{Event: protocol.EventSTTEmpty})
		return
	}
	s.phase = PhaseTranscribing
	pcm := s.recording
	s.recording = nil
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runTurn(s.ctx, pcm)
	}()
}

// stopSpeaking cancels an in-flight stream, if any, and acknowledges.
func (s *Session) stopSpeaking() {
	s.mu.Lock()
	cancel := s.streamCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.sendJSON(protocol.TTSStopped{Event: protocol.EventTTSStopped})
}

func (s *Session) applySettings(raw string) {
	var upd protocol.SessionSettings
	if err := json.Unmarshal([]byte(raw), &upd); err != nil {
		s.sendJSON(protocol.ErrorEvent{Event: protocol.EventError, Error: "invalid JSON configuration"})
		return
	}

	s.mu.Lock()
	if upd.Language != "" {
		s.settings.language = upd.Language
	}
	if upd.PerformanceMode != "" {
		s.settings.performanceMode = upd.PerformanceMode
	}
	if upd.SystemPrompt != "" {
		s.settings.systemPrompt = upd.SystemPrompt
	}
	if upd.TTS != nil {
		if len(upd.TTS.Emotion) > 0 {
			s.settings.emotion = upd.TTS.Emotion
		}
		if upd.TTS.SpeakingRate > 0 {
			s.settings.speakingRate = upd.TTS.SpeakingRate
		}
		if upd.TTS.PitchStd > 0 {
			s.settings.pitchStd = upd.TTS.PitchStd
		}
		if upd.TTS.CFGScale > 0 {
			s.settings.cfgScale = upd.TTS.CFGScale
		}
		if upd.TTS.Voice != "" {
			s.settings.voice = upd.TTS.Voice
		}
	}
	applied := s.snapshotSettingsLocked()
	s.mu.Unlock()

	s.sendJSON(protocol.ConfigUpdated{Event: protocol.EventConfigUpdated, Settings: applied})
}

// snapshotSettingsLocked renders the current settings back into the
// wire shape. Caller holds s.mu.
func (s *Session) snapshotSettingsLocked() protocol.SessionSettings {
	return protocol.SessionSettings{
		Language:        s.settings.language,
		PerformanceMode: s.settings.performanceMode,
		SystemPrompt:    s.settings.systemPrompt,
		TTS: &protocol.TTSSettings{
			Voice:        s.settings.voice,
			Emotion:      append([]float64{}, s.settings.emotion...),
			SpeakingRate: s.settings.speakingRate,
			PitchStd:     s.settings.pitchStd,
			CFGScale:     s.settings.cfgScale,
		},
	}
}

// runTurn drives transcription, chat, synthesis, and streaming for one
// recorded utterance, returning the session to Idle whatever happens.
func (s *Session) runTurn(ctx context.Context, pcm []byte) {
	defer s.setPhase(PhaseIdle)

	transcript, ok := s.transcribePhase(ctx, pcm)
	if !ok {
		return
	}

	reply, ok := s.chatPhase(ctx, transcript)
	if !ok {
		return
	}

	s.synthesizeAndStream(ctx, reply)
}

func (s *Session) transcribePhase(ctx context.Context, pcm []byte) (string, bool) {
	start := time.Now()
	res, err := s.deps.Transcriber.Transcribe(ctx, pcm, s.cfg.STT.SampleRate, s.cfg.STT.Channels)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return "", false
		}
		s.logger.Error("transcription failed", slog.String("error", err.Error()))
		s.sendJSON(protocol.ErrorEvent{Event: protocol.EventError, Error: "STT processing failed"})
		return "", false
	}

	transcript := strings.TrimSpace(res.Text)
	if transcript == "" {
		s.sendJSON(protocol.STTEmpty{Event: protocol.EventSTTEmpty})
		return "", false
	}

	s.mu.Lock()
	s.stats.AvgSTTSec = runningAvg(s.stats.AvgSTTSec, s.stats.TotalRequests, elapsed)
	s.mu.Unlock()

	s.notify(sink.RoleUser, transcript, map[string]any{"stt_time": elapsed.Seconds()})
	s.sendJSON(protocol.STTCompleted{
		Event:          protocol.EventSTTCompleted,
		Transcript:     transcript,
		ProcessingTime: elapsed.Seconds(),
	})
	return transcript, true
}

func (s *Session) chatPhase(ctx context.Context, transcript string) (string, bool) {
	s.setPhase(PhaseAwaitingChat)
	s.sendJSON(protocol.ChatProcessing{Event: protocol.EventChatProcessing})

	s.mu.Lock()
	systemPrompt := s.settings.systemPrompt
	s.mu.Unlock()

	start := time.Now()
	reply, err := s.deps.Chat.Respond(ctx, s.clientID, transcript, systemPrompt)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return "", false
		}
		s.logger.Error("chat failed", slog.String("error", err.Error()))
		s.sendJSON(protocol.ErrorEvent{Event: protocol.EventError, Error: "chat processing failed"})
		return "", false
	}

	s.mu.Lock()
	s.stats.AvgChatSec = runningAvg(s.stats.AvgChatSec, s.stats.TotalRequests, elapsed)
	s.mu.Unlock()

	s.notify(sink.RoleAssistant, reply, map[string]any{"gpt_time": elapsed.Seconds()})
	s.sendJSON(protocol.ChatResponse{
		Event:          protocol.EventChatResponse,
		Response:       reply,
		ProcessingTime: elapsed.Seconds(),
	})
	return reply, true
}

// synthesizeAndStream resolves audio for the reply, via cache or
// synthesis, and streams it to the client.
func (s *Session) synthesizeAndStream(ctx context.Context, reply string) {
	s.setPhase(PhaseSynthesizing)

	s.mu.Lock()
	cond := synth.Conditioning{
		Language:     s.settings.language,
		Voice:        s.settings.voice,
		Emotion:      append([]float64{}, s.settings.emotion...),
		SpeakingRate: s.settings.speakingRate,
		PitchStd:     s.settings.pitchStd,
		CFGScale:     s.settings.cfgScale,
	}
	s.mu.Unlock()

	model := s.deps.Synth.Model()
	key := cache.KeyFor(reply, model, cache.Settings{
		Language:     cond.Language,
		Emotion:      cond.Emotion,
		SpeakingRate: cond.SpeakingRate,
		PitchStd:     cond.PitchStd,
	})

	start := time.Now()
	var buf audio.Buffer
	var rtf float64
	hit := false
	if s.deps.Cache != nil {
		buf, hit = s.deps.Cache.Lookup(key)
	}
	if !hit {
		chunks := s.deps.Chunker.Split(reply)
		if len(chunks) == 0 {
			s.logger.Warn("nothing to synthesize", slog.String("reply", reply))
			return
		}

		s.sendJSON(protocol.TTSStarted{
			Event:      protocol.EventTTSStarted,
			SampleRate: s.cfg.TTS.SampleRate,
			Text:       reply,
			Model:      model,
		})
		s.sendJSON(protocol.TTSProgress{
			Event:    protocol.EventTTSProgress,
			Progress: 10,
			Message:  "synthesizing",
		})

		var err error
		buf, err = s.deps.Scheduler.Synthesize(ctx, chunks, cond)
		elapsed := time.Since(start)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("synthesis failed", slog.String("error", err.Error()))
			s.sendJSON(protocol.ErrorEvent{Event: protocol.EventError, Error: "TTS generation failed"})
			return
		}
		if d := buf.Duration(); d > 0 {
			rtf = elapsed.Seconds() / d.Seconds()
		}
		s.sendJSON(protocol.TTSProgress{
			Event:    protocol.EventTTSProgress,
			Progress: 90,
			Message:  "synthesis complete",
		})
		if s.deps.Cache != nil {
			s.deps.Cache.Store(key, buf, reply)
		}
	} else {
		s.sendJSON(protocol.CacheHit{Event: protocol.EventCacheHit})
	}

	s.streamPhase(ctx, buf, rtf, hit)

	s.mu.Lock()
	s.stats.AvgTTSSec = runningAvg(s.stats.AvgTTSSec, s.stats.TotalRequests, time.Since(start))
	s.stats.TotalRequests++
	s.mu.Unlock()
}

func (s *Session) streamPhase(ctx context.Context, buf audio.Buffer, rtf float64, hit bool) {
	s.setPhase(PhaseStreaming)

	streamCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.streamCancel = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		s.streamCancel = nil
		s.mu.Unlock()
	}()

	if _, err := s.deps.Transport.Stream(streamCtx, s.conn, buf, rtf, hit); err != nil {
		if streamCtx.Err() != nil {
			s.logger.Info("stream cancelled")
			return
		}
		s.logger.Warn("stream aborted", slog.String("error", err.Error()))
	}
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// sendJSON writes an event, absorbing connection failures. A dead
// connection surfaces through the gateway's read loop instead.
func (s *Session) sendJSON(v any) {
	if err := s.conn.SendJSON(v); err != nil {
		s.logger.Debug("event send failed", slog.String("error", err.Error()))
	}
}

// notify hands a message to the best-effort sink without blocking the
// turn pipeline.
func (s *Session) notify(role, text string, metadata map[string]any) {
	if s.deps.Sink == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.deps.Sink.Notify(ctx, s.clientID, role, text, metadata)
	}()
}

// closeSession cancels in-flight work and waits for it to drain.
func (s *Session) closeSession() {
	s.cancel()
	s.wg.Wait()
	if s.deps.Chat != nil {
		s.deps.Chat.ClearHistory(s.clientID)
	}
}
