// Package chat produces assistant replies and owns per-session
// conversation history with a bounded window.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sonoralabs/sonora-core/internal/config"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// trimThreshold is the history length that triggers a trim back down to
// the configured window.
const trimThreshold = 20

// Message is one turn of a conversation.
type Message struct {
	Role    string
	Content string
}

// Completer is the model backend: full message list in, reply out.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// Service tracks history per session and delegates to a Completer.
type Service struct {
	cfg     config.ChatConfig
	backend Completer
	logger  *slog.Logger

	mu      sync.Mutex
	history map[string][]Message
}

func NewService(cfg config.ChatConfig, backend Completer, log *slog.Logger) *Service {
	return &Service{
		cfg:     cfg,
		backend: backend,
		logger:  log.With(slog.String("component", "chat")),
		history: make(map[string][]Message),
	}
}

// New builds a Service with the backend selected by cfg.Mode.
func New(cfg config.ChatConfig, log *slog.Logger) (*Service, error) {
	var backend Completer
	switch cfg.Mode {
	case "mock":
		backend = NewMockCompleter()
	case "openai":
		b, err := NewOpenAICompleter(cfg)
		if err != nil {
			return nil, err
		}
		backend = b
	default:
		return nil, fmt.Errorf("unknown chat mode %q", cfg.Mode)
	}
	return NewService(cfg, backend, log), nil
}

// Respond appends the user's message to the session history, asks the
// backend for a reply, and records the reply. The system prompt is
// seeded once, on the session's first turn.
func (s *Service) Respond(ctx context.Context, sessionID, userText, systemPrompt string) (string, error) {
	s.mu.Lock()
	if len(s.history[sessionID]) == 0 && systemPrompt != "" {
		s.history[sessionID] = append(s.history[sessionID], Message{Role: RoleSystem, Content: systemPrompt})
	}
	s.history[sessionID] = append(s.history[sessionID], Message{Role: RoleUser, Content: userText})
	s.trimLocked(sessionID)
	messages := append([]Message{}, s.history[sessionID]...)
	s.mu.Unlock()

	reply, err := s.backend.Complete(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}

	s.mu.Lock()
	s.history[sessionID] = append(s.history[sessionID], Message{Role: RoleAssistant, Content: reply})
	s.trimLocked(sessionID)
	s.mu.Unlock()
	return reply, nil
}

// History returns a copy of the session's message list.
func (s *Service) History(sessionID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message{}, s.history[sessionID]...)
}

// ClearHistory drops a session's conversation state.
func (s *Service) ClearHistory(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.history, sessionID)
}

// trimLocked bounds history to the configured window of non-system
// messages, always retaining system messages. Caller holds s.mu.
func (s *Service) trimLocked(sessionID string) {
	history := s.history[sessionID]
	if len(history) <= trimThreshold {
		return
	}
	window := s.cfg.HistoryWindow
	if window <= 0 {
		window = 16
	}

	var system, rest []Message
	for _, msg := range history {
		if msg.Role == RoleSystem {
			system = append(system, msg)
		} else {
			rest = append(rest, msg)
		}
	}
	if len(rest) > window {
		rest = rest[len(rest)-window:]
	}
	s.history[sessionID] = append(system, rest...)
}
