package chat

import (
	"context"
	"fmt"
)

type mockCompleter struct{}

// NewMockCompleter returns a backend that echoes the last user message.
func NewMockCompleter() Completer {
	return &mockCompleter{}
}

func (m *mockCompleter) Complete(_ context.Context, messages []Message) (string, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return fmt.Sprintf("You said: %s", messages[i].Content), nil
		}
	}
	return "", fmt.Errorf("no user message in conversation")
}
