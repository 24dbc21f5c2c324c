package chat

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/sonoralabs/sonora-core/internal/config"
)

type openaiCompleter struct {
	client  *openai.Client
	model   string
	maxTok  int
	temp    float32
	timeout time.Duration
}

// NewOpenAICompleter returns a backend for any OpenAI-compatible chat
// API. cfg.Endpoint overrides the base URL for compatible providers.
func NewOpenAICompleter(cfg config.ChatConfig) (Completer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("chat api key required for openai mode")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		clientCfg.BaseURL = cfg.Endpoint
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &openaiCompleter{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   cfg.Model,
		maxTok:  cfg.MaxTokens,
		temp:    float32(cfg.Temperature),
		timeout: timeout,
	}, nil
}

func (o *openaiCompleter) Complete(ctx context.Context, messages []Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:       o.model,
		MaxTokens:   o.maxTok,
		Temperature: o.temp,
	}
	for _, msg := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat response has no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
