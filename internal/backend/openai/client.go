// Package openai sends windowed conversations to OpenAI-compatible
// chat-completion endpoints.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sashabaranov/go-openai"
	"github.com/xaenox/persona-gateway/internal/window"
	"go.uber.org/zap"
)

var ErrEmptyReply = errors.New("openai: empty reply")

// Client keeps one API client per endpoint and token pair.
type Client struct {
	clients sync.Map // clientKey -> *openai.Client
	logger  *zap.Logger
}

type clientKey struct {
	endpoint string
	token    string
}

func NewClient(logger *zap.Logger) *Client {
	return &Client{logger: logger.With(zap.String("component", "openai"))}
}

// Complete sends req and returns the assistant reply.
func (c *Client) Complete(ctx context.Context, req window.Request) (string, error) {
	client := c.client(req.Endpoint, req.Token)

	resp, err := client.CreateChatCompletion(ctx, wireRequest(req))
	if err != nil {
		c.logger.Error("Failed to get chat completion",
			zap.Error(err),
			zap.String("model", req.Model))
		return "", fmt.Errorf("failed to get chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", ErrEmptyReply
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		return "", ErrEmptyReply
	}

	c.logger.Debug("Got chat completion",
		zap.String("model", req.Model),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens))
	return reply, nil
}

// wireRequest maps the windowed request onto the chat-completion body.
// Endpoint and token are used for routing only and never enter the body.
func wireRequest(req window.Request) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	return openai.ChatCompletionRequest{
		Model:            req.Model,
		Messages:         messages,
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
	}
}

func (c *Client) client(endpoint, token string) *openai.Client {
	key := clientKey{endpoint: endpoint, token: token}
	if v, ok := c.clients.Load(key); ok {
		return v.(*openai.Client)
	}

	cfg := openai.DefaultConfig(token)
	if endpoint != "" {
		cfg.BaseURL = BaseURL(endpoint)
	}
	v, _ := c.clients.LoadOrStore(key, openai.NewClientWithConfig(cfg))
	return v.(*openai.Client)
}

// BaseURL accepts both a base URL and a full chat-completions URL.
func BaseURL(endpoint string) string {
	endpoint = strings.TrimRight(endpoint, "/")
	return strings.TrimSuffix(endpoint, "/chat/completions")
}
