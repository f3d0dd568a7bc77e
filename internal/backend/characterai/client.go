// Package characterai is a minimal client for a backend that keeps the chat
// history on its side: a chat is created once and then referenced by id.
package characterai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

var ErrNoToken = errors.New("characterai: no auth token available")

type Config struct {
	BaseURL     string
	PlusBaseURL string
	Timeout     time.Duration
}

type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PlusBaseURL == "" {
		cfg.PlusBaseURL = cfg.BaseURL
	}

	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("component", "characterai")),
	}
}

type createChatRequest struct {
	CharacterExternalID string `json:"character_external_id"`
}

type createChatResponse struct {
	ExternalID string `json:"external_id"`
}

type sendRequest struct {
	CharacterExternalID string `json:"character_external_id"`
	HistoryExternalID   string `json:"history_external_id"`
	Text                string `json:"text"`
}

type sendResponse struct {
	Replies []struct {
		Text string `json:"text"`
	} `json:"replies"`
}

// CreateChat starts a new server-side conversation with the persona and
// returns its history id.
func (c *Client) CreateChat(ctx context.Context, personaID, token string, plus bool) (string, error) {
	var resp createChatResponse
	if err := c.post(ctx, "/chat/history/create/", token, plus, createChatRequest{CharacterExternalID: personaID}, &resp); err != nil {
		return "", fmt.Errorf("failed to create chat: %w", err)
	}
	if resp.ExternalID == "" {
		return "", errors.New("failed to create chat: empty history id")
	}

	c.logger.Info("Created chat",
		zap.String("persona_id", personaID),
		zap.String("history_id", resp.ExternalID))
	return resp.ExternalID, nil
}

// Send delivers text to an existing chat and returns the persona's reply.
func (c *Client) Send(ctx context.Context, personaID, historyID, text, token string, plus bool) (string, error) {
	var resp sendResponse
	req := sendRequest{CharacterExternalID: personaID, HistoryExternalID: historyID, Text: text}
	if err := c.post(ctx, "/chat/streaming/", token, plus, req, &resp); err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	if len(resp.Replies) == 0 {
		return "", errors.New("failed to send message: no replies")
	}

	return strings.TrimSpace(resp.Replies[0].Text), nil
}

func (c *Client) baseURL(plus bool) string {
	if plus {
		return c.cfg.PlusBaseURL
	}
	return c.cfg.BaseURL
}

func (c *Client) post(ctx context.Context, path, token string, plus bool, body, out any) error {
	if token == "" {
		return ErrNoToken
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	endpoint, err := url.JoinPath(c.baseURL(plus), path)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Token "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
