package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/persona-gateway/internal/window"
	"go.uber.org/zap"
)

func TestClient_Complete(t *testing.T) {
	var body map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":" Hello! "},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	c := NewClient(zap.NewNop())
	reply, err := c.Complete(context.Background(), window.Request{
		Endpoint:         srv.URL + "/v1/chat/completions",
		Token:            "tok",
		Model:            "gpt-test",
		Temperature:      1.05,
		FrequencyPenalty: 0.9,
		PresencePenalty:  0.9,
		MaxTokens:        200,
		Messages: []window.Message{
			{Role: "system", Content: "sys"},
			{Role: "user", Content: "hi"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello!", reply)
	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, "gpt-test", body["model"])
	assert.EqualValues(t, 200, body["max_tokens"])
	assert.Len(t, body["messages"], 2)
	assert.NotContains(t, body, "Endpoint")
	assert.NotContains(t, body, "Token")
}

func TestWireRequest(t *testing.T) {
	req := wireRequest(window.Request{
		Endpoint:         "https://example.com",
		Token:            "secret",
		Model:            "m",
		Temperature:      0.7,
		FrequencyPenalty: 0.1,
		PresencePenalty:  0.2,
		MaxTokens:        50,
		Messages:         []window.Message{{Role: "system", Content: "sys"}},
	})

	assert.Equal(t, "m", req.Model)
	assert.Equal(t, float32(0.7), req.Temperature)
	assert.Equal(t, float32(0.1), req.FrequencyPenalty)
	assert.Equal(t, float32(0.2), req.PresencePenalty)
	assert.Equal(t, 50, req.MaxTokens)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "sys", req.Messages[0].Content)

	raw, err := json.Marshal(req)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret")
	assert.NotContains(t, string(raw), "example.com")
}

func TestClient_CompleteEmptyReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[]}`))
	}))
	defer srv.Close()

	_, err := NewClient(zap.NewNop()).Complete(context.Background(), window.Request{Endpoint: srv.URL, Token: "tok"})
	assert.ErrorIs(t, err, ErrEmptyReply)
}

func TestClient_CompleteHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	_, err := NewClient(zap.NewNop()).Complete(context.Background(), window.Request{Endpoint: srv.URL, Token: "tok"})
	assert.ErrorContains(t, err, "bad key")
}

func TestClient_CachesPerEndpointAndToken(t *testing.T) {
	c := NewClient(zap.NewNop())

	a := c.client("https://a.example/v1", "t1")
	assert.Same(t, a, c.client("https://a.example/v1", "t1"))
	assert.NotSame(t, a, c.client("https://a.example/v1", "t2"))
}

func TestBaseURL(t *testing.T) {
	assert.Equal(t, "https://api.openai.com/v1", BaseURL("https://api.openai.com/v1/chat/completions"))
	assert.Equal(t, "https://api.openai.com/v1", BaseURL("https://api.openai.com/v1/"))
}
