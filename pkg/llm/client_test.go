package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ruleout-go/internal/config"
)

func TestComplete(t *testing.T) {
	received := make(chan chatRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		received <- req
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"Meloxicam dosing for dogs"}}]}`)
	}))
	defer srv.Close()

	c := NewClient(config.LLMConfig{
		APIKey:     "sk-test",
		BaseURL:    srv.URL + "/v1/",
		Model:      "gpt-4o-mini",
		Generation: config.LLMGenerationConfig{Temperature: 0.7, MaxTokens: 100},
	})
	out, err := c.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Meloxicam dosing for dogs", out)

	req := <-received
	assert.Equal(t, "gpt-4o-mini", req.Model)
	assert.False(t, req.Stream)
	require.NotNil(t, req.MaxTokens)
	assert.Equal(t, 100, *req.MaxTokens)
}

func TestComplete_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewClient(config.LLMConfig{APIKey: "k", BaseURL: srv.URL}).Complete(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")

	_, err = NewClient(config.LLMConfig{BaseURL: srv.URL}).Complete(context.Background(), nil, nil)
	assert.Error(t, err)
}
