package inference

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ruleout-go/internal/config"
)

func newTestClient(url string, idle time.Duration) Client {
	return NewClient(config.InferenceConfig{BaseURL: url, StreamPath: "/query-stream", IdleTimeout: idle})
}

func TestOpenStream_SendsRequestBody(t *testing.T) {
	received := make(chan map[string]json.RawMessage, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/query-stream", r.URL.Path)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		var body map[string]json.RawMessage
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		received <- body
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"status\":\"done\"}\n")
	}))
	defer srv.Close()

	body, err := newTestClient(srv.URL, time.Second).OpenStream(context.Background(), QueryRequest{
		Question: "What is the dosage of meloxicam for a 15kg dog?",
		Language: "English",
	})
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "data: {\"status\":\"done\"}\n", string(data))

	got := <-received
	assert.JSONEq(t, `"What is the dosage of meloxicam for a 15kg dog?"`, string(got["question"]))
	assert.JSONEq(t, `[]`, string(got["conversation_history"]))
	assert.JSONEq(t, `[]`, string(got["previous_context_chunks"]))
	assert.JSONEq(t, `"English"`, string(got["language"]))
}

func TestOpenStream_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, time.Second).OpenStream(context.Background(), QueryRequest{Question: "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestOpenStream_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newTestClient(url, time.Second).OpenStream(context.Background(), QueryRequest{Question: "q"})
	require.Error(t, err)
}

func TestOpenStream_IdleTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"status\":\"searching\"}\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	body, err := newTestClient(srv.URL, 100*time.Millisecond).OpenStream(context.Background(), QueryRequest{Question: "q"})
	require.NoError(t, err)
	defer body.Close()

	_, err = io.ReadAll(body)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStreamIdle))
}

func TestOpenStream_CallerCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	body, err := newTestClient(srv.URL, time.Minute).OpenStream(ctx, QueryRequest{Question: "q"})
	require.NoError(t, err)
	defer body.Close()

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err = io.ReadAll(body)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrStreamIdle))
}
