// Package inference 提供调用推理后端流式问答接口的客户端。
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"ruleout-go/internal/config"
)

// ErrStreamIdle 表示推理流在空闲超时时间内没有收到任何数据。
var ErrStreamIdle = errors.New("inference stream idle timeout")

// HistoryMessage 是发送给后端的历史消息。
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// QueryRequest 是流式问答接口的请求体。
type QueryRequest struct {
	Question              string            `json:"question"`
	ConversationHistory   []HistoryMessage  `json:"conversation_history"`
	PreviousContextChunks []json.RawMessage `json:"previous_context_chunks"`
	Language              string            `json:"language"`
}

// Client defines the interface for the inference backend.
type Client interface {
	// OpenStream 发起请求并返回 text/event-stream 响应体，调用方负责关闭。
	// ctx 被取消时底层连接随之中止。
	OpenStream(ctx context.Context, req QueryRequest) (io.ReadCloser, error)
}

type httpClient struct {
	cfg    config.InferenceConfig
	client *http.Client
}

// NewClient creates a new inference client.
func NewClient(cfg config.InferenceConfig) Client {
	return &httpClient{
		cfg:    cfg,
		client: &http.Client{},
	}
}

func (c *httpClient) OpenStream(ctx context.Context, q QueryRequest) (io.ReadCloser, error) {
	// 后端要求两个数组字段始终存在
	if q.ConversationHistory == nil {
		q.ConversationHistory = []HistoryMessage{}
	}
	if q.PreviousContextChunks == nil {
		q.PreviousContextChunks = []json.RawMessage{}
	}

	reqBytes, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query request: %w", err)
	}

	streamCtx, cancel := context.WithCancelCause(ctx)
	watchdog := newIdleWatchdog(c.cfg.IdleTimeout, cancel)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, c.cfg.BaseURL+c.cfg.StreamPath, bytes.NewReader(reqBytes))
	if err != nil {
		watchdog.stop()
		cancel(nil)
		return nil, fmt.Errorf("failed to create query request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		watchdog.stop()
		cancel(nil)
		if cause := context.Cause(streamCtx); errors.Is(cause, ErrStreamIdle) {
			return nil, fmt.Errorf("failed to call inference api: %w", ErrStreamIdle)
		}
		return nil, fmt.Errorf("failed to call inference api: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		watchdog.stop()
		cancel(nil)
		return nil, fmt.Errorf("inference api returned non-2xx status: %s, body: %s", resp.Status, string(bodyBytes))
	}

	watchdog.reset()
	return &idleReader{body: resp.Body, ctx: streamCtx, cancel: cancel, watchdog: watchdog}, nil
}

// idleWatchdog 在 timeout 内没有被 reset 时以 ErrStreamIdle 取消请求。timeout <= 0 表示不启用。
type idleWatchdog struct {
	mu      sync.Mutex
	timer   *time.Timer
	timeout time.Duration
}

func newIdleWatchdog(timeout time.Duration, cancel context.CancelCauseFunc) *idleWatchdog {
	w := &idleWatchdog{timeout: timeout}
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, func() { cancel(ErrStreamIdle) })
	}
	return w
}

func (w *idleWatchdog) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Reset(w.timeout)
	}
}

func (w *idleWatchdog) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

type idleReader struct {
	body     io.ReadCloser
	ctx      context.Context
	cancel   context.CancelCauseFunc
	watchdog *idleWatchdog
	once     sync.Once
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.body.Read(p)
	if n > 0 {
		r.watchdog.reset()
	}
	if err != nil && !errors.Is(err, io.EOF) {
		if cause := context.Cause(r.ctx); errors.Is(cause, ErrStreamIdle) {
			return n, ErrStreamIdle
		}
	}
	return n, err
}

func (r *idleReader) Close() error {
	var err error
	r.once.Do(func() {
		r.watchdog.stop()
		r.cancel(nil)
		err = r.body.Close()
	})
	return err
}
