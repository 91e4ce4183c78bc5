package handler

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ruleout-go/internal/config"
	"ruleout-go/internal/middleware"
	"ruleout-go/internal/turn"
	"ruleout-go/pkg/inference"
	"ruleout-go/pkg/token"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const happyStream = "data: {\"status\":\"searching\"}\n\n" +
	"data: {\"status\":\"streaming\",\"chunk\":\"Use meloxicam \"}\n\n" +
	"data: {\"status\":\"streaming\",\"chunk\":\"{{citation:0}}.\"}\n\n" +
	"data: {\"status\":\"references_ready\",\"answer\":\"Use meloxicam {{citation:0}}.\",\"references\":[{\"title\":\"NSAIDs\",\"source\":\"JVIM\"}]}\n\n" +
	"data: {\"status\":\"done\",\"context_chunks\":[]}\n\n"

type fixedClient struct {
	body string
}

func (c fixedClient) OpenStream(ctx context.Context, req inference.QueryRequest) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(c.body)), nil
}

type exhaustedQuota struct{}

func (exhaustedQuota) Remaining(ctx context.Context, guestID string) (int, error) { return 0, nil }
func (exhaustedQuota) Increment(ctx context.Context, guestID string) (int, error) { return 5, nil }

type chatFixture struct {
	url string
	jwt *token.JWTManager
}

func newChatFixture(t *testing.T, client inference.Client, quota turn.QuotaGuard) chatFixture {
	t.Helper()
	jwt := token.NewJWTManager("secret", 1)
	h := NewChatHandler(client, nil, quota, nil, config.ChatConfig{PersistAttempts: 1})

	r := gin.New()
	r.GET("/ws", middleware.OptionalAuth(jwt), h.Handle)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return chatFixture{url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", jwt: jwt}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type rawFrame struct {
	Type    string                 `json:"type"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data"`
}

// readUntil 读取帧直到遇到指定类型，返回途中收到的全部帧。
func readUntil(t *testing.T, conn *websocket.Conn, frameType string) []rawFrame {
	t.Helper()
	var frames []rawFrame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var f rawFrame
		require.NoError(t, conn.ReadJSON(&f))
		frames = append(frames, f)
		if f.Type == frameType {
			return frames
		}
	}
}

func TestChatHandler_AskCompletes(t *testing.T) {
	fx := newChatFixture(t, fixedClient{body: happyStream}, nil)
	conn := dial(t, fx.url)

	require.NoError(t, conn.WriteJSON(clientFrame{Type: frameAsk, Question: "Meloxicam dose?", Language: "English"}))
	frames := readUntil(t, conn, frameCompletion)

	completion := frames[len(frames)-1]
	assert.Equal(t, "complete", completion.Data["status"])
	assert.Equal(t, false, completion.Data["persisted"], "访客不持久化")

	require.GreaterOrEqual(t, len(frames), 2)
	transcript := frames[len(frames)-2]
	require.Equal(t, frameTranscript, transcript.Type, "completion 之前先发送最终快照")
	messages := transcript.Data["messages"].([]interface{})
	require.Len(t, messages, 2)
	answer := messages[1].(map[string]interface{})
	assert.Equal(t, "Use meloxicam {{citation:0}}.", answer["content"])
	assert.NotEmpty(t, answer["segments"])
	assert.Equal(t, false, transcript.Data["streaming"])
}

func TestChatHandler_QuotaExceeded(t *testing.T) {
	fx := newChatFixture(t, fixedClient{body: happyStream}, exhaustedQuota{})
	conn := dial(t, fx.url)

	require.NoError(t, conn.WriteJSON(clientFrame{Type: frameAsk, Question: "q"}))
	frames := readUntil(t, conn, frameQuotaExceeded)
	for _, f := range frames {
		assert.NotEqual(t, frameCompletion, f.Type)
	}
}

func TestChatHandler_AuthenticatedUserSkipsQuota(t *testing.T) {
	fx := newChatFixture(t, fixedClient{body: happyStream}, exhaustedQuota{})
	tok, err := fx.jwt.GenerateToken("u1", "vet")
	require.NoError(t, err)
	conn := dial(t, fx.url+"?token="+tok)

	require.NoError(t, conn.WriteJSON(clientFrame{Type: frameAsk, Question: "q"}))
	frames := readUntil(t, conn, frameCompletion)
	assert.Equal(t, "complete", frames[len(frames)-1].Data["status"])
}

func TestChatHandler_GuestLoadAndUnknownFrame(t *testing.T) {
	fx := newChatFixture(t, fixedClient{body: happyStream}, nil)
	conn := dial(t, fx.url)

	require.NoError(t, conn.WriteJSON(clientFrame{Type: "dance"}))
	frames := readUntil(t, conn, frameError)
	assert.Contains(t, frames[len(frames)-1].Message, "unknown frame type")

	require.NoError(t, conn.WriteJSON(clientFrame{Type: frameLoad, ConversationID: "c1"}))
	frames = readUntil(t, conn, frameError)
	assert.Equal(t, turn.ErrAuthRequired.Error(), frames[len(frames)-1].Message)
}

// blockingClient 在 ctx 取消前不返回任何数据。
type blockingClient struct {
	once   sync.Once
	opened chan struct{}
}

func (c *blockingClient) OpenStream(ctx context.Context, req inference.QueryRequest) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	go func() {
		_, _ = io.WriteString(pw, "data: {\"status\":\"streaming\",\"chunk\":\"partial\"}\n\n")
		c.once.Do(func() { close(c.opened) })
		<-ctx.Done()
		pw.CloseWithError(ctx.Err())
	}()
	return pr, nil
}

func TestChatHandler_Stop(t *testing.T) {
	client := &blockingClient{opened: make(chan struct{})}
	fx := newChatFixture(t, client, nil)
	conn := dial(t, fx.url)

	require.NoError(t, conn.WriteJSON(clientFrame{Type: frameAsk, Question: "q", Language: "English"}))
	select {
	case <-client.opened:
	case <-time.After(5 * time.Second):
		t.Fatal("stream was not opened")
	}
	require.NoError(t, conn.WriteJSON(clientFrame{Type: frameStop}))

	frames := readUntil(t, conn, frameCompletion)
	assert.Equal(t, "cancelled", frames[len(frames)-1].Data["status"])
}
