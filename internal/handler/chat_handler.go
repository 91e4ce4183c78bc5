// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"ruleout-go/internal/config"
	"ruleout-go/internal/metrics"
	"ruleout-go/internal/middleware"
	"ruleout-go/internal/turn"
	"ruleout-go/pkg/inference"
	"ruleout-go/pkg/log"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // 允许所有来源
		},
	}
)

// 客户端帧类型
const (
	frameAsk      = "ask"
	frameFollowup = "followup"
	frameStop     = "stop"
	frameRewrite  = "rewrite"
	frameLoad     = "load"
	frameNew      = "new"
)

// 服务端帧类型
const (
	frameTranscript    = "transcript"
	frameCompletion    = "completion"
	frameQuotaExceeded = "quota_exceeded"
	frameError         = "error"
)

type clientFrame struct {
	Type           string `json:"type"`
	Question       string `json:"question"`
	Language       string `json:"language"`
	TurnIndex      int    `json:"turnIndex"`
	ConversationID string `json:"conversationId"`
}

type serverFrame struct {
	Type    string      `json:"type"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type completionData struct {
	Status         string `json:"status"`
	ConversationID string `json:"conversationId,omitempty"`
	Persisted      bool   `json:"persisted"`
	PersistFailed  bool   `json:"persistFailed,omitempty"`
}

// ChatHandler 负责处理 WebSocket 聊天连接，每个连接拥有一个独立的 turn.Controller。
type ChatHandler struct {
	client inference.Client
	store  turn.Store
	quota  turn.QuotaGuard
	titles turn.TitleRequester
	chat   config.ChatConfig
}

// NewChatHandler 创建一个新的 ChatHandler。store、quota、titles 可以为 nil。
func NewChatHandler(client inference.Client, store turn.Store, quota turn.QuotaGuard, titles turn.TitleRequester, chat config.ChatConfig) *ChatHandler {
	return &ChatHandler{client: client, store: store, quota: quota, titles: titles, chat: chat}
}

// session 是一个连接的状态。所有写操作都在 writeLoop 中完成。
type session struct {
	conn *websocket.Conn
	ctrl *turn.Controller

	mu      sync.Mutex
	pending *turn.View
	notify  chan struct{}
	out     chan serverFrame
	done    chan struct{}
}

// Handle 处理一个传入的 WebSocket 连接。
func (h *ChatHandler) Handle(c *gin.Context) {
	identity := turn.Identity{UserID: middleware.UserID(c), GuestID: middleware.GuestIDFrom(c)}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	s := &session{
		conn:   conn,
		notify: make(chan struct{}, 1),
		out:    make(chan serverFrame, 16),
		done:   make(chan struct{}),
	}
	s.ctrl = turn.NewController(turn.Options{
		Owner:    identity,
		Client:   h.client,
		Store:    h.store,
		Quota:    h.quota,
		Titles:   h.titles,
		Chat:     h.chat,
		Listener: s.onView,
	})
	log.Infow("WebSocket 连接已建立", "user_id", identity.UserID, "guest", identity.Guest())

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()

	s.readLoop(ctx, &wg)

	// 连接断开：取消进行中的 turn，等待其结束后再关闭写循环
	cancel()
	wg.Wait()
	close(s.done)
	<-writerDone
	log.Infow("WebSocket 连接已关闭", "user_id", identity.UserID)
}

func (s *session) readLoop(ctx context.Context, wg *sync.WaitGroup) {
	for {
		var f clientFrame
		if err := s.conn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warnf("从 WebSocket 读取消息失败: %v", err)
			}
			return
		}

		switch f.Type {
		case frameAsk, frameFollowup:
			opts := turn.SubmitOptions{Language: f.Language}
			question := f.Question
			s.async(wg, func() {
				res, err := s.ctrl.Submit(ctx, question, opts)
				s.reportTurn(res, err)
			})
		case frameRewrite:
			index, lang := f.TurnIndex, f.Language
			s.async(wg, func() {
				res, err := s.ctrl.Rewrite(ctx, index, lang)
				s.reportTurn(res, err)
			})
		case frameStop:
			s.ctrl.Cancel()
		case frameLoad:
			id := f.ConversationID
			s.async(wg, func() {
				if err := s.ctrl.Load(ctx, id); err != nil {
					s.send(serverFrame{Type: frameError, Message: err.Error()})
				}
			})
		case frameNew:
			if err := s.ctrl.NewConversation(); err != nil {
				s.send(serverFrame{Type: frameError, Message: err.Error()})
			}
		default:
			s.send(serverFrame{Type: frameError, Message: "unknown frame type: " + f.Type})
		}
	}
}

func (s *session) async(wg *sync.WaitGroup, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn()
	}()
}

func (s *session) reportTurn(res turn.TurnResult, err error) {
	if errors.Is(err, turn.ErrQuotaExceeded) {
		s.send(serverFrame{Type: frameQuotaExceeded, Message: err.Error()})
		return
	}
	if err != nil {
		s.send(serverFrame{Type: frameError, Message: err.Error()})
		return
	}
	s.send(serverFrame{Type: frameCompletion, Data: completionData{
		Status:         string(res.Status),
		ConversationID: res.ConversationID,
		Persisted:      res.Persisted,
		PersistFailed:  res.PersistErr != nil,
	}})
}

// onView 在 Controller 持锁时调用，只记录最新快照并唤醒写循环。
func (s *session) onView(v turn.View) {
	s.mu.Lock()
	s.pending = &v
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *session) send(f serverFrame) {
	select {
	case s.out <- f:
	case <-s.done:
	}
}

// writeLoop 串行写出所有帧。连续的快照只发送最新一份；其它帧发送前先写出待发快照，保证顺序。
func (s *session) writeLoop() {
	for {
		select {
		case <-s.notify:
			s.flushTranscript()
		case f := <-s.out:
			s.flushTranscript()
			s.write(f)
		case <-s.done:
			s.flushTranscript()
			for {
				select {
				case f := <-s.out:
					s.write(f)
				default:
					return
				}
			}
		}
	}
}

func (s *session) flushTranscript() {
	s.mu.Lock()
	v := s.pending
	s.pending = nil
	s.mu.Unlock()
	if v != nil {
		s.write(serverFrame{Type: frameTranscript, Data: v})
	}
}

func (s *session) write(f serverFrame) {
	if err := s.conn.WriteJSON(f); err != nil {
		log.Warnf("写入 WebSocket 失败: %v", err)
	}
}
