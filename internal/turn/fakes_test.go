package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"ruleout-go/internal/model"
	"ruleout-go/pkg/inference"
	"ruleout-go/pkg/tasks"
)

// scriptedClient 依次为每次请求返回预先写好的 SSE 文本。
type scriptedClient struct {
	mu       sync.Mutex
	streams  []string
	err      error
	requests []inference.QueryRequest
}

func (c *scriptedClient) OpenStream(ctx context.Context, req inference.QueryRequest) (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.err != nil {
		return nil, c.err
	}
	if len(c.streams) == 0 {
		return nil, errors.New("no scripted stream left")
	}
	s := c.streams[0]
	c.streams = c.streams[1:]
	return io.NopCloser(strings.NewReader(s)), nil
}

func (c *scriptedClient) lastRequest() inference.QueryRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[len(c.requests)-1]
}

// pipeClient 返回一个由测试逐行写入的流，ctx 取消时关闭读端。
type pipeClient struct {
	opened chan struct{}
	writer *io.PipeWriter
}

func newPipeClient() *pipeClient {
	return &pipeClient{opened: make(chan struct{})}
}

func (c *pipeClient) OpenStream(ctx context.Context, req inference.QueryRequest) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	c.writer = pw
	go func() {
		<-ctx.Done()
		pr.CloseWithError(ctx.Err())
	}()
	close(c.opened)
	return pr, nil
}

func (c *pipeClient) send(line string) error {
	_, err := io.WriteString(c.writer, line+"\n")
	return err
}

type memStore struct {
	mu        sync.Mutex
	convs     map[string]*model.Conversation
	seq       int
	creates   int
	appends   int
	gets      int
	failAfter int // Append 调用次数超过该值后一直失败，0 表示不失败
}

func newMemStore() *memStore {
	return &memStore{convs: make(map[string]*model.Conversation)}
}

func (s *memStore) Create(ctx context.Context, ownerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates++
	s.seq++
	id := fmt.Sprintf("conv-%d", s.seq)
	s.convs[id] = &model.Conversation{ID: id, OwnerID: ownerID, Title: model.DefaultTitle}
	return id, nil
}

func (s *memStore) Append(ctx context.Context, id string, msg model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends++
	if s.failAfter > 0 && s.appends > s.failAfter {
		return errors.New("store unavailable")
	}
	conv, ok := s.convs[id]
	if !ok {
		return errors.New("not found")
	}
	conv.Messages = append(conv.Messages, msg.Clone())
	return nil
}

func (s *memStore) Get(ctx context.Context, id string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	conv, ok := s.convs[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *conv
	cp.Messages = append([]model.Message(nil), conv.Messages...)
	return &cp, nil
}

func (s *memStore) put(conv *model.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[conv.ID] = conv
}

func (s *memStore) conv(id string) *model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convs[id]
}

type fakeQuota struct {
	mu        sync.Mutex
	remaining int
	used      int
}

func (q *fakeQuota) Remaining(ctx context.Context, guestID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.remaining, nil
}

func (q *fakeQuota) Increment(ctx context.Context, guestID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.used++
	q.remaining--
	return q.used, nil
}

type fakeTitles struct {
	mu    sync.Mutex
	tasks []tasks.TitleTask
}

func (f *fakeTitles) RequestTitle(ctx context.Context, task tasks.TitleTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	return nil
}

// recorder 收集 Listener 收到的所有快照。
type recorder struct {
	mu    sync.Mutex
	views []View
	hook  func(View)
}

func (r *recorder) listen(v View) {
	r.mu.Lock()
	r.views = append(r.views, v)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(v)
	}
}

func (r *recorder) all() []View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]View(nil), r.views...)
}

func sseLines(lines ...string) string {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString("data: ")
		b.WriteString(l)
		b.WriteString("\n\n")
	}
	return b.String()
}

func lastAssistant(v View) *MessageView {
	for i := len(v.Messages) - 1; i >= 0; i-- {
		if v.Messages[i].Role == model.RoleAssistant {
			return &v.Messages[i]
		}
	}
	return nil
}
