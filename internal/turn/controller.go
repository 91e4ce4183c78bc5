// Package turn 驱动一次问答：发起流式请求、按到达顺序应用事件、维护对话记录并在完成后持久化。
package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"ruleout-go/internal/citation"
	"ruleout-go/internal/config"
	"ruleout-go/internal/metrics"
	"ruleout-go/internal/model"
	"ruleout-go/internal/thinking"
	"ruleout-go/pkg/inference"
	"ruleout-go/pkg/log"
	"ruleout-go/pkg/sse"
	"ruleout-go/pkg/tasks"
)

var (
	ErrEmptyQuestion = errors.New("question is empty")
	ErrTurnActive    = errors.New("another turn is still active")
	ErrQuotaExceeded = errors.New("guest query quota exceeded")
	ErrInvalidTurn   = errors.New("turn index out of range")
	ErrAuthRequired  = errors.New("authentication required")
	ErrNotOwner      = errors.New("conversation belongs to another user")
)

// Store 是 Controller 使用的会话存储。
type Store interface {
	Create(ctx context.Context, ownerID string) (string, error)
	Append(ctx context.Context, conversationID string, msg model.Message) error
	Get(ctx context.Context, conversationID string) (*model.Conversation, error)
}

// QuotaGuard 是访客配额的检查与扣减。
type QuotaGuard interface {
	Remaining(ctx context.Context, guestID string) (int, error)
	Increment(ctx context.Context, guestID string) (int, error)
}

// TitleRequester 异步为新会话请求生成标题，不能阻塞调用方。
type TitleRequester interface {
	RequestTitle(ctx context.Context, task tasks.TitleTask) error
}

// Identity 标识提问者。UserID 为空表示访客。
type Identity struct {
	UserID  string
	GuestID string
}

// Guest 判断是否为访客。
func (i Identity) Guest() bool {
	return i.UserID == ""
}

// LoadState 是会话加载状态机的状态。
type LoadState string

const (
	LoadIdle    LoadState = "idle"
	LoadLoading LoadState = "loading"
	LoadLoaded  LoadState = "loaded"
)

// SubmitOptions 控制一次提交。
type SubmitOptions struct {
	Language string
	// SkipUserMessage 为 true 时不再追加用户消息（重新生成时问题已在记录中）
	SkipUserMessage bool
}

// TurnResult 是一次提交的最终结果。
type TurnResult struct {
	Status         model.TurnStatus
	ConversationID string
	// Persisted 表示本轮已写入存储；PersistErr 非空表示重试后仍失败
	Persisted  bool
	PersistErr error
}

// Options 是创建 Controller 所需的依赖。Store、Quota、Titles 可以为空。
type Options struct {
	Owner  Identity
	Client inference.Client
	Store  Store
	Quota  QuotaGuard
	Titles TitleRequester
	Chat   config.ChatConfig
	// Listener 在每次状态变化后以快照调用。调用时持有内部锁，Listener 不能回调 Controller。
	Listener func(View)
	Now      func() time.Time
}

type turnState struct {
	status         model.TurnStatus
	question       string
	language       string
	userIndex      int
	assistantIndex int
	tracker        *thinking.Tracker
	cancel         context.CancelFunc
	started        bool
	startedAt      time.Time
}

type loadFSM struct {
	state LoadState
	id    string
}

// Controller 管理一个连接上的对话记录，同一时间最多只有一个进行中的 turn。
type Controller struct {
	mu sync.Mutex

	owner    Identity
	client   inference.Client
	store    Store
	quota    QuotaGuard
	titles   TitleRequester
	chat     config.ChatConfig
	listener func(View)
	now      func() time.Time

	messages       []model.Message
	conversationID string
	contextChunks  []json.RawMessage
	active         *turnState
	lastStatus     model.TurnStatus
	notice         string
	load           loadFSM
}

// NewController 创建一个新的 Controller。
func NewController(opts Options) *Controller {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	chat := opts.Chat
	if chat.HistoryWindow <= 0 {
		chat.HistoryWindow = 6
	}
	if chat.PersistAttempts <= 0 {
		chat.PersistAttempts = 1
	}
	if chat.DefaultLanguage == "" {
		chat.DefaultLanguage = LangKorean
	}
	return &Controller{
		owner:    opts.Owner,
		client:   opts.Client,
		store:    opts.Store,
		quota:    opts.Quota,
		titles:   opts.Titles,
		chat:     chat,
		listener: opts.Listener,
		now:      now,
		load:     loadFSM{state: LoadIdle},
	}
}

// Submit 提交一个问题并阻塞到流结束和持久化完成。
// 只返回守卫错误：ErrEmptyQuestion、ErrTurnActive、ErrQuotaExceeded。其余失败都体现在 TurnResult.Status 中。
func (c *Controller) Submit(ctx context.Context, question string, opts SubmitOptions) (TurnResult, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return TurnResult{}, ErrEmptyQuestion
	}
	lang := opts.Language
	if lang == "" {
		lang = c.chat.DefaultLanguage
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		return TurnResult{}, ErrTurnActive
	}
	t := &turnState{
		status:         model.StatusPending,
		question:       question,
		language:       lang,
		userIndex:      -1,
		assistantIndex: -1,
		tracker:        thinking.NewTracker(),
		cancel:         cancel,
		startedAt:      c.now(),
	}
	c.active = t
	c.mu.Unlock()

	if err := c.consumeQuota(ctx); err != nil {
		c.mu.Lock()
		c.active = nil
		c.mu.Unlock()
		return TurnResult{}, err
	}

	c.mu.Lock()
	if t.status == model.StatusCancelled {
		// 在真正发起请求前被取消，对话记录保持不变
		c.active = nil
		c.lastStatus = t.status
		convID := c.conversationID
		c.notifyLocked()
		c.mu.Unlock()
		return TurnResult{Status: model.StatusCancelled, ConversationID: convID}, nil
	}
	t.started = true
	c.notice = ""
	if !opts.SkipUserMessage {
		// 新问题提交后旧的推荐问题全部失效，无论本轮结果如何
		c.clearFollowupsLocked(-1)
	}
	history := c.historyLocked(opts.SkipUserMessage)
	var userMsg *model.Message
	if !opts.SkipUserMessage {
		c.messages = append(c.messages, model.Message{Role: model.RoleUser, Content: question, Timestamp: c.now()})
		t.userIndex = len(c.messages) - 1
		m := c.messages[t.userIndex]
		userMsg = &m
	} else if n := len(c.messages); n > 0 && c.messages[n-1].Role == model.RoleUser {
		t.userIndex = n - 1
	}
	convID := c.conversationID
	req := inference.QueryRequest{
		Question:              question,
		ConversationHistory:   history,
		PreviousContextChunks: append([]json.RawMessage(nil), c.contextChunks...),
		Language:              lang,
	}
	c.notifyLocked()
	c.mu.Unlock()

	// 后续轮次在提交时追加用户消息，首轮在创建会话时一起写入
	if userMsg != nil && convID != "" && c.persistent() {
		persistCtx := context.WithoutCancel(ctx)
		if err := c.retry(persistCtx, "append user message", func(ctx context.Context) error {
			return c.store.Append(ctx, convID, *userMsg)
		}); err != nil {
			log.Errorw("用户消息持久化失败", "conversation_id", convID, "error", err)
		}
	}

	c.run(streamCtx, t, req)
	return c.finish(ctx, t), nil
}

// Cancel 中止当前 turn。没有可取消的 turn 时返回 false。
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.active
	if t == nil || t.status.Terminal() {
		return false
	}
	t.status = model.StatusCancelled
	if t.started {
		now := c.now()
		t.tracker.Freeze(now)
		c.materializeLocked(t, now)
		c.messages[t.assistantIndex].Content = textsFor(t.language).cancelled
		c.syncLocked(t)
		c.notifyLocked()
	}
	t.cancel()
	log.Infow("用户取消了回答", "conversation_id", c.conversationID)
	return true
}

// Rewrite 重新生成 turnIndex 对应的回答：截断该 turn 的回答及之后的全部记录，保留问题后重新提交。
func (c *Controller) Rewrite(ctx context.Context, turnIndex int, language string) (TurnResult, error) {
	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		return TurnResult{}, ErrTurnActive
	}
	turns := model.PairTurns(c.messages)
	if turnIndex < 0 || turnIndex >= len(turns) || turns[turnIndex].UserIndex < 0 {
		c.mu.Unlock()
		return TurnResult{}, ErrInvalidTurn
	}
	target := turns[turnIndex]
	c.messages = c.messages[:target.UserIndex+1]
	c.mu.Unlock()

	return c.Submit(ctx, target.Question, SubmitOptions{Language: language, SkipUserMessage: true})
}

// Load 加载一个已保存的会话。id 与当前已加载或正在加载的会话相同时不会重复加载。
func (c *Controller) Load(ctx context.Context, conversationID string) error {
	if c.owner.Guest() {
		return ErrAuthRequired
	}
	if c.store == nil {
		return errors.New("conversation store is not configured")
	}

	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		return ErrTurnActive
	}
	if c.load.id == conversationID && c.load.state != LoadIdle {
		c.mu.Unlock()
		return nil
	}
	c.load = loadFSM{state: LoadLoading, id: conversationID}
	c.notifyLocked()
	c.mu.Unlock()

	conv, err := c.store.Get(ctx, conversationID)
	if err == nil && conv.OwnerID != c.owner.UserID {
		err = ErrNotOwner
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.load.id != conversationID || c.load.state != LoadLoading {
		// 已被新的加载或新建会话取代
		return nil
	}
	if err != nil {
		c.load = loadFSM{state: LoadIdle}
		c.notifyLocked()
		return fmt.Errorf("failed to load conversation %s: %w", conversationID, err)
	}

	c.messages = make([]model.Message, len(conv.Messages))
	for i, m := range conv.Messages {
		c.messages[i] = m.Clone()
	}
	c.conversationID = conv.ID
	c.contextChunks = nil
	c.lastStatus = ""
	c.notice = ""
	c.load.state = LoadLoaded
	c.notifyLocked()
	return nil
}

// NewConversation 清空对话记录，开始一个新会话。
func (c *Controller) NewConversation() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return ErrTurnActive
	}
	c.messages = nil
	c.conversationID = ""
	c.contextChunks = nil
	c.lastStatus = ""
	c.notice = ""
	c.load = loadFSM{state: LoadIdle}
	c.notifyLocked()
	return nil
}

// Snapshot 返回当前对话的只读快照。
func (c *Controller) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

// ConversationID 返回当前会话 id，未持久化时为空。
func (c *Controller) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

func (c *Controller) persistent() bool {
	return c.store != nil && !c.owner.Guest()
}

func (c *Controller) consumeQuota(ctx context.Context) error {
	if c.quota == nil || !c.owner.Guest() {
		return nil
	}
	remaining, err := c.quota.Remaining(ctx, c.owner.GuestID)
	if err != nil {
		// 配额存储不可用时放行，只记录日志
		log.Warnw("读取访客配额失败", "guest_id", c.owner.GuestID, "error", err)
		return nil
	}
	if remaining <= 0 {
		metrics.QuotaRejections.Inc()
		return ErrQuotaExceeded
	}
	if _, err := c.quota.Increment(ctx, c.owner.GuestID); err != nil {
		log.Warnw("扣减访客配额失败", "guest_id", c.owner.GuestID, "error", err)
	}
	return nil
}

// historyLocked 取最近 HistoryWindow 条非空消息。skipLastUser 为 true 时排除末尾待重新回答的问题。
func (c *Controller) historyLocked(skipLastUser bool) []inference.HistoryMessage {
	msgs := c.messages
	if n := len(msgs); skipLastUser && n > 0 && msgs[n-1].Role == model.RoleUser {
		msgs = msgs[:n-1]
	}
	var history []inference.HistoryMessage
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		history = append(history, inference.HistoryMessage{Role: m.Role, Content: m.Content})
	}
	if len(history) > c.chat.HistoryWindow {
		history = history[len(history)-c.chat.HistoryWindow:]
	}
	return history
}

func (c *Controller) run(ctx context.Context, t *turnState, req inference.QueryRequest) {
	body, err := c.client.OpenStream(ctx, req)
	if err != nil {
		c.failTransport(t, err)
		return
	}
	defer body.Close()

	p := sse.NewParser(body)
	for {
		ev, err := p.Next()
		if errors.Is(err, io.EOF) {
			c.endOfStream(t)
			return
		}
		if err != nil {
			c.failTransport(t, err)
			return
		}
		if !c.apply(t, ev) {
			return
		}
	}
}

// apply 按到达顺序应用一个事件，返回是否继续读取。
// 每次都在锁内重新检查状态，取消之后缓冲区中的事件会被丢弃。
func (c *Controller) apply(t *turnState, ev sse.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != t {
		return false
	}
	metrics.StreamEvents.WithLabelValues(ev.Status()).Inc()

	switch t.status {
	case model.StatusCancelled, model.StatusErrored, model.StatusOutOfScope:
		return false
	case model.StatusComplete:
		// done 之后仍会收到 followup_ready
		if e, ok := ev.(sse.FollowupsEvent); ok {
			c.setFollowupsLocked(t, e.Questions)
			c.notifyLocked()
		}
		return true
	}

	now := c.now()
	switch e := ev.(type) {
	case sse.PhaseEvent:
		if t.status == model.StatusAwaitingReferences {
			return true
		}
		t.tracker.Open(e.Phase, PhaseLabel(t.language, e.Phase), now)

	case sse.ChunkEvent:
		switch t.status {
		case model.StatusPending:
			t.status = model.StatusStreaming
			metrics.FirstChunkLatency.Observe(now.Sub(t.startedAt).Seconds())
			c.materializeLocked(t, now)
			c.messages[t.assistantIndex].Content = e.Chunk
		case model.StatusStreaming:
			c.messages[t.assistantIndex].Content += e.Chunk
		default:
			return true
		}

	case sse.ReferencesEvent:
		c.materializeLocked(t, now)
		msg := &c.messages[t.assistantIndex]
		if e.Answer != "" {
			msg.Content = e.Answer
		}
		msg.References = append([]model.Reference(nil), e.References...)
		t.tracker.Freeze(now)
		t.status = model.StatusAwaitingReferences

	case sse.FollowupsEvent:
		c.materializeLocked(t, now)
		c.setFollowupsLocked(t, e.Questions)

	case sse.OutOfScopeEvent:
		c.outOfScopeLocked(t, e.Message, now)
		c.notifyLocked()
		return false

	case sse.DoneEvent:
		c.materializeLocked(t, now)
		c.contextChunks = e.ContextChunks
		t.tracker.Freeze(now)
		t.status = model.StatusComplete

	case sse.ErrorEvent:
		text := e.Message
		if text == "" {
			text = textsFor(t.language).errorFallback
		}
		c.failLocked(t, text, now)
		log.Warnw("推理后端返回错误", "conversation_id", c.conversationID, "message", e.Message)
		c.notifyLocked()
		return false
	}

	c.syncLocked(t)
	c.notifyLocked()
	return true
}

func (c *Controller) failTransport(t *turnState, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != t || t.status.Terminal() {
		return
	}
	texts := textsFor(t.language)
	text := texts.transportError
	if errors.Is(err, inference.ErrStreamIdle) {
		text = texts.timeout
	}
	log.Errorw("推理流传输失败", "conversation_id", c.conversationID, "status", t.status, "error", err)
	c.failLocked(t, text, c.now())
	c.notifyLocked()
}

// endOfStream 处理没有终止事件就结束的流：已拿到参考文献的视为完成，否则视为传输错误。
func (c *Controller) endOfStream(t *turnState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != t || t.status.Terminal() {
		return
	}
	now := c.now()
	if t.status == model.StatusAwaitingReferences {
		t.status = model.StatusComplete
		c.syncLocked(t)
		c.notifyLocked()
		return
	}
	log.Warnw("推理流在完成前结束", "conversation_id", c.conversationID, "status", t.status)
	c.failLocked(t, textsFor(t.language).transportError, now)
	c.notifyLocked()
}

func (c *Controller) finish(ctx context.Context, t *turnState) TurnResult {
	c.mu.Lock()
	status := t.status
	if !status.Terminal() {
		// 兜底：run 结束时应已处于终态
		c.failLocked(t, textsFor(t.language).transportError, c.now())
		status = t.status
	}
	convID := c.conversationID
	var userMsg *model.Message
	var assistant model.Message
	shouldPersist := false
	if status == model.StatusComplete && t.assistantIndex >= 0 {
		assistant = c.messages[t.assistantIndex].Clone()
		shouldPersist = c.persistent() && assistant.Content != "" && len(assistant.References) > 0
		if bad := citation.InvalidMarkers(assistant.Content, len(assistant.References)); len(bad) > 0 {
			log.Warnw("回答中包含无效的引用标记", "conversation_id", convID, "markers", bad)
		}
		if convID == "" && t.userIndex >= 0 {
			m := c.messages[t.userIndex].Clone()
			userMsg = &m
		}
	}
	c.mu.Unlock()

	elapsed := c.now().Sub(t.startedAt)
	metrics.TurnsTotal.WithLabelValues(string(status)).Inc()
	metrics.TurnDuration.WithLabelValues(string(status)).Observe(elapsed.Seconds())

	result := TurnResult{Status: status, ConversationID: convID}
	if shouldPersist {
		id, err := c.persist(context.WithoutCancel(ctx), t, convID, userMsg, assistant)
		if id != "" {
			result.ConversationID = id
		}
		if err != nil {
			metrics.PersistFailures.Inc()
			log.Errorw("回答持久化失败", "conversation_id", id, "error", err)
			result.PersistErr = err
		} else {
			result.Persisted = true
		}
	}

	c.mu.Lock()
	c.active = nil
	c.lastStatus = status
	c.notifyLocked()
	c.mu.Unlock()

	log.Infow("回答结束", "conversation_id", result.ConversationID, "status", status, "persisted", result.Persisted, "elapsed", elapsed)
	return result
}

// persist 写入本轮消息。首轮先创建会话并写入问题和回答，再异步请求生成标题；之后的轮次只写入回答。
func (c *Controller) persist(ctx context.Context, t *turnState, convID string, userMsg *model.Message, assistant model.Message) (string, error) {
	if convID != "" {
		return convID, c.retry(ctx, "append assistant message", func(ctx context.Context) error {
			return c.store.Append(ctx, convID, assistant)
		})
	}

	err := c.retry(ctx, "create conversation", func(ctx context.Context) error {
		id, err := c.store.Create(ctx, c.owner.UserID)
		if err != nil {
			return err
		}
		convID = id
		return nil
	})
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.conversationID == "" {
		c.conversationID = convID
		c.load = loadFSM{state: LoadLoaded, id: convID}
	}
	c.mu.Unlock()

	if userMsg != nil {
		if err := c.retry(ctx, "append user message", func(ctx context.Context) error {
			return c.store.Append(ctx, convID, *userMsg)
		}); err != nil {
			return convID, err
		}
	}
	if err := c.retry(ctx, "append assistant message", func(ctx context.Context) error {
		return c.store.Append(ctx, convID, assistant)
	}); err != nil {
		return convID, err
	}

	if c.titles != nil {
		task := tasks.TitleTask{ConversationID: convID, UserID: c.owner.UserID, Question: t.question, Language: t.language}
		if err := c.titles.RequestTitle(ctx, task); err != nil {
			log.Warnw("请求生成标题失败", "conversation_id", convID, "error", err)
		}
	}
	return convID, nil
}

// retry 以线性退避重试 fn，最多 PersistAttempts 次。
func (c *Controller) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= c.chat.PersistAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		log.Warnw("存储操作失败", "op", op, "attempt", attempt, "error", err)
		if attempt == c.chat.PersistAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(time.Duration(attempt) * c.chat.PersistBackoff):
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// materializeLocked 在第一次需要时创建助手消息，带上已累积的阶段时间线。
func (c *Controller) materializeLocked(t *turnState, now time.Time) {
	if t.assistantIndex >= 0 {
		return
	}
	c.messages = append(c.messages, model.Message{
		Role:          model.RoleAssistant,
		Timestamp:     now,
		ThinkingSteps: t.tracker.Steps(),
		Status:        t.status,
	})
	t.assistantIndex = len(c.messages) - 1
}

// syncLocked 将 turn 的状态与时间线同步到助手消息。
func (c *Controller) syncLocked(t *turnState) {
	if t.assistantIndex < 0 {
		return
	}
	msg := &c.messages[t.assistantIndex]
	msg.Status = t.status
	msg.ThinkingSteps = t.tracker.Steps()
}

func (c *Controller) failLocked(t *turnState, text string, now time.Time) {
	t.tracker.Freeze(now)
	t.status = model.StatusErrored
	c.materializeLocked(t, now)
	c.messages[t.assistantIndex].Content = text
	c.syncLocked(t)
}

// outOfScopeLocked 移除所有与本轮问题文本相同的用户消息，助手消息置为空内容的占位。
func (c *Controller) outOfScopeLocked(t *turnState, message string, now time.Time) {
	t.tracker.Freeze(now)
	t.status = model.StatusOutOfScope
	kept := c.messages[:0]
	removedBefore := 0
	for i, m := range c.messages {
		if m.Role == model.RoleUser && m.Content == t.question {
			if i < t.assistantIndex {
				removedBefore++
			}
			continue
		}
		kept = append(kept, m)
	}
	c.messages = kept
	if t.assistantIndex >= 0 {
		t.assistantIndex -= removedBefore
	}
	t.userIndex = -1
	c.materializeLocked(t, now)
	msg := &c.messages[t.assistantIndex]
	msg.Content = ""
	msg.References = nil
	msg.FollowupQuestions = nil
	c.syncLocked(t)
	c.notice = message
}

// setFollowupsLocked 只让最新一轮保留推荐问题。
func (c *Controller) setFollowupsLocked(t *turnState, questions []string) {
	c.clearFollowupsLocked(t.assistantIndex)
	if t.assistantIndex >= 0 {
		c.messages[t.assistantIndex].FollowupQuestions = append([]string(nil), questions...)
	}
}

func (c *Controller) clearFollowupsLocked(except int) {
	for i := range c.messages {
		if i != except {
			c.messages[i].FollowupQuestions = nil
		}
	}
}

func (c *Controller) notifyLocked() {
	if c.listener != nil {
		c.listener(c.viewLocked())
	}
}
