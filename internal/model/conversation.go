// Package model 包含了应用的数据模型定义。
package model

import "time"

// 消息角色
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Feedback 表示用户对消息或参考文献的评价，空字符串表示未评价。
type Feedback string

const (
	FeedbackNone    Feedback = ""
	FeedbackLike    Feedback = "like"
	FeedbackDislike Feedback = "dislike"
)

// Valid 判断 Feedback 是否为合法取值。
func (f Feedback) Valid() bool {
	return f == FeedbackNone || f == FeedbackLike || f == FeedbackDislike
}

// Toggle 返回再次点击同一评价后的结果：相同则清除，否则替换。
func (f Feedback) Toggle(next Feedback) Feedback {
	if f == next {
		return FeedbackNone
	}
	return next
}

// TurnStatus 是一次问答（turn）的状态。
type TurnStatus string

const (
	StatusPending            TurnStatus = "pending"
	StatusStreaming          TurnStatus = "streaming"
	StatusAwaitingReferences TurnStatus = "awaiting_references"
	StatusComplete           TurnStatus = "complete"
	StatusCancelled          TurnStatus = "cancelled"
	StatusErrored            TurnStatus = "errored"
	StatusOutOfScope         TurnStatus = "out_of_scope"
)

// Terminal 表示该状态之后不再接受流式内容。
// AwaitingReferences 之后仍可能收到 followup_ready，因此不算终态。
func (s TurnStatus) Terminal() bool {
	switch s {
	case StatusComplete, StatusCancelled, StatusErrored, StatusOutOfScope:
		return true
	}
	return false
}

// Reference 是一条可引用的文献来源，标识为其在列表中的下标（从 0 开始）。
type Reference struct {
	Source         string   `json:"source,omitempty"`
	Title          string   `json:"title"`
	Authors        string   `json:"authors,omitempty"`
	Journal        string   `json:"journal,omitempty"`
	Year           string   `json:"year,omitempty"`
	DOI            string   `json:"doi,omitempty"`
	URL            string   `json:"url,omitempty"`
	Page           int      `json:"page,omitempty"`
	Text           string   `json:"text,omitempty"`
	RelevanceScore float64  `json:"relevance_score,omitempty"`
	Feedback       Feedback `json:"feedback,omitempty"`
}

// ThinkingStep 是处理阶段时间线中的一步，DurationMs 为空表示该步仍在进行。
type ThinkingStep struct {
	Phase      string    `json:"phase"`
	Label      string    `json:"label"`
	StartedAt  time.Time `json:"startedAt"`
	DurationMs *int64    `json:"durationMs,omitempty"`
}

// Open 表示该步尚未结束。
func (s ThinkingStep) Open() bool {
	return s.DurationMs == nil
}

// Message 是对话记录中的单条消息，用户与助手消息交替出现。
type Message struct {
	Role              string         `json:"role"`
	Content           string         `json:"content"`
	Timestamp         time.Time      `json:"timestamp"`
	References        []Reference    `json:"references,omitempty"`
	FollowupQuestions []string       `json:"followupQuestions,omitempty"`
	ThinkingSteps     []ThinkingStep `json:"thinkingSteps,omitempty"`
	Feedback          Feedback       `json:"feedback,omitempty"`
	// Status 仅对助手消息有意义
	Status TurnStatus `json:"status,omitempty"`
}

// Clone 返回消息的深拷贝。
func (m Message) Clone() Message {
	out := m
	if m.References != nil {
		out.References = append([]Reference(nil), m.References...)
	}
	if m.FollowupQuestions != nil {
		out.FollowupQuestions = append([]string(nil), m.FollowupQuestions...)
	}
	if m.ThinkingSteps != nil {
		out.ThinkingSteps = make([]ThinkingStep, len(m.ThinkingSteps))
		for i, s := range m.ThinkingSteps {
			out.ThinkingSteps[i] = s
			if s.DurationMs != nil {
				d := *s.DurationMs
				out.ThinkingSteps[i].DurationMs = &d
			}
		}
	}
	return out
}

// Conversation 是持久化的会话文档。
type Conversation struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"userId"`
	Title      string    `json:"title"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	IsFavorite bool      `json:"isFavorite"`
	Messages   []Message `json:"messages"`
}

// ListItem 返回会话列表中的一行。
func (c *Conversation) ListItem() ChatListItem {
	return ChatListItem{ID: c.ID, Title: c.Title, UpdatedAt: c.UpdatedAt, IsFavorite: c.IsFavorite}
}

// ChatListItem 是历史记录/侧边栏中显示的会话摘要。
type ChatListItem struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	UpdatedAt  time.Time `json:"updatedAt"`
	IsFavorite bool      `json:"isFavorite"`
}

// DefaultTitle 是新会话在生成标题之前的占位标题。
const DefaultTitle = "New chat"
