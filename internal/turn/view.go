package turn

import (
	"ruleout-go/internal/citation"
	"ruleout-go/internal/model"
)

// MessageView 是带有引用切分结果的消息，用于界面渲染。
type MessageView struct {
	model.Message
	Segments []citation.Segment `json:"segments,omitempty"`
}

// View 是对话记录在某一时刻的快照。
type View struct {
	ConversationID string           `json:"conversationId,omitempty"`
	Messages       []MessageView    `json:"messages"`
	Status         model.TurnStatus `json:"status,omitempty"`
	// Streaming 为 true 时界面应禁用输入框
	Streaming bool `json:"streaming"`
	// Thinking 是助手消息出现之前当前 turn 已累积的阶段
	Thinking []model.ThinkingStep `json:"thinking,omitempty"`
	// Notice 是超出范围提示，界面以可关闭的横幅显示
	Notice    string    `json:"notice,omitempty"`
	LoadState LoadState `json:"loadState"`
}

func (c *Controller) viewLocked() View {
	v := View{
		ConversationID: c.conversationID,
		Messages:       make([]MessageView, 0, len(c.messages)),
		Status:         c.lastStatus,
		Notice:         c.notice,
		LoadState:      c.load.state,
	}
	streamingIndex := -1
	if t := c.active; t != nil {
		v.Status = t.status
		v.Streaming = true
		if t.status == model.StatusStreaming {
			streamingIndex = t.assistantIndex
		}
		if t.started && t.assistantIndex < 0 {
			v.Thinking = t.tracker.Steps()
		}
	}
	for i, m := range c.messages {
		mv := MessageView{Message: m.Clone()}
		if m.Role == model.RoleAssistant && m.Content != "" {
			mv.Segments = citation.Resolve(m.Content, m.References, i == streamingIndex)
		}
		v.Messages = append(v.Messages, mv)
	}
	return v
}
