// Package sse 将推理后端的 text/event-stream 响应解码为有类型的事件序列。
package sse

import (
	"encoding/json"

	"ruleout-go/internal/model"
)

// 推理后端 JSON 负载中 status 字段的取值
const (
	StatusTranslating     = "translating"
	StatusEmbedding       = "embedding"
	StatusSearching       = "searching"
	StatusGenerating      = "generating"
	StatusStreaming       = "streaming"
	StatusReferencesReady = "references_ready"
	StatusFollowupReady   = "followup_ready"
	StatusOutOfScope      = "out_of_scope"
	StatusDone            = "done"
	StatusError           = "error"
)

// Event 是一个封闭的联合类型，只有本包内定义的事件实现它。
// 调用方应对所有具体类型做 type switch。
type Event interface {
	Status() string
	sealed()
}

// PhaseEvent 表示处理阶段切换（translating/embedding/searching/generating）。
type PhaseEvent struct {
	Phase string
}

// ChunkEvent 携带一段需要追加到回答中的文本。
type ChunkEvent struct {
	Chunk string
}

// ReferencesEvent 携带后端重映射过引用编号的权威回答和参考文献列表。
// Answer 为空时表示后端没有给出改写后的回答。
type ReferencesEvent struct {
	Answer     string
	References []model.Reference
}

// FollowupsEvent 携带推荐的后续问题。
type FollowupsEvent struct {
	Questions []string
}

// OutOfScopeEvent 表示问题超出产品领域范围，终止事件。
type OutOfScopeEvent struct {
	Message string
}

// DoneEvent 表示回答完成，ContextChunks 是需要带到下一轮请求中的不透明上下文。
type DoneEvent struct {
	Message       string
	ContextChunks []json.RawMessage
}

// ErrorEvent 表示后端报告的错误，终止事件。
type ErrorEvent struct {
	Message string
}

func (e PhaseEvent) Status() string      { return e.Phase }
func (e ChunkEvent) Status() string      { return StatusStreaming }
func (e ReferencesEvent) Status() string { return StatusReferencesReady }
func (e FollowupsEvent) Status() string  { return StatusFollowupReady }
func (e OutOfScopeEvent) Status() string { return StatusOutOfScope }
func (e DoneEvent) Status() string       { return StatusDone }
func (e ErrorEvent) Status() string      { return StatusError }

func (PhaseEvent) sealed()      {}
func (ChunkEvent) sealed()      {}
func (ReferencesEvent) sealed() {}
func (FollowupsEvent) sealed()  {}
func (OutOfScopeEvent) sealed() {}
func (DoneEvent) sealed()       {}
func (ErrorEvent) sealed()      {}

// IsPhase 判断 status 是否为阶段切换事件。
func IsPhase(status string) bool {
	switch status {
	case StatusTranslating, StatusEmbedding, StatusSearching, StatusGenerating:
		return true
	}
	return false
}

type payload struct {
	Status            string            `json:"status"`
	Chunk             string            `json:"chunk"`
	Answer            string            `json:"answer"`
	References        []model.Reference `json:"references"`
	FollowupQuestions []string          `json:"followup_questions"`
	Message           string            `json:"message"`
	ContextChunks     []json.RawMessage `json:"context_chunks"`
}

// Decode 将一条 data 记录的 JSON 负载转换为事件。
// 未知的 status 返回 (nil, nil)，以便兼容后端新增的事件类型。
func Decode(data []byte) (Event, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	switch {
	case IsPhase(p.Status):
		return PhaseEvent{Phase: p.Status}, nil
	case p.Status == StatusStreaming:
		return ChunkEvent{Chunk: p.Chunk}, nil
	case p.Status == StatusReferencesReady:
		return ReferencesEvent{Answer: p.Answer, References: p.References}, nil
	case p.Status == StatusFollowupReady:
		return FollowupsEvent{Questions: p.FollowupQuestions}, nil
	case p.Status == StatusOutOfScope:
		return OutOfScopeEvent{Message: p.Message}, nil
	case p.Status == StatusDone:
		return DoneEvent{Message: p.Message, ContextChunks: p.ContextChunks}, nil
	case p.Status == StatusError:
		return ErrorEvent{Message: p.Message}, nil
	}
	return nil, nil
}
