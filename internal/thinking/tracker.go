// Package thinking 记录一次回答过程中各处理阶段的时间线。
package thinking

import (
	"sync"
	"time"

	"ruleout-go/internal/model"
)

// Tracker 维护一个 turn 的阶段时间线，任意时刻最多只有一个未结束的步骤。
// 每个 turn 使用独立的 Tracker。
type Tracker struct {
	mu     sync.Mutex
	steps  []model.ThinkingStep
	frozen bool
}

// NewTracker 创建一个空的 Tracker。时间由调用方在每次操作时传入。
func NewTracker() *Tracker {
	return &Tracker{}
}

// Open 关闭当前未结束的步骤并开启一个新步骤。冻结后调用无效果，返回 false。
func (t *Tracker) Open(phase, label string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frozen {
		return false
	}
	t.closeOpenLocked(at)
	t.steps = append(t.steps, model.ThinkingStep{Phase: phase, Label: label, StartedAt: at})
	return true
}

// CloseOpen 结束当前未结束的步骤（如果有）。
func (t *Tracker) CloseOpen(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frozen {
		return
	}
	t.closeOpenLocked(at)
}

func (t *Tracker) closeOpenLocked(at time.Time) {
	if len(t.steps) == 0 {
		return
	}
	last := &t.steps[len(t.steps)-1]
	if !last.Open() {
		return
	}
	d := at.Sub(last.StartedAt).Milliseconds()
	if d < 0 {
		d = 0
	}
	last.DurationMs = &d
}

// Freeze 结束未结束的步骤，之后时间线只读。
func (t *Tracker) Freeze(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frozen {
		return
	}
	t.closeOpenLocked(at)
	t.frozen = true
}

// Frozen 返回时间线是否已冻结。
func (t *Tracker) Frozen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frozen
}

// Steps 返回时间线的深拷贝。
func (t *Tracker) Steps() []model.ThinkingStep {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.steps) == 0 {
		return nil
	}
	out := make([]model.ThinkingStep, len(t.steps))
	for i, s := range t.steps {
		out[i] = s
		if s.DurationMs != nil {
			d := *s.DurationMs
			out[i].DurationMs = &d
		}
	}
	return out
}
