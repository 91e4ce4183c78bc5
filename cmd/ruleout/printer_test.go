package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"ruleout-go/internal/model"
	"ruleout-go/internal/turn"
)

func assistantView(content string) turn.View {
	return turn.View{Messages: []turn.MessageView{
		{Message: model.Message{Role: model.RoleUser, Content: "q"}},
		{Message: model.Message{Role: model.RoleAssistant, Content: content}},
	}}
}

func TestPrinter_AppendsDeltas(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf)

	p.onView(assistantView("Hel"))
	p.onView(assistantView("Hello"))
	p.onView(assistantView("Hello world"))
	assert.Equal(t, "Hello world", buf.String())
}

func TestPrinter_ReplacedContentReprinted(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf)

	p.onView(assistantView("partial"))
	p.onView(assistantView("_Request cancelled._"))
	assert.Equal(t, "partial\n_Request cancelled._", buf.String())
}

func TestPrinter_PhaseLabels(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf)

	v := turn.View{Thinking: []model.ThinkingStep{{Phase: "searching", Label: "Searching"}}}
	p.onView(v)
	p.onView(v)
	assert.Equal(t, "… Searching\n", buf.String())
}
