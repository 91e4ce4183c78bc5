package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"ruleout-go/internal/metrics"
	"ruleout-go/internal/model"
	"ruleout-go/internal/repository"
	"ruleout-go/pkg/es"
	"ruleout-go/pkg/llm"
	"ruleout-go/pkg/log"
	"ruleout-go/pkg/tasks"
)

const (
	fallbackTitleRunes = 100
	titleTimeout       = 20 * time.Second
)

const (
	koreanTitleSystemPrompt  = "당신은 수의학 관련 대화의 제목을 생성하는 AI입니다. 사용자의 질문을 보고 명확한 제목을 한국어로 생성하세요. 제목은 100자 이내로 작성하고, 핵심 키워드를 포함해야 합니다. **중요: 따옴표 없이 제목만 반환하세요.**"
	koreanTitleUserPrompt    = "다음 질문에 대한 명확한 제목을 생성해주세요 (100자 이내, 따옴표 없이):\n\n"
	englishTitleSystemPrompt = "You are an AI that generates titles for veterinary medicine conversations. Generate a clear and descriptive title in English based on the user's question. Keep it under 150 characters and include key keywords. **IMPORTANT: Return ONLY the title without any quotation marks.**"
	englishTitleUserPrompt   = "Generate a clear and descriptive title for the following question (under 150 characters, without quotation marks):\n\n"
)

// TitleService 为新会话生成并保存标题。
type TitleService interface {
	// Generate 返回标题以及是否由模型生成（false 表示使用了截断的回退标题）
	Generate(ctx context.Context, question string) (string, bool)
	// Apply 处理一个标题任务：生成、保存并更新检索索引
	Apply(ctx context.Context, task tasks.TitleTask) error
}

type titleService struct {
	llmClient llm.Client
	repo      repository.ConversationRepository
	index     es.TitleIndex
	now       func() time.Time
}

// NewTitleService 创建 TitleService。index 可以为 nil。
func NewTitleService(llmClient llm.Client, repo repository.ConversationRepository, index es.TitleIndex) TitleService {
	return &titleService{llmClient: llmClient, repo: repo, index: index, now: time.Now}
}

func (s *titleService) Generate(ctx context.Context, question string) (string, bool) {
	question = strings.TrimSpace(question)
	if question == "" {
		return model.DefaultTitle, false
	}

	system, user := englishTitleSystemPrompt, englishTitleUserPrompt
	if containsHangul(question) {
		system, user = koreanTitleSystemPrompt, koreanTitleUserPrompt
	}
	temperature, maxTokens := 0.7, 100
	out, err := s.llmClient.Complete(ctx, []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user + question},
	}, &llm.GenerationParams{Temperature: &temperature, MaxTokens: &maxTokens})
	if err != nil {
		log.Warnf("标题生成失败，使用回退标题: %v", err)
		return FallbackTitle(question), false
	}

	title := stripQuotes(strings.TrimSpace(out))
	if title == "" {
		r := []rune(question)
		if len(r) > fallbackTitleRunes {
			r = r[:fallbackTitleRunes]
		}
		return string(r), false
	}
	return title, true
}

func (s *titleService) Apply(ctx context.Context, task tasks.TitleTask) error {
	ctx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()

	title, generated := s.Generate(ctx, task.Question)
	if err := s.repo.SetTitle(ctx, task.ConversationID, title); err != nil {
		metrics.TitleTasks.WithLabelValues("failed").Inc()
		return fmt.Errorf("failed to save title for %s: %w", task.ConversationID, err)
	}
	if generated {
		metrics.TitleTasks.WithLabelValues("generated").Inc()
	} else {
		metrics.TitleTasks.WithLabelValues("fallback").Inc()
	}

	if s.index != nil {
		doc := es.TitleDocument{ConversationID: task.ConversationID, UserID: task.UserID, Title: title, UpdatedAt: s.now()}
		if err := s.index.Index(ctx, doc); err != nil {
			log.Warnf("写入会话 %s 的标题索引失败: %v", task.ConversationID, err)
		}
	}
	log.Infow("会话标题已生成", "conversation_id", task.ConversationID, "generated", generated)
	return nil
}

// FallbackTitle 返回问题的前 100 个字符，截断时追加 "..."。
func FallbackTitle(question string) string {
	question = strings.TrimSpace(question)
	if question == "" {
		return model.DefaultTitle
	}
	r := []rune(question)
	if len(r) <= fallbackTitleRunes {
		return question
	}
	return string(r[:fallbackTitleRunes]) + "..."
}

// stripQuotes 去掉首尾各一个引号。
func stripQuotes(s string) string {
	if s != "" && (s[0] == '"' || s[0] == '\'') {
		s = s[1:]
	}
	if s != "" && (s[len(s)-1] == '"' || s[len(s)-1] == '\'') {
		s = s[:len(s)-1]
	}
	return s
}

func containsHangul(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Hangul, r) {
			return true
		}
	}
	return false
}

// InProcessTitleRequester 在后台 goroutine 中直接执行标题任务，用于未配置 Kafka 的部署。
type InProcessTitleRequester struct {
	titles TitleService
}

// NewInProcessTitleRequester 创建进程内的标题任务执行器。
func NewInProcessTitleRequester(titles TitleService) *InProcessTitleRequester {
	return &InProcessTitleRequester{titles: titles}
}

// RequestTitle 立即返回，任务在脱离调用方取消信号的上下文中执行。
func (r *InProcessTitleRequester) RequestTitle(ctx context.Context, task tasks.TitleTask) error {
	bg := context.WithoutCancel(ctx)
	go func() {
		if err := r.titles.Apply(bg, task); err != nil {
			log.Errorf("标题任务执行失败: %v", err)
		}
	}()
	return nil
}

// TitleRequester 投递一个标题任务，与 turn.TitleRequester 一致。
type TitleRequester interface {
	RequestTitle(ctx context.Context, task tasks.TitleTask) error
}

// FallbackTitleRequester 先尝试 primary（通常是 Kafka），失败时改为 secondary 执行。
type FallbackTitleRequester struct {
	primary, secondary TitleRequester
}

// NewFallbackTitleRequester 创建带回退的标题任务请求器。
func NewFallbackTitleRequester(primary, secondary TitleRequester) *FallbackTitleRequester {
	return &FallbackTitleRequester{primary: primary, secondary: secondary}
}

func (r *FallbackTitleRequester) RequestTitle(ctx context.Context, task tasks.TitleTask) error {
	err := r.primary.RequestTitle(ctx, task)
	if err == nil {
		return nil
	}
	log.Warnf("投递标题任务失败，改为进程内执行: %v", err)
	return r.secondary.RequestTitle(ctx, task)
}
