// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"strings"

	"ruleout-go/internal/citation"
	"ruleout-go/internal/model"
	"ruleout-go/internal/repository"
	"ruleout-go/pkg/es"
	"ruleout-go/pkg/log"
)

var (
	// ErrForbidden 表示会话不属于当前用户。
	ErrForbidden    = errors.New("conversation belongs to another user")
	ErrInvalidTitle = errors.New("title must not be empty")
	// ErrInvalidFeedback 表示评价取值不是 like/dislike。
	ErrInvalidFeedback = errors.New("invalid feedback value")
)

const (
	defaultListLimit = 20
	maxListLimit     = 1000
	maxTitleRunes    = 255
)

// ConversationService 定义了会话历史相关业务逻辑的接口，所有操作都会校验归属。
type ConversationService interface {
	List(ctx context.Context, userID string, limit int, favoritesOnly bool) ([]model.ChatListItem, error)
	Search(ctx context.Context, userID, query string, limit int) ([]model.ChatListItem, error)
	Get(ctx context.Context, userID, conversationID string) (*model.Conversation, error)
	Rename(ctx context.Context, userID, conversationID, title string) error
	SetFavorite(ctx context.Context, userID, conversationID string, favorite bool) error
	// ToggleFeedback 对助手消息评价；与当前值相同则清除。返回新的取值
	ToggleFeedback(ctx context.Context, userID, conversationID string, messageIndex int, feedback model.Feedback) (model.Feedback, error)
	ToggleReferenceFeedback(ctx context.Context, userID, conversationID string, messageIndex, refIndex int, feedback model.Feedback) (model.Feedback, error)
	Delete(ctx context.Context, userID, conversationID string) error
	// CopyAnswer 返回助手消息的纯文本形式，引用标记替换为 [n] 并附参考文献列表
	CopyAnswer(ctx context.Context, userID, conversationID string, messageIndex int) (string, error)
}

type conversationService struct {
	repo  repository.ConversationRepository
	index es.TitleIndex
}

// NewConversationService 创建一个新的 ConversationService。index 可以为 nil，此时标题搜索在存储层做子串匹配。
func NewConversationService(repo repository.ConversationRepository, index es.TitleIndex) ConversationService {
	return &conversationService{repo: repo, index: index}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func (s *conversationService) List(ctx context.Context, userID string, limit int, favoritesOnly bool) ([]model.ChatListItem, error) {
	return s.repo.List(ctx, userID, clampLimit(limit), favoritesOnly)
}

// Search 按标题搜索。配置了 Elasticsearch 时优先使用索引，索引不可用时退回子串匹配。
func (s *conversationService) Search(ctx context.Context, userID, query string, limit int) ([]model.ChatListItem, error) {
	limit = clampLimit(limit)
	query = strings.TrimSpace(query)
	if query == "" {
		return s.repo.List(ctx, userID, limit, false)
	}

	if s.index != nil {
		ids, err := s.index.Search(ctx, userID, query, limit)
		if err == nil {
			return s.itemsByID(ctx, userID, ids), nil
		}
		log.Warnf("标题索引搜索失败，改用子串匹配: %v", err)
	}

	all, err := s.repo.List(ctx, userID, 0, false)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(query)
	items := make([]model.ChatListItem, 0)
	for _, it := range all {
		if strings.Contains(strings.ToLower(it.Title), needle) {
			items = append(items, it)
			if len(items) >= limit {
				break
			}
		}
	}
	return items, nil
}

// itemsByID 按索引返回的顺序取会话，跳过已删除或不属于该用户的文档。
func (s *conversationService) itemsByID(ctx context.Context, userID string, ids []string) []model.ChatListItem {
	items := make([]model.ChatListItem, 0, len(ids))
	for _, id := range ids {
		conv, err := s.repo.Get(ctx, id)
		if err != nil {
			if !errors.Is(err, repository.ErrConversationNotFound) {
				log.Warnf("读取会话 %s 失败: %v", id, err)
			}
			continue
		}
		if conv.OwnerID != userID {
			continue
		}
		items = append(items, conv.ListItem())
	}
	return items
}

func (s *conversationService) Get(ctx context.Context, userID, conversationID string) (*model.Conversation, error) {
	conv, err := s.repo.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.OwnerID != userID {
		return nil, ErrForbidden
	}
	return conv, nil
}

func (s *conversationService) Rename(ctx context.Context, userID, conversationID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrInvalidTitle
	}
	if r := []rune(title); len(r) > maxTitleRunes {
		title = string(r[:maxTitleRunes])
	}
	conv, err := s.Get(ctx, userID, conversationID)
	if err != nil {
		return err
	}
	if err := s.repo.SetTitle(ctx, conversationID, title); err != nil {
		return err
	}
	s.reindex(ctx, conv, title)
	return nil
}

func (s *conversationService) SetFavorite(ctx context.Context, userID, conversationID string, favorite bool) error {
	if _, err := s.Get(ctx, userID, conversationID); err != nil {
		return err
	}
	return s.repo.SetFavorite(ctx, conversationID, favorite)
}

func (s *conversationService) ToggleFeedback(ctx context.Context, userID, conversationID string, messageIndex int, feedback model.Feedback) (model.Feedback, error) {
	if feedback == model.FeedbackNone || !feedback.Valid() {
		return model.FeedbackNone, ErrInvalidFeedback
	}
	conv, err := s.Get(ctx, userID, conversationID)
	if err != nil {
		return model.FeedbackNone, err
	}
	msg, err := assistantMessage(conv, messageIndex)
	if err != nil {
		return model.FeedbackNone, err
	}
	next := msg.Feedback.Toggle(feedback)
	if err := s.repo.SetFeedback(ctx, conversationID, messageIndex, next); err != nil {
		return model.FeedbackNone, err
	}
	return next, nil
}

func (s *conversationService) ToggleReferenceFeedback(ctx context.Context, userID, conversationID string, messageIndex, refIndex int, feedback model.Feedback) (model.Feedback, error) {
	if feedback == model.FeedbackNone || !feedback.Valid() {
		return model.FeedbackNone, ErrInvalidFeedback
	}
	conv, err := s.Get(ctx, userID, conversationID)
	if err != nil {
		return model.FeedbackNone, err
	}
	msg, err := assistantMessage(conv, messageIndex)
	if err != nil {
		return model.FeedbackNone, err
	}
	if refIndex < 0 || refIndex >= len(msg.References) {
		return model.FeedbackNone, repository.ErrReferenceNotFound
	}
	next := msg.References[refIndex].Feedback.Toggle(feedback)
	if err := s.repo.SetReferenceFeedback(ctx, conversationID, messageIndex, refIndex, next); err != nil {
		return model.FeedbackNone, err
	}
	return next, nil
}

func (s *conversationService) Delete(ctx context.Context, userID, conversationID string) error {
	if _, err := s.Get(ctx, userID, conversationID); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, conversationID); err != nil {
		return err
	}
	if s.index != nil {
		if err := s.index.Delete(ctx, conversationID); err != nil {
			log.Warnf("删除会话 %s 的标题索引失败: %v", conversationID, err)
		}
	}
	return nil
}

func (s *conversationService) CopyAnswer(ctx context.Context, userID, conversationID string, messageIndex int) (string, error) {
	conv, err := s.Get(ctx, userID, conversationID)
	if err != nil {
		return "", err
	}
	msg, err := assistantMessage(conv, messageIndex)
	if err != nil {
		return "", err
	}
	return citation.FormatForCopy(msg.Content, msg.References), nil
}

func (s *conversationService) reindex(ctx context.Context, conv *model.Conversation, title string) {
	if s.index == nil {
		return
	}
	doc := es.TitleDocument{ConversationID: conv.ID, UserID: conv.OwnerID, Title: title, UpdatedAt: conv.UpdatedAt}
	if err := s.index.Index(ctx, doc); err != nil {
		log.Warnf("更新会话 %s 的标题索引失败: %v", conv.ID, err)
	}
}

func assistantMessage(conv *model.Conversation, index int) (*model.Message, error) {
	if index < 0 || index >= len(conv.Messages) || conv.Messages[index].Role != model.RoleAssistant {
		return nil, repository.ErrMessageNotFound
	}
	return &conv.Messages[index], nil
}
