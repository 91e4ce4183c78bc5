// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"ruleout-go/internal/model"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("assistant message not found")
	ErrReferenceNotFound    = errors.New("reference not found")
)

// maxTxRetries 是乐观锁冲突时的最大重试次数。
const maxTxRetries = 10

// ConversationRepository 定义了会话文档的操作接口。
type ConversationRepository interface {
	Create(ctx context.Context, ownerID string) (string, error)
	Append(ctx context.Context, conversationID string, msg model.Message) error
	Get(ctx context.Context, conversationID string) (*model.Conversation, error)
	// List 按更新时间倒序返回 owner 的会话，limit <= 0 表示不限制
	List(ctx context.Context, ownerID string, limit int, favoritesOnly bool) ([]model.ChatListItem, error)
	SetTitle(ctx context.Context, conversationID, title string) error
	SetFavorite(ctx context.Context, conversationID string, favorite bool) error
	SetFeedback(ctx context.Context, conversationID string, messageIndex int, feedback model.Feedback) error
	SetReferenceFeedback(ctx context.Context, conversationID string, messageIndex, refIndex int, feedback model.Feedback) error
	Delete(ctx context.Context, conversationID string) error
}

type redisConversationRepository struct {
	redisClient *redis.Client
	ttl         time.Duration
	now         func() time.Time
}

// NewConversationRepository 创建一个基于 Redis 的 ConversationRepository 实例。
// 每个会话是一个 JSON 文档，另有一个按更新时间排序的 zset 作为 owner 的索引。
func NewConversationRepository(redisClient *redis.Client, ttl time.Duration) ConversationRepository {
	return &redisConversationRepository{redisClient: redisClient, ttl: ttl, now: time.Now}
}

func conversationKey(id string) string {
	return fmt.Sprintf("conversation:%s", id)
}

func ownerIndexKey(ownerID string) string {
	return fmt.Sprintf("user:%s:conversations", ownerID)
}

// Create 创建一个空会话并返回其 id。
func (r *redisConversationRepository) Create(ctx context.Context, ownerID string) (string, error) {
	now := r.now()
	conv := &model.Conversation{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Title:     model.DefaultTitle,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []model.Message{},
	}
	data, err := json.Marshal(conv)
	if err != nil {
		return "", fmt.Errorf("failed to marshal conversation: %w", err)
	}

	_, err = r.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, conversationKey(conv.ID), data, r.ttl)
		pipe.ZAdd(ctx, ownerIndexKey(ownerID), &redis.Z{Score: float64(now.UnixNano()), Member: conv.ID})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv.ID, nil
}

// Append 追加一条消息并刷新更新时间。
func (r *redisConversationRepository) Append(ctx context.Context, conversationID string, msg model.Message) error {
	return r.update(ctx, conversationID, true, func(conv *model.Conversation) error {
		conv.Messages = append(conv.Messages, msg)
		return nil
	})
}

// Get 从 Redis 获取会话文档。
func (r *redisConversationRepository) Get(ctx context.Context, conversationID string) (*model.Conversation, error) {
	jsonData, err := r.redisClient.Get(ctx, conversationKey(conversationID)).Result()
	if err == redis.Nil {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	var conv model.Conversation
	if err := json.Unmarshal([]byte(jsonData), &conv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	return &conv, nil
}

// List 读取 owner 索引后批量获取文档。已过期的文档会从索引中清除。
func (r *redisConversationRepository) List(ctx context.Context, ownerID string, limit int, favoritesOnly bool) ([]model.ChatListItem, error) {
	indexKey := ownerIndexKey(ownerID)
	ids, err := r.redisClient.ZRevRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation index: %w", err)
	}
	if len(ids) == 0 {
		return []model.ChatListItem{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = conversationKey(id)
	}
	values, err := r.redisClient.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get conversations: %w", err)
	}

	items := make([]model.ChatListItem, 0, len(ids))
	var stale []interface{}
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var conv model.Conversation
		if err := json.Unmarshal([]byte(s), &conv); err != nil {
			continue
		}
		if favoritesOnly && !conv.IsFavorite {
			continue
		}
		items = append(items, conv.ListItem())
		if limit > 0 && len(items) >= limit {
			break
		}
	}
	if len(stale) > 0 {
		_ = r.redisClient.ZRem(ctx, indexKey, stale...).Err()
	}
	return items, nil
}

// SetTitle 更新会话标题。
func (r *redisConversationRepository) SetTitle(ctx context.Context, conversationID, title string) error {
	return r.update(ctx, conversationID, false, func(conv *model.Conversation) error {
		conv.Title = title
		return nil
	})
}

// SetFavorite 设置收藏状态。
func (r *redisConversationRepository) SetFavorite(ctx context.Context, conversationID string, favorite bool) error {
	return r.update(ctx, conversationID, false, func(conv *model.Conversation) error {
		conv.IsFavorite = favorite
		return nil
	})
}

// SetFeedback 设置助手消息的评价。
func (r *redisConversationRepository) SetFeedback(ctx context.Context, conversationID string, messageIndex int, feedback model.Feedback) error {
	return r.update(ctx, conversationID, false, func(conv *model.Conversation) error {
		msg, err := assistantAt(conv, messageIndex)
		if err != nil {
			return err
		}
		msg.Feedback = feedback
		return nil
	})
}

// SetReferenceFeedback 设置助手消息中某条参考文献的评价。
func (r *redisConversationRepository) SetReferenceFeedback(ctx context.Context, conversationID string, messageIndex, refIndex int, feedback model.Feedback) error {
	return r.update(ctx, conversationID, false, func(conv *model.Conversation) error {
		msg, err := assistantAt(conv, messageIndex)
		if err != nil {
			return err
		}
		if refIndex < 0 || refIndex >= len(msg.References) {
			return ErrReferenceNotFound
		}
		msg.References[refIndex].Feedback = feedback
		return nil
	})
}

// Delete 删除会话及其索引项。
func (r *redisConversationRepository) Delete(ctx context.Context, conversationID string) error {
	conv, err := r.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	_, err = r.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, conversationKey(conversationID))
		pipe.ZRem(ctx, ownerIndexKey(conv.OwnerID), conversationID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

// update 在 WATCH 事务中读取、修改并写回会话文档，冲突时重试。
func (r *redisConversationRepository) update(ctx context.Context, conversationID string, touch bool, fn func(*model.Conversation) error) error {
	key := conversationKey(conversationID)
	txf := func(tx *redis.Tx) error {
		jsonData, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return ErrConversationNotFound
		}
		if err != nil {
			return err
		}
		var conv model.Conversation
		if err := json.Unmarshal([]byte(jsonData), &conv); err != nil {
			return fmt.Errorf("failed to unmarshal conversation: %w", err)
		}
		if err := fn(&conv); err != nil {
			return err
		}
		if touch {
			conv.UpdatedAt = r.now()
		}
		data, err := json.Marshal(&conv)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, r.ttl)
			if touch {
				pipe.ZAdd(ctx, ownerIndexKey(conv.OwnerID), &redis.Z{Score: float64(conv.UpdatedAt.UnixNano()), Member: conv.ID})
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.redisClient.Watch(ctx, txf, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, ErrConversationNotFound) || errors.Is(err, ErrMessageNotFound) || errors.Is(err, ErrReferenceNotFound) {
				return err
			}
			return fmt.Errorf("failed to update conversation: %w", err)
		}
		return nil
	}
	return fmt.Errorf("failed to update conversation %s: too many concurrent writes", conversationID)
}

func assistantAt(conv *model.Conversation, index int) (*model.Message, error) {
	if index < 0 || index >= len(conv.Messages) || conv.Messages[index].Role != model.RoleAssistant {
		return nil, ErrMessageNotFound
	}
	return &conv.Messages[index], nil
}
