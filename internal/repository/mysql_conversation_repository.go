package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ruleout-go/internal/model"
)

// mysqlConversationRepository 是 ConversationRepository 接口的 GORM 实现。
type mysqlConversationRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewMySQLConversationRepository 创建一个基于 MySQL 的 ConversationRepository 实例。
func NewMySQLConversationRepository(db *gorm.DB) ConversationRepository {
	return &mysqlConversationRepository{db: db, now: time.Now}
}

func (r *mysqlConversationRepository) Create(ctx context.Context, ownerID string) (string, error) {
	now := r.now()
	rec := &model.ConversationRecord{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Title:     model.DefaultTitle,
		Messages:  []model.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return "", fmt.Errorf("failed to create conversation: %w", err)
	}
	return rec.ID, nil
}

func (r *mysqlConversationRepository) Append(ctx context.Context, conversationID string, msg model.Message) error {
	return r.mutate(ctx, conversationID, true, func(rec *model.ConversationRecord) error {
		rec.Messages = append(rec.Messages, msg)
		return nil
	})
}

func (r *mysqlConversationRepository) Get(ctx context.Context, conversationID string) (*model.Conversation, error) {
	var rec model.ConversationRecord
	err := r.db.WithContext(ctx).Where("id = ?", conversationID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return rec.ToConversation(), nil
}

func (r *mysqlConversationRepository) List(ctx context.Context, ownerID string, limit int, favoritesOnly bool) ([]model.ChatListItem, error) {
	query := r.db.WithContext(ctx).
		Model(&model.ConversationRecord{}).
		Select("id", "title", "updated_at", "is_favorite").
		Where("owner_id = ?", ownerID)
	if favoritesOnly {
		query = query.Where("is_favorite = ?", true)
	}
	query = query.Order("updated_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var recs []model.ConversationRecord
	if err := query.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	items := make([]model.ChatListItem, len(recs))
	for i := range recs {
		items[i] = model.ChatListItem{ID: recs[i].ID, Title: recs[i].Title, UpdatedAt: recs[i].UpdatedAt, IsFavorite: recs[i].IsFavorite}
	}
	return items, nil
}

func (r *mysqlConversationRepository) SetTitle(ctx context.Context, conversationID, title string) error {
	return r.mutate(ctx, conversationID, false, func(rec *model.ConversationRecord) error {
		rec.Title = title
		return nil
	})
}

func (r *mysqlConversationRepository) SetFavorite(ctx context.Context, conversationID string, favorite bool) error {
	return r.mutate(ctx, conversationID, false, func(rec *model.ConversationRecord) error {
		rec.IsFavorite = favorite
		return nil
	})
}

func (r *mysqlConversationRepository) SetFeedback(ctx context.Context, conversationID string, messageIndex int, feedback model.Feedback) error {
	return r.mutate(ctx, conversationID, false, func(rec *model.ConversationRecord) error {
		conv := rec.ToConversation()
		msg, err := assistantAt(conv, messageIndex)
		if err != nil {
			return err
		}
		msg.Feedback = feedback
		rec.Messages = conv.Messages
		return nil
	})
}

func (r *mysqlConversationRepository) SetReferenceFeedback(ctx context.Context, conversationID string, messageIndex, refIndex int, feedback model.Feedback) error {
	return r.mutate(ctx, conversationID, false, func(rec *model.ConversationRecord) error {
		conv := rec.ToConversation()
		msg, err := assistantAt(conv, messageIndex)
		if err != nil {
			return err
		}
		if refIndex < 0 || refIndex >= len(msg.References) {
			return ErrReferenceNotFound
		}
		msg.References[refIndex].Feedback = feedback
		rec.Messages = conv.Messages
		return nil
	})
}

func (r *mysqlConversationRepository) Delete(ctx context.Context, conversationID string) error {
	res := r.db.WithContext(ctx).Where("id = ?", conversationID).Delete(&model.ConversationRecord{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete conversation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// mutate 在事务中以 SELECT ... FOR UPDATE 锁定行后修改并写回。
func (r *mysqlConversationRepository) mutate(ctx context.Context, conversationID string, touch bool, fn func(*model.ConversationRecord) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec model.ConversationRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", conversationID).First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrConversationNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock conversation: %w", err)
		}
		if err := fn(&rec); err != nil {
			return err
		}
		if touch {
			rec.UpdatedAt = r.now()
		}
		err = tx.Model(&rec).
			Select("title", "is_favorite", "messages", "updated_at").
			UpdateColumns(&rec).Error
		if err != nil {
			return fmt.Errorf("failed to update conversation: %w", err)
		}
		return nil
	})
}
