package model

import "time"

// ConversationRecord 是会话在 MySQL 中的行结构，消息以 JSON 列保存。
type ConversationRecord struct {
	ID         string    `gorm:"primaryKey;type:varchar(36)"`
	OwnerID    string    `gorm:"type:varchar(64);not null;index:idx_owner_updated,priority:1"`
	Title      string    `gorm:"type:varchar(255);not null"`
	IsFavorite bool      `gorm:"not null;default:false"`
	Messages   []Message `gorm:"serializer:json;type:json"`
	CreatedAt  time.Time
	UpdatedAt  time.Time `gorm:"index:idx_owner_updated,priority:2"`
}

func (ConversationRecord) TableName() string {
	return "conversations"
}

// ToConversation 转换为领域模型。
func (r *ConversationRecord) ToConversation() *Conversation {
	msgs := r.Messages
	if msgs == nil {
		msgs = []Message{}
	}
	return &Conversation{
		ID:         r.ID,
		OwnerID:    r.OwnerID,
		Title:      r.Title,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
		IsFavorite: r.IsFavorite,
		Messages:   msgs,
	}
}
