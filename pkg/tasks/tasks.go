// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

// TitleTask 表示为新会话生成标题的异步任务。
type TitleTask struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Question       string `json:"question"`
	Language       string `json:"language"`
}
