package model

// ConversationTurn 是一次问答交换，由扁平的 user/assistant 消息对还原而来。
type ConversationTurn struct {
	Question      string
	Answer        string
	References    []Reference
	Followups     []string
	ThinkingSteps []ThinkingStep
	Status        TurnStatus
	// UserIndex/AssistantIndex 是在扁平消息列表中的下标，缺失时为 -1
	UserIndex      int
	AssistantIndex int
}

// PairTurns 将扁平消息列表按 user→assistant 的顺序配对。
// 连续的 user 消息各自成为一个没有回答的 turn；开头孤立的 assistant 消息同样单独成 turn。
func PairTurns(messages []Message) []ConversationTurn {
	var turns []ConversationTurn
	for i, m := range messages {
		switch m.Role {
		case RoleUser:
			turns = append(turns, ConversationTurn{
				Question:       m.Content,
				Status:         StatusPending,
				UserIndex:      i,
				AssistantIndex: -1,
			})
		case RoleAssistant:
			if n := len(turns); n > 0 && turns[n-1].AssistantIndex == -1 && turns[n-1].UserIndex >= 0 {
				fillAnswer(&turns[n-1], m, i)
				continue
			}
			t := ConversationTurn{UserIndex: -1}
			fillAnswer(&t, m, i)
			turns = append(turns, t)
		}
	}
	return turns
}

func fillAnswer(t *ConversationTurn, m Message, idx int) {
	t.Answer = m.Content
	t.References = m.References
	t.Followups = m.FollowupQuestions
	t.ThinkingSteps = m.ThinkingSteps
	t.Status = m.Status
	if t.Status == "" {
		t.Status = StatusComplete
	}
	t.AssistantIndex = idx
}
