package groq

import "github.com/koscakluka/ema-voice/core/conversations"

type message struct {
	Role    messageRole `json:"role"`
	Content string      `json:"content"`
}

type messageRole string

const (
	messageRoleSystem    messageRole = "system"
	messageRoleUser      messageRole = "user"
	messageRoleAssistant messageRole = "assistant"
)

func toMessages(instructions string, history []conversations.Turn, transcript string) []message {
	messages := make([]message, 0, len(history)+2)
	if instructions != "" {
		messages = append(messages, message{
			Role:    messageRoleSystem,
			Content: instructions,
		})
	}
	for _, turn := range history {
		if turn.Text == "" {
			continue
		}
		role := messageRoleUser
		if turn.Role == conversations.RoleAssistant {
			role = messageRoleAssistant
		}
		messages = append(messages, message{Role: role, Content: turn.Text})
	}
	return append(messages, message{Role: messageRoleUser, Content: transcript})
}
