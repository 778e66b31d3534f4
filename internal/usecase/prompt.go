package usecase

import (
	"strings"

	"chat-agent/internal/domain"
)

// buildTurnMessages assembles the completion request for one chat turn: the
// assistant persona, every historical exchange replayed in append order, then
// the current user message. The full history rides along on every turn; no
// windowing is applied.
func buildTurnMessages(persona string, history []domain.Exchange, message string) []domain.ChatMessage {
	messages := make([]domain.ChatMessage, 0, 2*len(history)+2)
	messages = append(messages, domain.ChatMessage{Role: domain.RoleSystem, Content: persona})
	for _, ex := range history {
		messages = append(messages,
			domain.ChatMessage{Role: domain.RoleUser, Content: ex.User},
			domain.ChatMessage{Role: domain.RoleAssistant, Content: ex.AI},
		)
	}
	return append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: message})
}

const titleSystemPrompt = "You are a topic-summarizing assistant."

// buildTitleMessages condenses the full history into a single request asking
// for a short topic label to use as the conversation title.
func buildTitleMessages(history []domain.Exchange) []domain.ChatMessage {
	var b strings.Builder
	b.WriteString("Summarize the topic of the following conversation as a label of at most 10 words. Reply with the label only.\n\n")
	for _, ex := range history {
		b.WriteString("User: ")
		b.WriteString(ex.User)
		b.WriteString("\nAssistant: ")
		b.WriteString(ex.AI)
		b.WriteString("\n")
	}
	return []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: titleSystemPrompt},
		{Role: domain.RoleUser, Content: b.String()},
	}
}
