package domain

// ChatMessage is the provider-agnostic chat message shape used by prompt
// assembly and the LLM integration.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Completion is the result of one completion call: the assistant text and an
// optional reasoning trace (empty when the model provides none).
type Completion struct {
	Text      string
	Reasoning string
}
