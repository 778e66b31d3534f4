package domain

import "time"

// TimestampLayout is the wire format for Exchange timestamps and default
// conversation titles, kept compatible with what clients already parse.
const TimestampLayout = "2006-01-02 15:04:05"

// ConversationMeta is one entry of the persisted conversation index.
type ConversationMeta struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Exchange is one completed turn: a user message paired with the assistant
// reply and an optional reasoning trace. Immutable once appended.
type Exchange struct {
	User      string `json:"user"`
	AI        string `json:"ai"`
	Reasoning string `json:"reasoning"`
	Timestamp string `json:"timestamp"`
}
