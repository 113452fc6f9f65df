package history

import "time"

// EntryKind is the closed set of replay history entry kinds (spec section 3).
type EntryKind string

const (
	KindUserInput         EntryKind = "user_input"
	KindAssistantResponse EntryKind = "assistant_response"
	KindToolStart         EntryKind = "tool_start"
	KindUserQuestion      EntryKind = "user_question"
	KindResult            EntryKind = "result"
)

// Entry is a single recorded history item for a session.
type Entry struct {
	Kind      EntryKind `json:"kind"`
	MessageID string    `json:"messageId,omitempty"`
	ToolUseID string    `json:"toolUseId,omitempty"`
	Text      string    `json:"text,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	Input     string    `json:"input,omitempty"` // tool input as received from the backend; not redacted or truncated
	Questions []string  `json:"questions,omitempty"`
	Cost      float64   `json:"cost,omitempty"`
	Duration  float64   `json:"durationMs,omitempty"`
	At        time.Time `json:"at"`
}

// Cap is the fixed replay history capacity per session (spec section 3, N=100).
const Cap = 100
