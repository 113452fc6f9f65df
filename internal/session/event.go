// Package session implements the Agent Session (one agent child process
// with a uniform event stream) and the Session Manager that owns the set
// of concurrent sessions, their replay history, and fan-out.
package session

import "encoding/json"

// EventType is the closed set of events an Agent Session emits, regardless
// of backend implementation.
type EventType string

const (
	EventReady             EventType = "ready"
	EventStreamStart       EventType = "stream_start"
	EventStreamDelta       EventType = "stream_delta"
	EventToolStart         EventType = "tool_start"
	EventStreamEnd         EventType = "stream_end"
	EventResult            EventType = "result"
	EventPermissionRequest EventType = "permission_request"
	EventUserQuestion      EventType = "user_question"
	EventError             EventType = "error"
	EventExit              EventType = "exit"

	// Transient events forwarded by the Session Manager but never recorded
	// into replay history.
	EventAgentSpawned  EventType = "agent_spawned"
	EventAgentComplete EventType = "agent_completed"
	EventPlanStarted   EventType = "plan_started"
	EventPlanReady     EventType = "plan_ready"
	EventStatusUpdate  EventType = "status_update"
)

// Event is a single item in an Agent Session's uniform event stream.
type Event struct {
	Type EventType `json:"type"`

	// ready
	SessionID string `json:"sessionId,omitempty"`
	Model     string `json:"model,omitempty"`

	// stream_start / stream_delta / tool_start / stream_end
	MessageID string `json:"messageId,omitempty"`
	Delta     string `json:"delta,omitempty"`
	Tool      string `json:"tool,omitempty"`
	Input     string `json:"input,omitempty"`

	// result
	Cost     float64 `json:"cost,omitempty"`
	Duration float64 `json:"duration,omitempty"`
	Usage    json.RawMessage `json:"usage,omitempty"`

	// permission_request
	RequestID string `json:"requestId,omitempty"`

	// user_question
	ToolUseID string   `json:"toolUseId,omitempty"`
	Questions []string `json:"questions,omitempty"`

	// error
	Kind        string `json:"kind,omitempty"`
	Message     string `json:"message,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`

	// exit
	Code int `json:"code,omitempty"`
}
