package domain

import "context"

// UIEventType is the type tag of a front-end event.
type UIEventType string

const (
	UIEventLog         UIEventType = "log"
	UIEventStateChange UIEventType = "state_change"
	UIEventResponse    UIEventType = "response"
	UIEventPrompt      UIEventType = "prompt"
	UIEventInput       UIEventType = "input"
	UIEventError       UIEventType = "error"
	UIEventStopped     UIEventType = "stopped"
	UIEventComplete    UIEventType = "complete"
)

// UIEvent is one record of the front-end event stream.
// Its JSON encoding is the wire shape consumed by browser clients.
type UIEvent struct {
	Type    UIEventType `json:"type"`
	Message string      `json:"message,omitempty"`
	Data    any         `json:"data,omitempty"`
}

// FrontEnd is an interactive surface driving a workflow run.
type FrontEnd interface {
	// RequestInput blocks until the user supplies a line of text.
	// An empty string means no input was given.
	RequestInput(ctx context.Context, prompt string) (string, error)
	// Emit delivers an event to the user. It must not block indefinitely.
	Emit(event UIEvent)
	// Close releases input channels and streams. Safe to call repeatedly.
	Close() error
}
