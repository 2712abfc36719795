package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// Workflow engine events.
	EventWorkflowStarted       EventType = "workflow.started"
	EventWorkflowCompleted     EventType = "workflow.completed"
	EventWorkflowFailed        EventType = "workflow.failed"
	EventWorkflowStopped       EventType = "workflow.stopped"
	EventStateEntered          EventType = "workflow.state.entered"
	EventStateExited           EventType = "workflow.state.exited"
	EventStateTransition       EventType = "workflow.transition"
	EventModelCalled           EventType = "workflow.model.called"
	EventWorkflowRecovered     EventType = "workflow.recovered"
	EventSelectionFailed       EventType = "workflow.selection_failed"
	EventToolServerUnavailable EventType = "workflow.toolserver.unavailable"

	// Orchestration engine events.
	EventOrchestrationStarted   EventType = "orchestration.started"
	EventOrchestrationCompleted EventType = "orchestration.completed"
	EventOrchestrationFailed    EventType = "orchestration.failed"
	EventEntryStarted           EventType = "orchestration.entry.started"
	EventEntryCompleted         EventType = "orchestration.entry.completed"
	EventEntryFailed            EventType = "orchestration.entry.failed"
	EventEntrySkipped           EventType = "orchestration.entry.skipped"
	EventEntryUnschedulable     EventType = "orchestration.entry.unschedulable"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	RunID     string          `json:"run_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// StepEventPayload is the payload for per-state workflow events.
type StepEventPayload struct {
	Workflow string `json:"workflow"`
	State    string `json:"state,omitempty"`
	Next     string `json:"next,omitempty"`
	Model    string `json:"model,omitempty"`
	Error    string `json:"error,omitempty"`
}

// EntryEventPayload is the payload for orchestration entry events.
type EntryEventPayload struct {
	Orchestration string `json:"orchestration"`
	Entry         string `json:"entry,omitempty"`
	Status        string `json:"status,omitempty"`
	Error         string `json:"error,omitempty"`
}
