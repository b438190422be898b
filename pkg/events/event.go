package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies a stream event on the wire.
type EventType string

const (
	TypeTaskStarted   EventType = "task_started"
	TypeTaskProgress  EventType = "task_progress"
	TypeTaskCompleted EventType = "task_completed"
	TypeTaskFailed    EventType = "task_failed"
	TypeMessageDelta  EventType = "message_delta"
	TypeMessageStop   EventType = "message_stop"
	TypeError         EventType = "error"
)

// Known reports whether t is an event type this client understands.
// Unknown types are ignored for forward compatibility.
func (t EventType) Known() bool {
	switch t {
	case TypeTaskStarted, TypeTaskProgress, TypeTaskCompleted, TypeTaskFailed,
		TypeMessageDelta, TypeMessageStop, TypeError:
		return true
	}
	return false
}

// Terminal reports whether t ends the message's stream. After a terminal
// event no further event may mutate the message.
func (t EventType) Terminal() bool {
	return t == TypeMessageStop || t == TypeError
}

// Metadata addresses an event to one in-flight message.
type Metadata struct {
	MessageID string `json:"message_id"`
	SessionID string `json:"session_id"`
	Sequence  int64  `json:"sequence"`
}

// StreamEvent is one decoded event from the server feed. Produced once by
// the decoder and treated as immutable from then on.
type StreamEvent struct {
	ID        string          `json:"event_id"`
	Type      EventType       `json:"event_type"`
	Metadata  Metadata        `json:"metadata"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`

	// Delta is the decoded message_delta payload, populated by the decoder
	// so later stages switch on a closed variant instead of inspecting
	// payload shape at runtime. Nil for non-delta events.
	Delta *Delta `json:"-"`
}

// TaskPayload is the payload carried by the four task_* event types.
type TaskPayload struct {
	TaskID      string          `json:"task_id"`
	TaskType    string          `json:"task_type,omitempty"`
	DisplayText string          `json:"display_text,omitempty"`
	Status      string          `json:"status,omitempty"`
	Progress    *float64        `json:"progress,omitempty"`
	Error       string          `json:"error,omitempty"`
	ToolName    string          `json:"tool_name,omitempty"`
	ToolArgs    json.RawMessage `json:"tool_args,omitempty"`
}

// TaskPayload decodes the event payload as a task payload.
func (e *StreamEvent) TaskPayload() (*TaskPayload, error) {
	var p TaskPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode task payload: %w", err)
	}
	return &p, nil
}

// FinalMessage is the authoritative message object a message_stop event
// may carry. Its fields win over the locally reconciled snapshot.
type FinalMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	Role      string    `json:"role,omitempty"`
	Blocks    []Block   `json:"blocks,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// StopPayload is the payload of a message_stop event.
type StopPayload struct {
	Message *FinalMessage `json:"message,omitempty"`
}

// StopPayload decodes the event payload as a stop payload. An empty or
// absent payload is valid: stop events need not carry a final message.
func (e *StreamEvent) StopPayload() (*StopPayload, error) {
	if len(e.Payload) == 0 {
		return &StopPayload{}, nil
	}
	var p StopPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode stop payload: %w", err)
	}
	return &p, nil
}

// ErrorPayload is the payload of a server-signaled error event. The error
// is terminal for the addressed message only, never the whole session.
type ErrorPayload struct {
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

// ErrorPayload decodes the event payload as an error payload.
func (e *StreamEvent) ErrorPayload() (*ErrorPayload, error) {
	if len(e.Payload) == 0 {
		return &ErrorPayload{}, nil
	}
	var p ErrorPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode error payload: %w", err)
	}
	return &p, nil
}
