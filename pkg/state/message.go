package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/beckchat/beck/pkg/events"
)

// Message is the identity of the assistant message being reconciled.
type Message struct {
	ID        string
	SessionID string
	Role      string
	CreatedAt time.Time
}

// ContentBlock is one unit of message content. Ordering lives in
// MessageState.Order, not on the block itself.
type ContentBlock struct {
	ID          string
	Kind        events.BlockKind
	Text        string
	TaskID      string
	Placeholder bool
	Data        json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TaskStatus is the lifecycle state of a server-side task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

func parseTaskStatus(raw string) (TaskStatus, bool) {
	switch TaskStatus(raw) {
	case TaskPending, TaskProcessing, TaskCompleted, TaskFailed, TaskCancelled:
		return TaskStatus(raw), true
	}
	return "", false
}

// Task is a server-side operation reported over the stream: a tool
// invocation, a processing phase, or any other long-running step.
type Task struct {
	ID          string
	Type        string
	DisplayText string
	Status      TaskStatus
	Progress    float64
	ToolName    string
	ToolArgs    string
	Error       string
	StartedAt   time.Time
	CompletedAt time.Time
}

// MessageState is the reconciled snapshot for one in-flight message.
// Snapshots are immutable: every transition produces a fresh value, so a
// holder never observes a partially applied event. Treat all fields,
// including maps and slices, as read-only.
type MessageState struct {
	Message        Message
	Blocks         map[string]ContentBlock
	Order          []string
	ActiveTasks    map[string]Task
	CompletedTasks []Task
	CurrentBlockID string
	Connected      bool
	Streaming      bool
	IsComplete     bool
	Error          string
	ErrorDetail    string
	LastSequence   int64

	applied   map[string]struct{}
	toolIndex map[int]string
}

// NewMessageState returns the empty initial snapshot for a message.
func NewMessageState(sessionID, messageID string) *MessageState {
	return &MessageState{
		Message: Message{
			ID:        messageID,
			SessionID: sessionID,
			Role:      "assistant",
			CreatedAt: time.Now(),
		},
		Blocks:      make(map[string]ContentBlock),
		ActiveTasks: make(map[string]Task),
		applied:     make(map[string]struct{}),
		toolIndex:   make(map[int]string),
	}
}

func (s *MessageState) clone() *MessageState {
	next := &MessageState{
		Message:        s.Message,
		Blocks:         make(map[string]ContentBlock, len(s.Blocks)+1),
		Order:          append([]string(nil), s.Order...),
		ActiveTasks:    make(map[string]Task, len(s.ActiveTasks)+1),
		CompletedTasks: append([]Task(nil), s.CompletedTasks...),
		CurrentBlockID: s.CurrentBlockID,
		Connected:      s.Connected,
		Streaming:      s.Streaming,
		IsComplete:     s.IsComplete,
		Error:          s.Error,
		ErrorDetail:    s.ErrorDetail,
		LastSequence:   s.LastSequence,
		applied:        make(map[string]struct{}, len(s.applied)+1),
		toolIndex:      make(map[int]string, len(s.toolIndex)+1),
	}
	for id, b := range s.Blocks {
		next.Blocks[id] = b
	}
	for id, t := range s.ActiveTasks {
		next.ActiveTasks[id] = t
	}
	for k := range s.applied {
		next.applied[k] = struct{}{}
	}
	for idx, id := range s.toolIndex {
		next.toolIndex[idx] = id
	}
	return next
}

func eventKey(ev *events.StreamEvent) string {
	return fmt.Sprintf("%d:%s", ev.Metadata.Sequence, ev.ID)
}

func (s *MessageState) eventApplied(key string) bool {
	_, ok := s.applied[key]
	return ok
}

func (s *MessageState) rememberApplied(key string) {
	s.applied[key] = struct{}{}
}

// Block looks up a block by id.
func (s *MessageState) Block(id string) (ContentBlock, bool) {
	b, ok := s.Blocks[id]
	return b, ok
}

// OrderedBlocks returns the blocks in display order.
func (s *MessageState) OrderedBlocks() []ContentBlock {
	blocks := make([]ContentBlock, 0, len(s.Order))
	for _, id := range s.Order {
		if b, ok := s.Blocks[id]; ok {
			blocks = append(blocks, b)
		}
	}
	return blocks
}

// Text returns the concatenated text of all blocks in display order.
func (s *MessageState) Text() string {
	var out string
	for _, b := range s.OrderedBlocks() {
		out += b.Text
	}
	return out
}

// ActiveTaskList returns the active tasks ordered by start time, then id,
// so renders are stable across snapshots.
func (s *MessageState) ActiveTaskList() []Task {
	tasks := make([]Task, 0, len(s.ActiveTasks))
	for _, t := range s.ActiveTasks {
		tasks = append(tasks, t)
	}
	sortTasks(tasks)
	return tasks
}

func sortTasks(tasks []Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].StartedAt.Equal(tasks[j].StartedAt) {
			return tasks[i].StartedAt.Before(tasks[j].StartedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

func (s *MessageState) taskFinished(id string) bool {
	for _, t := range s.CompletedTasks {
		if t.ID == id {
			return true
		}
	}
	return false
}
