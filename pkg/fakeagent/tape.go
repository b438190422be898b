package fakeagent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	loremgen "github.com/bozaro/golorem"
	"github.com/google/uuid"

	"github.com/beckchat/beck/pkg/events"
)

// TapeEntry is one scripted item in a fake event stream. Exactly one of
// Event, Raw, Comment, or Drop should be set per entry.
type TapeEntry struct {
	// Event is serialized as an SSE frame named after its event type.
	Event *events.StreamEvent

	// Frame overrides the SSE "event:" field name. Useful for scripting
	// frames whose envelope disagrees with the body.
	Frame string

	// Raw is written as the frame's data line verbatim, letting tests
	// script payloads the decoder should reject.
	Raw string

	// Comment is written as an SSE comment line, the keepalive form
	// real servers emit between events.
	Comment string

	// Drop severs the connection at this point in the tape. A drop is
	// consumed once per server: replays after reconnect skip it.
	Drop bool

	// Delay pauses before the entry is written.
	Delay time.Duration
}

// Tape is an ordered script of entries a fake server plays back for one
// message stream.
type Tape struct {
	Entries []TapeEntry
}

// NewTape builds a tape from entries in playback order.
func NewTape(entries ...TapeEntry) *Tape {
	return &Tape{Entries: entries}
}

// Append adds entries to the end of the tape.
func (t *Tape) Append(entries ...TapeEntry) *Tape {
	t.Entries = append(t.Entries, entries...)
	return t
}

// Events returns the stream events on the tape in playback order,
// skipping raw frames, comments, and drop markers.
func (t *Tape) Events() []*events.StreamEvent {
	var evs []*events.StreamEvent
	for _, e := range t.Entries {
		if e.Event != nil {
			evs = append(evs, e.Event)
		}
	}
	return evs
}

// EventEntry wraps a stream event as a tape entry.
func EventEntry(ev *events.StreamEvent) TapeEntry {
	return TapeEntry{Event: ev}
}

// RawEntry scripts a frame with the given event name and verbatim data.
func RawEntry(frame, data string) TapeEntry {
	return TapeEntry{Frame: frame, Raw: data}
}

// CommentEntry scripts an SSE keepalive comment.
func CommentEntry(text string) TapeEntry {
	return TapeEntry{Comment: text}
}

// DropEntry scripts a mid-stream connection loss.
func DropEntry() TapeEntry {
	return TapeEntry{Drop: true}
}

// NewEvent builds a stream event addressed to one message. The payload is
// marshaled as-is; pass nil for events that carry none.
func NewEvent(typ events.EventType, sessionID, messageID string, seq int64, payload any) *events.StreamEvent {
	ev := &events.StreamEvent{
		ID:   uuid.NewString(),
		Type: typ,
		Metadata: events.Metadata{
			MessageID: messageID,
			SessionID: sessionID,
			Sequence:  seq,
		},
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			panic(fmt.Sprintf("fakeagent: cannot marshal payload: %v", err))
		}
		ev.Payload = data
	}
	return ev
}

// textAppend builds a message_delta text-append payload with running
// length bookkeeping, the way well-behaved servers report it.
type textAppend struct {
	Text        string `json:"text"`
	BlockID     string `json:"block_id,omitempty"`
	DeltaLength int    `json:"delta_length"`
	TotalLength int    `json:"total_length"`
}

// blockUpsert builds a message_delta block-upsert payload.
type blockUpsert struct {
	Block *events.Block `json:"block"`
	Index int           `json:"index"`
}

// toolFragment builds a message_delta tool-call-fragment payload.
type toolFragment struct {
	ToolCall *events.ToolCallFragment `json:"tool_call"`
}

// LoremTape scripts a plausible assistant turn for one message: a
// thinking block, a tool task streamed as fragments, then the answer
// text appended sentence by sentence, closed by a message_stop whose
// final message carries everything. Sentence count shapes the answer
// length; totals and sequences are kept consistent throughout.
func LoremTape(sessionID, messageID string, sentences int) *Tape {
	if sentences <= 0 {
		sentences = 3
	}
	gen := loremgen.New()
	tape := NewTape()

	seq := int64(0)
	next := func() int64 {
		seq++
		return seq
	}
	add := func(typ events.EventType, payload any) {
		tape.Append(EventEntry(NewEvent(typ, sessionID, messageID, next(), payload)))
	}

	// Thinking block, streamed as an upsert followed by appends.
	thought := gen.Sentence(5, 15)
	add(events.TypeMessageDelta, blockUpsert{
		Block: &events.Block{ID: "blk-thinking", Kind: events.BlockThinking},
		Index: 0,
	})
	add(events.TypeMessageDelta, textAppend{
		Text:        thought,
		BlockID:     "blk-thinking",
		DeltaLength: len(thought),
	})

	// A tool task: started, fragments accumulating arguments, progress,
	// then the result block and completion. Fragments carry the task id
	// so everything correlates to one task.
	taskID := "task-" + uuid.NewString()[:8]
	add(events.TypeTaskStarted, events.TaskPayload{
		TaskID:      taskID,
		TaskType:    "tool",
		DisplayText: "Searching",
		Status:      "pending",
		ToolName:    "search",
	})
	args := fmt.Sprintf(`{"query":%q}`, strings.TrimSuffix(gen.Sentence(2, 4), "."))
	for i := 0; i < len(args); i += 8 {
		end := i + 8
		if end > len(args) {
			end = len(args)
		}
		add(events.TypeMessageDelta, toolFragment{
			ToolCall: &events.ToolCallFragment{
				Index:        0,
				ID:           taskID,
				Name:         "search",
				ArgsFragment: args[i:end],
			},
		})
	}
	half := 0.5
	add(events.TypeTaskProgress, events.TaskPayload{
		TaskID:   taskID,
		Status:   "processing",
		Progress: &half,
	})
	add(events.TypeMessageDelta, blockUpsert{
		Block: &events.Block{
			ID:     "blk-tool",
			Kind:   events.BlockToolOutput,
			Text:   gen.Sentence(4, 8),
			TaskID: taskID,
		},
		Index: 1,
	})
	add(events.TypeTaskCompleted, events.TaskPayload{
		TaskID: taskID,
		Status: "completed",
	})

	// Answer text, one append per sentence with cumulative totals.
	add(events.TypeMessageDelta, blockUpsert{
		Block: &events.Block{ID: "blk-answer", Kind: events.BlockText},
		Index: 2,
	})
	var answer strings.Builder
	total := len(thought)
	for i := 0; i < sentences; i++ {
		fragment := gen.Sentence(5, 15)
		if i > 0 {
			fragment = " " + fragment
		}
		answer.WriteString(fragment)
		total += len(fragment)
		add(events.TypeMessageDelta, textAppend{
			Text:        fragment,
			BlockID:     "blk-answer",
			DeltaLength: len(fragment),
			TotalLength: total,
		})
	}

	// Authoritative final message.
	add(events.TypeMessageStop, events.StopPayload{
		Message: &events.FinalMessage{
			ID:   messageID,
			Role: "assistant",
			Blocks: []events.Block{
				{ID: "blk-thinking", Kind: events.BlockThinking, Text: thought},
				{ID: "blk-answer", Kind: events.BlockText, Text: answer.String()},
			},
			CreatedAt: time.Now().UTC(),
		},
	})
	return tape
}
