package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// BlockKind classifies a content block.
type BlockKind string

const (
	BlockText             BlockKind = "text"
	BlockThinking         BlockKind = "thinking"
	BlockPlan             BlockKind = "plan"
	BlockToolCall         BlockKind = "tool_call"
	BlockToolOutput       BlockKind = "tool_output"
	BlockExecutionStatus  BlockKind = "execution_status"
	BlockEvaluationResult BlockKind = "evaluation_result"
	BlockImage            BlockKind = "image"
	BlockAudio            BlockKind = "audio"
	BlockVideo            BlockKind = "video"
	BlockFile             BlockKind = "file"
)

// SupportsText reports whether free text may be appended to a block of
// this kind. Appends that cannot name a block fall back to the most
// recent block for which this holds.
func (k BlockKind) SupportsText() bool {
	switch k {
	case BlockText, BlockThinking, BlockPlan:
		return true
	}
	return false
}

// Block is a content block as it appears on the wire, in block-upsert
// deltas and in the final message of a message_stop.
type Block struct {
	ID          string          `json:"id"`
	Kind        BlockKind       `json:"kind"`
	Text        string          `json:"text,omitempty"`
	TaskID      string          `json:"task_id,omitempty"`
	Placeholder bool            `json:"placeholder,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// DeltaKind discriminates the message_delta payload variants.
type DeltaKind int

const (
	DeltaTextAppend DeltaKind = iota
	DeltaBlockUpsert
	DeltaToolCallFragment
)

func (k DeltaKind) String() string {
	switch k {
	case DeltaTextAppend:
		return "text_append"
	case DeltaBlockUpsert:
		return "block_upsert"
	case DeltaToolCallFragment:
		return "tool_call_fragment"
	}
	return fmt.Sprintf("delta(%d)", int(k))
}

// ToolCallFragment is one partial tool invocation update. Fragments are
// correlated by ID when present; Index is the positional fallback for
// servers that never assign ids.
type ToolCallFragment struct {
	Index        int    `json:"index"`
	ID           string `json:"id,omitempty"`
	Name         string `json:"name,omitempty"`
	ArgsFragment string `json:"args_fragment,omitempty"`
	Status       string `json:"status,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Delta is the decoded payload of a message_delta event. Kind selects the
// variant; only that variant's fields are meaningful.
type Delta struct {
	Kind DeltaKind

	// Text append fields.
	Text        string
	BlockID     string // explicit append target, may be empty
	DeltaLength int    // server-reported length of this fragment
	TotalLength int    // server-reported cumulative text length

	// Block upsert fields.
	Block *Block
	Index int

	// Tool call fragment fields.
	ToolCall *ToolCallFragment
}

// ErrUnknownDeltaShape is returned when a message_delta payload matches
// none of the recognized variants.
var ErrUnknownDeltaShape = errors.New("unrecognized message_delta payload shape")

// deltaShape is the superset wire form of the object payload variants.
type deltaShape struct {
	Text        *string           `json:"text"`
	BlockID     string            `json:"block_id"`
	DeltaLength int               `json:"delta_length"`
	TotalLength int               `json:"total_length"`
	Block       *Block            `json:"block"`
	Index       int               `json:"index"`
	ToolCall    *ToolCallFragment `json:"tool_call"`
}

// ParseDelta decodes a message_delta payload into its tagged variant.
// Two wire forms exist: a bare JSON string (shorthand text append) and an
// object whose populated field determines the variant.
func ParseDelta(payload json.RawMessage) (*Delta, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, ErrUnknownDeltaShape
	}

	if trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return nil, fmt.Errorf("failed to decode text delta: %w", err)
		}
		return &Delta{Kind: DeltaTextAppend, Text: text}, nil
	}

	var shape deltaShape
	if err := json.Unmarshal(trimmed, &shape); err != nil {
		return nil, fmt.Errorf("failed to decode delta payload: %w", err)
	}

	switch {
	case shape.Block != nil:
		return &Delta{Kind: DeltaBlockUpsert, Block: shape.Block, Index: shape.Index}, nil
	case shape.ToolCall != nil:
		return &Delta{Kind: DeltaToolCallFragment, ToolCall: shape.ToolCall}, nil
	case shape.Text != nil:
		return &Delta{
			Kind:        DeltaTextAppend,
			Text:        *shape.Text,
			BlockID:     shape.BlockID,
			DeltaLength: shape.DeltaLength,
			TotalLength: shape.TotalLength,
		}, nil
	}
	return nil, ErrUnknownDeltaShape
}
