package events

import (
	"encoding/json"
	"strings"

	"github.com/beckchat/beck/pkg/logger"
)

// Decoder turns raw transport frames into stream events. Decoding is
// purely syntactic: heartbeats are discarded, malformed frames are
// dropped with a diagnostic, and semantic checks are left to later
// stages. A bad frame never fails the stream.
type Decoder struct {
	log *logger.Logger
}

// NewDecoder returns a decoder.
func NewDecoder() *Decoder {
	return &Decoder{log: logger.WithComponent("decoder")}
}

// heartbeatFrame reports whether the frame is transport keepalive noise.
// Frames with no named event type, or with one of the sentinel names, are
// never real events.
func heartbeatFrame(frame SSEFrame) bool {
	switch strings.ToLower(frame.Type) {
	case "", "ping", "heartbeat", "keepalive":
		return true
	}
	return false
}

// Decode parses one frame into a StreamEvent. It returns nil when the
// frame carries nothing for the reconciler: heartbeats, bodies that fail
// to parse, and envelopes missing mandatory fields.
func (d *Decoder) Decode(frame SSEFrame) *StreamEvent {
	if heartbeatFrame(frame) {
		return nil
	}

	var ev StreamEvent
	if err := json.Unmarshal([]byte(frame.Data), &ev); err != nil {
		d.log.Warn("dropping malformed frame", "frame_type", frame.Type, "error", err)
		return nil
	}

	if ev.ID == "" || ev.Type == "" {
		d.log.Warn("dropping frame missing mandatory fields",
			"event_id", ev.ID,
			"event_type", string(ev.Type),
			"message_id", ev.Metadata.MessageID)
		return nil
	}

	// The body is authoritative; the frame name is only a routing hint.
	if frame.Type != string(ev.Type) {
		d.log.Debug("frame name disagrees with event body",
			"frame_type", frame.Type,
			"event_type", string(ev.Type))
	}

	if ev.Type == TypeMessageDelta {
		delta, err := ParseDelta(ev.Payload)
		if err != nil {
			d.log.Warn("dropping message_delta with bad payload",
				"event_id", ev.ID,
				"message_id", ev.Metadata.MessageID,
				"error", err)
			return nil
		}
		ev.Delta = delta
	}

	return &ev
}
