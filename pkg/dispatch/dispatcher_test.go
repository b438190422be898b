package dispatch

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beckchat/beck/pkg/events"
	"github.com/beckchat/beck/pkg/integrity"
	"github.com/beckchat/beck/pkg/state"
)

type recordingLifecycle struct {
	terminal []string
}

func (r *recordingLifecycle) OnTerminal(messageID string) {
	r.terminal = append(r.terminal, messageID)
}

func newTestDispatcher() (*Dispatcher, *state.Store, *integrity.Tracker) {
	store := state.NewStore()
	tracker := integrity.NewTracker(0)
	return NewDispatcher(store, tracker), store, tracker
}

func event(typ events.EventType, seq int64, payload string) *events.StreamEvent {
	ev := &events.StreamEvent{
		ID:   fmt.Sprintf("evt-%d", seq),
		Type: typ,
		Metadata: events.Metadata{
			MessageID: "msg-1",
			SessionID: "ses-1",
			Sequence:  seq,
		},
	}
	if payload != "" {
		ev.Payload = json.RawMessage(payload)
		if typ == events.TypeMessageDelta {
			d, err := events.ParseDelta(ev.Payload)
			if err != nil {
				panic(err)
			}
			ev.Delta = d
		}
	}
	return ev
}

func TestDispatcherRoutesEventsToStore(t *testing.T) {
	d, store, tracker := newTestDispatcher()

	d.Dispatch(event(events.TypeMessageDelta, 1, `{"block":{"id":"b1","kind":"text","text":"hi"},"index":0}`))

	s, ok := store.Snapshot("msg-1")
	require.True(t, ok)
	assert.Equal(t, "hi", s.Text())

	stats, ok := tracker.Stats("msg-1")
	require.True(t, ok)
	assert.Equal(t, int64(2), stats.Expected)
}

func TestDispatcherIgnoresUnknownEventTypes(t *testing.T) {
	d, store, tracker := newTestDispatcher()

	d.Dispatch(event(events.TypeTaskStarted, 1, `{"task_id":"tsk-1"}`))
	d.Dispatch(event(events.EventType("message_annotate"), 2, `{}`))

	// The unknown event never reached the store...
	s, _ := store.Snapshot("msg-1")
	assert.Equal(t, int64(1), s.LastSequence)

	// ...but its sequence number was consumed, so no phantom gap opens.
	assert.Empty(t, tracker.Missing("msg-1"))
	stats, _ := tracker.Stats("msg-1")
	assert.Equal(t, int64(3), stats.Expected)
}

func TestDispatcherSignalsTerminalEvents(t *testing.T) {
	d, store, _ := newTestDispatcher()
	lc := &recordingLifecycle{}
	d.BindLifecycle(lc)

	d.Dispatch(event(events.TypeTaskStarted, 1, `{"task_id":"tsk-1"}`))
	assert.Empty(t, lc.terminal)

	d.Dispatch(event(events.TypeMessageStop, 2, ""))
	assert.Equal(t, []string{"msg-1"}, lc.terminal)

	s, _ := store.Snapshot("msg-1")
	assert.True(t, s.IsComplete)
}

func TestDispatcherSignalsTerminalOnRedelivery(t *testing.T) {
	// A redelivered stop still pokes the lifecycle so a lingering
	// connection gets cleaned up even though the reducer no-ops.
	d, _, _ := newTestDispatcher()
	lc := &recordingLifecycle{}
	d.BindLifecycle(lc)

	stop := event(events.TypeMessageStop, 2, "")
	d.Dispatch(stop)
	d.Dispatch(stop)
	assert.Equal(t, []string{"msg-1", "msg-1"}, lc.terminal)
}

func TestDispatcherWithoutLifecycle(t *testing.T) {
	d, _, _ := newTestDispatcher()

	assert.NotPanics(t, func() {
		d.Dispatch(event(events.TypeError, 1, `{"message":"boom"}`))
		d.Dispatch(nil)
	})
}
