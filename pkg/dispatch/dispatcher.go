package dispatch

import (
	"sync"

	"github.com/beckchat/beck/pkg/events"
	"github.com/beckchat/beck/pkg/integrity"
	"github.com/beckchat/beck/pkg/logger"
	"github.com/beckchat/beck/pkg/state"
)

// Lifecycle is the connection-layer hook the dispatcher pokes when a
// message reaches a terminal event, so the transport can close without
// waiting for the server to hang up.
type Lifecycle interface {
	OnTerminal(messageID string)
}

// Dispatcher routes decoded events through the reconciliation pipeline:
// the integrity tracker observes delivery, the store folds the event into
// its snapshot, and terminal events notify the connection layer. Events
// for one connection arrive on one goroutine; the dispatcher adds no
// concurrency of its own.
type Dispatcher struct {
	store   *state.Store
	tracker *integrity.Tracker
	log     *logger.Logger

	mu        sync.RWMutex
	lifecycle Lifecycle
}

// NewDispatcher wires a dispatcher to its store and tracker.
func NewDispatcher(store *state.Store, tracker *integrity.Tracker) *Dispatcher {
	return &Dispatcher{
		store:   store,
		tracker: tracker,
		log:     logger.WithComponent("dispatch"),
	}
}

// BindLifecycle installs the connection-layer hook. Bound after
// construction because the connection manager is built on top of the
// dispatcher.
func (d *Dispatcher) BindLifecycle(lc Lifecycle) {
	d.mu.Lock()
	d.lifecycle = lc
	d.mu.Unlock()
}

// Dispatch feeds one event through the pipeline.
func (d *Dispatcher) Dispatch(ev *events.StreamEvent) {
	if ev == nil {
		return
	}

	// Delivery bookkeeping sees every sequenced event, including types we
	// do not understand: they still consume sequence numbers, and skipping
	// them would open phantom gaps.
	d.tracker.Observe(ev)

	if !ev.Type.Known() {
		d.log.Debug("ignoring unknown event type",
			"event_type", string(ev.Type),
			"message_id", ev.Metadata.MessageID,
			"sequence", ev.Metadata.Sequence)
		return
	}

	d.store.Apply(ev)

	if ev.Type.Terminal() {
		d.mu.RLock()
		lc := d.lifecycle
		d.mu.RUnlock()
		if lc != nil {
			lc.OnTerminal(ev.Metadata.MessageID)
		}
	}
}
