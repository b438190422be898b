package state

import (
	"sync"

	"github.com/beckchat/beck/pkg/events"
	"github.com/beckchat/beck/pkg/logger"
)

// Listener receives the fresh snapshot produced by a state change.
// Listeners run on the dispatch path and must not block or apply events
// back into the store synchronously.
type Listener func(messageID string, snapshot *MessageState)

// Store holds the reconciled snapshot for every tracked message and
// fans out changes to subscribers. Updates and notifications are
// serialized: a listener always sees snapshots in the order they were
// produced.
type Store struct {
	// applyMu serializes the mutate-then-notify path end to end.
	applyMu sync.Mutex
	// mu guards the maps for concurrent readers.
	mu        sync.RWMutex
	states    map[string]*MessageState
	listeners map[int]Listener
	nextID    int
	log       *logger.Logger
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		states:    make(map[string]*MessageState),
		listeners: make(map[int]Listener),
		log:       logger.WithComponent("state"),
	}
}

// Open ensures a snapshot exists for the message and marks it in flight.
// Opening an already-tracked message is a no-op.
func (st *Store) Open(sessionID, messageID string) *MessageState {
	st.applyMu.Lock()
	defer st.applyMu.Unlock()

	st.mu.Lock()
	s, ok := st.states[messageID]
	if !ok {
		s = NewMessageState(sessionID, messageID)
		s.Streaming = true
		st.states[messageID] = s
	}
	st.mu.Unlock()

	if !ok {
		st.log.Debug("opened message state", "message_id", messageID, "session_id", sessionID)
		st.notify(messageID, s)
	}
	return s
}

// Apply reduces one event into the addressed message's snapshot and
// returns the result. Messages are created on first sight, so events can
// precede an explicit Open.
func (st *Store) Apply(ev *events.StreamEvent) *MessageState {
	if ev == nil {
		return nil
	}
	messageID := ev.Metadata.MessageID
	if messageID == "" {
		st.log.Warn("dropping event without message id",
			"event_id", ev.ID, "event_type", string(ev.Type))
		return nil
	}

	st.applyMu.Lock()
	defer st.applyMu.Unlock()

	st.mu.Lock()
	s, ok := st.states[messageID]
	if !ok {
		s = NewMessageState(ev.Metadata.SessionID, messageID)
	}
	next := Reduce(s, ev)
	changed := next != s || !ok
	if changed {
		st.states[messageID] = next
	}
	st.mu.Unlock()

	if changed {
		st.notify(messageID, next)
	}
	return next
}

// SetConnected records transport connectivity on the message's snapshot.
// Unknown messages are ignored.
func (st *Store) SetConnected(messageID string, connected bool) {
	st.applyMu.Lock()
	defer st.applyMu.Unlock()

	st.mu.Lock()
	s, ok := st.states[messageID]
	var next *MessageState
	if ok {
		next = withConnected(s, connected)
		if next != s {
			st.states[messageID] = next
		}
	}
	st.mu.Unlock()

	if ok && next != s {
		st.notify(messageID, next)
	}
}

// Snapshot returns the current snapshot for a message.
func (st *Store) Snapshot(messageID string) (*MessageState, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.states[messageID]
	return s, ok
}

// Streaming reports whether the message is tracked and still in flight.
func (st *Store) Streaming(messageID string) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.states[messageID]
	return ok && s.Streaming && !s.IsComplete
}

// Subscribe registers a listener for snapshot changes across all
// messages. The returned cancel function removes it.
func (st *Store) Subscribe(fn Listener) func() {
	st.mu.Lock()
	id := st.nextID
	st.nextID++
	st.listeners[id] = fn
	st.mu.Unlock()

	return func() {
		st.mu.Lock()
		delete(st.listeners, id)
		st.mu.Unlock()
	}
}

// Reset replaces the message's snapshot with a fresh initial one,
// keeping identity and connectivity. Used when the caller wants to
// replay a stream from scratch.
func (st *Store) Reset(messageID string) {
	st.applyMu.Lock()
	defer st.applyMu.Unlock()

	st.mu.Lock()
	s, ok := st.states[messageID]
	var fresh *MessageState
	if ok {
		fresh = NewMessageState(s.Message.SessionID, messageID)
		fresh.Connected = s.Connected
		fresh.Streaming = true
		st.states[messageID] = fresh
	}
	st.mu.Unlock()

	if ok {
		st.log.Info("reset message state", "message_id", messageID)
		st.notify(messageID, fresh)
	}
}

// Remove drops a message from the store entirely.
func (st *Store) Remove(messageID string) {
	st.applyMu.Lock()
	defer st.applyMu.Unlock()

	st.mu.Lock()
	delete(st.states, messageID)
	st.mu.Unlock()
}

// RemoveSession drops every message belonging to a session and returns
// the removed ids. Used when the UI switches conversations.
func (st *Store) RemoveSession(sessionID string) []string {
	st.applyMu.Lock()
	defer st.applyMu.Unlock()

	st.mu.Lock()
	var removed []string
	for id, s := range st.states {
		if s.Message.SessionID == sessionID {
			delete(st.states, id)
			removed = append(removed, id)
		}
	}
	st.mu.Unlock()
	return removed
}

// Clear drops all tracked messages.
func (st *Store) Clear() {
	st.applyMu.Lock()
	defer st.applyMu.Unlock()

	st.mu.Lock()
	st.states = make(map[string]*MessageState)
	st.mu.Unlock()
}

func (st *Store) notify(messageID string, s *MessageState) {
	st.mu.RLock()
	fns := make([]Listener, 0, len(st.listeners))
	for _, fn := range st.listeners {
		fns = append(fns, fn)
	}
	st.mu.RUnlock()

	for _, fn := range fns {
		fn(messageID, s)
	}
}
