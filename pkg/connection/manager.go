package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/beckchat/beck/pkg/dispatch"
	"github.com/beckchat/beck/pkg/events"
	"github.com/beckchat/beck/pkg/integrity"
	"github.com/beckchat/beck/pkg/logger"
	"github.com/beckchat/beck/pkg/state"
)

const (
	// DefaultReconnectDelay separates consecutive reconnect attempts.
	DefaultReconnectDelay = 2 * time.Second
	// DefaultMaxReconnectAttempts bounds consecutive failed reopens before
	// the stream is declared dead.
	DefaultMaxReconnectAttempts = 5
)

// ErrManagerClosed is returned by Connect after Close.
var ErrManagerClosed = errors.New("connection manager is closed")

// Options tune the manager. Zero values select defaults; ResumeCursor
// supplies the sequence to resume from on reconnect, usually the
// integrity tracker's.
type Options struct {
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	ResumeCursor         func(messageID string) int64
}

type connState struct {
	sessionID string
	messageID string
	createdAt time.Time

	conn     Conn        // live feed, nil while down or opening
	attempts int         // consecutive failed reopens
	timer    *time.Timer // pending reconnect, nil when none
	opening  bool        // an open is in flight off-lock
}

// Manager owns at most one live feed per message id and at most one per
// session: connecting a new message supersedes the session's previous
// stream. Mid-stream failures are retried on a timer with a bounded
// attempt count; exhausting it synthesizes a terminal error event so the
// failure surfaces through the normal pipeline.
type Manager struct {
	transport   Transport
	dispatcher  *dispatch.Dispatcher
	store       *state.Store
	delay       time.Duration
	maxAttempts int
	cursor      func(messageID string) int64
	log         *logger.Logger

	mu     sync.Mutex
	conns  map[string]*connState
	closed bool
}

// NewManager wires a manager to its transport and pipeline.
func NewManager(transport Transport, dispatcher *dispatch.Dispatcher, store *state.Store, opts Options) *Manager {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	return &Manager{
		transport:   transport,
		dispatcher:  dispatcher,
		store:       store,
		delay:       opts.ReconnectDelay,
		maxAttempts: opts.MaxReconnectAttempts,
		cursor:      opts.ResumeCursor,
		log:         logger.WithComponent("connection"),
		conns:       make(map[string]*connState),
	}
}

func (m *Manager) resumeFrom(messageID string) int64 {
	if m.cursor == nil {
		return 0
	}
	return m.cursor(messageID)
}

// Connect opens the event feed for a message. Connecting an already
// tracked message is a no-op; connecting a new message for a session
// closes that session's previous stream first.
func (m *Manager) Connect(sessionID, messageID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if _, ok := m.conns[messageID]; ok {
		m.mu.Unlock()
		return nil
	}

	var superseded []string
	for id, c := range m.conns {
		if c.sessionID == sessionID {
			m.teardownLocked(c)
			superseded = append(superseded, id)
		}
	}

	c := &connState{
		sessionID: sessionID,
		messageID: messageID,
		createdAt: time.Now(),
		opening:   true,
	}
	m.conns[messageID] = c
	m.mu.Unlock()

	for _, id := range superseded {
		m.log.Info("superseding stream", "old_message_id", id, "new_message_id", messageID)
		m.store.SetConnected(id, false)
	}

	m.store.Open(sessionID, messageID)

	conn, err := m.transport.Open(context.Background(), sessionID, messageID, m.resumeFrom(messageID))

	m.mu.Lock()
	cur, ok := m.conns[messageID]
	if !ok || cur != c {
		// Torn down while the open was in flight.
		m.mu.Unlock()
		if err == nil {
			conn.Close()
		}
		return nil
	}
	if err != nil {
		delete(m.conns, messageID)
		m.mu.Unlock()
		return fmt.Errorf("failed to connect stream: %w", err)
	}
	c.opening = false
	c.conn = conn
	m.mu.Unlock()

	m.store.SetConnected(messageID, true)
	m.log.Info("stream connected", "message_id", messageID, "session_id", sessionID)
	go m.readLoop(c, conn)
	return nil
}

// readLoop drains one feed into the dispatcher, then decides what its end
// means: expected close, supersession, or a failure worth retrying.
func (m *Manager) readLoop(c *connState, conn Conn) {
	for ev := range conn.Events() {
		m.dispatcher.Dispatch(ev)
	}
	err := conn.Err()

	m.mu.Lock()
	cur, ok := m.conns[c.messageID]
	if !ok || cur != c || c.conn != conn {
		// Torn down or superseded while draining; whoever did it owns the
		// bookkeeping.
		m.mu.Unlock()
		return
	}
	c.conn = nil

	if !m.store.Streaming(c.messageID) {
		// The message reached a terminal state: the server hanging up is
		// the expected end of the feed.
		m.teardownLocked(c)
		m.mu.Unlock()
		m.store.SetConnected(c.messageID, false)
		m.log.Info("stream closed", "message_id", c.messageID)
		return
	}

	if err != nil {
		m.log.Warn("stream interrupted", "message_id", c.messageID, "error", err)
	} else {
		m.log.Warn("stream ended before message completed", "message_id", c.messageID)
	}
	m.scheduleReconnectLocked(c)
	m.mu.Unlock()
	m.store.SetConnected(c.messageID, false)
}

// scheduleReconnectLocked arms the retry timer or, once attempts are
// exhausted, fails the stream. Callers hold m.mu.
func (m *Manager) scheduleReconnectLocked(c *connState) {
	if c.attempts >= m.maxAttempts {
		m.teardownLocked(c)
		attempts := c.attempts
		go m.failStream(c.messageID, c.sessionID, attempts)
		return
	}
	c.attempts++
	m.log.Info("scheduling reconnect",
		"message_id", c.messageID,
		"attempt", c.attempts,
		"max_attempts", m.maxAttempts,
		"delay", m.delay.String())
	c.timer = time.AfterFunc(m.delay, func() { m.reconnect(c) })
}

// reconnect runs when the retry timer fires. Conditions are re-checked at
// fire time: the stream may have been torn down, superseded, resynced, or
// finished while the timer was pending.
func (m *Manager) reconnect(c *connState) {
	m.mu.Lock()
	cur, ok := m.conns[c.messageID]
	if !ok || cur != c || m.closed || c.conn != nil || c.opening {
		m.mu.Unlock()
		return
	}
	if !m.store.Streaming(c.messageID) {
		// Finished while we waited: nothing to resume.
		m.teardownLocked(c)
		m.mu.Unlock()
		m.store.SetConnected(c.messageID, false)
		m.log.Debug("skipping reconnect for completed message", "message_id", c.messageID)
		return
	}
	c.timer = nil
	c.opening = true
	m.mu.Unlock()

	cursor := m.resumeFrom(c.messageID)
	conn, err := m.transport.Open(context.Background(), c.sessionID, c.messageID, cursor)

	m.mu.Lock()
	cur, ok = m.conns[c.messageID]
	if !ok || cur != c {
		m.mu.Unlock()
		if err == nil {
			conn.Close()
		}
		return
	}
	c.opening = false
	if err != nil {
		m.log.Warn("reconnect attempt failed",
			"message_id", c.messageID,
			"attempt", c.attempts,
			"error", err)
		m.scheduleReconnectLocked(c)
		m.mu.Unlock()
		m.store.SetConnected(c.messageID, false)
		return
	}
	c.conn = conn
	c.attempts = 0
	m.mu.Unlock()

	m.store.SetConnected(c.messageID, true)
	m.log.Info("stream reconnected", "message_id", c.messageID, "resume_from", cursor)
	go m.readLoop(c, conn)
}

// failStream surfaces exhausted reconnect attempts as a terminal error
// event through the normal pipeline, so subscribers see it exactly like a
// server-signaled error.
func (m *Manager) failStream(messageID, sessionID string, attempts int) {
	m.log.Error("giving up on stream", "message_id", messageID, "attempts", attempts)

	payload, _ := json.Marshal(events.ErrorPayload{
		Message: fmt.Sprintf("connection failed after %d attempts", attempts),
	})
	m.dispatcher.Dispatch(&events.StreamEvent{
		ID:   uuid.NewString(),
		Type: events.TypeError,
		Metadata: events.Metadata{
			MessageID: messageID,
			SessionID: sessionID,
			// Sequence zero: synthesized locally, invisible to integrity
			// bookkeeping.
		},
		Payload:   payload,
		Timestamp: time.Now(),
	})
	m.store.SetConnected(messageID, false)
}

// Resync drops the current feed and reopens it from the last confirmed
// sequence. Invoked by the integrity tracker when too many gaps
// accumulate.
func (m *Manager) Resync(r integrity.Resync) {
	m.mu.Lock()
	c, ok := m.conns[r.MessageID]
	if !ok || m.closed || c.opening {
		m.mu.Unlock()
		return
	}
	old := c.conn
	// Detach before closing so the draining read loop sees itself
	// superseded instead of scheduling its own reconnect.
	c.conn = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	m.log.Warn("resyncing stream",
		"message_id", r.MessageID,
		"resume_from", r.LastConfirmed)
	go m.reconnect(c)
}

// OnTerminal closes a message's feed once a terminal event has been
// applied, rather than waiting for the server to hang up.
func (m *Manager) OnTerminal(messageID string) {
	m.mu.Lock()
	c, ok := m.conns[messageID]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.teardownLocked(c)
	m.mu.Unlock()

	m.store.SetConnected(messageID, false)
	m.log.Debug("closed stream after terminal event", "message_id", messageID)
}

// Disconnect tears down a message's feed and forgets it.
func (m *Manager) Disconnect(messageID string) {
	m.mu.Lock()
	c, ok := m.conns[messageID]
	if ok {
		m.teardownLocked(c)
	}
	m.mu.Unlock()

	if ok {
		m.store.SetConnected(messageID, false)
		m.log.Info("stream disconnected", "message_id", messageID)
	}
}

// DisconnectSession tears down every feed belonging to a session.
func (m *Manager) DisconnectSession(sessionID string) {
	m.mu.Lock()
	var dropped []string
	for id, c := range m.conns {
		if c.sessionID == sessionID {
			m.teardownLocked(c)
			dropped = append(dropped, id)
		}
	}
	m.mu.Unlock()

	for _, id := range dropped {
		m.store.SetConnected(id, false)
	}
	if len(dropped) > 0 {
		m.log.Info("session streams disconnected", "session_id", sessionID, "count", len(dropped))
	}
}

// Close tears down all feeds and rejects further connects.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	var dropped []string
	for id, c := range m.conns {
		m.teardownLocked(c)
		dropped = append(dropped, id)
	}
	m.mu.Unlock()

	for _, id := range dropped {
		m.store.SetConnected(id, false)
	}
	m.log.Info("connection manager closed", "dropped", len(dropped))
	return nil
}

// teardownLocked stops timers, closes the feed, and forgets the entry.
// Callers hold m.mu and flip the store's connected flag afterwards.
func (m *Manager) teardownLocked(c *connState) {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	delete(m.conns, c.messageID)
}

// Connected reports whether any feed is currently live.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		if c.conn != nil {
			return true
		}
	}
	return false
}

// ActiveStreams lists the message ids with a tracked feed, live or
// reconnecting, in stable order.
func (m *Manager) ActiveStreams() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
