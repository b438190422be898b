package chat

import (
	"context"
	"fmt"

	"github.com/beckchat/beck/pkg/config"
	"github.com/beckchat/beck/pkg/connection"
	"github.com/beckchat/beck/pkg/dispatch"
	"github.com/beckchat/beck/pkg/integrity"
	"github.com/beckchat/beck/pkg/logger"
	"github.com/beckchat/beck/pkg/state"
)

// Manager assembles the full streaming pipeline behind one façade: the
// REST client for sending and history, and the decoder, integrity
// tracker, reducer store, and connection manager for the live feed.
// Callers send a message, then read snapshots or subscribe; everything
// between the wire and the snapshot is internal.
type Manager struct {
	client  *Client
	store   *state.Store
	tracker *integrity.Tracker
	conns   *connection.Manager
	log     *logger.Logger
}

// NewManager builds the pipeline from configuration.
func NewManager(cfg *config.Config) *Manager {
	store := state.NewStore()
	tracker := integrity.NewTracker(cfg.Stream.MissingThreshold)
	dispatcher := dispatch.NewDispatcher(store, tracker)
	transport := connection.NewSSETransport(cfg.Server.URL, cfg.Stream.BufferSize)
	conns := connection.NewManager(transport, dispatcher, store, connection.Options{
		ReconnectDelay:       cfg.Stream.ReconnectDelay,
		MaxReconnectAttempts: cfg.Stream.MaxReconnectAttempts,
		ResumeCursor:         tracker.ResumeCursor,
	})

	// The dispatcher and tracker were built first, so their hooks into the
	// connection layer bind after the fact.
	dispatcher.BindLifecycle(conns)
	tracker.SetResyncHandler(conns.Resync)

	return &Manager{
		client:  NewClient(cfg.Server.URL, cfg.Server.Timeout),
		store:   store,
		tracker: tracker,
		conns:   conns,
		log:     logger.WithComponent("chat"),
	}
}

// Send posts user text and opens the event feed for the assistant
// message the server starts producing in response.
func (m *Manager) Send(ctx context.Context, sessionID, text string) (*SendResult, error) {
	result, err := m.client.SendMessage(ctx, sessionID, text)
	if err != nil {
		return nil, err
	}

	if result.AssistantMessageID == "" {
		m.log.Warn("server did not announce an assistant message", "session_id", sessionID)
		return result, nil
	}

	if err := m.conns.Connect(sessionID, result.AssistantMessageID); err != nil {
		return result, fmt.Errorf("message accepted but stream failed: %w", err)
	}
	return result, nil
}

// Open attaches to an in-flight assistant message without sending
// anything, for example after a restart with a known message id.
func (m *Manager) Open(sessionID, messageID string) error {
	return m.conns.Connect(sessionID, messageID)
}

// Snapshot returns the current reconciled state of a message.
func (m *Manager) Snapshot(messageID string) (*state.MessageState, bool) {
	return m.store.Snapshot(messageID)
}

// Subscribe registers a listener for snapshot changes. Listeners run on
// the dispatch path and must return quickly.
func (m *Manager) Subscribe(fn state.Listener) func() {
	return m.store.Subscribe(fn)
}

// History pages through a session's stored messages.
func (m *Manager) History(ctx context.Context, sessionID, cursor string, limit int) (*HistoryPage, error) {
	return m.client.History(ctx, sessionID, cursor, limit)
}

// Stats exposes a message's delivery counters.
func (m *Manager) Stats(messageID string) (integrity.Stats, bool) {
	return m.tracker.Stats(messageID)
}

// Connected reports whether any event feed is live.
func (m *Manager) Connected() bool {
	return m.conns.Connected()
}

// Streams lists the message ids with a tracked feed.
func (m *Manager) Streams() []string {
	return m.conns.ActiveStreams()
}

// Reset throws away a message's reconciled state and delivery
// bookkeeping. The feed is closed; reopen with Open to replay.
func (m *Manager) Reset(messageID string) {
	m.conns.Disconnect(messageID)
	m.tracker.Reset(messageID)
	m.store.Reset(messageID)
}

// CloseSession drops everything belonging to a session: feeds, state,
// and delivery bookkeeping.
func (m *Manager) CloseSession(sessionID string) {
	m.conns.DisconnectSession(sessionID)
	for _, id := range m.store.RemoveSession(sessionID) {
		m.tracker.Reset(id)
	}
}

// Close shuts the pipeline down.
func (m *Manager) Close() error {
	err := m.conns.Close()
	m.store.Clear()
	m.tracker.Clear()
	return err
}
