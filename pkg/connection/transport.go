package connection

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/beckchat/beck/pkg/events"
	"github.com/beckchat/beck/pkg/logger"
)

// Conn is one live event feed. Events delivers decoded events until the
// feed ends; once the channel closes, Err reports why it ended (nil for
// a server hang-up with no read error).
type Conn interface {
	Events() <-chan *events.StreamEvent
	Err() error
	Close() error
}

// Transport opens the event feed for one in-flight message. lastEventID
// is the resume cursor: the server replays everything after it, zero
// means from the beginning.
type Transport interface {
	Open(ctx context.Context, sessionID, messageID string, lastEventID int64) (Conn, error)
}

// SSETransport reads server-sent event feeds over HTTP.
type SSETransport struct {
	baseURL string
	client  *http.Client
	decoder *events.Decoder
	buffer  int
	log     *logger.Logger
}

// NewSSETransport returns a transport for the given server. buffer sizes
// the per-connection event channel; zero or less picks a sane default.
func NewSSETransport(baseURL string, buffer int) *SSETransport {
	if buffer <= 0 {
		buffer = 64
	}
	return &SSETransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Feeds are long-lived: no client timeout, lifetime is governed by
		// the request context.
		client:  &http.Client{},
		decoder: events.NewDecoder(),
		buffer:  buffer,
		log:     logger.WithComponent("sse"),
	}
}

// Open starts the feed and decodes frames on a background goroutine.
func (t *SSETransport) Open(ctx context.Context, sessionID, messageID string, lastEventID int64) (Conn, error) {
	endpoint := fmt.Sprintf("%s/api/sessions/%s/messages/%s/events",
		t.baseURL, url.PathEscape(sessionID), url.PathEscape(messageID))
	if lastEventID > 0 {
		endpoint += "?last_event_id=" + strconv.FormatInt(lastEventID, 10)
	}

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("event stream returned status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	t.log.Debug("event stream opened",
		"message_id", messageID,
		"session_id", sessionID,
		"resume_from", lastEventID)

	c := &sseConn{
		events: make(chan *events.StreamEvent, t.buffer),
		done:   make(chan struct{}),
		cancel: cancel,
		body:   resp.Body,
	}
	go c.read(t.decoder)
	return c, nil
}

type sseConn struct {
	events chan *events.StreamEvent
	done   chan struct{}
	cancel context.CancelFunc
	body   io.ReadCloser

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func (c *sseConn) read(decoder *events.Decoder) {
	defer close(c.events)

	scanner := events.NewSSEScanner(c.body)
	for scanner.Next() {
		ev := decoder.Decode(scanner.Event())
		if ev == nil {
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			// Closed with no consumer left; stop instead of blocking on
			// the channel forever.
			return
		}
	}
	if err := scanner.Err(); err != nil {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
	}
}

func (c *sseConn) Events() <-chan *events.StreamEvent {
	return c.events
}

func (c *sseConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close tears the feed down. The event channel closes once the reader
// drains; Close never blocks on it.
func (c *sseConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		c.body.Close()
	})
	return nil
}
