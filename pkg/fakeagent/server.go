package fakeagent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/beckchat/beck/pkg/events"
	"github.com/beckchat/beck/pkg/logger"
)

// errDropped ends a stream early when the tape scripts a connection loss.
var errDropped = fmt.Errorf("tape drop")

// Message is a stored message as the REST surface returns it.
type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Role      string         `json:"role"`
	Blocks    []events.Block `json:"blocks,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Config tunes the fake server.
type Config struct {
	// Heartbeat is the keepalive comment cadence on open streams.
	// Zero disables heartbeats.
	Heartbeat time.Duration

	// PageSize caps history pages when the request names no limit.
	PageSize int

	// Scripter, when set, builds the tape for each assistant message as
	// it is created by a send. Tests that need the tape in place before
	// the message id exists hook in here.
	Scripter func(sessionID, messageID, text string) *Tape
}

// Server is an in-process chat backend that plays scripted tapes over
// the same REST and event-stream surface the real server exposes. Tests
// point a client at it to exercise delivery faults deterministically.
type Server struct {
	cfg Config
	log *logger.Logger

	mu            sync.Mutex
	tapes         map[string]*Tape
	dropsUsed     map[string]int
	sessions      map[string][]Message
	connects      map[string]int
	resumeCursors map[string][]int64
}

// NewServer creates a fake server with no tapes loaded.
func NewServer(cfg Config) *Server {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	return &Server{
		cfg:           cfg,
		log:           logger.WithComponent("fakeagent"),
		tapes:         make(map[string]*Tape),
		dropsUsed:     make(map[string]int),
		sessions:      make(map[string][]Message),
		connects:      make(map[string]int),
		resumeCursors: make(map[string][]int64),
	}
}

// SetTape installs the tape played back for a message's event feed.
func (s *Server) SetTape(messageID string, tape *Tape) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tapes[messageID] = tape
	s.dropsUsed[messageID] = 0
}

// SeedHistory appends messages to a session's stored history.
func (s *Server) SeedHistory(sessionID string, messages ...Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = append(s.sessions[sessionID], messages...)
}

// Connects reports how many times a message's event feed was opened.
func (s *Server) Connects(messageID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects[messageID]
}

// ResumeCursors reports the last_event_id of each feed open for a
// message, in connection order. A fresh open records zero.
func (s *Server) ResumeCursors(messageID string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.resumeCursors[messageID]))
	copy(out, s.resumeCursors[messageID])
	return out
}

// Handler returns the HTTP surface: message send, history paging, and
// the per-message event feed.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sessions/{session}/messages", s.handleSend)
	mux.HandleFunc("GET /api/sessions/{session}/messages", s.handleHistory)
	mux.HandleFunc("GET /api/sessions/{session}/messages/{message}/events", s.handleEvents)
	return mux
}

// ListenAndServe runs the server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("fake agent listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("fake agent server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")

	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	now := time.Now().UTC()
	userMsg := Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      "user",
		Blocks: []events.Block{
			{ID: "blk-" + uuid.NewString()[:8], Kind: events.BlockText, Text: req.Text},
		},
		CreatedAt: now,
	}
	assistantID := uuid.NewString()

	s.mu.Lock()
	s.sessions[sessionID] = append(s.sessions[sessionID], userMsg)
	s.mu.Unlock()

	if s.cfg.Scripter != nil {
		if tape := s.cfg.Scripter(sessionID, assistantID, req.Text); tape != nil {
			s.SetTape(assistantID, tape)
		}
	}

	s.log.Debug("message accepted",
		"session_id", sessionID, "assistant_message_id", assistantID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"user_message":         userMsg,
		"assistant_message_id": assistantID,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")

	limit := s.cfg.PageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	offset := 0
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		offset = n
	}

	s.mu.Lock()
	stored := s.sessions[sessionID]
	newestFirst := make([]Message, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		newestFirst = append(newestFirst, stored[i])
	}
	s.mu.Unlock()

	if offset > len(newestFirst) {
		offset = len(newestFirst)
	}
	end := offset + limit
	if end > len(newestFirst) {
		end = len(newestFirst)
	}

	resp := map[string]any{"messages": newestFirst[offset:end]}
	if end < len(newestFirst) {
		resp["next_cursor"] = strconv.Itoa(end)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	messageID := r.PathValue("message")

	var lastEventID int64
	if raw := r.URL.Query().Get("last_event_id"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid last_event_id")
			return
		}
		lastEventID = n
	}

	entries, ok := s.preparePlayback(messageID, lastEventID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown message")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.log.Debug("stream opened",
		"message_id", messageID, "last_event_id", lastEventID, "entries", len(entries))
	s.playTape(r.Context(), w, flusher, entries)
}

// playbackEntry is one frame ready to write, or a scripted drop.
type playbackEntry struct {
	data  string
	drop  bool
	delay time.Duration
}

// preparePlayback snapshots the tape for one connection: entries already
// delivered below the resume cursor are skipped, and the first unspent
// drop marker is consumed and truncates the run.
func (s *Server) preparePlayback(messageID string, lastEventID int64) ([]playbackEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tape := s.tapes[messageID]
	if tape == nil {
		return nil, false
	}
	s.connects[messageID]++
	s.resumeCursors[messageID] = append(s.resumeCursors[messageID], lastEventID)

	var out []playbackEntry
	dropsSeen := 0
	for _, e := range tape.Entries {
		switch {
		case e.Drop:
			if dropsSeen < s.dropsUsed[messageID] {
				dropsSeen++
				continue
			}
			s.dropsUsed[messageID]++
			out = append(out, playbackEntry{drop: true, delay: e.Delay})
			return out, true
		case e.Event != nil:
			if lastEventID > 0 && e.Event.Metadata.Sequence > 0 &&
				e.Event.Metadata.Sequence <= lastEventID {
				continue
			}
			frame, err := renderEventFrame(e)
			if err != nil {
				s.log.Error("failed to render tape event", "error", err)
				continue
			}
			out = append(out, playbackEntry{data: frame, delay: e.Delay})
		case e.Raw != "":
			out = append(out, playbackEntry{data: renderRawFrame(e.Frame, e.Raw), delay: e.Delay})
		case e.Comment != "":
			out = append(out, playbackEntry{data: ": " + e.Comment + "\n\n", delay: e.Delay})
		}
	}
	return out, true
}

// playTape writes prepared entries to the response, interleaving
// heartbeat comments when configured. A producer goroutine paces the
// tape so scripted delays never block heartbeats.
func (s *Server) playTape(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, entries []playbackEntry) {
	frames := make(chan playbackEntry)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(frames)
		for _, e := range entries {
			if e.delay > 0 {
				select {
				case <-time.After(e.delay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			select {
			case frames <- e:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	g.Go(func() error {
		var heartbeat <-chan time.Time
		if s.cfg.Heartbeat > 0 {
			ticker := time.NewTicker(s.cfg.Heartbeat)
			defer ticker.Stop()
			heartbeat = ticker.C
		}
		for {
			select {
			case e, ok := <-frames:
				if !ok {
					return nil
				}
				if e.drop {
					return errDropped
				}
				fmt.Fprint(w, e.data)
				flusher.Flush()
			case <-heartbeat:
				fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	// A drop or client hangup both just end the response body.
	_ = g.Wait()
}

func renderEventFrame(e TapeEntry) (string, error) {
	data, err := json.Marshal(e.Event)
	if err != nil {
		return "", fmt.Errorf("failed to encode event %s: %w", e.Event.ID, err)
	}
	frame := e.Frame
	if frame == "" {
		frame = string(e.Event.Type)
	}
	return fmt.Sprintf("event: %s\ndata: %s\n\n", frame, data), nil
}

func renderRawFrame(frame, data string) string {
	if frame == "" {
		return fmt.Sprintf("data: %s\n\n", data)
	}
	return fmt.Sprintf("event: %s\ndata: %s\n\n", frame, data)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
