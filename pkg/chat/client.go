package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/beckchat/beck/pkg/events"
	"github.com/beckchat/beck/pkg/logger"
)

// DefaultTimeout bounds the REST calls. It does not apply to event
// feeds, which are long-lived by design.
const DefaultTimeout = 60 * time.Second

// HistoryMessage is a message as the server's REST surface returns it.
type HistoryMessage struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Role      string         `json:"role"`
	Blocks    []events.Block `json:"blocks,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Text joins the message's text-bearing blocks.
func (m HistoryMessage) Text() string {
	var b strings.Builder
	for _, blk := range m.Blocks {
		b.WriteString(blk.Text)
	}
	return b.String()
}

// SendResult is the server's answer to a posted message: the stored user
// message plus the id of the assistant message now being produced, which
// is the handle for opening its event feed.
type SendResult struct {
	UserMessage        HistoryMessage `json:"user_message"`
	AssistantMessageID string         `json:"assistant_message_id"`
}

// HistoryPage is one page of session history.
type HistoryPage struct {
	Messages   []HistoryMessage `json:"messages"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

// ServerError is a non-2xx REST response.
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to the chat server's REST surface: sending messages and
// paging history. Event feeds are the transport's job, not the client's.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *logger.Logger
}

// NewClient creates a client for the given server.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		log:        logger.WithComponent("chat-client"),
	}
}

// SendMessage posts user text to a session. The server stores it and
// answers with the assistant message id it will stream under.
func (c *Client) SendMessage(ctx context.Context, sessionID, text string) (*SendResult, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/sessions/%s/messages", c.baseURL, url.PathEscape(sessionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.log.Debug("sending message", "session_id", sessionID, "length", len(text))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, readServerError(resp)
	}

	var result SendResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode send response: %w", err)
	}
	return &result, nil
}

// History fetches one page of a session's messages. An empty cursor
// starts from the newest; limit zero or less leaves paging to the server.
func (c *Client) History(ctx context.Context, sessionID, cursor string, limit int) (*HistoryPage, error) {
	endpoint := fmt.Sprintf("%s/api/sessions/%s/messages", c.baseURL, url.PathEscape(sessionID))
	query := url.Values{}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readServerError(resp)
	}

	var page HistoryPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return &page, nil
}

func readServerError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	message := strings.TrimSpace(string(body))

	var wire struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &wire) == nil && wire.Error != "" {
		message = wire.Error
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return &ServerError{StatusCode: resp.StatusCode, Message: message}
}
