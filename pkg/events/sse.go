package events

import (
	"bufio"
	"io"
	"strings"
)

// SSEFrame is one server-sent event frame: the event name from the
// "event:" field and the joined "data:" lines. Comment-only frames are
// never surfaced; the scanner swallows them as keepalive noise.
type SSEFrame struct {
	Type string
	Data string
}

// SSEScanner incrementally parses a text/event-stream body into frames.
// It is not safe for concurrent use.
type SSEScanner struct {
	reader  *bufio.Reader
	current SSEFrame
	err     error
}

// NewSSEScanner returns a scanner reading frames from r.
func NewSSEScanner(r io.Reader) *SSEScanner {
	return &SSEScanner{reader: bufio.NewReaderSize(r, 64*1024)}
}

// Next advances to the next frame. It returns false when the stream ends
// or errors; Err distinguishes the two.
func (s *SSEScanner) Next() bool {
	if s.err != nil {
		return false
	}

	var (
		eventType string
		dataLines []string
		hasData   bool
	)

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				// A final frame without a trailing blank line still counts.
				if hasData {
					s.current = SSEFrame{Type: eventType, Data: strings.Join(dataLines, "\n")}
					return true
				}
				return false
			}
			s.err = err
			return false
		}

		line = strings.TrimRight(line, "\r\n")

		// Blank line terminates a frame.
		if line == "" {
			if hasData {
				s.current = SSEFrame{Type: eventType, Data: strings.Join(dataLines, "\n")}
				return true
			}
			// Heartbeat comments or stray separators produce empty frames;
			// keep reading.
			eventType = ""
			dataLines = nil
			continue
		}

		// Comment line, used by servers as a keepalive.
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if !found {
			// A bare field name is a field with an empty value.
			field = line
			value = ""
		}
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			eventType = value
		case "data":
			dataLines = append(dataLines, value)
			hasData = true
		default:
			// id, retry, and unknown fields are ignored: resume position is
			// carried in the event body, not the frame envelope.
		}
	}
}

// Event returns the frame read by the last successful Next.
func (s *SSEScanner) Event() SSEFrame {
	return s.current
}

// Err returns the first read error other than io.EOF.
func (s *SSEScanner) Err() error {
	return s.err
}
