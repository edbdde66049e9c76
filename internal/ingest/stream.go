package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Event is one server-sent event from the ingestion stream. Type is the SSE
// event name ("progress" or "update"; bare messages arrive as "message").
type Event struct {
	Type string
	Data []byte
}

// EventStream is a live connection to one job's event feed. Next blocks until
// an event arrives or the stream breaks.
type EventStream interface {
	Next() (Event, error)
	Close() error
}

// StreamOpener dials the event stream for a job. The HTTP/SSE implementation
// is below; tests substitute scripted streams.
type StreamOpener interface {
	Open(ctx context.Context, jobID string) (EventStream, error)
}

// SSEOpener connects to GET {base}/ingest/events/{job_id} and parses the
// text/event-stream framing.
type SSEOpener struct {
	baseURL    string
	httpClient *http.Client
}

func NewSSEOpener(baseURL string) *SSEOpener {
	// No client timeout: the stream stays open for the whole job. The
	// request context bounds its lifetime instead.
	return &SSEOpener{baseURL: baseURL, httpClient: &http.Client{}}
}

func (o *SSEOpener) Open(ctx context.Context, jobID string) (EventStream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/ingest/events/"+jobID, nil)
	if err != nil {
		return nil, fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-store")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("open stream: unexpected status %d", resp.StatusCode)
	}

	return &sseStream{body: resp.Body, scanner: bufio.NewScanner(resp.Body)}, nil
}

var _ StreamOpener = (*SSEOpener)(nil)

type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Next reads one SSE frame: accumulates "event:" and "data:" fields until a
// blank line, ignoring comments and unknown fields per the SSE wire format.
func (s *sseStream) Next() (Event, error) {
	ev := Event{Type: "message"}
	var data []string

	for s.scanner.Scan() {
		line := s.scanner.Text()
		if line == "" {
			if len(data) == 0 {
				// Heartbeat separator; keep reading.
				ev = Event{Type: "message"}
				continue
			}
			ev.Data = []byte(strings.Join(data, "\n"))
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue // comment / keep-alive
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Type = value
		case "data":
			data = append(data, value)
		}
	}

	if err := s.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

func (s *sseStream) Close() error {
	return s.body.Close()
}

var _ EventStream = (*sseStream)(nil)
