package council

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Event is one progress notification from a session's event stream.
type Event struct {
	Type          string         `json:"type"`
	SessionID     string         `json:"session_id"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

// Event type values as emitted by the engine.
const (
	EventRoundStart          = "round_start"
	EventAgentPartial        = "agent_partial"
	EventAgentComplete       = "agent_complete"
	EventAgentFailed         = "agent_failed"
	EventRoundComplete       = "round_complete"
	EventSessionStateChanged = "session_state_changed"
)

// EventStream delivers a session's events as they happen. Consume
// Events until the channel closes, then check Err for the cause.
type EventStream struct {
	ch     chan Event
	cancel context.CancelFunc

	mu   sync.Mutex
	err  error
	once sync.Once
}

// Events returns the channel of incoming events. It closes when the
// stream ends for any reason.
func (s *EventStream) Events() <-chan Event { return s.ch }

// Err returns the error that ended the stream, if any. A clean server
// shutdown or a Close ends the stream with a nil error.
func (s *EventStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the stream. Safe to call more than once.
func (s *EventStream) Close() {
	s.once.Do(s.cancel)
}

func (s *EventStream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// StreamEvents opens the session's SSE stream. With replay, recent
// history the server retains is delivered first, so an observer that
// attaches mid-run still sees how the round began. Delivery is
// best-effort: a client that reads too slowly misses events.
func (c *Client) StreamEvents(ctx context.Context, sessionID string, replay bool) (*EventStream, error) {
	path := "/v1/sessions/" + sessionID + "/events"
	if replay {
		path += "?replay=1"
	}

	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	// Streams outlive any request timeout configured on the client.
	hc := &http.Client{Transport: c.httpClient.Transport}
	resp, err := hc.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		defer cancel()
		apiErr := &APIError{StatusCode: resp.StatusCode, Code: "unknown"}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil && envelope.Error.Code != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return nil, apiErr
	}

	stream := &EventStream{
		ch:     make(chan Event, 32),
		cancel: cancel,
	}
	go stream.read(ctx, resp.Body)
	return stream, nil
}

// read parses event:/data: frames until the connection ends. Comment
// lines (heartbeats) are skipped.
func (s *EventStream) read(ctx context.Context, body io.ReadCloser) {
	defer close(s.ch)
	defer body.Close()
	defer s.cancel()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		select {
		case s.ch <- ev:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.setErr(err)
	}
}
