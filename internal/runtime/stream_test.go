package runtime

import (
	"bufio"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/szaher/council/internal/auth"
	"github.com/szaher/council/internal/council"
	"github.com/szaher/council/internal/events"
)

// sseLines feeds the stream's lines to a channel so reads can carry a
// deadline.
func sseLines(resp *http.Response) <-chan string {
	ch := make(chan string, 64)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
	}()
	return ch
}

// waitForSSEEvent scans until the named event arrives and returns its
// data payload.
func waitForSSEEvent(t *testing.T, lines <-chan string, event string) string {
	t.Helper()
	deadline := time.After(5 * time.Second)
	sawEvent := false
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("stream closed before event %q", event)
			}
			if line == "event: "+event {
				sawEvent = true
				continue
			}
			if sawEvent && strings.HasPrefix(line, "data: ") {
				return strings.TrimPrefix(line, "data: ")
			}
		case <-deadline:
			t.Fatalf("timed out waiting for SSE event %q", event)
		}
	}
}

func TestSSEStreamsStateChanges(t *testing.T) {
	f := newFixture(t)
	sess := createSession(t, f, 3)

	resp, err := f.ts.Client().Get(f.ts.URL + "/v1/sessions/" + sess.ID + "/events")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q, want text/event-stream", ct)
	}

	lines := sseLines(resp)

	// The subscription is registered before headers go out, so the
	// stop's event cannot be missed.
	if status, raw := f.do(t, http.MethodPost, "/v1/sessions/"+sess.ID+"/stop", nil); status != http.StatusOK {
		t.Fatalf("stop: status %d body %s", status, raw)
	}

	data := waitForSSEEvent(t, lines, string(events.SessionStateChanged))
	var ev events.Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		t.Fatalf("decode event %q: %v", data, err)
	}
	if ev.SessionID != sess.ID {
		t.Errorf("event session = %q, want %q", ev.SessionID, sess.ID)
	}
	if state, _ := ev.Data["state"].(string); state != string(council.StateComplete) {
		t.Errorf("event state = %v, want complete", ev.Data["state"])
	}
}

func TestSSEReplayResendsHistory(t *testing.T) {
	f := newFixture(t)
	sess := createSession(t, f, 3)

	// Complete before anyone subscribes; only replay can surface it.
	if status, _ := f.do(t, http.MethodPost, "/v1/sessions/"+sess.ID+"/stop", nil); status != http.StatusOK {
		t.Fatal("stop failed")
	}

	resp, err := f.ts.Client().Get(f.ts.URL + "/v1/sessions/" + sess.ID + "/events?replay=1")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	data := waitForSSEEvent(t, sseLines(resp), string(events.SessionStateChanged))
	if !strings.Contains(data, sess.ID) {
		t.Errorf("replayed event %q does not name the session", data)
	}
}

func TestSSEUnknownSession(t *testing.T) {
	f := newFixture(t)
	status, raw := f.do(t, http.MethodGet, "/v1/sessions/sess_missing/events", nil)
	if status != http.StatusNotFound {
		t.Fatalf("status = %d body %s, want 404", status, raw)
	}
}

func TestWebSocketStreamsEvents(t *testing.T) {
	f := newFixture(t)
	sess := createSession(t, f, 3)

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/v1/sessions/" + sess.ID + "/events/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if status, _ := f.do(t, http.MethodPost, "/v1/sessions/"+sess.ID+"/stop", nil); status != http.StatusOK {
		t.Fatal("stop failed")
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev events.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != events.SessionStateChanged || ev.SessionID != sess.ID {
		t.Errorf("event = %+v", ev)
	}
}

func TestWebSocketUnknownSession(t *testing.T) {
	f := newFixture(t)
	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/v1/sessions/sess_missing/events/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		conn.Close()
		t.Fatal("expected handshake failure")
	}
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("err = %v, want bad handshake", err)
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("handshake status = %v, want 404", resp)
	}
}

func TestAuthEnforced(t *testing.T) {
	f := newFixture(t, WithNoAuth(false), WithAPIKey("sk-test-1"))

	req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/v1/sessions", nil)
	resp, err := f.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no credentials: status = %d, want 401", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, f.ts.URL+"/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer sk-test-1")
	resp, err = f.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("with key: status = %d, want 200", resp.StatusCode)
	}

	// Probes stay open.
	resp, err = f.ts.Client().Get(f.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz: status = %d, want 200", resp.StatusCode)
	}
}

func TestRateLimitOnAPIRoutes(t *testing.T) {
	limiter := auth.NewRateLimiter(auth.RateLimitConfig{RequestsPerSecond: 1, Burst: 2})
	f := newFixture(t, WithRateLimiter(limiter))

	get := func() *http.Response {
		req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/v1/sessions", nil)
		req.Header.Set("X-Forwarded-For", "10.1.1.1")
		resp, err := f.ts.Client().Do(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		return resp
	}

	for i := 0; i < 2; i++ {
		resp := get()
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, resp.StatusCode)
		}
	}

	resp := get()
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}

	// Probes are not rate limited.
	probe, err := f.ts.Client().Get(f.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	probe.Body.Close()
	if probe.StatusCode != http.StatusOK {
		t.Errorf("healthz: status = %d, want 200", probe.StatusCode)
	}
}

func TestCorrelationIDEchoed(t *testing.T) {
	f := newFixture(t)

	resp, err := f.ts.Client().Get(f.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get(correlationHeader) == "" {
		t.Error("response missing generated correlation ID")
	}

	req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/healthz", nil)
	req.Header.Set(correlationHeader, "req-abc-123")
	resp, err = f.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(correlationHeader); got != "req-abc-123" {
		t.Errorf("correlation ID = %q, want req-abc-123", got)
	}
}
