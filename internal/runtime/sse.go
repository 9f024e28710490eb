package runtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/szaher/council/internal/events"
)

// heartbeatInterval keeps idle event streams alive through proxies.
const heartbeatInterval = 15 * time.Second

// sseWriter streams server-sent events for one connection.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, nil
}

// writeEvent sends one named event with a JSON payload.
func (s *sseWriter) writeEvent(name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// comment sends an SSE comment line, which clients ignore.
func (s *sseWriter) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// handleEventsSSE streams the session's events until the client
// disconnects or the server shuts down. Delivery is best-effort: a
// client that reads too slowly misses events rather than stalling the
// deliberation. ?replay=1 first resends whatever recent history the
// broadcaster retains.
func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.orc.GetSession(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}

	stream, cancel := s.broadcaster.Subscribe(events.SessionFilter(id))
	defer cancel()

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	if r.URL.Query().Get("replay") == "1" {
		for _, ev := range s.broadcaster.History(events.SessionFilter(id)) {
			if err := sse.writeEvent(string(ev.Type), ev); err != nil {
				return
			}
		}
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.quit:
			_ = sse.comment("server shutting down")
			return
		case <-heartbeat.C:
			if err := sse.comment("heartbeat"); err != nil {
				return
			}
		case ev, ok := <-stream:
			if !ok {
				return
			}
			if err := sse.writeEvent(string(ev.Type), ev); err != nil {
				return
			}
		}
	}
}
