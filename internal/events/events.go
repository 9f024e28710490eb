// Package events carries deliberation progress to observers. The
// engine publishes fire-and-forget: delivery is best-effort and
// at-most-once per subscriber, and a slow observer never blocks a
// round.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Type is the kind of event.
type Type string

const (
	RoundStart          Type = "round_start"
	AgentPartial        Type = "agent_partial"
	AgentComplete       Type = "agent_complete"
	AgentFailed         Type = "agent_failed"
	RoundComplete       Type = "round_complete"
	SessionStateChanged Type = "session_state_changed"
)

// Event is one progress notification for one session.
type Event struct {
	Type          Type           `json:"type"`
	SessionID     string         `json:"session_id"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

// New creates an event stamped with the current time.
func New(eventType Type, sessionID string) *Event {
	return &Event{
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now(),
	}
}

// WithCorrelationID sets the correlation ID and returns the event.
func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

// WithData adds one data field and returns the event for chaining.
func (e *Event) WithData(key string, value any) *Event {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
	return e
}

// JSON returns the event serialized as JSON.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Sink accepts published events. Publish must never block on slow
// consumers; the deliberation's progress does not wait for observers.
type Sink interface {
	Publish(event *Event)
}

// NopSink discards all events.
type NopSink struct{}

// Publish implements Sink by discarding the event.
func (NopSink) Publish(*Event) {}

// CollectorSink records events for tests. Safe for concurrent use;
// round execution publishes from many goroutines.
type CollectorSink struct {
	mu     sync.Mutex
	events []*Event
}

// Publish appends the event to the collector.
func (c *CollectorSink) Publish(event *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

// Events returns a copy of everything collected so far.
func (c *CollectorSink) Events() []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Event(nil), c.events...)
}

// OfType returns collected events of one type, in publish order.
func (c *CollectorSink) OfType(t Type) []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Event
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
