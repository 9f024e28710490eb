package events

import (
	"sync"
	"sync/atomic"
)

// Filter selects which events a subscriber receives.
type Filter func(*Event) bool

// SessionFilter matches events for one session.
func SessionFilter(sessionID string) Filter {
	return func(e *Event) bool { return e.SessionID == sessionID }
}

type subscriber struct {
	ch      chan *Event
	filter  Filter
	dropped atomic.Uint64
}

// Broadcaster fans events out to subscribers over buffered channels.
// A subscriber whose buffer is full loses the event (its drop counter
// increments); Publish never blocks. A bounded history ring lets late
// subscribers replay recent events.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool

	bufferSize  int
	historySize int
	history     []*Event

	totalDropped atomic.Uint64
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithBufferSize sets the per-subscriber channel buffer.
func WithBufferSize(n int) BroadcasterOption {
	return func(b *Broadcaster) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithHistorySize sets how many recent events are kept for replay.
// Zero disables history.
func WithHistorySize(n int) BroadcasterOption {
	return func(b *Broadcaster) {
		if n >= 0 {
			b.historySize = n
		}
	}
}

// NewBroadcaster creates a broadcaster with a 64-event buffer per
// subscriber and no history.
func NewBroadcaster(opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		subs:       make(map[uint64]*subscriber),
		bufferSize: 64,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers the event to every matching subscriber without
// blocking. Full subscribers drop it. Sends happen under the lock so
// a concurrent cancel cannot close a channel mid-send; they are
// non-blocking, so the lock is never held waiting on a consumer.
func (b *Broadcaster) Publish(event *Event) {
	if event == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if b.historySize > 0 {
		b.history = append(b.history, event)
		if len(b.history) > b.historySize {
			b.history = b.history[len(b.history)-b.historySize:]
		}
	}

	for _, s := range b.subs {
		if s.filter != nil && !s.filter(event) {
			continue
		}
		select {
		case s.ch <- event:
		default:
			s.dropped.Add(1)
			b.totalDropped.Add(1)
		}
	}
}

// Subscribe registers a consumer. A nil filter receives everything.
// The returned cancel is idempotent and closes the channel.
func (b *Broadcaster) Subscribe(filter Filter) (<-chan *Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &subscriber{
		ch:     make(chan *Event, b.bufferSize),
		filter: filter,
	}
	if b.closed {
		close(s.ch)
		return s.ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = s

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
	return s.ch, cancel
}

// History returns the retained events matching filter, oldest first.
func (b *Broadcaster) History(filter Filter) []*Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*Event
	for _, e := range b.history {
		if filter == nil || filter(e) {
			out = append(out, e)
		}
	}
	return out
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns the total events dropped across all subscribers.
func (b *Broadcaster) Dropped() uint64 {
	return b.totalDropped.Load()
}

// Close shuts the broadcaster down and closes every subscriber
// channel. Subsequent publishes are discarded.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.ch)
	}
}
