package events

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestEventConstruction(t *testing.T) {
	e := New(RoundStart, "sess_1").
		WithCorrelationID("corr-1").
		WithData("round", 3)

	if e.Type != RoundStart || e.SessionID != "sess_1" {
		t.Errorf("event = %+v", e)
	}
	if e.CorrelationID != "corr-1" {
		t.Errorf("CorrelationID = %q", e.CorrelationID)
	}
	if e.Data["round"] != 3 {
		t.Errorf("Data = %v", e.Data)
	}
	if e.Timestamp.IsZero() {
		t.Error("Timestamp should be stamped")
	}
}

func TestEventJSON(t *testing.T) {
	e := New(AgentFailed, "sess_1").WithData("agent_id", "a1").WithData("reason", "timeout")
	raw, err := e.JSON()
	if err != nil {
		t.Fatalf("JSON() error: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != "agent_failed" {
		t.Errorf("type = %v", decoded["type"])
	}
	if decoded["session_id"] != "sess_1" {
		t.Errorf("session_id = %v", decoded["session_id"])
	}
}

func TestWriteLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.json")
	seq := []*Event{
		New(RoundStart, "sess_1").WithData("round", 1),
		New(RoundComplete, "sess_1").WithData("round", 1),
	}
	if err := WriteLog(path, seq); err != nil {
		t.Fatalf("WriteLog: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var decoded []*Event
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded) != 2 || decoded[0].Type != RoundStart || decoded[1].Type != RoundComplete {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestCollectorSink(t *testing.T) {
	c := &CollectorSink{}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Publish(New(AgentComplete, "sess_1"))
			c.Publish(New(AgentFailed, "sess_1"))
		}()
	}
	wg.Wait()

	if got := len(c.Events()); got != 20 {
		t.Errorf("collected %d events, want 20", got)
	}
	if got := len(c.OfType(AgentFailed)); got != 10 {
		t.Errorf("agent_failed events = %d, want 10", got)
	}
}

func TestBroadcasterDeliversToMatchingSubscribers(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()

	all, cancelAll := b.Subscribe(nil)
	defer cancelAll()
	one, cancelOne := b.Subscribe(SessionFilter("sess_1"))
	defer cancelOne()

	b.Publish(New(RoundStart, "sess_1"))
	b.Publish(New(RoundStart, "sess_2"))

	if e := <-all; e.SessionID != "sess_1" {
		t.Errorf("first event = %v", e.SessionID)
	}
	if e := <-all; e.SessionID != "sess_2" {
		t.Errorf("second event = %v", e.SessionID)
	}

	if e := <-one; e.SessionID != "sess_1" {
		t.Errorf("filtered subscriber got %v", e.SessionID)
	}
	select {
	case e := <-one:
		t.Errorf("filtered subscriber should not receive %v", e.SessionID)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBroadcasterDropsWhenFull(t *testing.T) {
	b := NewBroadcaster(WithBufferSize(2))
	defer b.Close()

	ch, cancel := b.Subscribe(nil)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(New(AgentPartial, "sess_1"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	if b.Dropped() != 8 {
		t.Errorf("Dropped() = %d, want 8", b.Dropped())
	}
	if len(ch) != 2 {
		t.Errorf("buffered events = %d, want 2", len(ch))
	}
}

func TestBroadcasterCancelIsIdempotent(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()

	ch, cancel := b.Subscribe(nil)
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", b.SubscriberCount())
	}

	// Publishing after cancel must not panic.
	b.Publish(New(RoundStart, "sess_1"))
}

func TestBroadcasterHistory(t *testing.T) {
	b := NewBroadcaster(WithHistorySize(3))
	defer b.Close()

	for _, id := range []string{"sess_1", "sess_2", "sess_1", "sess_1"} {
		b.Publish(New(RoundComplete, id))
	}

	all := b.History(nil)
	if len(all) != 3 {
		t.Fatalf("history length = %d, want 3 (ring bounded)", len(all))
	}
	ours := b.History(SessionFilter("sess_1"))
	if len(ours) != 2 {
		t.Errorf("filtered history = %d, want 2", len(ours))
	}
}

func TestBroadcasterClose(t *testing.T) {
	b := NewBroadcaster()
	ch, _ := b.Subscribe(nil)

	b.Close()
	b.Close()

	if _, ok := <-ch; ok {
		t.Error("subscriber channel should close on broadcaster close")
	}

	// Publish and Subscribe after close are safe no-ops.
	b.Publish(New(RoundStart, "sess_1"))
	late, cancel := b.Subscribe(nil)
	cancel()
	if _, ok := <-late; ok {
		t.Error("late subscription should be closed immediately")
	}
}

func TestBroadcasterConcurrentPublishSubscribe(t *testing.T) {
	b := NewBroadcaster(WithBufferSize(4))
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, cancel := b.Subscribe(nil)
			for j := 0; j < 20; j++ {
				b.Publish(New(AgentPartial, "sess_1"))
			}
			cancel()
			for range ch {
			}
		}()
	}
	wg.Wait()
}
