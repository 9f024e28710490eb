package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/szaher/council/internal/council"
)

func testSession(id, topic string) *council.Session {
	now := time.Now().UTC()
	return &council.Session{
		ID:    id,
		Topic: topic,
		Participants: []council.Participant{
			{AgentID: "optimist", Name: "Optimist", Model: "claude-sonnet-4"},
			{AgentID: "skeptic", Name: "Skeptic", Model: "gpt-4o"},
		},
		State:     council.StatePending,
		MaxRounds: 3,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func testRound(n int) *council.Round {
	done := time.Now().UTC()
	return &council.Round{
		RoundNumber: n,
		StartedAt:   done.Add(-time.Second),
		CompletedAt: &done,
		Messages: []council.Message{
			{AgentID: "optimist", Content: "we should ship it", InputTokens: 100, OutputTokens: 40, CostUSD: 0.01},
			{AgentID: "skeptic", Content: "not without tests", InputTokens: 120, OutputTokens: 55, CostUSD: 0.02},
		},
	}
}

func TestMemoryCreateGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	sess := testSession("sess_1", "release readiness")
	if err := m.Create(ctx, sess); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := m.Get(ctx, "sess_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Topic != "release readiness" || got.State != council.StatePending {
		t.Fatalf("got topic=%q state=%q", got.Topic, got.State)
	}
	if len(got.Participants) != 2 {
		t.Fatalf("participants = %d, want 2", len(got.Participants))
	}

	if err := m.Create(ctx, sess); err == nil {
		t.Fatal("expected error creating duplicate session")
	}

	if _, err := m.Get(ctx, "sess_missing"); !council.IsNotFound(err) {
		t.Fatalf("Get unknown = %v, want NotFoundError", err)
	}
}

func TestMemoryCloneIsolation(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	sess := testSession("sess_1", "topic")
	if err := m.Create(ctx, sess); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Mutating the input after Create must not touch stored state.
	sess.Topic = "mutated"
	sess.Participants[0].Name = "mutated"

	got, err := m.Get(ctx, "sess_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Topic != "topic" || got.Participants[0].Name != "Optimist" {
		t.Fatalf("stored session aliased caller memory: %+v", got)
	}

	// Mutating a returned copy must not touch stored state either.
	got.State = council.StateComplete
	got.Participants[1].Model = "mutated"

	again, err := m.Get(ctx, "sess_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if again.State != council.StatePending || again.Participants[1].Model != "gpt-4o" {
		t.Fatalf("returned session aliased stored memory: %+v", again)
	}
}

func TestMemoryAppendRound(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	sess := testSession("sess_1", "topic")
	if err := m.Create(ctx, sess); err != nil {
		t.Fatalf("Create: %v", err)
	}

	snap := sess.Clone()
	snap.State = council.StateRunning
	snap.CurrentRound = 1
	snap.TotalCostUSD = 0.03
	snap.Participants[0].InputTokens = 100
	snap.Participants[0].OutputTokens = 40

	if err := m.AppendRound(ctx, snap, testRound(1)); err != nil {
		t.Fatalf("AppendRound: %v", err)
	}

	got, rounds, err := m.Load(ctx, "sess_1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.CurrentRound != 1 || got.TotalCostUSD != 0.03 {
		t.Fatalf("current_round=%d total=%f, want 1, 0.03", got.CurrentRound, got.TotalCostUSD)
	}
	if len(rounds) != 1 || len(rounds[0].Messages) != 2 {
		t.Fatalf("rounds=%d messages=%d", len(rounds), len(rounds[0].Messages))
	}

	// A second append must carry number 2; anything else conflicts.
	snap.CurrentRound = 2
	if err := m.AppendRound(ctx, snap, testRound(1)); !errors.Is(err, ErrRoundConflict) {
		t.Fatalf("replayed round = %v, want ErrRoundConflict", err)
	}
	if err := m.AppendRound(ctx, snap, testRound(3)); !errors.Is(err, ErrRoundConflict) {
		t.Fatalf("skipped round = %v, want ErrRoundConflict", err)
	}
	if err := m.AppendRound(ctx, snap, testRound(2)); err != nil {
		t.Fatalf("AppendRound 2: %v", err)
	}

	if err := m.AppendRound(ctx, testSession("sess_missing", "x"), testRound(1)); !council.IsNotFound(err) {
		t.Fatalf("append to unknown = %v, want NotFoundError", err)
	}
}

func TestMemoryAppendRoundKeepsMidRoundButtIn(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	sess := testSession("sess_1", "topic")
	if err := m.Create(ctx, sess); err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Arrives while the round is executing, after the orchestrator
	// already consumed the slot into its snapshot.
	if err := m.SetPendingHumanMessage(ctx, "sess_1", "consider security"); err != nil {
		t.Fatalf("SetPendingHumanMessage: %v", err)
	}

	snap := sess.Clone()
	snap.State = council.StateRunning
	snap.CurrentRound = 1
	snap.PendingHumanMessage = ""
	if err := m.AppendRound(ctx, snap, testRound(1)); err != nil {
		t.Fatalf("AppendRound: %v", err)
	}

	got, err := m.Get(ctx, "sess_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.PendingHumanMessage != "consider security" {
		t.Fatalf("pending = %q, want the mid-round submission preserved", got.PendingHumanMessage)
	}

	// The final round's snapshot is terminal and discards the slot.
	snap.State = council.StateComplete
	snap.CurrentRound = 2
	if err := m.AppendRound(ctx, snap, testRound(2)); err != nil {
		t.Fatalf("AppendRound: %v", err)
	}
	got, err = m.Get(ctx, "sess_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.PendingHumanMessage != "" {
		t.Fatalf("pending = %q, want discarded on completion", got.PendingHumanMessage)
	}
}

func TestMemoryUpdateState(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Create(ctx, testSession("sess_1", "topic")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.SetPendingHumanMessage(ctx, "sess_1", "one more thing"); err != nil {
		t.Fatalf("SetPendingHumanMessage: %v", err)
	}

	if err := m.UpdateState(ctx, "sess_1", council.StateRunning, ""); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}
	got, _ := m.Get(ctx, "sess_1")
	if got.State != council.StateRunning || got.PendingHumanMessage != "one more thing" {
		t.Fatalf("state=%q pending=%q", got.State, got.PendingHumanMessage)
	}

	if err := m.UpdateState(ctx, "sess_1", council.StateComplete, "round 2 persist failed"); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}
	got, _ = m.Get(ctx, "sess_1")
	if got.State != council.StateComplete {
		t.Fatalf("state = %q, want complete", got.State)
	}
	if got.LastError != "round 2 persist failed" {
		t.Fatalf("last_error = %q", got.LastError)
	}
	if got.PendingHumanMessage != "" {
		t.Fatalf("pending = %q, want cleared on terminal state", got.PendingHumanMessage)
	}

	if err := m.UpdateState(ctx, "sess_missing", council.StateRunning, ""); !council.IsNotFound(err) {
		t.Fatalf("UpdateState unknown = %v, want NotFoundError", err)
	}
}

func TestMemoryPendingHumanMessage(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Create(ctx, testSession("sess_1", "topic")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := m.SetPendingHumanMessage(ctx, "sess_1", "first"); err != nil {
		t.Fatalf("SetPendingHumanMessage: %v", err)
	}
	if err := m.SetPendingHumanMessage(ctx, "sess_1", "second"); err != nil {
		t.Fatalf("SetPendingHumanMessage: %v", err)
	}

	msg, err := m.TakePendingHumanMessage(ctx, "sess_1")
	if err != nil {
		t.Fatalf("TakePendingHumanMessage: %v", err)
	}
	if msg != "second" {
		t.Fatalf("took %q, want last write to win", msg)
	}

	msg, err = m.TakePendingHumanMessage(ctx, "sess_1")
	if err != nil {
		t.Fatalf("TakePendingHumanMessage: %v", err)
	}
	if msg != "" {
		t.Fatalf("second take = %q, want empty slot", msg)
	}

	if _, err := m.TakePendingHumanMessage(ctx, "sess_missing"); !council.IsNotFound(err) {
		t.Fatalf("take unknown = %v, want NotFoundError", err)
	}
}

func TestMemoryList(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mk := func(id string, state council.SessionState, age time.Duration) {
		sess := testSession(id, "topic "+id)
		sess.State = state
		sess.CreatedAt = base.Add(-age)
		sess.UpdatedAt = base.Add(-age)
		if err := m.Create(ctx, sess); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	mk("sess_a", council.StateComplete, 3*time.Hour)
	mk("sess_b", council.StateRunning, 2*time.Hour)
	mk("sess_c", council.StateComplete, 1*time.Hour)

	all, err := m.List(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	if all[0].ID != "sess_c" || all[2].ID != "sess_a" {
		t.Fatalf("order = [%s %s %s], want newest first", all[0].ID, all[1].ID, all[2].ID)
	}

	complete, err := m.List(ctx, ListFilter{State: council.StateComplete})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(complete) != 2 {
		t.Fatalf("complete = %d, want 2", len(complete))
	}

	stale, err := m.List(ctx, ListFilter{UpdatedBefore: base.Add(-90 * time.Minute)})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(stale) != 2 {
		t.Fatalf("stale = %d, want 2", len(stale))
	}

	limited, err := m.List(ctx, ListFilter{Limit: 1})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "sess_c" {
		t.Fatalf("limited = %+v, want just sess_c", limited)
	}
}

func TestMemoryDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Create(ctx, testSession("sess_1", "topic")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	snap := testSession("sess_1", "topic")
	snap.CurrentRound = 1
	snap.State = council.StateRunning
	if err := m.AppendRound(ctx, snap, testRound(1)); err != nil {
		t.Fatalf("AppendRound: %v", err)
	}

	if err := m.Delete(ctx, "sess_1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Get(ctx, "sess_1"); !council.IsNotFound(err) {
		t.Fatalf("Get after delete = %v, want NotFoundError", err)
	}
	if err := m.Delete(ctx, "sess_1"); !council.IsNotFound(err) {
		t.Fatalf("second delete = %v, want NotFoundError", err)
	}
}

func TestMemoryLoadRoundIsolation(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Create(ctx, testSession("sess_1", "topic")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	snap := testSession("sess_1", "topic")
	snap.CurrentRound = 1
	snap.State = council.StateRunning
	if err := m.AppendRound(ctx, snap, testRound(1)); err != nil {
		t.Fatalf("AppendRound: %v", err)
	}

	_, rounds, err := m.Load(ctx, "sess_1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	rounds[0].Messages[0].Content = "mutated"

	_, again, err := m.Load(ctx, "sess_1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if again[0].Messages[0].Content != "we should ship it" {
		t.Fatalf("stored round aliased returned memory: %q", again[0].Messages[0].Content)
	}
}

func TestMemorySetPendingRejectsTerminal(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.Create(ctx, testSession("sess_1", "topic")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.UpdateState(ctx, "sess_1", council.StateComplete, ""); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}

	err := m.SetPendingHumanMessage(ctx, "sess_1", "too late")
	var ise *council.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("SetPendingHumanMessage on complete session = %v, want InvalidStateError", err)
	}
	got, err := m.Get(ctx, "sess_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.PendingHumanMessage != "" {
		t.Fatalf("pending = %q, complete session must not hold a message", got.PendingHumanMessage)
	}
}
