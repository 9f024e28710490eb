package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/szaher/council/internal/council"
)

// PgxPool is the subset of pgxpool.Pool the store uses. Tests may
// substitute their own implementation.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Postgres is the durable Store backed by PostgreSQL.
type Postgres struct {
	pool PgxPool
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool PgxPool) *Postgres {
	return &Postgres{pool: pool}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, perr("open pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, perr("ping", err)
	}
	return NewPostgres(pool), nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS council_sessions (
		id TEXT PRIMARY KEY,
		topic TEXT NOT NULL,
		state TEXT NOT NULL,
		max_rounds INT NOT NULL,
		current_round INT NOT NULL DEFAULT 0,
		total_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		pending_human_message TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS council_sessions_state_idx
		ON council_sessions (state, updated_at)`,
	`CREATE TABLE IF NOT EXISTS council_participants (
		session_id TEXT NOT NULL REFERENCES council_sessions(id) ON DELETE CASCADE,
		agent_id TEXT NOT NULL,
		ordinal INT NOT NULL,
		name TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL,
		system_prompt TEXT NOT NULL DEFAULT '',
		input_tokens BIGINT NOT NULL DEFAULT 0,
		output_tokens BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (session_id, agent_id)
	)`,
	`CREATE TABLE IF NOT EXISTS council_rounds (
		session_id TEXT NOT NULL REFERENCES council_sessions(id) ON DELETE CASCADE,
		round_number INT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		human_message TEXT NOT NULL DEFAULT '',
		failures JSONB NOT NULL DEFAULT '[]',
		PRIMARY KEY (session_id, round_number)
	)`,
	`CREATE TABLE IF NOT EXISTS council_messages (
		session_id TEXT NOT NULL,
		round_number INT NOT NULL,
		agent_id TEXT NOT NULL,
		ordinal INT NOT NULL,
		content TEXT NOT NULL,
		input_tokens BIGINT NOT NULL DEFAULT 0,
		output_tokens BIGINT NOT NULL DEFAULT 0,
		cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		tool_calls JSONB NOT NULL DEFAULT '[]',
		PRIMARY KEY (session_id, round_number, agent_id),
		FOREIGN KEY (session_id, round_number)
			REFERENCES council_rounds(session_id, round_number) ON DELETE CASCADE
	)`,
}

// EnsureSchema creates the tables if they do not exist. Safe to run on
// every startup.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return perr("ensure schema", err)
		}
	}
	return nil
}

func (p *Postgres) Create(ctx context.Context, sess *council.Session) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return perr("create session", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO council_sessions
			(id, topic, state, max_rounds, current_round, total_cost_usd,
			 pending_human_message, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sess.ID, sess.Topic, string(sess.State), sess.MaxRounds, sess.CurrentRound,
		sess.TotalCostUSD, sess.PendingHumanMessage, sess.LastError,
		sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return perr("create session", err)
	}

	batch := &pgx.Batch{}
	for i, part := range sess.Participants {
		batch.Queue(`
			INSERT INTO council_participants
				(session_id, agent_id, ordinal, name, role, model, system_prompt,
				 input_tokens, output_tokens)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			sess.ID, part.AgentID, i, part.Name, part.Role, part.Model,
			part.SystemPrompt, part.InputTokens, part.OutputTokens)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return perr("create participants", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return perr("create session", err)
	}
	return nil
}

const selectSessionSQL = `
	SELECT id, topic, state, max_rounds, current_round, total_cost_usd,
	       pending_human_message, last_error, created_at, updated_at
	FROM council_sessions`

func (p *Postgres) Get(ctx context.Context, id string) (*council.Session, error) {
	row := p.pool.QueryRow(ctx, selectSessionSQL+` WHERE id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &council.NotFoundError{SessionID: id}
	}
	if err != nil {
		return nil, perr("get session", err)
	}
	if err := p.attachParticipants(ctx, map[string]*council.Session{id: sess}); err != nil {
		return nil, err
	}
	return sess, nil
}

func (p *Postgres) Load(ctx context.Context, id string) (*council.Session, []council.Round, error) {
	sess, err := p.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	rows, err := p.pool.Query(ctx, `
		SELECT round_number, started_at, completed_at, human_message, failures
		FROM council_rounds WHERE session_id = $1 ORDER BY round_number`, id)
	if err != nil {
		return nil, nil, perr("load rounds", err)
	}
	defer rows.Close()

	var rounds []council.Round
	index := make(map[int]int)
	for rows.Next() {
		var (
			r        council.Round
			failures []byte
		)
		if err := rows.Scan(&r.RoundNumber, &r.StartedAt, &r.CompletedAt, &r.HumanMessage, &failures); err != nil {
			return nil, nil, perr("load rounds", err)
		}
		if err := unmarshalJSONB(failures, &r.Failures); err != nil {
			return nil, nil, perr("load rounds", err)
		}
		r.Messages = []council.Message{}
		index[r.RoundNumber] = len(rounds)
		rounds = append(rounds, r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, perr("load rounds", err)
	}
	rows.Close()

	msgRows, err := p.pool.Query(ctx, `
		SELECT round_number, agent_id, content, input_tokens, output_tokens, cost_usd, tool_calls
		FROM council_messages WHERE session_id = $1 ORDER BY round_number, ordinal`, id)
	if err != nil {
		return nil, nil, perr("load messages", err)
	}
	defer msgRows.Close()

	for msgRows.Next() {
		var (
			roundNumber int
			m           council.Message
			toolCalls   []byte
		)
		if err := msgRows.Scan(&roundNumber, &m.AgentID, &m.Content, &m.InputTokens, &m.OutputTokens, &m.CostUSD, &toolCalls); err != nil {
			return nil, nil, perr("load messages", err)
		}
		if err := unmarshalJSONB(toolCalls, &m.ToolCalls); err != nil {
			return nil, nil, perr("load messages", err)
		}
		i, ok := index[roundNumber]
		if !ok {
			return nil, nil, perr("load messages", fmt.Errorf("message for unknown round %d", roundNumber))
		}
		rounds[i].Messages = append(rounds[i].Messages, m)
	}
	if err := msgRows.Err(); err != nil {
		return nil, nil, perr("load messages", err)
	}
	return sess, rounds, nil
}

func (p *Postgres) AppendRound(ctx context.Context, sess *council.Session, round *council.Round) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return perr("append round", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE council_sessions SET
			state = $2,
			current_round = $3,
			total_cost_usd = $4,
			last_error = $5,
			pending_human_message = CASE WHEN $6 THEN '' ELSE pending_human_message END,
			updated_at = now()
		WHERE id = $1 AND current_round = $3 - 1`,
		sess.ID, string(sess.State), round.RoundNumber, sess.TotalCostUSD,
		sess.LastError, sess.State.Terminal())
	if err != nil {
		return perr("append round", err)
	}
	if tag.RowsAffected() == 0 {
		var cur int
		err := tx.QueryRow(ctx, `SELECT current_round FROM council_sessions WHERE id = $1`, sess.ID).Scan(&cur)
		if errors.Is(err, pgx.ErrNoRows) {
			return &council.NotFoundError{SessionID: sess.ID}
		}
		if err != nil {
			return perr("append round", err)
		}
		return fmt.Errorf("append round %d after round %d: %w", round.RoundNumber, cur, ErrRoundConflict)
	}

	failures, err := marshalJSONB(round.Failures)
	if err != nil {
		return perr("append round", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO council_rounds
			(session_id, round_number, started_at, completed_at, human_message, failures)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		sess.ID, round.RoundNumber, round.StartedAt, round.CompletedAt,
		round.HumanMessage, failures)
	if err != nil {
		return perr("append round", err)
	}

	batch := &pgx.Batch{}
	for i, m := range round.Messages {
		toolCalls, err := marshalJSONB(m.ToolCalls)
		if err != nil {
			return perr("append round", err)
		}
		batch.Queue(`
			INSERT INTO council_messages
				(session_id, round_number, agent_id, ordinal, content,
				 input_tokens, output_tokens, cost_usd, tool_calls)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			sess.ID, round.RoundNumber, m.AgentID, i, m.Content,
			m.InputTokens, m.OutputTokens, m.CostUSD, toolCalls)
	}
	for _, part := range sess.Participants {
		batch.Queue(`
			UPDATE council_participants SET input_tokens = $3, output_tokens = $4
			WHERE session_id = $1 AND agent_id = $2`,
			sess.ID, part.AgentID, part.InputTokens, part.OutputTokens)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return perr("append round", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return perr("append round", err)
	}
	return nil
}

func (p *Postgres) UpdateState(ctx context.Context, id string, state council.SessionState, lastError string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE council_sessions SET
			state = $2,
			last_error = $3,
			pending_human_message = CASE WHEN $4 THEN '' ELSE pending_human_message END,
			updated_at = now()
		WHERE id = $1`,
		id, string(state), lastError, state.Terminal())
	if err != nil {
		return perr("update state", err)
	}
	if tag.RowsAffected() == 0 {
		return &council.NotFoundError{SessionID: id}
	}
	return nil
}

func (p *Postgres) SetPendingHumanMessage(ctx context.Context, id, text string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE council_sessions SET pending_human_message = $2, updated_at = now()
		WHERE id = $1 AND state != 'complete'`, id, text)
	if err != nil {
		return perr("set pending message", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the session is gone or it completed under us; a
		// terminal session must never carry a pending message.
		var state string
		err := p.pool.QueryRow(ctx, `SELECT state FROM council_sessions WHERE id = $1`, id).Scan(&state)
		if errors.Is(err, pgx.ErrNoRows) {
			return &council.NotFoundError{SessionID: id}
		}
		if err != nil {
			return perr("set pending message", err)
		}
		return &council.InvalidStateError{SessionID: id, State: council.SessionState(state), Op: "submit butt-in"}
	}
	return nil
}

func (p *Postgres) TakePendingHumanMessage(ctx context.Context, id string) (string, error) {
	var msg string
	err := p.pool.QueryRow(ctx, `
		WITH prev AS (
			SELECT id, pending_human_message FROM council_sessions
			WHERE id = $1 FOR UPDATE
		)
		UPDATE council_sessions s
		SET pending_human_message = '', updated_at = now()
		FROM prev WHERE s.id = prev.id
		RETURNING prev.pending_human_message`, id).Scan(&msg)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", &council.NotFoundError{SessionID: id}
	}
	if err != nil {
		return "", perr("take pending message", err)
	}
	return msg, nil
}

func (p *Postgres) List(ctx context.Context, filter ListFilter) ([]*council.Session, error) {
	var (
		conds []string
		args  []any
	)
	if filter.State != "" {
		args = append(args, string(filter.State))
		conds = append(conds, fmt.Sprintf("state = $%d", len(args)))
	}
	if !filter.UpdatedBefore.IsZero() {
		args = append(args, filter.UpdatedBefore)
		conds = append(conds, fmt.Sprintf("updated_at < $%d", len(args)))
	}
	q := selectSessionSQL
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, perr("list sessions", err)
	}
	defer rows.Close()

	var sessions []*council.Session
	byID := make(map[string]*council.Session)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, perr("list sessions", err)
		}
		sessions = append(sessions, sess)
		byID[sess.ID] = sess
	}
	if err := rows.Err(); err != nil {
		return nil, perr("list sessions", err)
	}
	rows.Close()

	if len(sessions) > 0 {
		if err := p.attachParticipants(ctx, byID); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

func (p *Postgres) Delete(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM council_sessions WHERE id = $1`, id)
	if err != nil {
		return perr("delete session", err)
	}
	if tag.RowsAffected() == 0 {
		return &council.NotFoundError{SessionID: id}
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return perr("ping", err)
	}
	return nil
}

func (p *Postgres) Close() { p.pool.Close() }

// attachParticipants fills Participants for every session in byID with
// one query.
func (p *Postgres) attachParticipants(ctx context.Context, byID map[string]*council.Session) error {
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	rows, err := p.pool.Query(ctx, `
		SELECT session_id, agent_id, name, role, model, system_prompt,
		       input_tokens, output_tokens
		FROM council_participants WHERE session_id = ANY($1)
		ORDER BY session_id, ordinal`, ids)
	if err != nil {
		return perr("load participants", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			sessionID string
			part      council.Participant
		)
		if err := rows.Scan(&sessionID, &part.AgentID, &part.Name, &part.Role,
			&part.Model, &part.SystemPrompt, &part.InputTokens, &part.OutputTokens); err != nil {
			return perr("load participants", err)
		}
		if sess := byID[sessionID]; sess != nil {
			sess.Participants = append(sess.Participants, part)
		}
	}
	if err := rows.Err(); err != nil {
		return perr("load participants", err)
	}
	return nil
}

func scanSession(row pgx.Row) (*council.Session, error) {
	var (
		sess  council.Session
		state string
	)
	err := row.Scan(&sess.ID, &sess.Topic, &state, &sess.MaxRounds, &sess.CurrentRound,
		&sess.TotalCostUSD, &sess.PendingHumanMessage, &sess.LastError,
		&sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sess.State = council.SessionState(state)
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.UpdatedAt = sess.UpdatedAt.UTC()
	return &sess, nil
}

func perr(op string, err error) error {
	return &council.PersistenceError{Op: op, Err: err}
}

// marshalJSONB renders v for a JSONB column, mapping empty slices and
// nil to the empty array.
func marshalJSONB(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return []byte("[]"), nil
	}
	return b, nil
}

func unmarshalJSONB(b []byte, v any) error {
	if len(b) == 0 || string(b) == "null" || string(b) == "[]" {
		return nil
	}
	return json.Unmarshal(b, v)
}

var (
	_ Store   = (*Postgres)(nil)
	_ Store   = (*Memory)(nil)
	_ PgxPool = (*pgxpool.Pool)(nil)
)
