// Package council provides a Go SDK client for the council engine
// HTTP API.
//
// Usage:
//
//	client := council.NewClient("http://localhost:8600", council.WithAPIKey("my-key"))
//	sess, err := client.CreateSession(ctx, council.CreateSessionRequest{
//		Topic:     "Should we ship on Friday?",
//		MaxRounds: 3,
//		Participants: []council.Participant{
//			{AgentID: "optimist", Name: "Optimist", Model: "claude-sonnet-4-5"},
//			{AgentID: "skeptic", Name: "Skeptic", Model: "claude-sonnet-4-5"},
//		},
//	})
package council

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// SessionState is the lifecycle state of a session.
type SessionState string

const (
	StatePending  SessionState = "pending"
	StateRunning  SessionState = "running"
	StatePaused   SessionState = "paused"
	StateComplete SessionState = "complete"
)

// Participant is one agent identity assigned to a session.
type Participant struct {
	AgentID      string `json:"agent_id"`
	Name         string `json:"name"`
	Role         string `json:"role,omitempty"`
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// Session is one deliberation instance.
type Session struct {
	ID                  string        `json:"id"`
	Topic               string        `json:"topic"`
	Participants        []Participant `json:"participants"`
	State               SessionState  `json:"state"`
	CurrentRound        int           `json:"current_round"`
	MaxRounds           int           `json:"max_rounds"`
	TotalCostUSD        float64       `json:"total_cost_usd"`
	PendingHumanMessage string        `json:"pending_human_message,omitempty"`
	LastError           string        `json:"last_error,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// ToolCall is a tool invocation an agent requested during a round. The
// engine records these as data; it does not execute them.
type ToolCall struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Message is one agent's contribution within one round.
type Message struct {
	AgentID      string     `json:"agent_id"`
	Content      string     `json:"content"`
	InputTokens  int        `json:"input_tokens"`
	OutputTokens int        `json:"output_tokens"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	CostUSD      float64    `json:"cost_usd"`
}

// AgentFailure records a participant that produced no message in a
// round.
type AgentFailure struct {
	AgentID string `json:"agent_id"`
	Kind    string `json:"kind"`
	Reason  string `json:"reason"`
}

// Round is one completed deliberation round. Messages follow session
// participant order.
type Round struct {
	RoundNumber  int            `json:"round_number"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	HumanMessage string         `json:"human_message,omitempty"`
	Messages     []Message      `json:"messages"`
	Failures     []AgentFailure `json:"failures,omitempty"`
}

// CreateSessionRequest holds the inputs for a new session.
type CreateSessionRequest struct {
	Topic        string        `json:"topic"`
	Participants []Participant `json:"participants"`
	MaxRounds    int           `json:"max_rounds"`
}

// ListOptions narrow ListSessions results. Zero values mean no
// constraint.
type ListOptions struct {
	State SessionState
	Limit int
}

// HealthResponse is the response from the liveness endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// APIError is an error response from the engine.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// Option configures the Client.
type Option func(*Client)

// WithAPIKey sets the API key for authentication.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the request timeout. Event streams ignore it.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// Client is the council engine API client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a client for the engine at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil && envelope.Error.Code != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		} else {
			apiErr.Code = "unknown"
			apiErr.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return nil, apiErr
	}

	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, result any) error {
	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent || result == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

// Health checks the engine's liveness endpoint.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var result HealthResponse
	if err := c.doJSON(ctx, http.MethodGet, "/healthz", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateSession creates a new deliberation session, initially pending.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error) {
	var result Session
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sessions", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetSession fetches a session with totals recomputed from its
// persisted rounds.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var result Session
	if err := c.doJSON(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListSessions returns sessions, newest first.
func (c *Client) ListSessions(ctx context.Context, opts *ListOptions) ([]Session, error) {
	path := "/v1/sessions"
	if opts != nil {
		q := url.Values{}
		if opts.State != "" {
			q.Set("state", string(opts.State))
		}
		if opts.Limit > 0 {
			q.Set("limit", strconv.Itoa(opts.Limit))
		}
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
	}
	var result struct {
		Sessions []Session `json:"sessions"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.Sessions, nil
}

// DeleteSession removes a session and its rounds.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(sessionID), nil, nil)
}

// Rounds returns the session's persisted rounds in order.
func (c *Client) Rounds(ctx context.Context, sessionID string) ([]Round, error) {
	var result struct {
		Rounds []Round `json:"rounds"`
	}
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/rounds"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.Rounds, nil
}

// ExecuteRound runs exactly one round and returns it once every
// participant has resolved. Long-running; size the client timeout for
// the slowest participant.
func (c *Client) ExecuteRound(ctx context.Context, sessionID string) (*Round, error) {
	var result Round
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/rounds"
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

type autoRequest struct {
	Rounds int `json:"rounds,omitempty"`
}

// StartAuto begins unattended deliberation for up to rounds rounds;
// zero means the session's remaining budget. Returns immediately;
// follow progress with StreamEvents or GetSession.
func (c *Client) StartAuto(ctx context.Context, sessionID string, rounds int) (*Session, error) {
	var result Session
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/auto"
	if err := c.doJSON(ctx, http.MethodPost, path, autoRequest{Rounds: rounds}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PauseAuto pauses the session at the next round boundary; a round in
// flight always completes first.
func (c *Client) PauseAuto(ctx context.Context, sessionID string) (*Session, error) {
	var result Session
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/pause"
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ResumeAuto resumes a paused session with a fresh segment budget;
// zero means the session's remaining budget.
func (c *Client) ResumeAuto(ctx context.Context, sessionID string, rounds int) (*Session, error) {
	var result Session
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/resume"
	if err := c.doJSON(ctx, http.MethodPost, path, autoRequest{Rounds: rounds}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// StopSession permanently completes the session. Irreversible; a round
// in flight still runs to its boundary.
func (c *Client) StopSession(ctx context.Context, sessionID string) (*Session, error) {
	var result Session
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/stop"
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SubmitButtIn queues a human message for the next round. The slot
// holds one message; a newer submission replaces an unconsumed one.
func (c *Client) SubmitButtIn(ctx context.Context, sessionID, message string) (*Session, error) {
	var result Session
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/buttin"
	body := map[string]string{"message": message}
	if err := c.doJSON(ctx, http.MethodPost, path, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
