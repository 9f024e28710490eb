// Package mcpserver exposes deliberation sessions as MCP tools so
// MCP-capable clients can drive a council without the HTTP API. Tools
// are thin JSON adapters over the orchestrator; engine errors come
// back as tool errors with the engine's message.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/szaher/council/internal/council"
	"github.com/szaher/council/internal/orchestrator"
	"github.com/szaher/council/internal/store"
)

const serverVersion = "0.1.0"

// Server serves council operations over an MCP transport.
type Server struct {
	orc              *orchestrator.Orchestrator
	logger           *slog.Logger
	defaultMaxRounds int

	mcp *mcpsdk.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Stdio transports own stdout, so callers
// should hand in a stderr-backed logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDefaultMaxRounds fills in max_rounds when a create call omits it.
func WithDefaultMaxRounds(n int) Option {
	return func(s *Server) { s.defaultMaxRounds = n }
}

// New creates an MCP server wired to the orchestrator.
func New(orc *orchestrator.Orchestrator, opts ...Option) *Server {
	s := &Server{
		orc:    orc,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mcp = mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "council",
		Version: serverVersion,
	}, &mcpsdk.ServerOptions{
		Instructions: "Drive multi-agent deliberations: create a session with " +
			"a topic and participants, then run rounds one at a time or with " +
			"council_start_auto, and inject guidance with council_butt_in.",
	})
	s.register()
	return s
}

// Run serves on stdio until the client disconnects or ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("mcp server listening on stdio", "version", serverVersion)
	return s.Serve(ctx, &mcpsdk.StdioTransport{})
}

// Serve runs the server on an arbitrary transport.
func (s *Server) Serve(ctx context.Context, t mcpsdk.Transport) error {
	return s.mcp.Run(ctx, t)
}

func (s *Server) register() {
	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name: "council_create_session",
		Description: "Create a deliberation session from a topic and a list " +
			"of participants. Returns the session, initially pending.",
	}, s.createSession)
	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name: "council_execute_round",
		Description: "Run exactly one deliberation round and return it, " +
			"including every participant's message.",
	}, s.executeRound)
	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name: "council_start_auto",
		Description: "Start running rounds in the background. Returns " +
			"immediately; poll council_get_session for progress.",
	}, s.startAuto)
	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        "council_pause",
		Description: "Pause a running session at the next round boundary.",
	}, s.pause)
	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        "council_resume",
		Description: "Resume a paused session and continue running rounds.",
	}, s.resume)
	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name: "council_stop",
		Description: "Stop a session permanently. A stopped session keeps " +
			"its transcript but can never run again.",
	}, s.stop)
	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name: "council_butt_in",
		Description: "Queue a human message for the next round. A newer " +
			"message replaces an unconsumed one.",
	}, s.buttIn)
	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        "council_get_session",
		Description: "Fetch a session's current state, round count and cost.",
	}, s.getSession)
	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        "council_list_sessions",
		Description: "List sessions, optionally filtered by state.",
	}, s.listSessions)
}

type participantArgs struct {
	AgentID      string `json:"agent_id" jsonschema:"unique identifier within the session"`
	Name         string `json:"name" jsonschema:"display name"`
	Role         string `json:"role,omitempty" jsonschema:"perspective the agent argues from"`
	Model        string `json:"model" jsonschema:"model identifier, for example claude-sonnet-4-5"`
	SystemPrompt string `json:"system_prompt,omitempty" jsonschema:"extra system prompt for the agent"`
}

type createSessionArgs struct {
	Topic        string            `json:"topic" jsonschema:"question or task the council deliberates"`
	Participants []participantArgs `json:"participants" jsonschema:"agents seated for the deliberation"`
	MaxRounds    int               `json:"max_rounds,omitempty" jsonschema:"lifetime round budget"`
}

type sessionArgs struct {
	SessionID string `json:"session_id" jsonschema:"session identifier"`
}

type autoArgs struct {
	SessionID string `json:"session_id" jsonschema:"session identifier"`
	Rounds    int    `json:"rounds,omitempty" jsonschema:"rounds to run; defaults to the remaining budget"`
}

type buttInArgs struct {
	SessionID string `json:"session_id" jsonschema:"session identifier"`
	Message   string `json:"message" jsonschema:"guidance injected into the next round"`
}

type listSessionsArgs struct {
	State string `json:"state,omitempty" jsonschema:"filter by state: pending, running, paused or complete"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of sessions returned"`
}

func (s *Server) createSession(ctx context.Context, _ *mcpsdk.CallToolRequest, in createSessionArgs) (*mcpsdk.CallToolResult, any, error) {
	params := orchestrator.CreateParams{
		Topic:     in.Topic,
		MaxRounds: in.MaxRounds,
	}
	if params.MaxRounds == 0 && s.defaultMaxRounds > 0 {
		params.MaxRounds = s.defaultMaxRounds
	}
	for _, p := range in.Participants {
		params.Participants = append(params.Participants, council.Participant{
			AgentID:      p.AgentID,
			Name:         p.Name,
			Role:         p.Role,
			Model:        p.Model,
			SystemPrompt: p.SystemPrompt,
		})
	}
	sess, err := s.orc.CreateSession(ctx, params)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(sess)
}

func (s *Server) executeRound(ctx context.Context, _ *mcpsdk.CallToolRequest, in sessionArgs) (*mcpsdk.CallToolResult, any, error) {
	round, err := s.orc.ExecuteRound(ctx, in.SessionID)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(round)
}

func (s *Server) startAuto(ctx context.Context, _ *mcpsdk.CallToolRequest, in autoArgs) (*mcpsdk.CallToolResult, any, error) {
	rounds, err := s.segment(ctx, in.SessionID, in.Rounds)
	if err != nil {
		return nil, nil, err
	}
	sess, err := s.orc.StartAuto(ctx, in.SessionID, rounds)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(sess)
}

func (s *Server) pause(ctx context.Context, _ *mcpsdk.CallToolRequest, in sessionArgs) (*mcpsdk.CallToolResult, any, error) {
	sess, err := s.orc.PauseAuto(ctx, in.SessionID)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(sess)
}

func (s *Server) resume(ctx context.Context, _ *mcpsdk.CallToolRequest, in autoArgs) (*mcpsdk.CallToolResult, any, error) {
	rounds, err := s.segment(ctx, in.SessionID, in.Rounds)
	if err != nil {
		return nil, nil, err
	}
	sess, err := s.orc.ResumeAuto(ctx, in.SessionID, rounds)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(sess)
}

func (s *Server) stop(ctx context.Context, _ *mcpsdk.CallToolRequest, in sessionArgs) (*mcpsdk.CallToolResult, any, error) {
	sess, err := s.orc.StopSession(ctx, in.SessionID)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(sess)
}

func (s *Server) buttIn(ctx context.Context, _ *mcpsdk.CallToolRequest, in buttInArgs) (*mcpsdk.CallToolResult, any, error) {
	sess, err := s.orc.SubmitButtIn(ctx, in.SessionID, in.Message)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(sess)
}

func (s *Server) getSession(ctx context.Context, _ *mcpsdk.CallToolRequest, in sessionArgs) (*mcpsdk.CallToolResult, any, error) {
	sess, err := s.orc.GetSession(ctx, in.SessionID)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(sess)
}

func (s *Server) listSessions(ctx context.Context, _ *mcpsdk.CallToolRequest, in listSessionsArgs) (*mcpsdk.CallToolResult, any, error) {
	filter := store.ListFilter{Limit: in.Limit}
	if in.State != "" {
		state := council.SessionState(in.State)
		if !state.Valid() {
			return nil, nil, &council.ValidationError{Field: "state", Reason: fmt.Sprintf("unknown state %q", in.State)}
		}
		filter.State = state
	}
	sessions, err := s.orc.ListSessions(ctx, filter)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// segment resolves the round budget for auto and resume calls. Zero
// defaults to the session's remaining budget; an exhausted budget
// passes 1 through so the state machine reports the real conflict.
func (s *Server) segment(ctx context.Context, id string, rounds int) (int, error) {
	if rounds > 0 {
		return rounds, nil
	}
	sess, err := s.orc.GetSession(ctx, id)
	if err != nil {
		return 0, err
	}
	if remaining := sess.RoundsRemaining(); remaining > 0 {
		return remaining, nil
	}
	return 1, nil
}

func jsonResult(v any) (*mcpsdk.CallToolResult, any, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("encode result: %w", err)
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(raw)}},
	}, nil, nil
}
