// Package responder produces one participant's contribution to one
// round: it renders the deliberation transcript into a prompt, calls
// the participant's model, prices the exchange, and classifies
// anything that goes wrong into a non-fatal AgentFailure.
package responder

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"

	"github.com/szaher/council/internal/council"
	"github.com/szaher/council/internal/llm"
	"github.com/szaher/council/internal/pricing"
)

// Request carries everything one participant needs to respond in one
// round. Rounds is the transcript so far; HumanMessage is the butt-in
// consumed for this round, if any. OnPartial, when set, receives text
// deltas as the model generates them.
type Request struct {
	Session      *council.Session
	Participant  council.Participant
	Rounds       []council.Round
	RoundNumber  int
	HumanMessage string
	OnPartial    func(text string)
}

// Responder produces one participant's message for a round. On
// failure the returned error is always a *council.AgentFailure; the
// round absorbs it and continues with the other participants.
type Responder interface {
	Respond(ctx context.Context, req *Request) (*council.Message, error)
}

var errEmptyResponse = errors.New("model returned no content and no tool calls")

const (
	defaultTimeout   = 120 * time.Second
	defaultWindow    = 12
	defaultMaxTokens = 1024
)

// LLMResponder answers through the participant's configured model
// provider.
type LLMResponder struct {
	clientFor func(model string) (llm.Client, string)
	prices    *pricing.Table
	timeout   time.Duration
	window    int
	maxTokens int
	logger    *slog.Logger
}

// Option configures an LLMResponder.
type Option func(*LLMResponder)

// WithTimeout sets the per-participant deadline for one response.
func WithTimeout(d time.Duration) Option {
	return func(r *LLMResponder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithWindow caps how many trailing rounds of transcript each prompt
// carries. Zero means unbounded.
func WithWindow(rounds int) Option {
	return func(r *LLMResponder) { r.window = rounds }
}

// WithMaxTokens sets the response token cap sent to providers.
func WithMaxTokens(n int) Option {
	return func(r *LLMResponder) {
		if n > 0 {
			r.maxTokens = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *LLMResponder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClientFactory overrides how model strings resolve to clients.
// Tests use this to substitute mocks.
func WithClientFactory(f func(model string) (llm.Client, string)) Option {
	return func(r *LLMResponder) { r.clientFor = f }
}

// NewLLMResponder creates a responder backed by the given provider
// credentials and pricing table.
func NewLLMResponder(providers llm.ProviderConfig, prices *pricing.Table, opts ...Option) *LLMResponder {
	r := &LLMResponder{
		clientFor: providers.ClientFor,
		prices:    prices,
		timeout:   defaultTimeout,
		window:    defaultWindow,
		maxTokens: defaultMaxTokens,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.prices == nil {
		r.prices = pricing.NewTable()
	}
	return r
}

// Respond implements Responder.
func (r *LLMResponder) Respond(ctx context.Context, req *Request) (*council.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	client, model := r.clientFor(req.Participant.Model)
	chatReq := llm.ChatRequest{
		Model:     model,
		System:    r.buildSystem(req),
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: r.renderTranscript(req)}},
		MaxTokens: r.maxTokens,
	}

	var (
		resp *llm.ChatResponse
		err  error
	)
	if req.OnPartial != nil {
		resp, err = stream(ctx, client, chatReq, req.OnPartial)
	} else {
		resp, err = client.Chat(ctx, chatReq)
	}
	if err != nil {
		return nil, r.fail(req, err)
	}

	content := strings.TrimSpace(resp.Content)
	toolCalls := convertToolCalls(resp.ToolCalls, r.logger)
	if content == "" && len(toolCalls) == 0 {
		return nil, r.fail(req, errEmptyResponse)
	}

	return &council.Message{
		AgentID:      req.Participant.AgentID,
		Content:      content,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		ToolCalls:    toolCalls,
		CostUSD:      r.prices.Cost(model, resp.Usage.InputTokens, resp.Usage.OutputTokens),
	}, nil
}

func stream(ctx context.Context, client llm.Client, req llm.ChatRequest, onPartial func(string)) (*llm.ChatResponse, error) {
	ch, err := client.ChatStream(ctx, req)
	if err != nil {
		return nil, err
	}
	var resp *llm.ChatResponse
	for ev := range ch {
		switch ev.Type {
		case llm.StreamText:
			onPartial(ev.Text)
		case llm.StreamDone:
			resp = ev.Response
		case llm.StreamError:
			return nil, ev.Error
		}
	}
	if resp == nil {
		return nil, errors.New("stream closed without a final response")
	}
	return resp, nil
}

func (r *LLMResponder) fail(req *Request, err error) error {
	failure := Classify(req.Participant.AgentID, err)
	r.logger.Warn("participant failed to respond",
		"session_id", req.Session.ID,
		"round", req.RoundNumber,
		"agent_id", req.Participant.AgentID,
		"kind", string(failure.Kind),
		"error", err)
	return failure
}

// Classify maps a provider error onto the failure taxonomy: deadline
// expiry is a timeout, HTTP 429 is rate limiting, an empty answer is
// an invalid response, and everything else is the provider's fault.
func Classify(agentID string, err error) *council.AgentFailure {
	kind := council.FailureProviderError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = council.FailureTimeout
	case errors.Is(err, errEmptyResponse):
		kind = council.FailureInvalidResponse
	case isRateLimited(err):
		kind = council.FailureRateLimited
	}
	return &council.AgentFailure{AgentID: agentID, Kind: kind, Reason: err.Error()}
}

func isRateLimited(err error) bool {
	var rl *llm.RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return apierr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

func convertToolCalls(calls []llm.ToolCall, logger *slog.Logger) []council.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]council.ToolCall, 0, len(calls))
	for _, tc := range calls {
		input, err := json.Marshal(tc.Input)
		if err != nil {
			logger.Warn("dropping unencodable tool input", "tool", tc.Name, "error", err)
			input = nil
		}
		out = append(out, council.ToolCall{Name: tc.Name, Input: input})
	}
	return out
}
