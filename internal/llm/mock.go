package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockResponse configures one scripted response from the mock client.
// Chunks, when set, is streamed as separate text deltas so tests can
// observe partial-content behavior; Content is their concatenation.
type MockResponse struct {
	Content    string
	Chunks     []string
	ToolCalls  []ToolCall
	StopReason StopReason
	Usage      TokenUsage
	Error      error
}

// MockClient is a scripted Client for tests. Responses play in order;
// once exhausted, the last one repeats.
type MockClient struct {
	mu        sync.Mutex
	responses []MockResponse
	callIndex int
	calls     []ChatRequest
}

// NewMockClient creates a mock client with a response script.
func NewMockClient(responses ...MockResponse) *MockClient {
	return &MockClient{responses: responses}
}

func (m *MockClient) next(req ChatRequest) (MockResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)
	if len(m.responses) == 0 {
		return MockResponse{}, fmt.Errorf("mock: no responses configured")
	}
	idx := m.callIndex
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	} else {
		m.callIndex++
	}
	return m.responses[idx], nil
}

// Chat returns the next scripted response.
func (m *MockClient) Chat(_ context.Context, req ChatRequest) (*ChatResponse, error) {
	resp, err := m.next(req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return &ChatResponse{
		Content:    resp.content(),
		ToolCalls:  resp.ToolCalls,
		StopReason: resp.StopReason,
		Usage:      resp.Usage,
	}, nil
}

// ChatStream plays the next scripted response as a stream: one text
// event per chunk, tool call events, then done.
func (m *MockClient) ChatStream(_ context.Context, req ChatRequest) (<-chan StreamEvent, error) {
	resp, err := m.next(req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	ch := make(chan StreamEvent, len(resp.Chunks)+len(resp.ToolCalls)+2)
	go func() {
		defer close(ch)
		if len(resp.Chunks) > 0 {
			for _, chunk := range resp.Chunks {
				ch <- StreamEvent{Type: StreamText, Text: chunk}
			}
		} else if resp.Content != "" {
			ch <- StreamEvent{Type: StreamText, Text: resp.Content}
		}
		for i := range resp.ToolCalls {
			ch <- StreamEvent{Type: StreamToolCall, ToolCall: &resp.ToolCalls[i]}
		}
		ch <- StreamEvent{Type: StreamDone, Response: &ChatResponse{
			Content:    resp.content(),
			ToolCalls:  resp.ToolCalls,
			StopReason: resp.StopReason,
			Usage:      resp.Usage,
		}}
	}()

	return ch, nil
}

func (r MockResponse) content() string {
	if len(r.Chunks) == 0 {
		return r.Content
	}
	var out string
	for _, c := range r.Chunks {
		out += c
	}
	return out
}

// Calls returns a copy of every request the mock has received.
func (m *MockClient) Calls() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChatRequest(nil), m.calls...)
}

// Reset clears call history and rewinds the script.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callIndex = 0
	m.calls = nil
}
