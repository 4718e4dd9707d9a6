package llm

import (
	"context"
	"sync"
)

// MockClient implements Client for testing purposes.
// Responses are scripted per function name; a function's queue is consumed
// in order and its last entry repeats once exhausted.
type MockClient struct {
	mu sync.Mutex

	responses   map[string][]string
	defaultText string
	responder   func(Request) (string, error)
	err         error
	available   bool

	// Calls records every request in arrival order.
	Calls []Request
}

// NewMockClient creates a new MockClient with default settings.
// By default, it is available and answers every request with "".
func NewMockClient() *MockClient {
	return &MockClient{
		available: true,
		responses: make(map[string][]string),
	}
}

// WithResponse queues replies for requests whose Function equals function.
func (m *MockClient) WithResponse(function string, texts ...string) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[function] = append(m.responses[function], texts...)
	return m
}

// WithDefault sets the reply for functions with no scripted response.
func (m *MockClient) WithDefault(text string) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultText = text
	return m
}

// WithResponder installs a callback that answers any request not covered by
// WithResponse.
func (m *MockClient) WithResponder(fn func(Request) (string, error)) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responder = fn
	return m
}

// WithError configures the error returned by Complete.
func (m *MockClient) WithError(err error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithAvailable configures whether Available() returns true or false.
func (m *MockClient) WithAvailable(available bool) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available = available
	return m
}

// Complete records the call and returns the scripted reply or error.
func (m *MockClient) Complete(_ context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, req)

	if m.err != nil {
		return nil, m.err
	}

	text := m.defaultText
	if queue := m.responses[req.Function]; len(queue) > 0 {
		text = queue[0]
		if len(queue) > 1 {
			m.responses[req.Function] = queue[1:]
		}
	} else if m.responder != nil {
		var err error
		if text, err = m.responder(req); err != nil {
			return nil, err
		}
	}

	return &Response{
		Text:             text,
		Model:            "mock",
		PromptTokens:     len(tokenize(req.System)) + len(tokenize(req.User)),
		CompletionTokens: len(tokenize(text)),
	}, nil
}

// Available returns the configured availability.
func (m *MockClient) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// CallCount returns the number of Complete calls made for function.
func (m *MockClient) CallCount(function string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Calls {
		if c.Function == function {
			n++
		}
	}
	return n
}

// Reset clears recorded calls.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}
