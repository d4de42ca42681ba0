package provider

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// MockProvider is a scripted provider for tests. Each call consumes
// the next scripted response in order; Errors at the same index win.
type MockProvider struct {
	ProviderName string

	StreamScripts       [][]*StreamChunk
	StructuredResponses []*StructuredResponse
	Errors              []error

	StreamCalls     []CompletionRequest
	StructuredCalls []StructuredRequest

	mu    sync.Mutex
	index int
}

// NewMockProvider creates a mock provider.
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{ProviderName: name}
}

// Name returns the configured name.
func (m *MockProvider) Name() string {
	if m.ProviderName == "" {
		return "mock"
	}
	return m.ProviderName
}

// CreateStreaming returns the next scripted chunk sequence.
func (m *MockProvider) CreateStreaming(ctx context.Context, req CompletionRequest) (Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.StreamCalls = append(m.StreamCalls, req)
	idx := m.next()

	if idx < len(m.Errors) && m.Errors[idx] != nil {
		return nil, m.Errors[idx]
	}
	if idx >= len(m.StreamScripts) {
		return nil, fmt.Errorf("mock: no stream scripted for call %d", idx)
	}
	return &mockStream{chunks: m.StreamScripts[idx]}, nil
}

// CreateStructured returns the next scripted structured response.
func (m *MockProvider) CreateStructured(ctx context.Context, req StructuredRequest) (*StructuredResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.StructuredCalls = append(m.StructuredCalls, req)
	idx := m.next()

	if idx < len(m.Errors) && m.Errors[idx] != nil {
		return nil, m.Errors[idx]
	}
	if idx >= len(m.StructuredResponses) {
		return nil, fmt.Errorf("mock: no structured response scripted for call %d", idx)
	}
	return m.StructuredResponses[idx], nil
}

// CreateStructuredStream returns the next scripted chunk sequence.
func (m *MockProvider) CreateStructuredStream(ctx context.Context, req StructuredRequest) (Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.StructuredCalls = append(m.StructuredCalls, req)
	idx := m.next()

	if idx < len(m.Errors) && m.Errors[idx] != nil {
		return nil, m.Errors[idx]
	}
	if idx >= len(m.StreamScripts) {
		return nil, fmt.Errorf("mock: no stream scripted for call %d", idx)
	}
	return &mockStream{chunks: m.StreamScripts[idx]}, nil
}

func (m *MockProvider) next() int {
	idx := m.index
	m.index++
	return idx
}

// mockStream replays scripted chunks, honoring FailAfter.
type mockStream struct {
	chunks []*StreamChunk
	pos    int
	err    error
	closed bool
	mu     sync.Mutex
}

// FailingStream returns a stream that yields chunks then fails with err
// instead of a clean EOF.
func FailingStream(chunks []*StreamChunk, err error) Stream {
	return &mockStream{chunks: chunks, err: err}
}

func (s *mockStream) Recv() (*StreamChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, io.EOF
	}
	if s.pos >= len(s.chunks) {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}

	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *mockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
