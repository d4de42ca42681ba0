// Package provider abstracts the external text-generation services the
// engine talks to. A provider delivers one assistant turn as a stream
// of fragments (optionally interleaved with tool-call requests) and can
// produce schema-constrained structured output for the evaluator.
package provider

import (
	"context"
	"encoding/json"
)

// Provider is the interface for LLM backends.
type Provider interface {
	// CreateStreaming starts a streaming completion for one assistant
	// turn. Fragments arrive in concatenation order.
	CreateStreaming(ctx context.Context, request CompletionRequest) (Stream, error)

	// CreateStructured creates a complete schema-constrained response.
	CreateStructured(ctx context.Context, request StructuredRequest) (*StructuredResponse, error)

	// CreateStructuredStream streams a schema-constrained response as
	// raw JSON text fragments.
	CreateStructuredStream(ctx context.Context, request StructuredRequest) (Stream, error)

	// Name returns the provider name (e.g. "openai", "gemini").
	Name() string
}

// Message is one chat message in provider wire form.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant", "tool"
	Content string `json:"content"`

	// ToolCallID links a tool message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// ToolName is set on tool messages for providers that need it.
	ToolName string `json:"tool_name,omitempty"`
	// ToolCalls are the calls an assistant message requested, replayed
	// when the conversation is resent after tool execution.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Tool describes a callable function exposed to the model.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"` // JSON Schema
}

// CompletionRequest is a request for one assistant turn.
type CompletionRequest struct {
	Messages     []Message `json:"messages"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Model        string    `json:"model,omitempty"`
	Temperature  float64   `json:"temperature,omitempty"`
	MaxTokens    int       `json:"max_tokens,omitempty"`
	Tools        []Tool    `json:"tools,omitempty"`
}

// StructuredRequest asks for output conforming to a JSON schema.
type StructuredRequest struct {
	CompletionRequest

	// ResponseSchema is the JSON Schema the output must satisfy.
	ResponseSchema json.RawMessage `json:"response_schema"`

	// SchemaName labels the schema for providers that require one.
	SchemaName string `json:"schema_name,omitempty"`

	// StrictSchema enables strict adherence where supported.
	StrictSchema bool `json:"strict_schema,omitempty"`
}

// StructuredResponse is a complete structured result.
type StructuredResponse struct {
	// Data is the raw JSON document.
	Data json.RawMessage `json:"data"`

	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
}

// Usage reports token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ToolCall is a completed function call request from the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Stream delivers one response incrementally. Recv returns io.EOF
// after the final chunk; Close cancels at the next chunk boundary.
type Stream interface {
	Recv() (*StreamChunk, error)
	Close() error
}

// StreamChunk is one increment of a streaming response.
type StreamChunk struct {
	// Delta is the incremental text content.
	Delta string `json:"delta"`

	// FinishReason is set on the last chunk ("stop", "tool_calls", ...).
	FinishReason string `json:"finish_reason,omitempty"`

	// ToolCallDeltas carry incremental tool-call state.
	ToolCallDeltas []ToolCallDelta `json:"tool_call_deltas,omitempty"`
}

// ToolCallDelta is an incremental update to a tool call under
// construction. Arguments arrive as string fragments.
type ToolCallDelta struct {
	Index         int    `json:"index"`
	ID            string `json:"id,omitempty"`
	Name          string `json:"name,omitempty"`
	ArgumentDelta string `json:"argument_delta,omitempty"`
}

// FinishToolCalls is the finish reason signalling the model paused for
// tool results.
const FinishToolCalls = "tool_calls"

// ProviderError is a classified provider failure.
type ProviderError struct {
	Provider      string `json:"provider"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	StatusCode    int    `json:"status_code,omitempty"`
	IsRetryable   bool   `json:"is_retryable"`
	OriginalError error  `json:"-"`
}

func (e *ProviderError) Error() string {
	return e.Provider + " error: " + e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.OriginalError
}

// Error codes shared across providers.
const (
	ErrorCodeInvalidRequest = "invalid_request"
	ErrorCodeAuthentication = "authentication_error"
	ErrorCodeRateLimit      = "rate_limit_exceeded"
	ErrorCodeServerError    = "server_error"
	ErrorCodeTimeout        = "timeout"
	ErrorCodeModelNotFound  = "model_not_found"
	ErrorCodeUnknown        = "unknown_error"
)

// NewProviderError creates a classified provider error.
func NewProviderError(provider, code, message string, original error) *ProviderError {
	return &ProviderError{
		Provider:      provider,
		Code:          code,
		Message:       message,
		OriginalError: original,
		IsRetryable:   isRetryableCode(code),
	}
}

func isRetryableCode(code string) bool {
	switch code {
	case ErrorCodeRateLimit, ErrorCodeServerError, ErrorCodeTimeout:
		return true
	default:
		return false
	}
}
