package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/sashabaranov/go-openai"
)

const (
	openaiDefaultModel = "gpt-4o-mini"
	openaiMaxRetries   = 3
)

func init() {
	RegisterFactory("openai", func(config map[string]any) (Provider, error) {
		apiKey := ""
		if key, ok := config["api_key"].(string); ok {
			apiKey = key
		}
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY not set")
		}

		baseURL := ""
		if url, ok := config["base_url"].(string); ok {
			baseURL = url
		}

		return NewOpenAIProvider(apiKey, baseURL), nil
	})
}

// OpenAIProvider implements Provider on the go-openai SDK.
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider creates an OpenAI provider. baseURL overrides the
// API endpoint when non-empty (proxies, compatible servers).
func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg)}
}

// NewOpenAIProviderWithClient wraps an existing client (tests).
func NewOpenAIProviderWithClient(client *openai.Client) *OpenAIProvider {
	return &OpenAIProvider{client: client}
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string { return "openai" }

// CreateStreaming starts a streaming chat completion.
func (p *OpenAIProvider) CreateStreaming(ctx context.Context, req CompletionRequest) (Stream, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, p.buildRequest(req, nil))
	if err != nil {
		return nil, wrapOpenAIError(err)
	}
	return &openaiStream{inner: stream}, nil
}

// CreateStructured creates a complete schema-constrained response.
func (p *OpenAIProvider) CreateStructured(ctx context.Context, req StructuredRequest) (*StructuredResponse, error) {
	chatReq := p.buildRequest(req.CompletionRequest, responseFormat(req))

	var resp openai.ChatCompletionResponse
	var err error
	for attempt := 0; attempt < openaiMaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt))) * time.Second
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err = p.client.CreateChatCompletion(ctx, chatReq)
		if err == nil {
			break
		}
		if perr := wrapOpenAIError(err); !perr.(*ProviderError).IsRetryable {
			return nil, perr
		}
	}
	if err != nil {
		return nil, wrapOpenAIError(err)
	}

	if len(resp.Choices) == 0 {
		return nil, NewProviderError("openai", ErrorCodeUnknown, "no choices in response", nil)
	}

	choice := resp.Choices[0]
	return &StructuredResponse{
		Data:         json.RawMessage(choice.Message.Content),
		FinishReason: string(choice.FinishReason),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// CreateStructuredStream streams a schema-constrained response.
func (p *OpenAIProvider) CreateStructuredStream(ctx context.Context, req StructuredRequest) (Stream, error) {
	chatReq := p.buildRequest(req.CompletionRequest, responseFormat(req))
	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, wrapOpenAIError(err)
	}
	return &openaiStream{inner: stream}, nil
}

func (p *OpenAIProvider) buildRequest(req CompletionRequest, format *openai.ChatCompletionResponseFormat) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = openaiDefaultModel
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.ToolName,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		messages = append(messages, msg)
	}

	chatReq := openai.ChatCompletionRequest{
		Model:          model,
		Messages:       messages,
		Temperature:    float32(req.Temperature),
		MaxTokens:      req.MaxTokens,
		ResponseFormat: format,
	}

	if len(req.Tools) > 0 {
		chatReq.Tools = make([]openai.Tool, len(req.Tools))
		for i, t := range req.Tools {
			chatReq.Tools[i] = openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			}
		}
	}

	return chatReq
}

func responseFormat(req StructuredRequest) *openai.ChatCompletionResponseFormat {
	if len(req.ResponseSchema) == 0 {
		return &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	name := req.SchemaName
	if name == "" {
		name = "response"
	}
	return &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
		JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
			Name:   name,
			Schema: req.ResponseSchema,
			Strict: req.StrictSchema,
		},
	}
}

func wrapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := ErrorCodeUnknown
		switch apiErr.HTTPStatusCode {
		case 400:
			code = ErrorCodeInvalidRequest
		case 401:
			code = ErrorCodeAuthentication
		case 404:
			code = ErrorCodeModelNotFound
		case 429:
			code = ErrorCodeRateLimit
		default:
			if apiErr.HTTPStatusCode >= 500 {
				code = ErrorCodeServerError
			}
		}
		perr := NewProviderError("openai", code, apiErr.Message, err)
		perr.StatusCode = apiErr.HTTPStatusCode
		return perr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewProviderError("openai", ErrorCodeTimeout, err.Error(), err)
	}
	return NewProviderError("openai", ErrorCodeUnknown, err.Error(), err)
}

// openaiStream adapts the SDK stream to the Stream interface.
type openaiStream struct {
	inner *openai.ChatCompletionStream
}

func (s *openaiStream) Recv() (*StreamChunk, error) {
	resp, err := s.inner.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, wrapOpenAIError(err)
	}

	if len(resp.Choices) == 0 {
		return &StreamChunk{}, nil
	}

	choice := resp.Choices[0]
	chunk := &StreamChunk{
		Delta:        choice.Delta.Content,
		FinishReason: string(choice.FinishReason),
	}

	for i, tc := range choice.Delta.ToolCalls {
		idx := i
		if tc.Index != nil {
			idx = *tc.Index
		}
		chunk.ToolCallDeltas = append(chunk.ToolCallDeltas, ToolCallDelta{
			Index:         idx,
			ID:            tc.ID,
			Name:          tc.Function.Name,
			ArgumentDelta: tc.Function.Arguments,
		})
	}

	return chunk, nil
}

func (s *openaiStream) Close() error {
	s.inner.Close()
	return nil
}
