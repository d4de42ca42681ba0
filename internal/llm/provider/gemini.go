package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	geminiDefaultModel  = "gemini-2.0-flash"
	geminiMaxRetries    = 3
	geminiClientTimeout = 30 * time.Second
)

func init() {
	RegisterFactory("gemini", func(config map[string]any) (Provider, error) {
		apiKey := ""
		if key, ok := config["api_key"].(string); ok {
			apiKey = key
		}
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY not set")
		}
		return NewGeminiProvider(apiKey)
	})
}

// GeminiProvider implements Provider on the Google Gen AI SDK.
type GeminiProvider struct {
	client *genai.Client
}

// NewGeminiProvider creates a Gemini API provider.
func NewGeminiProvider(apiKey string) (*GeminiProvider, error) {
	ctx, cancel := context.WithTimeout(context.Background(), geminiClientTimeout)
	defer cancel()

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create Gemini client: %w", err)
	}

	return &GeminiProvider{client: client}, nil
}

// Name returns the provider name.
func (p *GeminiProvider) Name() string { return "gemini" }

// CreateStreaming starts a streaming completion.
func (p *GeminiProvider) CreateStreaming(ctx context.Context, req CompletionRequest) (Stream, error) {
	model, contents, config := p.prepare(req)
	if len(req.Tools) > 0 {
		config.Tools = buildGeminiTools(req.Tools)
	}
	return p.stream(ctx, model, contents, config), nil
}

// CreateStructured creates a complete schema-constrained response.
func (p *GeminiProvider) CreateStructured(ctx context.Context, req StructuredRequest) (*StructuredResponse, error) {
	model, contents, config := p.prepare(req.CompletionRequest)
	applyGeminiSchema(config, req)

	var resp *genai.GenerateContentResponse
	var err error
	for attempt := 0; attempt < geminiMaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt))) * time.Second
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err = p.client.Models.GenerateContent(ctx, model, contents, config)
		if err == nil {
			break
		}
		if !isRetryableGeminiError(err) {
			return nil, wrapGeminiError(err)
		}
	}
	if err != nil {
		return nil, wrapGeminiError(err)
	}

	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, NewProviderError("gemini", ErrorCodeUnknown, "no candidates in response", nil)
	}

	var content strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		content.WriteString(part.Text)
	}

	out := &StructuredResponse{
		Data:         json.RawMessage(content.String()),
		FinishReason: normalizeGeminiFinish(string(resp.Candidates[0].FinishReason)),
	}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return out, nil
}

// CreateStructuredStream streams a schema-constrained response.
func (p *GeminiProvider) CreateStructuredStream(ctx context.Context, req StructuredRequest) (Stream, error) {
	model, contents, config := p.prepare(req.CompletionRequest)
	applyGeminiSchema(config, req)
	return p.stream(ctx, model, contents, config), nil
}

func (p *GeminiProvider) prepare(req CompletionRequest) (string, []*genai.Content, *genai.GenerateContentConfig) {
	model := req.Model
	if model == "" {
		model = geminiDefaultModel
	}

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.MaxTokens > 0 && req.MaxTokens <= math.MaxInt32 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.SystemPrompt != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemPrompt}},
		}
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			// System text folds into the system instruction.
			if config.SystemInstruction == nil {
				config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: m.Content}}}
			}
			continue
		}

		role := m.Role
		if role == "assistant" {
			role = "model"
		}

		if m.Role == "tool" {
			var response map[string]any
			if err := json.Unmarshal([]byte(m.Content), &response); err != nil {
				response = map[string]any{"result": m.Content}
			}
			contents = append(contents, &genai.Content{
				Role: "function",
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						Name:     m.ToolName,
						Response: response,
					},
				}},
			})
			continue
		}

		parts := []*genai.Part{}
		if m.Content != "" {
			parts = append(parts, &genai.Part{Text: m.Content})
		}
		for _, tc := range m.ToolCalls {
			var args map[string]any
			_ = json.Unmarshal(tc.Arguments, &args)
			parts = append(parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
			})
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: parts,
		})
	}

	return model, contents, config
}

// stream pumps the SDK's iter.Seq2 into a channel-backed Stream so the
// caller can cancel at a chunk boundary via Close.
func (p *GeminiProvider) stream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) Stream {
	streamCtx, cancel := context.WithCancel(ctx)
	chunks := make(chan *StreamChunk, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		for resp, err := range p.client.Models.GenerateContentStream(streamCtx, model, contents, config) {
			if err != nil {
				select {
				case errs <- wrapGeminiError(err):
				case <-streamCtx.Done():
				}
				return
			}

			chunk := geminiChunk(resp)
			if chunk == nil {
				continue
			}
			select {
			case chunks <- chunk:
			case <-streamCtx.Done():
				return
			}
		}
	}()

	return &geminiStream{chunks: chunks, errs: errs, cancel: cancel}
}

func geminiChunk(resp *genai.GenerateContentResponse) *StreamChunk {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil
	}

	candidate := resp.Candidates[0]
	chunk := &StreamChunk{}
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			chunk.Delta += part.Text
			if part.FunctionCall != nil {
				args, _ := json.Marshal(part.FunctionCall.Args)
				chunk.ToolCallDeltas = append(chunk.ToolCallDeltas, ToolCallDelta{
					Index:         len(chunk.ToolCallDeltas),
					ID:            part.FunctionCall.Name,
					Name:          part.FunctionCall.Name,
					ArgumentDelta: string(args),
				})
			}
		}
	}
	if candidate.FinishReason != "" {
		chunk.FinishReason = normalizeGeminiFinish(string(candidate.FinishReason))
		// The SDK reports STOP even when the model paused for tools.
		if len(chunk.ToolCallDeltas) > 0 {
			chunk.FinishReason = FinishToolCalls
		}
	}
	return chunk
}

func buildGeminiTools(tools []Tool) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, len(tools))
	for i, t := range tools {
		var params *genai.Schema
		if len(t.Parameters) > 0 {
			_ = json.Unmarshal(t.Parameters, &params)
		}
		decls[i] = &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		}
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func applyGeminiSchema(config *genai.GenerateContentConfig, req StructuredRequest) {
	config.ResponseMIMEType = "application/json"
	if len(req.ResponseSchema) > 0 {
		var schema *genai.Schema
		if err := json.Unmarshal(req.ResponseSchema, &schema); err == nil {
			config.ResponseSchema = schema
		}
	}
}

func normalizeGeminiFinish(reason string) string {
	if reason == "STOP" || reason == "" {
		return "stop"
	}
	return strings.ToLower(reason)
}

func wrapGeminiError(err error) error {
	if err == nil {
		return nil
	}

	code := ErrorCodeUnknown
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "credential") || strings.Contains(msg, "401") || strings.Contains(msg, "403"):
		code = ErrorCodeAuthentication
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") || strings.Contains(msg, "quota"):
		code = ErrorCodeRateLimit
	case strings.Contains(msg, "not found") || strings.Contains(msg, "404"):
		code = ErrorCodeModelNotFound
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "400"):
		code = ErrorCodeInvalidRequest
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		code = ErrorCodeTimeout
	case strings.Contains(msg, "500") || strings.Contains(msg, "503") || strings.Contains(msg, "server"):
		code = ErrorCodeServerError
	}

	return NewProviderError("gemini", code, err.Error(), err)
}

func isRetryableGeminiError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "500") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "deadline")
}

// geminiStream adapts the pumped channels to the Stream interface.
type geminiStream struct {
	chunks chan *StreamChunk
	errs   chan error
	cancel context.CancelFunc
}

func (s *geminiStream) Recv() (*StreamChunk, error) {
	chunk, ok := <-s.chunks
	if !ok {
		if err, ok := <-s.errs; ok && err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return chunk, nil
}

func (s *geminiStream) Close() error {
	s.cancel()
	return nil
}
