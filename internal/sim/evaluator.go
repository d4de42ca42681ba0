package sim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/caresim-dev/caresim/internal/llm/provider"
	"github.com/caresim-dev/caresim/internal/observability"
	"github.com/caresim-dev/caresim/internal/scenario"
	"github.com/caresim-dev/caresim/internal/transcript"
	metrics "github.com/caresim-dev/caresim/pkg/observability"
)

// Evaluation statuses. An evaluation that errors out stays in
// progress: the one-shot guard has already fired and the session will
// not re-run it.
type EvalStatus string

const (
	EvalNotStarted EvalStatus = "not_started"
	EvalInProgress EvalStatus = "in_progress"
	EvalCompleted  EvalStatus = "completed"
)

// Evaluation sentinel errors.
var (
	// ErrEvaluationStarted is returned when Run is called more than once.
	ErrEvaluationStarted = errors.New("evaluation already started")
	// ErrNothingToEvaluate is returned when the transcript holds no
	// user turns.
	ErrNothingToEvaluate = errors.New("nothing to evaluate: no user turns")
)

// EvaluationTask is one graded task inside a rubric section. Score
// fields are pointers so a value absent from a streamed partial is
// distinguishable from an actual zero.
type EvaluationTask struct {
	Title         string   `json:"title"`
	Score         *float64 `json:"score,omitempty"`
	TotalPoints   *float64 `json:"totalPoints,omitempty"`
	FeedbackItems []string `json:"feedbackItems,omitempty"`
}

// EvaluationSection is one section of the rubric.
type EvaluationSection struct {
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	Tasks       []EvaluationTask `json:"tasks,omitempty"`
}

// Evaluation is the full rubric result.
type Evaluation struct {
	Sections           []EvaluationSection `json:"sections"`
	OverallScore       *float64            `json:"overallScore,omitempty"`
	TotalPossibleScore *float64            `json:"totalPossibleScore,omitempty"`
	Summary            []string            `json:"summary,omitempty"`
}

// evaluationSchema is the JSON schema sent with the structured request.
var evaluationSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "sections": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "title": {"type": "string"},
          "description": {"type": "string"},
          "tasks": {
            "type": "array",
            "items": {
              "type": "object",
              "properties": {
                "title": {"type": "string"},
                "score": {"type": "number"},
                "totalPoints": {"type": "number"},
                "feedbackItems": {"type": "array", "items": {"type": "string"}}
              },
              "required": ["title", "score", "totalPoints", "feedbackItems"]
            }
          }
        },
        "required": ["title", "tasks"]
      }
    },
    "overallScore": {"type": "number"},
    "totalPossibleScore": {"type": "number"},
    "summary": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["sections"]
}`)

const defaultEvaluationPrompt = `You are grading a pharmacy student's consultation with a virtual patient.
Score each rubric section task by task, citing what the student said or failed to say.
Be specific and constructive in feedback items.`

// Evaluator runs the one-shot rubric evaluation over a finished
// transcript, streaming partial results as they decode.
type Evaluator struct {
	provider provider.Provider
	model    string

	mu     sync.Mutex
	status EvalStatus
	result *Evaluation
}

// NewEvaluator creates an evaluator bound to a provider.
func NewEvaluator(p provider.Provider, model string) *Evaluator {
	return &Evaluator{
		provider: p,
		model:    model,
		status:   EvalNotStarted,
	}
}

// Status returns the current evaluation status.
func (e *Evaluator) Status() EvalStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Result returns the completed evaluation, or nil.
func (e *Evaluator) Result() *Evaluation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result
}

// Run performs the evaluation. It may be called once per session;
// later calls return ErrEvaluationStarted regardless of how the first
// attempt ended. onPartial, when non-nil, receives each decodable
// partial as the response streams.
func (e *Evaluator) Run(ctx context.Context, sc *scenario.Scenario, turns []transcript.Turn, onPartial func(*Evaluation)) (*Evaluation, error) {
	hasUserTurn := false
	for _, t := range turns {
		if t.Role == transcript.RoleUser {
			hasUserTurn = true
			break
		}
	}
	if !hasUserTurn {
		return nil, ErrNothingToEvaluate
	}

	e.mu.Lock()
	if e.status != EvalNotStarted {
		e.mu.Unlock()
		return nil, ErrEvaluationStarted
	}
	e.status = EvalInProgress
	e.mu.Unlock()

	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "evaluation.run", map[string]any{
		"scenario": sc.ID,
		"turns":    len(turns),
	})
	defer span.End()

	systemPrompt := sc.EvaluationPrompt
	if systemPrompt == "" {
		systemPrompt = defaultEvaluationPrompt
	}

	req := provider.StructuredRequest{
		CompletionRequest: provider.CompletionRequest{
			Model:        e.model,
			SystemPrompt: systemPrompt,
			Messages: []provider.Message{
				{Role: "user", Content: renderTranscript(turns)},
			},
		},
		ResponseSchema: evaluationSchema,
		SchemaName:     "evaluation",
		StrictSchema:   true,
	}

	stream, err := e.provider.CreateStructuredStream(ctx, req)
	if err != nil {
		span.SetError(err)
		metrics.RecordEvaluation("failed", time.Since(start))
		return nil, fmt.Errorf("start evaluation: %w", err)
	}
	defer func() { _ = stream.Close() }()

	var buf strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			span.SetError(err)
			metrics.RecordEvaluation("failed", time.Since(start))
			return nil, fmt.Errorf("evaluation stream: %w", err)
		}

		if chunk.Delta == "" {
			continue
		}
		buf.WriteString(chunk.Delta)

		if onPartial == nil {
			continue
		}
		if repaired, ok := CompletePartialJSON(buf.String()); ok {
			var partial Evaluation
			if json.Unmarshal(repaired, &partial) == nil {
				onPartial(&partial)
			}
		}
	}

	var result Evaluation
	if err := json.Unmarshal([]byte(buf.String()), &result); err != nil {
		span.SetError(err)
		metrics.RecordEvaluation("failed", time.Since(start))
		return nil, fmt.Errorf("decode evaluation: %w", err)
	}

	e.mu.Lock()
	e.status = EvalCompleted
	e.result = &result
	e.mu.Unlock()

	metrics.RecordEvaluation("completed", time.Since(start))
	return &result, nil
}

// renderTranscript flattens the turn log into the evaluation input.
func renderTranscript(turns []transcript.Turn) string {
	var b strings.Builder
	b.WriteString("Consultation transcript:\n\n")
	for _, t := range turns {
		switch t.Role {
		case transcript.RoleUser:
			b.WriteString("Student: ")
		case transcript.RoleAssistant:
			b.WriteString("Patient: ")
		case transcript.RoleTool:
			fmt.Fprintf(&b, "[tool %s] ", t.ToolName)
		default:
			continue
		}
		b.WriteString(t.Text())
		b.WriteString("\n")
	}
	return b.String()
}
