package sim

import (
	"context"
	"errors"
	"testing"

	"github.com/caresim-dev/caresim/internal/llm/provider"
	"github.com/caresim-dev/caresim/internal/scenario"
	"github.com/caresim-dev/caresim/internal/transcript"
)

func testScenario() *scenario.Scenario {
	return &scenario.Scenario{
		ID:              "hypertension-followup",
		Title:           "Hypertension follow-up",
		PatientInfo:     "Mrs. Chan, 68, on amlodipine 5mg daily.",
		PersonaPrompt:   "You are Mrs. Chan, a 68 year old patient worried about her blood pressure.",
		StartingMessage: `*rubs arm* Hello, I'm here about my blood pressure.\nIt's been high lately.`,
		VoiceProfile:    scenario.VoiceOldFemale,
	}
}

func consultationTurns() []transcript.Turn {
	return []transcript.Turn{
		{Role: transcript.RoleAssistant, Parts: []transcript.Part{{Kind: transcript.PartText, Text: "Hello, I'm here about my blood pressure."}}},
		{Role: transcript.RoleUser, Parts: []transcript.Part{{Kind: transcript.PartText, Text: "When did you last check it?"}}},
		{Role: transcript.RoleAssistant, Parts: []transcript.Part{{Kind: transcript.PartText, Text: "This morning, it was 148 over 90."}}},
	}
}

func scriptedChunks(fragments ...string) []*provider.StreamChunk {
	chunks := make([]*provider.StreamChunk, 0, len(fragments)+1)
	for _, f := range fragments {
		chunks = append(chunks, &provider.StreamChunk{Delta: f})
	}
	chunks = append(chunks, &provider.StreamChunk{FinishReason: "stop"})
	return chunks
}

func TestEvaluatorRun(t *testing.T) {
	mock := provider.NewMockProvider("mock")
	mock.StreamScripts = [][]*provider.StreamChunk{
		scriptedChunks(
			`{"sections":[{"title":"History taking","tasks":[`,
			`{"title":"Asks about onset","score":2,"totalPoints":2,"feedbackItems":["Asked when it started"]}]}],`,
			`"overallScore":2,"totalPossibleScore":2,"summary":["Solid consultation"]}`,
		),
	}

	e := NewEvaluator(mock, "grader-model")
	var partials []*Evaluation
	result, err := e.Run(context.Background(), testScenario(), consultationTurns(), func(p *Evaluation) {
		partials = append(partials, p)
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(result.Sections) != 1 || result.Sections[0].Title != "History taking" {
		t.Errorf("sections = %+v", result.Sections)
	}
	task := result.Sections[0].Tasks[0]
	if task.Score == nil || *task.Score != 2 {
		t.Errorf("task score = %v, want 2", task.Score)
	}
	if result.OverallScore == nil || *result.OverallScore != 2 {
		t.Errorf("overall score = %v, want 2", result.OverallScore)
	}

	if len(partials) == 0 {
		t.Fatal("no partials delivered during streaming")
	}
	// The first partial decodes an earlier prefix than the final result.
	if first := partials[0]; len(first.Sections) != 1 || first.Sections[0].Title != "History taking" {
		t.Errorf("first partial = %+v", first)
	}

	if e.Status() != EvalCompleted {
		t.Errorf("status = %s, want %s", e.Status(), EvalCompleted)
	}
	if e.Result() == nil {
		t.Error("Result() = nil after completed run")
	}

	// The structured request carried the transcript and the schema.
	req := mock.StructuredCalls[0]
	if req.SchemaName != "evaluation" {
		t.Errorf("schema name = %s", req.SchemaName)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
		t.Fatalf("messages = %+v", req.Messages)
	}
}

func TestEvaluatorOneShot(t *testing.T) {
	mock := provider.NewMockProvider("mock")
	mock.StreamScripts = [][]*provider.StreamChunk{
		scriptedChunks(`{"sections":[]}`),
	}

	e := NewEvaluator(mock, "")
	if _, err := e.Run(context.Background(), testScenario(), consultationTurns(), nil); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}

	_, err := e.Run(context.Background(), testScenario(), consultationTurns(), nil)
	if !errors.Is(err, ErrEvaluationStarted) {
		t.Errorf("second Run() error = %v, want ErrEvaluationStarted", err)
	}
}

func TestEvaluatorFailureStaysInProgress(t *testing.T) {
	mock := provider.NewMockProvider("mock")
	mock.Errors = []error{errors.New("upstream down")}

	e := NewEvaluator(mock, "")
	if _, err := e.Run(context.Background(), testScenario(), consultationTurns(), nil); err == nil {
		t.Fatal("Run() error = nil, want provider failure")
	}

	if e.Status() != EvalInProgress {
		t.Errorf("status after failure = %s, want %s", e.Status(), EvalInProgress)
	}
	// The guard has fired; no retry.
	_, err := e.Run(context.Background(), testScenario(), consultationTurns(), nil)
	if !errors.Is(err, ErrEvaluationStarted) {
		t.Errorf("retry error = %v, want ErrEvaluationStarted", err)
	}
}

func TestEvaluatorRequiresUserTurn(t *testing.T) {
	mock := provider.NewMockProvider("mock")
	e := NewEvaluator(mock, "")

	turns := []transcript.Turn{
		{Role: transcript.RoleAssistant, Parts: []transcript.Part{{Kind: transcript.PartText, Text: "Hello"}}},
	}
	_, err := e.Run(context.Background(), testScenario(), turns, nil)
	if !errors.Is(err, ErrNothingToEvaluate) {
		t.Fatalf("Run() error = %v, want ErrNothingToEvaluate", err)
	}

	// The guard precedes the one-shot flip: status untouched, a later
	// run with real turns still works.
	if e.Status() != EvalNotStarted {
		t.Errorf("status = %s, want %s", e.Status(), EvalNotStarted)
	}
}

func TestRenderTranscript(t *testing.T) {
	turns := []transcript.Turn{
		{Role: transcript.RoleAssistant, Parts: []transcript.Part{{Kind: transcript.PartText, Text: "Hello."}}},
		{Role: transcript.RoleUser, Parts: []transcript.Part{{Kind: transcript.PartText, Text: "How are you?"}}},
		{Role: transcript.RoleTool, ToolName: ToolTakeBloodPressure, Parts: []transcript.Part{{Kind: transcript.PartText, Text: `{"reading":"145/88 mmHg"}`}}},
	}
	got := renderTranscript(turns)

	want := "Consultation transcript:\n\n" +
		"Patient: Hello.\n" +
		"Student: How are you?\n" +
		"[tool take_blood_pressure] {\"reading\":\"145/88 mmHg\"}\n"
	if got != want {
		t.Errorf("renderTranscript() = %q, want %q", got, want)
	}
}
