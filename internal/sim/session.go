package sim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caresim-dev/caresim/internal/llm/provider"
	obs "github.com/caresim-dev/caresim/internal/observability"
	"github.com/caresim-dev/caresim/internal/scenario"
	"github.com/caresim-dev/caresim/internal/transcript"
	"github.com/caresim-dev/caresim/internal/voice"
	"github.com/caresim-dev/caresim/pkg/archive"
	metrics "github.com/caresim-dev/caresim/pkg/observability"
)

// Mode is the session's input channel.
type Mode string

const (
	ModeText            Mode = "text"
	ModeVoiceConnecting Mode = "voice_connecting"
	ModeVoiceActive     Mode = "voice_active"
)

// Session contract violations and rejections.
var (
	ErrNotBegun         = errors.New("session has not begun")
	ErrAlreadyBegun     = errors.New("session already begun")
	ErrStreaming        = errors.New("assistant turn is streaming")
	ErrVoiceActive      = errors.New("voice mode is active")
	ErrVoiceNotActive   = errors.New("voice mode is not active")
	ErrVoiceConnecting  = errors.New("voice connection in progress")
	ErrSessionCompleted = errors.New("session is completed")
	ErrMicrophoneDenied = errors.New("microphone permission denied")
	ErrNoVoiceAgent     = errors.New("no voice agent configured for scenario profile")
)

// maxToolRounds bounds the tool-call interleave within one Send.
const maxToolRounds = 8

// PermissionChecker asks for microphone permission. It runs at most
// once per session; the answer is cached.
type PermissionChecker func(ctx context.Context) (bool, error)

// VoiceConn is the session's view of a live voice connection.
type VoiceConn interface {
	Events() <-chan voice.Event
	Close() error
}

// VoiceDialer opens a voice connection. Swappable for tests.
type VoiceDialer func(ctx context.Context, cfg voice.Config, vars voice.DynamicVariables) (VoiceConn, error)

func defaultVoiceDialer(ctx context.Context, cfg voice.Config, vars voice.DynamicVariables) (VoiceConn, error) {
	return voice.Dial(ctx, cfg, vars)
}

// Config assembles a session's collaborators.
type Config struct {
	Provider    provider.Provider
	Model       string
	Temperature float64
	MaxTokens   int

	Scenario *scenario.Scenario
	UserID   string

	// Archive receives the completed session record. Nil skips
	// persistence.
	Archive archive.Store

	// Permission gates voice mode. Nil grants.
	Permission PermissionChecker

	// VoiceDialer and VoiceEndpoint configure the voice bridge.
	// VoiceAgentIDs maps scenario voice profiles to agent ids.
	VoiceDialer   VoiceDialer
	VoiceEndpoint string
	VoiceAgentIDs map[scenario.VoiceProfile]string

	// Tools overrides the default dispatcher (tests).
	Tools *Dispatcher
}

// Session is one scenario attempt: the turn log, the streaming loop,
// the mode switch, the timer, the evaluator and the completion gate.
type Session struct {
	ID string

	cfg       Config
	store     *transcript.Store
	timer     *Timer
	tools     *Dispatcher
	evaluator *Evaluator
	gate      *CompletionGate

	mu           sync.Mutex
	begun        bool
	mode         Mode
	streaming    bool
	streamCancel context.CancelFunc
	permChecked  bool
	permGranted  bool
	voiceConn    VoiceConn
	voiceDone    chan struct{}
	voiceErr     error
}

// NewSession creates a session for one scenario attempt.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Provider == nil {
		return nil, errors.New("session: provider is required")
	}
	if cfg.Scenario == nil {
		return nil, errors.New("session: scenario is required")
	}
	if err := cfg.Scenario.Validate(); err != nil {
		return nil, err
	}
	if cfg.VoiceDialer == nil {
		cfg.VoiceDialer = defaultVoiceDialer
	}

	tools := cfg.Tools
	if tools == nil {
		tools = NewDispatcher()
	}

	return &Session{
		ID:        uuid.New().String(),
		cfg:       cfg,
		store:     transcript.NewStore(),
		timer:     NewTimer(),
		tools:     tools,
		evaluator: NewEvaluator(cfg.Provider, cfg.Model),
		gate:      NewCompletionGate(cfg.Archive),
		mode:      ModeText,
	}, nil
}

// Transcript exposes the turn store for observers (render layer).
func (s *Session) Transcript() *transcript.Store {
	return s.store
}

// Begin posts the scenario's starting message and starts the timer.
func (s *Session) Begin(ctx context.Context) error {
	s.mu.Lock()
	if s.begun {
		s.mu.Unlock()
		return ErrAlreadyBegun
	}
	s.begun = true
	s.mu.Unlock()

	s.store.Append(transcript.RoleAssistant, s.cfg.Scenario.OpeningLine())
	s.timer.Start()

	metrics.RecordSessionStarted()
	metrics.RecordTurn(string(transcript.RoleAssistant), string(ModeText))
	return nil
}

// Send submits one learner message and runs the assistant streaming
// loop, interleaving tool calls, until the model yields a final turn.
// Rejected while a stream is open or voice mode is active.
func (s *Session) Send(ctx context.Context, text string) error {
	s.mu.Lock()
	switch {
	case !s.begun:
		s.mu.Unlock()
		return ErrNotBegun
	case s.gate.State() == CompletionCompleted:
		s.mu.Unlock()
		return ErrSessionCompleted
	case s.streaming:
		s.mu.Unlock()
		return ErrStreaming
	case s.mode != ModeText:
		s.mu.Unlock()
		return ErrVoiceActive
	}
	s.streaming = true
	streamCtx, cancel := context.WithCancel(ctx)
	s.streamCancel = cancel
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.streaming = false
		s.streamCancel = nil
		s.mu.Unlock()
	}()

	s.store.Append(transcript.RoleUser, text)
	metrics.RecordTurn(string(transcript.RoleUser), string(ModeText))

	start := time.Now()
	spanCtx, span := obs.StartSpan(streamCtx, "session.turn", map[string]any{
		"session":  s.ID,
		"scenario": s.cfg.Scenario.ID,
	})
	defer span.End()

	err := s.runAssistantLoop(spanCtx)
	if err != nil {
		span.SetError(err)
	}
	metrics.RecordStreamDuration(time.Since(start))
	return err
}

// pendingCall accumulates one tool call across stream chunks.
type pendingCall struct {
	index int
	id    string
	name  string
	args  strings.Builder
}

func (s *Session) runAssistantLoop(ctx context.Context) error {
	for round := 0; round < maxToolRounds; round++ {
		calls, err := s.streamOneTurn(ctx)
		if err != nil {
			return err
		}
		if len(calls) == 0 {
			return nil
		}

		for _, call := range calls {
			result, derr := s.tools.Dispatch(ctx, call)
			if derr != nil {
				// Surfaced on the turn, not fatal to the session.
				result = fmt.Sprintf(`{"error":%q}`, derr.Error())
			}
			s.store.AppendTool(call.Name, call.ID, result)
			metrics.RecordTurn(string(transcript.RoleTool), string(ModeText))
		}
	}
	return fmt.Errorf("assistant exceeded %d tool rounds", maxToolRounds)
}

// streamOneTurn runs one model stream into a fresh assistant turn and
// returns any tool calls the model paused for.
func (s *Session) streamOneTurn(ctx context.Context) ([]provider.ToolCall, error) {
	req := provider.CompletionRequest{
		Model:        s.cfg.Model,
		Temperature:  s.cfg.Temperature,
		MaxTokens:    s.cfg.MaxTokens,
		SystemPrompt: s.systemPrompt(),
		Messages:     s.buildMessages(),
		Tools:        s.tools.Definitions(),
	}

	stream, err := s.cfg.Provider.CreateStreaming(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("start assistant stream: %w", err)
	}
	defer func() { _ = stream.Close() }()

	turnID, err := s.store.AppendStreaming(transcript.RoleAssistant)
	if err != nil {
		return nil, err
	}
	metrics.RecordTurn(string(transcript.RoleAssistant), string(ModeText))

	pending := make(map[int]*pendingCall)
	stopped := false

	for {
		chunk, rerr := stream.Recv()
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			// A cancelled stream keeps its accumulated content; the
			// turn simply ends at the last fragment boundary.
			if ctx.Err() != nil {
				stopped = true
				break
			}
			_ = s.store.CloseTurn(turnID)
			return nil, fmt.Errorf("assistant stream: %w", rerr)
		}

		if chunk.Delta != "" {
			if err := s.store.AppendFragment(turnID, chunk.Delta); err != nil {
				return nil, err
			}
		}
		for _, d := range chunk.ToolCallDeltas {
			pc, ok := pending[d.Index]
			if !ok {
				pc = &pendingCall{index: d.Index}
				pending[d.Index] = pc
			}
			if d.ID != "" {
				pc.id = d.ID
			}
			if d.Name != "" {
				pc.name = d.Name
			}
			pc.args.WriteString(d.ArgumentDelta)
		}
	}

	calls := collectCalls(pending)
	if len(calls) > 0 {
		tcalls := make([]transcript.ToolCall, len(calls))
		for i, c := range calls {
			tcalls[i] = transcript.ToolCall{ID: c.ID, Name: c.Name, Arguments: string(c.Arguments)}
		}
		if err := s.store.AttachToolCalls(turnID, tcalls); err != nil {
			return nil, err
		}
	}

	if err := s.store.CloseTurn(turnID); err != nil {
		return nil, err
	}
	if stopped {
		return nil, nil
	}
	return calls, nil
}

func collectCalls(pending map[int]*pendingCall) []provider.ToolCall {
	if len(pending) == 0 {
		return nil
	}
	ordered := make([]*pendingCall, 0, len(pending))
	for _, pc := range pending {
		ordered = append(ordered, pc)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].index < ordered[j].index })

	calls := make([]provider.ToolCall, 0, len(ordered))
	for _, pc := range ordered {
		args := pc.args.String()
		if args == "" {
			args = "{}"
		}
		calls = append(calls, provider.ToolCall{
			ID:        pc.id,
			Name:      pc.name,
			Arguments: json.RawMessage(args),
		})
	}
	return calls
}

func (s *Session) systemPrompt() string {
	sc := s.cfg.Scenario
	if sc.PatientInfo == "" {
		return sc.PersonaPrompt
	}
	return sc.PersonaPrompt + "\n\nPatient information:\n" + sc.PatientInfo
}

// buildMessages flattens the closed turns into provider wire form.
func (s *Session) buildMessages() []provider.Message {
	snap := s.store.Snapshot()
	msgs := make([]provider.Message, 0, len(snap))
	for i := range snap {
		t := &snap[i]
		if t.Open() {
			continue
		}
		switch t.Role {
		case transcript.RoleUser:
			msgs = append(msgs, provider.Message{Role: "user", Content: t.Text()})
		case transcript.RoleSystem:
			msgs = append(msgs, provider.Message{Role: "system", Content: t.Text()})
		case transcript.RoleAssistant:
			msg := provider.Message{Role: "assistant", Content: t.Text()}
			for _, tc := range t.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, provider.ToolCall{
					ID:        tc.ID,
					Name:      tc.Name,
					Arguments: json.RawMessage(tc.Arguments),
				})
			}
			if msg.Content == "" && len(msg.ToolCalls) == 0 {
				continue
			}
			msgs = append(msgs, msg)
		case transcript.RoleTool:
			msgs = append(msgs, provider.Message{
				Role:       "tool",
				Content:    t.Text(),
				ToolCallID: t.RequestID,
				ToolName:   t.ToolName,
			})
		}
	}
	return msgs
}

// StopStreaming cancels the in-flight assistant stream, if any, at the
// next fragment boundary. Accumulated content is kept.
func (s *Session) StopStreaming() {
	s.mu.Lock()
	cancel := s.streamCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ToggleVoice switches between text and voice mode. The microphone
// permission check runs at most once per session; denial blocks voice
// only, text keeps working.
func (s *Session) ToggleVoice(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case !s.begun:
		s.mu.Unlock()
		return ErrNotBegun
	case s.gate.State() == CompletionCompleted:
		s.mu.Unlock()
		return ErrSessionCompleted
	case s.streaming:
		s.mu.Unlock()
		return ErrStreaming
	case s.mode == ModeVoiceConnecting:
		s.mu.Unlock()
		return ErrVoiceConnecting
	case s.mode == ModeVoiceActive:
		s.mu.Unlock()
		return s.EndVoice()
	}

	if !s.permChecked {
		s.permChecked = true
		s.permGranted = true
		if s.cfg.Permission != nil {
			granted, err := s.cfg.Permission(ctx)
			if err != nil || !granted {
				s.permGranted = false
			}
		}
	}
	if !s.permGranted {
		s.mu.Unlock()
		return ErrMicrophoneDenied
	}

	profile := s.cfg.Scenario.VoiceProfile
	agentID := s.cfg.VoiceAgentIDs[profile]
	if agentID == "" {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoVoiceAgent, profile)
	}

	s.mode = ModeVoiceConnecting
	s.mu.Unlock()

	conn, err := s.cfg.VoiceDialer(ctx, voice.Config{
		Endpoint: s.cfg.VoiceEndpoint,
		AgentID:  agentID,
	}, voice.DynamicVariables{
		PersonaPrompt:   s.cfg.Scenario.PersonaPrompt,
		StartingMessage: s.cfg.Scenario.SpokenOpeningLine(),
	})
	if err != nil {
		s.mu.Lock()
		s.mode = ModeText
		s.voiceErr = err
		s.mu.Unlock()
		metrics.RecordVoiceSession("connect_failed")
		return fmt.Errorf("voice connect: %w", err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.voiceConn = conn
	s.voiceDone = done
	s.voiceErr = nil
	s.mode = ModeVoiceActive
	s.mu.Unlock()

	go s.consumeVoice(conn, done)
	metrics.RecordVoiceSession("connected")
	return nil
}

// consumeVoice appends voice events as turns until the connection
// ends, then folds the session back to text mode.
func (s *Session) consumeVoice(conn VoiceConn, done chan struct{}) {
	for ev := range conn.Events() {
		switch ev.Kind {
		case voice.EventUserTranscript:
			s.store.Append(transcript.RoleUser, ev.Text)
			metrics.RecordTurn(string(transcript.RoleUser), string(ModeVoiceActive))
		case voice.EventAgentResponse:
			s.store.Append(transcript.RoleAssistant, ev.Text)
			metrics.RecordTurn(string(transcript.RoleAssistant), string(ModeVoiceActive))
		case voice.EventDisconnected:
			if ev.Err != nil {
				log.Printf("[session %s] voice disconnected: %v", s.ID, ev.Err)
			}
			s.mu.Lock()
			s.voiceErr = ev.Err
			s.mu.Unlock()
		}
	}

	s.mu.Lock()
	s.voiceConn = nil
	s.voiceDone = nil
	s.mode = ModeText
	s.mu.Unlock()
	close(done)
}

// EndVoice closes the voice connection and returns to text mode.
func (s *Session) EndVoice() error {
	s.mu.Lock()
	conn := s.voiceConn
	done := s.voiceDone
	s.mu.Unlock()

	if conn == nil {
		return ErrVoiceNotActive
	}

	err := conn.Close()
	if done != nil {
		<-done
	}
	metrics.RecordVoiceSession("ended")
	return err
}

// Evaluate runs the one-shot rubric evaluation over the transcript.
// Rejected while an assistant turn is streaming, so the evaluation
// input never contains a half-written turn.
func (s *Session) Evaluate(ctx context.Context, onPartial func(*Evaluation)) (*Evaluation, error) {
	s.mu.Lock()
	if !s.begun {
		s.mu.Unlock()
		return nil, ErrNotBegun
	}
	if s.streaming {
		s.mu.Unlock()
		return nil, ErrStreaming
	}
	s.mu.Unlock()

	return s.evaluator.Run(ctx, s.cfg.Scenario, s.store.Snapshot(), onPartial)
}

// EvaluationStatus returns the evaluator state.
func (s *Session) EvaluationStatus() EvalStatus {
	return s.evaluator.Status()
}

// Complete runs the completion gate: confirm, archive, close. The
// session completes even when archiving fails; the error reports the
// persistence outcome.
func (s *Session) Complete(ctx context.Context, confirm Confirmer) (bool, error) {
	s.mu.Lock()
	if !s.begun {
		s.mu.Unlock()
		return false, ErrNotBegun
	}
	s.mu.Unlock()

	completed, err := s.gate.Complete(ctx, confirm, s.buildRecord())
	if completed {
		s.timer.Pause()
		if s.voiceActive() {
			_ = s.EndVoice()
		}
	}
	return completed, err
}

func (s *Session) voiceActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voiceConn != nil
}

func (s *Session) buildRecord() *archive.Record {
	snap := s.store.Snapshot()
	messages := make([]archive.Message, 0, len(snap))
	for i := range snap {
		t := &snap[i]
		if t.Open() {
			continue
		}
		messages = append(messages, archive.Message{
			Role:      string(t.Role),
			Content:   t.Text(),
			ToolName:  t.ToolName,
			CreatedAt: t.CreatedAt,
		})
	}

	record := &archive.Record{
		ID:              s.ID,
		UserID:          s.cfg.UserID,
		ScenarioID:      s.cfg.Scenario.ID,
		Messages:        messages,
		DurationSeconds: s.timer.Seconds(),
		CompletedAt:     time.Now().UTC(),
	}
	if result := s.evaluator.Result(); result != nil {
		if data, err := json.Marshal(result); err == nil {
			record.Evaluation = data
		}
	}
	return record
}

// State is a point-in-time snapshot of the session for the API layer.
type State struct {
	ID             string          `json:"id"`
	ScenarioID     string          `json:"scenario_id"`
	Mode           Mode            `json:"mode"`
	Streaming      bool            `json:"streaming"`
	Evaluation     EvalStatus      `json:"evaluation"`
	Completion     CompletionState `json:"completion"`
	ElapsedSeconds int             `json:"elapsed_seconds"`
	Turns          int             `json:"turns"`
	VoiceError     string          `json:"voice_error,omitempty"`
}

// State returns a snapshot of the session.
func (s *Session) State() State {
	s.mu.Lock()
	mode := s.mode
	streaming := s.streaming
	voiceErr := ""
	if s.voiceErr != nil {
		voiceErr = s.voiceErr.Error()
	}
	s.mu.Unlock()

	return State{
		ID:             s.ID,
		ScenarioID:     s.cfg.Scenario.ID,
		Mode:           mode,
		Streaming:      streaming,
		Evaluation:     s.evaluator.Status(),
		Completion:     s.gate.State(),
		ElapsedSeconds: s.timer.Seconds(),
		Turns:          s.store.Len(),
		VoiceError:     voiceErr,
	}
}
