package transcript

import (
	"errors"
	"sync"
	"testing"
)

func TestAppendPreservesOrder(t *testing.T) {
	s := NewStore()

	first := s.Append(RoleAssistant, "hello")
	second := s.Append(RoleUser, "hi")
	third := s.Append(RoleAssistant, "how can I help?")

	snap := s.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Snapshot() length = %d, want 3", len(snap))
	}
	wantIDs := []string{first, second, third}
	for i, turn := range snap {
		if turn.ID != wantIDs[i] {
			t.Errorf("turn %d id = %s, want %s", i, turn.ID, wantIDs[i])
		}
	}
	if snap[1].Role != RoleUser {
		t.Errorf("turn 1 role = %s, want %s", snap[1].Role, RoleUser)
	}
	if got := snap[2].Text(); got != "how can I help?" {
		t.Errorf("turn 2 text = %q, want %q", got, "how can I help?")
	}
}

func TestStreamingLifecycle(t *testing.T) {
	s := NewStore()

	id, err := s.AppendStreaming(RoleAssistant)
	if err != nil {
		t.Fatalf("AppendStreaming() error = %v", err)
	}
	if !s.Streaming() {
		t.Error("Streaming() = false after AppendStreaming")
	}

	for _, frag := range []string{"My arm ", "has been ", "aching."} {
		if err := s.AppendFragment(id, frag); err != nil {
			t.Fatalf("AppendFragment(%q) error = %v", frag, err)
		}
	}

	if err := s.CloseTurn(id); err != nil {
		t.Fatalf("CloseTurn() error = %v", err)
	}
	if s.Streaming() {
		t.Error("Streaming() = true after CloseTurn")
	}

	snap := s.Snapshot()
	if got := snap[0].Text(); got != "My arm has been aching." {
		t.Errorf("text = %q, want concatenation in arrival order", got)
	}
	if snap[0].Open() {
		t.Error("turn still open after CloseTurn")
	}
}

func TestFragmentAfterCloseRejected(t *testing.T) {
	s := NewStore()
	id, err := s.AppendStreaming(RoleAssistant)
	if err != nil {
		t.Fatalf("AppendStreaming() error = %v", err)
	}
	if err := s.CloseTurn(id); err != nil {
		t.Fatalf("CloseTurn() error = %v", err)
	}

	err = s.AppendFragment(id, "late")
	if !errors.Is(err, ErrTurnClosed) {
		t.Errorf("AppendFragment after close: error = %v, want ErrTurnClosed", err)
	}
}

func TestSecondStreamRejected(t *testing.T) {
	s := NewStore()
	if _, err := s.AppendStreaming(RoleAssistant); err != nil {
		t.Fatalf("AppendStreaming() error = %v", err)
	}

	_, err := s.AppendStreaming(RoleAssistant)
	if !errors.Is(err, ErrStreamOpen) {
		t.Errorf("second AppendStreaming: error = %v, want ErrStreamOpen", err)
	}
}

func TestFragmentToUnknownTurn(t *testing.T) {
	s := NewStore()
	err := s.AppendFragment("missing", "x")
	if !errors.Is(err, ErrTurnNotFound) {
		t.Errorf("AppendFragment(missing): error = %v, want ErrTurnNotFound", err)
	}
}

func TestAppendToolTurn(t *testing.T) {
	s := NewStore()
	s.AppendTool("take_blood_pressure", "call-1", `{"systolic":142}`)

	snap := s.Snapshot()
	if snap[0].Role != RoleTool {
		t.Errorf("role = %s, want %s", snap[0].Role, RoleTool)
	}
	if snap[0].ToolName != "take_blood_pressure" {
		t.Errorf("tool name = %s, want take_blood_pressure", snap[0].ToolName)
	}
	if snap[0].RequestID != "call-1" {
		t.Errorf("request id = %s, want call-1", snap[0].RequestID)
	}
}

func TestAttachToolCalls(t *testing.T) {
	s := NewStore()
	id, err := s.AppendStreaming(RoleAssistant)
	if err != nil {
		t.Fatalf("AppendStreaming() error = %v", err)
	}
	calls := []ToolCall{{ID: "call-1", Name: "get_log_book", Arguments: "{}"}}
	if err := s.AttachToolCalls(id, calls); err != nil {
		t.Fatalf("AttachToolCalls() error = %v", err)
	}
	if err := s.CloseTurn(id); err != nil {
		t.Fatalf("CloseTurn() error = %v", err)
	}

	snap := s.Snapshot()
	if len(snap[0].ToolCalls) != 1 || snap[0].ToolCalls[0].Name != "get_log_book" {
		t.Errorf("tool calls = %+v, want the attached call", snap[0].ToolCalls)
	}

	if err := s.AttachToolCalls("missing", calls); !errors.Is(err, ErrTurnNotFound) {
		t.Errorf("AttachToolCalls(missing): error = %v, want ErrTurnNotFound", err)
	}
}

func TestObserverEvents(t *testing.T) {
	s := NewStore()

	var mu sync.Mutex
	var events []Event
	unobserve := s.Observe(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	id, _ := s.AppendStreaming(RoleAssistant)
	_ = s.AppendFragment(id, "hel")
	_ = s.AppendFragment(id, "lo")
	_ = s.CloseTurn(id)

	mu.Lock()
	got := append([]Event(nil), events...)
	mu.Unlock()

	want := []Event{
		{Kind: EventAppend, TurnID: id, Role: RoleAssistant},
		{Kind: EventFragment, TurnID: id, Role: RoleAssistant, Text: "hel"},
		{Kind: EventFragment, TurnID: id, Role: RoleAssistant, Text: "lo"},
		{Kind: EventClose, TurnID: id, Role: RoleAssistant, Text: "hello"},
	}
	if len(got) != len(want) {
		t.Fatalf("observed %d events, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	unobserve()
	s.Append(RoleUser, "after unsubscribe")

	mu.Lock()
	n := len(events)
	mu.Unlock()
	if n != len(want) {
		t.Errorf("observer fired after unsubscribe: %d events", n)
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s := NewStore()
	id, _ := s.AppendStreaming(RoleAssistant)
	_ = s.AppendFragment(id, "original")

	snap := s.Snapshot()
	snap[0].Parts[0].Text = "mutated"

	if got := s.Snapshot()[0].Text(); got != "original" {
		t.Errorf("store text = %q after mutating snapshot, want %q", got, "original")
	}
}

func TestCountRole(t *testing.T) {
	s := NewStore()
	s.Append(RoleAssistant, "opening")
	s.Append(RoleUser, "q1")
	s.Append(RoleAssistant, "a1")
	s.Append(RoleUser, "q2")

	if got := s.CountRole(RoleUser); got != 2 {
		t.Errorf("CountRole(user) = %d, want 2", got)
	}
	if got := s.CountRole(RoleTool); got != 0 {
		t.Errorf("CountRole(tool) = %d, want 0", got)
	}
}
