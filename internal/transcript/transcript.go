// Package transcript implements the ordered, append-only log of
// conversation turns for one scenario attempt. Turns are created by
// appends, grow in place only while their stream is open, and are
// immutable afterwards. The store is the single source of truth the
// renderer, the evaluator and the completion path all read from.
package transcript

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// PartKind tags a content part. Only text exists today; the tagged
// representation is what lets future part kinds ride along without
// touching earlier parts.
type PartKind string

const (
	PartText PartKind = "text"
)

// Part is one content fragment of a turn.
type Part struct {
	Kind PartKind `json:"kind"`
	Text string   `json:"text,omitempty"`
}

// ToolCall records a function call an assistant turn requested.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// Turn is one message unit in the conversation.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	CreatedAt time.Time `json:"createdAt"`

	// ToolName and RequestID are set on tool-result turns only.
	ToolName  string `json:"toolName,omitempty"`
	RequestID string `json:"requestId,omitempty"`

	// ToolCalls are set on assistant turns that paused for tools, so a
	// later request can replay the exchange faithfully.
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`

	open bool
}

// Text returns the concatenation of the turn's text parts.
func (t *Turn) Text() string {
	var b strings.Builder
	for _, p := range t.Parts {
		if p.Kind == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Open reports whether the turn is still accepting fragments.
func (t *Turn) Open() bool { return t.open }

// Violations of the store's contract. Callers must treat these as
// programming defects, never swallow them.
var (
	ErrTurnNotFound     = errors.New("transcript: turn not found")
	ErrTurnClosed       = errors.New("transcript: fragment appended to closed turn")
	ErrTurnNotStreaming = errors.New("transcript: turn is not the open streaming turn")
	ErrStreamOpen       = errors.New("transcript: another turn is still streaming")
)

// EventKind classifies change notifications.
type EventKind string

const (
	EventAppend   EventKind = "append"
	EventFragment EventKind = "fragment"
	EventClose    EventKind = "close"
)

// Event describes one store mutation, for the render layer. Text
// carries the full turn text on appends and the delta on fragments.
type Event struct {
	Kind   EventKind
	TurnID string
	Role   Role
	Text   string
}

// Store is the append-only turn log. Safe for concurrent use; the
// single-writer discipline of the engine is an invariant the store
// still enforces with a mutex rather than trusting callers.
type Store struct {
	mu           sync.RWMutex
	turns        []*Turn
	openID       string
	observers    map[int]func(Event)
	nextObserver int
}

// NewStore creates an empty turn log.
func NewStore() *Store {
	return &Store{observers: make(map[int]func(Event))}
}

// Observe registers fn to receive change events. Observers are invoked
// synchronously after the mutation, outside the lock. The returned
// function unregisters the observer.
func (s *Store) Observe(fn func(Event)) func() {
	s.mu.Lock()
	id := s.nextObserver
	s.nextObserver++
	s.observers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// Append adds a completed turn and returns its id.
func (s *Store) Append(role Role, text string) string {
	s.mu.Lock()
	turn := s.newTurn(role, text)
	s.turns = append(s.turns, turn)
	s.mu.Unlock()

	s.notify(Event{Kind: EventAppend, TurnID: turn.ID, Role: role, Text: text})
	return turn.ID
}

// AppendTool adds a completed tool-result turn.
func (s *Store) AppendTool(toolName, requestID, text string) string {
	s.mu.Lock()
	turn := s.newTurn(RoleTool, text)
	turn.ToolName = toolName
	turn.RequestID = requestID
	s.turns = append(s.turns, turn)
	s.mu.Unlock()

	s.notify(Event{Kind: EventAppend, TurnID: turn.ID, Role: RoleTool, Text: text})
	return turn.ID
}

// AppendStreaming opens a new turn that will accumulate fragments.
// The turn is created on the first fragment per the data model, so the
// caller opens it only once content exists (or with the empty first
// fragment of a stream). Only one turn may be open at a time.
func (s *Store) AppendStreaming(role Role) (string, error) {
	s.mu.Lock()
	if s.openID != "" {
		s.mu.Unlock()
		return "", ErrStreamOpen
	}
	turn := s.newTurn(role, "")
	turn.Parts = nil
	turn.open = true
	s.turns = append(s.turns, turn)
	s.openID = turn.ID
	s.mu.Unlock()

	s.notify(Event{Kind: EventAppend, TurnID: turn.ID, Role: role})
	return turn.ID, nil
}

// AppendFragment extends the open streaming turn. Content only ever
// grows; fragments are concatenated in arrival order.
func (s *Store) AppendFragment(turnID, fragment string) error {
	s.mu.Lock()
	turn := s.find(turnID)
	if turn == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTurnNotFound, turnID)
	}
	if !turn.open {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTurnClosed, turnID)
	}
	if s.openID != turnID {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTurnNotStreaming, turnID)
	}
	if n := len(turn.Parts); n > 0 && turn.Parts[n-1].Kind == PartText {
		turn.Parts[n-1].Text += fragment
	} else {
		turn.Parts = append(turn.Parts, Part{Kind: PartText, Text: fragment})
	}
	role := turn.Role
	s.mu.Unlock()

	s.notify(Event{Kind: EventFragment, TurnID: turnID, Role: role, Text: fragment})
	return nil
}

// CloseTurn freezes the open streaming turn. Further fragments are a
// contract violation.
func (s *Store) CloseTurn(turnID string) error {
	s.mu.Lock()
	turn := s.find(turnID)
	if turn == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTurnNotFound, turnID)
	}
	if !turn.open {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTurnClosed, turnID)
	}
	turn.open = false
	s.openID = ""
	role := turn.Role
	text := turn.Text()
	s.mu.Unlock()

	s.notify(Event{Kind: EventClose, TurnID: turnID, Role: role, Text: text})
	return nil
}

// AttachToolCalls records the tool calls an assistant turn requested.
// The turn must exist; open and closed turns both accept the calls
// since they arrive at the pause boundary.
func (s *Store) AttachToolCalls(turnID string, calls []ToolCall) error {
	s.mu.Lock()
	turn := s.find(turnID)
	if turn == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTurnNotFound, turnID)
	}
	turn.ToolCalls = append(turn.ToolCalls, calls...)
	s.mu.Unlock()
	return nil
}

// Streaming reports whether a turn is currently open.
func (s *Store) Streaming() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.openID != ""
}

// Len returns the number of turns.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// Snapshot returns a deep copy of all turns in insertion order.
func (s *Store) Snapshot() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Turn, len(s.turns))
	for i, t := range s.turns {
		out[i] = *t
		out[i].Parts = make([]Part, len(t.Parts))
		copy(out[i].Parts, t.Parts)
		if len(t.ToolCalls) > 0 {
			out[i].ToolCalls = make([]ToolCall, len(t.ToolCalls))
			copy(out[i].ToolCalls, t.ToolCalls)
		}
	}
	return out
}

// CountRole returns how many turns have the given role.
func (s *Store) CountRole(role Role) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, t := range s.turns {
		if t.Role == role {
			n++
		}
	}
	return n
}

func (s *Store) newTurn(role Role, text string) *Turn {
	turn := &Turn{
		ID:        uuid.New().String(),
		Role:      role,
		CreatedAt: time.Now().UTC(),
	}
	if text != "" {
		turn.Parts = []Part{{Kind: PartText, Text: text}}
	}
	return turn
}

func (s *Store) find(turnID string) *Turn {
	for i := len(s.turns) - 1; i >= 0; i-- {
		if s.turns[i].ID == turnID {
			return s.turns[i]
		}
	}
	return nil
}

func (s *Store) notify(ev Event) {
	s.mu.RLock()
	observers := make([]func(Event), 0, len(s.observers))
	for _, fn := range s.observers {
		observers = append(observers, fn)
	}
	s.mu.RUnlock()

	for _, fn := range observers {
		fn(ev)
	}
}
