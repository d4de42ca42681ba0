package sim

import (
	"context"
	"log"
	"sync"

	"github.com/caresim-dev/caresim/pkg/archive"
	metrics "github.com/caresim-dev/caresim/pkg/observability"
)

// CompletionState is the session's completion gate state.
type CompletionState string

const (
	CompletionOpen      CompletionState = "open"
	CompletionCompleted CompletionState = "completed"
)

// Confirmer asks the learner to confirm ending the session. Returning
// false leaves the session running.
type Confirmer func(ctx context.Context) bool

// CompletionGate ends a session exactly once. Archiving is best
// effort: a persist failure is logged but does not keep the session
// open, so the learner is never stuck on a dead backend.
type CompletionGate struct {
	store archive.Store

	mu    sync.Mutex
	state CompletionState
}

// NewCompletionGate creates an open gate over the given store. A nil
// store skips persistence entirely.
func NewCompletionGate(store archive.Store) *CompletionGate {
	return &CompletionGate{
		store: store,
		state: CompletionOpen,
	}
}

// State returns the current gate state.
func (g *CompletionGate) State() CompletionState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Complete runs the gate. A declined confirmation is a no-op. On a
// confirmed first call the record is archived and the gate closes;
// the returned error is the archive failure, if any, and the bool
// reports whether the gate closed on this call. Later calls are
// no-ops with no further persistence.
func (g *CompletionGate) Complete(ctx context.Context, confirm Confirmer, record *archive.Record) (bool, error) {
	g.mu.Lock()
	if g.state == CompletionCompleted {
		g.mu.Unlock()
		return false, nil
	}
	g.mu.Unlock()

	if confirm != nil && !confirm(ctx) {
		return false, nil
	}

	g.mu.Lock()
	if g.state == CompletionCompleted {
		g.mu.Unlock()
		return false, nil
	}
	g.state = CompletionCompleted
	g.mu.Unlock()

	var saveErr error
	if g.store != nil && record != nil {
		if _, err := g.store.Save(ctx, record); err != nil {
			log.Printf("[completion] archive save failed for session %s: %v", record.ID, err)
			saveErr = err
		}
	}

	metrics.RecordSessionCompleted(saveErr == nil && g.store != nil)
	return true, saveErr
}
