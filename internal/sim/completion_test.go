package sim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/caresim-dev/caresim/pkg/archive"
)

// stubStore records saves and can be made to fail.
type stubStore struct {
	mu      sync.Mutex
	saved   []*archive.Record
	saveErr error
}

func (s *stubStore) Save(ctx context.Context, record *archive.Record) (*archive.SaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return nil, s.saveErr
	}
	s.saved = append(s.saved, record)
	return &archive.SaveResult{ID: record.ID}, nil
}

func (s *stubStore) Load(ctx context.Context, recordID string) (*archive.Record, error) {
	return nil, archive.ErrRecordNotFound
}

func (s *stubStore) ListByUser(ctx context.Context, userID string, opts archive.ListOptions) ([]*archive.Record, error) {
	return nil, nil
}

func (s *stubStore) Delete(ctx context.Context, recordID string) error { return nil }

func (s *stubStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}

func (s *stubStore) Ping(ctx context.Context) error { return nil }

func (s *stubStore) Close() error { return nil }

func (s *stubStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func alwaysConfirm(ctx context.Context) bool { return true }

func neverConfirm(ctx context.Context) bool { return false }

func TestCompletionGateConfirmed(t *testing.T) {
	store := &stubStore{}
	gate := NewCompletionGate(store)
	record := &archive.Record{ID: "rec-1", UserID: "u1"}

	completed, err := gate.Complete(context.Background(), alwaysConfirm, record)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if !completed {
		t.Fatal("Complete() = false, want gate closed")
	}
	if gate.State() != CompletionCompleted {
		t.Errorf("state = %s, want %s", gate.State(), CompletionCompleted)
	}
	if store.saveCount() != 1 {
		t.Errorf("saved %d records, want 1", store.saveCount())
	}
}

func TestCompletionGateDeclined(t *testing.T) {
	store := &stubStore{}
	gate := NewCompletionGate(store)

	completed, err := gate.Complete(context.Background(), neverConfirm, &archive.Record{ID: "rec-1"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if completed {
		t.Error("Complete() = true after declined confirmation")
	}
	if gate.State() != CompletionOpen {
		t.Errorf("state = %s, want %s", gate.State(), CompletionOpen)
	}
	if store.saveCount() != 0 {
		t.Errorf("saved %d records, want 0", store.saveCount())
	}
}

func TestCompletionGateIdempotent(t *testing.T) {
	store := &stubStore{}
	gate := NewCompletionGate(store)
	record := &archive.Record{ID: "rec-1"}

	if _, err := gate.Complete(context.Background(), alwaysConfirm, record); err != nil {
		t.Fatalf("first Complete() error = %v", err)
	}

	completed, err := gate.Complete(context.Background(), alwaysConfirm, record)
	if err != nil {
		t.Fatalf("second Complete() error = %v", err)
	}
	if completed {
		t.Error("second Complete() = true, want no-op")
	}
	if store.saveCount() != 1 {
		t.Errorf("saved %d records, want exactly 1", store.saveCount())
	}
}

func TestCompletionGateArchiveFailureStillCompletes(t *testing.T) {
	store := &stubStore{saveErr: errors.New("backend down")}
	gate := NewCompletionGate(store)

	completed, err := gate.Complete(context.Background(), alwaysConfirm, &archive.Record{ID: "rec-1"})
	if !completed {
		t.Fatal("Complete() = false, want gate closed despite save failure")
	}
	if err == nil {
		t.Error("Complete() error = nil, want the save failure reported")
	}
	if gate.State() != CompletionCompleted {
		t.Errorf("state = %s, want %s", gate.State(), CompletionCompleted)
	}
}

func TestCompletionGateNilStore(t *testing.T) {
	gate := NewCompletionGate(nil)

	completed, err := gate.Complete(context.Background(), nil, &archive.Record{ID: "rec-1"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if !completed {
		t.Error("Complete() = false with nil store, want completion without persistence")
	}
}
