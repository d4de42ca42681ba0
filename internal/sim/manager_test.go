package sim

import (
	"errors"
	"testing"

	"github.com/caresim-dev/caresim/internal/llm/provider"
)

func TestManagerLifecycle(t *testing.T) {
	m := NewManager()
	if m.Len() != 0 {
		t.Fatalf("new manager Len() = %d, want 0", m.Len())
	}

	cfg := Config{Provider: provider.NewMockProvider("mock"), Scenario: testScenario()}
	first, err := m.Create(cfg)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	second, err := m.Create(cfg)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if m.Len() != 2 {
		t.Errorf("Len() = %d, want 2", m.Len())
	}

	got, err := m.Get(first.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != first {
		t.Error("Get() returned a different session")
	}

	ids := m.IDs()
	if len(ids) != 2 {
		t.Fatalf("IDs() = %v", ids)
	}
	if ids[0] > ids[1] {
		t.Errorf("IDs() not sorted: %v", ids)
	}

	m.Remove(second.ID)
	if m.Len() != 1 {
		t.Errorf("Len() after Remove = %d, want 1", m.Len())
	}
	if _, err := m.Get(second.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get(removed) error = %v, want ErrSessionNotFound", err)
	}
}

func TestManagerCreateInvalidConfig(t *testing.T) {
	m := NewManager()
	if _, err := m.Create(Config{}); err == nil {
		t.Fatal("Create() with empty config error = nil, want validation failure")
	}
	if m.Len() != 0 {
		t.Errorf("Len() = %d after failed create, want 0", m.Len())
	}
}
