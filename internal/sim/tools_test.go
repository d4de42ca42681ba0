package sim

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/caresim-dev/caresim/internal/llm/provider"
)

func TestDispatcherDefinitions(t *testing.T) {
	d := NewDispatcher()
	defs := d.Definitions()

	names := make(map[string]bool, len(defs))
	for _, def := range defs {
		names[def.Name] = true
		if def.Description == "" {
			t.Errorf("tool %s has empty description", def.Name)
		}
	}
	if !names[ToolTakeBloodPressure] || !names[ToolGetLogBook] {
		t.Errorf("built-in tools missing from definitions: %v", names)
	}
}

func TestTakeBloodPressureRange(t *testing.T) {
	d := NewDispatcher(WithSeed(1))
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		out, err := d.Dispatch(ctx, provider.ToolCall{Name: ToolTakeBloodPressure})
		if err != nil {
			t.Fatalf("Dispatch() error = %v", err)
		}

		var reading BPReading
		if err := json.Unmarshal([]byte(out), &reading); err != nil {
			t.Fatalf("result not JSON: %v", err)
		}
		if reading.Systolic < 140 || reading.Systolic > 150 {
			t.Errorf("systolic = %d, want 140-150", reading.Systolic)
		}
		if reading.Diastolic < 70 || reading.Diastolic > 80 {
			t.Errorf("diastolic = %d, want 70-80", reading.Diastolic)
		}
		if !strings.HasSuffix(reading.Reading, " mmHg") {
			t.Errorf("reading = %q, want mmHg suffix", reading.Reading)
		}
	}
}

func TestTakeBloodPressureFreshPerCall(t *testing.T) {
	d := NewDispatcher(WithSeed(42))
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		out, err := d.Dispatch(ctx, provider.ToolCall{Name: ToolTakeBloodPressure})
		if err != nil {
			t.Fatalf("Dispatch() error = %v", err)
		}
		seen[out] = true
	}
	// 20 draws over an 11x11 grid collide sometimes but never all.
	if len(seen) < 2 {
		t.Errorf("all %d readings identical, want fresh values per call", len(seen))
	}
}

func TestGetLogBook(t *testing.T) {
	fixed := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	d := NewDispatcher(WithClock(func() time.Time { return fixed }))

	out, err := d.Dispatch(context.Background(), provider.ToolCall{Name: ToolGetLogBook})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	var entries []LogBookEntry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if len(entries) != 10 {
		t.Fatalf("log book has %d entries, want 10", len(entries))
	}
	if entries[0].Date != "2026-03-10" {
		t.Errorf("first entry date = %s, want 2026-03-10", entries[0].Date)
	}
	if entries[9].Date != "2026-03-01" {
		t.Errorf("last entry date = %s, want 2026-03-01", entries[9].Date)
	}
	if entries[0].BP != "142/85" {
		t.Errorf("first entry bp = %s, want 142/85", entries[0].BP)
	}

	// Same day, same book.
	again, err := d.Dispatch(context.Background(), provider.ToolCall{Name: ToolGetLogBook})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if again != out {
		t.Error("log book changed between calls with a fixed clock")
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	d := NewDispatcher()
	_, err := d.Dispatch(context.Background(), provider.ToolCall{Name: "defibrillate"})
	if err == nil {
		t.Fatal("Dispatch(unknown) error = nil, want error")
	}
	if !strings.Contains(err.Error(), "unknown tool") {
		t.Errorf("error = %v, want unknown tool", err)
	}
}

func TestRegisterCustomTool(t *testing.T) {
	d := NewDispatcher()
	d.Register(provider.Tool{Name: "check_pulse", Description: "pulse"}, func(ctx context.Context, args json.RawMessage) (string, error) {
		return `{"bpm":72}`, nil
	})

	out, err := d.Dispatch(context.Background(), provider.ToolCall{Name: "check_pulse"})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if out != `{"bpm":72}` {
		t.Errorf("result = %q", out)
	}
}
