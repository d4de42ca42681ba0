package observability

import (
	"context"
	"errors"
	"testing"
)

func TestStartSpan(t *testing.T) {
	tests := []struct {
		name     string
		spanName string
		data     map[string]any
	}{
		{
			name:     "span with nil data",
			spanName: "session.turn",
			data:     nil,
		},
		{
			name:     "span with empty data",
			spanName: "evaluation.run",
			data:     map[string]any{},
		},
		{
			name:     "span with mixed data types",
			spanName: "session.turn",
			data: map[string]any{
				"session":  "abc",
				"turns":    4,
				"elapsed":  12.5,
				"voice":    true,
				"whatever": []string{"a"},
			},
		},
		{
			name:     "span with empty name",
			spanName: "",
			data:     map[string]any{"test": "data"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, span := StartSpan(context.Background(), tt.spanName, tt.data)
			if span == nil {
				t.Fatal("StartSpan returned nil span")
			}
			if ctx == nil {
				t.Fatal("StartSpan returned nil context")
			}
			if span.Name() != tt.spanName {
				t.Errorf("Name() = %v, want %v", span.Name(), tt.spanName)
			}
			if span.Context() == nil {
				t.Error("Context() = nil")
			}

			span.SetAttribute("extra", 1)
			span.SetError(errors.New("recorded"))
			span.End()
			span.End() // idempotent
		})
	}
}

func TestInitDisabled(t *testing.T) {
	if err := Init(Config{ServiceName: "test", Enabled: false}); err != nil {
		t.Fatalf("Init(disabled) error = %v", err)
	}
	// Spans still work as no-ops.
	_, span := StartSpan(context.Background(), "noop", nil)
	span.End()

	if err := Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestInitUnknownExporter(t *testing.T) {
	err := Init(Config{ServiceName: "test", Enabled: true, ExporterType: "carrier-pigeon"})
	if err == nil {
		t.Fatal("Init() with unknown exporter error = nil")
	}
}

func TestParseHeaders(t *testing.T) {
	tests := []struct {
		in   string
		want map[string]string
	}{
		{"", nil},
		{"a=1", map[string]string{"a": "1"}},
		{"a=1,b=2", map[string]string{"a": "1", "b": "2"}},
		{" a = 1 , b = 2 ", map[string]string{"a": "1", "b": "2"}},
		{"malformed", map[string]string{}},
	}

	for _, tt := range tests {
		got := parseHeaders(tt.in)
		if tt.want == nil {
			if got != nil {
				t.Errorf("parseHeaders(%q) = %v, want nil", tt.in, got)
			}
			continue
		}
		if len(got) != len(tt.want) {
			t.Errorf("parseHeaders(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for k, v := range tt.want {
			if got[k] != v {
				t.Errorf("parseHeaders(%q)[%s] = %s, want %s", tt.in, k, got[k], v)
			}
		}
	}
}
