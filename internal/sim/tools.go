// Package sim implements the virtual patient session engine: the turn
// state machine, patient tools, the session timer, the rubric
// evaluator, and the completion gate.
package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/caresim-dev/caresim/internal/llm/provider"
	"github.com/caresim-dev/caresim/pkg/observability"
)

const (
	ToolTakeBloodPressure = "take_blood_pressure"
	ToolGetLogBook        = "get_log_book"
)

// emptyObjectSchema is the parameter schema for tools that take no input.
var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// ToolHandler executes one tool call and returns the result payload
// that goes back to the model as a tool turn.
type ToolHandler func(ctx context.Context, args json.RawMessage) (string, error)

// Dispatcher routes model tool calls to patient-side handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]ToolHandler
	defs     []provider.Tool

	rngMu sync.Mutex
	rng   *rand.Rand
	now   func() time.Time
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithSeed fixes the random source, for deterministic readings.
func WithSeed(seed int64) DispatcherOption {
	return func(d *Dispatcher) {
		d.rng = rand.New(rand.NewSource(seed)) // #nosec G404 - simulated vitals, not crypto
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// NewDispatcher creates a dispatcher with the built-in patient tools
// registered.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string]ToolHandler),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 - simulated vitals, not crypto
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}

	d.Register(provider.Tool{
		Name: ToolTakeBloodPressure,
		Description: "Allows the pharmacist to take a manual blood pressure reading on you. " +
			"After calling this tool, displays the blood pressure reading in *italics* text, " +
			"describing what happened to you in your perspective in *italics*.",
		Parameters: emptyObjectSchema,
	}, d.takeBloodPressure)

	d.Register(provider.Tool{
		Name: ToolGetLogBook,
		Description: "Allows you to pull out your home blood pressure logs and readings from your log book. " +
			"When you want to show your blood pressure history to the pharmacist, call this tool to grab your log book. " +
			"When calling the tool, first describe the action of taking out your log book and flipping through the pages. " +
			"Then display the results in a markdown table with 3 columns: Date, Time, Blood Pressure. " +
			"Wait for the tool to finish executing before responding to the pharmacist.",
		Parameters: emptyObjectSchema,
	}, d.getLogBook)

	return d
}

// Register adds a tool definition and its handler.
func (d *Dispatcher) Register(def provider.Tool, handler ToolHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[def.Name] = handler
	d.defs = append(d.defs, def)
}

// Definitions returns the tool definitions to advertise to the model.
func (d *Dispatcher) Definitions() []provider.Tool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	defs := make([]provider.Tool, len(d.defs))
	copy(defs, d.defs)
	return defs
}

// Dispatch executes one tool call.
func (d *Dispatcher) Dispatch(ctx context.Context, call provider.ToolCall) (string, error) {
	d.mu.RLock()
	handler, ok := d.handlers[call.Name]
	d.mu.RUnlock()

	if !ok {
		observability.RecordToolCall(call.Name, "unknown")
		return "", fmt.Errorf("unknown tool: %s", call.Name)
	}

	result, err := handler(ctx, json.RawMessage(call.Arguments))
	if err != nil {
		observability.RecordToolCall(call.Name, "error")
		return "", fmt.Errorf("tool %s: %w", call.Name, err)
	}
	observability.RecordToolCall(call.Name, "ok")
	return result, nil
}

// BPReading is one blood pressure measurement.
type BPReading struct {
	Systolic  int    `json:"systolic"`
	Diastolic int    `json:"diastolic"`
	Timestamp string `json:"timestamp"`
	Reading   string `json:"reading"`
}

// takeBloodPressure generates a fresh reading per call. The patient's
// pressure sits in the stage-2 hypertension band: systolic 140-150,
// diastolic 70-80.
func (d *Dispatcher) takeBloodPressure(ctx context.Context, _ json.RawMessage) (string, error) {
	d.rngMu.Lock()
	systolic := 140 + d.rng.Intn(11)
	diastolic := 70 + d.rng.Intn(11)
	d.rngMu.Unlock()

	reading := BPReading{
		Systolic:  systolic,
		Diastolic: diastolic,
		Timestamp: d.now().UTC().Format(time.RFC3339),
		Reading:   fmt.Sprintf("%d/%d mmHg", systolic, diastolic),
	}

	data, err := json.Marshal(reading)
	if err != nil {
		return "", fmt.Errorf("marshal reading: %w", err)
	}
	return string(data), nil
}

// LogBookEntry is one home-monitoring entry in the patient's log book.
type LogBookEntry struct {
	Date    string `json:"date"`
	Time    string `json:"time"`
	BP      string `json:"bp"`
	Reading string `json:"reading"`
}

// logBookReadings are the patient's last ten home measurements, newest
// first. The values are fixed; only the dates shift relative to today.
var logBookReadings = []struct {
	bp   string
	time string
}{
	{"142/85", "9:15 AM"},
	{"148/90", "11:45 AM"},
	{"144/87", "8:30 AM"},
	{"150/92", "2:20 PM"},
	{"146/88", "4:10 PM"},
	{"143/86", "10:45 AM"},
	{"149/91", "3:30 PM"},
	{"145/89", "12:15 PM"},
	{"147/90", "9:00 AM"},
	{"141/84", "4:45 PM"},
}

// getLogBook returns the patient's fixed home log book.
func (d *Dispatcher) getLogBook(ctx context.Context, _ json.RawMessage) (string, error) {
	today := d.now()
	entries := make([]LogBookEntry, len(logBookReadings))
	for i, r := range logBookReadings {
		entries[i] = LogBookEntry{
			Date:    today.AddDate(0, 0, -i).Format("2006-01-02"),
			Time:    r.time,
			BP:      r.bp,
			Reading: r.bp + " mmHg",
		}
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("marshal log book: %w", err)
	}
	return string(data), nil
}
