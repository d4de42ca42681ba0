// Package archive persists completed session transcripts. A record is
// written once, when the learner confirms completion, and read back for
// trainer review. Backends cover a single-node file store, Redis, and
// Firestore.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Common errors for archive operations.
var (
	// ErrRecordNotFound is returned when a record doesn't exist.
	ErrRecordNotFound = errors.New("archive record not found")
	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("archive store is closed")
)

// Message is one transcript line in an archived record.
type Message struct {
	Role      string    `json:"role" firestore:"role"`
	Content   string    `json:"content" firestore:"content"`
	ToolName  string    `json:"tool_name,omitempty" firestore:"tool_name,omitempty"`
	CreatedAt time.Time `json:"created_at" firestore:"created_at"`
}

// Record is an archived completed session.
type Record struct {
	ID              string          `json:"id" firestore:"id"`
	UserID          string          `json:"user_id" firestore:"user_id"`
	ScenarioID      string          `json:"scenario_id" firestore:"scenario_id"`
	Messages        []Message       `json:"messages" firestore:"messages"`
	Evaluation      json.RawMessage `json:"evaluation,omitempty" firestore:"evaluation,omitempty"`
	DurationSeconds int             `json:"duration_seconds" firestore:"duration_seconds"`
	CompletedAt     time.Time       `json:"completed_at" firestore:"completed_at"`
}

// SaveResult reports where a record landed.
type SaveResult struct {
	ID string `json:"id"`
}

// ListOptions provides filtering for record listing.
type ListOptions struct {
	// Limit caps the number of results.
	Limit int
	// Offset skips the first N results.
	Offset int
}

// Store abstracts archive persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	// Save writes a record. Records are write-once; saving an existing
	// ID overwrites it.
	Save(ctx context.Context, record *Record) (*SaveResult, error)

	// Load retrieves a record by ID.
	// Returns ErrRecordNotFound if the record doesn't exist.
	Load(ctx context.Context, recordID string) (*Record, error)

	// ListByUser returns a user's records, most recent first.
	ListByUser(ctx context.Context, userID string, opts ListOptions) ([]*Record, error)

	// Delete removes a record.
	Delete(ctx context.Context, recordID string) error

	// DeleteOlderThan removes records completed before the cutoff and
	// reports how many were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}
