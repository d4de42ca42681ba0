package archive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const defaultFirestoreCollection = "session_archives"

// FirestoreStore implements Store on Cloud Firestore.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	mu         sync.RWMutex
	closed     bool
}

// FirestoreConfig holds Firestore connection configuration.
type FirestoreConfig struct {
	// ProjectID is the GCP project (required).
	ProjectID string
	// Collection is the collection name (default: "session_archives").
	Collection string
	// CredentialsFile is a path to a service account JSON key.
	// When empty, application default credentials are used.
	CredentialsFile string
}

// NewFirestoreStore creates a Firestore archive store.
func NewFirestoreStore(ctx context.Context, cfg FirestoreConfig) (*FirestoreStore, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("firestore project ID is required")
	}

	collection := cfg.Collection
	if collection == "" {
		collection = defaultFirestoreCollection
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}

	return &FirestoreStore{
		client:     client,
		collection: collection,
	}, nil
}

// Save writes a record, overwriting any existing document.
func (s *FirestoreStore) Save(ctx context.Context, record *Record) (*SaveResult, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	s.mu.RUnlock()

	if record.ID == "" {
		return nil, errors.New("record ID is required")
	}

	if _, err := s.client.Collection(s.collection).Doc(record.ID).Set(ctx, record); err != nil {
		return nil, fmt.Errorf("save record: %w", err)
	}
	return &SaveResult{ID: record.ID}, nil
}

// Load retrieves a record by ID.
func (s *FirestoreStore) Load(ctx context.Context, recordID string) (*Record, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	s.mu.RUnlock()

	snap, err := s.client.Collection(s.collection).Doc(recordID).Get(ctx)
	if err != nil {
		// Get returns the snapshot alongside NotFound errors.
		if snap != nil && !snap.Exists() {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("get record: %w", err)
	}

	var record Record
	if err := snap.DataTo(&record); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &record, nil
}

// ListByUser returns a user's records, most recent first.
func (s *FirestoreStore) ListByUser(ctx context.Context, userID string, opts ListOptions) ([]*Record, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	s.mu.RUnlock()

	query := s.client.Collection(s.collection).
		Where("user_id", "==", userID).
		OrderBy("completed_at", firestore.Desc)
	if opts.Offset > 0 {
		query = query.Offset(opts.Offset)
	}
	if opts.Limit > 0 {
		query = query.Limit(opts.Limit)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var records []*Record
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list records: %w", err)
		}

		var record Record
		if err := snap.DataTo(&record); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		records = append(records, &record)
	}

	return records, nil
}

// Delete removes a record.
func (s *FirestoreStore) Delete(ctx context.Context, recordID string) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	if _, err := s.client.Collection(s.collection).Doc(recordID).Delete(ctx); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// DeleteOlderThan removes records completed before the cutoff.
func (s *FirestoreStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return 0, ErrStoreClosed
	}
	s.mu.RUnlock()

	iter := s.client.Collection(s.collection).
		Where("completed_at", "<", cutoff).
		Documents(ctx)
	defer iter.Stop()

	removed := 0
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return removed, fmt.Errorf("scan old records: %w", err)
		}
		if _, err := snap.Ref.Delete(ctx); err != nil {
			return removed, fmt.Errorf("delete record: %w", err)
		}
		removed++
	}
	return removed, nil
}

// Ping verifies the client can reach the collection.
func (s *FirestoreStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	iter := s.client.Collection(s.collection).Limit(1).Documents(ctx)
	defer iter.Stop()

	if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return fmt.Errorf("firestore ping: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *FirestoreStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.client.Close()
}
