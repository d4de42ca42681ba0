package archive

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper periodically deletes archived records older than the
// configured retention period.
type Sweeper struct {
	store     Store
	retention time.Duration
	schedule  string
	cron      *cron.Cron
}

// SweeperConfig configures a retention sweeper.
type SweeperConfig struct {
	// Retention is how long records are kept (required, > 0).
	Retention time.Duration
	// Schedule is a cron expression (default: nightly at 03:00).
	Schedule string
}

// NewSweeper creates a retention sweeper over the given store.
func NewSweeper(store Store, cfg SweeperConfig) *Sweeper {
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "0 3 * * *"
	}
	return &Sweeper{
		store:     store,
		retention: cfg.Retention,
		schedule:  schedule,
		cron:      cron.New(),
	}
}

// Start schedules the sweep job and begins running it.
func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		s.SweepOnce(ctx)
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// SweepOnce runs one retention sweep immediately.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-s.retention)
	removed, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		log.Printf("archive sweep failed: %v", err)
		return
	}
	if removed > 0 {
		log.Printf("archive sweep removed %d records older than %s", removed, cutoff.Format(time.RFC3339))
	}
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
