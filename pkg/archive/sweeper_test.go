package archive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepOnce(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := store.Save(ctx, testRecord("ancient", "u", now.Add(-90*24*time.Hour)))
	require.NoError(t, err)
	_, err = store.Save(ctx, testRecord("recent", "u", now.Add(-time.Hour)))
	require.NoError(t, err)

	sweeper := NewSweeper(store, SweeperConfig{Retention: 30 * 24 * time.Hour})
	sweeper.SweepOnce(ctx)

	_, err = store.Load(ctx, "ancient")
	assert.Error(t, err, "record past retention should be swept")
	_, err = store.Load(ctx, "recent")
	assert.NoError(t, err, "record inside retention should survive")
}

func TestSweeperStartStop(t *testing.T) {
	store := newTestFileStore(t)

	sweeper := NewSweeper(store, SweeperConfig{Retention: time.Hour})
	require.NoError(t, sweeper.Start())
	sweeper.Stop()
}

func TestSweeperRejectsBadSchedule(t *testing.T) {
	store := newTestFileStore(t)

	sweeper := NewSweeper(store, SweeperConfig{Retention: time.Hour, Schedule: "not a cron expr"})
	require.Error(t, sweeper.Start(), "invalid cron schedule must fail Start")
}
