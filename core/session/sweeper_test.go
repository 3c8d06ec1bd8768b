package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCleaner records the cutoff it was asked to enforce.
type fakeCleaner struct {
	cutoff  time.Time
	calls   int
	removed int64
	err     error
}

func (f *fakeCleaner) CleanExpired(_ context.Context, cutoff time.Time) (int64, error) {
	f.calls++
	f.cutoff = cutoff
	return f.removed, f.err
}

func TestSweepEnforcesRetentionCutoff(t *testing.T) {
	cleaner := &fakeCleaner{removed: 3}
	sweeper := NewSweeper(cleaner, 7)

	before := time.Now().UTC()
	removed, err := sweeper.Sweep(context.Background())
	after := time.Now().UTC()

	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)
	assert.Equal(t, 1, cleaner.calls)

	retention := 7 * 24 * time.Hour
	assert.False(t, cleaner.cutoff.Before(before.Add(-retention)))
	assert.False(t, cleaner.cutoff.After(after.Add(-retention)))
}

func TestSweepDefaultsRetentionWhenUnset(t *testing.T) {
	cleaner := &fakeCleaner{}
	sweeper := NewSweeper(cleaner, 0)

	_, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)

	// Zero retention would evict everything on the spot.
	wantCutoff := time.Now().UTC().Add(-7 * 24 * time.Hour)
	assert.WithinDuration(t, wantCutoff, cleaner.cutoff, time.Minute)
}

func TestSweepPropagatesBackendError(t *testing.T) {
	cleaner := &fakeCleaner{err: errors.New("connection reset")}
	sweeper := NewSweeper(cleaner, 7)

	_, err := sweeper.Sweep(context.Background())
	require.Error(t, err)
}

func TestSweeperStartRejectsBadSchedule(t *testing.T) {
	sweeper := NewSweeper(&fakeCleaner{}, 7, WithSweepSchedule("every other tuesday"))
	require.Error(t, sweeper.Start())
}

func TestSweeperStartStopLifecycle(t *testing.T) {
	sweeper := NewSweeper(&fakeCleaner{}, 7)

	require.NoError(t, sweeper.Start())
	// Starting again while running changes nothing.
	require.NoError(t, sweeper.Start())

	sweeper.Stop()
	// Stop on a stopped sweeper is safe.
	sweeper.Stop()

	// A stopped sweeper can be started again.
	require.NoError(t, sweeper.Start())
	sweeper.Stop()
}
