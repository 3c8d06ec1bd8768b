package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// defaultSweepSchedule runs the sweep nightly at 03:00 server time,
// when conversation traffic is lowest.
const defaultSweepSchedule = "0 3 * * *"

const (
	defaultSweepRetentionDays = 7
	defaultSweepTimeout       = 5 * time.Minute
	sweeperStopGrace          = 10 * time.Second
)

// Cleaner is the storage slice the sweeper drives.
type Cleaner interface {
	CleanExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper evicts sessions whose newest snapshot is older than the
// retention window. A failed sweep is not retried; the next scheduled
// run covers the same rows again.
type Sweeper struct {
	backend   Cleaner
	retention time.Duration
	schedule  string
	timeout   time.Duration

	mu   sync.Mutex
	cron *cron.Cron
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepSchedule overrides the sweep schedule. Standard 5-field cron
// expressions and descriptors like "@daily" are accepted.
func WithSweepSchedule(schedule string) SweeperOption {
	return func(s *Sweeper) {
		if schedule != "" {
			s.schedule = schedule
		}
	}
}

// NewSweeper creates a sweeper enforcing the given retention in days.
// retentionDays <= 0 falls back to the default of 7.
func NewSweeper(backend Cleaner, retentionDays int, opts ...SweeperOption) *Sweeper {
	if retentionDays <= 0 {
		retentionDays = defaultSweepRetentionDays
	}
	s := &Sweeper{
		backend:   backend,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		schedule:  defaultSweepSchedule,
		timeout:   defaultSweepTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers the schedule and begins sweeping in the background.
// Starting a running sweeper is a no-op.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(s.schedule, s.runScheduled); err != nil {
		return err
	}
	c.Start()
	s.cron = c

	slog.Info("session sweeper started",
		"schedule", s.schedule,
		"retention_days", int(s.retention.Hours()/24),
	)
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-time.After(sweeperStopGrace):
		slog.Warn("session sweeper stop timed out")
	}
	slog.Info("session sweeper stopped")
}

// Sweep removes expired sessions immediately, outside the schedule, and
// returns the number of sessions evicted.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.retention)
	return s.backend.CleanExpired(ctx, cutoff)
}

func (s *Sweeper) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	started := time.Now()
	removed, err := s.Sweep(ctx)
	if err != nil {
		slog.Error("session sweep failed", "error", err)
		return
	}
	if removed > 0 {
		slog.Info("expired sessions removed",
			"count", removed,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	}
}
