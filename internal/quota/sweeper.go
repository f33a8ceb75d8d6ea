package quota

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cubexhq/usagegate/internal/metrics"
)

// DefaultPendingTimeout is how long a reservation may stay pending before the
// sweeper releases it.
const DefaultPendingTimeout = 15 * time.Minute

// DefaultSweepSchedule runs the sweep at the top of every minute.
const DefaultSweepSchedule = "* * * * *"

// Sweeper expires stale pending reservations on a cron schedule, bounding how
// long an uncommitted reservation can hold quota.
type Sweeper struct {
	ledger   *Ledger
	timeout  time.Duration
	schedule string
	cron     *cron.Cron
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewSweeper creates a sweeper over the ledger. Zero timeout and empty
// schedule select the defaults.
func NewSweeper(ledger *Ledger, timeout time.Duration, schedule string, logger *slog.Logger, m *metrics.Metrics) *Sweeper {
	if timeout <= 0 {
		timeout = DefaultPendingTimeout
	}
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	return &Sweeper{ledger: ledger, timeout: timeout, schedule: schedule, logger: logger, metrics: m}
}

// Start schedules the sweep. It returns after the cron runner is installed;
// sweeps run on the runner's goroutine.
func (s *Sweeper) Start() error {
	c := cron.New()
	_, err := c.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("expiry sweep failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	c.Start()
	s.cron = c
	s.logger.Info("expiry sweeper started", "schedule", s.schedule, "pending_timeout", s.timeout)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// RunOnce performs a single sweep and returns how many reservations expired.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	n, err := s.ledger.ExpireStale(ctx, s.timeout)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("expired stale reservations", "count", n)
		s.metrics.ObserveExpired(n)
	}
	return n, nil
}
