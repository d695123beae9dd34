package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rbaliyan/queueview"
)

// retryAfter is how long the scheduler waits when the next tick cannot be
// computed.
const retryAfter = 30 * time.Second

// Scheduler runs View.Maintain on a cron schedule.
type Scheduler struct {
	view    queueview.View
	expr    string
	metrics *Metrics
	logger  *slog.Logger
}

// NewScheduler returns a scheduler for the cron expression expr.
// Metrics may be nil.
func NewScheduler(v queueview.View, expr string, metrics *Metrics, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{view: v, expr: expr, metrics: metrics, logger: logger}
}

// Run sleeps until each tick of the schedule and runs a maintenance pass.
// It returns when ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("maintenance scheduler started", "schedule", s.expr)
	defer s.logger.Info("maintenance scheduler stopped")

	for {
		next, err := gronx.NextTickAfter(s.expr, time.Now().UTC(), false)
		wait := time.Until(next)
		if err != nil {
			s.logger.Error("compute next maintenance tick", "schedule", s.expr, "error", err)
			wait = retryAfter
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err != nil {
			continue
		}
		s.RunOnce(ctx)
	}
}

// RunOnce runs a single maintenance pass and records its outcome.
func (s *Scheduler) RunOnce(ctx context.Context) ([]*queueview.AdvanceResult, error) {
	start := time.Now()
	results, err := s.view.Maintain(ctx)

	advanced := 0
	for _, res := range results {
		if res.Advanced {
			advanced++
		}
		if s.metrics != nil {
			s.metrics.observeAdvance(res, time.Now().UTC())
		}
	}

	result := "ok"
	if err != nil {
		result = "error"
		s.logger.Error("maintenance pass failed", "error", err, "queues", len(results))
	} else {
		s.logger.Info("maintenance pass done",
			"queues", len(results),
			"advanced", advanced,
			"duration", time.Since(start))
	}
	if s.metrics != nil {
		s.metrics.MaintenanceRuns.WithLabelValues(result).Inc()
	}
	return results, err
}
