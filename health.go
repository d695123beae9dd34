package queueview

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/rbaliyan/queueview/store"
)

// HealthStatus summarizes a HealthReport.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
)

// StaleQueue is a queue whose browse start has not moved for longer than
// the grace period, usually because a very old item is still live.
type StaleQueue struct {
	Queue       string        `json:"queue"`
	BrowseStart time.Time     `json:"browse_start"`
	Age         time.Duration `json:"age"`
}

// HealthReport is the result of Health.
type HealthReport struct {
	Status      HealthStatus         `json:"status"`
	CheckedAt   time.Time            `json:"checked_at"`
	GracePeriod time.Duration        `json:"grace_period"`
	BrowseStart map[string]time.Time `json:"browse_start"`
	StaleQueues []StaleQueue         `json:"stale_queues,omitempty"`
}

// Healthy reports whether no queue is stale.
func (r *HealthReport) Healthy() bool {
	return r.Status == HealthHealthy
}

// Health lists the browse start of every queue and flags those older than
// the grace period. An installation without queues is healthy.
func (v *view) Health(ctx context.Context) (*HealthReport, error) {
	if err := v.checkConnected(); err != nil {
		return nil, err
	}

	marks, err := v.store.ListWatermarks(ctx, store.BrowseStart)
	if err != nil {
		return nil, fmt.Errorf("list browse starts: %w", err)
	}

	now := v.now()
	report := &HealthReport{
		Status:      HealthHealthy,
		CheckedAt:   now,
		GracePeriod: v.opts.healthGracePeriod,
		BrowseStart: marks,
	}
	for _, queue := range slices.Sorted(maps.Keys(marks)) {
		age := now.Sub(marks[queue])
		if age > v.opts.healthGracePeriod {
			report.StaleQueues = append(report.StaleQueues, StaleQueue{
				Queue:       queue,
				BrowseStart: marks[queue],
				Age:         age,
			})
		}
	}
	if len(report.StaleQueues) > 0 {
		report.Status = HealthDegraded
		v.logger.Warn("queue view degraded", "stale_queues", len(report.StaleQueues))
	}
	return report, nil
}
