package main

import (
	"context"

	"github.com/nadmax/relayq/internal/maintenance"
	"github.com/nadmax/relayq/internal/queue"
	"github.com/rs/zerolog"
)

// startMetricsCollector refreshes the queue gauges on a schedule. Lease recovery is left
// to the worker processes.
func startMetricsCollector(ctx context.Context, q *queue.Queue, logger zerolog.Logger) (*maintenance.Scheduler, error) {
	s := maintenance.NewScheduler(q, logger)
	if err := s.Add(ctx, maintenance.GaugeSpec, "queue_gauges", s.RefreshGauges); err != nil {
		return nil, err
	}

	s.RefreshGauges(ctx)
	s.Start()

	return s, nil
}
