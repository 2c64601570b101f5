// Package maintenance runs the periodic housekeeping jobs of the dispatch queue on a
// cron schedule: returning stalled leases to pending and refreshing queue gauges.
package maintenance

import (
	"context"
	"fmt"

	"github.com/nadmax/relayq/internal/metrics"
	"github.com/nadmax/relayq/internal/queue"
	"github.com/nadmax/relayq/internal/task"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	RecoverSpec = "@every 30s"
	GaugeSpec   = "@every 10s"
)

type Queue interface {
	RecoverStalled(ctx context.Context) (int, error)
	GetAllTasks(ctx context.Context) ([]*task.Task, error)
	Depth(ctx context.Context) (queue.Depth, error)
}

type Scheduler struct {
	queue  Queue
	cron   *cron.Cron
	logger zerolog.Logger
}

func NewScheduler(q Queue, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		queue:  q,
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger: logger.With().Str("component", "maintenance").Logger(),
	}
}

// Add registers job under a cron spec. Jobs run with ctx and never overlap themselves.
func (s *Scheduler) Add(ctx context.Context, spec, name string, job func(ctx context.Context)) error {
	if _, err := s.cron.AddFunc(spec, func() {
		s.logger.Debug().Str("job", name).Msg("running maintenance job")
		job(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}

	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RecoverStalled returns expired in-flight leases to pending.
func (s *Scheduler) RecoverStalled(ctx context.Context) {
	n, err := s.queue.RecoverStalled(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("stalled lease recovery failed")
		return
	}

	if n > 0 {
		metrics.RecordTasksRecovered(n)
		s.logger.Warn().Int("tasks", n).Msg("recovered stalled tasks")
	}
}

// RefreshGauges publishes the queue depth and the queued tasks by status and kind.
func (s *Scheduler) RefreshGauges(ctx context.Context) {
	tasks, err := s.queue.GetAllTasks(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to get tasks for metrics")
		return
	}

	tasksByStatus := make(map[task.TaskStatus]map[task.MessageKind]int)
	for _, t := range tasks {
		if tasksByStatus[t.Status] == nil {
			tasksByStatus[t.Status] = make(map[task.MessageKind]int)
		}
		tasksByStatus[t.Status][t.MessageKind]++
	}

	metrics.UpdateTaskGauges(tasksByStatus)

	depth, err := s.queue.Depth(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to read queue depth")
		return
	}
	metrics.UpdateQueueDepth(depth.Pending, depth.InFlight)
}
