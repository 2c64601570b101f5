// Package dispatch exposes the engine's command and query surface. A Dispatcher is built
// from injected collaborators and holds no package-level state.
package dispatch

import (
	"context"

	"github.com/nadmax/relayq/internal/enqueue"
	"github.com/nadmax/relayq/internal/notify"
	"github.com/nadmax/relayq/internal/queue"
	"github.com/nadmax/relayq/internal/repository"
	"github.com/nadmax/relayq/internal/repository/models"
	"github.com/nadmax/relayq/internal/task"
	"github.com/nadmax/relayq/internal/tracker"
	"github.com/rs/zerolog"
)

type Queue interface {
	Submit(ctx context.Context, tasks ...*task.Task) error
	Depth(ctx context.Context) (queue.Depth, error)
}

type Deps struct {
	Store    repository.Repository
	Queue    Queue
	Reader   enqueue.ContentReader
	Notifier notify.Notifier
}

type Dispatcher struct {
	enqueuer *enqueue.Enqueuer
	tracker  *tracker.Tracker
	queue    Queue
}

// StartResult is returned to the caller that started a run.
type StartResult struct {
	RunID       string           `json:"run_id"`
	ProjectID   string           `json:"project_id"`
	Status      models.RunStatus `json:"status"`
	JobsCreated int              `json:"jobs_created"`
}

func NewDispatcher(deps Deps, cfg enqueue.Config, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		enqueuer: enqueue.NewEnqueuer(deps.Store, deps.Queue, deps.Reader, cfg, logger),
		tracker:  tracker.NewTracker(deps.Store, deps.Notifier, logger),
		queue:    deps.Queue,
	}
}

func (d *Dispatcher) StartRun(ctx context.Context, projectID, startedBy string) (*StartResult, error) {
	runID, n, err := d.enqueuer.StartRun(ctx, projectID, startedBy)
	if err != nil {
		return nil, err
	}

	return &StartResult{
		RunID:       runID,
		ProjectID:   projectID,
		Status:      models.RunRunning,
		JobsCreated: n,
	}, nil
}

func (d *Dispatcher) StopProject(ctx context.Context, projectID string) (int64, error) {
	return d.tracker.StopProject(ctx, projectID)
}

func (d *Dispatcher) ProjectStatus(ctx context.Context, projectID string, logLimit int) (*tracker.ProjectStatus, error) {
	return d.tracker.ProjectStatus(ctx, projectID, logLimit)
}

func (d *Dispatcher) RunStatus(ctx context.Context, runID string, logLimit int) (*tracker.RunStatus, error) {
	return d.tracker.RunStatus(ctx, runID, logLimit)
}

func (d *Dispatcher) Depth(ctx context.Context) (queue.Depth, error) {
	return d.queue.Depth(ctx)
}
