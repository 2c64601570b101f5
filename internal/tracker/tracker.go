// Package tracker owns run and project status transitions and the run statistics.
package tracker

import (
	"context"
	"errors"
	"fmt"

	"github.com/nadmax/relayq/internal/metrics"
	"github.com/nadmax/relayq/internal/notify"
	"github.com/nadmax/relayq/internal/repository"
	"github.com/nadmax/relayq/internal/repository/models"
	"github.com/rs/zerolog"
)

const DefaultLogLimit = 20

type Store interface {
	GetProject(ctx context.Context, projectID string) (*models.Project, error)
	repository.RunStore
	repository.LogStore
}

type Tracker struct {
	store    Store
	notifier notify.Notifier
	logger   zerolog.Logger
}

func NewTracker(store Store, notifier notify.Notifier, logger zerolog.Logger) *Tracker {
	if notifier == nil {
		notifier = notify.Nop{}
	}

	return &Tracker{
		store:    store,
		notifier: notifier,
		logger:   logger.With().Str("component", "tracker").Logger(),
	}
}

// RecordOutcome counts a task's terminal outcome. Calling it again for the same task is
// a no-op that returns the current statistics with applied set to false.
func (t *Tracker) RecordOutcome(ctx context.Context, runID, taskID string, success bool, reason string) (models.Stats, bool, error) {
	stats, applied, err := t.store.RecordOutcome(ctx, runID, taskID, success, reason)
	if err != nil {
		return models.Stats{}, false, fmt.Errorf("failed to record outcome of task %s: %w", taskID, err)
	}

	if !applied {
		t.logger.Debug().Str("run_id", runID).Str("task_id", taskID).Msg("outcome already recorded")
	}

	return stats, applied, nil
}

// CheckCompletion finalizes the run once every job reached a terminal state. The
// transition is guarded on the run still being running, so concurrent callers and
// repeated calls apply it at most once. It reports whether this call applied it.
func (t *Tracker) CheckCompletion(ctx context.Context, runID string) (bool, error) {
	run, err := t.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}

	if !run.Stats.Done() {
		return false, nil
	}

	applied, err := t.store.FinalizeRun(ctx, run.ID, run.ProjectID)
	if err != nil {
		return false, fmt.Errorf("failed to finalize run %s: %w", runID, err)
	}
	if !applied {
		return false, nil
	}

	metrics.RecordRunTransition(string(models.RunCompleted), 1)

	run.Status = models.RunCompleted
	msg := fmt.Sprintf("Run completed: %d sent, %d failed of %d jobs",
		run.Stats.SuccessCount, run.Stats.ErrorCount, run.Stats.TotalJobs)
	if err := t.store.AppendLog(ctx, runID, models.LevelInfo, msg); err != nil {
		t.logger.Warn().Err(err).Str("run_id", runID).Msg("failed to append run log")
	}

	t.logger.Info().
		Str("run_id", runID).
		Str("project_id", run.ProjectID).
		Int("success", run.Stats.SuccessCount).
		Int("errors", run.Stats.ErrorCount).
		Msg("run completed")

	if err := t.notifier.RunCompleted(ctx, *run); err != nil {
		t.logger.Warn().Err(err).Str("run_id", runID).Msg("completion notification failed")
	}

	return true, nil
}

// StopProject marks the project stopped and every running run of it stopped. Queued
// tasks are not revoked; their outcomes are still counted but cannot complete a
// stopped run.
func (t *Tracker) StopProject(ctx context.Context, projectID string) (int64, error) {
	stopped, err := t.store.StopProject(ctx, projectID)
	if err != nil {
		return 0, err
	}

	if stopped > 0 {
		metrics.RecordRunTransition(string(models.RunStopped), int(stopped))
	}

	t.logger.Info().Str("project_id", projectID).Int64("runs", stopped).Msg("project stopped")

	return stopped, nil
}

type ProjectStatus struct {
	Project *models.Project   `json:"project"`
	Run     *models.Run       `json:"process_run"`
	Logs    []models.LogEntry `json:"logs"`
}

type RunStatus struct {
	Run  *models.Run       `json:"process_run"`
	Logs []models.LogEntry `json:"logs"`
}

// ProjectStatus returns the project with its latest run and that run's newest logs. Run
// is nil when the project never ran.
func (t *Tracker) ProjectStatus(ctx context.Context, projectID string, logLimit int) (*ProjectStatus, error) {
	project, err := t.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	status := &ProjectStatus{Project: project, Logs: []models.LogEntry{}}

	run, err := t.store.LatestRun(ctx, projectID)
	if errors.Is(err, repository.ErrNotFound) {
		return status, nil
	}
	if err != nil {
		return nil, err
	}
	status.Run = run

	status.Logs, err = t.store.RecentLogs(ctx, run.ID, normalizeLimit(logLimit))
	if err != nil {
		return nil, err
	}

	return status, nil
}

func (t *Tracker) RunStatus(ctx context.Context, runID string, logLimit int) (*RunStatus, error) {
	run, err := t.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	logs, err := t.store.RecentLogs(ctx, runID, normalizeLimit(logLimit))
	if err != nil {
		return nil, err
	}

	return &RunStatus{Run: run, Logs: logs}, nil
}

func normalizeLimit(n int) int {
	if n <= 0 {
		return DefaultLogLimit
	}
	if n > 500 {
		return 500
	}

	return n
}
