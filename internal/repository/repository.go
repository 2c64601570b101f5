// Package repository declares the persistence contract of the dispatch engine. The
// postgres subpackage implements it; the mocks subpackage is an in-memory stand-in.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/nadmax/relayq/internal/repository/models"
	"github.com/nadmax/relayq/internal/task"
)

var ErrNotFound = errors.New("not found")

// ProjectReader reads the project configuration that seeds a run.
type ProjectReader interface {
	GetProject(ctx context.Context, projectID string) (*models.Project, error)
	ListTargets(ctx context.Context, projectID string) ([]models.Target, error)
	ListAccounts(ctx context.Context, projectID string) ([]models.Account, error)
	ListMessages(ctx context.Context, projectID string) ([]models.Message, error)
	// GetChannelDelay returns false when the project has no delay configured.
	GetChannelDelay(ctx context.Context, projectID string) (time.Duration, bool, error)
}

type AccountStore interface {
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
	TouchAccount(ctx context.Context, accountID string, at time.Time) error
}

type RunStore interface {
	// CreateRun persists the run with its initial statistics, records every task in the
	// task history and marks the project running, all in one transaction.
	CreateRun(ctx context.Context, run *models.Run, tasks []*task.Task) error
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	LatestRun(ctx context.Context, projectID string) (*models.Run, error)
	FailRun(ctx context.Context, runID, projectID string) error
	// RecordOutcome counts a task's terminal outcome exactly once: completed_jobs and
	// one of success_count or error_count move together in a single update. The bool is
	// false when the task had already been counted.
	RecordOutcome(ctx context.Context, runID, taskID string, success bool, reason string) (models.Stats, bool, error)
	// FinalizeRun moves a running run to completed and its project to stopped. It
	// returns false when the run was no longer running.
	FinalizeRun(ctx context.Context, runID, projectID string) (bool, error)
	StopProject(ctx context.Context, projectID string) (int64, error)
	CountRunsByStatus(ctx context.Context) ([]models.RunCount, error)
}

type LogStore interface {
	AppendLog(ctx context.Context, runID string, level models.LogLevel, message string) error
	RecentLogs(ctx context.Context, runID string, limit int) ([]models.LogEntry, error)
}

type TaskHistory interface {
	UpdateTaskStatus(ctx context.Context, taskID string, status task.TaskStatus, workerID string) error
	LogExecution(ctx context.Context, exec models.Execution) error
}

type Repository interface {
	ProjectReader
	AccountStore
	RunStore
	LogStore
	TaskHistory
	Close() error
}
