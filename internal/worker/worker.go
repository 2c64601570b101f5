// Package worker provides the executors that drain the dispatch queue. Each dequeued
// task is one delivery attempt: lock the account, call the sending service, release the
// lock, then settle the attempt with the queue and the run statistics.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nadmax/relayq/internal/gateway"
	"github.com/nadmax/relayq/internal/lock"
	"github.com/nadmax/relayq/internal/metrics"
	"github.com/nadmax/relayq/internal/queue"
	"github.com/nadmax/relayq/internal/repository"
	"github.com/nadmax/relayq/internal/repository/models"
	"github.com/nadmax/relayq/internal/task"
	"github.com/rs/zerolog"
)

const DefaultPollInterval = 500 * time.Millisecond

var ErrAccountUnusable = errors.New("account is inactive or has no credential")

type Queue interface {
	Dequeue(ctx context.Context) (*task.Task, error)
	OnTerminal(ctx context.Context, t *task.Task, attemptErr error) (queue.Outcome, error)
}

type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)
	Release(ctx context.Context, key, token string) error
}

type Sender interface {
	Send(ctx context.Context, req gateway.Request) (*gateway.Response, error)
}

type Store interface {
	repository.AccountStore
	repository.TaskHistory
	AppendLog(ctx context.Context, runID string, level models.LogLevel, message string) error
}

type Tracker interface {
	RecordOutcome(ctx context.Context, runID, taskID string, success bool, reason string) (models.Stats, bool, error)
	CheckCompletion(ctx context.Context, runID string) (bool, error)
}

type Deps struct {
	Queue   Queue
	Locks   Locker
	Sender  Sender
	Store   Store
	Tracker Tracker
}

type Config struct {
	PollInterval time.Duration
	LockTTL      time.Duration
}

type Worker struct {
	id     string
	deps   Deps
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

func NewWorker(id string, deps Deps, cfg Config, logger zerolog.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = lock.DefaultTTL
	}

	return &Worker{
		id:     id,
		deps:   deps,
		cfg:    cfg,
		logger: logger.With().Str("worker_id", id).Logger(),
		now:    time.Now,
	}
}

func (w *Worker) ID() string {
	return w.id
}

// Run polls the queue until ctx is cancelled. An attempt already started when ctx is
// cancelled runs to completion.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info().Msg("worker started")
	defer w.logger.Info().Msg("worker stopped")

	for {
		if ctx.Err() != nil {
			return
		}

		t, err := w.deps.Queue.Dequeue(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Warn().Err(err).Msg("dequeue failed")
		}
		if err != nil || t == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}

		w.processTask(context.WithoutCancel(ctx), t)
	}
}

func (w *Worker) processTask(ctx context.Context, t *task.Task) {
	t.Attempts++
	logger := w.logger.With().
		Str("task_id", t.ID).
		Str("run_id", t.RunID).
		Str("destination", t.DestinationID).
		Int("attempt", t.Attempts).
		Logger()

	start := w.now()
	if t.StartedAt != nil {
		metrics.RecordTaskWaitTime(t.MessageKind, t.StartedAt.Sub(t.ScheduledAt))
	}

	if err := w.deps.Store.UpdateTaskStatus(ctx, t.ID, task.RunningStatus, w.id); err != nil {
		logger.Warn().Err(err).Msg("failed to record task start")
	}

	attemptErr := w.attempt(ctx, t, logger)
	duration := w.now().Sub(start)

	w.recordAttempt(ctx, t, attemptErr, duration, logger)

	// A terminal outcome is counted before the queue forgets the task. If the process
	// dies in between, the redelivered task finds its outcome already recorded.
	terminal := attemptErr == nil || !t.AttemptsLeft()
	if terminal {
		reason := ""
		if attemptErr != nil {
			reason = attemptErr.Error()
		}
		if _, _, err := w.deps.Tracker.RecordOutcome(ctx, t.RunID, t.ID, attemptErr == nil, reason); err != nil {
			logger.Error().Err(err).Msg("failed to record outcome")
		}
	}

	outcome, err := w.deps.Queue.OnTerminal(ctx, t, attemptErr)
	if err != nil {
		logger.Error().Err(err).Msg("failed to settle attempt with the queue")
		return
	}

	switch outcome {
	case queue.Retried:
		metrics.RecordTaskRetried(t.MessageKind)
		if err := w.deps.Store.UpdateTaskStatus(ctx, t.ID, task.RetryingStatus, w.id); err != nil {
			logger.Warn().Err(err).Msg("failed to record retry")
		}
		logger.Warn().Err(attemptErr).Time("next_attempt", t.ScheduledAt).Msg("attempt failed, retrying")
	case queue.Exhausted:
		metrics.RecordTaskExhausted(t.MessageKind)
		logger.Error().Err(attemptErr).Msg("task failed permanently")
	case queue.Succeeded:
		logger.Info().Dur("duration", duration).Msg("task completed")
	}

	if !outcome.IsTerminal() {
		return
	}

	if _, err := w.deps.Tracker.CheckCompletion(ctx, t.RunID); err != nil {
		logger.Error().Err(err).Msg("completion check failed")
	}
}

// attempt performs one guarded send. The lock is released before returning whatever
// the outcome.
func (w *Worker) attempt(ctx context.Context, t *task.Task, logger zerolog.Logger) error {
	key := lock.Key(t.AccountID)

	token, err := w.deps.Locks.Acquire(ctx, key, w.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			metrics.RecordLockContention()
			return fmt.Errorf("account %s is busy: %w", t.AccountID, err)
		}
		return err
	}
	defer func() {
		if err := w.deps.Locks.Release(ctx, key, token); err != nil {
			logger.Warn().Err(err).Str("lock", key).Msg("lock not released")
		}
	}()

	account, err := w.deps.Store.GetAccount(ctx, t.AccountID)
	if err != nil {
		return fmt.Errorf("failed to load account %s: %w", t.AccountID, err)
	}
	if !account.Usable() {
		return fmt.Errorf("account %s: %w", t.AccountID, ErrAccountUnusable)
	}

	if _, err := w.deps.Sender.Send(ctx, gateway.Request{
		AccountCredential: account.Credential,
		DestinationID:     t.DestinationID,
		MessageKind:       t.MessageKind,
		ContentRef:        t.ContentRef,
		Caption:           t.Caption,
	}); err != nil {
		return err
	}

	if err := w.deps.Store.TouchAccount(ctx, t.AccountID, w.now()); err != nil {
		logger.Warn().Err(err).Msg("failed to update account last use")
	}

	return nil
}

// recordAttempt writes the run log entry, the execution history row and the attempt
// metrics. Failures here are logged and never change the attempt's outcome.
func (w *Worker) recordAttempt(ctx context.Context, t *task.Task, attemptErr error, duration time.Duration, logger zerolog.Logger) {
	exec := models.Execution{
		TaskID:        t.ID,
		RunID:         t.RunID,
		AttemptNumber: t.Attempts,
		DurationMs:    int(duration.Milliseconds()),
		WorkerID:      w.id,
	}

	level := models.LevelInfo
	msg := fmt.Sprintf("Message sent successfully to %s", t.DestinationID)
	if attemptErr == nil {
		exec.Status = string(task.CompletedStatus)
		metrics.RecordTaskSent(t.MessageKind, duration)
	} else {
		exec.Status = string(task.FailedStatus)
		exec.ErrorMsg = attemptErr.Error()
		level = models.LevelError
		msg = fmt.Sprintf("Failed to send message to %s (attempt %d/%d): %v",
			t.DestinationID, t.Attempts, t.MaxAttempts, attemptErr)
		metrics.RecordAttemptFailed(t.MessageKind, failureReason(attemptErr), duration)
	}

	if err := w.deps.Store.AppendLog(ctx, t.RunID, level, msg); err != nil {
		logger.Warn().Err(err).Msg("failed to append run log")
	}
	if err := w.deps.Store.LogExecution(ctx, exec); err != nil {
		logger.Warn().Err(err).Msg("failed to log execution")
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, lock.ErrBusy):
		return "lock_busy"
	case gateway.IsSendError(err):
		return "gateway"
	case errors.Is(err, ErrAccountUnusable), errors.Is(err, repository.ErrNotFound):
		return "account"
	default:
		return "internal"
	}
}
