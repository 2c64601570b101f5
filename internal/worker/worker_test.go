package worker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nadmax/relayq/internal/gateway"
	"github.com/nadmax/relayq/internal/lock"
	"github.com/nadmax/relayq/internal/queue"
	"github.com/nadmax/relayq/internal/repository/mocks"
	"github.com/nadmax/relayq/internal/repository/models"
	"github.com/nadmax/relayq/internal/task"
	"github.com/nadmax/relayq/internal/tracker"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	q    *queue.Queue
	mr   *miniredis.Miniredis
	repo *mocks.Repository
	deps Deps
}

func setupTestEnv(t *testing.T, handler http.HandlerFunc) *testEnv {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	q, err := queue.NewQueue(queue.Options{
		Addr:        mr.Addr(),
		Concurrency: 5,
		BackoffBase: time.Millisecond,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(handler)

	t.Cleanup(func() {
		srv.Close()
		_ = q.Close()
		mr.Close()
	})

	repo := mocks.NewRepository()
	repo.AddProject("p1")
	repo.AddAccount("p1", models.Account{ID: "s1", Name: "main", Credential: "blob", Active: true})

	return &testEnv{
		q:    q,
		mr:   mr,
		repo: repo,
		deps: Deps{
			Queue:   q,
			Locks:   lock.NewLocker(q.Client()),
			Sender:  gateway.NewClient(gateway.Config{BaseURL: srv.URL, Timeout: 5 * time.Second}),
			Store:   repo,
			Tracker: tracker.NewTracker(repo, nil, zerolog.Nop()),
		},
	}
}

func (e *testEnv) newWorker(id string) *Worker {
	return NewWorker(id, e.deps, Config{PollInterval: 5 * time.Millisecond}, zerolog.Nop())
}

// seedRun persists a running run for account s1 and submits its tasks.
func (e *testEnv) seedRun(t *testing.T, runID string, destinations ...string) []*task.Task {
	ctx := context.Background()

	tasks := make([]*task.Task, len(destinations))
	for i, dest := range destinations {
		tasks[i] = task.NewTask(runID, "p1", "s1", dest, task.TextMessage)
		tasks[i].SequenceIndex = i
		tasks[i].Caption = "hello"
	}

	run := &models.Run{
		ID:        runID,
		ProjectID: "p1",
		Status:    models.RunRunning,
		Stats:     models.Stats{TotalJobs: len(tasks)},
		CreatedAt: time.Now(),
	}
	require.NoError(t, e.repo.CreateRun(ctx, run, tasks))
	require.NoError(t, e.q.Submit(ctx, tasks...))

	return tasks
}

func (e *testEnv) dequeueNext(t *testing.T) *task.Task {
	var tk *task.Task
	require.Eventually(t, func() bool {
		var err error
		tk, err = e.q.Dequeue(context.Background())
		return err == nil && tk != nil
	}, 2*time.Second, 2*time.Millisecond)
	return tk
}

func okHandler(calls *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"success":true,"data":{"message_id":1}}`))
	}
}

func TestNewWorker_Defaults(t *testing.T) {
	w := NewWorker("w1", Deps{}, Config{}, zerolog.Nop())

	assert.Equal(t, "w1", w.ID())
	assert.Equal(t, DefaultPollInterval, w.cfg.PollInterval)
	assert.Equal(t, lock.DefaultTTL, w.cfg.LockTTL)
}

func TestProcessTask_Success(t *testing.T) {
	var calls atomic.Int32
	env := setupTestEnv(t, okHandler(&calls))
	tasks := env.seedRun(t, "r1", "@a")
	ctx := context.Background()

	w := env.newWorker("w1")
	w.processTask(ctx, env.dequeueNext(t))

	assert.EqualValues(t, 1, calls.Load())

	run, _ := env.repo.Run("r1")
	assert.Equal(t, models.Stats{TotalJobs: 1, CompletedJobs: 1, SuccessCount: 1}, run.Stats)
	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, models.ProjectStopped, env.repo.ProjectStatus("p1"))

	status, _ := env.repo.TaskStatus(tasks[0].ID)
	assert.Equal(t, task.CompletedStatus, status)
	assert.Equal(t, []string{"s1"}, env.repo.TouchAccountCalls)
	infos := env.repo.LogsFor("r1", models.LevelInfo)
	require.Len(t, infos, 2)
	assert.Equal(t, "Message sent successfully to @a", infos[0].Message)
	assert.True(t, strings.HasPrefix(infos[1].Message, "Run completed"), infos[1].Message)
	assert.False(t, env.mr.Exists(lock.Key("s1")))

	depth, err := env.q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth.Pending)
	assert.Zero(t, depth.InFlight)
}

func TestProcessTask_ExhaustedFailureCountsOnce(t *testing.T) {
	var calls atomic.Int32
	env := setupTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"detail":"peer flood"}`))
	})
	tasks := env.seedRun(t, "r1", "@a")
	ctx := context.Background()
	w := env.newWorker("w1")

	for attempt := 1; attempt <= 2; attempt++ {
		tk := env.dequeueNext(t)
		assert.Equal(t, attempt-1, tk.Attempts)
		w.processTask(ctx, tk)

		run, _ := env.repo.Run("r1")
		assert.Equal(t, models.Stats{TotalJobs: 1}, run.Stats, "attempt %d must not be counted", attempt)
		assert.Equal(t, models.RunRunning, run.Status)

		status, _ := env.repo.TaskStatus(tasks[0].ID)
		assert.Equal(t, task.RetryingStatus, status)
	}

	w.processTask(ctx, env.dequeueNext(t))

	assert.EqualValues(t, 3, calls.Load())

	run, _ := env.repo.Run("r1")
	assert.Equal(t, models.Stats{TotalJobs: 1, CompletedJobs: 1, ErrorCount: 1}, run.Stats)
	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, 1, env.repo.AppliedOutcomeCount("r1"))

	errs := env.repo.LogsFor("r1", models.LevelError)
	require.Len(t, errs, 3)
	assert.Contains(t, errs[2].Message, "attempt 3/3")
	assert.Contains(t, errs[2].Message, "peer flood")

	execs := env.repo.ExecutionsFor(tasks[0].ID)
	require.Len(t, execs, 3)
	assert.Equal(t, 3, execs[2].AttemptNumber)

	status, _ := env.repo.TaskStatus(tasks[0].ID)
	assert.Equal(t, task.FailedStatus, status)

	depth, err := env.q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth.Pending+depth.InFlight)
}

func TestProcessTask_SameAccountContention(t *testing.T) {
	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	env := setupTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		_, _ = w.Write([]byte(`{"success":true}`))
	})
	tasks := env.seedRun(t, "r1", "@a", "@b")
	ctx := context.Background()

	first := env.dequeueNext(t)
	second := env.dequeueNext(t)
	require.Equal(t, tasks[0].ID, first.ID)
	require.Equal(t, tasks[1].ID, second.ID)

	w1 := env.newWorker("w1")
	w2 := env.newWorker("w2")

	done := make(chan struct{})
	go func() {
		defer close(done)
		w1.processTask(ctx, first)
	}()
	<-entered

	w2.processTask(ctx, second)

	assert.True(t, env.mr.Exists(lock.Key("s1")), "first worker still holds the lock")
	status, _ := env.repo.TaskStatus(second.ID)
	assert.Equal(t, task.RetryingStatus, status)
	errs := env.repo.LogsFor("r1", models.LevelError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "busy")

	close(release)
	<-done
	assert.False(t, env.mr.Exists(lock.Key("s1")), "lock released by its owner")

	retried := env.dequeueNext(t)
	assert.Equal(t, second.ID, retried.ID)
	assert.Equal(t, 1, retried.Attempts)
	w2.processTask(ctx, retried)

	run, _ := env.repo.Run("r1")
	assert.Equal(t, models.Stats{TotalJobs: 2, CompletedJobs: 2, SuccessCount: 2}, run.Stats)
	assert.Equal(t, models.RunCompleted, run.Status)
	assert.EqualValues(t, 2, calls.Load())
}

func TestProcessTask_UnusableAccount(t *testing.T) {
	var calls atomic.Int32
	env := setupTestEnv(t, okHandler(&calls))
	env.repo.AddAccount("p1", models.Account{ID: "s1", Credential: "blob", Active: false})
	env.seedRun(t, "r1", "@a")

	env.newWorker("w1").processTask(context.Background(), env.dequeueNext(t))

	assert.Zero(t, calls.Load())
	assert.False(t, env.mr.Exists(lock.Key("s1")))
	errs := env.repo.LogsFor("r1", models.LevelError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "inactive")
}

func TestProcessTask_PersistenceFailureDoesNotBlock(t *testing.T) {
	var calls atomic.Int32
	env := setupTestEnv(t, okHandler(&calls))
	env.seedRun(t, "r1", "@a")
	env.repo.AppendLogError = fmt.Errorf("disk full")
	env.repo.LogExecutionError = fmt.Errorf("disk full")

	env.newWorker("w1").processTask(context.Background(), env.dequeueNext(t))

	run, _ := env.repo.Run("r1")
	assert.Equal(t, 1, run.Stats.SuccessCount)
	assert.Equal(t, models.RunCompleted, run.Status)
}

func TestFailureReason(t *testing.T) {
	assert.Equal(t, "lock_busy", failureReason(fmt.Errorf("x: %w", lock.ErrBusy)))
	assert.Equal(t, "gateway", failureReason(&gateway.SendError{StatusCode: 500}))
	assert.Equal(t, "account", failureReason(fmt.Errorf("x: %w", ErrAccountUnusable)))
	assert.Equal(t, "internal", failureReason(fmt.Errorf("boom")))
}

func TestPool_DrainsRun(t *testing.T) {
	var calls atomic.Int32
	env := setupTestEnv(t, okHandler(&calls))
	env.seedRun(t, "r1", "@a", "@b", "@c")

	pool := NewPool("test", 3, env.deps, Config{PollInterval: 5 * time.Millisecond}, zerolog.Nop())
	assert.Equal(t, 3, pool.Size())

	pool.Start(context.Background())
	pool.Start(context.Background())

	require.Eventually(t, func() bool {
		run, _ := env.repo.Run("r1")
		return run.Status == models.RunCompleted
	}, 5*time.Second, 10*time.Millisecond)

	pool.Stop()
	pool.Stop()

	run, _ := env.repo.Run("r1")
	assert.Equal(t, 3, run.Stats.CompletedJobs)
	assert.Equal(t, run.Stats.CompletedJobs, run.Stats.SuccessCount+run.Stats.ErrorCount)
	assert.Equal(t, 3, env.repo.AppliedOutcomeCount("r1"))
}
