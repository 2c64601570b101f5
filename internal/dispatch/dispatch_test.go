package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nadmax/relayq/internal/enqueue"
	"github.com/nadmax/relayq/internal/queue"
	"github.com/nadmax/relayq/internal/repository"
	"github.com/nadmax/relayq/internal/repository/mocks"
	"github.com/nadmax/relayq/internal/repository/models"
	"github.com/nadmax/relayq/internal/task"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupDispatcher(t *testing.T) (*Dispatcher, *mocks.Repository, *queue.Queue) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	q, err := queue.NewQueue(queue.Options{Addr: mr.Addr()})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = q.Close()
		mr.Close()
	})

	repo := mocks.NewRepository()
	d := NewDispatcher(Deps{Store: repo, Queue: q}, enqueue.Config{}, zerolog.Nop())

	return d, repo, q
}

func seedMediaProject(repo *mocks.Repository, targets ...string) {
	repo.AddProject("p1")
	for i, chatID := range targets {
		repo.AddTarget("p1", "c"+string(rune('1'+i)), chatID)
	}
	repo.AddAccount("p1", models.Account{ID: "s1", Credential: "blob", Active: true})
	repo.AddMessage("p1", models.Message{ID: "m1", Kind: task.PhotoMessage, ContentRef: "f1", FilePath: "/files/cat.jpg", Caption: "look"})
	repo.SetChannelDelay("p1", time.Minute)
}

func TestStartRun_SubmitsDelayedTasks(t *testing.T) {
	d, repo, q := setupDispatcher(t)
	seedMediaProject(repo, "@a", "@b")
	ctx := context.Background()

	res, err := d.StartRun(ctx, "p1", "alice")
	require.NoError(t, err)

	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, "p1", res.ProjectID)
	assert.Equal(t, models.RunRunning, res.Status)
	assert.Equal(t, 2, res.JobsCreated)

	depth, err := d.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth.Pending)
	assert.Zero(t, depth.InFlight)

	// Only the first target is due; the second waits one channel delay.
	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "@a", first.DestinationID)

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, second)

	assert.Equal(t, models.ProjectRunning, repo.ProjectStatus("p1"))
}

func TestStartRun_ValidationFailure(t *testing.T) {
	d, repo, _ := setupDispatcher(t)
	repo.AddProject("p1")

	res, err := d.StartRun(context.Background(), "p1", "alice")
	assert.Nil(t, res)
	require.Error(t, err)
	assert.True(t, enqueue.IsValidationError(err))
	assert.Zero(t, repo.GetCreateRunCallCount())
}

func TestStartRun_UnknownProject(t *testing.T) {
	d, _, _ := setupDispatcher(t)

	_, err := d.StartRun(context.Background(), "missing", "alice")
	assert.True(t, errors.Is(err, repository.ErrNotFound))
}

func TestStopProject_StopsRunningRun(t *testing.T) {
	d, repo, _ := setupDispatcher(t)
	seedMediaProject(repo, "@a")
	ctx := context.Background()

	res, err := d.StartRun(ctx, "p1", "alice")
	require.NoError(t, err)

	stopped, err := d.StopProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stopped)

	run, ok := repo.Run(res.RunID)
	require.True(t, ok)
	assert.Equal(t, models.RunStopped, run.Status)
	assert.Equal(t, models.ProjectStopped, repo.ProjectStatus("p1"))
}

func TestProjectStatus_ReturnsLatestRunAndLogs(t *testing.T) {
	d, repo, _ := setupDispatcher(t)
	seedMediaProject(repo, "@a", "@b")
	ctx := context.Background()

	res, err := d.StartRun(ctx, "p1", "alice")
	require.NoError(t, err)

	status, err := d.ProjectStatus(ctx, "p1", 0)
	require.NoError(t, err)
	require.NotNil(t, status.Run)
	assert.Equal(t, res.RunID, status.Run.ID)
	assert.Equal(t, 2, status.Run.Stats.TotalJobs)
	assert.NotEmpty(t, status.Logs)

	runStatus, err := d.RunStatus(ctx, res.RunID, 5)
	require.NoError(t, err)
	assert.Equal(t, res.RunID, runStatus.Run.ID)
}

func TestRunStatus_UnknownRun(t *testing.T) {
	d, _, _ := setupDispatcher(t)

	_, err := d.RunStatus(context.Background(), "nope", 0)
	assert.True(t, errors.Is(err, repository.ErrNotFound))
}
