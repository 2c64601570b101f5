package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nadmax/relayq/internal/queue"
	"github.com/nadmax/relayq/internal/repository/mocks"
	"github.com/nadmax/relayq/internal/repository/models"
	"github.com/nadmax/relayq/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingRuns struct{}

func (failingRuns) CountRunsByStatus(ctx context.Context) ([]models.RunCount, error) {
	return nil, errors.New("database unavailable")
}

func setupTestDashboard(t *testing.T) (*Dashboard, *queue.Queue, *mocks.Repository, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	q, err := queue.NewQueue(queue.Options{Addr: mr.Addr()})
	require.NoError(t, err)

	repo := mocks.NewRepository()

	t.Cleanup(func() {
		_ = q.Close()
		mr.Close()
	})

	return NewDashboard(q, repo), q, repo, mr
}

func newTask(kind task.MessageKind, delay time.Duration) *task.Task {
	tsk := task.NewTask("run-1", "project-1", "account-1", "@dest", kind)
	tsk.DelayMs = delay.Milliseconds()
	return tsk
}

func TestNewDashboard(t *testing.T) {
	dash, _, _, _ := setupTestDashboard(t)

	assert.NotNil(t, dash)
	assert.NotNil(t, dash.queue)
	assert.NotNil(t, dash.runs)
}

func TestGetStats_Empty(t *testing.T) {
	dash, _, _, _ := setupTestDashboard(t)

	req := httptest.NewRequest("GET", "/api/dashboard/stats", nil)
	w := httptest.NewRecorder()

	dash.GetStats(w, req)

	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var stats Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))

	assert.Zero(t, stats.Depth.Pending)
	assert.Zero(t, stats.Depth.InFlight)
	assert.Empty(t, stats.TasksByStatus)
	assert.Empty(t, stats.RunsByStatus)
	assert.Equal(t, "N/A", stats.AverageWaitTime)
	assert.NotZero(t, stats.LastUpdated)
}

func TestGetStats_WithTasksAndRuns(t *testing.T) {
	dash, q, repo, _ := setupTestDashboard(t)
	ctx := context.Background()

	require.NoError(t, q.Submit(ctx,
		newTask(task.TextMessage, 0),
		newTask(task.PhotoMessage, 0),
		newTask(task.TextMessage, time.Hour),
	))

	leased, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, leased)

	repo.AddProject("project-1")
	require.NoError(t, repo.CreateRun(ctx, &models.Run{ID: "run-1", ProjectID: "project-1", Status: models.RunRunning}, nil))
	require.NoError(t, repo.CreateRun(ctx, &models.Run{ID: "run-2", ProjectID: "project-1", Status: models.RunCompleted}, nil))

	req := httptest.NewRequest("GET", "/api/dashboard/stats", nil)
	w := httptest.NewRecorder()

	dash.GetStats(w, req)

	require.Equal(t, 200, w.Code)

	var stats Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))

	assert.Equal(t, int64(2), stats.Depth.Pending)
	assert.Equal(t, int64(1), stats.Depth.InFlight)
	assert.Equal(t, 2, stats.TasksByStatus[task.PendingStatus])
	assert.Equal(t, 1, stats.TasksByStatus[task.RunningStatus])
	assert.Equal(t, 2, stats.TasksByKind[task.TextMessage])
	assert.Equal(t, 1, stats.TasksByKind[task.PhotoMessage])
	assert.Equal(t, 1, stats.RunsByStatus[models.RunRunning])
	assert.Equal(t, 1, stats.RunsByStatus[models.RunCompleted])
	assert.NotEqual(t, "N/A", stats.AverageWaitTime)
}

func TestGetStats_RunCountFailure(t *testing.T) {
	_, q, _, _ := setupTestDashboard(t)
	dash := NewDashboard(q, failingRuns{})

	req := httptest.NewRequest("GET", "/api/dashboard/stats", nil)
	w := httptest.NewRecorder()

	dash.GetStats(w, req)

	assert.Equal(t, 500, w.Code)
	assert.NotContains(t, w.Body.String(), "database unavailable")
	assert.JSONEq(t, `{"error":"internal server error"}`, w.Body.String())
}

func TestGetStats_RedisDown(t *testing.T) {
	dash, _, _, mr := setupTestDashboard(t)
	mr.Close()

	req := httptest.NewRequest("GET", "/api/dashboard/stats", nil)
	w := httptest.NewRecorder()

	dash.GetStats(w, req)

	assert.Equal(t, 500, w.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, w.Body.String())
}

func TestGetQueuedTasks_RedisDown(t *testing.T) {
	dash, _, _, mr := setupTestDashboard(t)
	mr.Close()

	req := httptest.NewRequest("GET", "/api/dashboard/tasks", nil)
	w := httptest.NewRecorder()

	dash.GetQueuedTasks(w, req)

	assert.Equal(t, 500, w.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, w.Body.String())
}

func TestGetQueuedTasks_OrderedBySchedule(t *testing.T) {
	dash, q, _, _ := setupTestDashboard(t)
	ctx := context.Background()

	late := newTask(task.VideoMessage, 2*time.Minute)
	early := newTask(task.TextMessage, 0)
	middle := newTask(task.PhotoMessage, time.Minute)
	require.NoError(t, q.Submit(ctx, late, early, middle))

	req := httptest.NewRequest("GET", "/api/dashboard/tasks", nil)
	w := httptest.NewRecorder()

	dash.GetQueuedTasks(w, req)

	require.Equal(t, 200, w.Code)

	var queued []QueuedTask
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &queued))
	require.Len(t, queued, 3)

	assert.Equal(t, early.ID, queued[0].TaskID)
	assert.Equal(t, middle.ID, queued[1].TaskID)
	assert.Equal(t, late.ID, queued[2].TaskID)
	assert.Equal(t, "run-1", queued[0].RunID)
	assert.Equal(t, task.PendingStatus, queued[0].Status)
}

func TestGetQueuedTasks_Empty(t *testing.T) {
	dash, _, _, _ := setupTestDashboard(t)

	req := httptest.NewRequest("GET", "/api/dashboard/tasks", nil)
	w := httptest.NewRecorder()

	dash.GetQueuedTasks(w, req)

	assert.Equal(t, 200, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}
