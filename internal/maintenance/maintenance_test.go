package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nadmax/relayq/internal/metrics"
	"github.com/nadmax/relayq/internal/queue"
	"github.com/nadmax/relayq/internal/task"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	recovered  int
	recoverErr error
	tasks      []*task.Task
	tasksErr   error
	depth      queue.Depth
}

func (f *fakeQueue) RecoverStalled(ctx context.Context) (int, error) {
	return f.recovered, f.recoverErr
}

func (f *fakeQueue) GetAllTasks(ctx context.Context) ([]*task.Task, error) {
	return f.tasks, f.tasksErr
}

func (f *fakeQueue) Depth(ctx context.Context) (queue.Depth, error) {
	return f.depth, nil
}

func TestRecoverStalled_RecordsMetric(t *testing.T) {
	before := testutil.ToFloat64(metrics.TasksRecovered)

	s := NewScheduler(&fakeQueue{recovered: 2}, zerolog.Nop())
	s.RecoverStalled(context.Background())

	assert.Equal(t, before+2, testutil.ToFloat64(metrics.TasksRecovered))
}

func TestRecoverStalled_ErrorLeavesMetric(t *testing.T) {
	before := testutil.ToFloat64(metrics.TasksRecovered)

	s := NewScheduler(&fakeQueue{recoverErr: errors.New("redis down")}, zerolog.Nop())
	s.RecoverStalled(context.Background())

	assert.Equal(t, before, testutil.ToFloat64(metrics.TasksRecovered))
}

func TestRefreshGauges(t *testing.T) {
	q := &fakeQueue{
		tasks: []*task.Task{
			{Status: task.PendingStatus, MessageKind: task.TextMessage},
			{Status: task.PendingStatus, MessageKind: task.TextMessage},
			{Status: task.RunningStatus, MessageKind: task.PhotoMessage},
		},
		depth: queue.Depth{Pending: 2, InFlight: 1},
	}

	s := NewScheduler(q, zerolog.Nop())
	s.RefreshGauges(context.Background())

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.TasksInQueue.WithLabelValues("pending", "text")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TasksInQueue.WithLabelValues("running", "photo")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.QueueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TasksInFlight))
}

func TestRefreshGauges_TaskListFailure(t *testing.T) {
	metrics.UpdateQueueDepth(7, 3)

	s := NewScheduler(&fakeQueue{tasksErr: errors.New("redis down")}, zerolog.Nop())
	s.RefreshGauges(context.Background())

	assert.Equal(t, 7.0, testutil.ToFloat64(metrics.QueueDepth))
}

func TestAdd_InvalidSpec(t *testing.T) {
	s := NewScheduler(&fakeQueue{}, zerolog.Nop())

	err := s.Add(context.Background(), "not a spec", "broken", func(context.Context) {})
	assert.Error(t, err)
}

func TestScheduler_RunsJobs(t *testing.T) {
	s := NewScheduler(&fakeQueue{}, zerolog.Nop())

	var calls atomic.Int32
	require.NoError(t, s.Add(context.Background(), "@every 1s", "count", func(context.Context) {
		calls.Add(1)
	}))

	s.Start()
	require.Eventually(t, func() bool { return calls.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
	s.Stop()
}
