// Package dashboard serves the monitoring view of the dispatch queue and run history.
package dashboard

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/nadmax/relayq/internal/httputil"
	"github.com/nadmax/relayq/internal/queue"
	"github.com/nadmax/relayq/internal/repository/models"
	"github.com/nadmax/relayq/internal/task"
	"github.com/rs/zerolog/log"
)

type QueueReader interface {
	GetAllTasks(ctx context.Context) ([]*task.Task, error)
	Depth(ctx context.Context) (queue.Depth, error)
}

type RunCounter interface {
	CountRunsByStatus(ctx context.Context) ([]models.RunCount, error)
}

type Dashboard struct {
	queue QueueReader
	runs  RunCounter
}

type Stats struct {
	Depth           queue.Depth              `json:"depth"`
	TasksByStatus   map[task.TaskStatus]int  `json:"tasks_by_status"`
	TasksByKind     map[task.MessageKind]int `json:"tasks_by_kind"`
	RunsByStatus    map[models.RunStatus]int `json:"runs_by_status"`
	AverageWaitTime string                   `json:"average_wait_time"`
	LastUpdated     time.Time                `json:"last_updated"`
}

type QueuedTask struct {
	TaskID        string           `json:"task_id"`
	RunID         string           `json:"run_id"`
	DestinationID string           `json:"destination_id"`
	Kind          task.MessageKind `json:"kind"`
	Status        task.TaskStatus  `json:"status"`
	Attempts      int              `json:"attempts"`
	ScheduledAt   time.Time        `json:"scheduled_at"`
	LastError     string           `json:"last_error,omitempty"`
}

func NewDashboard(q QueueReader, runs RunCounter) *Dashboard {
	return &Dashboard{queue: q, runs: runs}
}

func (d *Dashboard) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tasks, err := d.queue.GetAllTasks(ctx)
	if err != nil {
		writeInternalError(w, err)
		return
	}

	depth, err := d.queue.Depth(ctx)
	if err != nil {
		writeInternalError(w, err)
		return
	}

	counts, err := d.runs.CountRunsByStatus(ctx)
	if err != nil {
		writeInternalError(w, err)
		return
	}

	stats := Stats{
		Depth:         depth,
		TasksByStatus: make(map[task.TaskStatus]int),
		TasksByKind:   make(map[task.MessageKind]int),
		RunsByStatus:  make(map[models.RunStatus]int),
		LastUpdated:   time.Now(),
	}

	var totalWaitTime time.Duration
	waitCount := 0

	for _, t := range tasks {
		stats.TasksByStatus[t.Status]++
		stats.TasksByKind[t.MessageKind]++

		if t.StartedAt != nil {
			totalWaitTime += t.StartedAt.Sub(t.ScheduledAt)
			waitCount++
		}
	}

	for _, c := range counts {
		stats.RunsByStatus[c.Status] = c.Count
	}

	if waitCount > 0 {
		avgWait := totalWaitTime / time.Duration(waitCount)
		stats.AverageWaitTime = avgWait.Round(time.Millisecond).String()
	} else {
		stats.AverageWaitTime = "N/A"
	}

	httputil.WriteJSON(w, http.StatusOK, stats)
}

// GetQueuedTasks lists the tasks still held by the queue, earliest scheduled first.
func (d *Dashboard) GetQueuedTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := d.queue.GetAllTasks(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].ScheduledAt.Equal(tasks[j].ScheduledAt) {
			return tasks[i].Seq < tasks[j].Seq
		}
		return tasks[i].ScheduledAt.Before(tasks[j].ScheduledAt)
	})

	queued := make([]QueuedTask, 0, len(tasks))
	for _, t := range tasks {
		queued = append(queued, QueuedTask{
			TaskID:        t.ID,
			RunID:         t.RunID,
			DestinationID: t.DestinationID,
			Kind:          t.MessageKind,
			Status:        t.Status,
			Attempts:      t.Attempts,
			ScheduledAt:   t.ScheduledAt,
			LastError:     t.LastError,
		})
	}

	httputil.WriteJSON(w, http.StatusOK, queued)
}

func writeInternalError(w http.ResponseWriter, err error) {
	log.Error().Err(err).Str("component", "dashboard").Msg("dashboard query failed")
	httputil.WriteJSONError(w, "internal server error", http.StatusInternalServerError)
}
