// Package task defines the dispatch task model shared by the queue, the workers and the
// persistence layer. A task is one delivery of one message shape to one destination.
package task

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type (
	TaskStatus  string
	MessageKind string
	Task        struct {
		ID            string      `json:"id"`
		RunID         string      `json:"run_id"`
		ProjectID     string      `json:"project_id"`
		AccountID     string      `json:"account_id"`
		DestinationID string      `json:"destination_id"`
		MessageKind   MessageKind `json:"message_kind"`
		ContentRef    string      `json:"content_ref,omitempty"`
		Caption       string      `json:"caption,omitempty"`
		SequenceIndex int         `json:"sequence_index"`
		DelayMs       int64       `json:"delay_ms"`
		Status        TaskStatus  `json:"status"`
		Attempts      int         `json:"attempts"`
		MaxAttempts   int         `json:"max_attempts"`
		Seq           int64       `json:"seq"`
		CreatedAt     time.Time   `json:"created_at"`
		ScheduledAt   time.Time   `json:"scheduled_at"`
		StartedAt     *time.Time  `json:"started_at,omitempty"`
		CompletedAt   *time.Time  `json:"completed_at,omitempty"`
		LastError     string      `json:"last_error,omitempty"`
	}
)

const (
	PendingStatus   TaskStatus = "pending"
	RunningStatus   TaskStatus = "running"
	RetryingStatus  TaskStatus = "retrying"
	CompletedStatus TaskStatus = "completed"
	FailedStatus    TaskStatus = "failed"
)

const (
	TextMessage  MessageKind = "text"
	PhotoMessage MessageKind = "photo"
	VideoMessage MessageKind = "video"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoffBase = 2 * time.Second
)

func (k MessageKind) IsMedia() bool {
	return k == PhotoMessage || k == VideoMessage
}

func (k MessageKind) Valid() bool {
	return k == TextMessage || k.IsMedia()
}

func NewTask(runID, projectID, accountID, destinationID string, kind MessageKind) *Task {
	now := time.Now()
	return &Task{
		ID:            uuid.New().String(),
		RunID:         runID,
		ProjectID:     projectID,
		AccountID:     accountID,
		DestinationID: destinationID,
		MessageKind:   kind,
		Status:        PendingStatus,
		MaxAttempts:   DefaultMaxAttempts,
		CreatedAt:     now,
		ScheduledAt:   now,
	}
}

func (t *Task) Delay() time.Duration {
	return time.Duration(t.DelayMs) * time.Millisecond
}

// Member is the sorted-set member for the task. The zero padded submission sequence
// keeps submission order for tasks sharing a score.
func (t *Task) Member() string {
	return fmt.Sprintf("%019d:%s", t.Seq, t.ID)
}

// IDFromMember returns the task ID encoded in a sorted-set member.
func IDFromMember(member string) string {
	if i := strings.IndexByte(member, ':'); i >= 0 {
		return member[i+1:]
	}

	return member
}

// AttemptsLeft reports whether a failed attempt may still be retried. Attempts is the
// number of attempts already made, including the one that just failed.
func (t *Task) AttemptsLeft() bool {
	return t.Attempts < t.MaxAttempts
}

// Backoff returns the wait before the next attempt after `attempt` failed attempts:
// base, 2×base, 4×base...
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	return base << (attempt - 1)
}

func (t *Task) ToJSON() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func TaskFromJSON(data string) (*Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, err
	}

	return &t, nil
}
