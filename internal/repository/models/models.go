// Package models contains data structures used by the repository layer.
package models

import (
	"time"

	"github.com/nadmax/relayq/internal/task"
)

type (
	ProjectStatus string
	RunStatus     string
	LogLevel      string
)

const (
	ProjectStopped ProjectStatus = "stopped"
	ProjectRunning ProjectStatus = "running"
	ProjectPaused  ProjectStatus = "paused"
	ProjectFailed  ProjectStatus = "failed"
)

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunStopped   RunStatus = "stopped"
)

const (
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

type Project struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Status    ProjectStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Target is a destination channel of a project, in the project's stored order.
type Target struct {
	ChannelID string `json:"channel_id"`
	ChatID    string `json:"chat_id"`
}

// Account is a pre-authenticated sending account (a session).
type Account struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Credential string     `json:"-"`
	Active     bool       `json:"is_active"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

func (a Account) Usable() bool {
	return a.Active && a.Credential != ""
}

// Message is a project message joined with the file it references.
type Message struct {
	ID         string           `json:"id"`
	Kind       task.MessageKind `json:"message_type"`
	ContentRef string           `json:"content_ref"`
	Caption    string           `json:"caption,omitempty"`
	FilePath   string           `json:"file_path,omitempty"`
}

type Stats struct {
	TotalJobs     int `json:"total_jobs"`
	CompletedJobs int `json:"completed_jobs"`
	SuccessCount  int `json:"success_count"`
	ErrorCount    int `json:"error_count"`
}

// Done reports whether every job of a non-empty run reached a terminal state.
func (s Stats) Done() bool {
	return s.TotalJobs > 0 && s.CompletedJobs >= s.TotalJobs
}

type Run struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	StartedBy string    `json:"started_by,omitempty"`
	Status    RunStatus `json:"status"`
	Stats     Stats     `json:"stats"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type LogEntry struct {
	RunID     string    `json:"run_id,omitempty"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Execution is one attempt of one task.
type Execution struct {
	TaskID        string
	RunID         string
	AttemptNumber int
	Status        string
	DurationMs    int
	ErrorMsg      string
	WorkerID      string
}

type RunCount struct {
	Status RunStatus `json:"status"`
	Count  int       `json:"count"`
}
