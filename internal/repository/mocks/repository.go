// Package mocks provides an in-memory repository.Repository for tests. Every call is
// recorded and each operation can be made to fail through its *Error field.
package mocks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nadmax/relayq/internal/repository"
	"github.com/nadmax/relayq/internal/repository/models"
	"github.com/nadmax/relayq/internal/task"
)

type Repository struct {
	mu sync.Mutex

	Projects        map[string]*models.Project
	Targets         map[string][]models.Target
	Accounts        map[string]*models.Account
	ProjectAccounts map[string][]string
	Messages        map[string][]models.Message
	Delays          map[string]time.Duration
	Runs            map[string]*models.Run
	TaskStatuses    map[string]task.TaskStatus
	TaskRuns        map[string]string
	Logs            []models.LogEntry
	Executions      []models.Execution

	CreateRunCalls        []CreateRunCall
	RecordOutcomeCalls    []RecordOutcomeCall
	FinalizeRunCalls      []string
	FailRunCalls          []string
	TouchAccountCalls     []string
	UpdateTaskStatusCalls []UpdateTaskStatusCall

	GetProjectError       error
	ListTargetsError      error
	ListAccountsError     error
	ListMessagesError     error
	GetChannelDelayError  error
	GetAccountError       error
	CreateRunError        error
	RecordOutcomeError    error
	FinalizeRunError      error
	StopProjectError      error
	AppendLogError        error
	LogExecutionError     error
	UpdateTaskStatusError error
}

type CreateRunCall struct {
	Run   models.Run
	Tasks []task.Task
}

type RecordOutcomeCall struct {
	RunID   string
	TaskID  string
	Success bool
	Reason  string
	Applied bool
}

type UpdateTaskStatusCall struct {
	TaskID   string
	Status   task.TaskStatus
	WorkerID string
}

var _ repository.Repository = (*Repository)(nil)

func NewRepository() *Repository {
	return &Repository{
		Projects:        make(map[string]*models.Project),
		Targets:         make(map[string][]models.Target),
		Accounts:        make(map[string]*models.Account),
		ProjectAccounts: make(map[string][]string),
		Messages:        make(map[string][]models.Message),
		Delays:          make(map[string]time.Duration),
		Runs:            make(map[string]*models.Run),
		TaskStatuses:    make(map[string]task.TaskStatus),
		TaskRuns:        make(map[string]string),
	}
}

func (m *Repository) AddProject(projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.Projects[projectID] = &models.Project{
		ID:        projectID,
		Name:      projectID,
		Status:    models.ProjectStopped,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (m *Repository) AddTarget(projectID, channelID, chatID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Targets[projectID] = append(m.Targets[projectID], models.Target{ChannelID: channelID, ChatID: chatID})
}

func (m *Repository) AddAccount(projectID string, a models.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := a
	m.Accounts[a.ID] = &acc
	m.ProjectAccounts[projectID] = append(m.ProjectAccounts[projectID], a.ID)
}

func (m *Repository) AddMessage(projectID string, msg models.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Messages[projectID] = append(m.Messages[projectID], msg)
}

func (m *Repository) SetChannelDelay(projectID string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Delays[projectID] = d
}

func (m *Repository) GetProject(ctx context.Context, projectID string) (*models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetProjectError != nil {
		return nil, m.GetProjectError
	}

	p, ok := m.Projects[projectID]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", projectID, repository.ErrNotFound)
	}

	cp := *p
	return &cp, nil
}

func (m *Repository) ListTargets(ctx context.Context, projectID string) ([]models.Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ListTargetsError != nil {
		return nil, m.ListTargetsError
	}

	return append([]models.Target(nil), m.Targets[projectID]...), nil
}

func (m *Repository) ListAccounts(ctx context.Context, projectID string) ([]models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ListAccountsError != nil {
		return nil, m.ListAccountsError
	}

	var accounts []models.Account
	for _, id := range m.ProjectAccounts[projectID] {
		accounts = append(accounts, *m.Accounts[id])
	}

	return accounts, nil
}

func (m *Repository) ListMessages(ctx context.Context, projectID string) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ListMessagesError != nil {
		return nil, m.ListMessagesError
	}

	return append([]models.Message(nil), m.Messages[projectID]...), nil
}

func (m *Repository) GetChannelDelay(ctx context.Context, projectID string) (time.Duration, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetChannelDelayError != nil {
		return 0, false, m.GetChannelDelayError
	}

	d, ok := m.Delays[projectID]
	return d, ok, nil
}

func (m *Repository) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetAccountError != nil {
		return nil, m.GetAccountError
	}

	a, ok := m.Accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, repository.ErrNotFound)
	}

	cp := *a
	return &cp, nil
}

func (m *Repository) TouchAccount(ctx context.Context, accountID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TouchAccountCalls = append(m.TouchAccountCalls, accountID)
	if a, ok := m.Accounts[accountID]; ok {
		t := at
		a.LastUsedAt = &t
	}

	return nil
}

func (m *Repository) CreateRun(ctx context.Context, run *models.Run, tasks []*task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	call := CreateRunCall{Run: *run}
	for _, t := range tasks {
		call.Tasks = append(call.Tasks, *t)
	}
	m.CreateRunCalls = append(m.CreateRunCalls, call)

	if m.CreateRunError != nil {
		return m.CreateRunError
	}

	p, ok := m.Projects[run.ProjectID]
	if !ok {
		return fmt.Errorf("project %s: %w", run.ProjectID, repository.ErrNotFound)
	}

	cp := *run
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	m.Runs[run.ID] = &cp
	p.Status = models.ProjectRunning
	for _, t := range tasks {
		m.TaskStatuses[t.ID] = task.PendingStatus
		m.TaskRuns[t.ID] = t.RunID
	}

	return nil
}

func (m *Repository) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.Runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, repository.ErrNotFound)
	}

	cp := *r
	return &cp, nil
}

func (m *Repository) LatestRun(ctx context.Context, projectID string) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *models.Run
	for _, r := range m.Runs {
		if r.ProjectID != projectID {
			continue
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("no run for project %s: %w", projectID, repository.ErrNotFound)
	}

	cp := *latest
	return &cp, nil
}

// stopProjectIfIdle must be called with mu held.
func (m *Repository) stopProjectIfIdle(projectID string) {
	for _, r := range m.Runs {
		if r.ProjectID == projectID && r.Status == models.RunRunning {
			return
		}
	}
	if p, ok := m.Projects[projectID]; ok {
		p.Status = models.ProjectStopped
	}
}

func (m *Repository) FailRun(ctx context.Context, runID, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.FailRunCalls = append(m.FailRunCalls, runID)
	if r, ok := m.Runs[runID]; ok {
		r.Status = models.RunFailed
	}
	m.stopProjectIfIdle(projectID)

	return nil
}

func (m *Repository) RecordOutcome(ctx context.Context, runID, taskID string, success bool, reason string) (models.Stats, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	call := RecordOutcomeCall{RunID: runID, TaskID: taskID, Success: success, Reason: reason}

	if m.RecordOutcomeError != nil {
		m.RecordOutcomeCalls = append(m.RecordOutcomeCalls, call)
		return models.Stats{}, false, m.RecordOutcomeError
	}

	r, ok := m.Runs[runID]
	if !ok {
		m.RecordOutcomeCalls = append(m.RecordOutcomeCalls, call)
		return models.Stats{}, false, fmt.Errorf("run %s: %w", runID, repository.ErrNotFound)
	}

	// Unknown tasks have no history row to settle, so nothing is counted.
	status, known := m.TaskStatuses[taskID]
	if !known || status == task.CompletedStatus || status == task.FailedStatus {
		m.RecordOutcomeCalls = append(m.RecordOutcomeCalls, call)
		return r.Stats, false, nil
	}

	if success {
		m.TaskStatuses[taskID] = task.CompletedStatus
		r.Stats.SuccessCount++
	} else {
		m.TaskStatuses[taskID] = task.FailedStatus
		r.Stats.ErrorCount++
	}
	r.Stats.CompletedJobs++
	r.UpdatedAt = time.Now()

	call.Applied = true
	m.RecordOutcomeCalls = append(m.RecordOutcomeCalls, call)

	return r.Stats, true, nil
}

func (m *Repository) FinalizeRun(ctx context.Context, runID, projectID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.FinalizeRunCalls = append(m.FinalizeRunCalls, runID)

	if m.FinalizeRunError != nil {
		return false, m.FinalizeRunError
	}

	r, ok := m.Runs[runID]
	if !ok || r.Status != models.RunRunning {
		return false, nil
	}

	r.Status = models.RunCompleted
	r.UpdatedAt = time.Now()
	m.stopProjectIfIdle(projectID)

	return true, nil
}

func (m *Repository) StopProject(ctx context.Context, projectID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.StopProjectError != nil {
		return 0, m.StopProjectError
	}

	p, ok := m.Projects[projectID]
	if !ok {
		return 0, fmt.Errorf("project %s: %w", projectID, repository.ErrNotFound)
	}
	p.Status = models.ProjectStopped

	var stopped int64
	for _, r := range m.Runs {
		if r.ProjectID == projectID && r.Status == models.RunRunning {
			r.Status = models.RunStopped
			stopped++
		}
	}

	return stopped, nil
}

func (m *Repository) CountRunsByStatus(ctx context.Context) ([]models.RunCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byStatus := make(map[models.RunStatus]int)
	for _, r := range m.Runs {
		byStatus[r.Status]++
	}

	counts := make([]models.RunCount, 0, len(byStatus))
	for status, n := range byStatus {
		counts = append(counts, models.RunCount{Status: status, Count: n})
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i].Status < counts[j].Status })

	return counts, nil
}

func (m *Repository) AppendLog(ctx context.Context, runID string, level models.LogLevel, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AppendLogError != nil {
		return m.AppendLogError
	}

	m.Logs = append(m.Logs, models.LogEntry{
		RunID:     runID,
		Level:     level,
		Message:   message,
		CreatedAt: time.Now(),
	})

	return nil
}

func (m *Repository) RecentLogs(ctx context.Context, runID string, limit int) ([]models.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := []models.LogEntry{}
	for i := len(m.Logs) - 1; i >= 0 && len(entries) < limit; i-- {
		if m.Logs[i].RunID == runID {
			entries = append(entries, m.Logs[i])
		}
	}

	return entries, nil
}

func (m *Repository) UpdateTaskStatus(ctx context.Context, taskID string, status task.TaskStatus, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UpdateTaskStatusCalls = append(m.UpdateTaskStatusCalls, UpdateTaskStatusCall{
		TaskID:   taskID,
		Status:   status,
		WorkerID: workerID,
	})

	if m.UpdateTaskStatusError != nil {
		return m.UpdateTaskStatusError
	}

	current, known := m.TaskStatuses[taskID]
	if known && current != task.CompletedStatus && current != task.FailedStatus {
		m.TaskStatuses[taskID] = status
	}

	return nil
}

func (m *Repository) LogExecution(ctx context.Context, exec models.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Executions = append(m.Executions, exec)

	return m.LogExecutionError
}

func (m *Repository) Close() error {
	return nil
}

func (m *Repository) Run(runID string) (models.Run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.Runs[runID]
	if !ok {
		return models.Run{}, false
	}

	return *r, true
}

func (m *Repository) ProjectStatus(projectID string) models.ProjectStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.Projects[projectID]; ok {
		return p.Status
	}

	return ""
}

func (m *Repository) SetRunStatus(runID string, status models.RunStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.Runs[runID]; ok {
		r.Status = status
	}
}

func (m *Repository) TaskStatus(taskID string) (task.TaskStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.TaskStatuses[taskID]
	return s, ok
}

func (m *Repository) LogsFor(runID string, level models.LogLevel) []models.LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []models.LogEntry
	for _, e := range m.Logs {
		if e.RunID == runID && (level == "" || e.Level == level) {
			entries = append(entries, e)
		}
	}

	return entries
}

func (m *Repository) ExecutionsFor(taskID string) []models.Execution {
	m.mu.Lock()
	defer m.mu.Unlock()

	var execs []models.Execution
	for _, e := range m.Executions {
		if e.TaskID == taskID {
			execs = append(execs, e)
		}
	}

	return execs
}

func (m *Repository) AppliedOutcomeCount(runID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, c := range m.RecordOutcomeCalls {
		if c.RunID == runID && c.Applied {
			n++
		}
	}

	return n
}

func (m *Repository) GetFinalizeRunCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.FinalizeRunCalls)
}

func (m *Repository) GetCreateRunCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.CreateRunCalls)
}
