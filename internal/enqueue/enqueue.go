// Package enqueue turns a project into a run: it validates the project configuration,
// resolves the message shape, persists the run and submits one delayed task per target.
package enqueue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/nadmax/relayq/internal/metrics"
	"github.com/nadmax/relayq/internal/repository"
	"github.com/nadmax/relayq/internal/repository/models"
	"github.com/nadmax/relayq/internal/task"
	"github.com/rs/zerolog"
)

const DefaultChannelDelay = 30 * time.Second

var (
	ErrNoTargets         = errors.New("project has no target with a chat id")
	ErrNoAccount         = errors.New("project has no usable account")
	ErrNoMessages        = errors.New("project has no sendable message")
	ErrUnreadableMessage = errors.New("message content could not be read")
)

// ValidationError reports a project that cannot be run. No run is persisted and no task
// is submitted when it is returned.
type ValidationError struct {
	ProjectID string
	Err       error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("project %s: %v", e.ProjectID, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

type Store interface {
	repository.ProjectReader
	CreateRun(ctx context.Context, run *models.Run, tasks []*task.Task) error
	FailRun(ctx context.Context, runID, projectID string) error
	AppendLog(ctx context.Context, runID string, level models.LogLevel, message string) error
}

type Submitter interface {
	Submit(ctx context.Context, tasks ...*task.Task) error
}

// ContentReader reads the body of a text message from file storage.
type ContentReader interface {
	ReadText(path string) (string, error)
}

type FileReader struct{}

func (FileReader) ReadText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

type Config struct {
	DefaultChannelDelay time.Duration
	MaxAttempts         int
}

type Enqueuer struct {
	store  Store
	queue  Submitter
	reader ContentReader
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

func NewEnqueuer(store Store, queue Submitter, reader ContentReader, cfg Config, logger zerolog.Logger) *Enqueuer {
	if reader == nil {
		reader = FileReader{}
	}
	if cfg.DefaultChannelDelay <= 0 {
		cfg.DefaultChannelDelay = DefaultChannelDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = task.DefaultMaxAttempts
	}

	return &Enqueuer{
		store:  store,
		queue:  queue,
		reader: reader,
		cfg:    cfg,
		logger: logger.With().Str("component", "enqueuer").Logger(),
		now:    time.Now,
	}
}

// shape is the resolved form every task of a run delivers.
type shape struct {
	kind       task.MessageKind
	contentRef string
	caption    string
}

type plan struct {
	account models.Account
	targets []models.Target
	shape   shape
	delay   time.Duration
}

// StartRun validates the project, persists a running run with total_jobs set and
// submits its tasks. Validation failures return a *ValidationError.
func (e *Enqueuer) StartRun(ctx context.Context, projectID, startedBy string) (string, int, error) {
	p, err := e.resolve(ctx, projectID)
	if err != nil {
		return "", 0, err
	}

	now := e.now()
	run := &models.Run{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		StartedBy: startedBy,
		Status:    models.RunRunning,
		Stats:     models.Stats{TotalJobs: len(p.targets)},
		CreatedAt: now,
		UpdatedAt: now,
	}

	tasks := make([]*task.Task, 0, len(p.targets))
	for i, target := range p.targets {
		t := task.NewTask(run.ID, projectID, p.account.ID, target.ChatID, p.shape.kind)
		t.ContentRef = p.shape.contentRef
		t.Caption = p.shape.caption
		t.SequenceIndex = i
		t.DelayMs = int64(i) * p.delay.Milliseconds()
		t.MaxAttempts = e.cfg.MaxAttempts
		t.CreatedAt = now
		tasks = append(tasks, t)
	}

	if err := e.store.CreateRun(ctx, run, tasks); err != nil {
		return "", 0, fmt.Errorf("failed to create run: %w", err)
	}

	logger := e.logger.With().Str("run_id", run.ID).Str("project_id", projectID).Logger()

	if err := e.queue.Submit(ctx, tasks...); err != nil {
		logger.Error().Err(err).Msg("failed to submit tasks, marking run failed")
		if ferr := e.store.FailRun(ctx, run.ID, projectID); ferr != nil {
			logger.Error().Err(ferr).Msg("failed to mark run failed")
		}
		e.appendLog(ctx, logger, run.ID, models.LevelError, fmt.Sprintf("Failed to queue jobs: %v", err))
		metrics.RecordRunTransition(string(models.RunFailed), 1)
		return "", 0, fmt.Errorf("failed to submit tasks: %w", err)
	}

	metrics.RecordTasksSubmitted(p.shape.kind, len(tasks))
	metrics.RecordRunTransition(string(models.RunRunning), 1)
	e.appendLog(ctx, logger, run.ID, models.LevelInfo,
		fmt.Sprintf("Run started with %d jobs, %s between channels", len(tasks), p.delay))

	logger.Info().
		Int("tasks", len(tasks)).
		Str("kind", string(p.shape.kind)).
		Dur("channel_delay", p.delay).
		Msg("run started")

	return run.ID, len(tasks), nil
}

// resolve reads the project configuration in order and fails on the first missing piece.
func (e *Enqueuer) resolve(ctx context.Context, projectID string) (*plan, error) {
	if _, err := e.store.GetProject(ctx, projectID); err != nil {
		return nil, fmt.Errorf("failed to load project: %w", err)
	}

	targets, err := e.store.ListTargets(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load targets: %w", err)
	}
	usable := make([]models.Target, 0, len(targets))
	for _, t := range targets {
		if t.ChatID == "" {
			e.logger.Warn().Str("project_id", projectID).Str("channel_id", t.ChannelID).
				Msg("skipping target without chat id")
			continue
		}
		usable = append(usable, t)
	}
	if len(usable) == 0 {
		return nil, &ValidationError{ProjectID: projectID, Err: ErrNoTargets}
	}

	accounts, err := e.store.ListAccounts(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	var account *models.Account
	for i := range accounts {
		if accounts[i].Usable() {
			account = &accounts[i]
			break
		}
	}
	if account == nil {
		return nil, &ValidationError{ProjectID: projectID, Err: ErrNoAccount}
	}

	messages, err := e.store.ListMessages(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	s, err := e.resolveShape(messages)
	if err != nil {
		return nil, &ValidationError{ProjectID: projectID, Err: err}
	}

	delay, ok, err := e.store.GetChannelDelay(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load delay: %w", err)
	}
	if !ok {
		delay = e.cfg.DefaultChannelDelay
	}

	return &plan{account: *account, targets: usable, shape: s, delay: delay}, nil
}

// resolveShape picks text-only, media-only or media-with-caption. When a project holds
// several messages of one kind the last one wins. The text body is read once here.
func (e *Enqueuer) resolveShape(messages []models.Message) (shape, error) {
	var text, media *models.Message
	for i := range messages {
		m := &messages[i]
		switch {
		case m.Kind == task.TextMessage:
			text = m
		case m.Kind.IsMedia():
			media = m
		}
	}

	if text == nil && media == nil {
		return shape{}, ErrNoMessages
	}

	var body string
	if text != nil {
		var err error
		body, err = e.readText(*text)
		if err != nil {
			return shape{}, err
		}
	}

	if media == nil {
		return shape{kind: task.TextMessage, contentRef: text.FilePath, caption: body}, nil
	}

	ref := media.FilePath
	if ref == "" {
		ref = media.ContentRef
	}
	if ref == "" {
		return shape{}, fmt.Errorf("%w: media message %s has no file", ErrUnreadableMessage, media.ID)
	}

	caption := media.Caption
	if text != nil {
		caption = body
	}

	return shape{kind: media.Kind, contentRef: ref, caption: caption}, nil
}

func (e *Enqueuer) readText(m models.Message) (string, error) {
	if m.FilePath == "" {
		if m.Caption != "" {
			return m.Caption, nil
		}
		return "", fmt.Errorf("%w: text message %s has no file", ErrUnreadableMessage, m.ID)
	}

	body, err := e.reader.ReadText(m.FilePath)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUnreadableMessage, m.FilePath, err)
	}

	return body, nil
}

func (e *Enqueuer) appendLog(ctx context.Context, logger zerolog.Logger, runID string, level models.LogLevel, msg string) {
	if err := e.store.AppendLog(ctx, runID, level, msg); err != nil {
		logger.Warn().Err(err).Msg("failed to append run log")
	}
}
