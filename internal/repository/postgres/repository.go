// Package postgres provides the PostgreSQL-backed implementation of the repository
// interfaces. The expected tables are listed in schema.sql.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/nadmax/relayq/internal/repository"
	"github.com/nadmax/relayq/internal/repository/models"
	"github.com/nadmax/relayq/internal/task"
	"github.com/rs/zerolog/log"
)

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(connectionString string) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresRepository{db: db}, nil
}

func NewPostgresRepositoryFromDB(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close rows")
	}
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		log.Warn().Err(err).Msg("failed to roll back")
	}
}

func (r *PostgresRepository) GetProject(ctx context.Context, projectID string) (*models.Project, error) {
	query := `
		SELECT id, COALESCE(name, ''), status, created_at, updated_at
		FROM projects
		WHERE id = $1
	`

	var p models.Project
	err := r.db.QueryRowContext(ctx, query, projectID).Scan(
		&p.ID,
		&p.Name,
		&p.Status,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", projectID, repository.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	return &p, nil
}

func (r *PostgresRepository) ListTargets(ctx context.Context, projectID string) ([]models.Target, error) {
	query := `
		SELECT pt.channel_id, COALESCE(c.chat_id, '')
		FROM project_targets pt
		LEFT JOIN channels c ON c.id = pt.channel_id
		WHERE pt.project_id = $1
		ORDER BY pt.created_at, pt.id
	`
	rows, err := r.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer closeRows(rows)

	var targets []models.Target
	for rows.Next() {
		var t models.Target
		if err := rows.Scan(&t.ChannelID, &t.ChatID); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}

	return targets, rows.Err()
}

func (r *PostgresRepository) ListAccounts(ctx context.Context, projectID string) ([]models.Account, error) {
	query := `
		SELECT s.id, COALESCE(s.name, ''), COALESCE(s.session_string, ''),
		       s.is_active, s.last_used_at
		FROM project_sessions ps
		JOIN sessions s ON s.id = ps.session_id
		WHERE ps.project_id = $1
		ORDER BY ps.created_at, ps.id
	`
	rows, err := r.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer closeRows(rows)

	var accounts []models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}

	return accounts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(s scanner) (*models.Account, error) {
	var a models.Account
	var lastUsed sql.NullTime
	if err := s.Scan(&a.ID, &a.Name, &a.Credential, &a.Active, &lastUsed); err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		a.LastUsedAt = &lastUsed.Time
	}

	return &a, nil
}

func (r *PostgresRepository) ListMessages(ctx context.Context, projectID string) ([]models.Message, error) {
	query := `
		SELECT pm.id, pm.message_type, COALESCE(pm.content_ref, ''),
		       COALESCE(pm.caption, ''), COALESCE(f.path, '')
		FROM project_messages pm
		LEFT JOIN files f ON f.id = pm.content_ref
		WHERE pm.project_id = $1
		ORDER BY pm.created_at, pm.id
	`
	rows, err := r.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer closeRows(rows)

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.Kind, &m.ContentRef, &m.Caption, &m.FilePath); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

func (r *PostgresRepository) GetChannelDelay(ctx context.Context, projectID string) (time.Duration, bool, error) {
	query := `
		SELECT delay_between_channels_ms
		FROM delays
		WHERE project_id = $1
		LIMIT 1
	`

	var delayMs sql.NullInt64
	err := r.db.QueryRowContext(ctx, query, projectID).Scan(&delayMs)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if !delayMs.Valid || delayMs.Int64 < 0 {
		return 0, false, nil
	}

	return time.Duration(delayMs.Int64) * time.Millisecond, true, nil
}

func (r *PostgresRepository) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	query := `
		SELECT id, COALESCE(name, ''), COALESCE(session_string, ''), is_active, last_used_at
		FROM sessions
		WHERE id = $1
	`

	a, err := scanAccount(r.db.QueryRowContext(ctx, query, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", accountID, repository.ErrNotFound)
	}

	return a, err
}

func (r *PostgresRepository) TouchAccount(ctx context.Context, accountID string, at time.Time) error {
	query := `UPDATE sessions SET last_used_at = $1 WHERE id = $2`
	_, err := r.db.ExecContext(ctx, query, at, accountID)

	return err
}

func (r *PostgresRepository) CreateRun(ctx context.Context, run *models.Run, tasks []*task.Task) error {
	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(tx)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO process_runs (id, project_id, started_by, status, stats, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, run.ID, run.ProjectID, run.StartedBy, run.Status, stats, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE projects SET status = 'running', updated_at = NOW() WHERE id = $1
	`, run.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to mark project running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", run.ProjectID, repository.ErrNotFound)
	}

	insertTask := `
		INSERT INTO task_history (
			task_id, run_id, project_id, account_id, destination_id,
			message_kind, sequence_index, delay_ms, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	for _, t := range tasks {
		_, err := tx.ExecContext(ctx, insertTask,
			t.ID,
			t.RunID,
			t.ProjectID,
			t.AccountID,
			t.DestinationID,
			t.MessageKind,
			t.SequenceIndex,
			t.DelayMs,
			task.PendingStatus,
			t.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to record task %s: %w", t.ID, err)
		}
	}

	return tx.Commit()
}

const runColumns = `id, project_id, COALESCE(started_by, ''), status, COALESCE(stats, '{}'), created_at, updated_at`

func scanRun(s scanner) (*models.Run, error) {
	var run models.Run
	var stats []byte
	if err := s.Scan(
		&run.ID,
		&run.ProjectID,
		&run.StartedBy,
		&run.Status,
		&stats,
		&run.CreatedAt,
		&run.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(stats, &run.Stats); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stats: %w", err)
	}

	return &run, nil
}

func (r *PostgresRepository) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM process_runs WHERE id = $1`

	run, err := scanRun(r.db.QueryRowContext(ctx, query, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, repository.ErrNotFound)
	}

	return run, err
}

func (r *PostgresRepository) LatestRun(ctx context.Context, projectID string) (*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM process_runs WHERE project_id = $1 ORDER BY created_at DESC LIMIT 1`

	run, err := scanRun(r.db.QueryRowContext(ctx, query, projectID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no run for project %s: %w", projectID, repository.ErrNotFound)
	}

	return run, err
}

// stopProjectIfIdle leaves the project alone while another of its runs is running.
const stopProjectIfIdle = `
	UPDATE projects SET status = 'stopped', updated_at = NOW()
	WHERE id = $1
	  AND NOT EXISTS (
		SELECT 1 FROM process_runs WHERE project_id = $1 AND status = 'running'
	  )
`

func (r *PostgresRepository) FailRun(ctx context.Context, runID, projectID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, `
		UPDATE process_runs SET status = 'failed', updated_at = NOW() WHERE id = $1
	`, runID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, stopProjectIfIdle, projectID); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *PostgresRepository) RecordOutcome(ctx context.Context, runID, taskID string, success bool, reason string) (models.Stats, bool, error) {
	status := task.CompletedStatus
	successInc, errorInc := 1, 0
	if !success {
		status = task.FailedStatus
		successInc, errorInc = 0, 1
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Stats{}, false, err
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, `
		UPDATE task_history
		SET status = $1,
		    completed_at = NOW(),
		    failure_reason = NULLIF($2, '')
		WHERE task_id = $3 AND status NOT IN ('completed', 'failed')
	`, status, reason, taskID)
	if err != nil {
		return models.Stats{}, false, fmt.Errorf("failed to settle task %s: %w", taskID, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		var raw []byte
		err := tx.QueryRowContext(ctx, `SELECT COALESCE(stats, '{}') FROM process_runs WHERE id = $1`, runID).Scan(&raw)
		if err != nil {
			return models.Stats{}, false, err
		}
		stats, err := decodeStats(raw)
		return stats, false, err
	}

	var raw []byte
	err = tx.QueryRowContext(ctx, `
		UPDATE process_runs
		SET stats = COALESCE(stats, '{}'::jsonb) || jsonb_build_object(
				'completed_jobs', COALESCE((stats->>'completed_jobs')::int, 0) + 1,
				'success_count', COALESCE((stats->>'success_count')::int, 0) + $1,
				'error_count', COALESCE((stats->>'error_count')::int, 0) + $2
			),
		    updated_at = NOW()
		WHERE id = $3
		RETURNING stats
	`, successInc, errorInc, runID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Stats{}, false, fmt.Errorf("run %s: %w", runID, repository.ErrNotFound)
	}
	if err != nil {
		return models.Stats{}, false, fmt.Errorf("failed to update stats: %w", err)
	}

	stats, err := decodeStats(raw)
	if err != nil {
		return models.Stats{}, false, err
	}

	return stats, true, tx.Commit()
}

func decodeStats(raw []byte) (models.Stats, error) {
	var stats models.Stats
	if err := json.Unmarshal(raw, &stats); err != nil {
		return models.Stats{}, fmt.Errorf("failed to unmarshal stats: %w", err)
	}

	return stats, nil
}

func (r *PostgresRepository) FinalizeRun(ctx context.Context, runID, projectID string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, `
		UPDATE process_runs SET status = 'completed', updated_at = NOW()
		WHERE id = $1 AND status = 'running'
	`, runID)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, stopProjectIfIdle, projectID); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}

	return true, nil
}

func (r *PostgresRepository) StopProject(ctx context.Context, projectID string) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, `
		UPDATE projects SET status = 'stopped', updated_at = NOW() WHERE id = $1
	`, projectID)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("project %s: %w", projectID, repository.ErrNotFound)
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE process_runs SET status = 'stopped', updated_at = NOW()
		WHERE project_id = $1 AND status = 'running'
	`, projectID)
	if err != nil {
		return 0, err
	}
	stopped, _ := res.RowsAffected()

	return stopped, tx.Commit()
}

func (r *PostgresRepository) CountRunsByStatus(ctx context.Context) ([]models.RunCount, error) {
	query := `
		SELECT status, COUNT(*)
		FROM process_runs
		GROUP BY status
		ORDER BY status
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer closeRows(rows)

	var counts []models.RunCount
	for rows.Next() {
		var c models.RunCount
		if err := rows.Scan(&c.Status, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}

	return counts, rows.Err()
}

func (r *PostgresRepository) AppendLog(ctx context.Context, runID string, level models.LogLevel, message string) error {
	query := `INSERT INTO logs (run_id, level, message) VALUES ($1, $2, $3)`
	_, err := r.db.ExecContext(ctx, query, runID, level, message)

	return err
}

func (r *PostgresRepository) RecentLogs(ctx context.Context, runID string, limit int) ([]models.LogEntry, error) {
	query := `
		SELECT run_id, level, message, created_at
		FROM logs
		WHERE run_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, runID, limit)
	if err != nil {
		return nil, err
	}
	defer closeRows(rows)

	entries := []models.LogEntry{}
	for rows.Next() {
		var e models.LogEntry
		if err := rows.Scan(&e.RunID, &e.Level, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func (r *PostgresRepository) UpdateTaskStatus(ctx context.Context, taskID string, status task.TaskStatus, workerID string) error {
	statusStr := string(status)
	query := `
		UPDATE task_history
		SET status = $1,
		    started_at = CASE WHEN $1::text = 'running' THEN NOW() ELSE started_at END,
		    worker_id = $2
		WHERE task_id = $3 AND status NOT IN ('completed', 'failed')
	`
	_, err := r.db.ExecContext(ctx, query, statusStr, workerID, taskID)

	return err
}

func (r *PostgresRepository) LogExecution(ctx context.Context, exec models.Execution) error {
	query := `
		INSERT INTO task_execution_log (
			task_id, attempt_number, status, completed_at,
			duration_ms, error_message, worker_id
		) VALUES ($1, $2, $3, NOW(), $4, $5, $6)
	`

	var msgErr any
	if exec.ErrorMsg != "" {
		msgErr = exec.ErrorMsg
	}

	_, err := r.db.ExecContext(
		ctx,
		query,
		exec.TaskID,
		exec.AttemptNumber,
		exec.Status,
		exec.DurationMs,
		msgErr,
		exec.WorkerID,
	)

	return err
}

func (r *PostgresRepository) DB() *sql.DB {
	return r.db
}

func (r *PostgresRepository) Close() error {
	return r.db.Close()
}
