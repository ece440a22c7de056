package sqlitequeue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/dmitrymomot/queuekit/pkg/queue"
)

const schema = `
CREATE TABLE IF NOT EXISTS queue_jobs (
	id TEXT PRIMARY KEY,
	queue TEXT NOT NULL,
	key TEXT,
	data TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	priority INTEGER NOT NULL DEFAULT 0,
	scheduled_for INTEGER NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	next_retry_at INTEGER,
	backoff_ms INTEGER NOT NULL DEFAULT 0,
	backoff_type TEXT NOT NULL DEFAULT 'exponential',
	locked_by TEXT,
	locked_at INTEGER,
	expires_at INTEGER,
	lock_token TEXT,
	error_message TEXT,
	error_details TEXT,
	completed_at INTEGER,
	stages TEXT,
	current_stage TEXT,
	overall_progress REAL NOT NULL DEFAULT 0,
	metadata TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_jobs_active_key
	ON queue_jobs (queue, key)
	WHERE key IS NOT NULL AND status IN ('pending', 'processing', 'retry_pending');

CREATE INDEX IF NOT EXISTS idx_queue_jobs_claim
	ON queue_jobs (queue, status, priority DESC, created_at ASC);

CREATE INDEX IF NOT EXISTS idx_queue_jobs_expiry
	ON queue_jobs (queue, expires_at)
	WHERE status = 'processing';

CREATE TABLE IF NOT EXISTS queue_schedules (
	key TEXT PRIMARY KEY,
	queue TEXT NOT NULL,
	cron TEXT NOT NULL,
	data TEXT,
	enabled INTEGER NOT NULL DEFAULT 1,
	last_run_at INTEGER,
	next_run_at INTEGER,
	run_limit INTEGER NOT NULL DEFAULT 0,
	run_count INTEGER NOT NULL DEFAULT 0,
	end_date INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_queue_schedules_due
	ON queue_schedules (next_run_at)
	WHERE enabled = 1;
`

const jobColumns = `id, queue, key, data, status, priority, scheduled_for,
	attempts, max_attempts, next_retry_at, backoff_ms, backoff_type,
	locked_by, locked_at, expires_at, lock_token, error_message,
	error_details, completed_at, stages, current_stage, overall_progress,
	metadata, created_at, updated_at`

const scheduleColumns = `key, queue, cron, data, enabled, last_run_at,
	next_run_at, run_limit, run_count, end_date, created_at, updated_at`

// Driver implements queue.Driver on SQLite
type Driver struct {
	db *sql.DB
}

// Open creates or opens the database file, applies the schema, and returns
// a ready driver. The parent directory is created if missing.
func Open(dbPath string) (*Driver, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection serializes all writers; WAL keeps readers cheap
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply queue schema: %w", err)
	}

	return &Driver{db: db}, nil
}

// Capabilities implements queue.Driver
func (d *Driver) Capabilities() queue.Capabilities {
	return queue.Capabilities{
		LinearBackoff:     true,
		RetryStateVisible: true,
		NativeNotify:      false,
	}
}

// Close implements queue.Driver
func (d *Driver) Close() error {
	return d.db.Close()
}

// Healthcheck reports whether the database file is still reachable
func (d *Driver) Healthcheck(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Enqueue implements queue.Driver
func (d *Driver) Enqueue(ctx context.Context, job *queue.Job, policy queue.ReplacePolicy) (*queue.Job, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	var stored *queue.Job

	if job.Key != "" {
		existing, err := scanJob(tx.QueryRowContext(ctx, `
			SELECT `+jobColumns+`
			FROM queue_jobs
			WHERE queue = ? AND key = ? AND status IN ('pending', 'processing', 'retry_pending')`,
			job.Queue, job.Key))
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		if existing != nil {
			if existing.Status == queue.StatusProcessing && !existing.LeaseExpired(now) && policy == queue.ReplaceIfNotActive {
				return nil, &queue.JobAlreadyActiveError{Queue: job.Queue, Key: job.Key}
			}
			stored, err = scanJob(tx.QueryRowContext(ctx, `
				UPDATE queue_jobs SET
					data = ?, priority = ?, scheduled_for = ?,
					max_attempts = ?, backoff_ms = ?, backoff_type = ?,
					stages = ?, metadata = ?,
					status = 'pending', attempts = 0, next_retry_at = NULL,
					locked_by = NULL, locked_at = NULL, expires_at = NULL, lock_token = NULL,
					error_message = NULL, error_details = NULL, updated_at = ?
				WHERE id = ?
				RETURNING `+jobColumns,
				rawText(job.Data), job.Priority, ms(job.ScheduledFor),
				job.MaxAttempts, job.Backoff, job.BackoffType,
				stagesText(job.Stages), rawText(job.Metadata), ms(now),
				existing.ID.String()))
			if err != nil {
				return nil, err
			}
		}
	}

	if stored == nil {
		stored, err = scanJob(tx.QueryRowContext(ctx, `
			INSERT INTO queue_jobs (
				id, queue, key, data, status, priority, scheduled_for,
				attempts, max_attempts, backoff_ms, backoff_type, stages,
				metadata, created_at, updated_at
			) VALUES (?, ?, NULLIF(?, ''), ?, 'pending', ?, ?, 0, ?, ?, ?, ?, ?, ?, ?)
			RETURNING `+jobColumns,
			job.ID.String(), job.Queue, job.Key, rawText(job.Data),
			job.Priority, ms(job.ScheduledFor), job.MaxAttempts,
			job.Backoff, job.BackoffType, stagesText(job.Stages),
			rawText(job.Metadata), ms(now), ms(now)))
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return stored, nil
}

// GetJob implements queue.Driver
func (d *Driver) GetJob(ctx context.Context, idOrKey string) (*queue.Job, error) {
	var row *sql.Row
	if _, err := uuid.Parse(idOrKey); err == nil {
		row = d.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM queue_jobs WHERE id = ?`, idOrKey)
	} else {
		row = d.db.QueryRowContext(ctx, `
			SELECT `+jobColumns+`
			FROM queue_jobs
			WHERE key = ?
			ORDER BY (status IN ('completed', 'failed')) ASC, created_at DESC
			LIMIT 1`, idOrKey)
	}

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// Stats implements queue.Driver
func (d *Driver) Stats(ctx context.Context, queueName string) (queue.Stats, error) {
	stats := queue.Stats{Queue: queueName}

	rows, err := d.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM queue_jobs WHERE queue = ? GROUP BY status`, queueName)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return stats, err
		}
		switch queue.Status(status) {
		case queue.StatusPending:
			stats.Pending = count
		case queue.StatusProcessing:
			stats.Processing = count
		case queue.StatusCompleted:
			stats.Completed = count
		case queue.StatusFailed:
			stats.Failed = count
		case queue.StatusRetryPending:
			stats.RetryPending = count
		}
	}
	return stats, rows.Err()
}

// Claim implements queue.Driver. The single-connection pool makes the
// claim race-free without explicit row locks; the nested SELECT picks the
// winner inside the same statement that locks it.
func (d *Driver) Claim(ctx context.Context, queueName string, workerID uuid.UUID, lockFor time.Duration) (*queue.Job, error) {
	now := time.Now().UTC()

	// Expired jobs with no attempts left are terminal, not reclaimable
	if _, err := d.db.ExecContext(ctx, `
		UPDATE queue_jobs SET
			status = 'failed',
			error_message = COALESCE(error_message, 'lease expired with no attempts left'),
			locked_by = NULL, locked_at = NULL, expires_at = NULL, lock_token = NULL,
			updated_at = ?
		WHERE queue = ? AND status = 'processing' AND expires_at < ? AND attempts >= max_attempts`,
		ms(now), queueName, ms(now)); err != nil {
		return nil, err
	}

	claim := func(selectSQL string, selArgs ...any) (*queue.Job, error) {
		args := append([]any{
			workerID.String(), ms(now), ms(now.Add(lockFor)), uuid.NewString(), ms(now),
		}, selArgs...)
		return scanJob(d.db.QueryRowContext(ctx, `
			UPDATE queue_jobs SET
				status = 'processing',
				attempts = attempts + 1,
				locked_by = ?,
				locked_at = ?,
				expires_at = ?,
				lock_token = ?,
				updated_at = ?
			WHERE id = (`+selectSQL+`)
			RETURNING `+jobColumns, args...))
	}

	// Expired-lease recovery first, then fresh eligible work
	job, err := claim(`
		SELECT id FROM queue_jobs
		WHERE queue = ? AND status = 'processing' AND expires_at < ? AND attempts < max_attempts
		ORDER BY priority DESC, created_at ASC
		LIMIT 1`, queueName, ms(now))
	if errors.Is(err, sql.ErrNoRows) {
		job, err = claim(`
			SELECT id FROM queue_jobs
			WHERE queue = ? AND (
				(status = 'pending' AND scheduled_for <= ?)
				OR (status = 'retry_pending' AND next_retry_at <= ?)
			)
			ORDER BY priority DESC, created_at ASC
			LIMIT 1`, queueName, ms(now), ms(now))
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, queue.ErrNoJobToClaim
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ExtendLease implements queue.Driver
func (d *Driver) ExtendLease(ctx context.Context, jobID, lockToken uuid.UUID, lockFor time.Duration) error {
	now := time.Now().UTC()
	return d.fencedExec(ctx, jobID, lockToken, `
		UPDATE queue_jobs SET expires_at = ?, updated_at = ?
		WHERE id = ? AND lock_token = ? AND status = 'processing'`,
		ms(now.Add(lockFor)), ms(now))
}

// Complete implements queue.Driver
func (d *Driver) Complete(ctx context.Context, jobID, lockToken uuid.UUID) error {
	now := ms(time.Now().UTC())
	return d.fencedExec(ctx, jobID, lockToken, `
		UPDATE queue_jobs SET
			status = 'completed', completed_at = ?, overall_progress = 100,
			locked_by = NULL, locked_at = NULL, expires_at = NULL, lock_token = NULL,
			updated_at = ?
		WHERE id = ? AND lock_token = ? AND status = 'processing'`, now, now)
}

// Retry implements queue.Driver
func (d *Driver) Retry(ctx context.Context, jobID, lockToken uuid.UUID, errMsg string, nextRetryAt time.Time) error {
	return d.fencedExec(ctx, jobID, lockToken, `
		UPDATE queue_jobs SET
			status = 'retry_pending', next_retry_at = ?, error_message = ?,
			locked_by = NULL, locked_at = NULL, expires_at = NULL, lock_token = NULL,
			updated_at = ?
		WHERE id = ? AND lock_token = ? AND status = 'processing'`,
		ms(nextRetryAt), errMsg, ms(time.Now().UTC()))
}

// Release implements queue.Driver
func (d *Driver) Release(ctx context.Context, jobID, lockToken uuid.UUID, delay time.Duration) error {
	now := time.Now().UTC()
	return d.fencedExec(ctx, jobID, lockToken, `
		UPDATE queue_jobs SET
			status = 'pending', scheduled_for = ?,
			attempts = MAX(attempts - 1, 0),
			locked_by = NULL, locked_at = NULL, expires_at = NULL, lock_token = NULL,
			updated_at = ?
		WHERE id = ? AND lock_token = ? AND status = 'processing'`,
		ms(now.Add(delay)), ms(now))
}

// Fail implements queue.Driver
func (d *Driver) Fail(ctx context.Context, jobID, lockToken uuid.UUID, errMsg string, details json.RawMessage) error {
	return d.fencedExec(ctx, jobID, lockToken, `
		UPDATE queue_jobs SET
			status = 'failed', error_message = ?, error_details = ?,
			locked_by = NULL, locked_at = NULL, expires_at = NULL, lock_token = NULL,
			updated_at = ?
		WHERE id = ? AND lock_token = ? AND status = 'processing'`,
		errMsg, rawText(details), ms(time.Now().UTC()))
}

func (d *Driver) fencedExec(ctx context.Context, jobID, lockToken uuid.UUID, sqlStmt string, args ...any) error {
	res, err := d.db.ExecContext(ctx, sqlStmt, append(args, jobID.String(), lockToken.String())...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n > 0 {
		return nil
	}

	var exists bool
	if err := d.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM queue_jobs WHERE id = ?)`, jobID.String()).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return queue.ErrJobNotFound
	}
	return queue.ErrStaleClaim
}

// NextScheduledAt implements queue.Driver
func (d *Driver) NextScheduledAt(ctx context.Context, queueName string) (*time.Time, error) {
	now := ms(time.Now().UTC())

	var due sql.NullInt64
	err := d.db.QueryRowContext(ctx, `
		SELECT MIN(due) FROM (
			SELECT MIN(scheduled_for) AS due FROM queue_jobs
				WHERE queue = ?1 AND status = 'pending' AND scheduled_for > ?2
			UNION ALL
			SELECT MIN(next_retry_at) FROM queue_jobs
				WHERE queue = ?1 AND status = 'retry_pending' AND next_retry_at > ?2
			UNION ALL
			SELECT MIN(next_run_at) FROM queue_schedules
				WHERE queue = ?1 AND enabled = 1 AND next_run_at > ?2
		)`, queueName, now).Scan(&due)
	if err != nil {
		return nil, err
	}
	if !due.Valid {
		return nil, nil
	}
	t := fromMS(due.Int64)
	return &t, nil
}

// UpsertSchedule implements queue.Driver
func (d *Driver) UpsertSchedule(ctx context.Context, s *queue.Schedule) error {
	now := ms(time.Now().UTC())
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO queue_schedules (key, queue, cron, data, enabled, next_run_at, run_limit, end_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			queue = excluded.queue, cron = excluded.cron, data = excluded.data,
			enabled = excluded.enabled, next_run_at = excluded.next_run_at,
			run_limit = excluded.run_limit, end_date = excluded.end_date,
			last_run_at = NULL, run_count = 0, updated_at = excluded.updated_at`,
		s.Key, s.Queue, s.Cron, rawText(s.Data), s.Enabled,
		msPtr(s.NextRunAt), s.RunLimit, msPtr(s.EndDate), now, now)
	return err
}

// GetSchedule implements queue.Driver
func (d *Driver) GetSchedule(ctx context.Context, key string) (*queue.Schedule, error) {
	s, err := scanSchedule(d.db.QueryRowContext(ctx, `
		SELECT `+scheduleColumns+` FROM queue_schedules WHERE key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// ListSchedules implements queue.Driver
func (d *Driver) ListSchedules(ctx context.Context, queueName string) ([]queue.Schedule, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+` FROM queue_schedules
		WHERE ?1 = '' OR queue = ?1
		ORDER BY key`, queueName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// RemoveSchedule implements queue.Driver
func (d *Driver) RemoveSchedule(ctx context.Context, key string) (bool, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM queue_schedules WHERE key = ?`, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetScheduleEnabled implements queue.Driver
func (d *Driver) SetScheduleEnabled(ctx context.Context, key string, enabled bool) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE queue_schedules SET enabled = ?, updated_at = ? WHERE key = ?`,
		enabled, ms(time.Now().UTC()), key)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return queue.ErrScheduleNotFound
	}
	return nil
}

// DueSchedules implements queue.Driver
func (d *Driver) DueSchedules(ctx context.Context, now time.Time) ([]queue.Schedule, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+` FROM queue_schedules
		WHERE enabled = 1 AND next_run_at <= ?
		ORDER BY key`, ms(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// UpdateScheduleRun implements queue.Driver
func (d *Driver) UpdateScheduleRun(ctx context.Context, key string, lastRunAt time.Time, nextRunAt *time.Time, disable bool) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE queue_schedules SET
			run_count = run_count + 1,
			last_run_at = ?,
			next_run_at = ?,
			enabled = enabled AND NOT ?,
			updated_at = ?
		WHERE key = ?`,
		ms(lastRunAt), msPtr(nextRunAt), disable, ms(time.Now().UTC()), key)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return queue.ErrScheduleNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*queue.Job, error) {
	var (
		job                              queue.Job
		id                               string
		key, data, backoffType           sql.NullString
		lockedBy, lockToken              sql.NullString
		errMsg, errDetails               sql.NullString
		stages, currentStage, metadata   sql.NullString
		scheduledFor, created, updated   int64
		nextRetry, lockedAt, expires     sql.NullInt64
		completed                        sql.NullInt64
	)

	err := row.Scan(
		&id, &job.Queue, &key, &data, &job.Status, &job.Priority, &scheduledFor,
		&job.Attempts, &job.MaxAttempts, &nextRetry, &job.Backoff, &backoffType,
		&lockedBy, &lockedAt, &expires, &lockToken, &errMsg, &errDetails,
		&completed, &stages, &currentStage, &job.OverallProgress,
		&metadata, &created, &updated,
	)
	if err != nil {
		return nil, err
	}

	job.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("failed to parse job id: %w", err)
	}
	job.Key = key.String
	if data.Valid {
		job.Data = json.RawMessage(data.String)
	}
	job.BackoffType = queue.BackoffType(backoffType.String)
	job.ScheduledFor = fromMS(scheduledFor)
	job.NextRetryAt = timePtr(nextRetry)
	job.LockedAt = timePtr(lockedAt)
	job.ExpiresAt = timePtr(expires)
	job.CompletedAt = timePtr(completed)
	job.CreatedAt = fromMS(created)
	job.UpdatedAt = fromMS(updated)
	job.CurrentStage = currentStage.String

	if lockedBy.Valid {
		u, err := uuid.Parse(lockedBy.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse worker id: %w", err)
		}
		job.LockedBy = &u
	}
	if lockToken.Valid {
		u, err := uuid.Parse(lockToken.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse lock token: %w", err)
		}
		job.LockToken = &u
	}
	if errMsg.Valid {
		job.ErrorMessage = &errMsg.String
	}
	if errDetails.Valid {
		job.ErrorDetails = json.RawMessage(errDetails.String)
	}
	if stages.Valid && stages.String != "" {
		if err := json.Unmarshal([]byte(stages.String), &job.Stages); err != nil {
			return nil, fmt.Errorf("failed to decode job stages: %w", err)
		}
	}
	if metadata.Valid {
		job.Metadata = json.RawMessage(metadata.String)
	}
	return &job, nil
}

func scanSchedule(row rowScanner) (*queue.Schedule, error) {
	var (
		s                queue.Schedule
		data             sql.NullString
		lastRun, nextRun sql.NullInt64
		endDate          sql.NullInt64
		created, updated int64
	)

	err := row.Scan(
		&s.Key, &s.Queue, &s.Cron, &data, &s.Enabled, &lastRun,
		&nextRun, &s.RunLimit, &s.RunCount, &endDate, &created, &updated,
	)
	if err != nil {
		return nil, err
	}

	if data.Valid {
		s.Data = json.RawMessage(data.String)
	}
	s.LastRunAt = timePtr(lastRun)
	s.NextRunAt = timePtr(nextRun)
	s.EndDate = timePtr(endDate)
	s.CreatedAt = fromMS(created)
	s.UpdatedAt = fromMS(updated)
	return &s, nil
}

func collectSchedules(rows *sql.Rows) ([]queue.Schedule, error) {
	var out []queue.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMS(v.Int64)
	return &t
}

func rawText(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func stagesText(stages []string) any {
	if len(stages) == 0 {
		return nil
	}
	data, err := json.Marshal(stages)
	if err != nil {
		return nil
	}
	return string(data)
}
