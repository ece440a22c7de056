package pgqueue

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/queuekit/pkg/logger"
	"github.com/dmitrymomot/queuekit/pkg/pg"
	"github.com/dmitrymomot/queuekit/pkg/queue"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const jobColumns = `id, queue, key, data, status, priority, scheduled_for,
	attempts, max_attempts, next_retry_at, backoff_ms, backoff_type,
	locked_by, locked_at, expires_at, lock_token, error_message,
	error_details, completed_at, stages, current_stage, overall_progress,
	metadata, created_at, updated_at`

// Driver implements queue.Driver on PostgreSQL
type Driver struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	listenerOnce sync.Once
	listener     *Listener
}

// New wraps an existing connection pool. The schema must already be in
// place; use Open to connect and migrate in one step.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{pool: pool, logger: logger}
}

// Open connects to PostgreSQL with retry, applies the embedded queue schema
// migrations, and returns a ready driver.
func Open(ctx context.Context, cfg pg.Config, logger *slog.Logger) (*Driver, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := pg.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := pg.MigrateFS(ctx, pool, migrationsFS, "migrations", cfg, logger); err != nil {
		pool.Close()
		return nil, err
	}

	return New(pool, logger), nil
}

// Capabilities implements queue.Driver
func (d *Driver) Capabilities() queue.Capabilities {
	return queue.Capabilities{
		LinearBackoff:     true,
		RetryStateVisible: true,
		NativeNotify:      true,
	}
}

// Listener implements queue.Notifier, exposing LISTEN/NOTIFY wakeups
func (d *Driver) Listener() queue.Listener {
	d.listenerOnce.Do(func() {
		d.listener = newListener(d.pool, d.logger)
	})
	return d.listener
}

// Close implements queue.Driver
func (d *Driver) Close() error {
	if d.listener != nil {
		_ = d.listener.Close()
	}
	d.pool.Close()
	return nil
}

// Healthcheck reports whether the backing database still answers pings
func (d *Driver) Healthcheck(ctx context.Context) error {
	return pg.Healthcheck(d.pool)(ctx)
}

// Enqueue implements queue.Driver. Keyed enqueues lock the active row for
// the duration of the transaction so concurrent enqueues of the same key
// serialize; the partial unique index on (queue, key) catches the remaining
// insert race, which is retried once.
func (d *Driver) Enqueue(ctx context.Context, job *queue.Job, policy queue.ReplacePolicy) (*queue.Job, error) {
	stored, err := d.enqueueTx(ctx, job, policy)
	if err != nil && pg.IsDuplicateKeyError(err) {
		stored, err = d.enqueueTx(ctx, job, policy)
	}
	if err != nil {
		return nil, err
	}

	// Delivered on commit; wakes one idle worker per enqueue
	if _, nerr := d.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, stored.Queue); nerr != nil {
		d.logger.Warn("failed to notify workers about enqueued job",
			logger.Queue(stored.Queue),
			logger.Error(nerr))
	}

	return stored, nil
}

func (d *Driver) enqueueTx(ctx context.Context, job *queue.Job, policy queue.ReplacePolicy) (*queue.Job, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var stored *queue.Job

	if job.Key != "" {
		existing, err := scanJob(tx.QueryRow(ctx, `
			SELECT `+jobColumns+`
			FROM queue_jobs
			WHERE queue = $1 AND key = $2 AND status IN ('pending', 'processing', 'retry_pending')
			FOR UPDATE`, job.Queue, job.Key))
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}

		if existing != nil {
			if existing.Status == queue.StatusProcessing && !existing.LeaseExpired(time.Now()) && policy == queue.ReplaceIfNotActive {
				return nil, &queue.JobAlreadyActiveError{Queue: job.Queue, Key: job.Key}
			}
			stored, err = scanJob(tx.QueryRow(ctx, `
				UPDATE queue_jobs SET
					data = $2, priority = $3, scheduled_for = $4,
					max_attempts = $5, backoff_ms = $6, backoff_type = $7,
					stages = $8, metadata = $9,
					status = 'pending', attempts = 0, next_retry_at = NULL,
					locked_by = NULL, locked_at = NULL, expires_at = NULL, lock_token = NULL,
					error_message = NULL, error_details = NULL, updated_at = now()
				WHERE id = $1
				RETURNING `+jobColumns,
				existing.ID, job.Data, job.Priority, job.ScheduledFor,
				job.MaxAttempts, job.Backoff, job.BackoffType,
				stagesJSON(job.Stages), job.Metadata))
			if err != nil {
				return nil, err
			}
		}
	}

	if stored == nil {
		stored, err = scanJob(tx.QueryRow(ctx, `
			INSERT INTO queue_jobs (
				id, queue, key, data, status, priority, scheduled_for,
				attempts, max_attempts, backoff_ms, backoff_type, stages, metadata
			) VALUES ($1, $2, NULLIF($3, ''), $4, 'pending', $5, $6, 0, $7, $8, $9, $10, $11)
			RETURNING `+jobColumns,
			job.ID, job.Queue, job.Key, job.Data, job.Priority, job.ScheduledFor,
			job.MaxAttempts, job.Backoff, job.BackoffType, stagesJSON(job.Stages), job.Metadata))
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return stored, nil
}

// GetJob implements queue.Driver
func (d *Driver) GetJob(ctx context.Context, idOrKey string) (*queue.Job, error) {
	var row pgx.Row
	if id, err := uuid.Parse(idOrKey); err == nil {
		row = d.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM queue_jobs WHERE id = $1`, id)
	} else {
		// Prefer the live row for the key, fall back to the most recent one
		row = d.pool.QueryRow(ctx, `
			SELECT `+jobColumns+`
			FROM queue_jobs
			WHERE key = $1
			ORDER BY (status IN ('completed', 'failed')) ASC, created_at DESC
			LIMIT 1`, idOrKey)
	}

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// Stats implements queue.Driver
func (d *Driver) Stats(ctx context.Context, queueName string) (queue.Stats, error) {
	stats := queue.Stats{Queue: queueName}

	rows, err := d.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM queue_jobs WHERE queue = $1 GROUP BY status`, queueName)
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

// Claim implements queue.Driver. Expired-lease recovery jobs are offered
// before fresh pending work; SKIP LOCKED makes concurrent claimants pass
// over rows another transaction is claiming.
func (d *Driver) Claim(ctx context.Context, queueName string, workerID uuid.UUID, lockFor time.Duration) (*queue.Job, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Expired jobs with no attempts left are terminal, not reclaimable
	if _, err := tx.Exec(ctx, `
		UPDATE queue_jobs SET
			status = 'failed',
			error_message = COALESCE(error_message, 'lease expired with no attempts left'),
			locked_by = NULL, locked_at = NULL, expires_at = NULL, lock_token = NULL,
			updated_at = now()
		WHERE queue = $1 AND status = 'processing' AND expires_at < now() AND attempts >= max_attempts`,
		queueName); err != nil {
		return nil, err
	}

	var id uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT id FROM queue_jobs
		WHERE queue = $1 AND status = 'processing' AND expires_at < now() AND attempts < max_attempts
		ORDER BY priority DESC, created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1`, queueName).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		err = tx.QueryRow(ctx, `
			SELECT id FROM queue_jobs
			WHERE queue = $1 AND (
				(status = 'pending' AND scheduled_for <= now())
				OR (status = 'retry_pending' AND next_retry_at <= now())
			)
			ORDER BY priority DESC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1`, queueName).Scan(&id)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, queue.ErrNoJobToClaim
	}
	if err != nil {
		return nil, err
	}

	job, err := scanJob(tx.QueryRow(ctx, `
		UPDATE queue_jobs SET
			status = 'processing',
			attempts = attempts + 1,
			locked_by = $2,
			locked_at = now(),
			expires_at = now() + $3,
			lock_token = $4,
			updated_at = now()
		WHERE id = $1
		RETURNING `+jobColumns,
		id, workerID, lockFor, uuid.New()))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return job, nil
}

// ExtendLease implements queue.Driver
func (d *Driver) ExtendLease(ctx context.Context, jobID, lockToken uuid.UUID, lockFor time.Duration) error {
	return d.fencedExec(ctx, jobID, lockToken, `
		UPDATE queue_jobs SET expires_at = now() + $3, updated_at = now()
		WHERE id = $1 AND lock_token = $2 AND status = 'processing'`, lockFor)
}

// Complete implements queue.Driver
func (d *Driver) Complete(ctx context.Context, jobID, lockToken uuid.UUID) error {
	return d.fencedExec(ctx, jobID, lockToken, `
		UPDATE queue_jobs SET
			status = 'completed', completed_at = now(), overall_progress = 100,
			locked_by = NULL, locked_at = NULL, expires_at = NULL, lock_token = NULL,
			updated_at = now()
		WHERE id = $1 AND lock_token = $2 AND status = 'processing'`)
}

// Retry implements queue.Driver
func (d *Driver) Retry(ctx context.Context, jobID, lockToken uuid.UUID, errMsg string, nextRetryAt time.Time) error {
	return d.fencedExec(ctx, jobID, lockToken, `
		UPDATE queue_jobs SET
			status = 'retry_pending', next_retry_at = $3, error_message = $4,
			locked_by = NULL, locked_at = NULL, expires_at = NULL, lock_token = NULL,
			updated_at = now()
		WHERE id = $1 AND lock_token = $2 AND status = 'processing'`, nextRetryAt, errMsg)
}

// Release implements queue.Driver: revert to pending and refund the attempt
// the claim pre-charged
func (d *Driver) Release(ctx context.Context, jobID, lockToken uuid.UUID, delay time.Duration) error {
	return d.fencedExec(ctx, jobID, lockToken, `
		UPDATE queue_jobs SET
			status = 'pending', scheduled_for = now() + $3,
			attempts = GREATEST(attempts - 1, 0),
			locked_by = NULL, locked_at = NULL, expires_at = NULL, lock_token = NULL,
			updated_at = now()
		WHERE id = $1 AND lock_token = $2 AND status = 'processing'`, delay)
}

// Fail implements queue.Driver
func (d *Driver) Fail(ctx context.Context, jobID, lockToken uuid.UUID, errMsg string, details json.RawMessage) error {
	return d.fencedExec(ctx, jobID, lockToken, `
		UPDATE queue_jobs SET
			status = 'failed', error_message = $3, error_details = $4,
			locked_by = NULL, locked_at = NULL, expires_at = NULL, lock_token = NULL,
			updated_at = now()
		WHERE id = $1 AND lock_token = $2 AND status = 'processing'`, errMsg, details)
}

// fencedExec runs a conditional update keyed on the lock token and
// classifies a zero-row result as stale claim or missing job
func (d *Driver) fencedExec(ctx context.Context, jobID, lockToken uuid.UUID, sql string, args ...any) error {
	tag, err := d.pool.Exec(ctx, sql, append([]any{jobID, lockToken}, args...)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := d.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM queue_jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return queue.ErrJobNotFound
	}
	return queue.ErrStaleClaim
}

// NextScheduledAt implements queue.Driver
func (d *Driver) NextScheduledAt(ctx context.Context, queueName string) (*time.Time, error) {
	var next *time.Time
	err := d.pool.QueryRow(ctx, `
		SELECT MIN(due) FROM (
			SELECT MIN(scheduled_for) AS due FROM queue_jobs
				WHERE queue = $1 AND status = 'pending' AND scheduled_for > now()
			UNION ALL
			SELECT MIN(next_retry_at) FROM queue_jobs
				WHERE queue = $1 AND status = 'retry_pending' AND next_retry_at > now()
			UNION ALL
			SELECT MIN(next_run_at) FROM queue_schedules
				WHERE queue = $1 AND enabled AND next_run_at > now()
		) candidates`, queueName).Scan(&next)
	if err != nil {
		return nil, err
	}
	return next, nil
}

// UpsertSchedule implements queue.Driver
func (d *Driver) UpsertSchedule(ctx context.Context, s *queue.Schedule) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO queue_schedules (key, queue, cron, data, enabled, next_run_at, run_limit, end_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (key) DO UPDATE SET
			queue = EXCLUDED.queue, cron = EXCLUDED.cron, data = EXCLUDED.data,
			enabled = EXCLUDED.enabled, next_run_at = EXCLUDED.next_run_at,
			run_limit = EXCLUDED.run_limit, end_date = EXCLUDED.end_date,
			last_run_at = NULL, run_count = 0, updated_at = now()`,
		s.Key, s.Queue, s.Cron, s.Data, s.Enabled, s.NextRunAt, s.RunLimit, s.EndDate)
	return err
}

// GetSchedule implements queue.Driver
func (d *Driver) GetSchedule(ctx context.Context, key string) (*queue.Schedule, error) {
	s, err := scanSchedule(d.pool.QueryRow(ctx, `
		SELECT `+scheduleColumns+` FROM queue_schedules WHERE key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// ListSchedules implements queue.Driver
func (d *Driver) ListSchedules(ctx context.Context, queueName string) ([]queue.Schedule, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT `+scheduleColumns+` FROM queue_schedules
		WHERE $1 = '' OR queue = $1
		ORDER BY key`, queueName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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

// RemoveSchedule implements queue.Driver
func (d *Driver) RemoveSchedule(ctx context.Context, key string) (bool, error) {
	tag, err := d.pool.Exec(ctx, `DELETE FROM queue_schedules WHERE key = $1`, key)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SetScheduleEnabled implements queue.Driver
func (d *Driver) SetScheduleEnabled(ctx context.Context, key string, enabled bool) error {
	tag, err := d.pool.Exec(ctx, `
		UPDATE queue_schedules SET enabled = $2, updated_at = now() WHERE key = $1`, key, enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrScheduleNotFound
	}
	return nil
}

// DueSchedules implements queue.Driver
func (d *Driver) DueSchedules(ctx context.Context, now time.Time) ([]queue.Schedule, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT `+scheduleColumns+` FROM queue_schedules
		WHERE enabled AND next_run_at <= $1
		ORDER BY key`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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

// UpdateScheduleRun implements queue.Driver
func (d *Driver) UpdateScheduleRun(ctx context.Context, key string, lastRunAt time.Time, nextRunAt *time.Time, disable bool) error {
	tag, err := d.pool.Exec(ctx, `
		UPDATE queue_schedules SET
			run_count = run_count + 1,
			last_run_at = $2,
			next_run_at = $3,
			enabled = enabled AND NOT $4,
			updated_at = now()
		WHERE key = $1`, key, lastRunAt, nextRunAt, disable)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrScheduleNotFound
	}
	return nil
}

const scheduleColumns = `key, queue, cron, data, enabled, last_run_at,
	next_run_at, run_limit, run_count, end_date, created_at, updated_at`

func scanJob(row pgx.Row) (*queue.Job, error) {
	var job queue.Job
	var key, currentStage *string
	var stages []byte

	err := row.Scan(
		&job.ID, &job.Queue, &key, &job.Data, &job.Status, &job.Priority,
		&job.ScheduledFor, &job.Attempts, &job.MaxAttempts, &job.NextRetryAt,
		&job.Backoff, &job.BackoffType, &job.LockedBy, &job.LockedAt,
		&job.ExpiresAt, &job.LockToken, &job.ErrorMessage, &job.ErrorDetails,
		&job.CompletedAt, &stages, &currentStage, &job.OverallProgress,
		&job.Metadata, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if key != nil {
		job.Key = *key
	}
	if currentStage != nil {
		job.CurrentStage = *currentStage
	}
	if len(stages) > 0 {
		if err := json.Unmarshal(stages, &job.Stages); err != nil {
			return nil, fmt.Errorf("failed to decode job stages: %w", err)
		}
	}
	return &job, nil
}

func scanSchedule(row pgx.Row) (*queue.Schedule, error) {
	var s queue.Schedule
	err := row.Scan(
		&s.Key, &s.Queue, &s.Cron, &s.Data, &s.Enabled, &s.LastRunAt,
		&s.NextRunAt, &s.RunLimit, &s.RunCount, &s.EndDate,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func stagesJSON(stages []string) []byte {
	if len(stages) == 0 {
		return nil
	}
	data, err := json.Marshal(stages)
	if err != nil {
		return nil
	}
	return data
}
