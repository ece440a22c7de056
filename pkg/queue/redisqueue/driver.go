package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	redispkg "github.com/dmitrymomot/queuekit/pkg/redis"
	"github.com/dmitrymomot/queuekit/pkg/queue"
)

// keyPrefix namespaces every key the driver touches
const keyPrefix = "queuekit:"

// Driver implements queue.Driver on Redis
type Driver struct {
	client  redis.UniversalClient
	logger  *slog.Logger
	scripts *scripts

	listenerOnce sync.Once
	listener     *Listener
}

// New wraps an existing Redis client
func New(client redis.UniversalClient, logger *slog.Logger) (*Driver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := loadScripts()
	if err != nil {
		return nil, err
	}
	return &Driver{client: client, logger: logger, scripts: s}, nil
}

// Open connects to Redis with retry and returns a ready driver
func Open(ctx context.Context, cfg redispkg.Config, logger *slog.Logger) (*Driver, error) {
	client, err := redispkg.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	drv, err := New(client, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return drv, nil
}

// Capabilities implements queue.Driver
func (d *Driver) Capabilities() queue.Capabilities {
	return queue.Capabilities{
		LinearBackoff:     false,
		RetryStateVisible: false,
		NativeNotify:      true,
	}
}

// Listener implements queue.Notifier, exposing pub/sub wakeups
func (d *Driver) Listener() queue.Listener {
	d.listenerOnce.Do(func() {
		d.listener = newListener(d.client, d.logger)
	})
	return d.listener
}

// Close implements queue.Driver
func (d *Driver) Close() error {
	if d.listener != nil {
		_ = d.listener.Close()
	}
	return d.client.Close()
}

// Healthcheck reports whether the Redis server still answers pings
func (d *Driver) Healthcheck(ctx context.Context) error {
	return redispkg.Healthcheck(d.client)(ctx)
}

// Enqueue implements queue.Driver
func (d *Driver) Enqueue(ctx context.Context, job *queue.Job, policy queue.ReplacePolicy) (*queue.Job, error) {
	res, err := d.scripts.enqueue.Run(ctx, d.client, nil,
		keyPrefix, job.Queue, job.Key, string(policy), nowMS(),
		job.ID.String(), string(job.Data), job.Priority,
		job.ScheduledFor.UnixMilli(), job.MaxAttempts, job.Backoff,
		string(job.BackoffType), stagesText(job.Stages), string(job.Metadata),
	).Result()
	if err != nil {
		return nil, err
	}

	reply, ok := res.([]any)
	if !ok || len(reply) == 0 {
		return nil, fmt.Errorf("unexpected enqueue script reply: %v", res)
	}
	if reply[0] == "active" {
		return nil, &queue.JobAlreadyActiveError{Queue: job.Queue, Key: job.Key}
	}
	if len(reply) < 2 {
		return nil, fmt.Errorf("unexpected enqueue script reply: %v", res)
	}

	id, _ := reply[1].(string)
	return d.loadJob(ctx, id)
}

// GetJob implements queue.Driver
func (d *Driver) GetJob(ctx context.Context, idOrKey string) (*queue.Job, error) {
	id := idOrKey
	if _, err := uuid.Parse(idOrKey); err != nil {
		mapped, err := d.client.HGet(ctx, keyPrefix+"keys:latest", idOrKey).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		id = mapped
	}

	fields, err := d.client.HGetAll(ctx, keyPrefix+"job:"+id).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return parseJob(fields)
}

// Stats implements queue.Driver. Pending covers ready, delayed, and
// recovery jobs; retry-pending is always zero because retries are stored
// as delayed pending jobs.
func (d *Driver) Stats(ctx context.Context, queueName string) (queue.Stats, error) {
	stats := queue.Stats{Queue: queueName}
	base := keyPrefix + queueName

	pipe := d.client.Pipeline()
	ready := pipe.ZCard(ctx, base+":ready")
	delayed := pipe.ZCard(ctx, base+":delayed")
	recovery := pipe.ZCard(ctx, base+":recovery")
	processing := pipe.ZCard(ctx, base+":processing")
	completed := pipe.ZCard(ctx, base+":completed")
	failed := pipe.ZCard(ctx, base+":failed")
	if _, err := pipe.Exec(ctx); err != nil {
		return stats, err
	}

	stats.Pending = ready.Val() + delayed.Val() + recovery.Val()
	stats.Processing = processing.Val()
	stats.Completed = completed.Val()
	stats.Failed = failed.Val()
	return stats, nil
}

// Claim implements queue.Driver
func (d *Driver) Claim(ctx context.Context, queueName string, workerID uuid.UUID, lockFor time.Duration) (*queue.Job, error) {
	res, err := d.scripts.claim.Run(ctx, d.client, nil,
		keyPrefix, queueName, nowMS(), workerID.String(),
		lockFor.Milliseconds(), uuid.NewString(),
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, queue.ErrNoJobToClaim
	}
	if err != nil {
		return nil, err
	}

	id, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected claim script reply: %v", res)
	}
	return d.loadJob(ctx, id)
}

// ExtendLease implements queue.Driver
func (d *Driver) ExtendLease(ctx context.Context, jobID, lockToken uuid.UUID, lockFor time.Duration) error {
	queueName, err := d.jobQueue(ctx, jobID)
	if err != nil {
		return err
	}
	return d.fenced(ctx, d.scripts.heartbeat,
		keyPrefix, queueName, jobID.String(), lockToken.String(), nowMS(), lockFor.Milliseconds())
}

// Complete implements queue.Driver
func (d *Driver) Complete(ctx context.Context, jobID, lockToken uuid.UUID) error {
	queueName, err := d.jobQueue(ctx, jobID)
	if err != nil {
		return err
	}
	return d.fenced(ctx, d.scripts.complete,
		keyPrefix, queueName, jobID.String(), lockToken.String(), nowMS())
}

// Retry implements queue.Driver
func (d *Driver) Retry(ctx context.Context, jobID, lockToken uuid.UUID, errMsg string, nextRetryAt time.Time) error {
	queueName, err := d.jobQueue(ctx, jobID)
	if err != nil {
		return err
	}
	return d.fenced(ctx, d.scripts.retry,
		keyPrefix, queueName, jobID.String(), lockToken.String(), nowMS(),
		nextRetryAt.UnixMilli(), errMsg)
}

// Release implements queue.Driver
func (d *Driver) Release(ctx context.Context, jobID, lockToken uuid.UUID, delay time.Duration) error {
	queueName, err := d.jobQueue(ctx, jobID)
	if err != nil {
		return err
	}
	return d.fenced(ctx, d.scripts.release,
		keyPrefix, queueName, jobID.String(), lockToken.String(), nowMS(),
		delay.Milliseconds())
}

// Fail implements queue.Driver
func (d *Driver) Fail(ctx context.Context, jobID, lockToken uuid.UUID, errMsg string, details json.RawMessage) error {
	queueName, err := d.jobQueue(ctx, jobID)
	if err != nil {
		return err
	}
	return d.fenced(ctx, d.scripts.fail,
		keyPrefix, queueName, jobID.String(), lockToken.String(), nowMS(),
		errMsg, string(details))
}

func (d *Driver) fenced(ctx context.Context, script *redis.Script, args ...any) error {
	res, err := script.Run(ctx, d.client, nil, args...).Result()
	if err != nil {
		return err
	}
	switch res {
	case "ok":
		return nil
	case "missing":
		return queue.ErrJobNotFound
	case "stale":
		return queue.ErrStaleClaim
	default:
		return fmt.Errorf("unexpected script reply: %v", res)
	}
}

func (d *Driver) jobQueue(ctx context.Context, jobID uuid.UUID) (string, error) {
	queueName, err := d.client.HGet(ctx, keyPrefix+"job:"+jobID.String(), "queue").Result()
	if errors.Is(err, redis.Nil) {
		return "", queue.ErrJobNotFound
	}
	return queueName, err
}

func (d *Driver) loadJob(ctx context.Context, id string) (*queue.Job, error) {
	fields, err := d.client.HGetAll(ctx, keyPrefix+"job:"+id).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, queue.ErrJobNotFound
	}
	return parseJob(fields)
}

// NextScheduledAt implements queue.Driver
func (d *Driver) NextScheduledAt(ctx context.Context, queueName string) (*time.Time, error) {
	now := time.Now()
	var next *time.Time
	consider := func(t time.Time) {
		if next == nil || t.Before(*next) {
			tt := t
			next = &tt
		}
	}

	delayed, err := d.client.ZRangeByScoreWithScores(ctx, keyPrefix+queueName+":delayed", &redis.ZRangeBy{
		Min:   "(" + strconv.FormatInt(now.UnixMilli(), 10),
		Max:   "+inf",
		Count: 1,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(delayed) > 0 {
		consider(time.UnixMilli(int64(delayed[0].Score)))
	}

	schedules, err := d.ListSchedules(ctx, queueName)
	if err != nil {
		return nil, err
	}
	for _, s := range schedules {
		if s.Enabled && s.NextRunAt != nil && s.NextRunAt.After(now) {
			consider(*s.NextRunAt)
		}
	}
	return next, nil
}

// UpsertSchedule implements queue.Driver
func (d *Driver) UpsertSchedule(ctx context.Context, s *queue.Schedule) error {
	key := keyPrefix + "schedule:" + s.Key
	now := time.Now().UTC()

	createdAt := now
	if raw, err := d.client.HGet(ctx, key, "created_at").Result(); err == nil {
		if msVal, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			createdAt = time.UnixMilli(msVal).UTC()
		}
	}

	fields := map[string]any{
		"key":        s.Key,
		"queue":      s.Queue,
		"cron":       s.Cron,
		"data":       string(s.Data),
		"enabled":    boolInt(s.Enabled),
		"run_limit":  s.RunLimit,
		"run_count":  0,
		"created_at": createdAt.UnixMilli(),
		"updated_at": now.UnixMilli(),
	}
	if s.NextRunAt != nil {
		fields["next_run_at"] = s.NextRunAt.UnixMilli()
	}
	if s.EndDate != nil {
		fields["end_date"] = s.EndDate.UnixMilli()
	}

	pipe := d.client.TxPipeline()
	pipe.SAdd(ctx, keyPrefix+"schedules", s.Key)
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, fields)
	_, err := pipe.Exec(ctx)
	return err
}

// GetSchedule implements queue.Driver
func (d *Driver) GetSchedule(ctx context.Context, key string) (*queue.Schedule, error) {
	fields, err := d.client.HGetAll(ctx, keyPrefix+"schedule:"+key).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return parseSchedule(fields)
}

// ListSchedules implements queue.Driver
func (d *Driver) ListSchedules(ctx context.Context, queueName string) ([]queue.Schedule, error) {
	keys, err := d.client.SMembers(ctx, keyPrefix+"schedules").Result()
	if err != nil {
		return nil, err
	}

	var out []queue.Schedule
	for _, key := range keys {
		s, err := d.GetSchedule(ctx, key)
		if err != nil {
			return nil, err
		}
		if s == nil {
			continue
		}
		if queueName != "" && s.Queue != queueName {
			continue
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// RemoveSchedule implements queue.Driver
func (d *Driver) RemoveSchedule(ctx context.Context, key string) (bool, error) {
	pipe := d.client.TxPipeline()
	removed := pipe.SRem(ctx, keyPrefix+"schedules", key)
	pipe.Del(ctx, keyPrefix+"schedule:"+key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

// SetScheduleEnabled implements queue.Driver
func (d *Driver) SetScheduleEnabled(ctx context.Context, key string, enabled bool) error {
	hashKey := keyPrefix + "schedule:" + key
	exists, err := d.client.Exists(ctx, hashKey).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return queue.ErrScheduleNotFound
	}
	return d.client.HSet(ctx, hashKey,
		"enabled", boolInt(enabled),
		"updated_at", nowMS()).Err()
}

// DueSchedules implements queue.Driver
func (d *Driver) DueSchedules(ctx context.Context, now time.Time) ([]queue.Schedule, error) {
	all, err := d.ListSchedules(ctx, "")
	if err != nil {
		return nil, err
	}

	var due []queue.Schedule
	for _, s := range all {
		if s.Enabled && s.NextRunAt != nil && !s.NextRunAt.After(now) {
			due = append(due, s)
		}
	}
	return due, nil
}

// UpdateScheduleRun implements queue.Driver
func (d *Driver) UpdateScheduleRun(ctx context.Context, key string, lastRunAt time.Time, nextRunAt *time.Time, disable bool) error {
	hashKey := keyPrefix + "schedule:" + key
	exists, err := d.client.Exists(ctx, hashKey).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return queue.ErrScheduleNotFound
	}

	pipe := d.client.TxPipeline()
	pipe.HIncrBy(ctx, hashKey, "run_count", 1)
	pipe.HSet(ctx, hashKey, "last_run_at", lastRunAt.UnixMilli(), "updated_at", nowMS())
	if nextRunAt != nil {
		pipe.HSet(ctx, hashKey, "next_run_at", nextRunAt.UnixMilli())
	} else {
		pipe.HDel(ctx, hashKey, "next_run_at")
	}
	if disable {
		pipe.HSet(ctx, hashKey, "enabled", 0)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func parseJob(fields map[string]string) (*queue.Job, error) {
	var job queue.Job
	var err error

	if job.ID, err = uuid.Parse(fields["id"]); err != nil {
		return nil, fmt.Errorf("failed to parse job id: %w", err)
	}
	job.Queue = fields["queue"]
	job.Key = fields["key"]
	if v := fields["data"]; v != "" {
		job.Data = json.RawMessage(v)
	}
	job.Status = queue.Status(fields["status"])
	job.Priority = parseInt(fields["priority"])
	job.ScheduledFor = msTime(fields["scheduled_for"])
	job.Attempts = parseInt(fields["attempts"])
	job.MaxAttempts = parseInt(fields["max_attempts"])
	job.NextRetryAt = msTimePtr(fields["next_retry_at"])
	job.Backoff = int64(parseInt(fields["backoff_ms"]))
	job.BackoffType = queue.BackoffType(fields["backoff_type"])
	job.LockedAt = msTimePtr(fields["locked_at"])
	job.ExpiresAt = msTimePtr(fields["expires_at"])
	job.CompletedAt = msTimePtr(fields["completed_at"])
	job.CurrentStage = fields["current_stage"]
	job.OverallProgress, _ = strconv.ParseFloat(fields["overall_progress"], 64)
	job.CreatedAt = msTime(fields["created_at"])
	job.UpdatedAt = msTime(fields["updated_at"])

	if v := fields["locked_by"]; v != "" {
		u, err := uuid.Parse(v)
		if err != nil {
			return nil, fmt.Errorf("failed to parse worker id: %w", err)
		}
		job.LockedBy = &u
	}
	if v := fields["lock_token"]; v != "" {
		u, err := uuid.Parse(v)
		if err != nil {
			return nil, fmt.Errorf("failed to parse lock token: %w", err)
		}
		job.LockToken = &u
	}
	if v := fields["error_message"]; v != "" {
		job.ErrorMessage = &v
	}
	if v := fields["error_details"]; v != "" {
		job.ErrorDetails = json.RawMessage(v)
	}
	if v := fields["stages"]; v != "" {
		if err := json.Unmarshal([]byte(v), &job.Stages); err != nil {
			return nil, fmt.Errorf("failed to decode job stages: %w", err)
		}
	}
	if v := fields["metadata"]; v != "" {
		job.Metadata = json.RawMessage(v)
	}
	return &job, nil
}

func parseSchedule(fields map[string]string) (*queue.Schedule, error) {
	s := queue.Schedule{
		Key:      fields["key"],
		Queue:    fields["queue"],
		Cron:     fields["cron"],
		Enabled:  fields["enabled"] == "1",
		RunLimit: parseInt(fields["run_limit"]),
		RunCount: parseInt(fields["run_count"]),
	}
	if v := fields["data"]; v != "" {
		s.Data = json.RawMessage(v)
	}
	s.LastRunAt = msTimePtr(fields["last_run_at"])
	s.NextRunAt = msTimePtr(fields["next_run_at"])
	s.EndDate = msTimePtr(fields["end_date"])
	s.CreatedAt = msTime(fields["created_at"])
	s.UpdatedAt = msTime(fields["updated_at"])
	return &s, nil
}

func nowMS() int64 { return time.Now().UnixMilli() }

func parseInt(v string) int {
	n, _ := strconv.Atoi(v)
	return n
}

func msTime(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}

func msTimePtr(v string) *time.Time {
	if v == "" {
		return nil
	}
	t := msTime(v)
	return &t
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func stagesText(stages []string) string {
	if len(stages) == 0 {
		return ""
	}
	data, err := json.Marshal(stages)
	if err != nil {
		return ""
	}
	return string(data)
}
