package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kursadbilgin/image-batch-processor/internal/domain"
	"github.com/kursadbilgin/image-batch-processor/internal/queue"
	goredis "github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix        = "job:"
	delayedJobsKey      = "jobs:delayed"
	defaultJobRetention = 7 * 24 * time.Hour

	attemptsExhaustedReason = "attempts exhausted"
)

// Script results shared by the state transitions below.
const (
	scriptExhausted = -2
	scriptNotFound  = -1
	scriptConflict  = 0
)

var createJobScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV))
return 1
`)

var activateJobScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
local state = redis.call("HGET", KEYS[1], "state")
if state == "completed" or state == "failed" then
  return 0
end
if state == "delayed" then
  local due = tonumber(redis.call("HGET", KEYS[1], "delayUntil") or "0")
  if due > tonumber(ARGV[1]) then
    return 0
  end
  redis.call("ZREM", KEYS[2], ARGV[2])
end
local made = tonumber(redis.call("HGET", KEYS[1], "attemptsMade") or "0")
local cap = tonumber(redis.call("HGET", KEYS[1], "maxAttempts") or "0")
if cap > 0 and made >= cap then
  redis.call("ZREM", KEYS[2], ARGV[2])
  local reason = redis.call("HGET", KEYS[1], "failedReason")
  if not reason or reason == "" then
    reason = ARGV[3]
  end
  redis.call("HSET", KEYS[1], "state", "failed", "failedReason", reason, "finishedAt", ARGV[1])
  redis.call("HDEL", KEYS[1], "delayUntil")
  redis.call("RPUSH", KEYS[3], ARGV[3])
  redis.call("EXPIRE", KEYS[1], ARGV[4])
  redis.call("EXPIRE", KEYS[3], ARGV[4])
  return -2
end
redis.call("HSET", KEYS[1], "state", "active", "processedAt", ARGV[1])
redis.call("HDEL", KEYS[1], "delayUntil")
return redis.call("HINCRBY", KEYS[1], "attemptsMade", 1)
`)

var progressJobScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
if redis.call("HGET", KEYS[1], "state") ~= "active" then
  return 0
end
redis.call("HSET", KEYS[1], "progress", ARGV[1])
return 1
`)

var completeJobScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
if redis.call("HGET", KEYS[1], "state") ~= "active" then
  return 0
end
redis.call("HSET", KEYS[1], "state", "completed", "returnValue", ARGV[1], "finishedAt", ARGV[2])
redis.call("EXPIRE", KEYS[1], ARGV[3])
redis.call("EXPIRE", KEYS[2], ARGV[3])
return 1
`)

var failJobScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
if redis.call("HGET", KEYS[1], "state") ~= "active" then
  return 0
end
redis.call("HSET", KEYS[1], "state", "failed", "failedReason", ARGV[1], "finishedAt", ARGV[2])
redis.call("RPUSH", KEYS[2], ARGV[1])
redis.call("EXPIRE", KEYS[1], ARGV[3])
redis.call("EXPIRE", KEYS[2], ARGV[3])
return 1
`)

var delayJobScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
if redis.call("HGET", KEYS[1], "state") ~= "active" then
  return 0
end
redis.call("HSET", KEYS[1], "state", "delayed", "failedReason", ARGV[1], "delayUntil", ARGV[2])
redis.call("RPUSH", KEYS[2], ARGV[1])
redis.call("ZADD", KEYS[3], ARGV[2], ARGV[3])
return 1
`)

var promoteJobScript = goredis.NewScript(`
redis.call("ZREM", KEYS[2], ARGV[1])
if redis.call("HGET", KEYS[1], "state") ~= "delayed" then
  return 0
end
redis.call("HSET", KEYS[1], "state", "waiting")
redis.call("HDEL", KEYS[1], "delayUntil")
return 1
`)

var _ queue.JobStore = (*RedisJobStore)(nil)

// RedisJobStore keeps one hash per job plus a sorted set of delayed job ids
// scored by the unix-ms time they become due. State transitions run as Lua
// scripts so concurrent workers observe them atomically.
type RedisJobStore struct {
	client    *goredis.Client
	retention time.Duration
}

func NewRedisJobStore(client *goredis.Client, retention time.Duration) (*RedisJobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if retention <= 0 {
		retention = defaultJobRetention
	}
	return &RedisJobStore{client: client, retention: retention}, nil
}

func (s *RedisJobStore) Create(ctx context.Context, job *domain.Job) error {
	if job == nil || strings.TrimSpace(job.ID) == "" {
		return fmt.Errorf("%w: job id is required", domain.ErrValidation)
	}

	fields, err := encodeJob(job)
	if err != nil {
		return err
	}

	res, err := createJobScript.Run(ctx, s.client, []string{jobKey(job.ID)}, fields...).Int()
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	if res == scriptConflict {
		return fmt.Errorf("%w: job %s already exists", domain.ErrConflict, job.ID)
	}
	return nil
}

func (s *RedisJobStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	values, err := s.client.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}

	job, err := decodeJob(values)
	if err != nil {
		return nil, err
	}

	stack, err := s.client.LRange(ctx, stacktraceKey(id), 0, -1).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("failed to load job stacktrace: %w", err)
	}
	job.Stacktrace = stack

	return job, nil
}

func (s *RedisJobStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, jobKey(id), stacktraceKey(id))
	pipe.ZRem(ctx, delayedJobsKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

// Activate claims a job for one attempt. A job that already used all of its
// attempts is moved to failed instead and ErrAttemptsExhausted is returned.
func (s *RedisJobStore) Activate(ctx context.Context, id string, now time.Time) (*domain.Job, error) {
	res, err := activateJobScript.Run(ctx, s.client,
		[]string{jobKey(id), delayedJobsKey, stacktraceKey(id)},
		unixMillis(now), id, attemptsExhaustedReason, s.retentionSeconds(),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to activate job: %w", err)
	}
	if err := scriptResult(res, id, "activate"); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *RedisJobStore) UpdateProgress(ctx context.Context, id string, progress int) error {
	progress = min(max(progress, 0), 100)
	res, err := progressJobScript.Run(ctx, s.client, []string{jobKey(id)}, progress).Int()
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	return scriptResult(res, id, "update progress of")
}

func (s *RedisJobStore) Complete(ctx context.Context, id string, returnValue json.RawMessage, now time.Time) error {
	if len(returnValue) == 0 {
		returnValue = json.RawMessage("null")
	}
	res, err := completeJobScript.Run(ctx, s.client,
		[]string{jobKey(id), stacktraceKey(id)},
		string(returnValue), unixMillis(now), s.retentionSeconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return scriptResult(res, id, "complete")
}

func (s *RedisJobStore) Fail(ctx context.Context, id string, reason string, now time.Time) error {
	res, err := failJobScript.Run(ctx, s.client,
		[]string{jobKey(id), stacktraceKey(id)},
		reason, unixMillis(now), s.retentionSeconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	return scriptResult(res, id, "fail")
}

func (s *RedisJobStore) Delay(ctx context.Context, id string, reason string, until time.Time) error {
	res, err := delayJobScript.Run(ctx, s.client,
		[]string{jobKey(id), stacktraceKey(id), delayedJobsKey},
		reason, unixMillis(until), id,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to delay job: %w", err)
	}
	return scriptResult(res, id, "delay")
}

// DueDelayed returns up to limit delayed job ids whose backoff has elapsed.
func (s *RedisJobStore) DueDelayed(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRangeByScore(ctx, delayedJobsKey, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(unixMillis(now), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list due delayed jobs: %w", err)
	}
	return ids, nil
}

// Promote moves a delayed job back to waiting. It reports false when the job
// already left the delayed state.
func (s *RedisJobStore) Promote(ctx context.Context, id string) (bool, error) {
	res, err := promoteJobScript.Run(ctx, s.client, []string{jobKey(id), delayedJobsKey}, id).Int()
	if err != nil {
		return false, fmt.Errorf("failed to promote job: %w", err)
	}
	return res == 1, nil
}

func (s *RedisJobStore) retentionSeconds() int64 {
	return int64(s.retention / time.Second)
}

func scriptResult(res int, id, op string) error {
	switch res {
	case scriptExhausted:
		return fmt.Errorf("%w: job %s", domain.ErrAttemptsExhausted, id)
	case scriptNotFound:
		return fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	case scriptConflict:
		return fmt.Errorf("%w: cannot %s job %s in its current state", domain.ErrConflict, op, id)
	}
	return nil
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func stacktraceKey(id string) string {
	return jobKeyPrefix + id + ":stacktrace"
}

func unixMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func encodeJob(job *domain.Job) ([]interface{}, error) {
	data, err := json.Marshal(job.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job data: %w", err)
	}

	state := job.State
	if state == "" {
		state = domain.JobStateWaiting
	}
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	fields := []interface{}{
		"id", job.ID,
		"name", job.Name,
		"data", string(data),
		"correlationId", job.CorrelationID,
		"state", string(state),
		"progress", job.Progress,
		"attemptsMade", job.AttemptsMade,
		"maxAttempts", job.MaxAttempts,
		"backoffBase", job.Backoff.Base.Milliseconds(),
		"createdAt", unixMillis(createdAt),
	}
	return fields, nil
}

func decodeJob(values map[string]string) (*domain.Job, error) {
	state, err := domain.ParseJobState(values["state"])
	if err != nil {
		return nil, fmt.Errorf("corrupt job record %s: %w", values["id"], err)
	}

	job := &domain.Job{
		ID:            values["id"],
		Name:          values["name"],
		CorrelationID: values["correlationId"],
		State:         state,
		Progress:      atoi(values["progress"]),
		AttemptsMade:  atoi(values["attemptsMade"]),
		MaxAttempts:   atoi(values["maxAttempts"]),
		Backoff:       domain.BackoffPolicy{Base: time.Duration(atoi64(values["backoffBase"])) * time.Millisecond},
		FailedReason:  values["failedReason"],
		CreatedAt:     fromMillis(values["createdAt"]),
	}

	if raw := values["data"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Data); err != nil {
			return nil, fmt.Errorf("corrupt job data %s: %w", job.ID, err)
		}
	}
	if raw, ok := values["returnValue"]; ok {
		job.ReturnValue = json.RawMessage(raw)
	}
	job.ProcessedAt = optionalMillis(values["processedAt"])
	job.FinishedAt = optionalMillis(values["finishedAt"])
	job.DelayUntil = optionalMillis(values["delayUntil"])

	return job, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func fromMillis(s string) time.Time {
	return time.UnixMilli(atoi64(s)).UTC()
}

func optionalMillis(s string) *time.Time {
	if s == "" {
		return nil
	}
	t := fromMillis(s)
	return &t
}
