// Package queue implements the delayed, retrying dispatch queue on top of Redis.
//
// Pending tasks live in a sorted set scored by their scheduled time in milliseconds.
// Dequeued tasks move to an in-flight sorted set scored by their lease deadline; the
// size of that set is the global concurrency bound shared by every worker process.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nadmax/relayq/internal/task"
	"github.com/redis/go-redis/v9"
)

const (
	pendingKey  = "relayq:pending"
	inflightKey = "relayq:inflight"
	tasksKey    = "relayq:tasks"
	seqKey      = "relayq:seq"
)

const (
	DefaultConcurrency       = 5
	DefaultVisibilityTimeout = 10 * time.Minute
)

// Outcome is the queue's verdict on a finished attempt.
type Outcome int

const (
	Succeeded Outcome = iota
	Retried
	Exhausted
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Retried:
		return "retried"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the task is finished and will not be delivered again.
func (o Outcome) IsTerminal() bool {
	return o != Retried
}

type Options struct {
	Addr     string
	Password string
	DB       int

	// Concurrency caps the number of in-flight tasks across all consumers. Zero or
	// less disables the cap.
	Concurrency       int
	MaxAttempts       int
	BackoffBase       time.Duration
	VisibilityTimeout time.Duration
}

type Queue struct {
	client *redis.Client
	opts   Options
	now    func() time.Time
}

var dequeueScript = redis.NewScript(`
local limit = tonumber(ARGV[2])
if limit > 0 and redis.call('ZCARD', KEYS[2]) >= limit then
	return false
end
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #members == 0 then
	return false
end
redis.call('ZREM', KEYS[1], members[1])
redis.call('ZADD', KEYS[2], ARGV[3], members[1])
return members[1]
`)

var recoverScript = redis.NewScript(`
local members = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, member in ipairs(members) do
	redis.call('ZREM', KEYS[2], member)
	redis.call('ZADD', KEYS[1], ARGV[1], member)
end
return #members
`)

func NewQueue(opts Options) (*Queue, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = task.DefaultMaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = task.DefaultBackoffBase
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = DefaultVisibilityTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Queue{
		client: client,
		opts:   opts,
		now:    time.Now,
	}, nil
}

// Client exposes the underlying connection so other Redis-backed components (the lock
// manager) can share it.
func (q *Queue) Client() *redis.Client {
	return q.client
}

// Submit schedules the tasks relative to the current time using each task's delay. The
// whole batch is written in one MULTI/EXEC so either every task is visible or none is.
func (q *Queue) Submit(ctx context.Context, tasks ...*task.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	last, err := q.client.IncrBy(ctx, seqKey, int64(len(tasks))).Result()
	if err != nil {
		return fmt.Errorf("failed to reserve sequence: %w", err)
	}

	now := q.now()
	first := last - int64(len(tasks)) + 1
	payloads := make([]string, len(tasks))
	for i, t := range tasks {
		t.Seq = first + int64(i)
		t.Status = task.PendingStatus
		if t.MaxAttempts <= 0 {
			t.MaxAttempts = q.opts.MaxAttempts
		}
		t.ScheduledAt = now.Add(t.Delay())

		payloads[i], err = t.ToJSON()
		if err != nil {
			return fmt.Errorf("failed to encode task %s: %w", t.ID, err)
		}
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, t := range tasks {
			pipe.HSet(ctx, tasksKey, t.ID, payloads[i])
			pipe.ZAdd(ctx, pendingKey, redis.Z{
				Score:  float64(t.ScheduledAt.UnixMilli()),
				Member: t.Member(),
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to submit tasks: %w", err)
	}

	return nil
}

// Dequeue leases the earliest due task. It returns nil without error when nothing is
// due or when the in-flight set is already at the concurrency limit.
func (q *Queue) Dequeue(ctx context.Context) (*task.Task, error) {
	now := q.now()
	deadline := now.Add(q.opts.VisibilityTimeout)

	member, err := dequeueScript.Run(ctx, q.client,
		[]string{pendingKey, inflightKey},
		now.UnixMilli(), q.opts.Concurrency, deadline.UnixMilli(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	t, err := q.GetTask(ctx, task.IDFromMember(member))
	if err != nil {
		// Without a payload the lease can never be completed; drop it.
		q.client.ZRem(ctx, inflightKey, member)
		return nil, fmt.Errorf("failed to load task for %s: %w", member, err)
	}

	t.Status = task.RunningStatus
	t.StartedAt = &now
	if err := q.UpdateTask(ctx, t); err != nil {
		return nil, err
	}

	return t, nil
}

// OnTerminal settles an attempt. A nil attemptErr acknowledges the task. A failure is
// retried with exponential backoff while attempts remain, otherwise the task is
// discarded as exhausted. t.Attempts must already count the attempt being settled.
func (q *Queue) OnTerminal(ctx context.Context, t *task.Task, attemptErr error) (Outcome, error) {
	now := q.now()
	t.CompletedAt = &now

	if attemptErr == nil {
		t.Status = task.CompletedStatus
		return Succeeded, q.ack(ctx, t)
	}

	t.LastError = attemptErr.Error()
	if !t.AttemptsLeft() {
		t.Status = task.FailedStatus
		return Exhausted, q.ack(ctx, t)
	}

	backoff := task.Backoff(q.opts.BackoffBase, t.Attempts)
	return Retried, q.retry(ctx, t, backoff)
}

func (q *Queue) ack(ctx context.Context, t *task.Task) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, inflightKey, t.Member())
		pipe.HDel(ctx, tasksKey, t.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to ack task %s: %w", t.ID, err)
	}

	return nil
}

func (q *Queue) retry(ctx context.Context, t *task.Task, backoff time.Duration) error {
	t.Status = task.RetryingStatus
	t.ScheduledAt = q.now().Add(backoff)

	taskJSON, err := t.ToJSON()
	if err != nil {
		return err
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, tasksKey, t.ID, taskJSON)
		pipe.ZRem(ctx, inflightKey, t.Member())
		pipe.ZAdd(ctx, pendingKey, redis.Z{
			Score:  float64(t.ScheduledAt.UnixMilli()),
			Member: t.Member(),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to reschedule task %s: %w", t.ID, err)
	}

	return nil
}

// RecoverStalled returns tasks whose lease expired (their worker died mid-attempt) to
// the pending set, due immediately. Their attempt count is left untouched.
func (q *Queue) RecoverStalled(ctx context.Context) (int, error) {
	n, err := recoverScript.Run(ctx, q.client,
		[]string{pendingKey, inflightKey},
		q.now().UnixMilli(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to recover stalled tasks: %w", err)
	}

	return n, nil
}

func (q *Queue) UpdateTask(ctx context.Context, t *task.Task) error {
	taskJSON, err := t.ToJSON()
	if err != nil {
		return err
	}

	return q.client.HSet(ctx, tasksKey, t.ID, taskJSON).Err()
}

func (q *Queue) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	taskJSON, err := q.client.HGet(ctx, tasksKey, taskID).Result()
	if err != nil {
		return nil, err
	}

	return task.TaskFromJSON(taskJSON)
}

func (q *Queue) GetAllTasks(ctx context.Context) ([]*task.Task, error) {
	taskMap, err := q.client.HGetAll(ctx, tasksKey).Result()
	if err != nil {
		return nil, err
	}

	tasks := make([]*task.Task, 0, len(taskMap))
	for _, taskJSON := range taskMap {
		t, err := task.TaskFromJSON(taskJSON)
		if err != nil {
			continue
		}
		tasks = append(tasks, t)
	}

	return tasks, nil
}

type Depth struct {
	Pending  int64 `json:"pending"`
	InFlight int64 `json:"in_flight"`
}

func (q *Queue) Depth(ctx context.Context) (Depth, error) {
	var pending, inflight *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pending = pipe.ZCard(ctx, pendingKey)
		inflight = pipe.ZCard(ctx, inflightKey)
		return nil
	})
	if err != nil {
		return Depth{}, err
	}

	return Depth{Pending: pending.Val(), InFlight: inflight.Val()}, nil
}

func (q *Queue) Concurrency() int {
	return q.opts.Concurrency
}

func (q *Queue) Close() error {
	return q.client.Close()
}
