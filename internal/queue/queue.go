package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/portalone/merchant-analytics/pkg/metric"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	readyKeyPrefix      = "tasks:ready:"
	delayedKeyPrefix    = "tasks:delayed:"
	processingKeyPrefix = "tasks:processing:"
	leaseKeyPrefix      = "tasks:lease:"
	joinExpectedKey     = "join:expected:"
	joinSettledKey      = "join:settled:"
	joinParkedKey       = "join:parked:"

	// join bookkeeping outlives the run lock slightly so a slow joiner can
	// still be promoted, then garbage-collects itself
	joinTTL = 13 * time.Hour

	// leaseDuration bounds how long a dequeued task may sit unacknowledged in
	// a processing list before the reclaim sweep hands it back to the ready
	// list. Generous because a merchant computation pages a full month.
	leaseDuration = 10 * time.Minute
)

var (
	// ErrQueueOperation is returned when a queue operation fails
	ErrQueueOperation = errors.New("queue operation failed")

	// ErrJoinNotFound is returned when join bookkeeping for a run is missing
	ErrJoinNotFound = errors.New("join record not found")
)

// TaskQueue is the durable at-least-once work-queue substrate. Three task
// kinds share one implementation; a finalization task can be declared as the
// joiner of a set of merchant tasks and only becomes eligible once every
// declared child has settled (success, skip, or exhausted retries).
type TaskQueue interface {
	Enqueue(ctx context.Context, task *Task) error
	// EnqueueFlow atomically declares a joiner with its children: children go
	// to their ready list, the joiner is parked until all children settle.
	EnqueueFlow(ctx context.Context, joiner *Task, children []*Task) error
	// Dequeue blocks up to timeout for the next ready task of the kind. The
	// task is moved to a processing list under a lease rather than removed,
	// so a worker crash never loses the only durable copy. Returns nil
	// without error when the wait times out.
	Dequeue(ctx context.Context, kind Kind, timeout time.Duration) (*Task, error)
	// Ack drops a dequeued task from its processing list once it reached a
	// terminal outcome (success, retry scheduled, or retries exhausted).
	Ack(ctx context.Context, task *Task) error
	// ReclaimStale returns tasks whose lease expired without an Ack to the
	// ready list, recovering work from crashed workers.
	ReclaimStale(ctx context.Context, kind Kind) (int, error)
	// RetryLater schedules the task's next attempt after its kind's backoff.
	RetryLater(ctx context.Context, task *Task) error
	// SettleChild records one child's terminal outcome; when it is the last
	// outstanding child the parked joiner is moved to its ready list. The
	// returned flag reports whether this call promoted the joiner.
	SettleChild(ctx context.Context, runID string) (bool, error)
	// PromoteDue moves delayed tasks whose backoff has elapsed to the ready list.
	PromoteDue(ctx context.Context, kind Kind) (int, error)
	// JoinProgress returns settled and expected child counts for a run.
	JoinProgress(ctx context.Context, runID string) (settled, expected int64, err error)
}

type RedisTaskQueue struct {
	conn redis.UniversalClient
}

func NewRedisTaskQueue(conn redis.UniversalClient) TaskQueue {
	return &RedisTaskQueue{conn: conn}
}

func readyKey(kind Kind) string {
	return readyKeyPrefix + string(kind)
}

func delayedKey(kind Kind) string {
	return delayedKeyPrefix + string(kind)
}

func processingKey(kind Kind) string {
	return processingKeyPrefix + string(kind)
}

func leaseKey(kind Kind) string {
	return leaseKeyPrefix + string(kind)
}

func (q *RedisTaskQueue) Enqueue(ctx context.Context, task *Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("%w: task marshal: %s", ErrQueueOperation, err)
	}
	if err := q.conn.LPush(ctx, readyKey(task.Kind), body).Err(); err != nil {
		return fmt.Errorf("%w: task push to %s: %s", ErrQueueOperation, task.Kind, err)
	}
	metric.Incr("queue.enqueue", []string{"kind:" + string(task.Kind)})
	return nil
}

func (q *RedisTaskQueue) EnqueueFlow(ctx context.Context, joiner *Task, children []*Task) error {
	joinerBody, err := json.Marshal(joiner)
	if err != nil {
		return fmt.Errorf("%w: joiner marshal: %s", ErrQueueOperation, err)
	}
	childBodies := make([]interface{}, len(children))
	for i, child := range children {
		body, err := json.Marshal(child)
		if err != nil {
			return fmt.Errorf("%w: child marshal: %s", ErrQueueOperation, err)
		}
		childBodies[i] = body
	}

	// single transaction: either the whole flow exists or none of it does
	pipe := q.conn.TxPipeline()
	pipe.Set(ctx, joinExpectedKey+joiner.RunID, len(children), joinTTL)
	pipe.Set(ctx, joinSettledKey+joiner.RunID, 0, joinTTL)
	pipe.Set(ctx, joinParkedKey+joiner.RunID, joinerBody, joinTTL)
	pipe.LPush(ctx, readyKey(KindMerchant), childBodies...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: flow enqueue for run %s: %s", ErrQueueOperation, joiner.RunID, err)
	}
	metric.Count("queue.flow.children", int64(len(children)), []string{})
	log.Info().Msgf("flow enqueued for run %s with %d children", joiner.RunID, len(children))
	return nil
}

func (q *RedisTaskQueue) Dequeue(ctx context.Context, kind Kind, timeout time.Duration) (*Task, error) {
	body, err := q.conn.BLMove(ctx, readyKey(kind), processingKey(kind), "RIGHT", "LEFT", timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dequeue from %s: %s", ErrQueueOperation, kind, err)
	}
	err = q.conn.ZAdd(ctx, leaseKey(kind), redis.Z{
		Score:  float64(time.Now().Add(leaseDuration).UnixMilli()),
		Member: body,
	}).Err()
	if err != nil {
		return nil, fmt.Errorf("%w: lease write for %s: %s", ErrQueueOperation, kind, err)
	}
	var task Task
	if err := json.Unmarshal([]byte(body), &task); err != nil {
		metric.Incr("queue.malformed_task", []string{"kind:" + string(kind)})
		return nil, fmt.Errorf("%w: task unmarshal from %s: %s", ErrQueueOperation, kind, err)
	}
	task.raw = body
	return &task, nil
}

// Ack removes the processing-list copy written by Dequeue. Called for every
// terminal outcome; the retry copy, if any, already sits in the delayed zset.
func (q *RedisTaskQueue) Ack(ctx context.Context, task *Task) error {
	if task.raw == "" {
		return nil
	}
	pipe := q.conn.TxPipeline()
	pipe.LRem(ctx, processingKey(task.Kind), 1, task.raw)
	pipe.ZRem(ctx, leaseKey(task.Kind), task.raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: ack for task %s: %s", ErrQueueOperation, task.ID, err)
	}
	return nil
}

// ReclaimStale moves tasks with expired leases from the processing list back
// to the ready list. ZRem decides ownership when several sweeps race, the
// same way PromoteDue claims delayed members.
func (q *RedisTaskQueue) ReclaimStale(ctx context.Context, kind Kind) (int, error) {
	now := float64(time.Now().UnixMilli())
	expired, err := q.conn.ZRangeByScore(ctx, leaseKey(kind), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: lease scan for %s: %s", ErrQueueOperation, kind, err)
	}
	if len(expired) == 0 {
		return 0, nil
	}
	reclaimed := 0
	for _, member := range expired {
		removed, err := q.conn.ZRem(ctx, leaseKey(kind), member).Result()
		if err != nil {
			return reclaimed, fmt.Errorf("%w: lease remove for %s: %s", ErrQueueOperation, kind, err)
		}
		if removed == 0 {
			continue
		}
		pipe := q.conn.TxPipeline()
		pipe.LRem(ctx, processingKey(kind), 1, member)
		pipe.LPush(ctx, readyKey(kind), member)
		if _, err := pipe.Exec(ctx); err != nil {
			return reclaimed, fmt.Errorf("%w: stale reclaim for %s: %s", ErrQueueOperation, kind, err)
		}
		reclaimed++
	}
	metric.Count("queue.reclaimed", int64(reclaimed), []string{"kind:" + string(kind)})
	log.Warn().Msgf("reclaimed %d stale %s tasks from crashed workers", reclaimed, kind)
	return reclaimed, nil
}

func (q *RedisTaskQueue) RetryLater(ctx context.Context, task *Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("%w: task marshal: %s", ErrQueueOperation, err)
	}
	delay := DefaultPolicies[task.Kind].Backoff(task.Attempt)
	fireAt := time.Now().Add(delay)
	err = q.conn.ZAdd(ctx, delayedKey(task.Kind), redis.Z{
		Score:  float64(fireAt.UnixMilli()),
		Member: body,
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: retry schedule for task %s: %s", ErrQueueOperation, task.ID, err)
	}
	metric.Incr("queue.retry_scheduled", []string{"kind:" + string(task.Kind)})
	log.Info().Msgf("task %s (%s) attempt %d scheduled to retry in %s", task.ID, task.Kind, task.Attempt, delay)
	return nil
}

func (q *RedisTaskQueue) SettleChild(ctx context.Context, runID string) (bool, error) {
	expected, err := q.conn.Get(ctx, joinExpectedKey+runID).Int64()
	if err == redis.Nil {
		return false, fmt.Errorf("%w: run %s", ErrJoinNotFound, runID)
	}
	if err != nil {
		return false, fmt.Errorf("%w: join expected read for run %s: %s", ErrQueueOperation, runID, err)
	}

	settled, err := q.conn.Incr(ctx, joinSettledKey+runID).Result()
	if err != nil {
		return false, fmt.Errorf("%w: join settle for run %s: %s", ErrQueueOperation, runID, err)
	}
	metric.Incr("queue.child_settled", []string{})
	if settled != expected {
		if settled > expected {
			// a retried settlement after promotion; harmless but worth noticing
			log.Warn().Msgf("run %s settled count %d exceeds expected %d", runID, settled, expected)
		}
		return false, nil
	}

	// the INCR that reaches expected is the single promoter
	joinerBody, err := q.conn.Get(ctx, joinParkedKey+runID).Result()
	if err == redis.Nil {
		return false, fmt.Errorf("%w: parked joiner for run %s", ErrJoinNotFound, runID)
	}
	if err != nil {
		return false, fmt.Errorf("%w: parked joiner read for run %s: %s", ErrQueueOperation, runID, err)
	}
	pipe := q.conn.TxPipeline()
	pipe.LPush(ctx, readyKey(KindFinalization), joinerBody)
	pipe.Del(ctx, joinParkedKey+runID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("%w: joiner promote for run %s: %s", ErrQueueOperation, runID, err)
	}
	metric.Incr("queue.joiner_promoted", []string{})
	log.Info().Msgf("all %d children settled for run %s, finalization promoted", expected, runID)
	return true, nil
}

func (q *RedisTaskQueue) PromoteDue(ctx context.Context, kind Kind) (int, error) {
	now := float64(time.Now().UnixMilli())
	due, err := q.conn.ZRangeByScore(ctx, delayedKey(kind), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: delayed scan for %s: %s", ErrQueueOperation, kind, err)
	}
	if len(due) == 0 {
		return 0, nil
	}
	promoted := 0
	for _, member := range due {
		// ZRem decides ownership when several workers promote concurrently
		removed, err := q.conn.ZRem(ctx, delayedKey(kind), member).Result()
		if err != nil {
			return promoted, fmt.Errorf("%w: delayed remove for %s: %s", ErrQueueOperation, kind, err)
		}
		if removed == 0 {
			continue
		}
		if err := q.conn.LPush(ctx, readyKey(kind), member).Err(); err != nil {
			return promoted, fmt.Errorf("%w: delayed promote for %s: %s", ErrQueueOperation, kind, err)
		}
		promoted++
	}
	if promoted > 0 {
		metric.Count("queue.promoted", int64(promoted), []string{"kind:" + string(kind)})
	}
	return promoted, nil
}

func (q *RedisTaskQueue) JoinProgress(ctx context.Context, runID string) (int64, int64, error) {
	expected, err := q.conn.Get(ctx, joinExpectedKey+runID).Int64()
	if err == redis.Nil {
		return 0, 0, fmt.Errorf("%w: run %s", ErrJoinNotFound, runID)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("%w: join expected read for run %s: %s", ErrQueueOperation, runID, err)
	}
	settled, err := q.conn.Get(ctx, joinSettledKey+runID).Int64()
	if err != nil && err != redis.Nil {
		return 0, 0, fmt.Errorf("%w: join settled read for run %s: %s", ErrQueueOperation, runID, err)
	}
	return settled, expected, nil
}
