package queue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*RedisTaskQueue, *miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return &RedisTaskQueue{conn: client}, mr, client
}

func flowTasks(t *testing.T, runID string, childCount int) (*Task, []*Task) {
	t.Helper()
	joiner, err := NewTask(KindFinalization, runID, map[string]string{"userId": "U-1"})
	require.NoError(t, err)
	children := make([]*Task, childCount)
	for i := range children {
		child, err := NewTask(KindMerchant, runID, map[string]string{"merchantId": "M-1"})
		require.NoError(t, err)
		children[i] = child
	}
	return joiner, children
}

func TestEnqueueFlowDeclaresJoinAndChildren(t *testing.T) {
	q, _, client := newTestQueue(t)
	ctx := context.Background()
	joiner, children := flowTasks(t, "run-1", 2)

	require.NoError(t, q.EnqueueFlow(ctx, joiner, children))

	expected, err := client.Get(ctx, joinExpectedKey+"run-1").Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(2), expected)
	settled, err := client.Get(ctx, joinSettledKey+"run-1").Int64()
	require.NoError(t, err)
	assert.Zero(t, settled)
	assert.Positive(t, client.Exists(ctx, joinParkedKey+"run-1").Val())
	assert.Equal(t, int64(2), client.LLen(ctx, readyKey(KindMerchant)).Val())
	assert.Zero(t, client.LLen(ctx, readyKey(KindFinalization)).Val())
}

func TestSettleChildShortOfExpectedDoesNotPromote(t *testing.T) {
	q, _, client := newTestQueue(t)
	ctx := context.Background()
	joiner, children := flowTasks(t, "run-1", 3)
	require.NoError(t, q.EnqueueFlow(ctx, joiner, children))

	for i := 0; i < 2; i++ {
		promoted, err := q.SettleChild(ctx, "run-1")
		require.NoError(t, err)
		assert.False(t, promoted)
	}
	assert.Zero(t, client.LLen(ctx, readyKey(KindFinalization)).Val())
	assert.Positive(t, client.Exists(ctx, joinParkedKey+"run-1").Val())
}

func TestSettleChildPromotesExactlyOnceUnderConcurrency(t *testing.T) {
	q, _, client := newTestQueue(t)
	ctx := context.Background()
	const childCount = 8
	joiner, children := flowTasks(t, "run-1", childCount)
	require.NoError(t, q.EnqueueFlow(ctx, joiner, children))

	var promotions int32
	var wg sync.WaitGroup
	for i := 0; i < childCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			promoted, err := q.SettleChild(ctx, "run-1")
			assert.NoError(t, err)
			if promoted {
				atomic.AddInt32(&promotions, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), promotions, "the settlement reaching expected is the single promoter")
	assert.Equal(t, int64(1), client.LLen(ctx, readyKey(KindFinalization)).Val())
	assert.Zero(t, client.Exists(ctx, joinParkedKey+"run-1").Val(), "parked joiner is consumed by promotion")
}

func TestSettleChildUnknownRun(t *testing.T) {
	q, _, _ := newTestQueue(t)
	_, err := q.SettleChild(context.Background(), "no-such-run")
	assert.ErrorIs(t, err, ErrJoinNotFound)
}

func TestDequeueMovesTaskToProcessingUnderLease(t *testing.T) {
	q, _, client := newTestQueue(t)
	ctx := context.Background()
	task, err := NewTask(KindUserRun, "run-1", map[string]string{"userId": "U-1"})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, task))

	dequeued, err := q.Dequeue(ctx, KindUserRun, time.Second)
	require.NoError(t, err)
	require.NotNil(t, dequeued)
	assert.Equal(t, task.ID, dequeued.ID)

	// the durable copy survives in the processing list until acked
	assert.Zero(t, client.LLen(ctx, readyKey(KindUserRun)).Val())
	assert.Equal(t, int64(1), client.LLen(ctx, processingKey(KindUserRun)).Val())
	assert.Equal(t, int64(1), client.ZCard(ctx, leaseKey(KindUserRun)).Val())

	require.NoError(t, q.Ack(ctx, dequeued))
	assert.Zero(t, client.LLen(ctx, processingKey(KindUserRun)).Val())
	assert.Zero(t, client.ZCard(ctx, leaseKey(KindUserRun)).Val())
}

func TestDequeueEmptyTimesOutAsNil(t *testing.T) {
	q, _, _ := newTestQueue(t)
	task, err := q.Dequeue(context.Background(), KindUserRun, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestReclaimStaleReturnsExpiredLeaseToReady(t *testing.T) {
	q, _, client := newTestQueue(t)
	ctx := context.Background()
	task, err := NewTask(KindMerchant, "run-1", map[string]string{"merchantId": "M-1"})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, task))

	dequeued, err := q.Dequeue(ctx, KindMerchant, time.Second)
	require.NoError(t, err)
	require.NotNil(t, dequeued)

	// a live lease is not reclaimed
	reclaimed, err := q.ReclaimStale(ctx, KindMerchant)
	require.NoError(t, err)
	assert.Zero(t, reclaimed)

	// expire the lease as a crashed worker would have left it
	require.NoError(t, client.ZAdd(ctx, leaseKey(KindMerchant), redis.Z{
		Score:  float64(time.Now().Add(-time.Minute).UnixMilli()),
		Member: dequeued.raw,
	}).Err())

	reclaimed, err = q.ReclaimStale(ctx, KindMerchant)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)
	assert.Equal(t, int64(1), client.LLen(ctx, readyKey(KindMerchant)).Val())
	assert.Zero(t, client.LLen(ctx, processingKey(KindMerchant)).Val())

	// the recovered task dequeues again intact
	again, err := q.Dequeue(ctx, KindMerchant, time.Second)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, task.ID, again.ID)
}

func TestPromoteDueMovesOnlyDueMembersOnce(t *testing.T) {
	q, _, client := newTestQueue(t)
	ctx := context.Background()

	future, err := NewTask(KindMerchant, "run-1", map[string]string{"merchantId": "M-1"})
	require.NoError(t, err)
	future.Attempt = 1
	require.NoError(t, q.RetryLater(ctx, future))

	// backoff has not elapsed, nothing moves
	promoted, err := q.PromoteDue(ctx, KindMerchant)
	require.NoError(t, err)
	assert.Zero(t, promoted)

	// plant an overdue member directly
	due, err := NewTask(KindMerchant, "run-1", map[string]string{"merchantId": "M-2"})
	require.NoError(t, err)
	dueBody, err := json.Marshal(due)
	require.NoError(t, err)
	require.NoError(t, client.ZAdd(ctx, delayedKey(KindMerchant), redis.Z{
		Score:  float64(time.Now().Add(-time.Second).UnixMilli()),
		Member: dueBody,
	}).Err())

	var total int32
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := q.PromoteDue(ctx, KindMerchant)
			assert.NoError(t, err)
			atomic.AddInt32(&total, int32(n))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), total, "concurrent promoters must not duplicate a member")
	assert.Equal(t, int64(1), client.LLen(ctx, readyKey(KindMerchant)).Val())
	assert.Equal(t, int64(1), client.ZCard(ctx, delayedKey(KindMerchant)).Val(), "the future member stays delayed")
}

func TestJoinProgressCounts(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()
	joiner, children := flowTasks(t, "run-1", 4)
	require.NoError(t, q.EnqueueFlow(ctx, joiner, children))

	for i := 0; i < 3; i++ {
		_, err := q.SettleChild(ctx, "run-1")
		require.NoError(t, err)
	}
	settled, expected, err := q.JoinProgress(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), settled)
	assert.Equal(t, int64(4), expected)
}
