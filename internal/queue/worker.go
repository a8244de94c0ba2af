package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/portalone/merchant-analytics/pkg/metric"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	dequeueTimeout  = 5 * time.Second
	promoteInterval = time.Second
	reclaimInterval = 30 * time.Second

	// settleAttempts bounds retries of the join settlement itself. Losing a
	// settlement wedges the run until the lock TTL, so a transient store
	// error is worth a few more tries.
	settleAttempts = 5
	settleBackoff  = 200 * time.Millisecond
)

// Handler executes one task attempt. A nil return settles the task as
// success; a non-nil return consumes one attempt from its retry budget.
type Handler func(ctx context.Context, task *Task) error

// Worker polls the ready lists, executes registered handlers, schedules
// retries, and settles merchant children so joins can fire.
type Worker struct {
	queue       TaskQueue
	handlers    map[Kind]Handler
	concurrency map[Kind]int
	wg          sync.WaitGroup
}

func NewWorker(q TaskQueue) *Worker {
	return &Worker{
		queue:       q,
		handlers:    make(map[Kind]Handler),
		concurrency: make(map[Kind]int),
	}
}

// Register binds a handler to a task kind. Concurrency comes from
// WORKER_<KIND>_CONCURRENCY, defaulting to 4.
func (w *Worker) Register(kind Kind, handler Handler) {
	w.handlers[kind] = handler
	envKey := "WORKER_" + envName(kind) + "_CONCURRENCY"
	concurrency := viper.GetInt(envKey)
	if concurrency <= 0 {
		concurrency = 4
	}
	w.concurrency[kind] = concurrency
}

func envName(kind Kind) string {
	switch kind {
	case KindUserRun:
		return "USER_RUN"
	case KindMerchant:
		return "MERCHANT"
	case KindFinalization:
		return "FINALIZATION"
	}
	return "UNKNOWN"
}

// Run starts the poll loops and blocks until ctx is cancelled and all
// in-flight tasks have finished.
func (w *Worker) Run(ctx context.Context) {
	for kind, handler := range w.handlers {
		for i := 0; i < w.concurrency[kind]; i++ {
			w.wg.Add(1)
			go w.pollLoop(ctx, kind, handler, i)
		}
		w.wg.Add(1)
		go w.promoteLoop(ctx, kind)
		w.wg.Add(1)
		go w.reclaimLoop(ctx, kind)
	}
	log.Info().Msgf("worker started for %d task kinds", len(w.handlers))
	w.wg.Wait()
	log.Info().Msg("worker stopped")
}

func (w *Worker) pollLoop(ctx context.Context, kind Kind, handler Handler, slot int) {
	defer w.wg.Done()
	log.Info().Msgf("starting consumption for %s (slot %d)", kind, slot)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		task, err := w.queue.Dequeue(ctx, kind, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msgf("dequeue failed for %s", kind)
			time.Sleep(time.Second)
			continue
		}
		if task == nil {
			continue
		}
		w.execute(ctx, task, handler)
	}
}

func (w *Worker) execute(ctx context.Context, task *Task, handler Handler) {
	defer w.ack(ctx, task)
	task.Attempt++
	t1 := time.Now()
	err := w.safeHandle(ctx, task, handler)
	metric.Timing("worker.task.latency", time.Since(t1), []string{"kind:" + string(task.Kind)})

	if err == nil {
		metric.Incr("worker.task.success", []string{"kind:" + string(task.Kind)})
		w.settleIfChild(ctx, task)
		return
	}

	log.Error().Err(err).Msgf("task %s (%s) attempt %d/%d failed", task.ID, task.Kind, task.Attempt, task.MaxAttempts)
	metric.Incr("worker.task.failure", []string{"kind:" + string(task.Kind)})

	if !task.Exhausted() {
		if retryErr := w.queue.RetryLater(ctx, task); retryErr != nil {
			log.Error().Err(retryErr).Msgf("could not schedule retry for task %s, settling as failed", task.ID)
			w.settleIfChild(ctx, task)
		}
		return
	}

	log.Warn().Msgf("task %s (%s) exhausted %d attempts", task.ID, task.Kind, task.MaxAttempts)
	metric.Incr("worker.task.exhausted", []string{"kind:" + string(task.Kind)})
	w.settleIfChild(ctx, task)
}

// ack drops the processing-list copy of a task that reached a terminal
// outcome. An ack failure is safe to log and move on: the lease expires and
// the reclaim sweep re-runs the task, which every handler tolerates.
func (w *Worker) ack(ctx context.Context, task *Task) {
	if err := w.queue.Ack(ctx, task); err != nil {
		log.Error().Err(err).Msgf("could not ack task %s, it will be reclaimed and re-run", task.ID)
	}
}

func (w *Worker) safeHandle(ctx context.Context, task *Task, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Msgf("recovered from panic in task %s: %v\n%s", task.ID, r, debug.Stack())
			metric.Incr("worker.task.panic", []string{"kind:" + string(task.Kind)})
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return handler(ctx, task)
}

// settleIfChild counts a merchant task's terminal outcome toward its run's
// join. Failures settle too: one merchant must never block finalization.
// The settlement itself retries a bounded number of times because a lost
// settlement leaves the join short of expected and wedges the run until the
// lock TTL expires.
func (w *Worker) settleIfChild(ctx context.Context, task *Task) {
	if task.Kind != KindMerchant {
		return
	}
	var err error
	for attempt := 1; attempt <= settleAttempts; attempt++ {
		var promoted bool
		promoted, err = w.queue.SettleChild(ctx, task.RunID)
		if err == nil {
			if promoted {
				log.Info().Msgf("finalization promoted for run %s", task.RunID)
			}
			return
		}
		if ctx.Err() != nil {
			break
		}
		log.Warn().Err(err).Msgf("settle attempt %d/%d failed for run %s", attempt, settleAttempts, task.RunID)
		if attempt < settleAttempts {
			time.Sleep(settleBackoff * time.Duration(attempt))
		}
	}
	log.Error().Err(err).Msgf("could not settle child for run %s, join may stay short until the lock expires", task.RunID)
	metric.Incr("worker.settle.lost", []string{})
}

func (w *Worker) promoteLoop(ctx context.Context, kind Kind) {
	defer w.wg.Done()
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.queue.PromoteDue(ctx, kind); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msgf("promotion failed for %s", kind)
			}
		}
	}
}

func (w *Worker) reclaimLoop(ctx context.Context, kind Kind) {
	defer w.wg.Done()
	ticker := time.NewTicker(reclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.queue.ReclaimStale(ctx, kind); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msgf("stale reclaim failed for %s", kind)
			}
		}
	}
}
