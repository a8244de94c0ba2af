package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/portalone/merchant-analytics/internal/calculator"
	"github.com/portalone/merchant-analytics/internal/crm"
	"github.com/portalone/merchant-analytics/internal/queue"
	"github.com/portalone/merchant-analytics/internal/store"
	"github.com/portalone/merchant-analytics/pkg/metric"
	"github.com/rs/zerolog/log"
)

// Orchestrator owns the run lifecycle: the idempotency lock, the fan-out of
// merchant tasks, and the fan-in finalization. Merchant-level state lives in
// the aggregation store, never here.
type Orchestrator struct {
	locks      store.LockManager
	aggregates store.AggregateStore
	dispatch   store.DispatchQueue
	tasks      queue.TaskQueue
	flowState  queue.FlowStateStore
	directory  crm.Client
	registry   *calculator.Registry
	now        func() time.Time
}

func NewOrchestrator(
	locks store.LockManager,
	aggregates store.AggregateStore,
	dispatch store.DispatchQueue,
	tasks queue.TaskQueue,
	flowState queue.FlowStateStore,
	directory crm.Client,
	registry *calculator.Registry,
) *Orchestrator {
	return &Orchestrator{
		locks:      locks,
		aggregates: aggregates,
		dispatch:   dispatch,
		tasks:      tasks,
		flowState:  flowState,
		directory:  directory,
		registry:   registry,
		now:        time.Now,
	}
}

// Trigger starts a run for the user if none is in flight. Returns the run id,
// or a ConflictError carrying the current lock status.
func (o *Orchestrator) Trigger(ctx context.Context, userID, portalID string) (string, error) {
	acquired, err := o.locks.TryAcquire(ctx, userID)
	if err != nil {
		return "", err
	}
	if !acquired {
		status, statusErr := o.locks.GetStatus(ctx, userID)
		if statusErr != nil {
			// racing TTL expiry between SetNX and Get; report what we know
			status = "unknown"
		}
		metric.Incr("flow.trigger.conflict", []string{})
		return "", &ConflictError{Status: status}
	}

	runID := uuid.NewString()
	task, err := queue.NewTask(queue.KindUserRun, runID, UserRunPayload{UserID: userID, PortalID: portalID})
	if err != nil {
		return "", err
	}
	if err := o.flowState.Save(ctx, &queue.FlowRecord{RunID: runID, UserID: userID, State: queue.FlowWaiting}); err != nil {
		log.Error().Err(err).Msgf("could not record flow state for run %s", runID)
	}
	if err := o.tasks.Enqueue(ctx, task); err != nil {
		return "", err
	}
	metric.Incr("flow.trigger.accepted", []string{})
	log.Info().Msgf("analytics run %s queued for user %s", runID, userID)
	return runID, nil
}

// HandleUserRun fans a triggered run out: one merchant task per merchant plus
// a finalization joiner over exactly those children.
func (o *Orchestrator) HandleUserRun(ctx context.Context, task *queue.Task) error {
	var payload UserRunPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("user-run payload unmarshal: %w", err)
	}
	userID, portalID := payload.UserID, payload.PortalID
	log.Info().Msgf("starting analytics for user %s (run %s)", userID, task.RunID)

	if err := o.locks.SetStatus(ctx, userID, store.StatusProcessing); err != nil {
		return err
	}
	o.saveFlowState(ctx, task.RunID, userID, queue.FlowActive, nil)

	if err := o.fanOut(ctx, task.RunID, userID, portalID); err != nil {
		log.Error().Err(err).Msgf("failed to process user run for user %s", userID)
		o.markRunFailed(ctx, task.RunID, userID, err)
		return err
	}
	return nil
}

func (o *Orchestrator) fanOut(ctx context.Context, runID, userID, portalID string) error {
	merchants, err := o.directory.GetMerchantsForPortal(ctx, portalID)
	if err != nil {
		return err
	}
	if len(merchants) == 0 {
		log.Warn().Msgf("no merchants found for user %s, run complete", userID)
		if err := o.locks.SetStatus(ctx, userID, store.StatusCompleted); err != nil {
			return err
		}
		o.saveFlowState(ctx, runID, userID, queue.FlowCompleted, nil)
		return nil
	}
	log.Info().Msgf("found %d merchants for user %s, creating child jobs", len(merchants), userID)

	merchantIDs := make([]string, len(merchants))
	names := make(map[string]string, len(merchants))
	children := make([]*queue.Task, len(merchants))
	for i, merchant := range merchants {
		merchantIDs[i] = merchant.MerchantID
		name := merchant.Name
		if name == "" {
			name = UnknownMerchantName
		}
		names[merchant.MerchantID] = name
		child, err := queue.NewTask(queue.KindMerchant, runID, MerchantPayload{
			MerchantID:    merchant.MerchantID,
			ProcessorName: merchant.ProcessorName,
		})
		if err != nil {
			return err
		}
		children[i] = child
	}

	// a fresh run never inherits totals from a previous window
	if err := o.aggregates.Clear(ctx, merchantIDs); err != nil {
		return err
	}

	joiner, err := queue.NewTask(queue.KindFinalization, runID, FinalizationContext{
		UserID:      userID,
		PortalID:    portalID,
		MerchantIDs: merchantIDs,
		Names:       names,
	})
	if err != nil {
		return err
	}
	if err := o.tasks.EnqueueFlow(ctx, joiner, children); err != nil {
		return err
	}
	o.saveFlowState(ctx, runID, userID, queue.FlowWaitingChildren, nil)
	return nil
}

// HandleMerchant computes one merchant's totals for the current month and
// overwrites its aggregate. An unsupported processor is a skip, not a failure:
// retrying it would burn the retry budget for nothing and delay the join.
func (o *Orchestrator) HandleMerchant(ctx context.Context, task *queue.Task) error {
	var payload MerchantPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("merchant payload unmarshal: %w", err)
	}
	log.Info().Msgf("processing merchant %s (%s)", payload.MerchantID, payload.ProcessorName)

	calc, err := o.registry.Resolve(payload.ProcessorName)
	if errors.Is(err, calculator.ErrUnsupportedProcessor) {
		log.Warn().Msgf("no integration for processor %q, skipping merchant %s", payload.ProcessorName, payload.MerchantID)
		metric.Incr("flow.merchant.skipped", []string{})
		return nil
	}
	if err != nil {
		return err
	}

	window := calculator.CurrentMonthWindow(o.now())
	result, err := calc.CalculateVolumeAndCount(ctx, payload.MerchantID, payload.ProcessorName, window)
	if err != nil {
		return err
	}
	if err := o.aggregates.Put(ctx, payload.MerchantID, result.NetVolume, result.TransactionCount); err != nil {
		return err
	}
	log.Info().Msgf("finished processing merchant %s: volume=%f count=%d",
		payload.MerchantID, result.NetVolume, result.TransactionCount)
	return nil
}

// HandleFinalization is the fan-in step: it fires only after every declared
// child has settled. Re-running it over unchanged aggregates is idempotent.
func (o *Orchestrator) HandleFinalization(ctx context.Context, task *queue.Task) error {
	var fc FinalizationContext
	if err := json.Unmarshal(task.Payload, &fc); err != nil {
		return fmt.Errorf("finalization context unmarshal: %w", err)
	}
	log.Info().Msgf("finalizing analytics for user %s (run %s)", fc.UserID, task.RunID)

	if err := o.finalize(ctx, task.RunID, fc); err != nil {
		log.Error().Err(err).Msgf("failed to finalize analytics for user %s", fc.UserID)
		o.markRunFailed(ctx, task.RunID, fc.UserID, err)
		return err
	}
	return nil
}

func (o *Orchestrator) finalize(ctx context.Context, runID string, fc FinalizationContext) error {
	if len(fc.MerchantIDs) == 0 {
		if err := o.locks.SetStatus(ctx, fc.UserID, store.StatusCompleted); err != nil {
			return err
		}
		o.saveFlowState(ctx, runID, fc.UserID, queue.FlowCompleted, nil)
		return nil
	}

	aggregates, err := o.aggregates.ReadAll(ctx, fc.MerchantIDs)
	if err != nil {
		return err
	}
	result := store.TopMerchantsResult{
		UserID:       fc.UserID,
		PortalID:     fc.PortalID,
		TopMerchants: rankTopMerchants(aggregates, fc.Names),
	}
	if err := o.dispatch.Append(ctx, result); err != nil {
		return err
	}
	if err := o.locks.SetStatus(ctx, fc.UserID, store.StatusCompleted); err != nil {
		return err
	}
	returnValue, _ := json.Marshal(result)
	o.saveFlowState(ctx, runID, fc.UserID, queue.FlowCompleted, returnValue)
	metric.Incr("flow.run.completed", []string{})
	log.Info().Msgf("finalized and queued results for user %s", fc.UserID)
	return nil
}

func (o *Orchestrator) markRunFailed(ctx context.Context, runID, userID string, cause error) {
	if err := o.locks.SetStatus(ctx, userID, store.StatusFailed); err != nil {
		log.Error().Err(err).Msgf("could not mark lock failed for user %s", userID)
	}
	record := &queue.FlowRecord{
		RunID:        runID,
		UserID:       userID,
		State:        queue.FlowFailed,
		FailedReason: cause.Error(),
		Stacktrace:   string(debug.Stack()),
	}
	if err := o.flowState.Save(ctx, record); err != nil {
		log.Error().Err(err).Msgf("could not record flow state for run %s", runID)
	}
	metric.Incr("flow.run.failed", []string{})
}

func (o *Orchestrator) saveFlowState(ctx context.Context, runID, userID string, state queue.FlowState, returnValue json.RawMessage) {
	record := &queue.FlowRecord{RunID: runID, UserID: userID, State: state, ReturnValue: returnValue}
	if err := o.flowState.Save(ctx, record); err != nil {
		log.Error().Err(err).Msgf("could not record flow state for run %s", runID)
	}
}

// RunProgress reports settled vs expected children as a 0-100 figure for the
// status endpoint. A run with no join yet reports zero.
func (o *Orchestrator) RunProgress(ctx context.Context, runID string) int {
	settled, expected, err := o.tasks.JoinProgress(ctx, runID)
	if err != nil || expected == 0 {
		return 0
	}
	if settled > expected {
		settled = expected
	}
	return int(settled * 100 / expected)
}
