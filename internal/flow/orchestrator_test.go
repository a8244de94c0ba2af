package flow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/portalone/merchant-analytics/internal/calculator"
	"github.com/portalone/merchant-analytics/internal/crm"
	"github.com/portalone/merchant-analytics/internal/queue"
	"github.com/portalone/merchant-analytics/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type orchestratorMocks struct {
	locks      *store.MockLockManager
	aggregates *store.MockAggregateStore
	dispatch   *store.MockDispatchQueue
	tasks      *queue.MockTaskQueue
	flowState  *queue.MockFlowStateStore
	directory  *crm.MockClient
	registry   *calculator.Registry
}

func newTestOrchestrator() (*Orchestrator, *orchestratorMocks) {
	m := &orchestratorMocks{
		locks:      &store.MockLockManager{},
		aggregates: &store.MockAggregateStore{},
		dispatch:   &store.MockDispatchQueue{},
		tasks:      &queue.MockTaskQueue{},
		flowState:  &queue.MockFlowStateStore{},
		directory:  &crm.MockClient{},
		registry:   calculator.NewRegistry(),
	}
	o := NewOrchestrator(m.locks, m.aggregates, m.dispatch, m.tasks, m.flowState, m.directory, m.registry)
	return o, m
}

func userRunTask(t *testing.T, runID, userID, portalID string) *queue.Task {
	t.Helper()
	task, err := queue.NewTask(queue.KindUserRun, runID, UserRunPayload{UserID: userID, PortalID: portalID})
	require.NoError(t, err)
	return task
}

func TestTriggerAcquiresLockAndEnqueues(t *testing.T) {
	o, m := newTestOrchestrator()
	m.locks.On("TryAcquire", mock.Anything, "user-1").Return(true, nil)
	m.flowState.On("Save", mock.Anything, mock.Anything).Return(nil)
	m.tasks.On("Enqueue", mock.Anything, mock.MatchedBy(func(task *queue.Task) bool {
		return task.Kind == queue.KindUserRun
	})).Return(nil)

	runID, err := o.Trigger(context.Background(), "user-1", "portal-1")

	require.NoError(t, err)
	assert.NotEmpty(t, runID)
	m.tasks.AssertExpectations(t)
}

func TestTriggerConflictCarriesCurrentStatus(t *testing.T) {
	o, m := newTestOrchestrator()
	m.locks.On("TryAcquire", mock.Anything, "user-1").Return(false, nil)
	m.locks.On("GetStatus", mock.Anything, "user-1").Return(store.StatusProcessing, nil)

	runID, err := o.Trigger(context.Background(), "user-1", "portal-1")

	assert.Empty(t, runID)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, store.StatusProcessing, conflict.Status)
	m.tasks.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func TestConcurrentTriggersExactlyOneWins(t *testing.T) {
	// the store decides the winner: the loser's SetNX returns false and it
	// must observe the winner's status
	o, m := newTestOrchestrator()
	m.locks.On("TryAcquire", mock.Anything, "user-1").Return(true, nil).Once()
	m.locks.On("TryAcquire", mock.Anything, "user-1").Return(false, nil).Once()
	m.locks.On("GetStatus", mock.Anything, "user-1").Return(store.StatusQueued, nil)
	m.flowState.On("Save", mock.Anything, mock.Anything).Return(nil)
	m.tasks.On("Enqueue", mock.Anything, mock.Anything).Return(nil).Once()

	_, firstErr := o.Trigger(context.Background(), "user-1", "portal-1")
	_, secondErr := o.Trigger(context.Background(), "user-1", "portal-1")

	require.NoError(t, firstErr)
	var conflict *ConflictError
	require.ErrorAs(t, secondErr, &conflict)
	assert.Equal(t, store.StatusQueued, conflict.Status)
	m.tasks.AssertNumberOfCalls(t, "Enqueue", 1)
}

func TestUserRunWithNoMerchantsCompletes(t *testing.T) {
	o, m := newTestOrchestrator()
	m.locks.On("SetStatus", mock.Anything, "user-1", store.StatusProcessing).Return(nil)
	m.locks.On("SetStatus", mock.Anything, "user-1", store.StatusCompleted).Return(nil)
	m.flowState.On("Save", mock.Anything, mock.Anything).Return(nil)
	m.directory.On("GetMerchantsForPortal", mock.Anything, "portal-1").Return([]crm.Merchant{}, nil)

	err := o.HandleUserRun(context.Background(), userRunTask(t, "run-1", "user-1", "portal-1"))

	require.NoError(t, err)
	m.locks.AssertCalled(t, "SetStatus", mock.Anything, "user-1", store.StatusCompleted)
	m.tasks.AssertNotCalled(t, "EnqueueFlow", mock.Anything, mock.Anything, mock.Anything)
	m.dispatch.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
}

func TestUserRunFansOutChildrenAndJoiner(t *testing.T) {
	o, m := newTestOrchestrator()
	merchants := []crm.Merchant{
		{MerchantID: "M1", ProcessorName: "Payroc 12", Name: "Coffee Corner"},
		{MerchantID: "M2", ProcessorName: "ArgyleX", Name: ""},
	}
	m.locks.On("SetStatus", mock.Anything, "user-1", store.StatusProcessing).Return(nil)
	m.flowState.On("Save", mock.Anything, mock.Anything).Return(nil)
	m.directory.On("GetMerchantsForPortal", mock.Anything, "portal-1").Return(merchants, nil)
	m.aggregates.On("Clear", mock.Anything, []string{"M1", "M2"}).Return(nil)
	m.tasks.On("EnqueueFlow", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	err := o.HandleUserRun(context.Background(), userRunTask(t, "run-1", "user-1", "portal-1"))
	require.NoError(t, err)

	call := m.tasks.Calls[0]
	joiner := call.Arguments.Get(1).(*queue.Task)
	children := call.Arguments.Get(2).([]*queue.Task)

	assert.Equal(t, queue.KindFinalization, joiner.Kind)
	assert.Equal(t, "run-1", joiner.RunID)
	require.Len(t, children, 2)
	for _, child := range children {
		assert.Equal(t, queue.KindMerchant, child.Kind)
		assert.Equal(t, "run-1", child.RunID)
	}

	var fc FinalizationContext
	require.NoError(t, json.Unmarshal(joiner.Payload, &fc))
	assert.Equal(t, []string{"M1", "M2"}, fc.MerchantIDs)
	assert.Equal(t, "Coffee Corner", fc.Names["M1"])
	assert.Equal(t, UnknownMerchantName, fc.Names["M2"])
}

func TestUserRunDirectoryFailureMarksRunFailed(t *testing.T) {
	o, m := newTestOrchestrator()
	m.locks.On("SetStatus", mock.Anything, "user-1", store.StatusProcessing).Return(nil)
	m.locks.On("SetStatus", mock.Anything, "user-1", store.StatusFailed).Return(nil)
	m.flowState.On("Save", mock.Anything, mock.Anything).Return(nil)
	m.directory.On("GetMerchantsForPortal", mock.Anything, "portal-1").
		Return(nil, errors.New("directory unavailable"))

	err := o.HandleUserRun(context.Background(), userRunTask(t, "run-1", "user-1", "portal-1"))

	require.Error(t, err)
	m.locks.AssertCalled(t, "SetStatus", mock.Anything, "user-1", store.StatusFailed)
	m.tasks.AssertNotCalled(t, "EnqueueFlow", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunProgress(t *testing.T) {
	o, m := newTestOrchestrator()
	m.tasks.On("JoinProgress", mock.Anything, "run-1").Return(int64(3), int64(4), nil)
	assert.Equal(t, 75, o.RunProgress(context.Background(), "run-1"))

	m.tasks.On("JoinProgress", mock.Anything, "run-2").Return(int64(0), int64(0), errors.New("not found"))
	assert.Equal(t, 0, o.RunProgress(context.Background(), "run-2"))
}
