package queue

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockTaskQueue implements TaskQueue for testing
type MockTaskQueue struct {
	mock.Mock
}

func (m *MockTaskQueue) Enqueue(ctx context.Context, task *Task) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

func (m *MockTaskQueue) EnqueueFlow(ctx context.Context, joiner *Task, children []*Task) error {
	args := m.Called(ctx, joiner, children)
	return args.Error(0)
}

func (m *MockTaskQueue) Dequeue(ctx context.Context, kind Kind, timeout time.Duration) (*Task, error) {
	args := m.Called(ctx, kind, timeout)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Task), args.Error(1)
}

func (m *MockTaskQueue) Ack(ctx context.Context, task *Task) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

func (m *MockTaskQueue) ReclaimStale(ctx context.Context, kind Kind) (int, error) {
	args := m.Called(ctx, kind)
	return args.Int(0), args.Error(1)
}

func (m *MockTaskQueue) RetryLater(ctx context.Context, task *Task) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

func (m *MockTaskQueue) SettleChild(ctx context.Context, runID string) (bool, error) {
	args := m.Called(ctx, runID)
	return args.Bool(0), args.Error(1)
}

func (m *MockTaskQueue) PromoteDue(ctx context.Context, kind Kind) (int, error) {
	args := m.Called(ctx, kind)
	return args.Int(0), args.Error(1)
}

func (m *MockTaskQueue) JoinProgress(ctx context.Context, runID string) (int64, int64, error) {
	args := m.Called(ctx, runID)
	return args.Get(0).(int64), args.Get(1).(int64), args.Error(2)
}

// MockFlowStateStore implements FlowStateStore for testing
type MockFlowStateStore struct {
	mock.Mock
}

func (m *MockFlowStateStore) Save(ctx context.Context, record *FlowRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockFlowStateStore) Get(ctx context.Context, runID string) (*FlowRecord, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*FlowRecord), args.Error(1)
}
