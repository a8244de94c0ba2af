package store

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockLockManager implements LockManager for testing
type MockLockManager struct {
	mock.Mock
}

func (m *MockLockManager) TryAcquire(ctx context.Context, userID string) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

func (m *MockLockManager) SetStatus(ctx context.Context, userID string, status RunStatus) error {
	args := m.Called(ctx, userID, status)
	return args.Error(0)
}

func (m *MockLockManager) GetStatus(ctx context.Context, userID string) (RunStatus, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(RunStatus), args.Error(1)
}

// MockAggregateStore implements AggregateStore for testing
type MockAggregateStore struct {
	mock.Mock
}

func (m *MockAggregateStore) Put(ctx context.Context, merchantID string, netVolume float64, txnCount int64) error {
	args := m.Called(ctx, merchantID, netVolume, txnCount)
	return args.Error(0)
}

func (m *MockAggregateStore) ReadAll(ctx context.Context, merchantIDs []string) ([]Aggregate, error) {
	args := m.Called(ctx, merchantIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Aggregate), args.Error(1)
}

func (m *MockAggregateStore) Clear(ctx context.Context, merchantIDs []string) error {
	args := m.Called(ctx, merchantIDs)
	return args.Error(0)
}

// MockDispatchQueue implements DispatchQueue for testing
type MockDispatchQueue struct {
	mock.Mock
}

func (m *MockDispatchQueue) Append(ctx context.Context, result TopMerchantsResult) error {
	args := m.Called(ctx, result)
	return args.Error(0)
}

func (m *MockDispatchQueue) Drain(ctx context.Context) ([]TopMerchantsResult, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]TopMerchantsResult), args.Error(1)
}

func (m *MockDispatchQueue) Len(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}
