package crm

import (
	"context"

	"github.com/portalone/merchant-analytics/internal/store"
	"github.com/stretchr/testify/mock"
)

// MockClient implements Client for testing
type MockClient struct {
	mock.Mock
}

func (m *MockClient) GetAllUsers(ctx context.Context) ([]User, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]User), args.Error(1)
}

func (m *MockClient) GetMerchantsForPortal(ctx context.Context, portalID string) ([]Merchant, error) {
	args := m.Called(ctx, portalID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Merchant), args.Error(1)
}

func (m *MockClient) BulkUpsertTopMerchants(ctx context.Context, results []store.TopMerchantsResult) error {
	args := m.Called(ctx, results)
	return args.Error(0)
}
