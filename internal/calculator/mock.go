package calculator

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockCalculator implements Calculator for testing
type MockCalculator struct {
	mock.Mock
}

func (m *MockCalculator) CalculateVolumeAndCount(ctx context.Context, merchantID, processorName string, window DateRange) (VolumeAndCount, error) {
	args := m.Called(ctx, merchantID, processorName, window)
	return args.Get(0).(VolumeAndCount), args.Error(1)
}
