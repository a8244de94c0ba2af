package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/portalone/merchant-analytics/internal/calculator"
	"github.com/portalone/merchant-analytics/internal/queue"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func merchantTask(t *testing.T, runID, merchantID, processorName string) *queue.Task {
	t.Helper()
	task, err := queue.NewTask(queue.KindMerchant, runID, MerchantPayload{
		MerchantID:    merchantID,
		ProcessorName: processorName,
	})
	require.NoError(t, err)
	return task
}

func TestMerchantUnknownProcessorIsSkipNotFailure(t *testing.T) {
	o, m := newTestOrchestrator()

	err := o.HandleMerchant(context.Background(), merchantTask(t, "run-1", "M1", "Obscure Gateway"))

	require.NoError(t, err)
	m.aggregates.AssertNotCalled(t, "Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestMerchantOverwritesAggregateWithCalculatorResult(t *testing.T) {
	o, m := newTestOrchestrator()
	calc := &calculator.MockCalculator{}
	m.registry.Register(calculator.KindPayroc, calc)
	o.now = func() time.Time { return time.Date(2026, time.March, 15, 10, 0, 0, 0, time.UTC) }

	expectedWindow := calculator.DateRange{
		Start: time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, time.March, 31, 0, 0, 0, 0, time.UTC),
	}
	calc.On("CalculateVolumeAndCount", mock.Anything, "M1", "Payroc 12", expectedWindow).
		Return(calculator.VolumeAndCount{NetVolume: 120.50, TransactionCount: 3}, nil)
	m.aggregates.On("Put", mock.Anything, "M1", 120.50, int64(3)).Return(nil)

	err := o.HandleMerchant(context.Background(), merchantTask(t, "run-1", "M1", "Payroc 12"))

	require.NoError(t, err)
	m.aggregates.AssertExpectations(t)
}

func TestMerchantRetriedAttemptIsIdempotent(t *testing.T) {
	// a retried merchant task overwrites the same values, never double-counts
	o, m := newTestOrchestrator()
	calc := &calculator.MockCalculator{}
	m.registry.Register(calculator.KindIris, calc)

	calc.On("CalculateVolumeAndCount", mock.Anything, "M2", "ArgyleX", mock.Anything).
		Return(calculator.VolumeAndCount{NetVolume: 80.00, TransactionCount: 1}, nil)
	m.aggregates.On("Put", mock.Anything, "M2", 80.00, int64(1)).Return(nil)

	task := merchantTask(t, "run-1", "M2", "ArgyleX")
	require.NoError(t, o.HandleMerchant(context.Background(), task))
	require.NoError(t, o.HandleMerchant(context.Background(), task))

	m.aggregates.AssertNumberOfCalls(t, "Put", 2)
}

func TestMerchantCalculatorErrorFailsTask(t *testing.T) {
	o, m := newTestOrchestrator()
	calc := &calculator.MockCalculator{}
	m.registry.Register(calculator.KindPayroc, calc)

	calc.On("CalculateVolumeAndCount", mock.Anything, "M1", "Payroc 12", mock.Anything).
		Return(calculator.VolumeAndCount{}, errors.New("upstream 500"))

	err := o.HandleMerchant(context.Background(), merchantTask(t, "run-1", "M1", "Payroc 12"))

	require.Error(t, err)
	m.aggregates.AssertNotCalled(t, "Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
