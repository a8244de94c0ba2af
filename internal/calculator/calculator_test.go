package calculator

import (
	"net/http"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	testCases := []struct {
		name          string
		processorName string
		want          Kind
	}{
		{"payroc with office code", "Payroc 12", KindPayroc},
		{"payroc lowercase", "payroc 7", KindPayroc},
		{"argyle brand", "ArgyleX", KindIris},
		{"merchant lynx brand", "Merchant Lynx East", KindIris},
		{"unknown processor", "Stripe", KindUnknown},
		{"empty name", "", KindUnknown},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseKind(tc.processorName))
		})
	}
}

func TestRegistryResolve(t *testing.T) {
	registry := NewRegistry()
	calc := &MockCalculator{}
	registry.Register(KindPayroc, calc)

	resolved, err := registry.Resolve("Payroc 12")
	require.NoError(t, err)
	assert.Same(t, calc, resolved)

	_, err = registry.Resolve("Stripe")
	assert.ErrorIs(t, err, ErrUnsupportedProcessor)

	// known family but no registered integration
	_, err = registry.Resolve("ArgyleX")
	assert.ErrorIs(t, err, ErrUnsupportedProcessor)
}

func TestNewDefaultRegistryCoversEveryProcessorFamily(t *testing.T) {
	viper.Set("PAYROC_BASE_URL", "https://payroc.test")
	defer viper.Set("PAYROC_BASE_URL", "")

	registry, err := NewDefaultRegistry(http.DefaultClient)
	require.NoError(t, err)

	for _, processorName := range []string{"Payroc 12", "ArgyleX", "Merchant Lynx East"} {
		calc, err := registry.Resolve(processorName)
		require.NoError(t, err, processorName)
		assert.NotNil(t, calc)
	}
	_, err = registry.Resolve("Stripe")
	assert.ErrorIs(t, err, ErrUnsupportedProcessor)
}

func TestNewDefaultRegistryRequiresPayrocBaseURL(t *testing.T) {
	viper.Set("PAYROC_BASE_URL", "")
	_, err := NewDefaultRegistry(http.DefaultClient)
	assert.ErrorIs(t, err, ErrConfigMissing)
}

func TestCurrentMonthWindow(t *testing.T) {
	testCases := []struct {
		name      string
		now       time.Time
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			name:      "mid month",
			now:       time.Date(2026, time.March, 15, 13, 45, 0, 0, time.UTC),
			wantStart: time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, time.March, 31, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "february non leap",
			now:       time.Date(2026, time.February, 28, 23, 59, 59, 0, time.UTC),
			wantStart: time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, time.February, 28, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "december wraps year boundary",
			now:       time.Date(2025, time.December, 1, 0, 0, 0, 0, time.UTC),
			wantStart: time.Date(2025, time.December, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, time.December, 31, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "first of month",
			now:       time.Date(2026, time.April, 1, 0, 0, 1, 0, time.UTC),
			wantStart: time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, time.April, 30, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			window := CurrentMonthWindow(tc.now)
			assert.Equal(t, tc.wantStart, window.Start)
			assert.Equal(t, tc.wantEnd, window.End)
		})
	}
}
