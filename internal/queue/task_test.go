package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicyBackoff(t *testing.T) {
	testCases := []struct {
		name    string
		kind    Kind
		attempt int
		want    time.Duration
	}{
		{"user run first retry", KindUserRun, 1, 10 * time.Second},
		{"user run second retry", KindUserRun, 2, 20 * time.Second},
		{"merchant first retry", KindMerchant, 1, 30 * time.Second},
		{"merchant second retry", KindMerchant, 2, 60 * time.Second},
		{"merchant third retry", KindMerchant, 3, 120 * time.Second},
		{"finalization first retry", KindFinalization, 1, 5 * time.Second},
		{"attempt below one clamps", KindUserRun, 0, 10 * time.Second},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DefaultPolicies[tc.kind].Backoff(tc.attempt))
		})
	}
}

func TestNewTask(t *testing.T) {
	payload := map[string]string{"userId": "U-1"}
	task, err := NewTask(KindMerchant, "run-1", payload)
	require.NoError(t, err)

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, KindMerchant, task.Kind)
	assert.Equal(t, "run-1", task.RunID)
	assert.Equal(t, 0, task.Attempt)
	assert.Equal(t, 3, task.MaxAttempts)
	assert.False(t, task.EnqueuedAt.IsZero())

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(task.Payload, &decoded))
	assert.Equal(t, payload, decoded)
}

func TestNewTaskIDsAreUnique(t *testing.T) {
	first, err := NewTask(KindUserRun, "run-1", nil)
	require.NoError(t, err)
	second, err := NewTask(KindUserRun, "run-1", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestTaskExhausted(t *testing.T) {
	task := &Task{MaxAttempts: 2}
	assert.False(t, task.Exhausted())
	task.Attempt = 1
	assert.False(t, task.Exhausted())
	task.Attempt = 2
	assert.True(t, task.Exhausted())
}
