package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind identifies one of the three work queues.
type Kind string

const (
	KindUserRun      Kind = "user-analytics"
	KindMerchant     Kind = "merchant-analytics"
	KindFinalization Kind = "finalization"
)

// Kinds lists every queue a worker pool must poll.
var Kinds = []Kind{KindUserRun, KindMerchant, KindFinalization}

// RetryPolicy bounds attempts per task kind with exponential backoff.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
}

// Backoff returns the delay before the given attempt number (1-based) is
// retried: initial * 2^(attempt-1).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.InitialBackoff << uint(attempt-1)
}

// DefaultPolicies mirrors the per-queue retry configuration: merchant tasks
// get generous retries so one flaky processor API does not sink a run,
// finalization retries fast because its inputs are already settled.
var DefaultPolicies = map[Kind]RetryPolicy{
	KindUserRun:      {MaxAttempts: 2, InitialBackoff: 10 * time.Second},
	KindMerchant:     {MaxAttempts: 3, InitialBackoff: 30 * time.Second},
	KindFinalization: {MaxAttempts: 2, InitialBackoff: 5 * time.Second},
}

// Task is one unit of queued work. Payload carries the kind-specific body.
type Task struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	RunID       string          `json:"runId"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"maxAttempts"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`

	// raw is the exact wire body this task was dequeued with, kept so Ack can
	// remove the matching processing-list entry. Empty for tasks never dequeued.
	raw string
}

// NewTask builds a task for the given kind with the kind's default retry budget.
func NewTask(kind Kind, runID string, payload interface{}) (*Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Task{
		ID:          uuid.NewString(),
		Kind:        kind,
		RunID:       runID,
		Payload:     body,
		Attempt:     0,
		MaxAttempts: DefaultPolicies[kind].MaxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}, nil
}

// Exhausted reports whether the task has used up its retry budget.
func (t *Task) Exhausted() bool {
	return t.Attempt >= t.MaxAttempts
}
