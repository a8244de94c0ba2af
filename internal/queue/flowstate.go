package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	flowStateKeyPrefix = "run:flow:"
	flowStateTTL       = 24 * time.Hour
)

// FlowState is the observable lifecycle of one run's task flow.
type FlowState string

const (
	FlowWaiting         FlowState = "waiting"
	FlowActive          FlowState = "active"
	FlowWaitingChildren FlowState = "waiting-children"
	FlowCompleted       FlowState = "completed"
	FlowFailed          FlowState = "failed"
)

// FlowRecord is what the status and debug endpoints see for a run.
type FlowRecord struct {
	RunID        string          `json:"runId"`
	UserID       string          `json:"userId"`
	State        FlowState       `json:"state"`
	FailedReason string          `json:"failedReason,omitempty"`
	Stacktrace   string          `json:"stacktrace,omitempty"`
	ReturnValue  json.RawMessage `json:"returnvalue,omitempty"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// IsStuck flags runs sitting in states a healthy flow should leave quickly.
func (r *FlowRecord) IsStuck() bool {
	return r.State == FlowActive || r.State == FlowWaitingChildren
}

// FlowStateStore persists flow records for run introspection.
type FlowStateStore interface {
	Save(ctx context.Context, record *FlowRecord) error
	// Get returns nil without error when the run is unknown.
	Get(ctx context.Context, runID string) (*FlowRecord, error)
}

type RedisFlowStateStore struct {
	conn redis.UniversalClient
}

func NewRedisFlowStateStore(conn redis.UniversalClient) FlowStateStore {
	return &RedisFlowStateStore{conn: conn}
}

func (s *RedisFlowStateStore) Save(ctx context.Context, record *FlowRecord) error {
	record.UpdatedAt = time.Now().UTC()
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("%w: flow record marshal for run %s: %s", ErrQueueOperation, record.RunID, err)
	}
	if err := s.conn.Set(ctx, flowStateKeyPrefix+record.RunID, body, flowStateTTL).Err(); err != nil {
		return fmt.Errorf("%w: flow record write for run %s: %s", ErrQueueOperation, record.RunID, err)
	}
	return nil
}

func (s *RedisFlowStateStore) Get(ctx context.Context, runID string) (*FlowRecord, error) {
	body, err := s.conn.Get(ctx, flowStateKeyPrefix+runID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: flow record read for run %s: %s", ErrQueueOperation, runID, err)
	}
	var record FlowRecord
	if err := json.Unmarshal([]byte(body), &record); err != nil {
		return nil, fmt.Errorf("%w: flow record unmarshal for run %s: %s", ErrQueueOperation, runID, err)
	}
	return &record, nil
}
