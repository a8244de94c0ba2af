package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/portalone/merchant-analytics/pkg/metric"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const dispatchListKey = "crm-update-batch"

// RankedMerchant is one row of a user's final ranking.
type RankedMerchant struct {
	MerchantID  string  `json:"merchantId"`
	Name        string  `json:"name"`
	TotalVolume float64 `json:"totalVolume"`
	TotalCount  int64   `json:"totalCount"`
}

// TopMerchantsResult is one finalized run's output, pending delivery downstream.
type TopMerchantsResult struct {
	UserID       string           `json:"userId"`
	PortalID     string           `json:"portalId"`
	TopMerchants []RankedMerchant `json:"topMerchants"`
}

// DispatchQueue is the durable list of finalized results awaiting the batch
// dispatcher. Append and Drain may run concurrently from different processes.
type DispatchQueue interface {
	Append(ctx context.Context, result TopMerchantsResult) error
	// Drain atomically reads and truncates the whole list. On any pipeline
	// failure the list is left untouched and an error is returned, so entries
	// are never lost; a duplicate delivery on the next cycle is acceptable.
	Drain(ctx context.Context) ([]TopMerchantsResult, error)
	Len(ctx context.Context) (int64, error)
}

type RedisDispatchQueue struct {
	conn redis.UniversalClient
}

func NewRedisDispatchQueue(conn redis.UniversalClient) DispatchQueue {
	return &RedisDispatchQueue{conn: conn}
}

func (q *RedisDispatchQueue) Append(ctx context.Context, result TopMerchantsResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("%w: dispatch entry marshal for user %s: %s", ErrInvalidInput, result.UserID, err)
	}
	if err := q.conn.LPush(ctx, dispatchListKey, payload).Err(); err != nil {
		return fmt.Errorf("%w: dispatch entry push for user %s: %s", ErrStoreOperation, result.UserID, err)
	}
	metric.Incr("dispatch.queue.append", []string{})
	return nil
}

func (q *RedisDispatchQueue) Drain(ctx context.Context) ([]TopMerchantsResult, error) {
	pipe := q.conn.TxPipeline()
	rangeCmd := pipe.LRange(ctx, dispatchListKey, 0, -1)
	pipe.LTrim(ctx, dispatchListKey, 1, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: dispatch drain pipeline: %s", ErrStoreOperation, err)
	}
	raw, err := rangeCmd.Result()
	if err != nil {
		return nil, fmt.Errorf("%w: dispatch drain read: %s", ErrStoreOperation, err)
	}
	results := make([]TopMerchantsResult, 0, len(raw))
	for _, entry := range raw {
		var result TopMerchantsResult
		if err := json.Unmarshal([]byte(entry), &result); err != nil {
			log.Error().Err(err).Msg("skipping malformed dispatch entry")
			metric.Incr("dispatch.queue.malformed", []string{})
			continue
		}
		results = append(results, result)
	}
	return results, nil
}

func (q *RedisDispatchQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.conn.LLen(ctx, dispatchListKey).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: dispatch queue length: %s", ErrStoreOperation, err)
	}
	return n, nil
}
