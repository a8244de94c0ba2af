package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/portalone/merchant-analytics/pkg/metric"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	volumeKeyPrefix = "merchant-volume:"
	countKeyPrefix  = "merchant-count:"
)

// Aggregate holds one merchant's running totals for the current reporting window.
type Aggregate struct {
	MerchantID string
	NetVolume  float64
	TxnCount   int64
}

// AggregateStore is the shared accumulator for per-merchant totals. Writes are
// full overwrites: each run recomputes the whole window from scratch, which
// makes merchant-task retries idempotent.
type AggregateStore interface {
	Put(ctx context.Context, merchantID string, netVolume float64, txnCount int64) error
	// ReadAll returns aggregates for the given merchants in input order.
	// Merchants with no stored totals come back as zero.
	ReadAll(ctx context.Context, merchantIDs []string) ([]Aggregate, error)
	// Clear removes stored totals so a new run never inherits stale values.
	Clear(ctx context.Context, merchantIDs []string) error
}

type RedisAggregateStore struct {
	conn redis.UniversalClient
}

func NewRedisAggregateStore(conn redis.UniversalClient) AggregateStore {
	return &RedisAggregateStore{conn: conn}
}

func volumeKey(merchantID string) string {
	return volumeKeyPrefix + merchantID
}

func countKey(merchantID string) string {
	return countKeyPrefix + merchantID
}

func (s *RedisAggregateStore) Put(ctx context.Context, merchantID string, netVolume float64, txnCount int64) error {
	if merchantID == "" {
		return fmt.Errorf("%w: empty merchant id", ErrInvalidInput)
	}
	pipe := s.conn.TxPipeline()
	pipe.Set(ctx, volumeKey(merchantID), strconv.FormatFloat(netVolume, 'f', -1, 64), 0)
	pipe.Set(ctx, countKey(merchantID), txnCount, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		metric.Incr("aggregate.put.failure", []string{"merchant:" + merchantID})
		return fmt.Errorf("%w: aggregate write for merchant %s: %s", ErrStoreOperation, merchantID, err)
	}
	log.Debug().Msgf("aggregate for merchant %s set to volume=%f count=%d", merchantID, netVolume, txnCount)
	return nil
}

func (s *RedisAggregateStore) ReadAll(ctx context.Context, merchantIDs []string) ([]Aggregate, error) {
	if len(merchantIDs) == 0 {
		return nil, nil
	}
	t1 := time.Now()
	volumeKeys := make([]string, len(merchantIDs))
	countKeys := make([]string, len(merchantIDs))
	for i, id := range merchantIDs {
		volumeKeys[i] = volumeKey(id)
		countKeys[i] = countKey(id)
	}
	volumes, err := s.conn.MGet(ctx, volumeKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: aggregate volume read: %s", ErrStoreOperation, err)
	}
	counts, err := s.conn.MGet(ctx, countKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: aggregate count read: %s", ErrStoreOperation, err)
	}
	aggregates := make([]Aggregate, len(merchantIDs))
	for i, id := range merchantIDs {
		aggregates[i] = Aggregate{
			MerchantID: id,
			NetVolume:  parseFloatOrZero(volumes[i]),
			TxnCount:   parseIntOrZero(counts[i]),
		}
	}
	metric.Timing("aggregate.read.latency", time.Since(t1), []string{})
	return aggregates, nil
}

func (s *RedisAggregateStore) Clear(ctx context.Context, merchantIDs []string) error {
	if len(merchantIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, 2*len(merchantIDs))
	for _, id := range merchantIDs {
		keys = append(keys, volumeKey(id), countKey(id))
	}
	if err := s.conn.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: aggregate clear: %s", ErrStoreOperation, err)
	}
	return nil
}

func parseFloatOrZero(v interface{}) float64 {
	str, ok := v.(string)
	if !ok || str == "" {
		return 0
	}
	f, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return 0
	}
	return f
}

func parseIntOrZero(v interface{}) int64 {
	str, ok := v.(string)
	if !ok || str == "" {
		return 0
	}
	n, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
