package dispatch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/portalone/merchant-analytics/internal/crm"
	"github.com/portalone/merchant-analytics/internal/store"
	"github.com/portalone/merchant-analytics/pkg/metric"
	"github.com/rs/zerolog/log"
)

// Dispatcher drains finalized results to the CRM in bulk. Invocations are
// single-flight: an overlapping cycle is skipped, never queued.
type Dispatcher struct {
	queue   store.DispatchQueue
	crm     crm.Client
	running atomic.Bool
}

func NewDispatcher(queue store.DispatchQueue, crmClient crm.Client) *Dispatcher {
	return &Dispatcher{queue: queue, crm: crmClient}
}

// RunCycle performs one dispatch cycle. The drain is an atomic read+truncate,
// so a failed downstream push loses the drained batch; the CRM upserts by
// portal+merchant, so the next successful run of each user repairs the gap.
func (d *Dispatcher) RunCycle(ctx context.Context) {
	if !d.running.CompareAndSwap(false, true) {
		log.Warn().Msg("crm update is already in progress, skipping this run")
		metric.Incr("dispatch.cycle.skipped", []string{})
		return
	}
	defer d.running.Store(false)

	log.Info().Msg("checking for pending crm updates")
	pending, err := d.queue.Len(ctx)
	if err != nil {
		log.Error().Err(err).Msg("could not read dispatch queue length")
		return
	}
	metric.Gauge("dispatch.queue.pending", float64(pending), []string{})
	if pending == 0 {
		log.Info().Msg("no pending updates for crm")
		return
	}
	log.Info().Msgf("found %d completed user analytics to push to crm", pending)

	results, err := d.queue.Drain(ctx)
	if err != nil {
		// nothing was truncated; every entry survives for the next cycle
		log.Error().Err(err).Msg("failed to drain dispatch batch, leaving queue untouched")
		metric.Incr("dispatch.drain.failure", []string{})
		return
	}
	if len(results) == 0 {
		return
	}

	t1 := time.Now()
	if err := d.crm.BulkUpsertTopMerchants(ctx, results); err != nil {
		log.Error().Err(err).Msgf("failed to push %d updates to crm, batch dropped until next runs refresh it", len(results))
		metric.Incr("dispatch.push.failure", []string{})
		return
	}
	metric.Count("dispatch.push.updates", int64(len(results)), []string{})
	metric.Timing("dispatch.push.latency", time.Since(t1), []string{})
	log.Info().Msgf("successfully pushed %d updates to crm", len(results))
}
