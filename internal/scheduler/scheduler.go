package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/portalone/merchant-analytics/internal/crm"
	"github.com/portalone/merchant-analytics/internal/dispatch"
	"github.com/portalone/merchant-analytics/internal/flow"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	// six-field expressions (with seconds), the cron package is started
	// with cron.WithSeconds
	defaultDailyCron    = "0 0 2 * * *"
	defaultDispatchCron = "0 */5 * * * *"
)

var initSchedulerOnce sync.Once

// Init wires the two periodic jobs: the daily all-users trigger sweep and the
// batch-dispatch cycle. Expressions come from SCHEDULER_DAILY_CRON and
// SCHEDULER_DISPATCH_CRON.
func Init(orchestrator *flow.Orchestrator, directory crm.Client, dispatcher *dispatch.Dispatcher) {
	initSchedulerOnce.Do(func() {
		c := cron.New(cron.WithSeconds())

		dailyExpr := viper.GetString("SCHEDULER_DAILY_CRON")
		if dailyExpr == "" {
			dailyExpr = defaultDailyCron
		}
		if _, err := c.AddFunc(dailyExpr, func() {
			DailySweep(context.Background(), orchestrator, directory)
		}); err != nil {
			log.Fatal().Err(err).Msg("Failed to schedule the daily analytics sweep")
			return
		}

		dispatchExpr := viper.GetString("SCHEDULER_DISPATCH_CRON")
		if dispatchExpr == "" {
			dispatchExpr = defaultDispatchCron
		}
		if _, err := c.AddFunc(dispatchExpr, func() {
			dispatcher.RunCycle(context.Background())
		}); err != nil {
			log.Fatal().Err(err).Msg("Failed to schedule the dispatch cycle")
			return
		}

		c.Start()
		log.Info().Msgf("scheduler started: daily sweep %q, dispatch cycle %q", dailyExpr, dispatchExpr)
	})
}

// DailySweep triggers a run for every known user. Users with a run already in
// flight are skipped, not errored.
func DailySweep(ctx context.Context, orchestrator *flow.Orchestrator, directory crm.Client) {
	log.Info().Msg("starting daily top merchants analytics sweep")
	users, err := directory.GetAllUsers(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to start daily analytics sweep")
		return
	}
	log.Info().Msgf("found %d active users to process", len(users))

	for _, user := range users {
		_, err := orchestrator.Trigger(ctx, user.ID, user.PortalID)
		var conflict *flow.ConflictError
		if errors.As(err, &conflict) {
			log.Warn().Msgf("skipping user %s in sweep; job already exists or is running", user.ID)
			continue
		}
		if err != nil {
			log.Error().Err(err).Msgf("could not queue analytics run for user %s", user.ID)
		}
	}
	log.Info().Msg("all user analytics jobs have been queued")
}
