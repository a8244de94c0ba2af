package main

import (
	"context"
	nethttp "net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/portalone/merchant-analytics/internal/calculator"
	appConfig "github.com/portalone/merchant-analytics/internal/config"
	"github.com/portalone/merchant-analytics/internal/crm"
	"github.com/portalone/merchant-analytics/internal/flow"
	"github.com/portalone/merchant-analytics/internal/queue"
	"github.com/portalone/merchant-analytics/internal/store"
	"github.com/portalone/merchant-analytics/pkg/config"
	"github.com/portalone/merchant-analytics/pkg/infra"
	"github.com/portalone/merchant-analytics/pkg/logger"
	"github.com/portalone/merchant-analytics/pkg/metric"
	"github.com/rs/zerolog/log"
)

func main() {
	config.InitEnv()
	go func() {
		nethttp.ListenAndServe(":8080", nil)
	}()
	logger.Init()
	metric.Init()
	infra.InitDBConnectors()

	redisClient, err := appConfig.RedisConnection()
	if err != nil {
		log.Panic().Err(err).Msg("Failed to resolve redis connection")
	}

	locks := store.NewRedisLockManager(redisClient)
	aggregates := store.NewRedisAggregateStore(redisClient)
	dispatchQueue := store.NewRedisDispatchQueue(redisClient)
	tasks := queue.NewRedisTaskQueue(redisClient)
	flowState := queue.NewRedisFlowStateStore(redisClient)

	httpClient := appConfig.NewHTTPClient()
	crmClient, err := crm.NewHTTPClient(httpClient)
	if err != nil {
		log.Panic().Err(err).Msg("Failed to build crm client")
	}

	registry, err := calculator.NewDefaultRegistry(httpClient)
	if err != nil {
		log.Panic().Err(err).Msg("Failed to build processor registry")
	}

	orchestrator := flow.NewOrchestrator(locks, aggregates, dispatchQueue, tasks, flowState, crmClient, registry)

	worker := queue.NewWorker(tasks)
	worker.Register(queue.KindUserRun, orchestrator.HandleUserRun)
	worker.Register(queue.KindMerchant, orchestrator.HandleMerchant)
	worker.Register(queue.KindFinalization, orchestrator.HandleFinalization)

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Msgf("received signal %s, shutting down", sig)
		cancel()
	}()

	worker.Run(ctx)
}
