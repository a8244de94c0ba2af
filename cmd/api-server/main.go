package main

import (
	"net/http"
	_ "net/http/pprof"
	"strconv"

	"github.com/portalone/merchant-analytics/internal/calculator"
	appConfig "github.com/portalone/merchant-analytics/internal/config"
	"github.com/portalone/merchant-analytics/internal/crm"
	"github.com/portalone/merchant-analytics/internal/dispatch"
	"github.com/portalone/merchant-analytics/internal/flow"
	"github.com/portalone/merchant-analytics/internal/queue"
	"github.com/portalone/merchant-analytics/internal/scheduler"
	httpserver "github.com/portalone/merchant-analytics/internal/server/http"
	"github.com/portalone/merchant-analytics/internal/store"
	"github.com/portalone/merchant-analytics/pkg/config"
	"github.com/portalone/merchant-analytics/pkg/infra"
	"github.com/portalone/merchant-analytics/pkg/logger"
	"github.com/portalone/merchant-analytics/pkg/metric"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

func main() {
	config.InitEnv()
	go func() {
		http.ListenAndServe(":8080", nil)
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
	dispatcher := dispatch.NewDispatcher(dispatchQueue, crmClient)

	scheduler.Init(orchestrator, crmClient, dispatcher)
	httpserver.Init(orchestrator, flowState)

	if !viper.IsSet("APP_PORT") {
		log.Panic().Msgf("Failed to start the application - APP_PORT is not set")
	}
	port := viper.GetInt("APP_PORT")
	log.Info().Msgf("Starting HTTP server on port %d", port)
	if err := httpserver.Instance().Run(":" + strconv.Itoa(port)); err != nil {
		log.Panic().Err(err).Msg("Failed to start HTTP server")
	}
}
