package http

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/portalone/merchant-analytics/internal/flow"
	"github.com/portalone/merchant-analytics/internal/queue"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

var (
	router *gin.Engine
	once   sync.Once
)

func Init(orchestrator *flow.Orchestrator, flowState queue.FlowStateStore) {
	once.Do(func() {
		env := viper.GetString("APP_ENV")
		if env == "prod" || env == "production" {
			gin.SetMode(gin.ReleaseMode)
		}
		router = gin.New()

		router.Use(gin.Recovery())
		router.Use(gin.Logger())

		router.GET("/health/self", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"message": "true"})
		})

		// Register API routes
		RegisterRoutes(router, orchestrator, flowState)
	})
}

func Instance() *gin.Engine {
	if router == nil {
		log.Fatal().Msg("Router not initialized")
	}
	return router
}
