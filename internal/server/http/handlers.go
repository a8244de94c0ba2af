package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/portalone/merchant-analytics/internal/flow"
	"github.com/portalone/merchant-analytics/internal/queue"
	"github.com/rs/zerolog/log"
)

type triggerRequest struct {
	UserID   string `json:"userId" binding:"required"`
	PortalID string `json:"portalId" binding:"required"`
}

type analyticsHandler struct {
	orchestrator *flow.Orchestrator
	flowState    queue.FlowStateStore
}

// RegisterRoutes registers the analytics API routes
func RegisterRoutes(router *gin.Engine, orchestrator *flow.Orchestrator, flowState queue.FlowStateStore) {
	h := &analyticsHandler{orchestrator: orchestrator, flowState: flowState}
	api := router.Group("/analytics")
	{
		api.POST("/trigger", h.handleTrigger)
		api.GET("/status/:runId", h.handleStatus)
		api.GET("/debug/flow/:runId", h.handleDebugFlow)
	}
}

// handleTrigger starts a run for one user. The request never waits for
// completion; callers poll the status endpoint.
func (h *analyticsHandler) handleTrigger(c *gin.Context) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId and portalId are required"})
		return
	}

	runID, err := h.orchestrator.Trigger(c.Request.Context(), req.UserID, req.PortalID)
	var conflict *flow.ConflictError
	if errors.As(err, &conflict) {
		c.JSON(http.StatusConflict, gin.H{
			"error":  conflict.Error(),
			"status": string(conflict.Status),
		})
		return
	}
	if err != nil {
		log.Error().Err(err).Msgf("could not queue analytics run for user %s", req.UserID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Analytics job queued successfully.",
		"runId":   runID,
	})
}

func (h *analyticsHandler) handleStatus(c *gin.Context) {
	runID := c.Param("runId")
	record, err := h.flowState.Get(c.Request.Context(), runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if record == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"runId":    runID,
		"state":    string(record.State),
		"progress": h.orchestrator.RunProgress(c.Request.Context(), runID),
	})
}

// handleDebugFlow exposes the raw flow record plus a derived stuck flag for
// operator introspection.
func (h *analyticsHandler) handleDebugFlow(c *gin.Context) {
	runID := c.Param("runId")
	record, err := h.flowState.Get(c.Request.Context(), runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if record == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"runId":        record.RunID,
		"state":        string(record.State),
		"failedReason": record.FailedReason,
		"stacktrace":   record.Stacktrace,
		"returnvalue":  record.ReturnValue,
		"isStuck":      record.IsStuck(),
	})
}
