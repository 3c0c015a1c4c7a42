package authflow

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/riskgate/riskgate/internal/common/errors"
	"github.com/riskgate/riskgate/internal/common/logger"
	"github.com/riskgate/riskgate/internal/metrics"
	"github.com/riskgate/riskgate/internal/signal"
	"github.com/riskgate/riskgate/internal/stepup"
	"github.com/riskgate/riskgate/internal/telemetry"
)

// Handler exposes the assessment pipeline over HTTP
type Handler struct {
	service    *Service
	linkSecret string
	logger     *zap.Logger
}

// NewHandler creates the HTTP handler
func NewHandler(service *Service, linkSecret string, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{service: service, linkSecret: linkSecret, logger: log.With(zap.String("component", "http"))}
}

// Router builds the service's Gin engine
func (h *Handler) Router(serviceName string, readyCheck func() error) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logger.GinMiddleware(h.logger))
	router.Use(metrics.GinMiddleware(serviceName))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/ready", func(c *gin.Context) {
		if readyCheck != nil {
			if err := readyCheck(); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	router.GET("/metrics", metrics.Handler())

	v1 := router.Group("/v1")
	{
		v1.POST("/assess", h.handleAssess)
		v1.POST("/stepup/:id/challenge", h.handleBeginChallenge)
		v1.POST("/stepup/:id/verify", h.handleVerifyChallenge)
		v1.GET("/stepup/link", h.handleLink)
		v1.POST("/telemetry/batch", h.handleTelemetryBatch)
		v1.GET("/telemetry/:stream/risk", h.handleMonitorState)
	}
	return router
}

// handleAssess scores one authentication attempt.
// POST /v1/assess
func (h *Handler) handleAssess(c *gin.Context) {
	var raw signal.RawTelemetry
	if err := c.ShouldBindJSON(&raw); err != nil {
		errors.HandleError(c, errors.BadRequest("invalid telemetry payload"))
		return
	}

	decision, err := h.service.Assess(c.Request.Context(), raw)
	if err != nil {
		errors.HandleError(c, err)
		return
	}

	status := http.StatusOK
	if decision.Outcome == stepup.OutcomeBlocked {
		status = http.StatusForbidden
	}
	c.JSON(status, decision)
}

// handleBeginChallenge issues a challenge for an offered method.
// POST /v1/stepup/:id/challenge
func (h *Handler) handleBeginChallenge(c *gin.Context) {
	var req struct {
		Method string `json:"method" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.HandleError(c, errors.BadRequest("method is required"))
		return
	}

	challenge, err := h.service.BeginStepUp(c.Request.Context(), c.Param("id"), req.Method)
	if err != nil {
		errors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, challenge)
}

// handleVerifyChallenge judges a challenge response.
// POST /v1/stepup/:id/verify
func (h *Handler) handleVerifyChallenge(c *gin.Context) {
	var req struct {
		Method   string `json:"method" binding:"required"`
		Response string `json:"response"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.HandleError(c, errors.BadRequest("method is required"))
		return
	}

	decision, err := h.service.CompleteStepUp(c.Request.Context(), c.Param("id"), req.Method, req.Response)
	if err != nil {
		errors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, decision)
}

// handleLink resolves an out-of-band link token back to its session so the
// landing page can prompt for the delivered code.
// GET /v1/stepup/link?token=...
func (h *Handler) handleLink(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		errors.HandleError(c, errors.BadRequest("token is required"))
		return
	}

	sessionID, _, err := stepup.ParseLinkToken(token, h.linkSecret)
	if err != nil {
		errors.HandleError(c, errors.New(errors.ErrChallengeInvalid, "invalid verification link", http.StatusUnauthorized))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"method":     stepup.MethodOutOfBandLink,
	})
}

// handleTelemetryBatch ingests a sequenced telemetry batch.
// POST /v1/telemetry/batch
func (h *Handler) handleTelemetryBatch(c *gin.Context) {
	var batch telemetry.Batch
	if err := c.ShouldBindJSON(&batch); err != nil {
		errors.HandleError(c, errors.BadRequest("invalid batch payload"))
		return
	}

	result, err := h.service.IngestTelemetry(c.Request.Context(), batch)
	if err != nil {
		errors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleMonitorState returns a stream's latest in-session risk state.
// GET /v1/telemetry/:stream/risk
func (h *Handler) handleMonitorState(c *gin.Context) {
	state := h.service.MonitorSnapshot(c.Request.Context(), c.Param("stream"))
	if state == nil {
		errors.HandleError(c, errors.New(errors.ErrNotFound, "No risk state recorded for stream", http.StatusNotFound))
		return
	}
	c.JSON(http.StatusOK, state)
}
