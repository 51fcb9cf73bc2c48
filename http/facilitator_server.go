package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	x402 "github.com/fluxa-network/x402/go"
)

// FacilitatorServerConfig configures the facilitator's HTTP surface.
type FacilitatorServerConfig struct {
	Facilitator *x402.X402Facilitator

	// Metrics supplies the /benchmark/metrics body. The endpoint returns
	// 404 when nil.
	Metrics func() interface{}

	Logger *slog.Logger
}

// FacilitatorServer exposes a facilitator over HTTP: POST /verify,
// POST /settle, GET /supported, GET /benchmark/metrics.
type FacilitatorServer struct {
	facilitator *x402.X402Facilitator
	metrics     func() interface{}
	logger      *slog.Logger
}

// NewFacilitatorServer creates the HTTP surface for a facilitator.
func NewFacilitatorServer(config FacilitatorServerConfig) *FacilitatorServer {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &FacilitatorServer{
		facilitator: config.Facilitator,
		metrics:     config.Metrics,
		logger:      config.Logger,
	}
}

// RegisterRoutes mounts the facilitator endpoints on a gin router.
func (s *FacilitatorServer) RegisterRoutes(router gin.IRouter) {
	router.POST("/verify", s.handleVerify)
	router.POST("/settle", s.handleSettle)
	router.GET("/supported", s.handleSupported)
	router.GET("/benchmark/metrics", s.handleMetrics)
}

// Handler returns a standalone handler with the routes mounted.
func (s *FacilitatorServer) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	s.RegisterRoutes(router)
	return router
}

// handleVerify verifies a payment. Semantic failures are carried in the 200
// body; only malformed requests produce 4xx.
func (s *FacilitatorServer) handleVerify(c *gin.Context) {
	var req x402.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	resp, err := s.facilitator.Verify(c.Request.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		s.logger.Error("verify failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *FacilitatorServer) handleSettle(c *gin.Context) {
	var req x402.SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	resp, err := s.facilitator.Settle(c.Request.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		s.logger.Error("settle failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *FacilitatorServer) handleSupported(c *gin.Context) {
	c.JSON(http.StatusOK, s.facilitator.GetSupported())
}

func (s *FacilitatorServer) handleMetrics(c *gin.Context) {
	if s.metrics == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "metrics not enabled"})
		return
	}
	c.JSON(http.StatusOK, s.metrics())
}
