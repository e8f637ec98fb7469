package handlers

import (
	"net/http"
	"time"

	"biowave/internal/logger"
	"biowave/internal/service"

	"github.com/gin-gonic/gin"

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

const defaultFrameInterval = 50 * time.Millisecond

// Handler wires HTTP layer to services and logging.
type Handler struct {
	services *service.Service
	log      *logger.Logger

	authEnabled   bool
	metrics       http.Handler
	frameInterval time.Duration
}

// Option customizes a Handler.
type Option func(*Handler)

// WithAuth protects /api/v1 with operator bearer tokens.
func WithAuth(enabled bool) Option {
	return func(h *Handler) { h.authEnabled = enabled }
}

// WithMetrics exposes m on /metrics.
func WithMetrics(m http.Handler) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithFrameInterval sets the default WebSocket batching interval.
func WithFrameInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 && d <= maxInterval {
			h.frameInterval = d
		}
	}
}

// NewHandler constructs a new HTTP handler with dependencies.
func NewHandler(services *service.Service, log *logger.Logger, opts ...Option) *Handler {
	h := &Handler{services: services, log: log, frameInterval: defaultFrameInterval}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// InitRoutes builds and returns the Gin router with all routes registered.
func (h *Handler) InitRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	router.GET("/health", h.health)
	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(h.metrics))
	}

	h.registerAuthRoutes(router)
	h.registerAPIRoutes(router)

	// Live feed (HTTP upgrade) on the same port
	router.GET("/ws", h.wsConnect)

	return router
}

func (h *Handler) registerAuthRoutes(r *gin.Engine) {
	auth := r.Group("/auth")
	{
		auth.POST("/sign-in", h.signIn)
	}
}

func (h *Handler) registerAPIRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	if h.authEnabled {
		api.Use(h.operatorIdMiddleware)
	}
	{
		h.registerControlRoutes(api)
		h.registerMonitoringRoutes(api)
		h.registerEventRoutes(api)
	}
}

func (h *Handler) registerControlRoutes(api *gin.RouterGroup) {
	control := api.Group("/control")
	{
		// Body example: {"gain":1.44}
		control.POST("/gain", h.setGain)
		control.POST("/gain/increase", h.increaseGain)
		control.POST("/gain/decrease", h.decreaseGain)
		// Body example: {"channel":"ppg","enabled":false}
		control.POST("/autorange", h.setAutoRange)
		// Body example: {"visible_width":350}
		control.POST("/window", h.setVisibleWidth)
	}
}

func (h *Handler) registerMonitoringRoutes(api *gin.RouterGroup) {
	api.GET("/state", h.getState)
	api.GET("/charts/:channel", h.getChart)
}

func (h *Handler) registerEventRoutes(api *gin.RouterGroup) {
	events := api.Group("/events")
	{
		events.GET("/", h.getEvents)
	}
}
