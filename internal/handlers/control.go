package handlers

import (
	"errors"
	"net/http"

	"biowave/internal/ingest"
	"biowave/internal/models"
	"biowave/internal/service"

	"github.com/gin-gonic/gin"
)

// Common response/status constants to avoid magic strings and typos.
const (
	statusOK = "ok"

	errStreamUnavailable = "stream is not running"
	errControlFailed     = "failed to apply control"
	errGetState          = "failed to load state"
	errInvalidBodyPref   = "invalid body: "
)

// Centralized error logging and response.
func (h *Handler) logAndJSONError(c *gin.Context, httpCode int, userMsg, logKey string, err error, kv ...interface{}) {
	if h.log != nil && err != nil {
		fields := append([]interface{}{"err", err}, kv...)
		h.log.Errorw(logKey, fields...)
	}
	c.JSON(httpCode, gin.H{"error": userMsg})
}

// controlError maps stream errors to HTTP responses.
func (h *Handler) controlError(c *gin.Context, logKey string, err error) {
	switch {
	case errors.Is(err, ingest.ErrUnknownChannel):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrStreamStopped):
		h.logAndJSONError(c, http.StatusServiceUnavailable, errStreamUnavailable, logKey, err)
	default:
		h.logAndJSONError(c, http.StatusInternalServerError, errControlFailed, logKey, err)
	}
}

// SetGainRequest replaces the display gain.
type SetGainRequest struct {
	// Multiplier applied to ECG and PPG. Values outside 0.1..1000 are clamped.
	Gain *float64 `json:"gain" binding:"required" example:"1.44"`
}

// AutoRangeRequest toggles auto-range on the axis carrying Channel.
type AutoRangeRequest struct {
	Channel string `json:"channel" binding:"required" example:"ppg"`
	Enabled *bool  `json:"enabled" binding:"required" example:"false"`
}

// VisibleWidthRequest changes how many samples are on screen.
type VisibleWidthRequest struct {
	VisibleWidth int `json:"visible_width" binding:"required,min=1" example:"350"`
}

// @Summary      Health check
// @Tags         system
// @Produce      json
// @Success      200  {object}  map[string]string
// @Router       /health [get]
func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": statusOK,
	})
}

// @Summary      Set gain
// @Tags         control
// @Accept       json
// @Produce      json
// @Param        body  body      SetGainRequest  true  "Gain payload"
// @Success      200   {object}  map[string]float64  "gain"
// @Failure      400   {object}  map[string]string
// @Failure      401   {object}  map[string]string
// @Failure      503   {object}  map[string]string
// @Router       /api/v1/control/gain [post]
// @Security     BearerAuth
func (h *Handler) setGain(c *gin.Context) {
	var req SetGainRequest
	if ok := h.bindJSONOrBadRequest(c, &req); !ok {
		return
	}
	g, err := h.services.SetGain(c.Request.Context(), *req.Gain)
	if err != nil {
		h.controlError(c, "control_set_gain_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"gain": g})
}

// @Summary      Increase gain by one step (x1.2)
// @Tags         control
// @Produce      json
// @Success      200  {object}  map[string]float64  "gain"
// @Failure      401  {object}  map[string]string
// @Failure      503  {object}  map[string]string
// @Router       /api/v1/control/gain/increase [post]
// @Security     BearerAuth
func (h *Handler) increaseGain(c *gin.Context) {
	g, err := h.services.IncreaseGain(c.Request.Context())
	if err != nil {
		h.controlError(c, "control_increase_gain_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"gain": g})
}

// @Summary      Decrease gain by one step (/1.2, floor 0.1)
// @Tags         control
// @Produce      json
// @Success      200  {object}  map[string]float64  "gain"
// @Failure      401  {object}  map[string]string
// @Failure      503  {object}  map[string]string
// @Router       /api/v1/control/gain/decrease [post]
// @Security     BearerAuth
func (h *Handler) decreaseGain(c *gin.Context) {
	g, err := h.services.DecreaseGain(c.Request.Context())
	if err != nil {
		h.controlError(c, "control_decrease_gain_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"gain": g})
}

// @Summary      Toggle auto-range
// @Description  Disabling auto-range pins the axis to its default band.
// @Tags         control
// @Accept       json
// @Produce      json
// @Param        body  body      AutoRangeRequest  true  "Auto-range payload"
// @Success      200   {object}  map[string]interface{}
// @Failure      400   {object}  map[string]string
// @Failure      401   {object}  map[string]string
// @Failure      503   {object}  map[string]string
// @Router       /api/v1/control/autorange [post]
// @Security     BearerAuth
func (h *Handler) setAutoRange(c *gin.Context) {
	var req AutoRangeRequest
	if ok := h.bindJSONOrBadRequest(c, &req); !ok {
		return
	}
	ch, err := models.ParseChannel(req.Channel)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.services.SetAutoRange(c.Request.Context(), ch, *req.Enabled); err != nil {
		h.controlError(c, "control_set_autorange_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channel": ch, "enabled": *req.Enabled})
}

// @Summary      Set visible width
// @Description  The applied width is clamped to the window capacity.
// @Tags         control
// @Accept       json
// @Produce      json
// @Param        body  body      VisibleWidthRequest  true  "Window payload"
// @Success      200   {object}  map[string]int  "visible_width"
// @Failure      400   {object}  map[string]string
// @Failure      401   {object}  map[string]string
// @Failure      503   {object}  map[string]string
// @Router       /api/v1/control/window [post]
// @Security     BearerAuth
func (h *Handler) setVisibleWidth(c *gin.Context) {
	var req VisibleWidthRequest
	if ok := h.bindJSONOrBadRequest(c, &req); !ok {
		return
	}
	n, err := h.services.SetVisibleWidth(c.Request.Context(), req.VisibleWidth)
	if err != nil {
		h.controlError(c, "control_set_window_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"visible_width": n})
}
