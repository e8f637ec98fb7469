package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"biowave/internal/models"
	"biowave/internal/render"

	"github.com/gin-gonic/gin"
)

// @Summary      Get stream state
// @Description  Session, gain, axis ranges and the visible window of every channel.
// @Tags         monitoring
// @Produce      json
// @Success      200  {object}  service.StreamState
// @Failure      401  {object}  map[string]string
// @Failure      503  {object}  map[string]string
// @Router       /api/v1/state [get]
// @Security     BearerAuth
func (h *Handler) getState(c *gin.Context) {
	st, err := h.services.Monitoring.GetState(c.Request.Context())
	if err != nil {
		h.controlError(c, "monitoring_get_state_failed", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// @Summary      Render a channel
// @Description  PNG of the visible window, scaled to the current axis range.
// @Tags         monitoring
// @Produce      png
// @Param        channel  path   string  true   "Channel"  Enums(ecg,ppg,spo2)
// @Param        width    query  int     false  "Width in pixels"   example(800)
// @Param        height   query  int     false  "Height in pixels"  example(300)
// @Success      200  {file}    binary
// @Failure      400  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Failure      401  {object}  map[string]string
// @Failure      503  {object}  map[string]string
// @Router       /api/v1/charts/{channel} [get]
// @Security     BearerAuth
func (h *Handler) getChart(c *gin.Context) {
	ch, err := models.ParseChannel(c.Param("channel"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	width, ok := queryInt(c, "width")
	if !ok {
		return
	}
	height, ok := queryInt(c, "height")
	if !ok {
		return
	}

	img, err := h.services.Chart(c.Request.Context(), ch, width, height)
	if errors.Is(err, render.ErrNoData) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.controlError(c, "monitoring_chart_failed", err)
		return
	}
	c.Data(http.StatusOK, "image/png", img)
}

// queryInt reads an optional integer query parameter, answering 400 on
// garbage. Missing parameters are zero.
func queryInt(c *gin.Context, name string) (int, bool) {
	s := c.Query(name)
	if s == "" {
		return 0, true
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid '" + name + "'; use an integer"})
		return 0, false
	}
	return v, true
}
