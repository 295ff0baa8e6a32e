// README: Driver presence handlers for dispatch glue.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"oasis/internal/modules/presence"
	"oasis/internal/types"
)

// PresenceSource is the slice of the presence store the handlers read.
type PresenceSource interface {
	Nearby(ctx context.Context, p types.Point, radiusKm float64) ([]presence.NearbyDriver, error)
	LastKnown(ctx context.Context, driverID types.ID) (*presence.DriverPresence, error)
}

type PresenceHandler struct {
	presence PresenceSource
}

func NewPresenceHandler(p PresenceSource) *PresenceHandler {
	return &PresenceHandler{presence: p}
}

type nearbyQuery struct {
	Lat      float64 `form:"lat" binding:"required"`
	Lng      float64 `form:"lng" binding:"required"`
	RadiusKm float64 `form:"radius_km"`
}

func (h *PresenceHandler) Nearby(c *gin.Context) {
	var q nearbyQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		writeError(c, http.StatusBadRequest, "lat and lng required")
		return
	}
	if q.RadiusKm <= 0 {
		q.RadiusKm = 5
	}

	drivers, err := h.presence.Nearby(c.Request.Context(), types.Point{Lat: q.Lat, Lng: q.Lng}, q.RadiusKm)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"drivers": drivers})
}

func (h *PresenceHandler) LastKnown(c *gin.Context) {
	p, err := h.presence.LastKnown(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		if errors.Is(err, presence.ErrUnknownDriver) {
			writeError(c, http.StatusNotFound, err.Error())
			return
		}
		writeError(c, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(c, http.StatusOK, p)
}
