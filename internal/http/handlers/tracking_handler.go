// README: Tracking REST handlers (start/stop/lookup/polyline).
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"oasis/internal/modules/tracking"
	"oasis/internal/types"
)

// RouteSource is the slice of the directions adapter the polyline endpoint
// needs. Satisfied by maps.RouteService.
type RouteSource interface {
	Polyline(ctx context.Context, origin, destination types.Point) string
}

type TrackingHandler struct {
	tracking *tracking.Coordinator
	routes   RouteSource
}

func NewTrackingHandler(trk *tracking.Coordinator, routes RouteSource) *TrackingHandler {
	return &TrackingHandler{tracking: trk, routes: routes}
}

type startTrackingReq struct {
	RideID      string  `json:"ride_id"`
	DriverID    string  `json:"driver_id"`
	PassengerID string  `json:"passenger_id"`
	OriginLat   float64 `json:"origin_lat"`
	OriginLng   float64 `json:"origin_lng"`
	DestLat     float64 `json:"dest_lat"`
	DestLng     float64 `json:"dest_lng"`
	InitialLat  float64 `json:"initial_lat"`
	InitialLng  float64 `json:"initial_lng"`
	Accuracy    float64 `json:"accuracy"`
}

func (h *TrackingHandler) Start(c *gin.Context) {
	var req startTrackingReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.RideID == "" || req.DriverID == "" || req.PassengerID == "" {
		writeError(c, http.StatusBadRequest, "missing ride_id, driver_id or passenger_id")
		return
	}

	initial := types.Point{Lat: req.InitialLat, Lng: req.InitialLng}
	if req.InitialLat == 0 && req.InitialLng == 0 {
		initial = types.Point{Lat: req.OriginLat, Lng: req.OriginLng}
	}
	sess, err := h.tracking.StartSession(c.Request.Context(), tracking.StartCommand{
		RideID:      types.ID(req.RideID),
		DriverID:    types.ID(req.DriverID),
		PassengerID: types.ID(req.PassengerID),
		Origin:      types.Point{Lat: req.OriginLat, Lng: req.OriginLng},
		Destination: types.Point{Lat: req.DestLat, Lng: req.DestLng},
		InitialLocation: tracking.DriverLocation{
			DriverID: types.ID(req.DriverID),
			Position: initial,
			Accuracy: req.Accuracy,
		},
	})
	if err != nil {
		writeTrackingError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, sess)
}

type stopTrackingReq struct {
	Reason string `json:"reason"`
}

func (h *TrackingHandler) Stop(c *gin.Context) {
	var req stopTrackingReq
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "completed"
	}

	stopped := h.tracking.StopTracking(c.Request.Context(), types.ID(c.Param("id")), req.Reason)
	writeJSON(c, http.StatusOK, gin.H{"stopped": stopped})
}

func (h *TrackingHandler) Get(c *gin.Context) {
	sess, err := h.tracking.Session(types.ID(c.Param("id")))
	if err != nil {
		writeTrackingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, sess)
}

func (h *TrackingHandler) GetByRide(c *gin.Context) {
	sess, err := h.tracking.SessionByRide(c.Request.Context(), types.ID(c.Param("rideId")))
	if err != nil {
		writeTrackingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, sess)
}

type polylineQuery struct {
	OriginLat float64 `form:"origin_lat" binding:"required"`
	OriginLng float64 `form:"origin_lng" binding:"required"`
	DestLat   float64 `form:"dest_lat" binding:"required"`
	DestLng   float64 `form:"dest_lng" binding:"required"`
}

func (h *TrackingHandler) Polyline(c *gin.Context) {
	var q polylineQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		writeError(c, http.StatusBadRequest, "origin and destination coordinates required")
		return
	}
	polyline := h.routes.Polyline(c.Request.Context(),
		types.Point{Lat: q.OriginLat, Lng: q.OriginLng},
		types.Point{Lat: q.DestLat, Lng: q.DestLng})
	if polyline == "" {
		writeError(c, http.StatusBadGateway, "route unavailable")
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"polyline": polyline})
}
