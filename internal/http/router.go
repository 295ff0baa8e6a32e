// README: HTTP route registration and websocket upgrade endpoint.
package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"oasis/internal/http/handlers"
	"oasis/internal/http/middleware"
	"oasis/internal/modules/emergency"
	"oasis/internal/modules/tracking"
	"oasis/internal/ws"
)

type RouterDeps struct {
	Hub         *ws.Hub
	Socket      ws.MessageHandler
	Tracking    *tracking.Coordinator
	Emergencies *emergency.Coordinator
	Presence    handlers.PresenceSource
	Routes      handlers.RouteSource
	AuthGrace   time.Duration
}

func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Logging(), middleware.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"connections": deps.Hub.ActiveConnections(),
			"sessions":    deps.Tracking.ActiveSessions(),
		})
	})

	r.GET("/ws", func(c *gin.Context) {
		deps.Hub.Serve(c.Writer, c.Request, deps.Socket, deps.AuthGrace)
	})

	api := r.Group("/api", middleware.Identity())

	trackingHandler := handlers.NewTrackingHandler(deps.Tracking, deps.Routes)
	api.POST("/tracking/start", trackingHandler.Start)
	api.POST("/tracking/:id/stop", trackingHandler.Stop)
	api.GET("/tracking/route/polyline", trackingHandler.Polyline)
	api.GET("/tracking/by-ride/:rideId", trackingHandler.GetByRide)
	api.GET("/tracking/:id", trackingHandler.Get)

	presenceHandler := handlers.NewPresenceHandler(deps.Presence)
	api.GET("/drivers/nearby", presenceHandler.Nearby)
	api.GET("/drivers/:id/location", presenceHandler.LastKnown)

	emergencyHandler := handlers.NewEmergencyHandler(deps.Emergencies)
	api.GET("/emergencies/history", emergencyHandler.History)
	api.POST("/emergencies/:id/cancel", emergencyHandler.Cancel)

	admin := api.Group("", middleware.RequireRole(ws.UserTypeAdmin))
	admin.GET("/emergencies/active", emergencyHandler.Active)
	admin.GET("/emergencies/:id", emergencyHandler.Get)
	admin.POST("/emergencies/:id/resolve", emergencyHandler.Resolve)

	return r
}
