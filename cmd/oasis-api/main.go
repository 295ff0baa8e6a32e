// README: Entry point; loads config, wires services, starts HTTP server and the session reaper.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"oasis/internal/config"
	httptransport "oasis/internal/http"
	"oasis/internal/infra"
	"oasis/internal/maps"
	"oasis/internal/modules/emergency"
	"oasis/internal/modules/presence"
	"oasis/internal/modules/tracking"
	"oasis/internal/socket"
	"oasis/internal/types"
	"oasis/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatal(err)
	}
	defer dbPool.Close()

	redisClient := infra.NewRedis(cfg.Redis.Addr)
	defer func() { _ = redisClient.Close() }()

	if cfg.Maps.APIKey == "" {
		log.Fatal("GOOGLE_MAPS_API_KEY is required")
	}
	routeService, err := maps.NewRouteService(cfg.Maps.APIKey, cfg.Maps.Region, cfg.ETA)
	if err != nil {
		log.Fatalf("maps init: %v", err)
	}

	// The emergency gateway is optional; without credentials the alerts
	// still reach connected admins over the socket.
	var gateway emergency.Gateway
	if cfg.Firebase.CredentialsFile != "" {
		fcm, err := emergency.NewFCMGateway(ctx, cfg.Firebase.CredentialsFile)
		if err != nil {
			log.Fatalf("firebase init: %v", err)
		}
		gateway = fcm
	} else {
		log.Print("no firebase credentials, emergency push notifications disabled")
	}

	hub := ws.NewHub()

	presenceStore := presence.NewStore(redisClient)

	trackingStore := tracking.NewStore(dbPool)
	trackingSvc := tracking.NewCoordinator(trackingStore, routeService, presenceStore, hub, cfg.Tracking)

	emergencyStore := emergency.NewStore(dbPool)
	emergencySvc := emergency.NewCoordinator(emergencyStore, hub, gateway, routeService)

	hub.SetDriverOfflineHook(func(driverID types.ID) {
		offCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := presenceStore.SetOffline(offCtx, driverID); err != nil {
			log.Printf("presence: marking %s offline: %v", driverID, err)
		}
	})

	router := socket.NewRouter(hub, trackingSvc, emergencySvc)

	handler := httptransport.NewRouter(httptransport.RouterDeps{
		Hub:         hub,
		Socket:      router,
		Tracking:    trackingSvc,
		Emergencies: emergencySvc,
		Presence:    presenceStore,
		Routes:      routeService,
		AuthGrace:   cfg.WS.AuthGrace,
	})

	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler}

	go trackingSvc.RunReaper(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("oasis-api listening on %s", cfg.HTTP.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
