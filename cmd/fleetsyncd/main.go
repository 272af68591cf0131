package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/radarflight/fleetsync/internal/alerts"
	"github.com/radarflight/fleetsync/internal/api"
	"github.com/radarflight/fleetsync/internal/clearance"
	"github.com/radarflight/fleetsync/internal/config"
	"github.com/radarflight/fleetsync/internal/fleet"
	"github.com/radarflight/fleetsync/internal/geo"
	"github.com/radarflight/fleetsync/internal/storage/sqlite"
	"github.com/radarflight/fleetsync/internal/store"
	"github.com/radarflight/fleetsync/internal/transport"
	"github.com/radarflight/fleetsync/internal/websocket"
	"github.com/radarflight/fleetsync/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	flag.Parse()

	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting FleetSync",
		logger.String("version", Version),
		logger.String("upstream", cfg.Upstream.BaseURL),
	)

	// Daily history database
	today := time.Now().Format("2006-01-02")
	dbPath := filepath.Join(cfg.Storage.SQLiteBasePath, fmt.Sprintf("fleetsync-%s.db", today))

	if err := os.MkdirAll(cfg.Storage.SQLiteBasePath, 0755); err != nil {
		log.Error("Failed to create database directory",
			logger.Error(err),
			logger.String("path", cfg.Storage.SQLiteBasePath))
		os.Exit(1)
	}

	log.Info("Using daily database", logger.String("path", dbPath))

	history, err := sqlite.NewHistoryStorage(dbPath, log)
	if err != nil {
		log.Error("Failed to create SQLite storage", logger.Error(err))
		os.Exit(1)
	}
	defer history.Close()

	// WebSocket hub for attached dashboards
	wsServer := websocket.NewServer(log)
	go wsServer.Run()

	// Upstream transport
	client := transport.NewClient(
		cfg.Upstream.BaseURL,
		cfg.Upstream.BearerToken,
		time.Duration(cfg.Upstream.RequestTimeoutSecs)*time.Second,
		cfg.Upstream.RequestsPerSecond,
		log,
	)
	stream := transport.NewStream(
		cfg.Stream.URL,
		cfg.Upstream.BearerToken,
		time.Duration(cfg.Stream.ReconnectDelaySecs)*time.Second,
		cfg.Stream.MaxReconnectAttempts,
		log,
	)

	entityStore := store.New(log)

	aggregator, err := alerts.New(alerts.Config{
		ResolveAfterMisses: cfg.Alerts.ResolveAfterMisses,
		ObservedKeyCache:   cfg.Alerts.ObservedKeyCache,
	}, log)
	if err != nil {
		log.Error("Failed to create alert aggregator", logger.Error(err))
		os.Exit(1)
	}

	// Expired credentials end the session; supervision restarts the process
	// with fresh ones.
	sigCh := make(chan os.Signal, 1)
	onSessionExpired := func(err error) {
		log.Error("Session expired, shutting down", logger.Error(err))
		select {
		case sigCh <- syscall.SIGTERM:
		default:
		}
	}

	aircraftStatus := func(aircraftID string) (store.Status, bool) {
		rec, ok := entityStore.Get(store.KindAircraft, aircraftID)
		if !ok || rec.Status == "" {
			return "", false
		}
		return rec.Status, true
	}
	tracker := clearance.NewTracker(client, history, aircraftStatus, onSessionExpired, log)

	fleetService := fleet.NewService(
		client,
		stream,
		entityStore,
		aggregator,
		wsServer,
		history,
		fleet.Config{
			AircraftInterval:   time.Duration(cfg.Upstream.AircraftIntervalSecs) * time.Second,
			FlightsInterval:    time.Duration(cfg.Upstream.FlightsIntervalSecs) * time.Second,
			AlertsInterval:     time.Duration(cfg.Alerts.IntervalSecs) * time.Second,
			DashboardInterval:  time.Duration(cfg.Upstream.DashboardIntervalSecs) * time.Second,
			PilotUsername:      cfg.Upstream.PilotUsername,
			PollRadarDashboard: cfg.Upstream.PollRadarDashboard,
			RadarCenter:        geo.Coord{Lat: cfg.Radar.Latitude, Lon: cfg.Radar.Longitude},
			RadarElevationFeet: cfg.Radar.ElevationFeet,
			SectorRadiusKm:     cfg.Radar.SectorRadiusKm,
			AircraftStaleAfter: time.Duration(cfg.Staleness.AircraftSecs) * time.Second,
		},
		log,
		onSessionExpired,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := fleetService.Start(ctx); err != nil {
		log.Error("Failed to start fleet service", logger.Error(err))
		os.Exit(1)
	}

	router := api.NewRouter(fleetService, tracker, history, cfg, log, wsServer)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router.Routes(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
	}

	go func() {
		log.Info("Starting HTTP server", logger.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error on startup", logger.String("addr", server.Addr), logger.Error(err))
		}
	}()

	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down...")

	log.Info("Stopping fleet service...")
	fleetService.Stop()
	log.Info("Fleet service stopped.")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", logger.Error(err))
	} else {
		log.Info("HTTP server shutdown complete")
	}

	log.Info("FleetSync fully stopped")
}
