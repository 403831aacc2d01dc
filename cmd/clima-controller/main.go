package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/clima-controller/db"
	"github.com/thatsimonsguy/clima-controller/internal/api"
	"github.com/thatsimonsguy/clima-controller/internal/config"
	"github.com/thatsimonsguy/clima-controller/internal/controllers/climatecontroller"
	"github.com/thatsimonsguy/clima-controller/internal/datadog"
	"github.com/thatsimonsguy/clima-controller/internal/env"
	"github.com/thatsimonsguy/clima-controller/internal/hub"
	"github.com/thatsimonsguy/clima-controller/internal/logging"
	"github.com/thatsimonsguy/clima-controller/internal/notifications"
	"github.com/thatsimonsguy/clima-controller/internal/temperature"
	"github.com/thatsimonsguy/clima-controller/system/shutdown"
	"github.com/thatsimonsguy/clima-controller/system/startup"
)

func main() {
	cfg := config.Load()
	logging.Init(cfg.LogLevel, cfg.LogFile)

	env.Cfg = &cfg
	env.StartedAt = time.Now()

	if cfg.InstallService {
		if err := startup.InstallService(); err != nil {
			log.Fatal().Err(err).Msg("Failed to write service unit")
		}
		log.Info().Str("path", cfg.ServicePath).Msg("Service unit written")
		return
	}

	log.Info().
		Str("db", cfg.DBPath).
		Int("areas", len(cfg.Areas)).
		Msg("Starting clima controller")

	if cfg.EnableDatadog {
		datadog.InitMetrics()
	}
	notifications.Init()

	dbConn, err := db.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer dbConn.Close()

	if err := db.SeedDatabase(dbConn, &cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed database")
	}

	hubCfg, err := hub.LoadConfig(cfg.HubConfigFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load hub config")
	}
	hubClient := hub.NewClient(hubCfg)

	sensors := make([]string, 0, len(cfg.Areas))
	for _, area := range cfg.Areas {
		sensors = append(sensors, area.SensorEntity)
	}
	tempService := temperature.NewService(sensors, cfg.Settings().LoopInterval)

	// Sensor readings arrive as hub state changes; everything else the
	// client caches for actuator readback.
	hubClient.OnStateChange(func(state hub.EntityState) {
		if v, ok := state.Numeric(); ok {
			tempService.Record(state.EntityID, v, state.ReceivedAt)
		}
	})

	controller := climatecontroller.New(dbConn, tempService, hubClient)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go hubClient.Run(ctx)
	go controller.Run(ctx)

	server := api.NewServer(dbConn, tempService, controller, hubClient, &cfg)
	go func() {
		if err := server.Start(cfg.APIPort); err != nil {
			log.Fatal().Err(err).Msg("API server failed")
		}
	}()

	<-ctx.Done()
	shutdown.Shutdown()
}
