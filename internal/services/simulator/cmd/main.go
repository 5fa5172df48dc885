package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hashicorp/go-hclog"

	"github.com/LeonardoBeccarini/agrilink/internal/config"
	"github.com/LeonardoBeccarini/agrilink/internal/sensor"
	"github.com/LeonardoBeccarini/agrilink/internal/services/fieldnode"
	"github.com/LeonardoBeccarini/agrilink/internal/services/gateway"
	"github.com/LeonardoBeccarini/agrilink/internal/services/history"
	"github.com/LeonardoBeccarini/agrilink/internal/services/simulator"
	"github.com/LeonardoBeccarini/agrilink/pkg/broker"
)

type Config struct {
	Profile     string        `env:"PROFILE_PATH"`
	LogLevel    string        `env:"LOG_LEVEL" envDefault:"info"`
	Console     bool          `env:"CONSOLE" envDefault:"false"`
	ReportEvery time.Duration `env:"REPORT_INTERVAL" envDefault:"1m"`
	SoilGrids   string        `env:"SOILGRIDS_URL" envDefault:"https://rest.isric.org/soilgrids/v2.0/properties/query"`

	HTTPPort string `env:"PORT" envDefault:"5009"`
	GRPCPort string `env:"GRPC_PORT" envDefault:"50051"`

	Broker  broker.Config
	History history.Config
}

func main() {
	os.Exit(run())
}

func run() int {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, "parse env:", err)
		return 2
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "simulator",
		Level: hclog.LevelFromString(cfg.LogLevel),
	})

	profile, err := config.Load(cfg.Profile)
	if err != nil {
		logger.Error("invalid profile", "path", cfg.Profile, "error", err)
		return 2
	}

	var sink *history.Sink
	if cfg.History.Enabled() {
		var closeInflux func()
		sink, closeInflux, err = history.Open(cfg.History, logger.Named("history"))
		if err != nil {
			logger.Error("history disabled", "error", err)
		} else {
			defer closeInflux()
		}
	}

	sess := broker.NewSession(cfg.Broker, logger.Named("mqtt"))
	sim, err := simulator.New(profile, sess, sink, gateway.ServiceConfig{
		HTTPAddr:      ":" + cfg.HTTPPort,
		GRPCAddr:      ":" + cfg.GRPCPort,
		HealthEvery:   5 * time.Second,
		ReadyErrorAge: 30 * time.Second,
	}, logger)
	if err != nil {
		logger.Error("simulation setup failed", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sim.SeedMoisture(ctx, profile.Simulation, sensor.SoilGrids{BaseURL: cfg.SoilGrids, Retries: 1}, logger.Named("soilgrids"))

	if cfg.Console {
		shell := fieldnode.NewConsole(ctx, sim.Node)
		go func() {
			shell.Run()
			stop()
		}()
	}
	go sim.ReportEvery(ctx, cfg.ReportEvery, logger)

	logger.Info("simulation starting", "broker", cfg.Broker.Addr(), "mode", profile.Irrigation.Mode)
	if err := sim.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("simulation stopped", "error", err)
		return 1
	}
	logger.Info("shutting down")
	return 0
}
