package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"github.com/LeonardoBeccarini/agrilink/internal/config"
	"github.com/LeonardoBeccarini/agrilink/internal/services/gateway"
	"github.com/LeonardoBeccarini/agrilink/internal/services/history"
	"github.com/LeonardoBeccarini/agrilink/pkg/broker"
	"github.com/LeonardoBeccarini/agrilink/pkg/radio"
	"github.com/LeonardoBeccarini/agrilink/pkg/radio/ether"
	"github.com/LeonardoBeccarini/agrilink/pkg/radio/rylr896"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code. Deferred cleanup runs before main
// exits.
func run() int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	logger := newLogger(cfg)

	profile, err := config.Load(cfg.Profile)
	if err != nil {
		logger.Error("invalid profile", "path", cfg.Profile, "error", err)
		return 2
	}

	drv, err := openDriver(cfg, logger.Named("driver"))
	if err != nil {
		logger.Error("radio init failed", "driver", cfg.Radio, "error", err)
		return 1
	}
	// Open closes the driver when it fails
	link, err := radio.Open(drv, profile.Radio, logger.Named("radio"))
	if err != nil {
		// no retry: without the radio the gateway has nothing to bridge
		logger.Error("radio init failed", "driver", cfg.Radio, "error", err)
		return 1
	}
	if c, ok := drv.(io.Closer); ok {
		defer c.Close()
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
	svc, err := gateway.NewService(link, profile, sess, sink, gateway.ServiceConfig{
		HTTPAddr:      addr(cfg.HTTPPort),
		GRPCAddr:      addr(cfg.GRPCPort),
		HealthEvery:   cfg.HealthEvery,
		ReadyErrorAge: cfg.ReadyErrorAge,
	}, logger)
	if err != nil {
		logger.Error("gateway setup failed", "error", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("gateway starting", "broker", cfg.Broker.Addr(), "radio", cfg.Radio,
		"telemetry_topic", profile.Topics.Telemetry, "history", sink != nil)
	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("gateway stopped", "error", err)
		return 1
	}
	logger.Info("shutting down")
	return 0
}

func openDriver(cfg Config, logger hclog.Logger) (radio.Driver, error) {
	switch cfg.Radio {
	case "rylr896":
		d, err := rylr896.Dial(cfg.SerialDevice, cfg.SerialBaud, rylr896.Options{
			Address:   uint16(cfg.RadioAddress),
			Peer:      uint16(cfg.RadioPeer),
			NetworkID: uint8(cfg.RadioNetwork),
		}, logger)
		if err != nil {
			return nil, err
		}
		return d, nil
	case "ether":
		// loopback medium with no peer, for running the gateway without hardware
		return ether.NewMedium().NewDriver("gateway"), nil
	default:
		return nil, fmt.Errorf("unknown radio driver %q", cfg.Radio)
	}
}
