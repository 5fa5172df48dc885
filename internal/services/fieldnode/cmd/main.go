package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/caarlos0/env/v11"
	"github.com/hashicorp/go-hclog"

	"github.com/LeonardoBeccarini/agrilink/internal/config"
	"github.com/LeonardoBeccarini/agrilink/internal/sensor"
	"github.com/LeonardoBeccarini/agrilink/internal/services/fieldnode"
	"github.com/LeonardoBeccarini/agrilink/pkg/radio"
	"github.com/LeonardoBeccarini/agrilink/pkg/radio/rylr896"
)

type Config struct {
	Profile  string `env:"PROFILE_PATH"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	Console  bool   `env:"CONSOLE" envDefault:"false"`

	SerialDevice string `env:"SERIAL_DEVICE" envDefault:"/dev/ttyUSB0"`
	SerialBaud   int    `env:"SERIAL_BAUD" envDefault:"115200"`
	RadioAddress int    `env:"RADIO_ADDRESS" envDefault:"2"`
	RadioPeer    int    `env:"RADIO_PEER" envDefault:"1"`
	RadioNetwork int    `env:"RADIO_NETWORK_ID" envDefault:"6"`
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
		Name:  "fieldnode",
		Level: hclog.LevelFromString(cfg.LogLevel),
	})

	profile, err := config.Load(cfg.Profile)
	if err != nil {
		logger.Error("invalid profile", "path", cfg.Profile, "error", err)
		return 2
	}

	drv, err := rylr896.Dial(cfg.SerialDevice, cfg.SerialBaud, rylr896.Options{
		Address:   uint16(cfg.RadioAddress),
		Peer:      uint16(cfg.RadioPeer),
		NetworkID: uint8(cfg.RadioNetwork),
	}, logger.Named("rylr896"))
	if err != nil {
		logger.Error("radio init failed", "device", cfg.SerialDevice, "error", err)
		return 1
	}
	// Open closes the driver when it fails
	link, err := radio.Open(drv, profile.Radio, logger.Named("radio"))
	if err != nil {
		logger.Error("radio init failed", "error", err)
		return 1
	}
	defer drv.Close()

	// the node has no ADC of its own, the channels come from the field model
	sim := sensor.NewSimulator(profile.Simulation)
	valve := fieldnode.NewServoValve(nil, sim.SetValve, logger.Named("valve"))
	node := fieldnode.New(link, sensor.NewChannelSampler(sim), valve, fieldnode.Options{
		SendInterval: profile.Intervals.Send,
		Tick:         profile.Intervals.Tick,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Console {
		shell := fieldnode.NewConsole(ctx, node)
		go func() {
			shell.Run()
			stop()
		}()
	}

	if err := node.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("field node stopped", "error", err)
		return 1
	}
	logger.Info("shutting down")
	return 0
}
