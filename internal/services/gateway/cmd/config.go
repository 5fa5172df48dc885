package main

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hashicorp/go-hclog"

	"github.com/LeonardoBeccarini/agrilink/internal/services/history"
	"github.com/LeonardoBeccarini/agrilink/pkg/broker"
)

type Config struct {
	Profile  string `env:"PROFILE_PATH"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogJSON  bool   `env:"LOG_JSON" envDefault:"false"`

	Radio        string `env:"RADIO_DRIVER" envDefault:"rylr896"` // rylr896 | ether
	SerialDevice string `env:"SERIAL_DEVICE" envDefault:"/dev/ttyUSB0"`
	SerialBaud   int    `env:"SERIAL_BAUD" envDefault:"115200"`
	RadioAddress int    `env:"RADIO_ADDRESS" envDefault:"1"`
	RadioPeer    int    `env:"RADIO_PEER" envDefault:"2"`
	RadioNetwork int    `env:"RADIO_NETWORK_ID" envDefault:"6"`

	HTTPPort      string        `env:"PORT" envDefault:"5009"`
	GRPCPort      string        `env:"GRPC_PORT" envDefault:"50051"`
	HealthEvery   time.Duration `env:"HEALTH_INTERVAL" envDefault:"5s"`
	ReadyErrorAge time.Duration `env:"READY_MIN_ERROR_AGE" envDefault:"30s"`

	Broker  broker.Config
	History history.Config
}

func loadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg Config) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       "gateway",
		Level:      hclog.LevelFromString(cfg.LogLevel),
		JSONFormat: cfg.LogJSON,
		Output:     os.Stderr,
	})
}

func addr(port string) string {
	if port == "" {
		return ""
	}
	return ":" + port
}
