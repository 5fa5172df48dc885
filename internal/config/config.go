// Package config loads the deployment profile shared by the field node and
// the gateway: topics, thresholds, intervals and radio parameters. Both ends
// must run the same profile version.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/LeonardoBeccarini/agrilink/internal/model"
	"github.com/LeonardoBeccarini/agrilink/internal/sensor"
	"github.com/LeonardoBeccarini/agrilink/pkg/radio"
)

// Version is the profile version this build understands.
const Version = 1

var ErrInvalid = errors.New("invalid profile")

type Topics struct {
	Telemetry string `yaml:"telemetry"`
	Valve     string `yaml:"valve"`
	Command   string `yaml:"command"`
	Threshold string `yaml:"threshold"`
	Mode      string `yaml:"mode"`
}

type Irrigation struct {
	Mode              string        `yaml:"mode"` // auto | manual
	SoilThreshold     float64       `yaml:"soil_threshold"`
	SunlightThreshold float64       `yaml:"sunlight_threshold"`
	BurstCount        int           `yaml:"burst_count"`
	BurstGap          time.Duration `yaml:"burst_gap"`
}

type Intervals struct {
	Send   time.Duration `yaml:"send"`   // node telemetry period
	Status time.Duration `yaml:"status"` // gateway valve mirror and display refresh
	Tick   time.Duration `yaml:"tick"`   // control loop idle sleep
}

type Profile struct {
	Version    int              `yaml:"version"`
	Topics     Topics           `yaml:"topics"`
	Irrigation Irrigation       `yaml:"irrigation"`
	Intervals  Intervals        `yaml:"intervals"`
	Radio      radio.Config     `yaml:"radio"`
	Simulation sensor.SimConfig `yaml:"simulation"`
}

func Default() Profile {
	return Profile{
		Version: Version,
		Topics: Topics{
			Telemetry: "agrilink/telemetry",
			Valve:     "agrilink/valve",
			Command:   "agrilink/cmd/valve",
			Threshold: "agrilink/cmd/threshold",
			Mode:      "agrilink/cmd/mode",
		},
		Irrigation: Irrigation{
			Mode:              "auto",
			SoilThreshold:     model.DefaultSoilThreshold,
			SunlightThreshold: model.DefaultSunlightThreshold,
			BurstCount:        3,
			BurstGap:          50 * time.Millisecond,
		},
		Intervals: Intervals{
			Send:   10 * time.Second,
			Status: 30 * time.Second,
			Tick:   10 * time.Millisecond,
		},
		Radio: radio.DefaultConfig(),
	}
}

// Load reads a YAML profile on top of the defaults. An empty path returns
// the defaults.
func Load(path string) (Profile, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Profile, error) {
	p := Default()
	if err := yaml.UnmarshalStrict(data, &p); err != nil {
		return Profile{}, fmt.Errorf("parse profile: %w", err)
	}
	p.Radio = p.Radio.WithDefaults()
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

func (p Profile) Validate() error {
	if p.Version != Version {
		return fmt.Errorf("%w: version %d, want %d", ErrInvalid, p.Version, Version)
	}

	topics := map[string]string{
		"telemetry": p.Topics.Telemetry,
		"valve":     p.Topics.Valve,
		"command":   p.Topics.Command,
		"threshold": p.Topics.Threshold,
		"mode":      p.Topics.Mode,
	}
	seen := map[string]string{}
	for name, t := range topics {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("%w: topic %s is empty", ErrInvalid, name)
		}
		if other, dup := seen[t]; dup {
			return fmt.Errorf("%w: topics %s and %s share %q", ErrInvalid, name, other, t)
		}
		seen[t] = name
	}

	if _, err := p.Irrigation.ParseMode(); err != nil {
		return err
	}
	th := p.Irrigation.SoilThreshold
	if math.IsNaN(th) || th < 0 || th > 100 {
		return fmt.Errorf("%w: soil threshold %v", ErrInvalid, th)
	}
	if p.Irrigation.SunlightThreshold < 0 || p.Irrigation.SunlightThreshold > 10 {
		return fmt.Errorf("%w: sunlight threshold %v", ErrInvalid, p.Irrigation.SunlightThreshold)
	}
	if p.Irrigation.BurstCount < 1 || p.Irrigation.BurstGap < 0 {
		return fmt.Errorf("%w: burst %d x %s", ErrInvalid, p.Irrigation.BurstCount, p.Irrigation.BurstGap)
	}
	if p.Intervals.Send <= 0 || p.Intervals.Status <= 0 || p.Intervals.Tick <= 0 {
		return fmt.Errorf("%w: intervals must be positive", ErrInvalid)
	}
	if err := p.Radio.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func (i Irrigation) ParseMode() (model.Mode, error) {
	switch strings.ToLower(strings.TrimSpace(i.Mode)) {
	case "auto":
		return model.ModeAuto, nil
	case "manual":
		return model.ModeManual, nil
	default:
		return model.ModeManual, fmt.Errorf("%w: mode %q", ErrInvalid, i.Mode)
	}
}
