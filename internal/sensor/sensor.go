// Package sensor turns raw field-node sensor channels into calibrated
// telemetry.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/LeonardoBeccarini/agrilink/internal/model"
)

// ADC calibration of the field hardware (10-bit converter).
const (
	ADCMax = 1023

	// capacitive soil probe: reads ADCMax in dry air and about 300 in water
	MoistureDryADC = 1023
	MoistureWetADC = 300
)

// Sampler produces one telemetry reading. A failed channel leaves its field
// unknown; the returned error then describes the failures and the telemetry
// is still usable.
type Sampler interface {
	Sample(ctx context.Context) (model.Telemetry, error)
}

// Channels are the raw reads of the node hardware.
type Channels interface {
	LightADC() (int, error)
	MoistureADC() (int, error)
	// RainPinLow reports the rain sensor's digital output; it is active low.
	RainPinLow() (bool, error)
	// Climate returns temperature and humidity; NaN means the read failed.
	Climate() (tempC, humidityPct float64, err error)
}

// LightLevel maps the photoresistor divider onto 0 (dark) .. 10 (full sun).
func LightLevel(adc int) float64 {
	v := float64(ADCMax-adc) * 10.0 / ADCMax
	return math.Max(0, math.Min(10, v))
}

// MoisturePct maps the probe reading linearly from dry (0 %) to wet (100 %),
// with the integer arithmetic of the firmware, and clamps the result.
func MoisturePct(adc int) int {
	pct := (adc - MoistureDryADC) * 100 / (MoistureWetADC - MoistureDryADC)
	return max(0, min(100, pct))
}

func Raining(pinLow bool) model.Weather {
	if pinLow {
		return model.WeatherRaining
	}
	return model.WeatherClear
}

// round1 keeps one decimal, as the firmware prints readings.
func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// ChannelSampler calibrates a Channels implementation.
type ChannelSampler struct {
	ch Channels
}

func NewChannelSampler(ch Channels) *ChannelSampler {
	return &ChannelSampler{ch: ch}
}

func (s *ChannelSampler) Sample(ctx context.Context) (model.Telemetry, error) {
	t := model.EmptyTelemetry()
	if err := ctx.Err(); err != nil {
		return t, err
	}

	var errs []error
	if adc, err := s.ch.LightADC(); err != nil {
		errs = append(errs, fmt.Errorf("light: %w", err))
	} else {
		t.LightLevel = round1(LightLevel(adc))
	}
	if adc, err := s.ch.MoistureADC(); err != nil {
		errs = append(errs, fmt.Errorf("moisture: %w", err))
	} else {
		t.SoilMoisturePct = MoisturePct(adc)
	}
	if low, err := s.ch.RainPinLow(); err != nil {
		errs = append(errs, fmt.Errorf("rain: %w", err))
	} else {
		t.Weather = Raining(low)
	}

	temp, hum, err := s.ch.Climate()
	if err != nil {
		errs = append(errs, fmt.Errorf("climate: %w", err))
	}
	if !math.IsNaN(temp) && !math.IsInf(temp, 0) {
		t.TemperatureC = round1(temp)
	}
	if !math.IsNaN(hum) && hum >= 0 && hum <= 100 {
		t.HumidityPct = round1(hum)
	}

	return t, errors.Join(errs...)
}
