package model

import (
	"math"
	"strings"
)

// Weather is the rain sensor reading reported by the field node.
type Weather int

const (
	WeatherUnknown Weather = iota
	WeatherClear
	WeatherRaining
)

func (w Weather) String() string {
	switch w {
	case WeatherClear:
		return "Clear"
	case WeatherRaining:
		return "Raining"
	default:
		return "Unknown"
	}
}

// ValveState is the valve position as reported by the field node.
type ValveState int

const (
	ValveUnknown ValveState = iota
	ValveClosed
	ValveOpen
)

func (v ValveState) String() string {
	switch v {
	case ValveOpen:
		return "Open"
	case ValveClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ValveFor maps a boolean valve command onto a ValveState.
func ValveFor(open bool) ValveState {
	if open {
		return ValveOpen
	}
	return ValveClosed
}

// ParseValveState accepts "Open"/"Closed" in any case, plus the 1/0 and
// TRUE/FALSE spellings some node revisions emit.
func ParseValveState(s string) ValveState {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OPEN", "1", "TRUE", "ON":
		return ValveOpen
	case "CLOSED", "CLOSE", "0", "FALSE", "OFF":
		return ValveClosed
	default:
		return ValveUnknown
	}
}

// MoistureUnknown marks an absent soil moisture reading.
const MoistureUnknown = -1

// Telemetry is one sensor packet from the field node. Every field is either a
// valid reading or the unknown sentinel (NaN, MoistureUnknown, or the enum's
// Unknown value). Absent fields mean "no update", never zero.
type Telemetry struct {
	Weather         Weather
	TemperatureC    float64
	HumidityPct     float64
	LightLevel      float64 // 0..10
	SoilMoisturePct int     // 0..100
	Valve           ValveState
}

// EmptyTelemetry returns a packet with every field set to its unknown sentinel.
func EmptyTelemetry() Telemetry {
	return Telemetry{
		Weather:         WeatherUnknown,
		TemperatureC:    math.NaN(),
		HumidityPct:     math.NaN(),
		LightLevel:      math.NaN(),
		SoilMoisturePct: MoistureUnknown,
		Valve:           ValveUnknown,
	}
}

func (t Telemetry) HasWeather() bool     { return t.Weather != WeatherUnknown }
func (t Telemetry) HasTemperature() bool { return !math.IsNaN(t.TemperatureC) }
func (t Telemetry) HasHumidity() bool    { return !math.IsNaN(t.HumidityPct) }
func (t Telemetry) HasLight() bool       { return !math.IsNaN(t.LightLevel) }
func (t Telemetry) HasMoisture() bool    { return t.SoilMoisturePct >= 0 }
func (t Telemetry) HasValve() bool       { return t.Valve != ValveUnknown }

// Empty reports whether no field carries a reading.
func (t Telemetry) Empty() bool {
	return !t.HasWeather() && !t.HasTemperature() && !t.HasHumidity() &&
		!t.HasLight() && !t.HasMoisture() && !t.HasValve()
}

// Merge overlays the known fields of t on top of prev.
func (t Telemetry) Merge(prev Telemetry) Telemetry {
	out := prev
	if t.HasWeather() {
		out.Weather = t.Weather
	}
	if t.HasTemperature() {
		out.TemperatureC = t.TemperatureC
	}
	if t.HasHumidity() {
		out.HumidityPct = t.HumidityPct
	}
	if t.HasLight() {
		out.LightLevel = t.LightLevel
	}
	if t.HasMoisture() {
		out.SoilMoisturePct = t.SoilMoisturePct
	}
	if t.HasValve() {
		out.Valve = t.Valve
	}
	return out
}

// Equal compares two packets treating two NaN sentinels as equal.
func (t Telemetry) Equal(o Telemetry) bool {
	return t.Weather == o.Weather &&
		floatEq(t.TemperatureC, o.TemperatureC) &&
		floatEq(t.HumidityPct, o.HumidityPct) &&
		floatEq(t.LightLevel, o.LightLevel) &&
		t.SoilMoisturePct == o.SoilMoisturePct &&
		t.Valve == o.Valve
}

func floatEq(a, b float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.IsNaN(a) && math.IsNaN(b)
	}
	return a == b
}
