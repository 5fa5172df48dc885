package messages

import (
	"github.com/LeonardoBeccarini/agrilink/internal/model"
)

// ClockUnavailable is carried in Timestamp when the gateway clock is not synced.
const ClockUnavailable = "clock unavailable"

// TelemetryMessage is the JSON published on the telemetry topic. Absent
// readings are encoded as null.
type TelemetryMessage struct {
	Weather   *string  `json:"weather"`
	Temp      *float64 `json:"temp"`
	Hum       *float64 `json:"hum"`
	Light     *float64 `json:"light"`
	Moist     *int     `json:"moist"`
	Timestamp string   `json:"timestamp"`
}

// NewTelemetryMessage copies the known fields of t.
func NewTelemetryMessage(t model.Telemetry, timestamp string) TelemetryMessage {
	msg := TelemetryMessage{Timestamp: timestamp}
	if t.HasWeather() {
		w := t.Weather.String()
		msg.Weather = &w
	}
	if t.HasTemperature() {
		v := t.TemperatureC
		msg.Temp = &v
	}
	if t.HasHumidity() {
		v := t.HumidityPct
		msg.Hum = &v
	}
	if t.HasLight() {
		v := t.LightLevel
		msg.Light = &v
	}
	if t.HasMoisture() {
		v := t.SoilMoisturePct
		msg.Moist = &v
	}
	return msg
}
