package history

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/LeonardoBeccarini/agrilink/internal/model"
	"github.com/LeonardoBeccarini/agrilink/internal/model/messages"
)

const (
	MeasurementTelemetry = "field_telemetry"
	MeasurementValve     = "valve_event"
)

// TelemetryToPoint keeps only the known readings. It returns nil for a
// packet with nothing to store.
func TelemetryToPoint(node string, t model.Telemetry, ts time.Time) *write.Point {
	fields := map[string]interface{}{}
	if t.HasTemperature() {
		fields["temp_c"] = t.TemperatureC
	}
	if t.HasHumidity() {
		fields["humidity_pct"] = t.HumidityPct
	}
	if t.HasLight() {
		fields["light_level"] = t.LightLevel
	}
	if t.HasMoisture() {
		fields["moisture_pct"] = int64(t.SoilMoisturePct)
	}
	if t.HasWeather() {
		fields["raining"] = t.Weather == model.WeatherRaining
	}
	if t.HasValve() {
		fields["valve_open"] = t.Valve == model.ValveOpen
	}
	if len(fields) == 0 {
		return nil
	}
	return influxdb2.NewPoint(MeasurementTelemetry, map[string]string{"node": node}, fields, ts)
}

func ValveToPoint(node string, ev messages.ValveEvent) *write.Point {
	tags := map[string]string{"node": node, "source": ev.Source}
	fields := map[string]interface{}{
		"open": ev.Open,
		"sent": int64(ev.Sent),
	}
	return influxdb2.NewPoint(MeasurementValve, tags, fields, ev.Timestamp)
}
