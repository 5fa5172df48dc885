// Package wire implements the tagged text format spoken over the radio link.
//
// A telemetry packet is a sequence of Tag:Value fields joined by '|', e.g.
//
//	Weather:Clear|Temp:24.5|Hum:61|Light level:4.2|Moisture:37|Valve:Closed
//
// Decoding never fails as a whole: each field is looked up independently and a
// missing or unparseable field degrades to its unknown sentinel.
package wire

import (
	"math"
	"strconv"
	"strings"

	"github.com/LeonardoBeccarini/agrilink/internal/model"
)

// Canonical tags, in encode order.
const (
	TagWeather  = "Weather"
	TagTemp     = "Temp"
	TagHum      = "Hum"
	TagLight    = "Light level"
	TagMoisture = "Moisture"
	TagValve    = "Valve"
)

const (
	fieldSep       = "|"
	legacyFieldSep = ","
	kvSep          = ":"
)

// Lookup order per field: primary tag first, then aliases in declaration order.
var (
	weatherTags  = []string{TagWeather}
	tempTags     = []string{TagTemp}
	humTags      = []string{TagHum, "Hm"}
	lightTags    = []string{TagLight, "Lux", "Lx"}
	moistureTags = []string{TagMoisture}
	valveTags    = []string{TagValve}
)

// EncodeTelemetry renders the known fields of t. Unknown fields are omitted.
func EncodeTelemetry(t model.Telemetry) string {
	parts := make([]string, 0, 6)
	if t.HasWeather() {
		parts = append(parts, TagWeather+kvSep+t.Weather.String())
	}
	if t.HasTemperature() {
		parts = append(parts, TagTemp+kvSep+formatFloat(t.TemperatureC))
	}
	if t.HasHumidity() {
		parts = append(parts, TagHum+kvSep+formatFloat(t.HumidityPct))
	}
	if t.HasLight() {
		parts = append(parts, TagLight+kvSep+formatFloat(t.LightLevel))
	}
	if t.HasMoisture() {
		parts = append(parts, TagMoisture+kvSep+strconv.Itoa(t.SoilMoisturePct))
	}
	if t.HasValve() {
		parts = append(parts, TagValve+kvSep+t.Valve.String())
	}
	return strings.Join(parts, fieldSep)
}

// DecodeTelemetry parses text field by field. It never returns an error;
// fields that are missing or malformed are left at their unknown sentinel.
func DecodeTelemetry(text string) model.Telemetry {
	t := model.EmptyTelemetry()

	if v, ok := lookup(text, weatherTags); ok {
		t.Weather = parseWeather(v)
	}
	if v, ok := lookup(text, tempTags); ok {
		if f, ok := parseFloat(v); ok {
			t.TemperatureC = f
		}
	}
	if v, ok := lookup(text, humTags); ok {
		if f, ok := parseFloat(v); ok && f >= 0 && f <= 100 {
			t.HumidityPct = f
		}
	}
	if v, ok := lookup(text, lightTags); ok {
		if f, ok := parseFloat(v); ok && f >= 0 && f <= 10 {
			t.LightLevel = f
		}
	}
	if v, ok := lookup(text, moistureTags); ok {
		if f, ok := parseFloat(v); ok {
			m := int(math.Round(f))
			if m >= 0 && m <= 100 {
				t.SoilMoisturePct = m
			}
		}
	}
	if v, ok := lookup(text, valveTags); ok {
		t.Valve = model.ParseValveState(v)
	}
	return t
}

// lookup returns the value of the first tag in tags present in text.
func lookup(text string, tags []string) (string, bool) {
	for _, tag := range tags {
		if v, ok := field(text, tag); ok {
			return v, true
		}
	}
	return "", false
}

// field finds "tag:" at the start of a field (start of text, or right after a
// separator or space) so that tags embedded in unknown tags do not match.
func field(text, tag string) (string, bool) {
	key := tag + kvSep
	from := 0
	for from <= len(text) {
		i := strings.Index(text[from:], key)
		if i < 0 {
			return "", false
		}
		i += from
		if i == 0 || isFieldBoundary(text[i-1]) {
			return valueAt(text[i+len(key):]), true
		}
		from = i + 1
	}
	return "", false
}

func isFieldBoundary(c byte) bool {
	return c == '|' || c == ',' || c == ' '
}

// valueAt skips one leading space and reads to the next '|', falling back to
// ',' for legacy senders, then to end of text.
func valueAt(rest string) string {
	rest = strings.TrimPrefix(rest, " ")
	end := strings.Index(rest, fieldSep)
	if end < 0 {
		end = strings.Index(rest, legacyFieldSep)
	}
	if end < 0 {
		end = len(rest)
	}
	return strings.TrimRight(rest[:end], " \t\r\n")
}

// parseWeather keeps the substring tolerance of the field firmware: any value
// mentioning RAIN, in any case, is rain.
func parseWeather(v string) model.Weather {
	switch {
	case v == "":
		return model.WeatherUnknown
	case strings.Contains(strings.ToUpper(v), "RAIN"):
		return model.WeatherRaining
	default:
		return model.WeatherClear
	}
}

func parseFloat(v string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
