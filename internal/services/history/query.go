package history

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/render"
	"github.com/influxdata/influxdb-client-go/v2/api/query"
)

var ErrNoReader = errors.New("history query api not configured")

// ValveRecord is one stored valve transition as served to dashboards.
type ValveRecord struct {
	Source string `json:"source,omitempty"`
	Open   bool   `json:"open"`
	Time   string `json:"time"` // RFC3339
}

type Query struct {
	Minutes int
	Limit   int
	Timeout time.Duration
}

// ParseQuery reads minutes, limit and timeout_ms from the URL, clamping each
// to its range. Missing or unparsable values take the default.
func ParseQuery(r *http.Request) Query {
	q := r.URL.Query()
	get := func(k string, def, min, max int) int {
		v := strings.TrimSpace(q.Get(k))
		if v == "" {
			return def
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return def
		}
		if n < min {
			return min
		}
		if n > max {
			return max
		}
		return n
	}
	return Query{
		Minutes: get("minutes", 1440, 1, 7*24*60),
		Limit:   get("limit", 20, 1, 500),
		Timeout: time.Duration(get("timeout_ms", 2000, 200, 5000)) * time.Millisecond,
	}
}

func valveFlux(bucket string, q Query) string {
	return fmt.Sprintf(`
from(bucket: %q)
  |> range(start: -%dm)
  |> filter(fn: (r) => r._measurement == %q and r._field == "open")
  |> keep(columns: ["_time","_value","source"])
  |> group()
  |> sort(columns: ["_time"], desc: true)
  |> limit(n:%d)
`, bucket, q.Minutes, MeasurementValve, q.Limit)
}

func recordToValve(rec *query.FluxRecord) ValveRecord {
	out := ValveRecord{Time: rec.Time().UTC().Format(time.RFC3339)}
	switch v := rec.Value().(type) {
	case bool:
		out.Open = v
	case string:
		out.Open, _ = strconv.ParseBool(strings.TrimSpace(v))
	case int64:
		out.Open = v != 0
	}
	if s, ok := rec.ValueByKey("source").(string); ok {
		out.Source = s
	}
	return out
}

// RecentValve returns the latest valve transitions, newest first.
func (s *Sink) RecentValve(ctx context.Context, q Query) ([]ValveRecord, error) {
	if s == nil || s.reader == nil {
		return nil, ErrNoReader
	}
	ctx, cancel := context.WithTimeout(ctx, q.Timeout)
	defer cancel()

	res, err := s.reader.Query(ctx, valveFlux(s.cfg.Bucket, q))
	if err != nil {
		return nil, fmt.Errorf("influx query: %w", err)
	}
	defer res.Close()

	out := make([]ValveRecord, 0, q.Limit)
	for res.Next() {
		out = append(out, recordToValve(res.Record()))
	}
	if err := res.Err(); err != nil {
		return out, fmt.Errorf("influx iterate: %w", err)
	}
	return out, nil
}

// ValveLister is satisfied by *Sink.
type ValveLister interface {
	RecentValve(ctx context.Context, q Query) ([]ValveRecord, error)
}

// ValveHandler serves GET /history/valve?limit=20&minutes=1440. A failed
// query still answers with an empty list and an X-Error header.
func ValveHandler(l ValveLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := l.RecentValve(r.Context(), ParseQuery(r))
		if err != nil {
			w.Header().Set("X-Error", "history-query-error")
		}
		if out == nil {
			out = []ValveRecord{}
		}
		render.JSON(w, r, out)
	}
}
