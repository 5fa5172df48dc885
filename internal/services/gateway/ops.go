package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/LeonardoBeccarini/agrilink/internal/services/history"
)

// gRPC health service names.
const (
	ServiceRadio     = "radio"
	ServiceTransport = "transport"
)

// Checks are the dependencies the health endpoints look at. History is nil
// when the history sink is disabled.
type Checks struct {
	Transport interface{ IsConnected() bool }
	History   interface{ LastErrorAge() time.Duration }
	// MinErrorAge is how long ago the last history write error must be for
	// the gateway to count as ready.
	MinErrorAge time.Duration
}

func (c Checks) transportOK() bool {
	return c.Transport != nil && c.Transport.IsConnected()
}

func (c Checks) historyOK() bool {
	return c.History == nil || c.History.LastErrorAge() > c.MinErrorAge
}

type healthStatus struct {
	Status             string  `json:"status"`
	Mode               string  `json:"mode"`
	RadioOK            bool    `json:"radio_ok"`
	TransportConnected bool    `json:"transport_connected"`
	HistoryEnabled     bool    `json:"history_enabled"`
	LastWriteErrorS    float64 `json:"last_write_error_age_sec,omitempty"`
}

// NewRouter mounts the ops endpoints: /healthz, /readyz, /state, /metrics and
// the /ws display feed. /history/valve is only mounted when valves is set.
func NewRouter(b *Bridge, checks Checks, hub *Hub, valves history.ValveLister) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		st := healthStatus{
			Mode:               b.State().Mode().String(),
			RadioOK:            b.RadioOK(),
			TransportConnected: checks.transportOK(),
			HistoryEnabled:     checks.History != nil,
		}
		if checks.History != nil {
			st.LastWriteErrorS = checks.History.LastErrorAge().Seconds()
		}
		switch {
		case st.RadioOK && st.TransportConnected && checks.historyOK():
			st.Status = "ok"
		case st.RadioOK || st.TransportConnected:
			st.Status = "degraded"
		default:
			st.Status = "down"
		}
		render.JSON(w, r, st)
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ready := b.RadioOK() && checks.transportOK() && checks.historyOK()
		if !ready {
			render.Status(r, http.StatusServiceUnavailable)
		}
		render.JSON(w, r, map[string]bool{"ready": ready})
	})

	r.Get("/state", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, b.View())
	})

	r.Handle("/metrics", promhttp.HandlerFor(b.Metrics().Registry, promhttp.HandlerOpts{}))

	if hub != nil {
		r.Handle("/ws", hub)
	}
	if valves != nil {
		r.Get("/history/valve", history.ValveHandler(valves))
	}
	return r
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// UpdateHealth sets the radio and transport statuses once. The overall ""
// service follows readiness.
func UpdateHealth(hs *health.Server, b *Bridge, checks Checks) {
	radioOK := b.RadioOK()
	transportOK := checks.transportOK()
	hs.SetServingStatus(ServiceRadio, servingStatus(radioOK))
	hs.SetServingStatus(ServiceTransport, servingStatus(transportOK))
	hs.SetServingStatus("", servingStatus(radioOK && transportOK && checks.historyOK()))
}

// WatchHealth refreshes the gRPC health statuses every interval until ctx is
// done, then marks everything not serving.
func WatchHealth(ctx context.Context, hs *health.Server, b *Bridge, checks Checks, every time.Duration) {
	if every <= 0 {
		every = 5 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		UpdateHealth(hs, b, checks)
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-t.C:
		}
	}
}
