// Package history stores gateway telemetry and valve transitions in
// InfluxDB. Writes happen on a background worker so that the control loop
// never waits on the database.
package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sony/gobreaker"

	"github.com/LeonardoBeccarini/agrilink/internal/model"
	"github.com/LeonardoBeccarini/agrilink/internal/model/messages"
)

var ErrQueueFull = errors.New("history queue full")

type Config struct {
	URL             string        `env:"INFLUX_URL"`
	Token           string        `env:"INFLUX_TOKEN"`
	Org             string        `env:"INFLUX_ORG" envDefault:"agrilink"`
	Bucket          string        `env:"INFLUX_BUCKET" envDefault:"field"`
	Node            string        `env:"NODE_ID" envDefault:"node-1"`
	QueueSize       int           `env:"HISTORY_QUEUE" envDefault:"256"`
	WriteTimeout    time.Duration `env:"INFLUX_TIMEOUT" envDefault:"3s"`
	BreakerFailures int           `env:"INFLUX_CB_FAILS" envDefault:"3"`
	BreakerOpenFor  time.Duration `env:"INFLUX_CB_OPEN" envDefault:"30s"`
}

func (c Config) Enabled() bool {
	return c.URL != ""
}

// PointWriter is satisfied by api.WriteAPIBlocking.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

type Sink struct {
	w      PointWriter
	reader api.QueryAPI
	cfg    Config
	cb     *gobreaker.CircuitBreaker
	queue  chan *write.Point
	l      hclog.Logger

	mu      sync.RWMutex
	lastErr time.Time

	written, failed, dropped atomic.Uint64
}

func NewSink(w PointWriter, cfg Config, logger hclog.Logger) *Sink {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 3 * time.Second
	}
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = 3
	}

	s := &Sink{
		w:       w,
		cfg:     cfg,
		queue:   make(chan *write.Point, cfg.QueueSize),
		l:       logger,
		lastErr: time.Now().Add(-24 * time.Hour),
	}
	s.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "influx",
		Timeout: cfg.BreakerOpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(cfg.BreakerFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.l.Warn("breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return s
}

// Open connects a blocking write API and a query API to InfluxDB. The
// returned func closes the client.
func Open(cfg Config, logger hclog.Logger) (*Sink, func(), error) {
	if !cfg.Enabled() {
		return nil, func() {}, fmt.Errorf("influx url not set")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	s := NewSink(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), cfg, logger)
	s.reader = client.QueryAPI(cfg.Org)
	return s, client.Close, nil
}

func (s *Sink) RecordTelemetry(t model.Telemetry, ts time.Time) {
	if p := TelemetryToPoint(s.cfg.Node, t, ts); p != nil {
		s.enqueue(p)
	}
}

func (s *Sink) RecordValve(ev messages.ValveEvent) {
	s.enqueue(ValveToPoint(s.cfg.Node, ev))
}

func (s *Sink) enqueue(p *write.Point) {
	select {
	case s.queue <- p:
	default:
		s.dropped.Add(1)
		s.l.Debug("point dropped", "error", ErrQueueFull, "measurement", p.Name())
	}
}

// Run drains the queue until ctx is done, then flushes what is left with a
// fresh deadline.
func (s *Sink) Run(ctx context.Context) {
	for {
		select {
		case p := <-s.queue:
			s.write(ctx, p)
		case <-ctx.Done():
			s.drain()
			return
		}
	}
}

func (s *Sink) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	for {
		select {
		case p := <-s.queue:
			s.write(ctx, p)
		default:
			return
		}
	}
}

func (s *Sink) write(ctx context.Context, p *write.Point) {
	_, err := s.cb.Execute(func() (interface{}, error) {
		wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
		defer cancel()
		return nil, s.w.WritePoint(wctx, p)
	})
	if err != nil {
		s.failed.Add(1)
		s.mu.Lock()
		s.lastErr = time.Now()
		s.mu.Unlock()
		if !errors.Is(err, gobreaker.ErrOpenState) {
			s.l.Warn("influx write error", "measurement", p.Name(), "error", err)
		}
		return
	}
	s.written.Add(1)
}

// LastErrorAge is the time since the last failed write.
func (s *Sink) LastErrorAge() time.Duration {
	if s == nil {
		return 99999 * time.Hour
	}
	s.mu.RLock()
	t := s.lastErr
	s.mu.RUnlock()
	return time.Since(t)
}

func (s *Sink) BreakerState() gobreaker.State {
	return s.cb.State()
}

type Stats struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
	Queued  int    `json:"queued"`
}

func (s *Sink) Stats() Stats {
	return Stats{
		Written: s.written.Load(),
		Failed:  s.failed.Load(),
		Dropped: s.dropped.Load(),
		Queued:  len(s.queue),
	}
}
