package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/LeonardoBeccarini/agrilink/internal/config"
	"github.com/LeonardoBeccarini/agrilink/internal/policy"
	"github.com/LeonardoBeccarini/agrilink/internal/services/history"
	"github.com/LeonardoBeccarini/agrilink/pkg/broker"
	"github.com/LeonardoBeccarini/agrilink/pkg/dedup"
)

const (
	commandQoS   = 1
	telemetryQoS = 0
	valveQoS     = 1
)

type ServiceConfig struct {
	HTTPAddr      string        // empty disables the ops HTTP server
	GRPCAddr      string        // empty disables the gRPC health server
	HealthEvery   time.Duration // gRPC health refresh period
	ReadyErrorAge time.Duration // see Checks.MinErrorAge
}

// Service wires a bridge to its MQTT session, history sink and ops servers.
type Service struct {
	Bridge *Bridge
	Hub    *Hub

	sess     *broker.Session
	consumer *broker.MultiConsumer
	sink     *history.Sink
	checks   Checks
	cfg      ServiceConfig
	l        hclog.Logger
}

// NewService builds the gateway for one radio link. sink may be nil.
func NewService(link Radio, profile config.Profile, sess *broker.Session, sink *history.Sink, cfg ServiceConfig, logger hclog.Logger) (*Service, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	mode, err := profile.Irrigation.ParseMode()
	if err != nil {
		return nil, err
	}
	state := policy.NewState(mode, profile.Irrigation.SoilThreshold)

	hub := NewHub(logger.Named("ws"))
	out := Outputs{
		Telemetry: broker.NewPublisher(sess, profile.Topics.Telemetry, telemetryQoS, false),
		Valve:     broker.NewPublisher(sess, profile.Topics.Valve, valveQoS, true),
		Display:   Displays{LogDisplay{L: logger.Named("display")}, hub},
	}
	checks := Checks{Transport: sess, MinErrorAge: cfg.ReadyErrorAge}
	if sink != nil {
		out.History = sink
		checks.History = sink
	}

	b := New(link, state, out, OptionsFrom(profile), logger.Named("bridge"))
	consumer := broker.NewMultiConsumer(sess, b.CommandTopics(), commandQoS, b.HandleMessage)
	consumer.SetDeduper(dedup.New(dedup.DefaultTTL, dedup.DefaultMax))

	return &Service{
		Bridge:   b,
		Hub:      hub,
		sess:     sess,
		consumer: consumer,
		sink:     sink,
		checks:   checks,
		cfg:      cfg,
		l:        logger,
	}, nil
}

// Run blocks until ctx is done or a server fails. A broker that cannot be
// reached is logged and left to reconnect; the radio side keeps running.
func (s *Service) Run(ctx context.Context) error {
	// Listen before starting anything, so a busy port leaves nothing running.
	var grpcLis net.Listener
	if s.cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", s.cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", s.cfg.GRPCAddr, err)
		}
		grpcLis = lis
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.sess.Start(ctx); err != nil && ctx.Err() == nil {
			s.l.Error("mqtt unavailable, radio side continues", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		return ignoreCanceled(s.consumer.ConsumeMessage(ctx))
	})

	if s.sink != nil {
		g.Go(func() error {
			s.sink.Run(ctx)
			return nil
		})
	}

	if s.cfg.HTTPAddr != "" {
		var valves history.ValveLister
		if s.sink != nil {
			valves = s.sink
		}
		srv := &http.Server{
			Addr:              s.cfg.HTTPAddr,
			Handler:           NewRouter(s.Bridge, s.checks, s.Hub, valves),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			s.l.Info("ops http listening", "addr", s.cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ops http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if grpcLis != nil {
		gs := grpc.NewServer()
		hs := health.NewServer()
		healthpb.RegisterHealthServer(gs, hs)
		g.Go(func() error {
			s.l.Info("grpc health listening", "addr", s.cfg.GRPCAddr)
			return gs.Serve(grpcLis)
		})
		g.Go(func() error {
			WatchHealth(ctx, hs, s.Bridge, s.checks, s.cfg.HealthEvery)
			gs.GracefulStop()
			return nil
		})
	}

	g.Go(func() error {
		return ignoreCanceled(s.Bridge.Run(ctx))
	})

	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
