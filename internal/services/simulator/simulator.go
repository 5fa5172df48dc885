// Package simulator runs a field node and the gateway in one process, linked
// by an in-memory radio medium, against a simulated field.
package simulator

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/LeonardoBeccarini/agrilink/internal/config"
	"github.com/LeonardoBeccarini/agrilink/internal/sensor"
	"github.com/LeonardoBeccarini/agrilink/internal/services/fieldnode"
	"github.com/LeonardoBeccarini/agrilink/internal/services/gateway"
	"github.com/LeonardoBeccarini/agrilink/internal/services/history"
	"github.com/LeonardoBeccarini/agrilink/pkg/broker"
	"github.com/LeonardoBeccarini/agrilink/pkg/radio"
	"github.com/LeonardoBeccarini/agrilink/pkg/radio/ether"
)

type Simulation struct {
	Medium  *ether.Medium
	Field   *sensor.Simulator
	Valve   *fieldnode.ServoValve
	Node    *fieldnode.Node
	Gateway *gateway.Service
}

// New builds both ends of the link. opts are passed to both radio links.
func New(profile config.Profile, sess *broker.Session, sink *history.Sink, svcCfg gateway.ServiceConfig, logger hclog.Logger, opts ...radio.Option) (*Simulation, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	medium := ether.NewMedium()

	gwLink, err := radio.Open(medium.NewDriver("gateway"), profile.Radio, logger.Named("gateway.radio"), opts...)
	if err != nil {
		return nil, fmt.Errorf("gateway radio: %w", err)
	}
	nodeLink, err := radio.Open(medium.NewDriver("node"), profile.Radio, logger.Named("node.radio"), opts...)
	if err != nil {
		return nil, fmt.Errorf("node radio: %w", err)
	}

	field := sensor.NewSimulator(profile.Simulation)
	valve := fieldnode.NewServoValve(nil, field.SetValve, logger.Named("node.valve"))
	node := fieldnode.New(nodeLink, sensor.NewChannelSampler(field), valve, fieldnode.Options{
		SendInterval: profile.Intervals.Send,
		Tick:         profile.Intervals.Tick,
	}, logger.Named("node"))

	svc, err := gateway.NewService(gwLink, profile, sess, sink, svcCfg, logger.Named("gateway"))
	if err != nil {
		return nil, err
	}

	return &Simulation{Medium: medium, Field: field, Valve: valve, Node: node, Gateway: svc}, nil
}

// SeedMoisture sets the starting soil water content from SoilGrids when the
// profile has a location. A failed lookup keeps the configured value.
func (s *Simulation) SeedMoisture(ctx context.Context, cfg sensor.SimConfig, sg sensor.SoilGrids, logger hclog.Logger) {
	if !cfg.HasLocation() {
		return
	}
	m, err := sg.Moisture(ctx, cfg.Latitude, cfg.Longitude)
	if err != nil {
		logger.Warn("soilgrids seed unavailable, using configured moisture", "error", err)
		return
	}
	s.Field.SetMoisture(m)
	logger.Info("soil moisture seeded", "moisture", m, "lat", cfg.Latitude, "lon", cfg.Longitude)
}

// Run drives the node and the gateway until ctx is done.
func (s *Simulation) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.Node.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return s.Gateway.Run(ctx)
	})
	return g.Wait()
}

// Counts reports frames delivered and lost on the medium, for status logs.
func (s *Simulation) Counts() (delivered, lost uint64) {
	return s.Medium.Counts()
}

// ReportEvery logs medium counters until ctx is done.
func (s *Simulation) ReportEvery(ctx context.Context, every time.Duration, logger hclog.Logger) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			delivered, lost := s.Counts()
			logger.Info("medium", "delivered", delivered, "lost", lost,
				"valve", s.Valve.State().String(), "moisture", s.Field.Moisture())
		}
	}
}
