// Package fieldnode runs the field side of the link: it samples the sensors,
// sends telemetry on a fixed interval and drives the valve on command.
package fieldnode

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/LeonardoBeccarini/agrilink/internal/model"
	"github.com/LeonardoBeccarini/agrilink/internal/model/messages"
	"github.com/LeonardoBeccarini/agrilink/internal/sensor"
	"github.com/LeonardoBeccarini/agrilink/pkg/wire"
)

var (
	ErrBusy           = errors.New("console queue full")
	ErrNothingToSend  = errors.New("no sensor reading available")
	ErrUnknownCommand = errors.New("unknown console command")
)

const DefaultSendInterval = 10 * time.Second

// Radio is the part of *radio.Link the node drives.
type Radio interface {
	PollReceive() ([]byte, error)
	Transmit(payload []byte) error
}

type Options struct {
	SendInterval time.Duration
	Tick         time.Duration
	QueueSize    int
}

type Node struct {
	link    Radio
	sampler sensor.Sampler
	valve   Valve
	opts    Options
	l       hclog.Logger

	requests chan func()
	lastSend time.Time
	last     model.Telemetry

	sent, sendFailures, commands atomic.Uint64
}

func New(link Radio, sampler sensor.Sampler, valve Valve, opts Options, logger hclog.Logger) *Node {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if opts.SendInterval <= 0 {
		opts.SendInterval = DefaultSendInterval
	}
	if opts.Tick <= 0 {
		opts.Tick = 10 * time.Millisecond
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 8
	}
	return &Node{
		link:     link,
		sampler:  sampler,
		valve:    valve,
		opts:     opts,
		l:        logger,
		requests: make(chan func(), opts.QueueSize),
		last:     model.EmptyTelemetry(),
	}
}

// Run drives the control loop until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	n.l.Info("field node started", "send_interval", n.opts.SendInterval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n.Step(ctx, time.Now())
		time.Sleep(n.opts.Tick)
	}
}

// Step runs one loop iteration: poll the radio, run queued console requests,
// then send telemetry when the interval has elapsed.
func (n *Node) Step(ctx context.Context, now time.Time) {
	n.poll()
	for k := len(n.requests); k > 0; k-- {
		(<-n.requests)()
	}
	if now.Sub(n.lastSend) >= n.opts.SendInterval {
		n.lastSend = now
		if err := n.SendTelemetry(ctx); err != nil {
			n.l.Warn("telemetry not sent", "error", err)
		}
	}
}

func (n *Node) poll() {
	payload, err := n.link.PollReceive()
	if err != nil {
		n.l.Warn("radio poll failed", "error", err)
		return
	}
	if payload == nil {
		return
	}
	text := string(payload)
	open, ok := wire.DecodeCommand(text)
	if !ok {
		n.l.Debug("frame ignored", "frame", text)
		return
	}
	n.commands.Add(1)
	n.l.Debug("command received", "frame", text)
	if _, err := n.valve.Set(open); err != nil {
		n.l.Error("valve actuation failed", "open", open, "error", err)
	}
}

// SendTelemetry samples the sensors and transmits the reading with the valve
// position. Channels that failed are left out of the frame.
func (n *Node) SendTelemetry(ctx context.Context) error {
	t, sampleErr := n.sampler.Sample(ctx)
	if sampleErr != nil {
		n.l.Warn("sensor read failed", "error", sampleErr)
	}
	if t.Empty() {
		return ErrNothingToSend
	}
	t.Valve = n.valve.State()
	n.last = t

	text := wire.EncodeTelemetry(t)
	if err := n.link.Transmit([]byte(text)); err != nil {
		n.sendFailures.Add(1)
		return fmt.Errorf("transmit: %w", err)
	}
	n.sent.Add(1)
	n.l.Debug("telemetry sent", "frame", text)
	return nil
}

// Submit queues fn to run on the control loop. It never blocks.
func (n *Node) Submit(fn func()) error {
	select {
	case n.requests <- fn:
		return nil
	default:
		return ErrBusy
	}
}

type Status struct {
	Valve        string                    `json:"valve"`
	LastSample   messages.TelemetryMessage `json:"last_sample"`
	Sent         uint64                    `json:"sent"`
	SendFailures uint64                    `json:"send_failures"`
	Commands     uint64                    `json:"commands"`
}

// Status must be called from the control loop.
func (n *Node) Status() Status {
	return Status{
		Valve:        n.valve.State().String(),
		LastSample:   messages.NewTelemetryMessage(n.last, ""),
		Sent:         n.sent.Load(),
		SendFailures: n.sendFailures.Load(),
		Commands:     n.commands.Load(),
	}
}

// Exec runs a console command on the control loop and waits for its output.
func (n *Node) Exec(ctx context.Context, args ...string) (string, error) {
	type result struct {
		out string
		err error
	}
	reply := make(chan result, 1)
	err := n.Submit(func() {
		out, err := n.exec(ctx, args)
		reply <- result{out, err}
	})
	if err != nil {
		return "", err
	}
	select {
	case r := <-reply:
		return r.out, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (n *Node) exec(ctx context.Context, args []string) (string, error) {
	if len(args) == 0 {
		return "", ErrUnknownCommand
	}
	switch strings.ToLower(args[0]) {
	case "valve":
		if len(args) < 2 {
			return "", fmt.Errorf("usage: valve open|close")
		}
		var open bool
		switch strings.ToLower(args[1]) {
		case "open", "on":
			open = true
		case "close", "closed", "off":
		default:
			return "", fmt.Errorf("usage: valve open|close")
		}
		changed, err := n.valve.Set(open)
		if err != nil {
			return "", err
		}
		if !changed {
			return "valve already " + n.valve.State().String(), nil
		}
		return "valve " + n.valve.State().String(), nil

	case "state":
		st := n.Status()
		return fmt.Sprintf("valve=%s sent=%d failures=%d commands=%d last=%q",
			st.Valve, st.Sent, st.SendFailures, st.Commands, wire.EncodeTelemetry(n.last)), nil

	case "send":
		if err := n.SendTelemetry(ctx); err != nil {
			return "", err
		}
		return "sent " + wire.EncodeTelemetry(n.last), nil

	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownCommand, args[0])
	}
}
