// Package gateway bridges the radio link to the MQTT transport. One control
// loop owns the radio: it drains received frames, applies operator commands
// queued by the transport callbacks and runs the irrigation policy.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/hashicorp/go-hclog"

	"github.com/LeonardoBeccarini/agrilink/internal/config"
	"github.com/LeonardoBeccarini/agrilink/internal/model"
	"github.com/LeonardoBeccarini/agrilink/internal/model/messages"
	"github.com/LeonardoBeccarini/agrilink/internal/policy"
	"github.com/LeonardoBeccarini/agrilink/pkg/broker"
	"github.com/LeonardoBeccarini/agrilink/pkg/radio"
	"github.com/LeonardoBeccarini/agrilink/pkg/wire"
)

var (
	ErrQueueFull    = errors.New("transport event queue full")
	ErrUnknownTopic = errors.New("unknown command topic")
	ErrMalformed    = errors.New("malformed command payload")
)

const DefaultTimestampLayout = "2006-01-02 15:04:05"

// Radio is the part of *radio.Link the bridge drives.
type Radio interface {
	PollReceive() ([]byte, error)
	Transmit(payload []byte) error
	Mode() radio.Mode
	Stats() radio.Stats
}

// History records telemetry and valve transitions. *history.Sink implements it.
type History interface {
	RecordTelemetry(t model.Telemetry, ts time.Time)
	RecordValve(ev messages.ValveEvent)
}

type Options struct {
	Topics config.Topics
	// Policy nil means policy.Default(). A set policy is used as is, zero
	// thresholds included.
	Policy          *policy.Policy
	Burst           policy.Burst
	StatusInterval  time.Duration
	Tick            time.Duration
	QueueSize       int
	TimestampLayout string
}

// OptionsFrom maps a deployment profile onto bridge options.
func OptionsFrom(p config.Profile) Options {
	return Options{
		Topics:         p.Topics,
		Policy:         &policy.Policy{SunlightThreshold: p.Irrigation.SunlightThreshold},
		Burst:          policy.Burst{Count: p.Irrigation.BurstCount, Gap: p.Irrigation.BurstGap},
		StatusInterval: p.Intervals.Status,
		Tick:           p.Intervals.Tick,
	}
}

// Outputs are the collaborators the bridge reports to. Telemetry and Valve
// are required, the rest may be nil.
type Outputs struct {
	Telemetry broker.IPublisher
	Valve     broker.IPublisher
	Clock     Clock
	Display   Display
	History   History
	Metrics   *Metrics
}

type event struct {
	topic   string
	payload []byte
}

type Bridge struct {
	link  Radio
	state *policy.State
	opts  Options
	out   Outputs
	l     hclog.Logger

	events chan event

	mu         sync.RWMutex
	snapshot   model.Telemetry
	stamp      string
	lastStatus time.Time

	radioOK atomic.Bool
}

func New(link Radio, state *policy.State, out Outputs, opts Options, logger hclog.Logger) *Bridge {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Tick <= 0 {
		opts.Tick = 10 * time.Millisecond
	}
	if opts.TimestampLayout == "" {
		opts.TimestampLayout = DefaultTimestampLayout
	}
	if opts.Burst.Count <= 0 {
		opts.Burst = policy.DefaultBurst()
	}
	if opts.Policy == nil {
		p := policy.Default()
		opts.Policy = &p
	}
	if out.Clock == nil {
		out.Clock = SystemClock{}
	}
	if out.Display == nil {
		out.Display = Displays{}
	}
	if out.Metrics == nil {
		out.Metrics = NewMetrics(link.Stats)
	}

	b := &Bridge{
		link:     link,
		state:    state,
		opts:     opts,
		out:      out,
		l:        logger,
		events:   make(chan event, opts.QueueSize),
		snapshot: model.EmptyTelemetry(),
		stamp:    messages.ClockUnavailable,
	}
	b.radioOK.Store(true)
	return b
}

func (b *Bridge) State() *policy.State {
	return b.state
}

func (b *Bridge) Metrics() *Metrics {
	return b.out.Metrics
}

// RadioOK is false after a failed poll until the next successful one.
func (b *Bridge) RadioOK() bool {
	return b.radioOK.Load()
}

// CommandTopics lists the inbound topics the bridge understands.
func (b *Bridge) CommandTopics() []string {
	return []string{b.opts.Topics.Command, b.opts.Topics.Threshold, b.opts.Topics.Mode}
}

// Enqueue hands a transport message to the control loop. It never blocks.
func (b *Bridge) Enqueue(topic string, payload []byte) error {
	select {
	case b.events <- event{topic: topic, payload: append([]byte(nil), payload...)}:
		return nil
	default:
		b.out.Metrics.eventsDropped.Inc()
		return fmt.Errorf("%w: %s", ErrQueueFull, topic)
	}
}

// HandleMessage is a broker.Handler feeding Enqueue.
func (b *Bridge) HandleMessage(topic string, msg mqtt.Message) error {
	return b.Enqueue(topic, msg.Payload())
}

// Run drives the control loop until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	b.l.Info("bridge started", "mode", b.state.Mode().String(), "tick", b.opts.Tick)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		b.Step(time.Now())
		time.Sleep(b.opts.Tick)
	}
}

// Step runs one loop iteration: poll the radio, drain queued transport
// events, then refresh the status outputs when the interval has elapsed.
func (b *Bridge) Step(now time.Time) {
	b.poll()
	b.drainEvents()
	b.status(now)
}

func (b *Bridge) poll() {
	payload, err := b.link.PollReceive()
	if err != nil {
		if b.radioOK.Swap(false) {
			b.l.Warn("radio poll failed", "error", err)
		}
		return
	}
	b.radioOK.Store(true)
	if payload != nil {
		b.handleFrame(payload)
	}
}

func (b *Bridge) handleFrame(payload []byte) {
	text := string(payload)
	if wire.IsCommand(text) {
		b.l.Trace("command frame ignored", "frame", text)
		return
	}
	t := wire.DecodeTelemetry(text)
	if t.Empty() {
		b.out.Metrics.framesMalformed.Inc()
		b.l.Debug("discarded malformed packet", "frame", text)
		return
	}
	b.out.Metrics.framesDecoded.Inc()
	b.OnTelemetry(t)
}

// drainEvents handles at most the events queued when it starts, so a busy
// transport cannot starve the radio.
func (b *Bridge) drainEvents() {
	for n := len(b.events); n > 0; n-- {
		ev := <-b.events
		if err := b.OnTransportCommand(ev.topic, ev.payload); err != nil {
			b.l.Warn("command rejected", "topic", ev.topic, "error", err)
		}
	}
}

func (b *Bridge) status(now time.Time) {
	if b.opts.StatusInterval <= 0 || now.Sub(b.lastStatus) < b.opts.StatusInterval {
		return
	}
	b.lastStatus = now
	b.publishValve(b.state.LastCommand())
	b.refreshDisplay()
}

// OnTelemetry forwards a decoded packet and, in Auto mode, runs the policy
// on the merged snapshot.
func (b *Bridge) OnTelemetry(t model.Telemetry) {
	now, clockErr := b.out.Clock.Now()
	stamp := messages.ClockUnavailable
	if clockErr == nil {
		stamp = now.Format(b.opts.TimestampLayout)
	}

	b.mu.Lock()
	b.snapshot = t.Merge(b.snapshot)
	b.stamp = stamp
	merged := b.snapshot
	b.mu.Unlock()

	b.publish(b.out.Telemetry, messages.NewTelemetryMessage(t, stamp))
	if t.HasValve() {
		b.publishValve(t.Valve == model.ValveOpen)
	}
	b.refreshDisplay()

	if b.out.History != nil {
		if clockErr != nil {
			b.l.Debug("history skipped", "error", clockErr)
		} else {
			b.out.History.RecordTelemetry(t, now)
		}
	}

	if open, emit := b.state.Evaluate(*b.opts.Policy, policy.InputsFrom(merged)); emit {
		b.l.Info("policy decision", "open", open, "moisture", merged.SoilMoisturePct,
			"weather", merged.Weather.String(), "light", merged.LightLevel)
		b.relay(open, messages.SourceAuto)
	}
}

// OnTransportCommand applies one inbound transport message. Mode and
// threshold changes never touch the radio. Valve commands are honored in
// Manual mode only and ignored otherwise.
func (b *Bridge) OnTransportCommand(topic string, payload []byte) error {
	c, err := b.decodeCommand(topic, string(payload))
	if err != nil {
		return err
	}
	emit, err := b.state.Apply(c)
	if errors.Is(err, policy.ErrAutoMode) {
		b.l.Debug("valve command ignored in auto mode", "command", c.String())
		return nil
	}
	if err != nil {
		return err
	}
	b.out.Metrics.transportEvents.WithLabelValues(c.Kind.String()).Inc()

	switch c.Kind {
	case model.SetValve:
		if emit {
			b.relay(c.Open, messages.SourceManual)
		}
	default:
		b.l.Info("state updated", "command", c.String())
		b.refreshDisplay()
	}
	return nil
}

// decodeCommand maps a topic and its payload onto a Command.
func (b *Bridge) decodeCommand(topic, text string) (model.Command, error) {
	switch topic {
	case b.opts.Topics.Mode:
		auto, ok := wire.ParseFlag(text)
		if !ok {
			return model.Command{}, fmt.Errorf("%w: mode %q", ErrMalformed, text)
		}
		return model.ModeCommand(auto), nil
	case b.opts.Topics.Threshold:
		v, err := wire.ParseThreshold(text)
		if err != nil {
			return model.Command{}, err
		}
		return model.ThresholdCommand(v), nil
	case b.opts.Topics.Command:
		open, ok := wire.ParseFlag(text)
		if !ok {
			return model.Command{}, fmt.Errorf("%w: valve %q", ErrMalformed, text)
		}
		return model.ValveCommand(open), nil
	default:
		return model.Command{}, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
}

// relay sends a valve command with the resend burst. The command is already
// latched in the policy state, a failed burst is not retried.
func (b *Bridge) relay(open bool, source string) {
	frame := []byte(wire.EncodeCommand(open))
	sent, err := b.opts.Burst.Run(func() error {
		return b.link.Transmit(frame)
	})
	b.out.Metrics.valveCommands.WithLabelValues(source).Inc()
	b.out.Metrics.commandFrames.Add(float64(sent))
	if sent == 0 {
		b.l.Error("valve command not sent", "open", open, "source", source, "error", err)
	} else if err != nil {
		b.l.Warn("valve command partially sent", "open", open, "sent", sent, "error", err)
	} else {
		b.l.Info("valve command sent", "open", open, "source", source, "frames", sent)
	}

	b.publishValve(open)
	b.refreshDisplay()

	if b.out.History != nil {
		ts, clockErr := b.out.Clock.Now()
		if clockErr != nil {
			return
		}
		b.out.History.RecordValve(messages.ValveEvent{Source: source, Open: open, Sent: sent, Timestamp: ts})
	}
}

func (b *Bridge) publishValve(open bool) {
	b.publish(b.out.Valve, wire.FormatFlag(open))
}

func (b *Bridge) publish(p broker.IPublisher, message interface{}) {
	if p == nil {
		return
	}
	if err := p.PublishMessage(message); err != nil {
		b.out.Metrics.publishFailures.WithLabelValues(p.Topic()).Inc()
		b.l.Warn("publish failed", "topic", p.Topic(), "error", err)
	}
}

// View is the presentation snapshot handed to displays and /state.
type View struct {
	Telemetry messages.TelemetryMessage `json:"telemetry"`
	State     policy.Snapshot           `json:"state"`
	Radio     string                    `json:"radio"`
	Link      radio.Stats               `json:"link"`
}

func (b *Bridge) View() View {
	b.mu.RLock()
	t, stamp := b.snapshot, b.stamp
	b.mu.RUnlock()
	return View{
		Telemetry: messages.NewTelemetryMessage(t, stamp),
		State:     b.state.Snapshot(),
		Radio:     b.link.Mode().String(),
		Link:      b.link.Stats(),
	}
}

func (b *Bridge) refreshDisplay() {
	b.out.Display.Show(b.View())
}
