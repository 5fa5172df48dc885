package gateway

import (
	"errors"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/LeonardoBeccarini/agrilink/internal/config"
	"github.com/LeonardoBeccarini/agrilink/internal/model"
	"github.com/LeonardoBeccarini/agrilink/internal/model/messages"
	"github.com/LeonardoBeccarini/agrilink/internal/policy"
	"github.com/LeonardoBeccarini/agrilink/pkg/radio"
	"github.com/LeonardoBeccarini/agrilink/pkg/radio/ether"
	"github.com/LeonardoBeccarini/agrilink/pkg/wire"
)

type fakePublisher struct {
	topic string
	err   error

	mu   sync.Mutex
	msgs []interface{}
}

func (p *fakePublisher) PublishMessage(m interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, m)
	return nil
}

func (p *fakePublisher) Topic() string { return p.topic }

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

func (p *fakePublisher) last() interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.msgs) == 0 {
		return nil
	}
	return p.msgs[len(p.msgs)-1]
}

type fakeHistory struct {
	telemetry []model.Telemetry
	valve     []messages.ValveEvent
}

func (h *fakeHistory) RecordTelemetry(t model.Telemetry, _ time.Time) {
	h.telemetry = append(h.telemetry, t)
}

func (h *fakeHistory) RecordValve(ev messages.ValveEvent) {
	h.valve = append(h.valve, ev)
}

var fixedNow = time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	medium    *ether.Medium
	node      *radio.Link
	bridge    *Bridge
	telemetry *fakePublisher
	valve     *fakePublisher
	history   *fakeHistory
	topics    config.Topics
}

func newFixture(mode model.Mode, clock Clock) *fixture {
	return newProfileFixture(mode, clock, config.Default())
}

func newProfileFixture(mode model.Mode, clock Clock, profile config.Profile) *fixture {
	medium := ether.NewMedium()
	noSleep := radio.WithSleep(func(time.Duration) {})
	gwLink, err := radio.Open(medium.NewDriver("gateway"), radio.DefaultConfig(), nil, noSleep)
	if err != nil {
		panic(err)
	}
	nodeLink, err := radio.Open(medium.NewDriver("node"), radio.DefaultConfig(), nil, noSleep)
	if err != nil {
		panic(err)
	}

	opts := OptionsFrom(profile)
	opts.Burst.Sleep = func(time.Duration) {}
	opts.QueueSize = 4

	f := &fixture{
		medium:    medium,
		node:      nodeLink,
		telemetry: &fakePublisher{topic: profile.Topics.Telemetry},
		valve:     &fakePublisher{topic: profile.Topics.Valve},
		history:   &fakeHistory{},
		topics:    profile.Topics,
	}
	f.bridge = New(gwLink, policy.NewState(mode, 30), Outputs{
		Telemetry: f.telemetry,
		Valve:     f.valve,
		Clock:     clock,
		History:   f.history,
	}, opts, nil)
	return f
}

func fixedClock() Clock {
	return ClockFunc(func() (time.Time, error) { return fixedNow, nil })
}

// fromNode transmits text from the field node and runs one bridge iteration.
func (f *fixture) fromNode(text string) {
	if err := f.node.Transmit([]byte(text)); err != nil {
		panic(err)
	}
	f.bridge.Step(fixedNow)
}

// nodeHeard returns what the field node received, or "".
func (f *fixture) nodeHeard() string {
	b, _ := f.node.PollReceive()
	return string(b)
}

func (f *fixture) lastTelemetry() messages.TelemetryMessage {
	msg, _ := f.telemetry.last().(messages.TelemetryMessage)
	return msg
}

func TestTelemetryForwarding(t *testing.T) {
	Convey("Given a gateway in manual mode", t, func() {
		f := newFixture(model.ModeManual, fixedClock())

		Convey("a full packet is published with the clock timestamp", func() {
			f.fromNode("Weather:Clear|Temp:21.5|Hum:40|Light level:5|Moisture:50")

			So(f.telemetry.count(), ShouldEqual, 1)
			msg := f.lastTelemetry()
			So(msg.Timestamp, ShouldEqual, "2024-05-01 12:00:00")
			So(*msg.Weather, ShouldEqual, "Clear")
			So(*msg.Temp, ShouldEqual, 21.5)
			So(*msg.Hum, ShouldEqual, 40.0)
			So(*msg.Light, ShouldEqual, 5.0)
			So(*msg.Moist, ShouldEqual, 50)
			So(f.history.telemetry, ShouldHaveLength, 1)
		})

		Convey("missing fields are published as null", func() {
			f.fromNode("Temp:20|Moisture:40")

			msg := f.lastTelemetry()
			So(*msg.Temp, ShouldEqual, 20.0)
			So(msg.Hum, ShouldBeNil)
			So(msg.Weather, ShouldBeNil)
			So(msg.Light, ShouldBeNil)
		})

		Convey("the snapshot keeps earlier readings", func() {
			f.fromNode("Temp:20|Moisture:40")
			f.fromNode("Hum:55")

			v := f.bridge.View()
			So(*v.Telemetry.Temp, ShouldEqual, 20.0)
			So(*v.Telemetry.Hum, ShouldEqual, 55.0)
			So(*v.Telemetry.Moist, ShouldEqual, 40)
		})

		Convey("a reported valve state is mirrored", func() {
			f.fromNode("Moisture:40|Valve:Open")
			So(f.valve.msgs, ShouldContain, "TRUE")
		})

		Convey("malformed and command frames are not forwarded", func() {
			f.fromNode("hello there")
			f.fromNode("CMD:TRUE")
			So(f.telemetry.count(), ShouldEqual, 0)
		})

		Convey("a failed publish does not stop the loop", func() {
			f.telemetry.err = errors.New("broker down")
			f.fromNode("Moisture:40")
			f.telemetry.err = nil
			f.fromNode("Moisture:41")
			So(*f.lastTelemetry().Moist, ShouldEqual, 41)
		})
	})

	Convey("Given a clock that is not synchronised", t, func() {
		f := newFixture(model.ModeManual, ClockFunc(func() (time.Time, error) {
			return time.Time{}, ErrClockUnsynced
		}))

		Convey("telemetry carries the sentinel and history is skipped", func() {
			f.fromNode("Moisture:40")
			So(f.lastTelemetry().Timestamp, ShouldEqual, messages.ClockUnavailable)
			So(f.history.telemetry, ShouldBeEmpty)
		})
	})
}

func TestAutoMode(t *testing.T) {
	Convey("Given a gateway in auto mode with the valve closed", t, func() {
		f := newFixture(model.ModeAuto, fixedClock())

		Convey("dry soil on a clear day opens the valve with a resend burst", func() {
			f.fromNode("Weather:Clear|Light level:5|Moisture:15")

			So(f.nodeHeard(), ShouldEqual, "CMD:TRUE")
			delivered, _ := f.medium.Counts()
			So(delivered, ShouldEqual, uint64(1+3))
			So(f.bridge.State().LastCommand(), ShouldBeTrue)
			So(f.valve.last(), ShouldEqual, "TRUE")
			So(f.history.valve, ShouldHaveLength, 1)
			So(f.history.valve[0].Source, ShouldEqual, messages.SourceAuto)
			So(f.history.valve[0].Sent, ShouldEqual, 3)

			Convey("the same reading again emits nothing", func() {
				f.fromNode("Weather:Clear|Light level:5|Moisture:15")
				delivered, _ := f.medium.Counts()
				So(delivered, ShouldEqual, uint64(2+3))
				So(f.history.valve, ShouldHaveLength, 1)
			})

			Convey("wet soil closes it again", func() {
				f.nodeHeard()
				f.fromNode("Moisture:70")
				So(f.nodeHeard(), ShouldEqual, "CMD:FALSE")
				So(f.bridge.State().LastCommand(), ShouldBeFalse)
			})
		})

		Convey("bright light keeps the valve closed", func() {
			f.fromNode("Weather:Clear|Light level:9|Moisture:15")
			So(f.nodeHeard(), ShouldEqual, "")
			So(f.bridge.State().LastCommand(), ShouldBeFalse)
		})

		Convey("the decision uses the merged snapshot", func() {
			f.fromNode("Weather:Raining|Moisture:15")
			So(f.nodeHeard(), ShouldEqual, "")

			f.fromNode("Weather:Clear")
			So(f.nodeHeard(), ShouldEqual, "CMD:TRUE")
		})

		Convey("unknown moisture never decides", func() {
			f.fromNode("Weather:Clear|Light level:2")
			So(f.nodeHeard(), ShouldEqual, "")
		})
	})

	Convey("Given a gateway in manual mode", t, func() {
		f := newFixture(model.ModeManual, fixedClock())

		Convey("sensor changes never command the valve", func() {
			f.fromNode("Weather:Clear|Light level:5|Moisture:5")
			f.fromNode("Moisture:90")
			So(f.nodeHeard(), ShouldEqual, "")
			So(f.bridge.State().LastCommand(), ShouldBeFalse)
		})
	})

	Convey("Given a profile with a zero sunlight threshold", t, func() {
		profile, err := config.Parse([]byte("version: 1\nirrigation:\n  sunlight_threshold: 0\n"))
		So(err, ShouldBeNil)
		So(profile.Irrigation.SunlightThreshold, ShouldEqual, 0.0)
		f := newProfileFixture(model.ModeAuto, fixedClock(), profile)

		Convey("the bridge keeps the configured value", func() {
			So(f.bridge.opts.Policy.SunlightThreshold, ShouldEqual, 0.0)
		})

		Convey("any light defers watering", func() {
			f.fromNode("Weather:Clear|Light level:1|Moisture:15")
			So(f.nodeHeard(), ShouldEqual, "")
			So(f.bridge.State().LastCommand(), ShouldBeFalse)
		})
	})

	Convey("Given options without a policy", t, func() {
		link, err := radio.Open(ether.NewMedium().NewDriver("gateway"), radio.DefaultConfig(), nil)
		So(err, ShouldBeNil)
		b := New(link, policy.NewState(model.ModeAuto, 30), Outputs{}, Options{}, nil)

		Convey("the default policy applies", func() {
			So(*b.opts.Policy, ShouldResemble, policy.Default())
		})
	})
}

func TestTransportCommands(t *testing.T) {
	Convey("Given a gateway in auto mode", t, func() {
		f := newFixture(model.ModeAuto, fixedClock())
		b := f.bridge

		Convey("a mode change sends nothing on the radio", func() {
			So(b.OnTransportCommand(f.topics.Mode, []byte("FALSE")), ShouldBeNil)
			So(b.State().Mode(), ShouldEqual, model.ModeManual)
			delivered, _ := f.medium.Counts()
			So(delivered, ShouldEqual, uint64(0))
		})

		Convey("an invalid mode payload is rejected", func() {
			err := b.OnTransportCommand(f.topics.Mode, []byte("maybe"))
			So(errors.Is(err, ErrMalformed), ShouldBeTrue)
			So(b.State().Mode(), ShouldEqual, model.ModeAuto)
		})

		Convey("a numeric threshold is applied", func() {
			So(b.OnTransportCommand(f.topics.Threshold, []byte("45,5")), ShouldBeNil)
			So(b.State().SoilThreshold(), ShouldEqual, 45.5)
		})

		Convey("a non-numeric threshold leaves the state unchanged", func() {
			err := b.OnTransportCommand(f.topics.Threshold, []byte("abc"))
			So(errors.Is(err, wire.ErrInvalidThreshold), ShouldBeTrue)
			So(b.State().SoilThreshold(), ShouldEqual, 30.0)
		})

		Convey("a valve command is ignored", func() {
			So(b.OnTransportCommand(f.topics.Command, []byte("TRUE")), ShouldBeNil)
			So(f.nodeHeard(), ShouldEqual, "")
			So(b.State().LastCommand(), ShouldBeFalse)
		})

		Convey("an unknown topic is an error", func() {
			err := b.OnTransportCommand("agrilink/other", []byte("TRUE"))
			So(errors.Is(err, ErrUnknownTopic), ShouldBeTrue)
		})
	})

	Convey("Given a gateway in manual mode", t, func() {
		f := newFixture(model.ModeManual, fixedClock())
		b := f.bridge

		Convey("a valve command is relayed with the burst", func() {
			So(b.OnTransportCommand(f.topics.Command, []byte("true")), ShouldBeNil)
			So(f.nodeHeard(), ShouldEqual, "CMD:TRUE")
			delivered, _ := f.medium.Counts()
			So(delivered, ShouldEqual, uint64(3))
			So(f.valve.last(), ShouldEqual, "TRUE")
			So(f.history.valve[0].Source, ShouldEqual, messages.SourceManual)

			Convey("and relayed again when repeated", func() {
				So(b.OnTransportCommand(f.topics.Command, []byte("TRUE")), ShouldBeNil)
				delivered, _ := f.medium.Counts()
				So(delivered, ShouldEqual, uint64(6))
			})
		})

		Convey("queued events are applied in order by the loop", func() {
			So(b.Enqueue(f.topics.Command, []byte("TRUE")), ShouldBeNil)
			So(b.Enqueue(f.topics.Mode, []byte("TRUE")), ShouldBeNil)
			So(b.Enqueue(f.topics.Command, []byte("FALSE")), ShouldBeNil)
			b.Step(fixedNow)

			So(b.State().Mode(), ShouldEqual, model.ModeAuto)
			So(b.State().LastCommand(), ShouldBeTrue)
			So(f.nodeHeard(), ShouldEqual, "CMD:TRUE")
		})

		Convey("a full queue refuses new events", func() {
			for i := 0; i < 4; i++ {
				So(b.Enqueue(f.topics.Mode, []byte("FALSE")), ShouldBeNil)
			}
			So(errors.Is(b.Enqueue(f.topics.Mode, []byte("FALSE")), ErrQueueFull), ShouldBeTrue)
		})
	})
}

func TestStatusInterval(t *testing.T) {
	Convey("Given a gateway with a 30s status interval", t, func() {
		f := newFixture(model.ModeManual, fixedClock())
		b := f.bridge

		b.Step(fixedNow)
		So(f.valve.count(), ShouldEqual, 1)
		So(f.valve.last(), ShouldEqual, "FALSE")

		Convey("the mirror is not republished early", func() {
			b.Step(fixedNow.Add(10 * time.Second))
			So(f.valve.count(), ShouldEqual, 1)
		})

		Convey("the mirror is republished once the interval elapses", func() {
			b.Step(fixedNow.Add(31 * time.Second))
			So(f.valve.count(), ShouldEqual, 2)
		})
	})
}
