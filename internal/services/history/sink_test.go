package history

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/sony/gobreaker"

	"github.com/LeonardoBeccarini/agrilink/internal/model"
	"github.com/LeonardoBeccarini/agrilink/internal/model/messages"
)

type fakeWriter struct {
	mu     sync.Mutex
	points []*write.Point
	calls  int
	err    error
}

func (f *fakeWriter) WritePoint(_ context.Context, p ...*write.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.points = append(f.points, p...)
	return nil
}

func (f *fakeWriter) snapshot() (int, []*write.Point) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, append([]*write.Point(nil), f.points...)
}

func fieldKeys(p *write.Point) map[string]interface{} {
	out := map[string]interface{}{}
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

func TestPoints(t *testing.T) {
	ts := time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)

	Convey("Telemetry points carry only known readings", t, func() {
		tel := model.EmptyTelemetry()
		tel.SoilMoisturePct = 22
		tel.Weather = model.WeatherRaining
		tel.TemperatureC = math.NaN()

		p := TelemetryToPoint("north", tel, ts)
		So(p, ShouldNotBeNil)
		So(p.Name(), ShouldEqual, MeasurementTelemetry)
		So(fieldKeys(p), ShouldResemble, map[string]interface{}{
			"moisture_pct": int64(22),
			"raining":      true,
		})
		So(p.Time(), ShouldEqual, ts)
	})

	Convey("An empty packet yields no point", t, func() {
		So(TelemetryToPoint("north", model.EmptyTelemetry(), ts), ShouldBeNil)
	})

	Convey("Valve events are tagged with their source", t, func() {
		p := ValveToPoint("north", messages.ValveEvent{Source: messages.SourceManual, Open: true, Sent: 3, Timestamp: ts})
		So(p.Name(), ShouldEqual, MeasurementValve)
		tags := map[string]string{}
		for _, tg := range p.TagList() {
			tags[tg.Key] = tg.Value
		}
		So(tags["source"], ShouldEqual, "manual")
		So(fieldKeys(p)["open"], ShouldEqual, true)
	})
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestSink(t *testing.T) {
	Convey("Given a running sink", t, func() {
		fw := &fakeWriter{}
		s := NewSink(fw, Config{Node: "north", BreakerFailures: 2, BreakerOpenFor: time.Hour}, nil)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() { s.Run(ctx); close(done) }()
		Reset(func() { cancel(); <-done })

		Convey("recorded points reach the writer", func() {
			tel := model.EmptyTelemetry()
			tel.SoilMoisturePct = 40
			s.RecordTelemetry(tel, time.Now())
			s.RecordValve(messages.ValveEvent{Source: messages.SourceAuto, Open: false, Timestamp: time.Now()})

			So(waitFor(func() bool { return s.Stats().Written == 2 }), ShouldBeTrue)
			_, pts := fw.snapshot()
			So(pts[0].Name(), ShouldEqual, MeasurementTelemetry)
			So(pts[1].Name(), ShouldEqual, MeasurementValve)
			So(s.LastErrorAge(), ShouldBeGreaterThan, time.Hour)
		})

		Convey("repeated failures open the breaker", func() {
			fw.mu.Lock()
			fw.err = errors.New("influx down")
			fw.mu.Unlock()

			for i := 0; i < 5; i++ {
				s.RecordValve(messages.ValveEvent{Source: messages.SourceAuto, Timestamp: time.Now()})
			}
			So(waitFor(func() bool { return s.Stats().Failed == 5 }), ShouldBeTrue)

			calls, _ := fw.snapshot()
			So(calls, ShouldEqual, 2)
			So(s.BreakerState(), ShouldEqual, gobreaker.StateOpen)
			So(s.LastErrorAge(), ShouldBeLessThan, time.Minute)
		})
	})

	Convey("A full queue drops instead of blocking", t, func() {
		s := NewSink(&fakeWriter{}, Config{QueueSize: 1}, nil)
		s.RecordValve(messages.ValveEvent{Timestamp: time.Now()})
		s.RecordValve(messages.ValveEvent{Timestamp: time.Now()})
		So(s.Stats().Dropped, ShouldEqual, uint64(1))
		So(s.Stats().Queued, ShouldEqual, 1)
	})
}
