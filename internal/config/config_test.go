package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/LeonardoBeccarini/agrilink/internal/model"
	"github.com/LeonardoBeccarini/agrilink/pkg/radio"
)

const testYaml = `
version: 1
topics:
  telemetry: farm/north/telemetry
irrigation:
  mode: manual
  soil_threshold: 42.5
  burst_gap: 80ms
intervals:
  send: 5s
radio:
  frequency_hz: 868000000
  sync_word: 0x34
simulation:
  seed: 11
  rain_chance: 0.05
`

func TestParse(t *testing.T) {
	Convey("parsing is successful", t, func() {
		p, err := Parse([]byte(testYaml))
		So(err, ShouldBeNil)

		Convey("set keys override the defaults", func() {
			So(p.Topics.Telemetry, ShouldEqual, "farm/north/telemetry")
			So(p.Irrigation.SoilThreshold, ShouldEqual, 42.5)
			So(p.Irrigation.BurstGap, ShouldEqual, 80*time.Millisecond)
			So(p.Intervals.Send, ShouldEqual, 5*time.Second)
			So(p.Radio.FrequencyHz, ShouldEqual, 868000000)
			So(p.Radio.SyncWord, ShouldEqual, byte(0x34))
			So(p.Simulation.Seed, ShouldEqual, int64(11))

			mode, err := p.Irrigation.ParseMode()
			So(err, ShouldBeNil)
			So(mode, ShouldEqual, model.ModeManual)
		})

		Convey("missing keys keep the defaults", func() {
			d := Default()
			So(p.Topics.Command, ShouldEqual, d.Topics.Command)
			So(p.Irrigation.BurstCount, ShouldEqual, 3)
			So(p.Intervals.Tick, ShouldEqual, 10*time.Millisecond)
			So(p.Radio.Settle, ShouldEqual, 10*time.Millisecond)
			So(p.Radio.SpreadingFactor, ShouldEqual, 7)
		})
	})

	Convey("zero radio delays are kept", t, func() {
		p, err := Parse([]byte("radio: {settle: 0s, guard: 0s}"))
		So(err, ShouldBeNil)
		So(p.Radio.Settle, ShouldEqual, time.Duration(0))
		So(p.Radio.Guard, ShouldEqual, time.Duration(0))
		So(p.Radio.SyncWord, ShouldEqual, byte(radio.DefaultSyncWord))
	})

	Convey("invalid profiles are rejected", t, func() {
		bad := []string{
			"version: 2",
			"irrigation: {mode: sometimes}",
			"irrigation: {soil_threshold: 140}",
			"irrigation: {burst_count: 0}",
			"topics: {mode: agrilink/cmd/valve}",
			"topics: {valve: ''}",
			"radio: {spreading_factor: 13}",
			"unknown_key: 1",
		}
		for _, doc := range bad {
			_, err := Parse([]byte(doc))
			So(err, ShouldNotBeNil)
		}
		_, err := Parse([]byte("version: 2"))
		So(errors.Is(err, ErrInvalid), ShouldBeTrue)
	})
}

func TestLoad(t *testing.T) {
	Convey("an empty path yields the defaults", t, func() {
		p, err := Load("")
		So(err, ShouldBeNil)
		So(p, ShouldResemble, Default())
		So(p.Validate(), ShouldBeNil)
	})

	Convey("a file is read and parsed", t, func() {
		path := filepath.Join(t.TempDir(), "profile.yaml")
		So(os.WriteFile(path, []byte(testYaml), 0o600), ShouldBeNil)
		p, err := Load(path)
		So(err, ShouldBeNil)
		So(p.Irrigation.SoilThreshold, ShouldEqual, 42.5)
	})

	Convey("a missing file is an error", t, func() {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		So(err, ShouldNotBeNil)
	})
}
