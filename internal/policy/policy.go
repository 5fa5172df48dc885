// Package policy holds the irrigation decision: a pure function of the latest
// readings plus one latched bit, the last valve command actually sent.
package policy

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/agrilink/internal/model"
)

var (
	// ErrAutoMode is returned by SetValve while the policy drives the valve.
	// Callers ignore the request.
	ErrAutoMode = errors.New("valve is under automatic control")

	ErrInvalidThreshold = errors.New("soil threshold must be a finite number in 0..100")
)

// ===================== Decision =====================

// Inputs are the readings the decision depends on.
type Inputs struct {
	SoilMoisturePct int
	Weather         model.Weather
	LightLevel      float64
}

// InputsFrom extracts decision inputs from a telemetry snapshot.
func InputsFrom(t model.Telemetry) Inputs {
	return Inputs{
		SoilMoisturePct: t.SoilMoisturePct,
		Weather:         t.Weather,
		LightLevel:      t.LightLevel,
	}
}

type Policy struct {
	// SunlightThreshold defers watering above this light level.
	SunlightThreshold float64
}

func Default() Policy {
	return Policy{SunlightThreshold: model.DefaultSunlightThreshold}
}

// Decide reports whether the valve should be open. Unknown weather counts as
// not raining and unknown light as not too sunny; moisture must be known.
func (p Policy) Decide(in Inputs, soilThreshold float64) bool {
	isDry := float64(in.SoilMoisturePct) < soilThreshold
	isRaining := in.Weather == model.WeatherRaining
	isTooSunny := !math.IsNaN(in.LightLevel) && in.LightLevel > p.SunlightThreshold
	return isDry && !isRaining && !isTooSunny
}

// ===================== State =====================

// State is the irrigation state of one valve. It starts with the valve
// closed and is only reset by a restart.
type State struct {
	mu            sync.Mutex
	mode          model.Mode
	lastCommand   bool
	soilThreshold float64
}

// NewState returns a state with the valve closed.
func NewState(mode model.Mode, soilThreshold float64) *State {
	if !validThreshold(soilThreshold) {
		soilThreshold = model.DefaultSoilThreshold
	}
	return &State{mode: mode, soilThreshold: soilThreshold}
}

// Snapshot is a consistent copy of State.
type Snapshot struct {
	Mode          model.Mode `json:"-"`
	ModeName      string     `json:"mode"`
	LastCommand   bool       `json:"valve_open"`
	SoilThreshold float64    `json:"soil_threshold"`
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Mode:          s.mode,
		ModeName:      s.mode.String(),
		LastCommand:   s.lastCommand,
		SoilThreshold: s.soilThreshold,
	}
}

func (s *State) Mode() model.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *State) LastCommand() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCommand
}

func (s *State) SoilThreshold() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.soilThreshold
}

// Evaluate runs the policy in Auto mode. emit is true only when the decision
// differs from the last command; lastCommand is updated before the caller
// sends, so a failed send is not retried by the next evaluation.
func (s *State) Evaluate(p Policy, in Inputs) (open bool, emit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode != model.ModeAuto || in.SoilMoisturePct < 0 {
		return s.lastCommand, false
	}
	decision := p.Decide(in, s.soilThreshold)
	if decision == s.lastCommand {
		return decision, false
	}
	s.lastCommand = decision
	return decision, true
}

// SetValve applies an operator command. It is refused in Auto mode. In
// Manual mode it always emits, so a repeated command is relayed again.
func (s *State) SetValve(open bool) (emit bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode == model.ModeAuto {
		return false, ErrAutoMode
	}
	s.lastCommand = open
	return true, nil
}

// SetMode switches between Auto and Manual. It reports whether the mode
// changed.
func (s *State) SetMode(auto bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := model.ModeFor(auto)
	changed := m != s.mode
	s.mode = m
	return changed
}

// SetThreshold takes effect on the next evaluation. An invalid value leaves
// the threshold unchanged.
func (s *State) SetThreshold(v float64) error {
	if !validThreshold(v) {
		return fmt.Errorf("%w: %v", ErrInvalidThreshold, v)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.soilThreshold = v
	return nil
}

// Apply dispatches a Command. emit reports whether a valve command must go
// out on the radio.
func (s *State) Apply(c model.Command) (emit bool, err error) {
	switch c.Kind {
	case model.SetValve:
		return s.SetValve(c.Open)
	case model.SetMode:
		s.SetMode(c.Auto)
		return false, nil
	case model.SetSoilThreshold:
		return false, s.SetThreshold(c.Threshold)
	default:
		return false, fmt.Errorf("unknown command kind %d", c.Kind)
	}
}

func validThreshold(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0 && v <= 100
}

// ===================== Resend burst =====================

const (
	DefaultBurstCount = 3
	DefaultBurstGap   = 50 * time.Millisecond
)

// Burst repeats one command a few times to raise delivery odds over the
// unacknowledged link. It never re-evaluates the decision.
type Burst struct {
	Count int
	Gap   time.Duration
	Sleep func(time.Duration)
}

func DefaultBurst() Burst {
	return Burst{Count: DefaultBurstCount, Gap: DefaultBurstGap}
}

// Run calls send Count times with Gap between calls and returns how many
// succeeded along with the last error seen.
func (b Burst) Run(send func() error) (int, error) {
	count := b.Count
	if count <= 0 {
		count = 1
	}
	sleep := b.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	ok := 0
	var lastErr error
	for i := 0; i < count; i++ {
		if i > 0 && b.Gap > 0 {
			sleep(b.Gap)
		}
		if err := send(); err != nil {
			lastErr = err
			continue
		}
		ok++
	}
	return ok, lastErr
}
