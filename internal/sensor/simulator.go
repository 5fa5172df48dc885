package sensor

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Simulator tunables, fractions of full saturation per minute.
const (
	DefaultGainPerMin  = 0.006
	DefaultDecayPerMin = 0.001
	DefaultSeed        = 0.30
)

// SimConfig parameterises the simulated field.
type SimConfig struct {
	Seed        int64   `yaml:"seed"`
	Moisture    float64 `yaml:"moisture"` // initial, 0..1
	GainPerMin  float64 `yaml:"gain_per_min"`
	DecayPerMin float64 `yaml:"decay_per_min"`
	RainChance  float64 `yaml:"rain_chance"` // probability per sample that rain starts or stops

	// Latitude and Longitude, when set, seed the initial moisture from
	// SoilGrids.
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

func (c SimConfig) HasLocation() bool {
	return c.Latitude != 0 || c.Longitude != 0
}

// Simulator implements Channels for a field whose soil dries while the valve
// is closed and wets while it is open. Light follows the time of day.
type Simulator struct {
	mu   sync.Mutex
	cfg  SimConfig
	rnd  *rand.Rand
	now  func() time.Time
	last time.Time

	moisture float64 // 0..1
	open     bool
	raining  bool
	failNext map[string]error
}

func NewSimulator(cfg SimConfig) *Simulator {
	if cfg.Moisture <= 0 {
		cfg.Moisture = DefaultSeed
	}
	if cfg.GainPerMin <= 0 {
		cfg.GainPerMin = DefaultGainPerMin
	}
	cfg.DecayPerMin = math.Max(0, cfg.DecayPerMin)
	if cfg.DecayPerMin == 0 {
		cfg.DecayPerMin = DefaultDecayPerMin
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulator{
		cfg:      cfg,
		rnd:      rand.New(rand.NewSource(seed)),
		now:      time.Now,
		moisture: clamp01(cfg.Moisture),
		failNext: map[string]error{},
	}
}

// SetClock replaces the wall clock, for tests and accelerated simulations.
func (s *Simulator) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	s.last = time.Time{}
}

// SetValve tells the soil model whether water is flowing.
func (s *Simulator) SetValve(open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	s.open = open
}

func (s *Simulator) SetRaining(raining bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raining = raining
}

// Fail makes the next read of channel ("light", "moisture", "rain",
// "climate") return err.
func (s *Simulator) Fail(channel string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[channel] = err
}

// SetMoisture resets the soil water content, 0..1.
func (s *Simulator) SetMoisture(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	s.moisture = clamp01(v)
}

func (s *Simulator) Moisture() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	return s.moisture
}

// advance integrates the soil model up to now. Caller holds mu.
func (s *Simulator) advance() {
	now := s.now()
	if s.last.IsZero() {
		s.last = now
		return
	}
	dtMin := math.Max(0, now.Sub(s.last).Minutes())
	if s.open || s.raining {
		s.moisture = clamp01(s.moisture + s.cfg.GainPerMin*dtMin)
	} else {
		s.moisture = clamp01(s.moisture - s.cfg.DecayPerMin*dtMin)
	}
	s.last = now
}

func (s *Simulator) takeFailure(channel string) error {
	err := s.failNext[channel]
	delete(s.failNext, channel)
	return err
}

func (s *Simulator) LightADC() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("light"); err != nil {
		return 0, err
	}
	level := daylight(s.now())
	if s.raining {
		level *= 0.4
	}
	level = math.Max(0, math.Min(10, level+s.rnd.NormFloat64()*0.2))
	return int(math.Round(ADCMax - level*ADCMax/10)), nil
}

func (s *Simulator) MoistureADC() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("moisture"); err != nil {
		return 0, err
	}
	s.advance()
	span := float64(MoistureDryADC - MoistureWetADC)
	return int(math.Round(MoistureDryADC - s.moisture*span)), nil
}

func (s *Simulator) RainPinLow() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("rain"); err != nil {
		return false, err
	}
	if s.cfg.RainChance > 0 && s.rnd.Float64() < s.cfg.RainChance {
		s.advance()
		s.raining = !s.raining
	}
	return s.raining, nil
}

func (s *Simulator) Climate() (float64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("climate"); err != nil {
		return math.NaN(), math.NaN(), err
	}
	d := daylight(s.now()) / 10
	temp := 14 + 12*d + s.rnd.NormFloat64()*0.5
	hum := 75 - 30*d + s.rnd.NormFloat64()*2
	if s.raining {
		hum += 20
	}
	return temp, math.Max(0, math.Min(100, hum)), nil
}

// daylight is 0 at night and peaks at 10 at solar noon.
func daylight(t time.Time) float64 {
	h := float64(t.Hour()) + float64(t.Minute())/60
	if h < 6 || h > 18 {
		return 0
	}
	return 10 * math.Sin(math.Pi*(h-6)/12)
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}
