package model

// Mode selects who drives the valve: the automatic policy or an operator.
type Mode int

const (
	ModeManual Mode = iota
	ModeAuto
)

func (m Mode) String() string {
	if m == ModeAuto {
		return "auto"
	}
	return "manual"
}

// ModeFor maps the transport's boolean mode flag (TRUE = Auto).
func ModeFor(auto bool) Mode {
	if auto {
		return ModeAuto
	}
	return ModeManual
}

// DefaultSoilThreshold is the moisture percentage below which soil counts as dry.
const DefaultSoilThreshold = 30.0

// DefaultSunlightThreshold is the light level above which watering is deferred.
const DefaultSunlightThreshold = 8.5
