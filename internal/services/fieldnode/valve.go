package fieldnode

import (
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/LeonardoBeccarini/agrilink/internal/model"
)

// Servo angles of the valve linkage.
const (
	AngleClosed = 0
	AngleOpen   = 90
)

// Valve is the irrigation actuator.
type Valve interface {
	// Set moves the valve. Setting the current position is a no-op and
	// reports changed=false.
	Set(open bool) (changed bool, err error)
	State() model.ValveState
}

// ServoValve is a servo driven valve. Write positions the servo; without
// hardware it only records the angle.
type ServoValve struct {
	mu       sync.Mutex
	angle    int
	write    func(angle int) error
	onChange func(open bool)
	l        hclog.Logger
}

// NewServoValve starts closed. write may be nil; onChange, if set, runs after
// every successful move.
func NewServoValve(write func(angle int) error, onChange func(open bool), logger hclog.Logger) *ServoValve {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &ServoValve{angle: AngleClosed, write: write, onChange: onChange, l: logger}
}

func (v *ServoValve) Set(open bool) (bool, error) {
	target := AngleClosed
	if open {
		target = AngleOpen
	}

	v.mu.Lock()
	if v.angle == target {
		v.mu.Unlock()
		return false, nil
	}
	if v.write != nil {
		if err := v.write(target); err != nil {
			v.mu.Unlock()
			return false, err
		}
	}
	v.angle = target
	v.mu.Unlock()

	v.l.Info("valve moved", "state", model.ValveFor(open).String(), "angle", target)
	if v.onChange != nil {
		v.onChange(open)
	}
	return true, nil
}

func (v *ServoValve) State() model.ValveState {
	return model.ValveFor(v.Angle() == AngleOpen)
}

func (v *ServoValve) Angle() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.angle
}
