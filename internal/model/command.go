package model

import "fmt"

// CommandKind enumerates the control instructions understood by the system.
type CommandKind int

const (
	SetValve CommandKind = iota + 1
	SetMode
	SetSoilThreshold
)

func (k CommandKind) String() string {
	switch k {
	case SetValve:
		return "set_valve"
	case SetMode:
		return "set_mode"
	case SetSoilThreshold:
		return "set_soil_threshold"
	default:
		return "unknown"
	}
}

// Command is fire-and-forget and idempotent: repeating the same kind and value
// has no further effect. Only the field matching Kind is meaningful.
type Command struct {
	Kind      CommandKind
	Open      bool    // SetValve
	Auto      bool    // SetMode
	Threshold float64 // SetSoilThreshold
}

func ValveCommand(open bool) Command     { return Command{Kind: SetValve, Open: open} }
func ModeCommand(auto bool) Command      { return Command{Kind: SetMode, Auto: auto} }
func ThresholdCommand(v float64) Command { return Command{Kind: SetSoilThreshold, Threshold: v} }

func (c Command) String() string {
	switch c.Kind {
	case SetValve:
		return fmt.Sprintf("%s(open=%t)", c.Kind, c.Open)
	case SetMode:
		return fmt.Sprintf("%s(auto=%t)", c.Kind, c.Auto)
	case SetSoilThreshold:
		return fmt.Sprintf("%s(%.1f)", c.Kind, c.Threshold)
	default:
		return c.Kind.String()
	}
}
