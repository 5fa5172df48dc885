package messages

import "time"

// Valve transition sources.
const (
	SourceAuto   = "auto"
	SourceManual = "manual"
	SourceNode   = "node"
)

// ValveEvent records a valve transition commanded or reported on the link.
type ValveEvent struct {
	Source    string    `json:"source"`
	Open      bool      `json:"open"`
	Sent      int       `json:"sent"` // frames that left the radio in the resend burst
	Timestamp time.Time `json:"timestamp"`
}
