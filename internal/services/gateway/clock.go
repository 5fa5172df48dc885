package gateway

import (
	"errors"
	"time"
)

var ErrClockUnsynced = errors.New("clock not synchronised")

// Clock supplies the timestamp published with telemetry.
type Clock interface {
	Now() (time.Time, error)
}

// earliestSync is a date the gateway cannot legitimately be running before.
// A clock behind it has not been set since power on.
var earliestSync = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

// SystemClock reads the host clock and refuses to report an unset one.
type SystemClock struct {
	Location *time.Location
}

func (c SystemClock) Now() (time.Time, error) {
	now := time.Now()
	if now.Before(earliestSync) {
		return time.Time{}, ErrClockUnsynced
	}
	if c.Location != nil {
		now = now.In(c.Location)
	}
	return now, nil
}

type ClockFunc func() (time.Time, error)

func (f ClockFunc) Now() (time.Time, error) { return f() }
