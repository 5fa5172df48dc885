package wire

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	commandPrefix = "CMD:"
	valueTrue     = "TRUE"
	valueFalse    = "FALSE"

	// vocabulary of the older node firmware
	legacyOn  = "ON"
	legacyOff = "OFF"
)

var ErrInvalidThreshold = errors.New("invalid soil threshold")

// EncodeCommand renders a valve command frame.
func EncodeCommand(open bool) string {
	if open {
		return commandPrefix + valueTrue
	}
	return commandPrefix + valueFalse
}

// DecodeCommand trims and upper-cases text before matching it against the
// command vocabulary. ok is false for anything outside it.
func DecodeCommand(text string) (open bool, ok bool) {
	s := strings.ToUpper(strings.TrimSpace(text))
	if !strings.HasPrefix(s, commandPrefix) {
		return false, false
	}
	switch strings.TrimSpace(strings.TrimPrefix(s, commandPrefix)) {
	case valueTrue, legacyOn:
		return true, true
	case valueFalse, legacyOff:
		return false, true
	default:
		return false, false
	}
}

// IsCommand reports whether text looks like a command frame, valid or not.
func IsCommand(text string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(text)), commandPrefix)
}

// ParseFlag parses a TRUE/FALSE transport payload.
func ParseFlag(payload string) (value bool, ok bool) {
	switch strings.ToUpper(strings.TrimSpace(payload)) {
	case valueTrue:
		return true, true
	case valueFalse:
		return false, true
	default:
		return false, false
	}
}

// FormatFlag renders a boolean as the transport's TRUE/FALSE payload.
func FormatFlag(v bool) string {
	if v {
		return valueTrue
	}
	return valueFalse
}

// ParseThreshold accepts a plain number in 0..100, with '.' or ',' as decimal
// separator.
func ParseThreshold(payload string) (float64, error) {
	s := strings.ReplaceAll(strings.TrimSpace(payload), ",", ".")
	if s == "" {
		return 0, fmt.Errorf("%w: empty payload", ErrInvalidThreshold)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidThreshold, payload)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f > 100 {
		return 0, fmt.Errorf("%w: %q out of range", ErrInvalidThreshold, payload)
	}
	return f, nil
}
