package rylr896

import (
	"fmt"
	"strconv"
	"strings"
)

// Received is one +RCV=<address>,<length>,<data>,<rssi>,<snr> line.
type Received struct {
	Address uint16
	Data    string
	RSSI    int
	SNR     int
}

// parseReceived parses the part after "+RCV=". Data is sliced by its declared
// length, so commas inside it are allowed.
func parseReceived(payload string) (Received, error) {
	var msg Received

	addrStr, rest, ok := strings.Cut(payload, ",")
	if !ok {
		return msg, fmt.Errorf("missing address in %q", payload)
	}
	addr, err := strconv.ParseUint(addrStr, 10, 16)
	if err != nil {
		return msg, fmt.Errorf("address: %w", err)
	}
	msg.Address = uint16(addr)

	lenStr, rest, ok := strings.Cut(rest, ",")
	if !ok {
		return msg, fmt.Errorf("missing length in %q", payload)
	}
	n, err := strconv.Atoi(lenStr)
	if err != nil || n < 0 || n > MaxData {
		return msg, fmt.Errorf("bad length %q", lenStr)
	}
	if len(rest) < n {
		return msg, fmt.Errorf("data shorter than %d bytes", n)
	}
	msg.Data = rest[:n]

	tail, ok := strings.CutPrefix(rest[n:], ",")
	if !ok {
		return msg, fmt.Errorf("missing rssi in %q", payload)
	}
	rssiStr, snrStr, ok := strings.Cut(tail, ",")
	if !ok {
		return msg, fmt.Errorf("missing snr in %q", payload)
	}
	if msg.RSSI, err = strconv.Atoi(rssiStr); err != nil {
		return msg, fmt.Errorf("rssi: %w", err)
	}
	if msg.SNR, err = strconv.Atoi(snrStr); err != nil {
		return msg, fmt.Errorf("snr: %w", err)
	}
	return msg, nil
}

func parseErr(line string) (int, bool) {
	s, ok := strings.CutPrefix(line, "+ERR=")
	if !ok {
		return 0, false
	}
	code, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return code, true
}
