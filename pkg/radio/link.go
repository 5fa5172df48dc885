// Package radio implements the half-duplex link discipline on top of a LoRa
// transceiver driver.
//
// A Link is always in exactly one of two modes. It boots in Receiving and
// only changes mode through SwitchToTransmit and SwitchToReceive. Send is
// valid only while Transmitting and PollReceive only while Receiving. All
// mode changes are expected to happen on the owning control loop; the only
// state touched from another goroutine is the packet-ready flag raised by the
// driver's receive notification.
package radio

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/LeonardoBeccarini/agrilink/pkg/wire"
)

type Mode int32

const (
	Receiving Mode = iota
	Transmitting
)

func (m Mode) String() string {
	if m == Transmitting {
		return "transmitting"
	}
	return "receiving"
}

// Stats are cumulative link counters.
type Stats struct {
	Sent            uint64 `json:"sent"`
	SendFailures    uint64 `json:"send_failures"`
	Received        uint64 `json:"received"`
	ReceiveFailures uint64 `json:"receive_failures"`
	Rejected        uint64 `json:"rejected"` // CRC, sync word or length check failed
}

type Option func(*Link)

// WithSleep replaces time.Sleep for settle and guard delays.
func WithSleep(fn func(time.Duration)) Option {
	return func(l *Link) { l.sleep = fn }
}

type Link struct {
	drv   Driver
	cfg   Config
	l     hclog.Logger
	sleep func(time.Duration)

	mode  atomic.Int32
	ready atomic.Bool

	sent, sendFailures, received, receiveFailures, rejected atomic.Uint64
}

// Open configures the driver and leaves the link in Receiving. Any failure
// here wraps ErrHardwareInit, and a driver that is an io.Closer is closed.
func Open(drv Driver, cfg Config, logger hclog.Logger, opts ...Option) (*Link, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	fail := func(err error) (*Link, error) {
		if c, ok := drv.(io.Closer); ok {
			if cerr := c.Close(); cerr != nil {
				logger.Warn("driver close failed", "error", cerr)
			}
		}
		return nil, err
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return fail(fmt.Errorf("%w: %v", ErrHardwareInit, err))
	}

	l := &Link{
		drv:   drv,
		cfg:   cfg,
		l:     logger,
		sleep: time.Sleep,
	}
	for _, opt := range opts {
		opt(l)
	}

	drv.OnReceive(l.notify)
	if err := drv.Begin(cfg); err != nil {
		return fail(fmt.Errorf("%w: begin: %v", ErrHardwareInit, err))
	}
	if err := drv.Receive(); err != nil {
		return fail(fmt.Errorf("%w: enter receive: %v", ErrHardwareInit, err))
	}
	l.mode.Store(int32(Receiving))

	l.l.Info("radio link up",
		"freq_hz", cfg.FrequencyHz,
		"sync_word", fmt.Sprintf("0x%02X", cfg.SyncWord),
		"sf", cfg.SpreadingFactor,
		"bw_hz", cfg.BandwidthHz,
		"cr", fmt.Sprintf("4/%d", cfg.CodingRate))
	return l, nil
}

// notify is the receive "interrupt": it only raises the flag.
func (l *Link) notify() {
	l.ready.Store(true)
}

func (l *Link) Mode() Mode {
	return Mode(l.mode.Load())
}

func (l *Link) Config() Config {
	return l.cfg
}

func (l *Link) SwitchToTransmit() error {
	if l.Mode() == Transmitting {
		return nil
	}
	if err := l.drv.Idle(); err != nil {
		return fmt.Errorf("stop receive: %w", err)
	}
	l.mode.Store(int32(Transmitting))
	l.sleep(l.cfg.Settle)
	return nil
}

func (l *Link) SwitchToReceive() error {
	if l.Mode() == Receiving {
		return nil
	}
	if err := l.drv.Receive(); err != nil {
		return fmt.Errorf("start receive: %w", err)
	}
	l.mode.Store(int32(Receiving))
	l.sleep(l.cfg.Settle)
	return nil
}

// Send frames payload and hands it to the driver. It is rejected with
// ErrNotTransmitting, with no other effect, unless the link is Transmitting.
func (l *Link) Send(payload []byte) error {
	if l.Mode() != Transmitting {
		return ErrNotTransmitting
	}
	frame, err := EncodeFrame(l.cfg.SyncWord, payload)
	if err != nil {
		l.sendFailures.Add(1)
		return err
	}
	if err := l.drv.Transmit(frame); err != nil {
		l.sendFailures.Add(1)
		return fmt.Errorf("transmit: %w", err)
	}
	l.sent.Add(1)
	return nil
}

// PollReceive never blocks. It returns the printable bytes of a received
// frame, or nil when no valid frame is pending. Frames failing the sync word
// or CRC check are dropped and counted.
func (l *Link) PollReceive() ([]byte, error) {
	if l.Mode() != Receiving {
		return nil, ErrNotReceiving
	}
	if !l.ready.CompareAndSwap(true, false) {
		return nil, nil
	}

	raw, err := l.drv.ReadFrame()
	if err != nil {
		l.receiveFailures.Add(1)
		return nil, fmt.Errorf("read frame: %w", err)
	}
	if raw == nil {
		return nil, nil
	}

	payload, err := DecodeFrame(l.cfg.SyncWord, raw)
	if err != nil {
		l.rejected.Add(1)
		if errors.Is(err, ErrForeignFrame) {
			l.l.Trace("foreign frame dropped", "len", len(raw))
		} else {
			l.l.Debug("frame rejected", "error", err)
		}
		return nil, nil
	}

	payload = wire.FilterPrintable(payload)
	if len(payload) == 0 {
		return nil, nil
	}
	l.received.Add(1)
	return payload, nil
}

// Airtime is the expected channel occupancy of an n-byte payload.
func (l *Link) Airtime(n int) time.Duration {
	return Airtime(n)
}

// Transmit switches to transmit, sends payload, waits for the frame to clear
// the air plus the guard delay and returns to receive. The link is back in
// Receiving on return whenever the driver allows it, even if the send failed.
func (l *Link) Transmit(payload []byte) error {
	if err := l.SwitchToTransmit(); err != nil {
		return err
	}
	sendErr := l.Send(payload)
	if sendErr == nil {
		l.sleep(l.Airtime(len(payload)) + l.cfg.Guard)
	}
	if err := l.SwitchToReceive(); err != nil {
		if sendErr != nil {
			return errors.Join(sendErr, err)
		}
		return err
	}
	return sendErr
}

func (l *Link) Stats() Stats {
	return Stats{
		Sent:            l.sent.Load(),
		SendFailures:    l.sendFailures.Load(),
		Received:        l.received.Load(),
		ReceiveFailures: l.receiveFailures.Load(),
		Rejected:        l.rejected.Load(),
	}
}
