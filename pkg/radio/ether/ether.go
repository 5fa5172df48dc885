// Package ether is an in-process radio medium. Drivers attached to the same
// Medium hear each other's transmissions when they are tuned to the same
// frequency and in receive mode at the time of the transmission; frames sent
// while a peer is idle or transmitting are lost, as on a half-duplex radio.
package ether

import (
	"errors"
	"sync"

	"github.com/LeonardoBeccarini/agrilink/pkg/radio"
)

var (
	ErrNotStarted = errors.New("ether: driver not started")
	ErrReceiving  = errors.New("ether: transmit while receiving")
)

// Medium is the shared air. The zero value is not usable; call NewMedium.
type Medium struct {
	mu      sync.Mutex
	drivers []*Driver
	corrupt func(frame []byte) []byte

	delivered uint64
	lost      uint64
}

func NewMedium() *Medium {
	return &Medium{}
}

// SetCorrupt installs a hook applied to every delivered copy of a frame.
// Passing nil removes it.
func (m *Medium) SetCorrupt(fn func(frame []byte) []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.corrupt = fn
}

// Counts returns how many frame copies reached a receiver and how many were
// lost because the peer was not listening.
func (m *Medium) Counts() (delivered, lost uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delivered, m.lost
}

// NewDriver attaches a new transceiver to the medium.
func (m *Medium) NewDriver(name string) *Driver {
	d := &Driver{name: name, medium: m}
	m.mu.Lock()
	m.drivers = append(m.drivers, d)
	m.mu.Unlock()
	return d
}

func (m *Medium) broadcast(from *Driver, frame []byte) {
	type delivery struct {
		d     *Driver
		frame []byte
	}

	m.mu.Lock()
	var out []delivery
	for _, d := range m.drivers {
		if d == from || !d.started || d.freq != from.freq {
			continue
		}
		if !d.receiving {
			m.lost++
			continue
		}
		cp := append([]byte(nil), frame...)
		if m.corrupt != nil {
			cp = m.corrupt(cp)
		}
		d.pending = cp
		m.delivered++
		if d.onReceive != nil {
			out = append(out, delivery{d: d, frame: cp})
		}
	}
	m.mu.Unlock()

	for _, o := range out {
		o.d.onReceive()
	}
}

// Driver implements radio.Driver on a Medium. State is guarded by the
// medium's lock so that broadcast sees a consistent view of every peer.
type Driver struct {
	name   string
	medium *Medium

	started   bool
	receiving bool
	freq      int
	pending   []byte
	onReceive func()
}

var _ radio.Driver = (*Driver)(nil)

func (d *Driver) Name() string { return d.name }

func (d *Driver) Begin(cfg radio.Config) error {
	d.medium.mu.Lock()
	defer d.medium.mu.Unlock()
	d.started = true
	d.freq = cfg.FrequencyHz
	return nil
}

func (d *Driver) Receive() error {
	d.medium.mu.Lock()
	defer d.medium.mu.Unlock()
	if !d.started {
		return ErrNotStarted
	}
	d.receiving = true
	return nil
}

func (d *Driver) Idle() error {
	d.medium.mu.Lock()
	defer d.medium.mu.Unlock()
	if !d.started {
		return ErrNotStarted
	}
	d.receiving = false
	return nil
}

func (d *Driver) Transmit(frame []byte) error {
	d.medium.mu.Lock()
	switch {
	case !d.started:
		d.medium.mu.Unlock()
		return ErrNotStarted
	case d.receiving:
		d.medium.mu.Unlock()
		return ErrReceiving
	}
	d.medium.mu.Unlock()

	d.medium.broadcast(d, frame)
	return nil
}

// ReadFrame returns the single pending frame. A newer arrival overwrites an
// unread one, like a one-packet FIFO.
func (d *Driver) ReadFrame() ([]byte, error) {
	d.medium.mu.Lock()
	defer d.medium.mu.Unlock()
	f := d.pending
	d.pending = nil
	return f, nil
}

func (d *Driver) OnReceive(fn func()) {
	d.medium.mu.Lock()
	defer d.medium.mu.Unlock()
	d.onReceive = fn
}
