// Package rylr896 drives a REYAX RYLR896 LoRa module over UART.
//
// The module does its own LoRa framing; link frames are carried hex-encoded
// inside AT+SEND so that binary sync, length and CRC bytes survive the
// line-oriented AT interface.
package rylr896

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.bug.st/serial"

	"github.com/LeonardoBeccarini/agrilink/pkg/radio"
)

const (
	DefaultBaudRate = 115200
	DefaultTimeout  = 10 * time.Second

	// MaxData is the AT+SEND payload limit; frames are hex so half of it is usable.
	MaxData = 240

	// the module needs a short pause between consecutive AT commands
	commandGap = 4 * time.Millisecond
)

var (
	ErrTimeout  = errors.New("rylr896: command timeout")
	ErrClosed   = errors.New("rylr896: port closed")
	ErrTooLong  = errors.New("rylr896: frame exceeds module payload limit")
	ErrResponse = errors.New("rylr896: unexpected response")
)

// Module result codes reported as +ERR=<code>.
const (
	CodeNoEnter  = 1
	CodeNoAT     = 2
	CodeNoEqual  = 3
	CodeUnknown  = 4
	CodeTXTime   = 10
	CodeRXTime   = 11
	CodeCRC      = 12
	CodeTXRun    = 13
	CodeInternal = 15
)

// ModuleError is a +ERR=<code> answer from the module.
type ModuleError struct {
	Code int
}

func (e *ModuleError) Error() string {
	var what string
	switch e.Code {
	case CodeNoEnter:
		what = "missing line terminator"
	case CodeNoAT:
		what = "command does not start with AT"
	case CodeNoEqual:
		what = "missing '=' in command"
	case CodeUnknown:
		what = "unknown command"
	case CodeTXTime:
		what = "transmit over time"
	case CodeRXTime:
		what = "receive over time"
	case CodeCRC:
		what = "crc error"
	case CodeTXRun:
		what = "transmit over run"
	default:
		what = "unknown error"
	}
	return fmt.Sprintf("rylr896: +ERR=%d (%s)", e.Code, what)
}

// Options are the module settings that are not part of radio.Config.
type Options struct {
	Address   uint16        `yaml:"address"`
	Peer      uint16        `yaml:"peer"` // 0 broadcasts
	NetworkID uint8         `yaml:"network_id"`
	Preamble  uint8         `yaml:"preamble"`
	Timeout   time.Duration `yaml:"timeout"`
}

func (o Options) withDefaults() Options {
	if o.Preamble == 0 {
		o.Preamble = 4
	}
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// Driver implements radio.Driver for the RYLR896.
type Driver struct {
	port io.ReadWriteCloser
	opts Options
	l    hclog.Logger

	cmdMu   sync.Mutex
	resp    chan string
	waiting atomic.Bool
	done    chan struct{}
	readErr error

	mu        sync.Mutex
	listening bool
	pending   []byte
	rssi, snr int
	onReceive func()

	closeOnce sync.Once
	closeErr  error
}

var _ radio.Driver = (*Driver)(nil)

// Dial opens the serial device and returns a driver bound to it.
func Dial(device string, baud int, opts Options, logger hclog.Logger) (*Driver, error) {
	if baud == 0 {
		baud = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", device, err)
	}
	return New(port, opts, logger), nil
}

// New wraps an already open port and starts reading from it.
func New(port io.ReadWriteCloser, opts Options, logger hclog.Logger) *Driver {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	d := &Driver{
		port: port,
		opts: opts.withDefaults(),
		l:    logger,
		resp: make(chan string, 1),
		done: make(chan struct{}),
	}
	go d.readLoop()
	return d
}

// Close releases the port. Later calls return the first result.
func (d *Driver) Close() error {
	d.closeOnce.Do(func() {
		d.closeErr = d.port.Close()
	})
	return d.closeErr
}

func (d *Driver) readLoop() {
	reader := bufio.NewReader(d.port)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			d.readErr = err
			close(d.done)
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		d.l.Trace("rx", "line", line)
		d.dispatch(line)
	}
}

func (d *Driver) dispatch(line string) {
	if payload, ok := strings.CutPrefix(line, "+RCV="); ok {
		d.handleReceived(payload)
		return
	}
	if d.waiting.Load() {
		select {
		case d.resp <- line:
		default:
			d.l.Debug("response dropped", "line", line)
		}
		return
	}
	if code, ok := parseErr(line); ok {
		d.l.Warn("unsolicited module error", "error", &ModuleError{Code: code})
		return
	}
	d.l.Debug("unsolicited output", "line", line)
}

func (d *Driver) handleReceived(payload string) {
	msg, err := parseReceived(payload)
	if err != nil {
		d.l.Debug("bad +RCV line", "error", err)
		return
	}
	frame, err := hex.DecodeString(msg.Data)
	if err != nil {
		d.l.Debug("+RCV data is not hex", "from", msg.Address)
		return
	}

	d.mu.Lock()
	if !d.listening {
		d.mu.Unlock()
		d.l.Trace("frame lost while not listening", "from", msg.Address)
		return
	}
	d.pending = frame
	d.rssi, d.snr = msg.RSSI, msg.SNR
	fn := d.onReceive
	d.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// command writes one AT command and waits for its answer.
func (d *Driver) command(cmd string) (string, error) {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	select {
	case <-d.resp:
	default:
	}
	d.waiting.Store(true)
	defer d.waiting.Store(false)

	d.l.Trace("tx", "cmd", cmd)
	if _, err := d.port.Write([]byte(cmd + "\r\n")); err != nil {
		return "", fmt.Errorf("write %q: %w", cmd, err)
	}

	timer := time.NewTimer(d.opts.Timeout)
	defer timer.Stop()

	var line string
	select {
	case line = <-d.resp:
	case <-timer.C:
		return "", fmt.Errorf("%w: %q after %s", ErrTimeout, cmd, d.opts.Timeout)
	case <-d.done:
		return "", fmt.Errorf("%w: %v", ErrClosed, d.readErr)
	}
	time.Sleep(commandGap)

	if code, ok := parseErr(line); ok {
		return line, &ModuleError{Code: code}
	}
	return line, nil
}

// expectOK runs cmd and requires a +OK answer.
func (d *Driver) expectOK(cmd string) error {
	line, err := d.command(cmd)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(line, "+OK") {
		return fmt.Errorf("%w: %q to %q", ErrResponse, line, cmd)
	}
	return nil
}

func (d *Driver) Begin(cfg radio.Config) error {
	bw := radio.BandwidthIndex(cfg.BandwidthHz)
	if bw < 0 {
		return fmt.Errorf("bandwidth %d Hz not supported", cfg.BandwidthHz)
	}

	steps := []struct {
		what string
		cmd  string
	}{
		{"attention", "AT"},
		{"set address", fmt.Sprintf("AT+ADDRESS=%d", d.opts.Address)},
		{"set network id", fmt.Sprintf("AT+NETWORKID=%d", d.opts.NetworkID)},
		{"set band", fmt.Sprintf("AT+BAND=%d", cfg.FrequencyHz)},
		{"set parameter", fmt.Sprintf("AT+PARAMETER=%d,%d,%d,%d",
			cfg.SpreadingFactor, bw, cfg.CodingRate-4, d.opts.Preamble)},
	}
	for _, s := range steps {
		if err := d.expectOK(s.cmd); err != nil {
			return fmt.Errorf("%s: %w", s.what, err)
		}
	}
	d.l.Debug("module configured", "address", d.opts.Address, "network_id", d.opts.NetworkID)
	return nil
}

// Receive and Idle only gate delivery: the module listens whenever it is not
// sending.
func (d *Driver) Receive() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listening = true
	return nil
}

func (d *Driver) Idle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listening = false
	return nil
}

func (d *Driver) Transmit(frame []byte) error {
	data := hex.EncodeToString(frame)
	if len(data) > MaxData {
		return fmt.Errorf("%w: %d bytes", ErrTooLong, len(frame))
	}
	return d.expectOK(fmt.Sprintf("AT+SEND=%d,%d,%s", d.opts.Peer, len(data), data))
}

func (d *Driver) ReadFrame() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f := d.pending
	d.pending = nil
	return f, nil
}

func (d *Driver) OnReceive(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onReceive = fn
}

// Signal returns RSSI (dBm) and SNR of the last received frame.
func (d *Driver) Signal() (rssi, snr int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rssi, d.snr
}
