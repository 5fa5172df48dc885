package radio

// Driver wraps the chip-level operations of a LoRa transceiver. The Link owns
// mode transitions; a Driver only executes them.
type Driver interface {
	// Begin powers up and configures the chip.
	Begin(cfg Config) error
	// Receive puts the chip in continuous receive.
	Receive() error
	// Idle stops reception so the chip can transmit.
	Idle() error
	// Transmit sends one complete frame and returns when it left the chip.
	Transmit(frame []byte) error
	// ReadFrame returns the pending received frame, or nil when there is none.
	ReadFrame() ([]byte, error)
	// OnReceive registers the packet-ready notification. The callback may run
	// on any goroutine and must only set a flag.
	OnReceive(fn func())
}
