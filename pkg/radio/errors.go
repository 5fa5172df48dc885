package radio

import "errors"

var (
	// ErrHardwareInit means the radio could not be started. Callers treat it
	// as fatal.
	ErrHardwareInit = errors.New("radio hardware init failed")

	ErrNotTransmitting = errors.New("radio not in transmit mode")
	ErrNotReceiving    = errors.New("radio not in receive mode")
	ErrInvalidConfig   = errors.New("invalid radio config")

	ErrPayloadTooLarge = errors.New("payload too large")
	ErrShortFrame      = errors.New("frame too short")
	ErrForeignFrame    = errors.New("frame sync word mismatch")
	ErrFrameLength     = errors.New("frame length mismatch")
	ErrFrameCRC        = errors.New("frame crc mismatch")
)
