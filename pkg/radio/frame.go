package radio

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Frame layout: Sync(1) | Len(1) | Payload(0-255) | CRC32(4)
// The CRC covers sync, length and payload.
const (
	HeaderSize     = 2
	CRCSize        = 4
	MaxPayloadSize = 255
	MaxFrameSize   = HeaderSize + MaxPayloadSize + CRCSize
)

// EncodeFrame wraps payload in a link frame.
func EncodeFrame(sync byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	n := len(payload)
	data := make([]byte, HeaderSize+n+CRCSize)
	data[0] = sync
	data[1] = byte(n)
	copy(data[HeaderSize:], payload)

	crc := crc32.ChecksumIEEE(data[:HeaderSize+n])
	binary.LittleEndian.PutUint32(data[HeaderSize+n:], crc)
	return data, nil
}

// DecodeFrame validates sync word, length and CRC and returns a copy of the
// payload.
func DecodeFrame(sync byte, data []byte) ([]byte, error) {
	if len(data) < HeaderSize+CRCSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(data))
	}
	if data[0] != sync {
		return nil, fmt.Errorf("%w: got 0x%02X", ErrForeignFrame, data[0])
	}
	n := int(data[1])
	if len(data) != HeaderSize+n+CRCSize {
		return nil, fmt.Errorf("%w: header says %d, frame carries %d", ErrFrameLength, n, len(data)-HeaderSize-CRCSize)
	}

	recv := binary.LittleEndian.Uint32(data[HeaderSize+n:])
	if calc := crc32.ChecksumIEEE(data[:HeaderSize+n]); recv != calc {
		return nil, ErrFrameCRC
	}

	payload := make([]byte, n)
	copy(payload, data[HeaderSize:HeaderSize+n])
	return payload, nil
}
