package radio

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrameEncoding(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		wantLen int
		wantErr error
	}{
		{name: "empty payload", payload: []byte{}, wantLen: HeaderSize + CRCSize},
		{name: "telemetry", payload: []byte("Temp:21|Moisture:40"), wantLen: HeaderSize + 19 + CRCSize},
		{name: "maximum payload", payload: bytes.Repeat([]byte{'x'}, MaxPayloadSize), wantLen: MaxFrameSize},
		{name: "too large", payload: bytes.Repeat([]byte{'x'}, MaxPayloadSize+1), wantErr: ErrPayloadTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := EncodeFrame(DefaultSyncWord, tt.payload)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("EncodeFrame() err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("EncodeFrame() err = %v", err)
			}
			if len(frame) != tt.wantLen {
				t.Errorf("EncodeFrame() size = %d, want %d", len(frame), tt.wantLen)
			}
			if frame[0] != DefaultSyncWord {
				t.Errorf("sync byte = 0x%02X, want 0x%02X", frame[0], DefaultSyncWord)
			}
			if int(frame[1]) != len(tt.payload) {
				t.Errorf("length byte = %d, want %d", frame[1], len(tt.payload))
			}

			got, err := DecodeFrame(DefaultSyncWord, frame)
			if err != nil {
				t.Fatalf("DecodeFrame() err = %v", err)
			}
			if !bytes.Equal(got, tt.payload) {
				t.Errorf("DecodeFrame() = %q, want %q", got, tt.payload)
			}
		})
	}
}

func TestFrameDecodingRejects(t *testing.T) {
	good, _ := EncodeFrame(DefaultSyncWord, []byte("CMD:TRUE"))

	flip := func(i int) []byte {
		b := append([]byte(nil), good...)
		b[i] ^= 0x01
		return b
	}

	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{name: "short", data: good[:3], wantErr: ErrShortFrame},
		{name: "foreign sync word", data: flip(0), wantErr: ErrForeignFrame},
		{name: "length byte", data: flip(1), wantErr: ErrFrameLength},
		{name: "payload bit flip", data: flip(4), wantErr: ErrFrameCRC},
		{name: "crc bit flip", data: flip(len(good) - 1), wantErr: ErrFrameCRC},
		{name: "trailing garbage", data: append(append([]byte(nil), good...), 0x00), wantErr: ErrFrameLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeFrame(DefaultSyncWord, tt.data); !errors.Is(err, tt.wantErr) {
				t.Errorf("DecodeFrame() err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
