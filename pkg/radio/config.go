package radio

import (
	"fmt"
	"time"
)

const (
	DefaultFrequencyHz     = 433_000_000
	DefaultSyncWord        = 0xA5
	DefaultSpreadingFactor = 7
	DefaultBandwidthHz     = 125_000
	DefaultCodingRate      = 5
	DefaultSettle          = 10 * time.Millisecond
	DefaultGuard           = 100 * time.Millisecond
)

// Airtime model used to size the post-send wait: one millisecond per payload
// byte plus a fixed overhead.
const (
	AirtimePerByte  = time.Millisecond
	AirtimeOverhead = 50 * time.Millisecond
)

var bandwidths = []int{7_800, 10_400, 15_600, 20_800, 31_250, 41_700, 62_500, 125_000, 250_000, 500_000}

// Config holds the over-the-air parameters. Both ends must agree on all of
// them; the link-level CRC is always on.
type Config struct {
	FrequencyHz     int           `yaml:"frequency_hz"`
	SyncWord        byte          `yaml:"sync_word"`
	SpreadingFactor int           `yaml:"spreading_factor"`
	BandwidthHz     int           `yaml:"bandwidth_hz"`
	CodingRate      int           `yaml:"coding_rate"` // denominator of 4/x
	Settle          time.Duration `yaml:"settle"`
	Guard           time.Duration `yaml:"guard"`
}

// DefaultConfig matches the deployed field firmware.
func DefaultConfig() Config {
	return Config{
		FrequencyHz:     DefaultFrequencyHz,
		SyncWord:        DefaultSyncWord,
		SpreadingFactor: DefaultSpreadingFactor,
		BandwidthHz:     DefaultBandwidthHz,
		CodingRate:      DefaultCodingRate,
		Settle:          DefaultSettle,
		Guard:           DefaultGuard,
	}
}

// WithDefaults fills zero modem fields from DefaultConfig. A zero SyncWord is
// replaced too, since 0x00 is not a usable sync word. Settle and Guard are
// kept as given: zero disables the delay. Start from DefaultConfig to get
// the firmware delays.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.FrequencyHz == 0 {
		c.FrequencyHz = d.FrequencyHz
	}
	if c.SyncWord == 0 {
		c.SyncWord = d.SyncWord
	}
	if c.SpreadingFactor == 0 {
		c.SpreadingFactor = d.SpreadingFactor
	}
	if c.BandwidthHz == 0 {
		c.BandwidthHz = d.BandwidthHz
	}
	if c.CodingRate == 0 {
		c.CodingRate = d.CodingRate
	}
	return c
}

func (c Config) Validate() error {
	if c.FrequencyHz < 137_000_000 || c.FrequencyHz > 1_020_000_000 {
		return fmt.Errorf("%w: frequency %d Hz", ErrInvalidConfig, c.FrequencyHz)
	}
	if c.SpreadingFactor < 6 || c.SpreadingFactor > 12 {
		return fmt.Errorf("%w: spreading factor %d", ErrInvalidConfig, c.SpreadingFactor)
	}
	if c.CodingRate < 5 || c.CodingRate > 8 {
		return fmt.Errorf("%w: coding rate 4/%d", ErrInvalidConfig, c.CodingRate)
	}
	if BandwidthIndex(c.BandwidthHz) < 0 {
		return fmt.Errorf("%w: bandwidth %d Hz", ErrInvalidConfig, c.BandwidthHz)
	}
	if c.Settle < 0 || c.Guard < 0 {
		return fmt.Errorf("%w: negative delay", ErrInvalidConfig)
	}
	return nil
}

// BandwidthIndex maps a bandwidth in Hz onto the 0..9 register index used by
// LoRa modules, or -1 when unsupported.
func BandwidthIndex(hz int) int {
	for i, bw := range bandwidths {
		if bw == hz {
			return i
		}
	}
	return -1
}

// Airtime estimates how long a payload of n bytes occupies the channel.
func Airtime(n int) time.Duration {
	return time.Duration(n)*AirtimePerByte + AirtimeOverhead
}
