package watch

import "time"

// Config holds the tunables governing the Engine's tick behavior.
type Config struct {
	// PollInterval is the engine's tick period (default 30s).
	PollInterval time.Duration

	// RequiredConfirmations is the confirmation-depth threshold for a
	// CONFIRMED transition (default 5).
	RequiredConfirmations uint32

	// ScanWindowBlocks bounds how far behind the tip any scan starts,
	// first run or resumed (default 1000).
	ScanWindowBlocks uint64

	// CallbackExhaust is the force-stop horizon past expiry (default 3h).
	CallbackExhaust time.Duration

	// MaxFanout bounds how many watches are checked concurrently per tick.
	MaxFanout int
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		PollInterval:          30 * time.Second,
		RequiredConfirmations: 5,
		ScanWindowBlocks:      1000,
		CallbackExhaust:       3 * time.Hour,
		MaxFanout:             16,
	}
}
