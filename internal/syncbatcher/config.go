package syncbatcher

import "time"

// Config controls the flush cadence of the batcher.
type Config struct {
	// FlushWindow is the soft timer started by the first enqueue after an
	// empty period.
	FlushWindow time.Duration
	// MaxPending is the hard cap on pending pairs; reaching it flushes
	// immediately.
	MaxPending int
	// SubmitTimeout bounds one queue submission.
	SubmitTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		FlushWindow:   100 * time.Millisecond,
		MaxPending:    10_000,
		SubmitTimeout: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.FlushWindow <= 0 {
		c.FlushWindow = defaults.FlushWindow
	}
	if c.MaxPending <= 0 {
		c.MaxPending = defaults.MaxPending
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = defaults.SubmitTimeout
	}
	return c
}
