package kernel

import (
	"time"

	"github.com/rs/zerolog"
)

// Config tunes the kernel model.
type Config struct {
	// NCPU is the number of scheduler loops to run.
	NCPU int

	// MemSize is the physical arena size in bytes, rounded up to pages.
	MemSize uint64

	// Slice is the preemption slice armed on every switch.
	Slice time.Duration

	// Logger receives structured kernel traces. Defaults to a no-op
	// logger.
	Logger zerolog.Logger
}

func _defaultConfig() *Config {
	return &Config{
		NCPU:    4,
		MemSize: 32 << 20,
		Slice:   10 * time.Millisecond,
		Logger:  zerolog.Nop(),
	}
}

func (c *Config) fill() {
	d := _defaultConfig()
	if c.NCPU <= 0 {
		c.NCPU = d.NCPU
	}
	if c.MemSize == 0 {
		c.MemSize = d.MemSize
	}
	if c.Slice <= 0 {
		c.Slice = d.Slice
	}
}
