package controller

import (
	"time"

	"avaneesh/ddcmp-go/pkg/ddcmp"
)

// Config configures one line controller
type Config struct {
	ID           string           // Line id, also the link name
	Link         ddcmp.LinkConfig // Protocol parameters
	TickInterval time.Duration    // Reply timer tick
	EnableOnRun  bool             // Raise the line as soon as Run starts

	// Test corruption policy, applied in both directions
	CorruptPerMille int    // 0..999, 0 disables
	CorruptSeed     uint64 // PRNG seed
}

// DefaultConfig returns default controller configuration
func DefaultConfig() Config {
	return Config{
		ID:           "line0",
		Link:         ddcmp.DefaultLinkConfig(),
		TickInterval: time.Second,
		CorruptSeed:  1,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.ID == "" {
		c.ID = def.ID
	}
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	c.Link.Name = c.ID
}
