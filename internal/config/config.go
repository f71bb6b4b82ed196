// Package config defines the Config record the core consumes. Flag
// parsing and environment lookup are ambient/external concerns (spec.md
// §6: "handled by external collaborators"); cmd/rippled is the one place
// that constructs a Config from flag.
package config

import (
	"fmt"
	"time"
)

// Config mirrors spec.md §6's recognized options exactly.
type Config struct {
	BasePath      string
	GossipAddr    string
	APIAddr       string // optional; empty disables the HTTP surface
	Bootstrap     []string
	SchemaPath    string
	MaxChangeSize int

	// MaxRowsImpacted caps a single write transaction (spec.md §7,
	// TooManyRowsImpacted). Not in spec.md §6's literal field list but
	// needed to wire WriteCoordinator; defaults applied by Defaults().
	MaxRowsImpacted int
	MaxSkew         time.Duration
	CheckpointEvery time.Duration
	BootstrapEvery  time.Duration
}

// Defaults fills in the fixed constants spec.md names (300ms max skew,
// 15-minute checkpoint, 5-minute bootstrap re-resolve) for any field the
// caller left at its zero value.
func (c Config) Defaults() Config {
	if c.MaxRowsImpacted == 0 {
		c.MaxRowsImpacted = 10_000
	}
	if c.MaxSkew == 0 {
		c.MaxSkew = 300 * time.Millisecond
	}
	if c.CheckpointEvery == 0 {
		c.CheckpointEvery = 15 * time.Minute
	}
	if c.BootstrapEvery == 0 {
		c.BootstrapEvery = 5 * time.Minute
	}
	if c.MaxChangeSize == 0 {
		c.MaxChangeSize = 1 << 20
	}
	return c
}

// Validate checks the required fields are present.
func (c Config) Validate() error {
	if c.BasePath == "" {
		return fmt.Errorf("config: base_path is required")
	}
	if c.GossipAddr == "" {
		return fmt.Errorf("config: gossip_addr is required")
	}
	return nil
}
