// Package config holds the construction options for the client, mirroring
// the teacher's plain-struct-with-defaults convention (see circuit.Build's
// own parameter list) rather than a functional-options builder.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/cvsouth/snowflake-tor/clock"
	"github.com/cvsouth/snowflake-tor/storage"
)

const (
	// DefaultConnectionTimeout is the default for Options.ConnectionTimeout.
	// No package in this module reads that field; link.Handshake sets its
	// own 30-second deadline for the link handshake.
	DefaultConnectionTimeout = 15 * time.Second
	// DefaultCircuitTimeout bounds each circuit-build attempt (spec.md §4.6).
	DefaultCircuitTimeout = 90 * time.Second
	// DefaultCircuitBuffer is the number of pre-built circuits the manager
	// keeps on hand for immediate use.
	DefaultCircuitBuffer = 2
	// DefaultMaxCircuitLifetime is how long a circuit is used before it's
	// rotated out from under its bound host (spec.md §4.8).
	DefaultMaxCircuitLifetime = 10 * time.Minute
)

// Observer is the interface for best-effort lifecycle notifications
// (circuit built, rotated, disposed; build failed). Options carries one,
// but no package in this module calls OnCircuitEvent, so setting it has no
// effect.
type Observer interface {
	OnCircuitEvent(event string, attrs map[string]any)
}

// Options configures client construction. Zero-valued fields are filled in
// by WithDefaults; SnowflakeURL has no default and must be set.
type Options struct {
	SnowflakeURL string

	ConnectionTimeout  time.Duration
	CircuitTimeout     time.Duration
	CircuitBuffer      int
	MaxCircuitLifetime time.Duration

	Logger   *slog.Logger
	Storage  storage.Store
	Clock    clock.Clock
	Observer Observer
}

// WithDefaults returns a copy of o with every zero-valued field replaced by
// its documented default.
func (o Options) WithDefaults() Options {
	if o.ConnectionTimeout == 0 {
		o.ConnectionTimeout = DefaultConnectionTimeout
	}
	if o.CircuitTimeout == 0 {
		o.CircuitTimeout = DefaultCircuitTimeout
	}
	if o.CircuitBuffer == 0 {
		o.CircuitBuffer = DefaultCircuitBuffer
	}
	if o.MaxCircuitLifetime == 0 {
		o.MaxCircuitLifetime = DefaultMaxCircuitLifetime
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Storage == nil {
		o.Storage = storage.NewMemory()
	}
	if o.Clock == nil {
		o.Clock = clock.System()
	}
	return o
}

// Validate reports the one thing WithDefaults can't fill in for you.
func (o Options) Validate() error {
	if o.SnowflakeURL == "" {
		return fmt.Errorf("config: SnowflakeURL is required")
	}
	return nil
}
