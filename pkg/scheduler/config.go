// Package scheduler enqueues scheduled pipeline runs. One scheduler instance
// at a time leads, elected through a Redis lease.
package scheduler

import (
	"errors"
	"time"
)

var (
	// ErrInvalidTickInterval is returned when the tick interval is not positive
	ErrInvalidTickInterval = errors.New("tick interval must be positive")
	// ErrInvalidLease is returned when the lease cannot be renewed before it expires
	ErrInvalidLease = errors.New("renew interval must be positive and shorter than the lease ttl")
)

// Config defines scheduler configuration
type Config struct {
	Enabled      bool          `yaml:"enabled" default:"true"`
	TickInterval time.Duration `yaml:"tickInterval" default:"1s"`

	// LeaseTTL is how long a leader keeps the lock without renewing it
	LeaseTTL      time.Duration `yaml:"leaseTTL" default:"10s"`
	RenewInterval time.Duration `yaml:"renewInterval" default:"3s"`
}

// Validate checks if the scheduler configuration is valid
func (c *Config) Validate() error {
	if c.TickInterval <= 0 {
		return ErrInvalidTickInterval
	}

	if c.RenewInterval <= 0 || c.RenewInterval >= c.LeaseTTL {
		return ErrInvalidLease
	}

	return nil
}
