// Package api provides a read-only REST API over the dataset catalog, the
// run ledger and the loaded pipelines.
package api

import (
	"errors"
	"time"
)

var (
	// ErrAPIAddrRequired is returned when API is enabled but no address is configured
	ErrAPIAddrRequired = errors.New("api address is required when API is enabled")
	// ErrInvalidSnapshotLimit is returned when the snapshot row cap is not positive
	ErrInvalidSnapshotLimit = errors.New("api maxSnapshotRows must be positive")
)

// Config represents API service configuration
type Config struct {
	Enabled bool   `yaml:"enabled" default:"false"`
	Addr    string `yaml:"addr" default:":8080"`
	// AllowOrigins lists the CORS origins allowed to read the API
	AllowOrigins []string `yaml:"allowOrigins" default:"[\"*\"]"`
	// MaxSnapshotRows caps the rows a snapshot request may return
	MaxSnapshotRows int `yaml:"maxSnapshotRows" default:"1000"`
	// ShutdownTimeout bounds how long in-flight requests may finish on stop
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"10s"`
}

// Validate validates the API configuration
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Addr == "" {
		return ErrAPIAddrRequired
	}

	if c.MaxSnapshotRows <= 0 {
		return ErrInvalidSnapshotLimit
	}

	return nil
}
