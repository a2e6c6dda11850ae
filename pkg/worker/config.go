package worker

import (
	"errors"
	"fmt"
	"time"
)

// DefaultPriority is the queue weight of a pipeline without an explicit priority
const DefaultPriority = 10

var (
	// ErrInvalidConcurrency is returned when concurrency is not positive
	ErrInvalidConcurrency = errors.New("concurrency must be positive")
	// ErrInvalidShutdownTimeout is returned when the shutdown timeout is negative
	ErrInvalidShutdownTimeout = errors.New("shutdown timeout must not be negative")
	// ErrInvalidPriority is returned for a pipeline priority below one
	ErrInvalidPriority = errors.New("pipeline priority must be positive")
)

// Config contains worker-specific settings
type Config struct {
	Concurrency int `yaml:"concurrency" default:"10"`
	// Pipelines restricts the worker to the named pipelines' queues
	Pipelines []string `yaml:"pipelines,omitempty"`
	// Priorities weights pipeline queues against each other. Pipelines not
	// listed get DefaultPriority.
	Priorities map[string]int `yaml:"priorities,omitempty"`
	// StrictPriority drains higher priority queues before lower ones
	StrictPriority  bool `yaml:"strictPriority"`
	ShutdownTimeout int  `yaml:"shutdownTimeout" default:"30"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Concurrency <= 0 {
		return ErrInvalidConcurrency
	}

	if c.ShutdownTimeout < 0 {
		return ErrInvalidShutdownTimeout
	}

	for name, p := range c.Priorities {
		if p < 1 {
			return fmt.Errorf("%w: %s=%d", ErrInvalidPriority, name, p)
		}
	}

	return nil
}

// ShutdownDuration returns the shutdown timeout as a duration
func (c *Config) ShutdownDuration() time.Duration {
	return time.Duration(c.ShutdownTimeout) * time.Second
}

// Priority returns the queue weight of a pipeline
func (c *Config) Priority(pipeline string) int {
	if p, ok := c.Priorities[pipeline]; ok {
		return p
	}

	return DefaultPriority
}
