// Package redis holds the shared Redis connection settings. One URL serves
// the catalog, the ledger, leader election and the asynq run queues; the
// prefix namespaces every key medallion writes.
package redis

import (
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces keys when no prefix is configured
const DefaultPrefix = "medallion"

var (
	// ErrURLRequired is returned when Redis is needed but no URL is set
	ErrURLRequired = errors.New("redis url is required")
)

// Config holds Redis client configuration
type Config struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix" default:"medallion"`
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.URL == "" {
		return ErrURLRequired
	}

	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}

	return nil
}

// Options parses the configured URL into client options
func (c *Config) Options() (*redis.Options, error) {
	opts, err := redis.ParseURL(c.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	return opts, nil
}

// AsynqOptions parses the configured URL into asynq connection options, so
// queues live on the same server as the catalog.
func (c *Config) AsynqOptions() (*asynq.RedisClientOpt, error) {
	opts, err := c.Options()
	if err != nil {
		return nil, err
	}

	return &asynq.RedisClientOpt{
		Network:      opts.Network,
		Addr:         opts.Addr,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		PoolSize:     opts.PoolSize,
		TLSConfig:    opts.TLSConfig,
	}, nil
}

// PrefixKey namespaces a Redis key, e.g. "catalog" becomes "medallion:catalog"
func (c *Config) PrefixKey(key string) string {
	if c.Prefix == "" {
		return key
	}

	return c.Prefix + ":" + key
}
