package archive

import (
	"errors"
	"log/slog"
	"time"
)

// Default retention values.
const (
	DefaultRetentionDays   = 7
	DefaultMaxFiles        = 100
	DefaultCleanupInterval = time.Hour
)

// Config holds archive configuration.
// Use functional options (WithXxx) to set these values.
type Config struct {
	Dir             string
	RetentionDays   int
	MaxFiles        int
	CleanupInterval time.Duration

	// Now is the clock used by sweeps.
	Now func() time.Time

	// OnSweep is called after every retention sweep.
	OnSweep func(Report)

	Logger *slog.Logger
}

// Option is a functional option for configuring the archive.
type Option func(*Config)

// WithRetentionDays sets the maximum record age in days.
func WithRetentionDays(days int) Option {
	return func(c *Config) {
		c.RetentionDays = days
	}
}

// WithMaxFiles sets the maximum number of records kept.
func WithMaxFiles(n int) Option {
	return func(c *Config) {
		c.MaxFiles = n
	}
}

// WithCleanupInterval sets how often Run sweeps.
func WithCleanupInterval(d time.Duration) Option {
	return func(c *Config) {
		c.CleanupInterval = d
	}
}

// WithClock overrides the sweep clock.
func WithClock(now func() time.Time) Option {
	return func(c *Config) {
		c.Now = now
	}
}

// WithSweepHook registers a callback run after each sweep.
func WithSweepHook(fn func(Report)) Option {
	return func(c *Config) {
		c.OnSweep = fn
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// DefaultConfig returns the default retention policy for dir.
func DefaultConfig(dir string) *Config {
	return &Config{
		Dir:             dir,
		RetentionDays:   DefaultRetentionDays,
		MaxFiles:        DefaultMaxFiles,
		CleanupInterval: DefaultCleanupInterval,
		Now:             time.Now,
		Logger:          slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks the retention policy.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return errors.New("archive: directory required")
	}
	if c.RetentionDays <= 0 {
		return errors.New("archive: retention days must be positive")
	}
	if c.MaxFiles <= 0 {
		return errors.New("archive: max files must be positive")
	}
	if c.CleanupInterval <= 0 {
		return errors.New("archive: cleanup interval must be positive")
	}
	return nil
}

// MaxAge is the retention age as a duration.
func (c *Config) MaxAge() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}
