package orchestrator

import "time"

// Config holds orchestrator tuning.
type Config struct {
	// MaxConcurrency bounds start/stop/dispatch fan-out. Zero means unbounded.
	MaxConcurrency int `yaml:"max_concurrency"`

	// RetryBackoffBase is the delay before the first retry; each further
	// retry doubles it up to RetryBackoffMax.
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base"`
	RetryBackoffMax  time.Duration `yaml:"retry_backoff_max"`
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrency:   0,
		RetryBackoffBase: 10 * time.Second,
		RetryBackoffMax:  5 * time.Minute,
	}
}

// backoffDuration returns the delay before retry number attempt (1-based).
func (c *Config) backoffDuration(attempt int) time.Duration {
	base, maxBackoff := c.RetryBackoffBase, c.RetryBackoffMax
	if base <= 0 {
		return 0
	}
	if attempt <= 1 {
		return base
	}

	shift := attempt - 1
	if shift > 6 {
		shift = 6
	}

	d := base * time.Duration(1<<shift)
	if maxBackoff > 0 && d > maxBackoff {
		return maxBackoff
	}
	return d
}
