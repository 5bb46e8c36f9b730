package vendorsync

import "time"

// Config holds coordinator tuning.
type Config struct {
	// MaxConcurrency bounds SyncAllVendors fan-out. Zero means unbounded.
	MaxConcurrency int `yaml:"max_concurrency"`

	// RequestsPerMinute limits sync attempts per vendor. Zero disables limiting.
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the per-vendor circuit breaker.
type BreakerConfig struct {
	Enabled            bool          `yaml:"enabled"`
	MinRequests        int           `yaml:"min_requests"`
	FailureThreshold   int           `yaml:"failure_threshold"`
	HalfOpenMaxSuccess int           `yaml:"half_open_max_success"`
	SamplingDuration   time.Duration `yaml:"sampling_duration"`
	RecoveryTime       time.Duration `yaml:"recovery_time"`
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrency:    0,
		RequestsPerMinute: 30,
		Burst:             2,
		Breaker: BreakerConfig{
			Enabled:            true,
			MinRequests:        3,
			FailureThreshold:   3,
			HalfOpenMaxSuccess: 1,
			SamplingDuration:   10 * time.Minute,
			RecoveryTime:       5 * time.Minute,
		},
	}
}
