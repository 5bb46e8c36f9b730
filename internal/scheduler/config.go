// Package scheduler tracks tasks, their recurrence and their dispatch to agents.
package scheduler

import "time"

// Config defines the scheduler configuration.
type Config struct {
	// TickInterval is how often due schedules and pending tasks are polled.
	TickInterval time.Duration `yaml:"tick_interval"`
	// DefaultMaxRetries applies to tasks created without an explicit limit.
	DefaultMaxRetries int `yaml:"default_max_retries"`
	// GlobalMax is the maximum number of tasks dispatched concurrently.
	GlobalMax int `yaml:"global_max"`
	// ByAgent defines per-agent concurrency limits.
	ByAgent map[string]int `yaml:"by_agent"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		TickInterval:      time.Second,
		DefaultMaxRetries: 3,
		GlobalMax:         10,
		ByAgent:           map[string]int{},
	}
}

// GetAgentLimit returns the concurrency limit for an agent.
func (c *Config) GetAgentLimit(agentName string) int {
	if limit, ok := c.ByAgent[agentName]; ok {
		return limit
	}
	// One task at a time per agent unless configured
	return 1
}
