// Package config loads the agentplane configuration from YAML, the
// environment and an optional .env file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/fentz26/agentplane/internal/agent"
	"github.com/fentz26/agentplane/internal/connectors/localexec"
	"github.com/fentz26/agentplane/internal/orchestrator"
	"github.com/fentz26/agentplane/internal/scheduler"
	"github.com/fentz26/agentplane/internal/vendorsync"
)

// Default file locations under the user's home directory.
const (
	DirName  = ".agentplane"
	FileName = "config.yaml"
)

// Config is the complete agentplane configuration.
type Config struct {
	// DBPath is the SQLite database file.
	DBPath string `yaml:"db_path" env:"AGENTPLANE_DB"`
	// Listen is the HTTP API address.
	Listen string `yaml:"listen" env:"AGENTPLANE_LISTEN"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" env:"AGENTPLANE_LOG_LEVEL"`
	// Development switches to human-readable logs.
	Development bool `yaml:"development" env:"AGENTPLANE_DEV"`
	// AutoStart starts every configured agent when the daemon boots.
	AutoStart bool `yaml:"auto_start" env:"AGENTPLANE_AUTO_START"`

	EventBus     EventBus            `yaml:"eventbus"`
	Kafka        Kafka               `yaml:"kafka"`
	Orchestrator orchestrator.Config `yaml:"orchestrator"`
	Scheduler    scheduler.Config    `yaml:"scheduler"`
	Sync         vendorsync.Config   `yaml:"sync"`

	// Agents are registered with the orchestrator at startup.
	Agents []agent.Config `yaml:"agents"`
	// Vendors are scraper connectors registered with the sync coordinator.
	Vendors []localexec.Config `yaml:"vendors"`
	// AllowedCommands is the executable allowlist for vendor scrapers.
	AllowedCommands []string `yaml:"allowed_commands"`
}

// EventBus configures the in-process bus and its persistence.
type EventBus struct {
	HistoryCapacity int  `yaml:"history_capacity" env:"AGENTPLANE_HISTORY_CAPACITY"`
	Persist         bool `yaml:"persist" env:"AGENTPLANE_PERSIST_EVENTS"`
}

// Kafka configures the optional event export. Empty Brokers disables it.
type Kafka struct {
	Brokers      []string      `yaml:"brokers" env:"AGENTPLANE_KAFKA_BROKERS" envSeparator:","`
	Topic        string        `yaml:"topic" env:"AGENTPLANE_KAFKA_TOPIC"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultConfig returns a configuration that runs with no file present.
func DefaultConfig() *Config {
	return &Config{
		DBPath:   defaultDBPath(),
		Listen:   "127.0.0.1:7466",
		LogLevel: "info",
		EventBus: EventBus{
			HistoryCapacity: 10000,
			Persist:         true,
		},
		Kafka: Kafka{
			Topic:        "agentplane.events",
			WriteTimeout: 10 * time.Second,
		},
		Orchestrator: *orchestrator.DefaultConfig(),
		Scheduler:    *scheduler.DefaultConfig(),
		Sync:         *vendorsync.DefaultConfig(),
	}
}

// Load reads path, applies environment overrides and validates the result.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	cfg.expand()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// DefaultPath returns ~/.agentplane/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return FileName
	}
	return filepath.Join(home, DirName, FileName)
}

// LoadFromHome loads the configuration from DefaultPath.
func LoadFromHome() (*Config, error) {
	return Load(DefaultPath())
}

// Save writes cfg to path, creating parent directories if needed.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	// Credentials live here.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.EventBus.HistoryCapacity < 1 {
		return fmt.Errorf("eventbus.history_capacity must be at least 1")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka.topic is required when brokers are set")
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		p, ok := agent.LookupPlatform(a.Platform)
		if !ok {
			return fmt.Errorf("agents[%d]: unknown platform %q", i, a.Platform)
		}
		name := a.Name
		if name == "" {
			name = p.Name
		}
		if seen[name] {
			return fmt.Errorf("agents[%d]: duplicate agent name %q", i, name)
		}
		seen[name] = true
	}

	allowed := make(map[string]bool, len(c.AllowedCommands))
	for _, cmd := range c.AllowedCommands {
		allowed[cmd] = true
	}
	vendors := make(map[string]bool, len(c.Vendors))
	for i, v := range c.Vendors {
		if v.Vendor == "" {
			return fmt.Errorf("vendors[%d]: vendor is required", i)
		}
		if vendors[v.Vendor] {
			return fmt.Errorf("vendors[%d]: duplicate vendor %q", i, v.Vendor)
		}
		vendors[v.Vendor] = true
		if !allowed[v.Command] {
			return fmt.Errorf("vendors[%d]: command %q is not in allowed_commands", i, v.Command)
		}
	}
	return nil
}

// expand substitutes ${VAR} references in credentials, vendor arguments and paths.
func (c *Config) expand() {
	c.DBPath = os.ExpandEnv(c.DBPath)
	for i := range c.Agents {
		for k, v := range c.Agents[i].Credentials {
			c.Agents[i].Credentials[k] = os.ExpandEnv(v)
		}
	}
	for i := range c.Vendors {
		v := &c.Vendors[i]
		v.Command = os.ExpandEnv(v.Command)
		v.WorkDir = os.ExpandEnv(v.WorkDir)
		for j, arg := range v.Args {
			v.Args[j] = os.ExpandEnv(arg)
		}
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(DirName, "agentplane.db")
	}
	return filepath.Join(home, DirName, "agentplane.db")
}
