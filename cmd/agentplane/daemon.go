package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/fentz26/agentplane/internal/app"
	"github.com/fentz26/agentplane/internal/config"
	"github.com/fentz26/agentplane/internal/connectors/static"
)

var (
	listenAddr string
	dbPath     string
	demoMode   bool
	autoStart  bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the agentplane daemon",
	Long: `Starts the daemon: the orchestrator, the task scheduler, the event bus
and the HTTP API. Stops gracefully on SIGINT or SIGTERM.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides config)")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
	daemonCmd.Flags().BoolVar(&demoMode, "demo", false, "Register in-memory demo vendors")
	daemonCmd.Flags().BoolVar(&autoStart, "start-agents", false, "Start every configured agent on boot")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if autoStart {
		cfg.AutoStart = true
	}
	return cfg, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var extra []fx.Option
	if demoMode {
		extra = append(extra, fx.Supply(app.ExtraConnectors(static.Demo())))
	}

	daemon := app.Daemon(cfg, extra...)
	if err := daemon.Err(); err != nil {
		return fmt.Errorf("build daemon: %w", err)
	}
	// Run blocks until a shutdown signal, then stops every component.
	daemon.Run()
	return nil
}
