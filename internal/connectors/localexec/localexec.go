// Package localexec runs an allowlisted local scraper command as a vendor connector.
//
// The scraper is invoked as `<command> [args...] <login|stats|orders>` and must
// print JSON on stdout: an object {"success": bool, "error": string} for login,
// a VendorStats object for stats and an array of VendorOrder for orders.
package localexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/fentz26/agentplane/internal/connectors"
	"github.com/fentz26/agentplane/internal/models"
)

// Scraper subcommands.
const (
	ActionLogin  = "login"
	ActionStats  = "stats"
	ActionOrders = "orders"
)

// DefaultTimeout bounds a single scraper invocation.
const DefaultTimeout = 60 * time.Second

var allowedActions = []string{ActionLogin, ActionStats, ActionOrders}

// Config describes one vendor scraper.
type Config struct {
	Vendor  string        `yaml:"vendor"`
	Command string        `yaml:"command"`
	Args    []string      `yaml:"args"`
	WorkDir string        `yaml:"work_dir"`
	Timeout time.Duration `yaml:"timeout"`
}

// LocalExec implements connectors.Connector by shelling out to a scraper.
type LocalExec struct {
	vendor  string
	command string
	args    []string
	workDir string
	timeout time.Duration
	allowed map[string]bool
}

// New creates a new LocalExec connector. allowedCommands is the strict allowlist
// of executables; the configured command must appear in it.
func New(cfg Config, allowedCommands []string) *LocalExec {
	allowed := make(map[string]bool, len(allowedCommands))
	for _, c := range allowedCommands {
		allowed[c] = true
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &LocalExec{
		vendor:  cfg.Vendor,
		command: cfg.Command,
		args:    cfg.Args,
		workDir: cfg.WorkDir,
		timeout: timeout,
		allowed: allowed,
	}
}

// Name returns the vendor identifier.
func (l *LocalExec) Name() string {
	return l.vendor
}

// IsAllowed checks if a command and its trailing action are in the allowlist.
func (l *LocalExec) IsAllowed(cmd string, args []string) bool {
	if !l.allowed[cmd] {
		return false
	}
	if len(args) == 0 {
		return false
	}

	action := args[len(args)-1]
	for _, a := range allowedActions {
		if action == a {
			return true
		}
	}
	return false
}

// Execute runs a command if it's in the allowlist.
func (l *LocalExec) Execute(ctx context.Context, cmd string, args []string) (*connectors.ExecResult, error) {
	if !l.IsAllowed(cmd, args) {
		return nil, fmt.Errorf("command not allowed: %s %s", cmd, strings.Join(args, " "))
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	execCmd := exec.CommandContext(ctx, cmd, args...)
	if l.workDir != "" {
		execCmd.Dir = l.workDir
	}

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	err := execCmd.Run()

	exitCode := 0
	if err != nil {
		if exitError, ok := err.(*exec.ExitError); ok {
			exitCode = exitError.ExitCode()
		} else {
			return nil, fmt.Errorf("exec error: %w", err)
		}
	}

	return &connectors.ExecResult{
		Command:  cmd,
		Args:     args,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// Login runs the scraper's login action.
func (l *LocalExec) Login(ctx context.Context) error {
	var resp struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := l.run(ctx, ActionLogin, &resp); err != nil {
		return err
	}
	if !resp.Success {
		if resp.Error != "" {
			return fmt.Errorf("%w: %s", connectors.ErrLoginFailed, resp.Error)
		}
		return connectors.ErrLoginFailed
	}
	return nil
}

// FetchStats runs the scraper's stats action.
func (l *LocalExec) FetchStats(ctx context.Context) (models.VendorStats, error) {
	var stats models.VendorStats
	err := l.run(ctx, ActionStats, &stats)
	return stats, err
}

// FetchOrders runs the scraper's orders action.
func (l *LocalExec) FetchOrders(ctx context.Context) ([]models.VendorOrder, error) {
	var orders []models.VendorOrder
	if err := l.run(ctx, ActionOrders, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (l *LocalExec) run(ctx context.Context, action string, out any) error {
	args := append(append([]string{}, l.args...), action)
	res, err := l.Execute(ctx, l.command, args)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%s %s exited with %d: %s", l.vendor, action, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	if err := json.Unmarshal([]byte(res.Stdout), out); err != nil {
		return fmt.Errorf("decode %s output: %w", action, err)
	}
	return nil
}

var _ connectors.Connector = (*LocalExec)(nil)
