// Package connectors defines the vendor connector contract for agentplane.
package connectors

import (
	"context"
	"errors"

	"github.com/fentz26/agentplane/internal/models"
)

// ErrLoginFailed is returned when a vendor rejects the configured credentials.
var ErrLoginFailed = errors.New("login failed")

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exit_code"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
}

// Connector is the capability the sync coordinator requires from a vendor source.
type Connector interface {
	// Name returns the vendor identifier.
	Name() string

	// Login authenticates against the vendor.
	Login(ctx context.Context) error

	// FetchStats returns the vendor's current aggregate figures.
	FetchStats(ctx context.Context) (models.VendorStats, error)

	// FetchOrders returns the vendor's orders.
	FetchOrders(ctx context.Context) ([]models.VendorOrder, error)
}
