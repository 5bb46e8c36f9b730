package controlplane

import "errors"

// Sentinel errors for control plane operations.
var (
	ErrNotFound        = errors.New("resource not found")
	ErrAgentNotFound   = errors.New("agent not found")
	ErrTaskNotFound    = errors.New("task not found")
	ErrInvalidStatus   = errors.New("invalid task status")
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrTransition      = errors.New("task cannot change state")
	ErrUnknownVendor   = errors.New("unknown vendor")
)
