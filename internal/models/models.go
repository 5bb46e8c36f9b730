// Package models defines the core domain types for agentplane.
package models

import "time"

// AgentStatus represents the lifecycle state of an agent.
type AgentStatus string

const (
	AgentStatusOffline AgentStatus = "offline"
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusRunning AgentStatus = "running"
	AgentStatusPaused  AgentStatus = "paused"
	AgentStatusError   AgentStatus = "error"
)

// AgentType is the capability tag of an agent.
type AgentType string

const (
	AgentTypeMarketplace AgentType = "marketplace"
	AgentTypeSocial      AgentType = "social"
	AgentTypeMessaging   AgentType = "messaging"
	AgentTypeAffiliate   AgentType = "affiliate"
)

// Valid reports whether t is one of the known agent types.
func (t AgentType) Valid() bool {
	switch t {
	case AgentTypeMarketplace, AgentTypeSocial, AgentTypeMessaging, AgentTypeAffiliate:
		return true
	}
	return false
}

// ErrorEntry is one record in an agent's error log.
type ErrorEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Kind      string         `json:"kind"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
}

// AgentSnapshot is a read-only view of an agent's state.
type AgentSnapshot struct {
	Name           string      `json:"name"`
	Type           AgentType   `json:"type"`
	Platform       string      `json:"platform"`
	Status         AgentStatus `json:"status"`
	Authenticated  bool        `json:"authenticated"`
	CreatedAt      time.Time   `json:"created_at"`
	LastActivityAt *time.Time  `json:"last_activity_at,omitempty"`
	PendingTasks   int         `json:"pending_tasks"`
	ErrorCount     int         `json:"error_count"`
}

// AgentConfigView exposes an agent's configuration without credential values.
type AgentConfigView struct {
	Name           string         `json:"name"`
	Platform       string         `json:"platform"`
	Type           AgentType      `json:"type"`
	CredentialKeys []string       `json:"credential_keys"`
	Settings       map[string]any `json:"settings,omitempty"`
}

// OrchestratorStatus summarizes the orchestrator.
type OrchestratorStatus struct {
	TotalAgents   int             `json:"total_agents"`
	RunningAgents int             `json:"running_agents"`
	IsRunning     bool            `json:"is_running"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	UptimeSeconds float64         `json:"uptime_seconds"`
	Agents        []AgentSnapshot `json:"agents"`
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	Subject    string    `json:"subject,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
