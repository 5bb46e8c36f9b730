package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusPaused    TaskStatus = "paused"
)

// AllTaskStatuses lists every task status in display order.
var AllTaskStatuses = []TaskStatus{
	TaskStatusPending,
	TaskStatusRunning,
	TaskStatusCompleted,
	TaskStatusFailed,
	TaskStatusCancelled,
	TaskStatusPaused,
}

// IsTerminal reports whether no further transitions are allowed from s.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	for _, v := range AllTaskStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Task priority bounds.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// DefaultMaxRetries is used when a task is created without an explicit limit.
const DefaultMaxRetries = 3

// ClampPriority forces p into [MinPriority, MaxPriority].
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// Task represents a unit of work assigned to an agent.
type Task struct {
	ID          string         `json:"id"`
	AgentName   string         `json:"agent_name"`
	TaskType    string         `json:"task_type"`
	Payload     map[string]any `json:"payload,omitempty"`
	Status      TaskStatus     `json:"status"`
	Priority    int            `json:"priority"`
	CreatedAt   time.Time      `json:"created_at"`
	ScheduledAt time.Time      `json:"scheduled_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Clone returns a deep-enough copy for handing out of a locked registry.
func (t *Task) Clone() *Task {
	c := *t
	c.Payload = CloneMap(t.Payload)
	c.Result = CloneMap(t.Result)
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

// ScheduleType is the recurrence of a schedule entry.
type ScheduleType string

const (
	ScheduleOnce    ScheduleType = "once"
	ScheduleHourly  ScheduleType = "hourly"
	ScheduleDaily   ScheduleType = "daily"
	ScheduleWeekly  ScheduleType = "weekly"
	ScheduleMonthly ScheduleType = "monthly"
	ScheduleCustom  ScheduleType = "custom"
)

// ScheduleEntry is recurrence metadata attached to a task.
type ScheduleEntry struct {
	TaskID          string       `json:"task_id"`
	ScheduleType    ScheduleType `json:"schedule_type"`
	IntervalMinutes int          `json:"interval_minutes,omitempty"`
	NextRunAt       *time.Time   `json:"next_run_at,omitempty"`
	LastRunAt       *time.Time   `json:"last_run_at,omitempty"`
	RunCount        int          `json:"run_count"`
	CreatedAt       time.Time    `json:"created_at"`
}

// TaskRequest is a unit of work handed to an agent.
type TaskRequest struct {
	TaskID  string         `json:"task_id,omitempty"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// TaskResult is what an agent reports after processing a request.
type TaskResult struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// SchedulerStatus is the scheduler's summary view.
type SchedulerStatus struct {
	IsRunning      bool               `json:"is_running"`
	TotalTasks     int                `json:"total_tasks"`
	ScheduledTasks int                `json:"scheduled_tasks"`
	StatusCounts   map[TaskStatus]int `json:"status_counts"`
}

// CloneMap returns a shallow copy of m (nil stays nil).
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
