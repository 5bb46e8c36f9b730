// Package controlplane provides the HTTP API and service layer for agentplane.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/fentz26/agentplane/internal/audit"
	"github.com/fentz26/agentplane/internal/eventbus"
	"github.com/fentz26/agentplane/internal/models"
	"github.com/fentz26/agentplane/internal/orchestrator"
	"github.com/fentz26/agentplane/internal/scheduler"
	"github.com/fentz26/agentplane/internal/store"
	"github.com/fentz26/agentplane/internal/vendorsync"
)

// Service provides the control plane business logic on top of the
// orchestrator, scheduler, event bus and vendor sync coordinator.
type Service struct {
	orch   *orchestrator.Orchestrator
	sched  *scheduler.Scheduler
	bus    *eventbus.Bus
	sync   *vendorsync.Coordinator
	store  *store.Store
	pdr    *audit.PDRWriter
	logger *zap.Logger
}

// Deps are the components a Service fronts.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *scheduler.Scheduler
	Bus          *eventbus.Bus
	Sync         *vendorsync.Coordinator
	Store        *store.Store
	PDR          *audit.PDRWriter
	Logger       *zap.Logger
}

// NewService creates a new control plane service.
func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		orch:   d.Orchestrator,
		sched:  d.Scheduler,
		bus:    d.Bus,
		sync:   d.Sync,
		store:  d.Store,
		pdr:    d.PDR,
		logger: logger.Named("controlplane"),
	}
}

// Ping checks the database.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// --- Agent Operations ---

// Status returns the orchestrator summary.
func (s *Service) Status() models.OrchestratorStatus {
	return s.orch.Status()
}

// Agents returns a snapshot per registered agent, sorted by name.
func (s *Service) Agents() []models.AgentSnapshot {
	out := make([]models.AgentSnapshot, 0)
	for _, name := range s.orch.ListAgents() {
		if snap, ok := s.orch.GetAgentStatus(name); ok {
			out = append(out, snap)
		}
	}
	return out
}

// Agent returns one agent's snapshot.
func (s *Service) Agent(name string) (models.AgentSnapshot, error) {
	snap, ok := s.orch.GetAgentStatus(name)
	if !ok {
		return models.AgentSnapshot{}, ErrAgentNotFound
	}
	return snap, nil
}

// StartAgent starts one agent. Unknown agents yield ErrAgentNotFound.
func (s *Service) StartAgent(ctx context.Context, name string) (bool, error) {
	if _, ok := s.orch.Agent(name); !ok {
		return false, ErrAgentNotFound
	}
	return s.orch.StartAgent(ctx, name), nil
}

// StopAgent stops one agent.
func (s *Service) StopAgent(ctx context.Context, name string) (bool, error) {
	if _, ok := s.orch.Agent(name); !ok {
		return false, ErrAgentNotFound
	}
	return s.orch.StopAgent(ctx, name), nil
}

// StartAll starts every registered agent.
func (s *Service) StartAll(ctx context.Context) map[string]bool {
	return s.orch.StartAllAgents(ctx)
}

// StopAll stops every running agent.
func (s *Service) StopAll(ctx context.Context) map[string]bool {
	return s.orch.StopAllAgents(ctx)
}

// --- Task Operations ---

// TaskSpec describes a task to create.
type TaskSpec struct {
	AgentName   string
	TaskType    string
	Payload     map[string]any
	Priority    *int
	MaxRetries  *int
	ScheduledAt *time.Time

	// Optional recurrence; the created task becomes a schedule template.
	Schedule        models.ScheduleType
	IntervalMinutes int
}

// CreateTask creates a task and, when requested, attaches a schedule.
func (s *Service) CreateTask(ctx context.Context, spec TaskSpec) (*models.Task, error) {
	var opts []scheduler.TaskOption
	if spec.Priority != nil {
		opts = append(opts, scheduler.WithPriority(*spec.Priority))
	}
	if spec.MaxRetries != nil {
		opts = append(opts, scheduler.WithMaxRetries(*spec.MaxRetries))
	}
	if spec.ScheduledAt != nil && spec.Schedule == "" {
		opts = append(opts, scheduler.WithScheduledAt(*spec.ScheduledAt))
	}

	task, err := s.orch.SubmitTask(ctx, spec.AgentName, spec.TaskType, spec.Payload, opts...)
	if err != nil {
		if errors.Is(err, orchestrator.ErrAgentNotFound) {
			return nil, ErrAgentNotFound
		}
		return nil, err
	}

	if spec.Schedule != "" {
		if !s.sched.ScheduleTask(task.ID, spec.Schedule, spec.IntervalMinutes, spec.ScheduledAt) {
			s.sched.CancelTask(task.ID)
			return nil, fmt.Errorf("%w: %q", ErrInvalidSchedule, spec.Schedule)
		}
	}

	s.pdr.Record("task.create", map[string]any{
		"agent":     spec.AgentName,
		"task_type": spec.TaskType,
		"schedule":  spec.Schedule,
	}, audit.OutcomeSuccess, task.ID, "")
	return task, nil
}

// GetTask retrieves a task by ID.
func (s *Service) GetTask(id string) (*models.Task, error) {
	task, ok := s.sched.GetTask(id)
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// ListTasks returns tasks filtered by status and agent. Empty filters match all.
func (s *Service) ListTasks(status, agentName string) ([]*models.Task, error) {
	st := models.TaskStatus(status)
	if st != "" && !st.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	tasks := s.sched.ListTasks(st)
	if agentName != "" {
		tasks = slices.DeleteFunc(tasks, func(t *models.Task) bool { return t.AgentName != agentName })
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	return tasks, nil
}

// CancelTask cancels a non-terminal task.
func (s *Service) CancelTask(id string) error {
	return s.transition(id, "task.cancel", s.sched.CancelTask)
}

// PauseTask pauses a Pending task.
func (s *Service) PauseTask(id string) error {
	return s.transition(id, "task.pause", s.sched.PauseTask)
}

// ResumeTask returns a Paused task to Pending.
func (s *Service) ResumeTask(id string) error {
	return s.transition(id, "task.resume", s.sched.ResumeTask)
}

func (s *Service) transition(id, action string, op func(string) bool) error {
	if _, ok := s.sched.GetTask(id); !ok {
		return ErrTaskNotFound
	}
	if !op(id) {
		s.pdr.Record(action, map[string]string{"task_id": id}, audit.OutcomeFailure, id, ErrTransition.Error())
		return ErrTransition
	}
	s.pdr.Record(action, map[string]string{"task_id": id}, audit.OutcomeSuccess, id, "")
	return nil
}

// ExecuteTask runs a Pending task immediately.
func (s *Service) ExecuteTask(ctx context.Context, id string) (models.TaskResult, error) {
	if _, ok := s.sched.GetTask(id); !ok {
		return models.TaskResult{}, ErrTaskNotFound
	}
	return s.orch.ExecuteTask(ctx, id), nil
}

// Schedules lists schedule templates.
func (s *Service) Schedules() []models.ScheduleEntry {
	entries := s.sched.GetScheduledTasks()
	if entries == nil {
		entries = []models.ScheduleEntry{}
	}
	return entries
}

// SchedulerStatus summarizes the scheduler.
func (s *Service) SchedulerStatus() models.SchedulerStatus {
	return s.sched.GetSchedulerStatus()
}

// --- Event Operations ---

// Events returns recent events, newest last. An empty eventType matches all.
func (s *Service) Events(eventType string, limit int) ([]models.Event, error) {
	var filter *models.EventType
	if eventType != "" {
		t := models.EventType(eventType)
		if !t.Valid() {
			return nil, fmt.Errorf("%w: %q", eventbus.ErrUnknownEventType, eventType)
		}
		filter = &t
	}
	if limit <= 0 {
		limit = eventbus.DefaultHistoryLimit
	}
	events := s.bus.History(filter, limit)
	if events == nil {
		events = []models.Event{}
	}
	return events, nil
}

// StoredEvents reads persisted events, which outlive the in-memory history.
func (s *Service) StoredEvents(ctx context.Context, eventType, source string, limit uint64) ([]models.Event, error) {
	events, err := s.store.ListEvents(ctx, store.EventFilter{
		Type:   models.EventType(eventType),
		Source: source,
		Limit:  limit,
	})
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []models.Event{}
	}
	return events, nil
}

// EventStats returns bus statistics.
func (s *Service) EventStats() models.EventStatistics {
	return s.bus.Statistics()
}

// SubscribeEvents registers h for every event. The returned func unsubscribes.
func (s *Service) SubscribeEvents(h eventbus.Handler) (func(), error) {
	id, err := s.bus.SubscribeAll(h)
	if err != nil {
		return nil, err
	}
	return func() { s.bus.Unsubscribe(eventbus.AllEvents, id) }, nil
}

// --- Vendor Sync Operations ---

// SyncAll syncs every vendor.
func (s *Service) SyncAll(ctx context.Context) models.SyncSummary {
	return s.sync.SyncAllVendors(ctx)
}

// SyncVendor syncs one vendor.
func (s *Service) SyncVendor(ctx context.Context, vendor string) (models.SyncResult, error) {
	if !slices.Contains(s.sync.Vendors(), vendor) {
		return models.SyncResult{}, ErrUnknownVendor
	}
	return s.sync.SyncVendor(ctx, vendor), nil
}

// Report aggregates the latest sync results.
func (s *Service) Report() models.UnifiedReport {
	return s.sync.UnifiedReport()
}

// SyncHistory lists past sync runs, newest first.
func (s *Service) SyncHistory(ctx context.Context, vendor string, limit uint64) ([]models.SyncLog, error) {
	logs, err := s.store.SyncHistory(ctx, vendor, limit)
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []models.SyncLog{}
	}
	return logs, nil
}

// Orders lists persisted vendor orders.
func (s *Service) Orders(ctx context.Context, f store.OrderFilter) ([]models.Order, error) {
	orders, err := s.store.ListOrders(ctx, f)
	if err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []models.Order{}
	}
	return orders, nil
}

// Audit lists decision records for a subject, or all records when empty.
func (s *Service) Audit(ctx context.Context, subject string, limit uint64) ([]models.PDREntry, error) {
	entries, err := s.store.ListPDR(ctx, subject, limit)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []models.PDREntry{}
	}
	return entries, nil
}
