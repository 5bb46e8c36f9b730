package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fentz26/agentplane/internal/models"
)

// Sentinel errors for scheduler operations.
var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrRetriesExhausted  = errors.New("retries exhausted")
	ErrInvalidTransition = errors.New("invalid task status transition")
)

// allowedTransitions lists the status changes UpdateTaskStatus accepts.
// Running -> Pending only happens through RecordFailure.
var allowedTransitions = map[models.TaskStatus][]models.TaskStatus{
	models.TaskStatusPending: {models.TaskStatusRunning, models.TaskStatusPaused, models.TaskStatusCancelled},
	models.TaskStatusRunning: {models.TaskStatusCompleted, models.TaskStatusFailed, models.TaskStatusCancelled, models.TaskStatusPaused},
	models.TaskStatusPaused:  {models.TaskStatusRunning, models.TaskStatusPending, models.TaskStatusCancelled},
}

// ValidateTransition reports whether from -> to is allowed.
func ValidateTransition(from, to models.TaskStatus) error {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// DispatchFunc executes a due task. It owns the task's status updates.
type DispatchFunc func(ctx context.Context, task *models.Task)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithDispatch sets the function that executes due tasks.
func WithDispatch(fn DispatchFunc) Option {
	return func(s *Scheduler) { s.dispatch = fn }
}

// WithReadyFunc restricts dispatch to agents for which ready returns true.
func WithReadyFunc(ready func(agentName string) bool) Option {
	return func(s *Scheduler) { s.ready = ready }
}

// TaskOption customizes CreateTask.
type TaskOption func(*models.Task)

// WithPriority sets the task priority. It is clamped to 1..10.
func WithPriority(p int) TaskOption {
	return func(t *models.Task) { t.Priority = models.ClampPriority(p) }
}

// WithScheduledAt delays the task until at.
func WithScheduledAt(at time.Time) TaskOption {
	return func(t *models.Task) {
		if !at.IsZero() {
			t.ScheduledAt = at.UTC()
		}
	}
}

// WithMaxRetries overrides the retry limit.
func WithMaxRetries(n int) TaskOption {
	return func(t *models.Task) {
		if n >= 0 {
			t.MaxRetries = n
		}
	}
}

// Scheduler manages tasks, schedule entries and the dispatch worker pool.
type Scheduler struct {
	config   *Config
	logger   *zap.Logger
	now      func() time.Time
	dispatch DispatchFunc
	ready    func(agentName string) bool

	mu        sync.RWMutex
	tasks     map[string]*models.Task
	scheduled map[string]*models.ScheduleEntry
	inFlight  map[string]bool
	running   bool

	// Worker pool state
	activeWorkers int
	agentCounts   map[string]int

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new scheduler.
func New(cfg *Config, opts ...Option) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.GlobalMax <= 0 {
		cfg.GlobalMax = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		config:      cfg,
		logger:      zap.NewNop(),
		now:         time.Now,
		tasks:       make(map[string]*models.Task),
		scheduled:   make(map[string]*models.ScheduleEntry),
		inFlight:    make(map[string]bool),
		agentCounts: make(map[string]int),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("scheduler")
	return s
}

// SetDispatch replaces the dispatch function. Call before Start.
func (s *Scheduler) SetDispatch(fn DispatchFunc, ready func(agentName string) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatch = fn
	s.ready = ready
}

// CreateTask registers a new Pending task.
func (s *Scheduler) CreateTask(agentName, taskType string, payload map[string]any, opts ...TaskOption) *models.Task {
	now := s.now().UTC()
	task := &models.Task{
		ID:          uuid.New().String(),
		AgentName:   agentName,
		TaskType:    taskType,
		Payload:     models.CloneMap(payload),
		Status:      models.TaskStatusPending,
		Priority:    models.DefaultPriority,
		CreatedAt:   now,
		ScheduledAt: now,
		MaxRetries:  s.config.DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(task)
	}

	s.mu.Lock()
	s.tasks[task.ID] = task
	s.mu.Unlock()

	s.logger.Info("task_created",
		zap.String("task_id", task.ID),
		zap.String("agent", agentName),
		zap.String("task_type", taskType),
		zap.Int("priority", task.Priority),
	)
	return task.Clone()
}

// ScheduleTask attaches recurrence to an existing task. The task becomes a
// template: each fire spawns a fresh Pending run and the template itself is
// never dispatched.
func (s *Scheduler) ScheduleTask(taskID string, st models.ScheduleType, intervalMinutes int, nextRun *time.Time) bool {
	switch st {
	case models.ScheduleOnce, models.ScheduleHourly, models.ScheduleDaily, models.ScheduleWeekly, models.ScheduleMonthly:
	case models.ScheduleCustom:
		if intervalMinutes <= 0 {
			s.logger.Warn("schedule_rejected", zap.String("task_id", taskID), zap.String("reason", "custom schedule needs a positive interval"))
			return false
		}
	default:
		s.logger.Warn("schedule_rejected", zap.String("task_id", taskID), zap.String("schedule_type", string(st)))
		return false
	}

	if st != models.ScheduleCustom {
		intervalMinutes = 0
	}

	now := s.now().UTC()
	next := now
	if nextRun != nil {
		next = nextRun.UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		s.logger.Warn("schedule_rejected", zap.String("task_id", taskID), zap.Error(ErrTaskNotFound))
		return false
	}
	s.scheduled[taskID] = &models.ScheduleEntry{
		TaskID:          taskID,
		ScheduleType:    st,
		IntervalMinutes: intervalMinutes,
		NextRunAt:       &next,
		CreatedAt:       now,
	}
	s.logger.Info("task_scheduled", zap.String("task_id", taskID), zap.String("schedule_type", string(st)), zap.Time("next_run_at", next))
	return true
}

// UnscheduleTask removes a schedule entry.
func (s *Scheduler) UnscheduleTask(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scheduled[taskID]; !ok {
		return false
	}
	delete(s.scheduled, taskID)
	return true
}

// GetTask returns a copy of the task.
func (s *Scheduler) GetTask(taskID string) (*models.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// UpdateTaskStatus is the only path that changes a task's status outside of
// retry handling. Updates to terminal tasks and invalid transitions are rejected.
func (s *Scheduler) UpdateTaskStatus(taskID string, status models.TaskStatus, result map[string]any, errMsg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		s.logger.Warn("status_update_rejected", zap.String("task_id", taskID), zap.Error(ErrTaskNotFound))
		return false
	}
	if t.Status.IsTerminal() {
		s.logger.Warn("status_update_rejected", zap.String("task_id", taskID), zap.String("status", string(t.Status)), zap.String("reason", "terminal"))
		return false
	}
	if err := ValidateTransition(t.Status, status); err != nil {
		s.logger.Warn("status_update_rejected", zap.String("task_id", taskID), zap.Error(err))
		return false
	}

	now := s.now().UTC()
	t.Status = status
	t.Result = result
	t.Error = errMsg
	switch {
	case status == models.TaskStatusRunning:
		t.StartedAt = &now
	case status.IsTerminal():
		t.CompletedAt = &now
	}

	s.logger.Info("task_status_updated", zap.String("task_id", taskID), zap.String("status", string(status)))
	return true
}

// CancelTask cancels a non-terminal task.
func (s *Scheduler) CancelTask(taskID string) bool {
	return s.UpdateTaskStatus(taskID, models.TaskStatusCancelled, nil, "")
}

// PauseTask pauses a Pending or Running task.
func (s *Scheduler) PauseTask(taskID string) bool {
	return s.UpdateTaskStatus(taskID, models.TaskStatusPaused, nil, "")
}

// ResumeTask returns a Paused task to Pending so it is dispatched again.
func (s *Scheduler) ResumeTask(taskID string) bool {
	s.mu.RLock()
	t, ok := s.tasks[taskID]
	paused := ok && t.Status == models.TaskStatusPaused
	s.mu.RUnlock()
	if !paused {
		return false
	}
	return s.UpdateTaskStatus(taskID, models.TaskStatusPending, nil, "")
}

// RecordFailure applies the retry contract to a failed attempt. While
// RetryCount < MaxRetries the task returns to Pending with RetryCount+1 and is
// eligible again at retryAt; otherwise it becomes Failed. retried reports which
// happened and ok is false when the task is not Running. A task paused while
// its attempt was in flight keeps its status and only records the error.
func (s *Scheduler) RecordFailure(taskID, errMsg string, retryAt time.Time) (retried bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, found := s.tasks[taskID]
	if !found {
		return false, false
	}
	if t.Status != models.TaskStatusRunning {
		if t.Status == models.TaskStatusPaused {
			t.Error = errMsg
		}
		return false, false
	}

	now := s.now().UTC()
	if t.RetryCount < t.MaxRetries {
		t.RetryCount++
		t.Status = models.TaskStatusPending
		t.Error = errMsg
		if retryAt.IsZero() {
			retryAt = now
		}
		t.ScheduledAt = retryAt.UTC()
		s.logger.Info("task_retry_scheduled",
			zap.String("task_id", taskID),
			zap.Int("retry_count", t.RetryCount),
			zap.Int("max_retries", t.MaxRetries),
			zap.Time("retry_at", t.ScheduledAt),
		)
		return true, true
	}

	t.Status = models.TaskStatusFailed
	t.Error = fmt.Sprintf("%s: %s", ErrRetriesExhausted, errMsg)
	t.CompletedAt = &now
	s.logger.Warn("task_failed", zap.String("task_id", taskID), zap.Int("retry_count", t.RetryCount), zap.String("error", errMsg))
	return false, true
}

// GetPendingTasks returns Pending tasks by priority (high first), then by
// scheduled time.
func (s *Scheduler) GetPendingTasks() []*models.Task {
	return s.ListTasks(models.TaskStatusPending)
}

// ListTasks returns tasks with the given status, or every task when status is empty.
func (s *Scheduler) ListTasks(status models.TaskStatus) []*models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Task
	for _, t := range s.tasks {
		if status == "" || t.Status == status {
			out = append(out, t.Clone())
		}
	}
	sortByPriority(out)
	return out
}

// GetTasksForAgent returns every task assigned to agentName, oldest first.
func (s *Scheduler) GetTasksForAgent(agentName string) []*models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Task
	for _, t := range s.tasks {
		if t.AgentName == agentName {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// GetScheduledTasks returns every schedule entry ordered by next run.
func (s *Scheduler) GetScheduledTasks() []models.ScheduleEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ScheduleEntry, 0, len(s.scheduled))
	for _, e := range s.scheduled {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].NextRunAt, out[j].NextRunAt
		if a == nil || b == nil {
			return b == nil && a != nil
		}
		return a.Before(*b)
	})
	return out
}

// GetSchedulerStatus returns totals and a histogram over all task statuses.
func (s *Scheduler) GetSchedulerStatus() models.SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[models.TaskStatus]int, len(models.AllTaskStatuses))
	for _, st := range models.AllTaskStatuses {
		counts[st] = 0
	}
	for _, t := range s.tasks {
		counts[t.Status]++
	}
	return models.SchedulerStatus{
		IsRunning:      s.running,
		TotalTasks:     len(s.tasks),
		ScheduledTasks: len(s.scheduled),
		StatusCounts:   counts,
	}
}

// Start begins the scheduler loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	if s.ctx.Err() != nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	ctx := s.ctx
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.schedulerLoop(ctx)
	s.logger.Info("scheduler_started", zap.Duration("tick_interval", s.config.TickInterval))
}

// Stop gracefully stops the scheduler and waits for in-flight workers.
func (s *Scheduler) Stop() {
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	cancel()
	s.wg.Wait()
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.logger.Info("scheduler_stopped")
}

// schedulerLoop fires due schedules and dispatches pending tasks to workers.
func (s *Scheduler) schedulerLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollAndDispatch()
		}
	}
}

// pollAndDispatch runs one scheduling round.
func (s *Scheduler) pollAndDispatch() {
	now := s.now().UTC()
	s.fireDueSchedules(now)

	s.mu.RLock()
	dispatch, ready, ctx := s.dispatch, s.ready, s.ctx
	s.mu.RUnlock()
	if dispatch == nil {
		return
	}

	for _, task := range s.dueTasks(now) {
		if ready != nil && !ready(task.AgentName) {
			continue
		}

		s.mu.Lock()
		if s.activeWorkers >= s.config.GlobalMax {
			s.mu.Unlock()
			return
		}
		if s.agentCounts[task.AgentName] >= s.config.GetAgentLimit(task.AgentName) {
			s.mu.Unlock()
			continue
		}
		cur, ok := s.tasks[task.ID]
		if !ok || cur.Status != models.TaskStatusPending || s.inFlight[task.ID] {
			s.mu.Unlock()
			continue
		}
		s.inFlight[task.ID] = true
		s.activeWorkers++
		s.agentCounts[task.AgentName]++
		s.mu.Unlock()

		s.logger.Debug("task_dispatched", zap.String("task_id", task.ID), zap.String("agent", task.AgentName))

		s.wg.Add(1)
		go s.runWorker(ctx, dispatch, task)
	}
}

// runWorker executes one task through the dispatch function.
func (s *Scheduler) runWorker(ctx context.Context, dispatch DispatchFunc, task *models.Task) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, task.ID)
		s.activeWorkers--
		s.agentCounts[task.AgentName]--
		s.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("dispatch_panic", zap.String("task_id", task.ID), zap.Any("panic", r))
		}
	}()

	dispatch(ctx, task)
}

// fireDueSchedules spawns a run for every schedule entry that is due.
func (s *Scheduler) fireDueSchedules(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, entry := range s.scheduled {
		if entry.NextRunAt == nil || entry.NextRunAt.After(now) {
			continue
		}
		tmpl, ok := s.tasks[id]
		if !ok || tmpl.Status.IsTerminal() {
			continue
		}

		run := tmpl.Clone()
		run.ID = uuid.New().String()
		run.Status = models.TaskStatusPending
		run.CreatedAt = now
		run.ScheduledAt = now
		run.StartedAt = nil
		run.CompletedAt = nil
		run.RetryCount = 0
		run.Result = nil
		run.Error = ""
		s.tasks[run.ID] = run

		last := now
		entry.LastRunAt = &last
		entry.RunCount++
		entry.NextRunAt = nextRunAfter(entry, now)

		s.logger.Info("schedule_fired",
			zap.String("template_id", id),
			zap.String("run_id", run.ID),
			zap.Int("run_count", entry.RunCount),
		)
	}
}

// dueTasks returns dispatchable Pending tasks in priority order. Schedule
// templates are never dispatched.
func (s *Scheduler) dueTasks(now time.Time) []*models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Task
	for id, t := range s.tasks {
		if t.Status != models.TaskStatusPending || s.inFlight[id] || t.ScheduledAt.After(now) {
			continue
		}
		if _, tmpl := s.scheduled[id]; tmpl {
			continue
		}
		out = append(out, t.Clone())
	}
	sortByPriority(out)
	return out
}

// DueTasks returns Pending tasks whose scheduled time has passed, in dispatch
// order. Templates and tasks already held by a worker are excluded.
func (s *Scheduler) DueTasks() []*models.Task {
	return s.dueTasks(s.now().UTC())
}

// IsTemplate reports whether taskID carries a schedule entry.
func (s *Scheduler) IsTemplate(taskID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.scheduled[taskID]
	return ok
}

// GetStats returns current worker pool statistics.
func (s *Scheduler) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agentCounts := make(map[string]int)
	for k, v := range s.agentCounts {
		if v > 0 {
			agentCounts[k] = v
		}
	}

	return map[string]interface{}{
		"active_workers": s.activeWorkers,
		"global_max":     s.config.GlobalMax,
		"agent_counts":   agentCounts,
	}
}

// nextRunAfter advances an entry past now. Once schedules have no next run.
func nextRunAfter(e *models.ScheduleEntry, now time.Time) *time.Time {
	if e.ScheduleType == models.ScheduleOnce || e.NextRunAt == nil {
		return nil
	}
	next := *e.NextRunAt
	for !next.After(now) {
		switch e.ScheduleType {
		case models.ScheduleHourly:
			next = next.Add(time.Hour)
		case models.ScheduleDaily:
			next = next.AddDate(0, 0, 1)
		case models.ScheduleWeekly:
			next = next.AddDate(0, 0, 7)
		case models.ScheduleMonthly:
			next = next.AddDate(0, 1, 0)
		case models.ScheduleCustom:
			next = next.Add(time.Duration(e.IntervalMinutes) * time.Minute)
		default:
			return nil
		}
	}
	return &next
}

func sortByPriority(tasks []*models.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		if !tasks[i].ScheduledAt.Equal(tasks[j].ScheduledAt) {
			return tasks[i].ScheduledAt.Before(tasks[j].ScheduledAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}
