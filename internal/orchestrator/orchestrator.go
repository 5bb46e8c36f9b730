// Package orchestrator owns the agent registry and coordinates agent
// lifecycles and task execution.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fentz26/agentplane/internal/agent"
	"github.com/fentz26/agentplane/internal/audit"
	"github.com/fentz26/agentplane/internal/metrics"
	"github.com/fentz26/agentplane/internal/models"
	"github.com/fentz26/agentplane/internal/scheduler"
)

// Sentinel errors for orchestrator operations.
var (
	ErrAgentNotFound   = errors.New("agent not registered")
	ErrAgentNotRunning = errors.New("agent not running")
	ErrNoScheduler     = errors.New("no task scheduler configured")
	ErrTaskNotFound    = errors.New("task not found")
	ErrTaskNotRunnable = errors.New("task not runnable")
	ErrAgentPanic      = errors.New("agent panicked")
)

// errAuthFailed marks a start refused by Authenticate, which has already
// written the agent's error log.
var errAuthFailed = errors.New("authentication failed")

// Auditor records orchestration decisions.
type Auditor interface {
	Record(action string, inputs interface{}, outcome, subject, details string) (*models.PDREntry, error)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig sets the orchestrator tuning.
func WithConfig(cfg *Config) Option {
	return func(o *Orchestrator) {
		if cfg != nil {
			o.config = cfg
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPublisher sets the event sink handed to every registered agent.
func WithPublisher(p agent.Publisher) Option {
	return func(o *Orchestrator) { o.bus = p }
}

// WithScheduler attaches the task scheduler. The orchestrator becomes its
// dispatch function.
func WithScheduler(s *scheduler.Scheduler) Option {
	return func(o *Orchestrator) { o.sched = s }
}

// WithAuditor sets the decision record writer.
func WithAuditor(a Auditor) Option {
	return func(o *Orchestrator) { o.audit = a }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// Orchestrator owns the registry of agents and the set of running ones.
type Orchestrator struct {
	config  *Config
	logger  *zap.Logger
	bus     agent.Publisher
	sched   *scheduler.Scheduler
	audit   Auditor
	metrics *metrics.Metrics
	now     func() time.Time

	mu        sync.RWMutex
	agents    map[string]agent.Agent
	running   map[string]bool
	isRunning bool
	startedAt *time.Time
}

// New creates an Orchestrator.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		config:  DefaultConfig(),
		logger:  zap.NewNop(),
		now:     time.Now,
		agents:  make(map[string]agent.Agent),
		running: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.Named("orchestrator")
	if o.sched != nil {
		o.sched.SetDispatch(o.dispatchScheduled, o.IsAgentRunning)
	}
	return o
}

// --- Registry ---

// RegisterAgent adds a to the registry. An existing agent with the same name
// is replaced.
func (o *Orchestrator) RegisterAgent(a agent.Agent) {
	name := a.Name()
	if o.bus != nil {
		a.SetPublisher(o.bus)
	}

	o.mu.Lock()
	_, replaced := o.agents[name]
	o.agents[name] = a
	delete(o.running, name)
	o.mu.Unlock()

	if replaced {
		o.logger.Warn("agent_replaced", zap.String("agent", name))
	}
	o.logger.Info("agent_registered",
		zap.String("agent", name),
		zap.String("platform", a.Platform()),
		zap.String("type", string(a.Type())),
	)
}

// UnregisterAgent removes an agent and takes it offline.
func (o *Orchestrator) UnregisterAgent(name string) bool {
	o.mu.Lock()
	a, ok := o.agents[name]
	wasRunning := o.running[name]
	delete(o.agents, name)
	delete(o.running, name)
	o.mu.Unlock()

	if !ok {
		return false
	}
	a.MarkOffline()
	if wasRunning {
		o.metrics.RecordAgentStop(context.Background(), name)
	}
	o.logger.Info("agent_unregistered", zap.String("agent", name))
	return true
}

// Agent returns a registered agent.
func (o *Orchestrator) Agent(name string) (agent.Agent, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	a, ok := o.agents[name]
	return a, ok
}

// Agents returns every registered agent ordered by name.
func (o *Orchestrator) Agents() []agent.Agent {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]agent.Agent, 0, len(o.agents))
	for _, a := range o.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// --- Lifecycle ---

// StartAgent authenticates the agent if needed and starts it. An agent in
// Error is re-authenticated, which returns it to Idle. Failures and panics are
// logged to the agent, drop it from the running set and are reported as false.
func (o *Orchestrator) StartAgent(ctx context.Context, name string) bool {
	a, ok := o.Agent(name)
	if !ok {
		o.logger.Warn("start_rejected", zap.String("agent", name), zap.Error(ErrAgentNotFound))
		return false
	}

	err := safeCall(func() error {
		if (!a.IsAuthenticated() || a.Status() == models.AgentStatusError) && !a.Authenticate(ctx) {
			return errAuthFailed
		}
		return a.Start(ctx)
	})
	if err != nil {
		if !errors.Is(err, errAuthFailed) {
			a.LogError(err, "start", map[string]any{"operation": "start"})
		}
		o.mu.Lock()
		delete(o.running, name)
		o.mu.Unlock()

		o.logger.Warn("agent_start_failed", zap.String("agent", name), zap.Error(err))
		o.publish(ctx, models.EventAgentError, name, map[string]any{
			"agent":     name,
			"operation": "start",
			"error":     err.Error(),
		})
		o.record("agent.start", map[string]string{"agent": name}, audit.OutcomeFailure, name, err.Error())
		o.metrics.RecordAgentStart(ctx, name, false)
		return false
	}

	o.mu.Lock()
	newlyRunning := !o.running[name]
	o.running[name] = true
	o.mu.Unlock()

	o.logger.Info("agent_started", zap.String("agent", name))
	o.publish(ctx, models.EventAgentStarted, name, map[string]any{
		"agent":    name,
		"platform": a.Platform(),
	})
	o.record("agent.start", map[string]string{"agent": name}, audit.OutcomeSuccess, name, "")
	if newlyRunning {
		o.metrics.RecordAgentStart(ctx, name, true)
	}
	return true
}

// StopAgent stops the agent and removes it from the running set.
func (o *Orchestrator) StopAgent(ctx context.Context, name string) bool {
	a, ok := o.Agent(name)
	if !ok {
		o.logger.Warn("stop_rejected", zap.String("agent", name), zap.Error(ErrAgentNotFound))
		return false
	}

	if err := safeCall(func() error { return a.Stop(ctx) }); err != nil {
		a.LogError(err, "stop", map[string]any{"operation": "stop"})
		o.logger.Warn("agent_stop_failed", zap.String("agent", name), zap.Error(err))
		o.publish(ctx, models.EventAgentError, name, map[string]any{
			"agent":     name,
			"operation": "stop",
			"error":     err.Error(),
		})
		o.record("agent.stop", map[string]string{"agent": name}, audit.OutcomeFailure, name, err.Error())
		return false
	}

	o.mu.Lock()
	wasRunning := o.running[name]
	delete(o.running, name)
	o.isRunning = false
	o.mu.Unlock()

	o.logger.Info("agent_stopped", zap.String("agent", name))
	o.publish(ctx, models.EventAgentStopped, name, map[string]any{"agent": name})
	o.record("agent.stop", map[string]string{"agent": name}, audit.OutcomeSuccess, name, "")
	if wasRunning {
		o.metrics.RecordAgentStop(ctx, name)
	}
	return true
}

// StartAllAgents starts every registered agent concurrently. The orchestrator
// is marked running only when every agent started.
func (o *Orchestrator) StartAllAgents(ctx context.Context) map[string]bool {
	names := o.ListAgents()
	results := o.fanOut(ctx, names, o.StartAgent)

	all := len(names) > 0
	for _, ok := range results {
		all = all && ok
	}

	o.mu.Lock()
	o.isRunning = all
	if all {
		t := o.now().UTC()
		o.startedAt = &t
	}
	o.mu.Unlock()

	o.logger.Info("start_all_completed",
		zap.Int("agents", len(names)),
		zap.Int("started", countTrue(results)),
		zap.Bool("is_running", all),
	)
	return results
}

// StopAllAgents stops every running agent concurrently.
func (o *Orchestrator) StopAllAgents(ctx context.Context) map[string]bool {
	names := o.RunningAgents()
	results := o.fanOut(ctx, names, o.StopAgent)

	o.mu.Lock()
	o.isRunning = false
	o.startedAt = nil
	o.mu.Unlock()

	o.logger.Info("stop_all_completed", zap.Int("agents", len(names)), zap.Int("stopped", countTrue(results)))
	return results
}

// fanOut runs op for every name concurrently and collects the outcomes.
func (o *Orchestrator) fanOut(ctx context.Context, names []string, op func(context.Context, string) bool) map[string]bool {
	results := make(map[string]bool, len(names))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	if o.config.MaxConcurrency > 0 {
		g.SetLimit(o.config.MaxConcurrency)
	}
	for _, name := range names {
		name := name
		g.Go(func() error {
			ok := op(gctx, name)
			mu.Lock()
			results[name] = ok
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// QueueTask appends req to the agent's FIFO.
func (o *Orchestrator) QueueTask(name string, req models.TaskRequest) bool {
	a, ok := o.Agent(name)
	if !ok {
		o.logger.Warn("queue_rejected", zap.String("agent", name), zap.Error(ErrAgentNotFound))
		return false
	}
	a.QueueTask(req)
	return true
}

// DrainQueue processes the agent's queued requests in order and returns how
// many were handled. Only running agents are drained.
func (o *Orchestrator) DrainQueue(ctx context.Context, name string) int {
	a, ok := o.Agent(name)
	if !ok || a.Status() != models.AgentStatusRunning {
		return 0
	}

	n := 0
	for ctx.Err() == nil {
		req, ok := a.DequeueTask()
		if !ok {
			break
		}
		res := processSafely(ctx, a, req)
		if !res.Success {
			o.logger.Warn("queued_task_failed", zap.String("agent", name), zap.String("task_type", req.Type), zap.String("error", res.Error))
		}
		n++
	}
	return n
}

// --- Queries ---

// GetAgentStatus returns a snapshot of one agent.
func (o *Orchestrator) GetAgentStatus(name string) (models.AgentSnapshot, bool) {
	a, ok := o.Agent(name)
	if !ok {
		return models.AgentSnapshot{}, false
	}
	return a.Snapshot(), true
}

// GetAllAgentsStatus returns a snapshot of every agent keyed by name.
func (o *Orchestrator) GetAllAgentsStatus() map[string]models.AgentSnapshot {
	agents := o.Agents()
	out := make(map[string]models.AgentSnapshot, len(agents))
	for _, a := range agents {
		out[a.Name()] = a.Snapshot()
	}
	return out
}

// ListAgents returns registered agent names in order.
func (o *Orchestrator) ListAgents() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	names := make([]string, 0, len(o.agents))
	for name := range o.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunningAgents returns the names in the running set in order.
func (o *Orchestrator) RunningAgents() []string {
	o.mu.RLock()
	candidates := make(map[string]agent.Agent, len(o.running))
	for name := range o.running {
		if a, ok := o.agents[name]; ok {
			candidates[name] = a
		}
	}
	o.mu.RUnlock()

	names := make([]string, 0, len(candidates))
	for name, a := range candidates {
		if a.Status() == models.AgentStatusRunning {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// IsAgentRunning reports whether name is in the running set and its agent
// agrees.
func (o *Orchestrator) IsAgentRunning(name string) bool {
	o.mu.RLock()
	a, ok := o.agents[name]
	running := o.running[name]
	o.mu.RUnlock()
	return ok && running && a.Status() == models.AgentStatusRunning
}

// IsRunning reports whether the last StartAllAgents started every agent.
func (o *Orchestrator) IsRunning() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.isRunning
}

// Status summarizes the orchestrator.
func (o *Orchestrator) Status() models.OrchestratorStatus {
	agents := o.Agents()
	snaps := make([]models.AgentSnapshot, 0, len(agents))
	for _, a := range agents {
		snaps = append(snaps, a.Snapshot())
	}
	running := len(o.RunningAgents())

	o.mu.RLock()
	defer o.mu.RUnlock()
	st := models.OrchestratorStatus{
		TotalAgents:   len(o.agents),
		RunningAgents: running,
		IsRunning:     o.isRunning,
		Agents:        snaps,
	}
	if o.startedAt != nil {
		t := *o.startedAt
		st.StartedAt = &t
		st.UptimeSeconds = o.now().UTC().Sub(t).Seconds()
	}
	return st
}

// --- helpers ---

func (o *Orchestrator) publish(ctx context.Context, typ models.EventType, source string, data map[string]any) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(ctx, models.Event{
		Type:     typ,
		Source:   source,
		Data:     data,
		Priority: models.DefaultPriority,
	})
}

func (o *Orchestrator) record(action string, inputs interface{}, outcome, subject, details string) {
	if o.audit == nil {
		return
	}
	o.audit.Record(action, inputs, outcome, subject, details)
}

// safeCall runs fn and converts a panic into an error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrAgentPanic, r)
		}
	}()
	return fn()
}

// processSafely runs ProcessTask, converting a panic into a failed result.
func processSafely(ctx context.Context, a agent.Agent, req models.TaskRequest) (res models.TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: %v", ErrAgentPanic, r)
			a.LogError(err, "task", map[string]any{"task_id": req.TaskID, "task_type": req.Type})
			res = models.TaskResult{Success: false, Error: err.Error()}
		}
	}()
	return a.ProcessTask(ctx, req)
}

func countTrue(m map[string]bool) int {
	n := 0
	for _, v := range m {
		if v {
			n++
		}
	}
	return n
}
