package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/agentplane/internal/agent"
	"github.com/fentz26/agentplane/internal/eventbus"
	"github.com/fentz26/agentplane/internal/models"
	"github.com/fentz26/agentplane/internal/scheduler"
)

type memoryAuditor struct {
	mu      sync.Mutex
	actions []string
}

func (m *memoryAuditor) Record(action string, inputs interface{}, outcome, subject, details string) (*models.PDREntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, action+":"+outcome)
	return &models.PDREntry{Action: action, Outcome: outcome, Subject: subject}, nil
}

func (m *memoryAuditor) count(entry string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.actions {
		if a == entry {
			n++
		}
	}
	return n
}

// panickyAgent blows up on Start.
type panickyAgent struct {
	agent.Agent
}

func (p *panickyAgent) Start(ctx context.Context) error {
	panic("scraper crashed")
}

// refusingAgent fails Start once refuse is set.
type refusingAgent struct {
	agent.Agent
	refuse bool
}

func (r *refusingAgent) Start(ctx context.Context) error {
	if r.refuse {
		return fmt.Errorf("session expired")
	}
	return r.Agent.Start(ctx)
}

type fixture struct {
	orch  *Orchestrator
	bus   *eventbus.Bus
	sched *scheduler.Scheduler
	audit *memoryAuditor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := eventbus.New()
	sched := scheduler.New(scheduler.DefaultConfig())
	aud := &memoryAuditor{}
	cfg := DefaultConfig()
	cfg.RetryBackoffBase = 0
	orch := New(
		WithConfig(cfg),
		WithPublisher(bus),
		WithScheduler(sched),
		WithAuditor(aud),
	)
	return &fixture{orch: orch, bus: bus, sched: sched, audit: aud}
}

func newMarketplace(t *testing.T, name string, creds map[string]string) agent.Agent {
	t.Helper()
	a, err := agent.New(agent.Config{Name: name, Platform: "torob", Credentials: creds})
	require.NoError(t, err)
	return a
}

func goodCreds() map[string]string {
	return map[string]string{"seller_id": "s-1", "token": "tok"}
}

func eventCount(bus *eventbus.Bus, typ models.EventType) int {
	return len(bus.History(&typ, 0))
}

func TestRegisterAgent_LastWriterWins(t *testing.T) {
	f := newFixture(t)
	first := newMarketplace(t, "shop", goodCreds())
	second := newMarketplace(t, "shop", goodCreds())

	f.orch.RegisterAgent(first)
	require.True(t, f.orch.StartAgent(context.Background(), "shop"))
	f.orch.RegisterAgent(second)

	got, ok := f.orch.Agent("shop")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, []string{"shop"}, f.orch.ListAgents())
	assert.Empty(t, f.orch.RunningAgents(), "replacement is not running until started")
}

func TestUnregisterAgent(t *testing.T) {
	f := newFixture(t)
	a := newMarketplace(t, "shop", goodCreds())
	f.orch.RegisterAgent(a)
	require.True(t, f.orch.StartAgent(context.Background(), "shop"))

	assert.True(t, f.orch.UnregisterAgent("shop"))
	assert.False(t, f.orch.UnregisterAgent("shop"))
	assert.Equal(t, models.AgentStatusOffline, a.Status())
	assert.Empty(t, f.orch.RunningAgents())
}

func TestStartAgent_AuthenticatesFirst(t *testing.T) {
	f := newFixture(t)
	a := newMarketplace(t, "shop", goodCreds())
	f.orch.RegisterAgent(a)

	require.True(t, f.orch.StartAgent(context.Background(), "shop"))
	assert.True(t, a.IsAuthenticated())
	assert.Equal(t, models.AgentStatusRunning, a.Status())
	assert.Equal(t, []string{"shop"}, f.orch.RunningAgents())
	assert.Equal(t, 1, eventCount(f.bus, models.EventAgentStarted))
	assert.Equal(t, 1, f.audit.count("agent.start:success"))
}

func TestStartAgent_AuthFailure(t *testing.T) {
	f := newFixture(t)
	a := newMarketplace(t, "shop", map[string]string{"seller_id": "s-1"})
	f.orch.RegisterAgent(a)

	assert.False(t, f.orch.StartAgent(context.Background(), "shop"))
	assert.NotEqual(t, models.AgentStatusRunning, a.Status())
	assert.Empty(t, f.orch.RunningAgents())
	assert.Len(t, a.Errors(), 1, "authentication failure is logged once")
	assert.Equal(t, 1, eventCount(f.bus, models.EventAgentError))
	assert.Equal(t, 1, f.audit.count("agent.start:failure"))
}

func TestStartAgent_RestartAfterError(t *testing.T) {
	f := newFixture(t)
	a := newMarketplace(t, "shop", goodCreds())
	f.orch.RegisterAgent(a)
	ctx := context.Background()

	require.True(t, f.orch.StartAgent(ctx, "shop"))
	a.MarkError(fmt.Errorf("captcha wall"), "scrape", nil)

	assert.Empty(t, f.orch.RunningAgents(), "an agent in error is not running")
	assert.Equal(t, 0, f.orch.Status().RunningAgents)
	assert.False(t, f.orch.IsAgentRunning("shop"))

	require.True(t, f.orch.StartAgent(ctx, "shop"))
	assert.Equal(t, models.AgentStatusRunning, a.Status())
	assert.Equal(t, []string{"shop"}, f.orch.RunningAgents())
	assert.Equal(t, 1, f.orch.Status().RunningAgents)
}

func TestStartAgent_FailureLeavesRunningSet(t *testing.T) {
	f := newFixture(t)
	a := &refusingAgent{Agent: newMarketplace(t, "shop", goodCreds())}
	f.orch.RegisterAgent(a)
	ctx := context.Background()

	require.True(t, f.orch.StartAgent(ctx, "shop"))
	a.refuse = true

	assert.False(t, f.orch.StartAgent(ctx, "shop"))
	assert.Empty(t, f.orch.RunningAgents())
	assert.Equal(t, 0, f.orch.Status().RunningAgents)
}

func TestStartAgent_Unknown(t *testing.T) {
	f := newFixture(t)
	assert.False(t, f.orch.StartAgent(context.Background(), "ghost"))
	assert.False(t, f.orch.StopAgent(context.Background(), "ghost"))
}

func TestStartAgent_PanicIsContained(t *testing.T) {
	f := newFixture(t)
	inner := newMarketplace(t, "crashy", goodCreds())
	f.orch.RegisterAgent(&panickyAgent{Agent: inner})

	var ok bool
	require.NotPanics(t, func() { ok = f.orch.StartAgent(context.Background(), "crashy") })
	assert.False(t, ok)
	assert.Empty(t, f.orch.RunningAgents())

	errs := inner.Errors()
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[len(errs)-1].Message, "scraper crashed")
}

func TestStartAllAgents_PartialFailure(t *testing.T) {
	f := newFixture(t)
	const n, k = 6, 2
	for i := 0; i < n; i++ {
		creds := goodCreds()
		if i < k {
			creds = map[string]string{}
		}
		f.orch.RegisterAgent(newMarketplace(t, fmt.Sprintf("agent-%d", i), creds))
	}

	results := f.orch.StartAllAgents(context.Background())
	require.Len(t, results, n)

	failures := 0
	for _, ok := range results {
		if !ok {
			failures++
		}
	}
	assert.Equal(t, k, failures)
	assert.Len(t, f.orch.RunningAgents(), n-k)
	assert.False(t, f.orch.IsRunning())

	for _, a := range f.orch.Agents() {
		if a.Status() == models.AgentStatusRunning {
			assert.True(t, a.IsAuthenticated(), "running agent %s must be authenticated", a.Name())
		}
	}
}

func TestStartAllAgents_AllSucceed(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	f.orch.now = func() time.Time { return now }
	f.orch.config.MaxConcurrency = 2
	for i := 0; i < 5; i++ {
		f.orch.RegisterAgent(newMarketplace(t, fmt.Sprintf("agent-%d", i), goodCreds()))
	}

	results := f.orch.StartAllAgents(context.Background())
	assert.Equal(t, 5, countTrue(results))
	assert.True(t, f.orch.IsRunning())

	now = now.Add(90 * time.Second)
	st := f.orch.Status()
	assert.Equal(t, 5, st.TotalAgents)
	assert.Equal(t, 5, st.RunningAgents)
	assert.InDelta(t, 90, st.UptimeSeconds, 0.001)
	assert.Len(t, st.Agents, 5)

	stopped := f.orch.StopAllAgents(context.Background())
	assert.Equal(t, 5, countTrue(stopped))
	assert.False(t, f.orch.IsRunning())
	assert.Empty(t, f.orch.RunningAgents())
	assert.Equal(t, 5, eventCount(f.bus, models.EventAgentStopped))
	for _, a := range f.orch.Agents() {
		assert.Equal(t, models.AgentStatusIdle, a.Status())
	}
}

func TestStartAllAgents_Empty(t *testing.T) {
	f := newFixture(t)
	assert.Empty(t, f.orch.StartAllAgents(context.Background()))
	assert.False(t, f.orch.IsRunning())
}

func TestQueueAndDrain(t *testing.T) {
	f := newFixture(t)
	a := newMarketplace(t, "shop", goodCreds())
	f.orch.RegisterAgent(a)

	assert.False(t, f.orch.QueueTask("ghost", models.TaskRequest{Type: "get_products"}))
	for i := 0; i < 3; i++ {
		require.True(t, f.orch.QueueTask("shop", models.TaskRequest{
			Type: agent.TaskPostProduct,
			Payload: map[string]any{
				"title": fmt.Sprintf("item %d", i), "description": "d", "category": "c", "price": 10.0,
			},
		}))
	}
	assert.Equal(t, 0, f.orch.DrainQueue(context.Background(), "shop"), "idle agents are not drained")

	require.True(t, f.orch.StartAgent(context.Background(), "shop"))
	assert.Equal(t, 3, f.orch.DrainQueue(context.Background(), "shop"))
	assert.Equal(t, 0, a.PendingTasks())

	products := a.(agent.Lister).Products(context.Background())
	require.Len(t, products, 3)
	assert.Equal(t, "torob_1", products[0].ID)
}

func TestGetAgentStatus(t *testing.T) {
	f := newFixture(t)
	f.orch.RegisterAgent(newMarketplace(t, "shop", goodCreds()))

	snap, ok := f.orch.GetAgentStatus("shop")
	require.True(t, ok)
	assert.Equal(t, models.AgentStatusOffline, snap.Status)

	_, ok = f.orch.GetAgentStatus("ghost")
	assert.False(t, ok)

	all := f.orch.GetAllAgentsStatus()
	assert.Contains(t, all, "shop")
}

func TestExecuteTask_Completes(t *testing.T) {
	f := newFixture(t)
	f.orch.RegisterAgent(newMarketplace(t, "shop", goodCreds()))
	require.True(t, f.orch.StartAgent(context.Background(), "shop"))

	task, err := f.orch.SubmitTask(context.Background(), "shop", agent.TaskPostProduct, map[string]any{
		"title": "Lamp", "description": "Desk lamp", "category": "home", "price": 120.0,
	})
	require.NoError(t, err)

	res := f.orch.ExecuteTask(context.Background(), task.ID)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "torob_1", res.Data["product_id"])

	got, _ := f.sched.GetTask(task.ID)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, 1, eventCount(f.bus, models.EventTaskCompleted))
	assert.Equal(t, 1, eventCount(f.bus, models.EventProductPosted))

	again := f.orch.ExecuteTask(context.Background(), task.ID)
	assert.False(t, again.Success, "terminal tasks are not re-run")
}

func TestExecuteTask_RetriesUntilExhausted(t *testing.T) {
	f := newFixture(t)
	f.orch.RegisterAgent(newMarketplace(t, "alpha", goodCreds()))
	require.True(t, f.orch.StartAgent(context.Background(), "alpha"))

	task, err := f.orch.SubmitTask(context.Background(), "alpha", "launch_rocket", nil, scheduler.WithMaxRetries(3))
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		res := f.orch.ExecuteTask(context.Background(), task.ID)
		require.False(t, res.Success)
		got, _ := f.sched.GetTask(task.ID)
		assert.Equal(t, models.TaskStatusPending, got.Status, "attempt %d should be retried", attempt)
		assert.Equal(t, attempt, got.RetryCount)
	}

	res := f.orch.ExecuteTask(context.Background(), task.ID)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "retries exhausted")

	got, _ := f.sched.GetTask(task.ID)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.True(t, strings.HasPrefix(got.Error, scheduler.ErrRetriesExhausted.Error()))
	assert.NotNil(t, got.CompletedAt)

	assert.Equal(t, 3, f.audit.count("task.retry:failure"))
	assert.Equal(t, 1, f.audit.count("task.exhausted:failure"))
	assert.Equal(t, 1, eventCount(f.bus, models.EventTaskFailed))
}

func TestExecuteTask_BackoffDelaysRetry(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	f.orch.now = func() time.Time { return now }
	f.orch.config.RetryBackoffBase = 10 * time.Second
	f.orch.RegisterAgent(newMarketplace(t, "alpha", goodCreds()))
	require.True(t, f.orch.StartAgent(context.Background(), "alpha"))

	task, _ := f.orch.SubmitTask(context.Background(), "alpha", "launch_rocket", nil)
	f.orch.ExecuteTask(context.Background(), task.ID)

	got, _ := f.sched.GetTask(task.ID)
	assert.Equal(t, now.Add(10*time.Second), got.ScheduledAt)
}

func TestExecuteTask_Rejections(t *testing.T) {
	f := newFixture(t)
	f.orch.RegisterAgent(newMarketplace(t, "shop", goodCreds()))

	_, err := f.orch.SubmitTask(context.Background(), "ghost", "get_products", nil)
	assert.ErrorIs(t, err, ErrAgentNotFound)

	assert.Equal(t, ErrTaskNotFound.Error(), f.orch.ExecuteTask(context.Background(), "missing").Error)

	task, err := f.orch.SubmitTask(context.Background(), "shop", agent.TaskGetProducts, nil)
	require.NoError(t, err)
	res := f.orch.ExecuteTask(context.Background(), task.ID)
	assert.Equal(t, ErrAgentNotRunning.Error(), res.Error)

	got, _ := f.sched.GetTask(task.ID)
	assert.Equal(t, models.TaskStatusPending, got.Status, "rejected execution leaves the task untouched")

	require.True(t, f.sched.ScheduleTask(task.ID, models.ScheduleHourly, 0, nil))
	require.True(t, f.orch.StartAgent(context.Background(), "shop"))
	assert.Equal(t, ErrTaskNotRunnable.Error(), f.orch.ExecuteTask(context.Background(), task.ID).Error)

	bare := New()
	_, err = bare.SubmitTask(context.Background(), "shop", "x", nil)
	assert.ErrorIs(t, err, ErrNoScheduler)
}

func TestDispatchPending(t *testing.T) {
	f := newFixture(t)
	f.orch.RegisterAgent(newMarketplace(t, "running", goodCreds()))
	f.orch.RegisterAgent(newMarketplace(t, "idle", goodCreds()))
	require.True(t, f.orch.StartAgent(context.Background(), "running"))

	var runIDs []string
	for i := 0; i < 3; i++ {
		task, err := f.orch.SubmitTask(context.Background(), "running", agent.TaskGetProducts, nil)
		require.NoError(t, err)
		runIDs = append(runIDs, task.ID)
	}
	idleTask, err := f.orch.SubmitTask(context.Background(), "idle", agent.TaskGetProducts, nil)
	require.NoError(t, err)

	results := f.orch.DispatchPending(context.Background())
	assert.Len(t, results, 3)
	for _, id := range runIDs {
		assert.True(t, results[id].Success)
	}
	_, dispatched := results[idleTask.ID]
	assert.False(t, dispatched)

	got, _ := f.sched.GetTask(idleTask.ID)
	assert.Equal(t, models.TaskStatusPending, got.Status)
}

func TestSchedulerDrivesExecution(t *testing.T) {
	bus := eventbus.New()
	cfg := scheduler.DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	sched := scheduler.New(cfg)
	orch := New(WithPublisher(bus), WithScheduler(sched))
	orch.RegisterAgent(newMarketplace(t, "shop", goodCreds()))
	require.True(t, orch.StartAgent(context.Background(), "shop"))

	task, err := orch.SubmitTask(context.Background(), "shop", agent.TaskGetProducts, nil)
	require.NoError(t, err)

	sched.Start()
	defer sched.Stop()

	require.Eventually(t, func() bool {
		got, _ := sched.GetTask(task.ID)
		return got.Status == models.TaskStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBackoffDuration(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 10 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{5, 160 * time.Second},
		{6, 5 * time.Minute},
		{20, 5 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cfg.backoffDuration(tt.attempt), "attempt %d", tt.attempt)
	}

	assert.Equal(t, time.Duration(0), (&Config{}).backoffDuration(3))
}
