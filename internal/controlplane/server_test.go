package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/agentplane/internal/agent"
	"github.com/fentz26/agentplane/internal/audit"
	"github.com/fentz26/agentplane/internal/connectors/static"
	"github.com/fentz26/agentplane/internal/eventbus"
	"github.com/fentz26/agentplane/internal/models"
	"github.com/fentz26/agentplane/internal/orchestrator"
	"github.com/fentz26/agentplane/internal/scheduler"
	"github.com/fentz26/agentplane/internal/store"
	"github.com/fentz26/agentplane/internal/vendorsync"
)

type testEnv struct {
	server *Server
	store  *store.Store
	bus    *eventbus.Bus
	sched  *scheduler.Scheduler
	orch   *orchestrator.Orchestrator
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	pdr := audit.NewPDRWriter(st, nil)
	bus := eventbus.New()
	sched := scheduler.New(scheduler.DefaultConfig())

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.RetryBackoffBase = 0
	orch := orchestrator.New(
		orchestrator.WithConfig(orchCfg),
		orchestrator.WithPublisher(bus),
		orchestrator.WithScheduler(sched),
		orchestrator.WithAuditor(pdr),
	)

	shop, err := agent.New(agent.Config{Name: "shop", Platform: "torob", Credentials: map[string]string{"seller_id": "s-1", "token": "tok"}})
	require.NoError(t, err)
	orch.RegisterAgent(shop)
	broken, err := agent.New(agent.Config{Name: "broken", Platform: "torob"})
	require.NoError(t, err)
	orch.RegisterAgent(broken)

	syncCfg := vendorsync.DefaultConfig()
	syncCfg.RequestsPerMinute = 0
	coord := vendorsync.New(
		vendorsync.WithConfig(syncCfg),
		vendorsync.WithStorage(st),
		vendorsync.WithPublisher(bus),
	)
	coord.AddConnector(static.New("alpha", models.VendorStats{TotalOrders: 1, TotalRevenue: 100, Balance: 10},
		[]models.VendorOrder{{OrderID: "A1", Price: 100, Commission: 10, Status: "pending"}}))

	service := NewService(Deps{
		Orchestrator: orch,
		Scheduler:    sched,
		Bus:          bus,
		Sync:         coord,
		Store:        st,
		PDR:          pdr,
	})
	return &testEnv{
		server: NewServer(service, "127.0.0.1:0", nil),
		store:  st,
		bus:    bus,
		sched:  sched,
		orch:   orch,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealthEndpoint_OK(t *testing.T) {
	env := newTestServer(t)

	w := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))

	health := decode[HealthResponse](t, w)
	assert.True(t, health.OK)
	assert.Equal(t, "ok", health.DB)
	assert.NotEmpty(t, health.Version)
	assert.NotEmpty(t, health.Time)
	assert.Equal(t, 2, health.Agents)
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	env := newTestServer(t)
	w := env.do(t, http.MethodPost, "/health", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthEndpoint_DBError(t *testing.T) {
	env := newTestServer(t)
	env.store.Close()

	w := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	health := decode[HealthResponse](t, w)
	assert.False(t, health.OK)
	assert.NotEqual(t, "ok", health.DB)
}

func TestAgentEndpoints(t *testing.T) {
	env := newTestServer(t)

	agents := decode[[]models.AgentSnapshot](t, env.do(t, http.MethodGet, "/agents", nil))
	require.Len(t, agents, 2)
	assert.Equal(t, "broken", agents[0].Name)

	w := env.do(t, http.MethodPost, "/agents/shop/start", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	snap := decode[models.AgentSnapshot](t, env.do(t, http.MethodGet, "/agents/shop", nil))
	assert.Equal(t, models.AgentStatusRunning, snap.Status)
	assert.True(t, snap.Authenticated)

	w = env.do(t, http.MethodPost, "/agents/broken/start", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodGet, "/agents/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = env.do(t, http.MethodPost, "/agents/ghost/start", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/agents/shop/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, env.orch.IsAgentRunning("shop"))
}

func TestStartAllEndpoint(t *testing.T) {
	env := newTestServer(t)

	results := decode[map[string]bool](t, env.do(t, http.MethodPost, "/agents/start-all", nil))
	assert.Equal(t, map[string]bool{"shop": true, "broken": false}, results)

	results = decode[map[string]bool](t, env.do(t, http.MethodPost, "/agents/stop-all", nil))
	assert.Equal(t, map[string]bool{"shop": true}, results)
}

func TestTaskLifecycle(t *testing.T) {
	env := newTestServer(t)
	require.True(t, env.orch.StartAgent(context.Background(), "shop"))

	w := env.do(t, http.MethodPost, "/tasks", map[string]any{
		"agent_name": "shop",
		"task_type":  agent.TaskPostProduct,
		"payload":    map[string]any{"title": "Lamp", "description": "Desk lamp", "category": "home", "price": 120.0},
		"priority":   8,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	task := decode[models.Task](t, w)
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.Equal(t, 8, task.Priority)

	pending := decode[[]models.Task](t, env.do(t, http.MethodGet, "/tasks?status=pending&agent=shop", nil))
	require.Len(t, pending, 1)

	res := decode[models.TaskResult](t, env.do(t, http.MethodPost, "/tasks/"+task.ID+"/execute", nil))
	require.True(t, res.Success, res.Error)

	got := decode[models.Task](t, env.do(t, http.MethodGet, "/tasks/"+task.ID, nil))
	assert.Equal(t, models.TaskStatusCompleted, got.Status)

	w = env.do(t, http.MethodPost, "/tasks/"+task.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code, "terminal tasks cannot be cancelled")

	entries, err := env.store.ListPDR(context.Background(), task.ID, 0)
	require.NoError(t, err)
	actions := make([]string, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, "task.create")
	assert.Contains(t, actions, "task.cancel")
}

func TestTaskPauseResumeCancel(t *testing.T) {
	env := newTestServer(t)
	task := decode[models.Task](t, env.do(t, http.MethodPost, "/tasks", map[string]any{
		"agent_name": "shop", "task_type": agent.TaskGetProducts,
	}))

	paused := decode[models.Task](t, env.do(t, http.MethodPost, "/tasks/"+task.ID+"/pause", nil))
	assert.Equal(t, models.TaskStatusPaused, paused.Status)
	resumed := decode[models.Task](t, env.do(t, http.MethodPost, "/tasks/"+task.ID+"/resume", nil))
	assert.Equal(t, models.TaskStatusPending, resumed.Status)
	cancelled := decode[models.Task](t, env.do(t, http.MethodPost, "/tasks/"+task.ID+"/cancel", nil))
	assert.Equal(t, models.TaskStatusCancelled, cancelled.Status)
}

func TestCreateTask_Errors(t *testing.T) {
	env := newTestServer(t)

	w := env.do(t, http.MethodPost, "/tasks", map[string]any{"task_type": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/tasks", map[string]any{"agent_name": "ghost", "task_type": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/tasks", map[string]any{"agent_name": "shop", "task_type": "x", "schedule": "fortnightly"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, env.sched.ListTasks(models.TaskStatusPending), "rejected schedules leave no runnable task")

	w = env.do(t, http.MethodGet, "/tasks?status=sleeping", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateTask_Scheduled(t *testing.T) {
	env := newTestServer(t)
	w := env.do(t, http.MethodPost, "/tasks", map[string]any{
		"agent_name":       "shop",
		"task_type":        agent.TaskGetProducts,
		"schedule":         "custom",
		"interval_minutes": 15,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	task := decode[models.Task](t, w)

	schedules := decode[[]models.ScheduleEntry](t, env.do(t, http.MethodGet, "/tasks/schedules", nil))
	require.Len(t, schedules, 1)
	assert.Equal(t, task.ID, schedules[0].TaskID)
	assert.Equal(t, 15, schedules[0].IntervalMinutes)

	res := decode[models.TaskResult](t, env.do(t, http.MethodPost, "/tasks/"+task.ID+"/execute", nil))
	assert.False(t, res.Success, "templates are not executed directly")
}

func TestEventEndpoints(t *testing.T) {
	env := newTestServer(t)
	ctx := context.Background()
	env.bus.Publish(ctx, models.Event{Type: models.EventSaleRecorded, Source: "alpha"})
	env.bus.Publish(ctx, models.Event{Type: models.EventCustom, Source: "cli"})

	all := decode[[]models.Event](t, env.do(t, http.MethodGet, "/events", nil))
	assert.Len(t, all, 2)

	sales := decode[[]models.Event](t, env.do(t, http.MethodGet, "/events?type=sale_recorded&limit=5", nil))
	require.Len(t, sales, 1)
	assert.Equal(t, "alpha", sales[0].Source)

	w := env.do(t, http.MethodGet, "/events?type=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	stats := decode[models.EventStatistics](t, env.do(t, http.MethodGet, "/events/stats", nil))
	assert.Equal(t, 2, stats.TotalEvents)
}

func TestSyncEndpoints(t *testing.T) {
	env := newTestServer(t)

	summary := decode[models.SyncSummary](t, env.do(t, http.MethodPost, "/sync", nil))
	assert.True(t, summary.Success)
	assert.Equal(t, 1, summary.Successful)

	res := decode[models.SyncResult](t, env.do(t, http.MethodPost, "/sync/alpha", nil))
	assert.True(t, res.Success, res.Error)
	assert.Equal(t, 0, res.NewOrders)

	w := env.do(t, http.MethodPost, "/sync/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	report := decode[models.UnifiedReport](t, env.do(t, http.MethodGet, "/sync/report", nil))
	assert.Equal(t, 100.0, report.TotalRevenue)

	history := decode[[]models.SyncLog](t, env.do(t, http.MethodGet, "/sync/history?vendor=alpha", nil))
	assert.Len(t, history, 2)

	orders := decode[[]models.Order](t, env.do(t, http.MethodGet, "/sync/orders?vendor=alpha", nil))
	require.Len(t, orders, 1)
	assert.Equal(t, "A1", orders[0].OrderID)
}

func TestEventStream(t *testing.T) {
	env := newTestServer(t)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events/stream?type=sale_recorded"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription is registered after the upgrade completes.
	require.Eventually(t, func() bool {
		return env.bus.Statistics().WildcardCount == 1
	}, time.Second, 5*time.Millisecond)

	env.bus.Publish(context.Background(), models.Event{Type: models.EventCustom, Source: "noise"})
	env.bus.Publish(context.Background(), models.Event{Type: models.EventSaleRecorded, Source: "alpha"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev models.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, models.EventSaleRecorded, ev.Type)
	assert.Equal(t, "alpha", ev.Source)

	conn.Close()
	assert.Eventually(t, func() bool {
		return env.bus.Statistics().WildcardCount == 0
	}, time.Second, 5*time.Millisecond, "closing the socket unsubscribes")
}

func TestEventStream_BadType(t *testing.T) {
	env := newTestServer(t)
	w := env.do(t, http.MethodGet, "/events/stream?type=nope", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{ErrTaskNotFound, http.StatusNotFound},
		{ErrTransition, http.StatusConflict},
		{ErrInvalidStatus, http.StatusBadRequest},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		writeError(c, tt.err)
		assert.Equal(t, tt.code, w.Code, tt.err.Error())
	}
}
