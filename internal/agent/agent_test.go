package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/agentplane/internal/models"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, ev models.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) types() []models.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.EventType, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

func newTestAgent(t *testing.T, platform string, creds map[string]string) Agent {
	t.Helper()
	a, err := New(Config{Platform: platform, Credentials: creds})
	require.NoError(t, err)
	return a
}

func torobCreds() map[string]string {
	return map[string]string{"seller_id": "s-1", "token": "secret-token"}
}

func TestNew_UnknownPlatform(t *testing.T) {
	_, err := New(Config{Platform: "nope"})
	assert.ErrorIs(t, err, ErrUnknownPlatform)
}

func TestNew_VariantByPlatformType(t *testing.T) {
	tests := []struct {
		platform string
		wantType models.AgentType
		check    func(Agent) bool
	}{
		{"torob", models.AgentTypeMarketplace, func(a Agent) bool { _, ok := a.(Lister); return ok }},
		{"telegram", models.AgentTypeMessaging, func(a Agent) bool { _, ok := a.(Messenger); return ok }},
		{"instagram", models.AgentTypeSocial, func(a Agent) bool { _, ok := a.(SocialPoster); return ok }},
		{"mihanstore", models.AgentTypeAffiliate, func(a Agent) bool { _, ok := a.(AffiliateSource); return ok }},
	}
	for _, tt := range tests {
		t.Run(tt.platform, func(t *testing.T) {
			a := newTestAgent(t, tt.platform, nil)
			assert.Equal(t, tt.wantType, a.Type())
			assert.Equal(t, tt.platform, a.Name())
			assert.True(t, tt.check(a))
			assert.Equal(t, models.AgentStatusOffline, a.Status())
		})
	}
}

func TestAuthenticate_MissingCredentials(t *testing.T) {
	a := newTestAgent(t, "torob", map[string]string{"seller_id": "s-1"})

	assert.False(t, a.Authenticate(context.Background()))
	assert.False(t, a.IsAuthenticated())
	assert.Equal(t, models.AgentStatusOffline, a.Status())

	errs := a.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, "configuration", errs[0].Kind)
	assert.Contains(t, errs[0].Message, "token")
}

func TestAuthenticate_AuthFuncFailure(t *testing.T) {
	a, err := New(Config{Platform: "torob", Credentials: torobCreds()},
		WithAuthFunc(func(ctx context.Context, creds map[string]string) error {
			return errors.New("login rejected")
		}))
	require.NoError(t, err)

	assert.False(t, a.Authenticate(context.Background()))
	assert.Equal(t, "authentication", a.Errors()[0].Kind)
}

func TestStart_WithoutAuthentication(t *testing.T) {
	a := newTestAgent(t, "torob", torobCreds())

	err := a.Start(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Equal(t, models.AgentStatusError, a.Status())
	assert.NotEqual(t, models.AgentStatusRunning, a.Status())
}

func TestLifecycle_Transitions(t *testing.T) {
	ctx := context.Background()
	a := newTestAgent(t, "torob", torobCreds())

	require.True(t, a.Authenticate(ctx))
	assert.Equal(t, models.AgentStatusIdle, a.Status())

	require.NoError(t, a.Start(ctx))
	assert.Equal(t, models.AgentStatusRunning, a.Status())
	require.NoError(t, a.Start(ctx), "start is idempotent")

	require.NoError(t, a.Pause(ctx))
	assert.Equal(t, models.AgentStatusPaused, a.Status())
	assert.ErrorIs(t, a.Pause(ctx), ErrInvalidTransition)

	require.NoError(t, a.Resume(ctx))
	assert.Equal(t, models.AgentStatusRunning, a.Status())

	require.NoError(t, a.Stop(ctx))
	assert.Equal(t, models.AgentStatusIdle, a.Status())
	require.NoError(t, a.Stop(ctx), "stop is idempotent")
	assert.Equal(t, models.AgentStatusIdle, a.Status())
}

func TestRunningImpliesAuthenticated(t *testing.T) {
	ctx := context.Background()
	good := newTestAgent(t, "torob", torobCreds())
	bad := newTestAgent(t, "torob", nil)

	ops := []func(Agent){
		func(a Agent) { a.Authenticate(ctx) },
		func(a Agent) { _ = a.Start(ctx) },
		func(a Agent) { _ = a.Pause(ctx) },
		func(a Agent) { _ = a.Resume(ctx) },
		func(a Agent) { _ = a.Stop(ctx) },
		func(a Agent) { a.MarkError(errors.New("boom"), "test", nil) },
		func(a Agent) { _ = a.Start(ctx) },
		func(a Agent) { a.MarkOffline() },
		func(a Agent) { _ = a.Start(ctx) },
	}
	for _, a := range []Agent{good, bad} {
		for i, op := range ops {
			op(a)
			if a.Status() == models.AgentStatusRunning {
				assert.True(t, a.IsAuthenticated(), "step %d: running agent %s must be authenticated", i, a.Name())
			}
		}
	}
}

func TestMarkError_ThenReauthenticate(t *testing.T) {
	ctx := context.Background()
	a := newTestAgent(t, "torob", torobCreds())
	require.True(t, a.Authenticate(ctx))
	require.NoError(t, a.Start(ctx))

	a.MarkError(errors.New("session expired"), "transient", map[string]any{"method": "sync"})
	assert.Equal(t, models.AgentStatusError, a.Status())
	assert.False(t, a.HealthCheck())
	assert.ErrorIs(t, a.Start(ctx), ErrInvalidTransition)

	require.True(t, a.Authenticate(ctx))
	assert.Equal(t, models.AgentStatusIdle, a.Status())
	assert.True(t, a.HealthCheck())
}

func TestWaitForStatus(t *testing.T) {
	ctx := context.Background()
	a := newTestAgent(t, "torob", torobCreds())
	require.True(t, a.Authenticate(ctx))

	done := make(chan error, 1)
	go func() {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		done <- a.WaitForStatus(waitCtx, models.AgentStatusRunning)
	}()

	require.NoError(t, a.Start(ctx))
	require.NoError(t, <-done)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.WaitForStatus(short, models.AgentStatusPaused), context.DeadlineExceeded)
}

func TestDone_ClosedOnStop(t *testing.T) {
	ctx := context.Background()
	a := NewMarketplaceAgent(NewBase("torob", catalog["torob"], torobCreds(), nil))
	require.True(t, a.Authenticate(ctx))
	require.NoError(t, a.Start(ctx))

	done := a.Done()
	select {
	case <-done:
		t.Fatal("done closed while running")
	default:
	}

	require.NoError(t, a.Stop(ctx))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("done not closed after stop")
	}
}

func TestQueue_FIFO(t *testing.T) {
	a := newTestAgent(t, "telegram", map[string]string{"bot_token": "x"})
	for _, id := range []string{"a", "b", "c"} {
		a.QueueTask(models.TaskRequest{TaskID: id, Type: TaskGetMessages})
	}
	assert.Equal(t, 3, a.PendingTasks())
	assert.Equal(t, 3, a.Snapshot().PendingTasks)

	var got []string
	for {
		req, ok := a.DequeueTask()
		if !ok {
			break
		}
		got = append(got, req.TaskID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestProcessTask_UnknownType(t *testing.T) {
	for _, platform := range []string{"torob", "telegram", "tiktok", "mihanstore"} {
		t.Run(platform, func(t *testing.T) {
			a := newTestAgent(t, platform, nil)
			res := a.ProcessTask(context.Background(), models.TaskRequest{Type: "launch_rocket"})
			assert.False(t, res.Success)
			assert.Contains(t, res.Error, "unknown task type: launch_rocket")
			assert.Equal(t, "unknown_task_type", a.Errors()[0].Kind)
		})
	}
}

func TestSnapshotAndConfig_HideCredentials(t *testing.T) {
	a, err := New(Config{Name: "shop", Platform: "torob", Credentials: torobCreds(), Settings: map[string]any{"region": "ir"}})
	require.NoError(t, err)
	a.Authenticate(context.Background())

	cfg := a.Config()
	assert.Equal(t, []string{"seller_id", "token"}, cfg.CredentialKeys)
	assert.Equal(t, "ir", cfg.Settings["region"])

	snap := a.Snapshot()
	assert.Equal(t, "shop", snap.Name)
	assert.Equal(t, "torob", snap.Platform)
	assert.True(t, snap.Authenticated)
}

func TestMarketplace_ProductLifecycle(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	a := newTestAgent(t, "torob", torobCreds())
	a.SetPublisher(pub)

	res := a.ProcessTask(ctx, models.TaskRequest{Type: TaskPostProduct, Payload: map[string]any{
		"title": "Mug", "description": "Ceramic", "category": "kitchen", "price": 120.0,
	}})
	require.True(t, res.Success, res.Error)
	id := res.Data["product_id"].(string)
	assert.Equal(t, "torob_1", id)
	assert.Equal(t, "https://torob.com/detail/torob_1", res.Data["url"])

	res = a.ProcessTask(ctx, models.TaskRequest{Type: TaskUpdateProduct, Payload: map[string]any{
		"product_id": id, "data": map[string]any{"price": 150.0},
	}})
	require.True(t, res.Success, res.Error)
	products := a.(Lister).Products(ctx)
	require.Len(t, products, 1)
	assert.Equal(t, 150.0, products[0].Price)
	assert.Equal(t, "Mug", products[0].Title)

	res = a.ProcessTask(ctx, models.TaskRequest{Type: TaskDeleteProduct, Payload: map[string]any{"product_id": id}})
	require.True(t, res.Success, res.Error)
	assert.Empty(t, a.(Lister).Products(ctx))

	res = a.ProcessTask(ctx, models.TaskRequest{Type: TaskDeleteProduct, Payload: map[string]any{"product_id": id}})
	assert.False(t, res.Success)

	assert.Equal(t, []models.EventType{models.EventProductPosted, models.EventProductUpdated, models.EventProductDeleted}, pub.types())
}

func TestMarketplace_PostRequiresFields(t *testing.T) {
	a := newTestAgent(t, "basalam", nil)
	res := a.ProcessTask(context.Background(), models.TaskRequest{Type: TaskPostProduct, Payload: map[string]any{"title": "x"}})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "required")
}

func TestMessaging_AutoResponse(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	a := newTestAgent(t, "telegram", map[string]string{"bot_token": "x"})
	a.SetPublisher(pub)
	m := a.(Messenger)

	reply, err := m.HandleMessage(ctx, Message{ChatID: "c1", From: "alice", Text: "price?"})
	require.NoError(t, err)
	assert.Empty(t, reply)

	m.SetAutoResponse("we will answer soon")
	reply, err = m.HandleMessage(ctx, Message{ChatID: "c1", From: "alice", Text: "hello?"})
	require.NoError(t, err)
	assert.Equal(t, "we will answer soon", reply)

	msgs := m.Messages("c1", 0)
	require.Len(t, msgs, 3)
	assert.True(t, msgs[0].Incoming)
	assert.False(t, msgs[2].Incoming)
	assert.Len(t, m.Messages("c1", 2), 2)

	assert.Equal(t, []models.EventType{models.EventMessageReceived, models.EventMessageReceived}, pub.types())
}

func TestSocial_PostAndAnalytics(t *testing.T) {
	ctx := context.Background()
	a := newTestAgent(t, "twitter", map[string]string{"api_key": "k"})

	res := a.ProcessTask(ctx, models.TaskRequest{Type: TaskPostContent, Payload: map[string]any{"content": "new arrivals"}})
	require.True(t, res.Success, res.Error)
	a.ProcessTask(ctx, models.TaskRequest{Type: TaskAddFollower, Payload: map[string]any{"username": "bob"}})
	a.ProcessTask(ctx, models.TaskRequest{Type: TaskAddFollower, Payload: map[string]any{"username": "bob"}})

	an := a.(SocialPoster).Analytics(ctx)
	assert.Equal(t, 1, an.Posts)
	assert.Equal(t, 1, an.Followers)
	assert.NotNil(t, an.LastPostAt)
}

func TestAffiliate_SalesAndVendorView(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	a, err := New(Config{Platform: "mihanstore", Credentials: map[string]string{"shop_id": "1", "token": "t"}})
	require.NoError(t, err)
	a.SetPublisher(pub)
	aff := a.(*AffiliateAgent)

	_, err = aff.RecordSale(ctx, Sale{OrderID: "o1", ProductName: "Lamp", Price: 200})
	require.NoError(t, err)
	_, err = aff.RecordSale(ctx, Sale{OrderID: "o2", ProductName: "Rug", Price: 100, Commission: 30, Status: "delivered"})
	require.NoError(t, err)

	c := aff.Commissions(ctx)
	assert.InDelta(t, 50.0, c.Total, 1e-9)
	assert.Equal(t, defaultCommissionRate, c.Rate)

	require.NoError(t, aff.Login(ctx))
	stats, err := aff.FetchStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalOrders)
	assert.Equal(t, 1, stats.PendingOrders)
	assert.InDelta(t, 300.0, stats.TotalRevenue, 1e-9)

	orders, err := aff.FetchOrders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "o1", orders[0].OrderID)

	assert.Equal(t, []models.EventType{models.EventSaleRecorded, models.EventSaleRecorded}, pub.types())
}

func TestAffiliate_LoginFailsWithoutCredentials(t *testing.T) {
	a := newTestAgent(t, "mihanstore", nil).(*AffiliateAgent)
	assert.ErrorIs(t, a.Login(context.Background()), ErrNotAuthenticated)
}

func TestErrorLog_Bounded(t *testing.T) {
	a := newTestAgent(t, "torob", nil)
	for i := 0; i < maxErrorLog+10; i++ {
		a.LogError(errors.New("x"), "test", nil)
	}
	assert.Len(t, a.Errors(), maxErrorLog)
}
