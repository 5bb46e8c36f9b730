// Package vendorsync fans a sync job out to every configured vendor and
// aggregates the outcomes.
package vendorsync

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
	"github.com/fentz26/agentplane/internal/connectors"
	"github.com/fentz26/agentplane/internal/metrics"
	"github.com/fentz26/agentplane/internal/models"
)

// Sentinel errors for sync operations.
var (
	ErrNoVendors      = errors.New("no vendors configured")
	ErrUnknownVendor  = errors.New("unknown vendor")
	ErrConnectorPanic = errors.New("connector panicked")
)

// Connector is the vendor source contract.
type Connector = connectors.Connector

// Storage is the idempotent persistence the coordinator relies on. A second
// UpsertOrder for the same vendor and order id must update, not insert.
type Storage interface {
	EnsureVendor(ctx context.Context, name, displayName string) (*models.Vendor, error)
	UpsertOrder(ctx context.Context, vendor string, o models.VendorOrder) (*models.Order, bool, error)
	SaveDailyStats(ctx context.Context, vendor, date string, st models.VendorStats) error
	CreateSyncLog(ctx context.Context, vendor string) (*models.SyncLog, error)
	CompleteSyncLog(ctx context.Context, l *models.SyncLog) error
}

// Auditor records sync decisions.
type Auditor interface {
	Record(action string, inputs interface{}, outcome, subject, details string) (*models.PDREntry, error)
}

// AgentSource lists agents that may double as vendor connectors.
type AgentSource interface {
	Agents() []agent.Agent
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithConfig sets the coordinator tuning.
func WithConfig(cfg *Config) Option {
	return func(c *Coordinator) {
		if cfg != nil {
			c.config = cfg
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithStorage sets the persistence collaborator.
func WithStorage(s Storage) Option {
	return func(c *Coordinator) { c.store = s }
}

// WithPublisher sets the event sink.
func WithPublisher(p agent.Publisher) Option {
	return func(c *Coordinator) { c.bus = p }
}

// WithAuditor sets the decision record writer.
func WithAuditor(a Auditor) Option {
	return func(c *Coordinator) { c.audit = a }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

type vendorEntry struct {
	conn     Connector
	breaker  CircuitBreaker
	limiter  *RateLimiter
	syncLock sync.Mutex
}

// Coordinator syncs vendors concurrently and keeps the latest result per vendor.
type Coordinator struct {
	config  *Config
	logger  *zap.Logger
	store   Storage
	bus     agent.Publisher
	audit   Auditor
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.RWMutex
	vendors map[string]*vendorEntry
	last    map[string]models.SyncResult
}

// New creates a Coordinator.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		config:  DefaultConfig(),
		logger:  zap.NewNop(),
		now:     time.Now,
		vendors: make(map[string]*vendorEntry),
		last:    make(map[string]models.SyncResult),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("vendorsync")
	return c
}

// AddConnector registers a vendor. An existing vendor with the same name is replaced.
func (c *Coordinator) AddConnector(conn Connector) {
	name := conn.Name()
	entry := &vendorEntry{
		conn:    conn,
		breaker: NewCircuitBreaker(name, c.config.Breaker, c.logger),
		limiter: NewRateLimiter(c.config.RequestsPerMinute, c.config.Burst),
	}

	c.mu.Lock()
	_, replaced := c.vendors[name]
	c.vendors[name] = entry
	c.mu.Unlock()

	if replaced {
		c.logger.Warn("vendor_replaced", zap.String("vendor", name))
	}
	c.logger.Info("vendor_added", zap.String("vendor", name))
}

// RemoveConnector unregisters a vendor.
func (c *Coordinator) RemoveConnector(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.vendors[name]; !ok {
		return false
	}
	delete(c.vendors, name)
	delete(c.last, name)
	return true
}

// Vendors returns registered vendor names in order.
func (c *Coordinator) Vendors() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.vendors))
	for name := range c.vendors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DiscoverAgents registers every agent that also implements Connector and
// returns how many were added.
func (c *Coordinator) DiscoverAgents(src AgentSource) int {
	n := 0
	for _, a := range src.Agents() {
		conn, ok := a.(Connector)
		if !ok {
			continue
		}
		c.AddConnector(conn)
		n++
	}
	return n
}

// SyncAllVendors syncs every vendor concurrently. One vendor's failure never
// affects the others; the summary succeeds only when none failed.
func (c *Coordinator) SyncAllVendors(ctx context.Context) models.SyncSummary {
	started := c.now()
	summary := models.SyncSummary{
		Timestamp:        started.UTC(),
		PerVendorResults: make(map[string]models.SyncResult),
	}

	names := c.Vendors()
	if len(names) == 0 {
		summary.Error = ErrNoVendors.Error()
		c.logger.Warn("sync_all_skipped", zap.Error(ErrNoVendors))
		return summary
	}

	var mu sync.Mutex
	var g errgroup.Group
	if c.config.MaxConcurrency > 0 {
		g.SetLimit(c.config.MaxConcurrency)
	}
	for _, name := range names {
		name := name
		g.Go(func() error {
			res := c.SyncVendor(ctx, name)
			mu.Lock()
			summary.PerVendorResults[name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	summary.TotalVendors = len(names)
	for _, res := range summary.PerVendorResults {
		if res.Success {
			summary.Successful++
		} else {
			summary.Failed++
		}
	}
	summary.Success = summary.Failed == 0
	summary.DurationSeconds = c.now().Sub(started).Seconds()

	c.logger.Info("sync_all_completed",
		zap.Int("vendors", summary.TotalVendors),
		zap.Int("successful", summary.Successful),
		zap.Int("failed", summary.Failed),
		zap.Float64("duration_seconds", summary.DurationSeconds),
	)
	outcome := audit.OutcomeSuccess
	if !summary.Success {
		outcome = audit.OutcomeFailure
	}
	c.record("vendor.sync_all", names, outcome, "", fmt.Sprintf("%d/%d vendors synced", summary.Successful, summary.TotalVendors))
	c.publish(ctx, models.EventCustom, "vendorsync", map[string]any{
		"action":     "sync_completed",
		"successful": summary.Successful,
		"failed":     summary.Failed,
	})
	return summary
}

// SyncVendor runs login, stats, orders and persistence for one vendor as a
// unit. Any failure, including a panic, yields an unsuccessful result.
func (c *Coordinator) SyncVendor(ctx context.Context, name string) (res models.SyncResult) {
	started := c.now()
	res = models.SyncResult{VendorName: name, Timestamp: started.UTC()}

	c.mu.RLock()
	entry, ok := c.vendors[name]
	c.mu.RUnlock()
	if !ok {
		res.Error = fmt.Sprintf("%s: %s", ErrUnknownVendor, name)
		return res
	}

	// One sync per vendor at a time keeps the sync log and upserts coherent.
	entry.syncLock.Lock()
	defer entry.syncLock.Unlock()

	var syncLog *models.SyncLog
	defer func() {
		if r := recover(); r != nil {
			res.Success = false
			res.Error = fmt.Sprintf("%s: %v", ErrConnectorPanic, r)
			c.logger.Error("vendor_sync_panic", zap.String("vendor", name), zap.Any("panic", r))
		}
		c.finish(ctx, &res, syncLog, started)
	}()

	if err := entry.limiter.Wait(ctx); err != nil {
		res.Error = fmt.Sprintf("rate limit: %v", err)
		return res
	}

	if c.store != nil {
		if _, err := c.store.EnsureVendor(ctx, name, name); err != nil {
			res.Error = fmt.Sprintf("ensure vendor: %v", err)
			return res
		}
		l, err := c.store.CreateSyncLog(ctx, name)
		if err != nil {
			res.Error = fmt.Sprintf("create sync log: %v", err)
			return res
		}
		syncLog = l
	}

	var stats models.VendorStats
	var orders []models.VendorOrder
	err := entry.breaker.Execute(func() error {
		if err := entry.conn.Login(ctx); err != nil {
			return fmt.Errorf("login: %w", err)
		}
		var err error
		if stats, err = entry.conn.FetchStats(ctx); err != nil {
			return fmt.Errorf("fetch stats: %w", err)
		}
		if orders, err = entry.conn.FetchOrders(ctx); err != nil {
			return fmt.Errorf("fetch orders: %w", err)
		}
		return nil
	})
	if err != nil {
		res.Error = err.Error()
		return res
	}

	res.Stats = &stats
	res.Orders = orders
	res.OrdersCount = len(orders)

	if err := c.persist(ctx, name, &res); err != nil {
		res.Error = err.Error()
		return res
	}

	res.Success = true
	return res
}

// persist writes stats and orders and publishes the resulting events.
func (c *Coordinator) persist(ctx context.Context, vendor string, res *models.SyncResult) error {
	if c.store != nil {
		date := c.now().UTC().Format("2006-01-02")
		if err := c.store.SaveDailyStats(ctx, vendor, date, *res.Stats); err != nil {
			return fmt.Errorf("save daily stats: %w", err)
		}
	}
	c.publish(ctx, models.EventInventoryUpdated, vendor, map[string]any{
		"vendor":         vendor,
		"total_orders":   res.Stats.TotalOrders,
		"total_revenue":  res.Stats.TotalRevenue,
		"balance":        res.Stats.Balance,
		"pending_orders": res.Stats.PendingOrders,
	})

	if c.store == nil {
		return nil
	}
	for _, o := range res.Orders {
		_, isNew, err := c.store.UpsertOrder(ctx, vendor, o)
		if err != nil {
			return fmt.Errorf("upsert order %s: %w", o.OrderID, err)
		}
		if !isNew {
			res.UpdatedOrders++
			continue
		}
		res.NewOrders++
		c.publish(ctx, models.EventSaleRecorded, vendor, map[string]any{
			"vendor":     vendor,
			"order_id":   o.OrderID,
			"product":    o.ProductName,
			"price":      o.Price,
			"commission": o.Commission,
		})
	}
	return nil
}

// finish closes the sync log and records the outcome.
func (c *Coordinator) finish(ctx context.Context, res *models.SyncResult, syncLog *models.SyncLog, started time.Time) {
	elapsed := c.now().Sub(started)

	if syncLog != nil {
		syncLog.Status = models.SyncLogSuccess
		if !res.Success {
			syncLog.Status = models.SyncLogFailed
		}
		syncLog.OrdersSynced = res.OrdersCount
		syncLog.NewOrders = res.NewOrders
		syncLog.UpdatedOrders = res.UpdatedOrders
		syncLog.Error = res.Error
		if err := c.store.CompleteSyncLog(context.WithoutCancel(ctx), syncLog); err != nil {
			c.logger.Warn("sync_log_complete_failed", zap.String("vendor", res.VendorName), zap.Error(err))
		}
	}

	c.mu.Lock()
	if _, ok := c.vendors[res.VendorName]; ok {
		c.last[res.VendorName] = *res
	}
	c.mu.Unlock()

	c.metrics.RecordVendorSync(ctx, res.VendorName, res.Success, elapsed)
	if res.Success {
		c.logger.Info("vendor_synced",
			zap.String("vendor", res.VendorName),
			zap.Int("orders", res.OrdersCount),
			zap.Int("new_orders", res.NewOrders),
			zap.Duration("duration", elapsed),
		)
		return
	}
	c.logger.Warn("vendor_sync_failed", zap.String("vendor", res.VendorName), zap.String("error", res.Error))
}

// LastResults returns the most recent result per vendor.
func (c *Coordinator) LastResults() map[string]models.SyncResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]models.SyncResult, len(c.last))
	for k, v := range c.last {
		out[k] = v
	}
	return out
}

// UnifiedReport totals the latest successful stats across vendors. Vendors
// whose latest sync failed are listed in Failed.
func (c *Coordinator) UnifiedReport() models.UnifiedReport {
	report := models.UnifiedReport{
		Vendors:     make(map[string]models.VendorStats),
		GeneratedAt: c.now().UTC(),
	}
	for name, res := range c.LastResults() {
		if !res.Success || res.Stats == nil {
			report.Failed = append(report.Failed, name)
			continue
		}
		report.Vendors[name] = *res.Stats
		report.TotalOrders += res.Stats.TotalOrders
		report.TotalRevenue += res.Stats.TotalRevenue
		report.TotalBalance += res.Stats.Balance
	}
	sort.Strings(report.Failed)
	return report
}

// TestAllLogins checks every vendor's credentials concurrently.
func (c *Coordinator) TestAllLogins(ctx context.Context) map[string]models.LoginResult {
	c.mu.RLock()
	entries := make(map[string]*vendorEntry, len(c.vendors))
	for name, e := range c.vendors {
		entries[name] = e
	}
	c.mu.RUnlock()

	results := make(map[string]models.LoginResult, len(entries))
	var mu sync.Mutex
	var g errgroup.Group
	if c.config.MaxConcurrency > 0 {
		g.SetLimit(c.config.MaxConcurrency)
	}
	for name, e := range entries {
		name, e := name, e
		g.Go(func() error {
			res := models.LoginResult{VendorName: name}
			if err := loginSafely(ctx, e.conn); err != nil {
				res.Error = err.Error()
			} else {
				res.Success = true
			}
			mu.Lock()
			results[name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func loginSafely(ctx context.Context, conn Connector) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrConnectorPanic, r)
		}
	}()
	return conn.Login(ctx)
}

func (c *Coordinator) publish(ctx context.Context, typ models.EventType, source string, data map[string]any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(ctx, models.Event{
		Type:     typ,
		Source:   source,
		Data:     data,
		Priority: models.DefaultPriority,
	})
}

func (c *Coordinator) record(action string, inputs interface{}, outcome, subject, details string) {
	if c.audit == nil {
		return
	}
	c.audit.Record(action, inputs, outcome, subject, details)
}
