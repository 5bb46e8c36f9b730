// Package static provides a fixed-data vendor connector for demos and tests.
package static

import (
	"context"
	"sync"

	"github.com/fentz26/agentplane/internal/connectors"
	"github.com/fentz26/agentplane/internal/models"
)

// Connector returns canned stats and orders.
type Connector struct {
	name string

	mu       sync.Mutex
	stats    models.VendorStats
	orders   []models.VendorOrder
	loginErr error
	fetchErr error
	calls    map[string]int
}

// New creates a static connector.
func New(name string, stats models.VendorStats, orders []models.VendorOrder) *Connector {
	return &Connector{
		name:   name,
		stats:  stats,
		orders: orders,
		calls:  make(map[string]int),
	}
}

// FailLogin makes subsequent logins return err (nil clears it).
func (c *Connector) FailLogin(err error) *Connector {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loginErr = err
	return c
}

// FailFetch makes subsequent stats and order fetches return err.
func (c *Connector) FailFetch(err error) *Connector {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchErr = err
	return c
}

// SetOrders replaces the canned orders.
func (c *Connector) SetOrders(orders []models.VendorOrder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders = orders
}

// Calls reports how often an operation was invoked.
func (c *Connector) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

func (c *Connector) Name() string { return c.name }

func (c *Connector) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["login"]++
	return c.loginErr
}

func (c *Connector) FetchStats(ctx context.Context) (models.VendorStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["stats"]++
	if c.fetchErr != nil {
		return models.VendorStats{}, c.fetchErr
	}
	return c.stats, nil
}

func (c *Connector) FetchOrders(ctx context.Context) ([]models.VendorOrder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["orders"]++
	if c.fetchErr != nil {
		return nil, c.fetchErr
	}
	out := make([]models.VendorOrder, len(c.orders))
	copy(out, c.orders)
	return out, nil
}

// Demo returns a pair of connectors with plausible sample data.
func Demo() []connectors.Connector {
	return []connectors.Connector{
		New("mihanstore", models.VendorStats{TotalOrders: 3, TotalRevenue: 4_500_000, Balance: 450_000, PendingOrders: 1, Currency: "IRR"},
			[]models.VendorOrder{
				{OrderID: "MS-1001", ProductName: "Desk Lamp", Price: 1_200_000, Commission: 120_000, Status: "delivered"},
				{OrderID: "MS-1002", ProductName: "Wall Clock", Price: 1_800_000, Commission: 180_000, Status: "delivered"},
				{OrderID: "MS-1003", ProductName: "Tea Set", Price: 1_500_000, Commission: 150_000, Status: "pending"},
			}),
		New("manamod", models.VendorStats{TotalOrders: 1, TotalRevenue: 900_000, Balance: 90_000, Currency: "IRR"},
			[]models.VendorOrder{
				{OrderID: "MM-77", ProductName: "Scarf", Price: 900_000, Commission: 90_000, Status: "delivered"},
			}),
	}
}

var _ connectors.Connector = (*Connector)(nil)
