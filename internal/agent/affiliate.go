package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fentz26/agentplane/internal/models"
)

// Affiliate task kinds.
const (
	TaskGetAffiliateProducts = "get_products"
	TaskGetSales             = "get_sales"
	TaskGetCommissions       = "get_commissions"
	TaskRecordSale           = "record_sale"
	TaskAddProduct           = "add_product"
)

const defaultCommissionRate = 0.10

// AffiliateProduct is a product promoted through an affiliate store.
type AffiliateProduct struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Price          float64 `json:"price"`
	CommissionRate float64 `json:"commission_rate,omitempty"`
}

// Sale is one affiliate sale.
type Sale struct {
	OrderID      string    `json:"order_id"`
	ProductName  string    `json:"product_name"`
	Price        float64   `json:"price"`
	Commission   float64   `json:"commission"`
	Status       string    `json:"status"`
	TrackingCode string    `json:"tracking_code,omitempty"`
	SoldAt       time.Time `json:"sold_at"`
}

// Commissions summarizes earned commission.
type Commissions struct {
	Total       float64    `json:"total_commission"`
	Rate        float64    `json:"commission_rate"`
	LastUpdated *time.Time `json:"last_updated,omitempty"`
}

// AffiliateAgent tracks affiliate products and sales. It also satisfies the
// vendor sync connector contract so its sales can be persisted.
type AffiliateAgent struct {
	*Base

	dataMu   sync.Mutex
	products map[string]AffiliateProduct
	sales    []Sale
	total    float64
	rate     float64
}

// NewAffiliateAgent wraps base with affiliate support.
func NewAffiliateAgent(base *Base) *AffiliateAgent {
	a := &AffiliateAgent{Base: base, products: make(map[string]AffiliateProduct), rate: defaultCommissionRate}
	if v, ok := base.setting("commission_rate"); ok {
		if r, ok := v.(float64); ok && r > 0 {
			a.rate = r
		}
	}
	return a
}

// ProcessTask dispatches affiliate task kinds.
func (a *AffiliateAgent) ProcessTask(ctx context.Context, req models.TaskRequest) models.TaskResult {
	a.Touch()

	switch req.Type {
	case TaskGetAffiliateProducts:
		return models.TaskResult{Success: true, Data: map[string]any{"products": a.AffiliateProducts(ctx)}}

	case TaskGetSales:
		return models.TaskResult{Success: true, Data: map[string]any{"sales": a.Sales(ctx)}}

	case TaskGetCommissions:
		c := a.Commissions(ctx)
		return models.TaskResult{Success: true, Data: map[string]any{"total_commission": c.Total, "commission_rate": c.Rate}}

	case TaskRecordSale:
		var s Sale
		if err := decodePayload(req.Payload, &s); err != nil {
			return a.failTask(req, err)
		}
		recorded, err := a.RecordSale(ctx, s)
		if err != nil {
			return a.failTask(req, err)
		}
		return models.TaskResult{Success: true, Data: map[string]any{"order_id": recorded.OrderID, "commission": recorded.Commission}}

	case TaskAddProduct:
		var p AffiliateProduct
		if err := decodePayload(req.Payload, &p); err != nil {
			return a.failTask(req, err)
		}
		if p.ID == "" || p.Name == "" {
			return a.failTask(req, fmt.Errorf("%w: id and name are required", ErrInvalidPayload))
		}
		a.dataMu.Lock()
		a.products[p.ID] = p
		a.dataMu.Unlock()
		return models.TaskResult{Success: true, Data: map[string]any{"product_id": p.ID}}

	default:
		return a.unknownTask(req)
	}
}

// AffiliateProducts returns the promoted products.
func (a *AffiliateAgent) AffiliateProducts(ctx context.Context) []AffiliateProduct {
	a.dataMu.Lock()
	defer a.dataMu.Unlock()
	out := make([]AffiliateProduct, 0, len(a.products))
	for _, p := range a.products {
		out = append(out, p)
	}
	return out
}

// Commissions returns the running commission total.
func (a *AffiliateAgent) Commissions(ctx context.Context) Commissions {
	a.dataMu.Lock()
	defer a.dataMu.Unlock()
	c := Commissions{Total: a.total, Rate: a.rate}
	if n := len(a.sales); n > 0 {
		t := a.sales[n-1].SoldAt
		c.LastUpdated = &t
	}
	return c
}

// Sales returns the sales history, oldest first.
func (a *AffiliateAgent) Sales(ctx context.Context) []Sale {
	a.dataMu.Lock()
	defer a.dataMu.Unlock()
	out := make([]Sale, len(a.sales))
	copy(out, a.sales)
	return out
}

// RecordSale appends a sale, computing commission from the rate when unset.
func (a *AffiliateAgent) RecordSale(ctx context.Context, s Sale) (Sale, error) {
	if s.OrderID == "" {
		return Sale{}, fmt.Errorf("%w: order_id is required", ErrInvalidPayload)
	}
	if s.Commission == 0 {
		s.Commission = s.Price * a.rate
	}
	if s.Status == "" {
		s.Status = "pending"
	}
	if s.SoldAt.IsZero() {
		s.SoldAt = a.now().UTC()
	}

	a.dataMu.Lock()
	a.sales = append(a.sales, s)
	a.total += s.Commission
	a.dataMu.Unlock()

	a.publish(ctx, models.EventSaleRecorded, map[string]any{
		"order_id":   s.OrderID,
		"product":    s.ProductName,
		"price":      s.Price,
		"commission": s.Commission,
	})
	return s, nil
}

// Login authenticates the agent for a vendor sync.
func (a *AffiliateAgent) Login(ctx context.Context) error {
	if !a.Authenticate(ctx) {
		return fmt.Errorf("%w: %s", ErrNotAuthenticated, a.Name())
	}
	return nil
}

// FetchStats reports the sales totals as vendor stats.
func (a *AffiliateAgent) FetchStats(ctx context.Context) (models.VendorStats, error) {
	a.dataMu.Lock()
	defer a.dataMu.Unlock()
	stats := models.VendorStats{TotalOrders: len(a.sales), Balance: a.total}
	for _, s := range a.sales {
		stats.TotalRevenue += s.Price
		if s.Status == "pending" {
			stats.PendingOrders++
		}
	}
	return stats, nil
}

// FetchOrders reports every recorded sale as a vendor order.
func (a *AffiliateAgent) FetchOrders(ctx context.Context) ([]models.VendorOrder, error) {
	a.dataMu.Lock()
	defer a.dataMu.Unlock()
	orders := make([]models.VendorOrder, 0, len(a.sales))
	for _, s := range a.sales {
		soldAt := s.SoldAt
		orders = append(orders, models.VendorOrder{
			OrderID:      s.OrderID,
			ProductName:  s.ProductName,
			Commission:   s.Commission,
			Price:        s.Price,
			Status:       s.Status,
			TrackingCode: s.TrackingCode,
			OrderDate:    &soldAt,
		})
	}
	return orders, nil
}
