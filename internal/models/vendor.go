package models

import "time"

// VendorStats is the dashboard summary returned by a vendor connector.
type VendorStats struct {
	TotalOrders   int     `json:"total_orders"`
	TotalRevenue  float64 `json:"total_revenue"`
	Balance       float64 `json:"balance"`
	PendingOrders int     `json:"pending_orders"`
	Currency      string  `json:"currency,omitempty"`
}

// VendorOrder is an order as reported by a vendor connector.
type VendorOrder struct {
	OrderID      string         `json:"order_id"`
	ProductName  string         `json:"product_name,omitempty"`
	Commission   float64        `json:"commission"`
	Price        float64        `json:"price"`
	Status       string         `json:"status,omitempty"`
	TrackingCode string         `json:"tracking_code,omitempty"`
	OrderDate    *time.Time     `json:"order_date,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// Vendor is a persisted vendor record.
type Vendor struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Order is a persisted order, unique per (vendor, order id).
type Order struct {
	ID           int64          `json:"id"`
	VendorName   string         `json:"vendor_name"`
	OrderID      string         `json:"order_id"`
	ProductName  string         `json:"product_name,omitempty"`
	Commission   float64        `json:"commission"`
	Price        float64        `json:"price"`
	Status       string         `json:"status,omitempty"`
	TrackingCode string         `json:"tracking_code,omitempty"`
	OrderDate    *time.Time     `json:"order_date,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// DailyStats is a per-vendor, per-day stats snapshot.
type DailyStats struct {
	VendorName    string    `json:"vendor_name"`
	Date          string    `json:"date"`
	TotalOrders   int       `json:"total_orders"`
	TotalRevenue  float64   `json:"total_revenue"`
	Balance       float64   `json:"balance"`
	PendingOrders int       `json:"pending_orders"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SyncLogStatus is the state of a sync log row.
type SyncLogStatus string

const (
	SyncLogRunning SyncLogStatus = "running"
	SyncLogSuccess SyncLogStatus = "success"
	SyncLogFailed  SyncLogStatus = "failed"
)

// SyncLog records one sync attempt for a vendor.
type SyncLog struct {
	ID            string        `json:"id"`
	VendorName    string        `json:"vendor_name"`
	Status        SyncLogStatus `json:"status"`
	OrdersSynced  int           `json:"orders_synced"`
	NewOrders     int           `json:"new_orders"`
	UpdatedOrders int           `json:"updated_orders"`
	Error         string        `json:"error,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}

// SyncResult is the outcome of syncing one vendor.
type SyncResult struct {
	VendorName    string        `json:"vendor_name"`
	Success       bool          `json:"success"`
	Stats         *VendorStats  `json:"stats,omitempty"`
	Orders        []VendorOrder `json:"orders,omitempty"`
	OrdersCount   int           `json:"orders_count"`
	NewOrders     int           `json:"new_orders"`
	UpdatedOrders int           `json:"updated_orders"`
	Error         string        `json:"error,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

// SyncSummary aggregates a fan-out sync over all vendors.
type SyncSummary struct {
	Success          bool                  `json:"success"`
	TotalVendors     int                   `json:"total_vendors"`
	Successful       int                   `json:"successful"`
	Failed           int                   `json:"failed"`
	DurationSeconds  float64               `json:"duration_seconds"`
	Timestamp        time.Time             `json:"timestamp"`
	Error            string                `json:"error,omitempty"`
	PerVendorResults map[string]SyncResult `json:"per_vendor_results"`
}

// UnifiedReport totals the most recent stats across vendors.
type UnifiedReport struct {
	TotalOrders  int                    `json:"total_orders"`
	TotalRevenue float64                `json:"total_revenue"`
	TotalBalance float64                `json:"total_balance"`
	Vendors      map[string]VendorStats `json:"vendors"`
	Failed       []string               `json:"failed,omitempty"`
	GeneratedAt  time.Time              `json:"generated_at"`
}

// LoginResult is the outcome of a connectivity check against one vendor.
type LoginResult struct {
	VendorName string `json:"vendor_name"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}
