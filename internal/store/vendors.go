package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/fentz26/agentplane/internal/models"
)

// --- Vendor Operations ---

// EnsureVendor creates the vendor if it does not exist and returns it.
func (s *Store) EnsureVendor(ctx context.Context, name, displayName string) (*models.Vendor, error) {
	if displayName == "" {
		displayName = name
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO vendors (name, display_name, active, created_at) VALUES (?, ?, 1, ?) ON CONFLICT(name) DO NOTHING`,
		name, displayName, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert vendor: %w", err)
	}
	v, err := s.GetVendor(ctx, name)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("%w: %s", ErrVendorNotFound, name)
	}
	return v, nil
}

// GetVendor retrieves a vendor by name. It returns nil, nil when missing.
func (s *Store) GetVendor(ctx context.Context, name string) (*models.Vendor, error) {
	v := &models.Vendor{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, display_name, active, created_at FROM vendors WHERE name = ?`, name,
	).Scan(&v.ID, &v.Name, &v.DisplayName, &v.Active, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query vendor: %w", err)
	}
	return v, nil
}

// ListVendors returns every vendor, optionally only active ones.
func (s *Store) ListVendors(ctx context.Context, activeOnly bool) ([]models.Vendor, error) {
	q := s.builder.Select("id", "name", "display_name", "active", "created_at").From("vendors").OrderBy("name")
	if activeOnly {
		q = q.Where(squirrel.Eq{"active": 1})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build vendors query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query vendors: %w", err)
	}
	defer rows.Close()

	var vendors []models.Vendor
	for rows.Next() {
		var v models.Vendor
		if err := rows.Scan(&v.ID, &v.Name, &v.DisplayName, &v.Active, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan vendor: %w", err)
		}
		vendors = append(vendors, v)
	}
	return vendors, rows.Err()
}

// --- Order Operations ---

// UpsertOrder inserts or updates the order keyed by (vendor, order id).
// isNew reports whether a row was inserted.
func (s *Store) UpsertOrder(ctx context.Context, vendor string, o models.VendorOrder) (*models.Order, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	order, isNew, err := upsertOrderTx(ctx, tx, vendor, o)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit tx: %w", err)
	}
	return order, isNew, nil
}

// BulkUpsertOrders upserts orders in one transaction and returns the
// number of inserted and updated rows.
func (s *Store) BulkUpsertOrders(ctx context.Context, vendor string, orders []models.VendorOrder) (inserted, updated int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, o := range orders {
		_, isNew, err := upsertOrderTx(ctx, tx, vendor, o)
		if err != nil {
			return 0, 0, err
		}
		if isNew {
			inserted++
		} else {
			updated++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit tx: %w", err)
	}
	return inserted, updated, nil
}

func upsertOrderTx(ctx context.Context, tx *sql.Tx, vendor string, o models.VendorOrder) (*models.Order, bool, error) {
	if o.OrderID == "" {
		return nil, false, errors.New("order id is required")
	}

	var existing int64
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM orders WHERE vendor_name = ? AND order_id = ?`, vendor, o.OrderID,
	).Scan(&existing)
	if err != nil && err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("query order: %w", err)
	}
	isNew := err == sql.ErrNoRows

	extra, err := marshalJSON(o.Extra)
	if err != nil {
		return nil, false, fmt.Errorf("encode order extra: %w", err)
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (vendor_name, order_id, product_name, commission, price, status, tracking_code, order_date, extra, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(vendor_name, order_id) DO UPDATE SET
			product_name = excluded.product_name,
			commission = excluded.commission,
			price = excluded.price,
			status = excluded.status,
			tracking_code = excluded.tracking_code,
			order_date = COALESCE(excluded.order_date, orders.order_date),
			extra = excluded.extra,
			updated_at = excluded.updated_at`,
		vendor, o.OrderID, o.ProductName, o.Commission, o.Price, o.Status, o.TrackingCode, o.OrderDate, extra, now, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("upsert order: %w", err)
	}

	row := tx.QueryRowContext(ctx, orderSelect+` WHERE vendor_name = ? AND order_id = ?`, vendor, o.OrderID)
	order, err := scanOrder(row)
	if err != nil {
		return nil, false, err
	}
	return order, isNew, nil
}

// OrderFilter narrows ListOrders.
type OrderFilter struct {
	Vendor string
	Status string
	Since  *time.Time
	Limit  uint64
}

const orderSelect = `SELECT id, vendor_name, order_id, product_name, commission, price, status, tracking_code, order_date, extra, created_at, updated_at FROM orders`

// ListOrders returns orders matching f, newest first.
func (s *Store) ListOrders(ctx context.Context, f OrderFilter) ([]models.Order, error) {
	q := s.builder.
		Select("id", "vendor_name", "order_id", "product_name", "commission", "price", "status", "tracking_code", "order_date", "extra", "created_at", "updated_at").
		From("orders").
		OrderBy("updated_at DESC", "id DESC")
	if f.Vendor != "" {
		q = q.Where(squirrel.Eq{"vendor_name": f.Vendor})
	}
	if f.Status != "" {
		q = q.Where(squirrel.Eq{"status": f.Status})
	}
	if f.Since != nil {
		q = q.Where(squirrel.GtOrEq{"updated_at": f.Since.UTC()})
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build orders query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// OrderTotals returns the order count and commission sum for a vendor.
func (s *Store) OrderTotals(ctx context.Context, vendor string) (count int, commission float64, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(commission), 0) FROM orders WHERE vendor_name = ?`, vendor,
	).Scan(&count, &commission)
	if err != nil {
		return 0, 0, fmt.Errorf("query order totals: %w", err)
	}
	return count, commission, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	o := &models.Order{}
	var product, status, tracking, extra sql.NullString
	var orderDate sql.NullTime
	err := row.Scan(&o.ID, &o.VendorName, &o.OrderID, &product, &o.Commission, &o.Price, &status, &tracking, &orderDate, &extra, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.ProductName = product.String
	o.Status = status.String
	o.TrackingCode = tracking.String
	if orderDate.Valid {
		o.OrderDate = &orderDate.Time
	}
	if extra.Valid && extra.String != "" {
		if err := json.Unmarshal([]byte(extra.String), &o.Extra); err != nil {
			return nil, fmt.Errorf("decode order extra: %w", err)
		}
	}
	return o, nil
}

// --- Daily Stats Operations ---

// SaveDailyStats upserts the stats snapshot for (vendor, date).
func (s *Store) SaveDailyStats(ctx context.Context, vendor, date string, st models.VendorStats) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_stats (vendor_name, date, total_orders, total_revenue, balance, pending_orders, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(vendor_name, date) DO UPDATE SET
			total_orders = excluded.total_orders,
			total_revenue = excluded.total_revenue,
			balance = excluded.balance,
			pending_orders = excluded.pending_orders,
			updated_at = excluded.updated_at`,
		vendor, date, st.TotalOrders, st.TotalRevenue, st.Balance, st.PendingOrders, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert daily stats: %w", err)
	}
	return nil
}

// GetDailyStats returns the snapshot for (vendor, date) or nil.
func (s *Store) GetDailyStats(ctx context.Context, vendor, date string) (*models.DailyStats, error) {
	d := &models.DailyStats{}
	err := s.db.QueryRowContext(ctx,
		`SELECT vendor_name, date, total_orders, total_revenue, balance, pending_orders, updated_at FROM daily_stats WHERE vendor_name = ? AND date = ?`,
		vendor, date,
	).Scan(&d.VendorName, &d.Date, &d.TotalOrders, &d.TotalRevenue, &d.Balance, &d.PendingOrders, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query daily stats: %w", err)
	}
	return d, nil
}

// LatestStats returns the most recent snapshot of every vendor.
func (s *Store) LatestStats(ctx context.Context) ([]models.DailyStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.vendor_name, d.date, d.total_orders, d.total_revenue, d.balance, d.pending_orders, d.updated_at
		FROM daily_stats d
		JOIN (SELECT vendor_name, MAX(date) AS date FROM daily_stats GROUP BY vendor_name) latest
			ON latest.vendor_name = d.vendor_name AND latest.date = d.date
		ORDER BY d.vendor_name`)
	if err != nil {
		return nil, fmt.Errorf("query latest stats: %w", err)
	}
	defer rows.Close()

	var out []models.DailyStats
	for rows.Next() {
		var d models.DailyStats
		if err := rows.Scan(&d.VendorName, &d.Date, &d.TotalOrders, &d.TotalRevenue, &d.Balance, &d.PendingOrders, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan daily stats: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- Sync Log Operations ---

// CreateSyncLog opens a running sync log for vendor.
func (s *Store) CreateSyncLog(ctx context.Context, vendor string) (*models.SyncLog, error) {
	l := &models.SyncLog{
		ID:         uuid.New().String(),
		VendorName: vendor,
		Status:     models.SyncLogRunning,
		StartedAt:  time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_logs (id, vendor_name, status, started_at) VALUES (?, ?, ?, ?)`,
		l.ID, l.VendorName, l.Status, l.StartedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert sync log: %w", err)
	}
	return l, nil
}

// CompleteSyncLog stores the outcome of a sync and stamps its completion time.
func (s *Store) CompleteSyncLog(ctx context.Context, l *models.SyncLog) error {
	now := time.Now().UTC()
	l.CompletedAt = &now
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_logs SET status = ?, orders_synced = ?, new_orders = ?, updated_orders = ?, error = ?, completed_at = ? WHERE id = ?`,
		l.Status, l.OrdersSynced, l.NewOrders, l.UpdatedOrders, l.Error, now, l.ID,
	)
	if err != nil {
		return fmt.Errorf("update sync log: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sync log %s not found", l.ID)
	}
	return nil
}

// SyncHistory returns recent sync logs, newest first. An empty vendor matches all.
func (s *Store) SyncHistory(ctx context.Context, vendor string, limit uint64) ([]models.SyncLog, error) {
	q := s.builder.
		Select("id", "vendor_name", "status", "orders_synced", "new_orders", "updated_orders", "error", "started_at", "completed_at").
		From("sync_logs").
		OrderBy("started_at DESC")
	if vendor != "" {
		q = q.Where(squirrel.Eq{"vendor_name": vendor})
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build sync history query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sync logs: %w", err)
	}
	defer rows.Close()

	var logs []models.SyncLog
	for rows.Next() {
		var l models.SyncLog
		var errMsg sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(&l.ID, &l.VendorName, &l.Status, &l.OrdersSynced, &l.NewOrders, &l.UpdatedOrders, &errMsg, &l.StartedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan sync log: %w", err)
		}
		l.Error = errMsg.String
		if completedAt.Valid {
			l.CompletedAt = &completedAt.Time
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func marshalJSON(v map[string]any) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
