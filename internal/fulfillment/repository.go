package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/inventory"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Repository persists sales orders and deliveries in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, &txRepo{tx: tx, invTx: inventory.NewTxRepository(tx)}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetDelivery returns one delivery with items.
func (r *Repository) GetDelivery(ctx context.Context, id int64) (Delivery, error) {
	var d Delivery
	err := r.pool.QueryRow(ctx, `SELECT id, number, order_id, status, created_by, created_at, shipped_at
FROM deliveries WHERE id=$1`, id).
		Scan(&d.ID, &d.Number, &d.OrderID, &d.Status, &d.CreatedBy, &d.CreatedAt, &d.ShippedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Delivery{}, fmt.Errorf("fulfillment: delivery %d: %w", id, shared.ErrNotFound)
		}
		return Delivery{}, err
	}
	rows, err := r.pool.Query(ctx, `SELECT id, delivery_id, order_line_id, material_id, plant_id, batch_number, quantity
FROM delivery_items WHERE delivery_id=$1 ORDER BY id ASC`, id)
	if err != nil {
		return Delivery{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var it DeliveryItem
		if err := rows.Scan(&it.ID, &it.DeliveryID, &it.OrderLineID, &it.MaterialID, &it.PlantID, &it.BatchNumber, &it.Quantity); err != nil {
			return Delivery{}, err
		}
		d.Items = append(d.Items, it)
	}
	return d, rows.Err()
}

// GetSalesOrder returns one sales order with lines.
func (r *Repository) GetSalesOrder(ctx context.Context, id int64) (SalesOrder, error) {
	return loadSalesOrder(ctx, r.pool, id, false)
}

// ListDeliveries lists recent delivery headers.
func (r *Repository) ListDeliveries(ctx context.Context, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT id, number, order_id, status, created_by, created_at, shipped_at
FROM deliveries ORDER BY number DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deliveries []Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.ID, &d.Number, &d.OrderID, &d.Status, &d.CreatedBy, &d.CreatedAt, &d.ShippedAt); err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

type txRepo struct {
	tx    pgx.Tx
	invTx inventory.TxRepository
}

func (r *txRepo) InventoryTx() inventory.TxRepository {
	return r.invTx
}

func (r *txRepo) MaxDeliveryNumber(ctx context.Context, fiscalYear int) (string, error) {
	prefix := fmt.Sprintf("%s-%d-%%", shared.PrefixDelivery, fiscalYear)
	var number string
	// Longest number first so sequences that outgrew the pad width still sort
	// after their shorter predecessors.
	err := r.tx.QueryRow(ctx, `SELECT number FROM deliveries WHERE number LIKE $1
ORDER BY LENGTH(number) DESC, number DESC LIMIT 1`, prefix).Scan(&number)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return number, err
}

func (r *txRepo) MaxOrderNumber(ctx context.Context, fiscalYear int) (string, error) {
	prefix := fmt.Sprintf("%s-%d-%%", orderNumberPrefix, fiscalYear)
	var number string
	err := r.tx.QueryRow(ctx, `SELECT number FROM sales_orders WHERE number LIKE $1
ORDER BY LENGTH(number) DESC, number DESC LIMIT 1`, prefix).Scan(&number)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return number, err
}

func (r *txRepo) InsertSalesOrder(ctx context.Context, order SalesOrder) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO sales_orders (number, customer_id, status, created_at)
VALUES ($1,$2,$3,$4) RETURNING id`,
		order.Number, order.CustomerID, order.Status, order.CreatedAt).Scan(&id)
	return id, err
}

func (r *txRepo) InsertOrderLine(ctx context.Context, line SalesOrderLine) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO sales_order_lines (order_id, material_id, plant_id, quantity, shipped_quantity, unit, completion)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		line.OrderID, line.MaterialID, line.PlantID, line.Quantity, line.ShippedQuantity, line.Unit, line.Completion).Scan(&id)
	return id, err
}

func (r *txRepo) InsertDelivery(ctx context.Context, delivery Delivery) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO deliveries (number, order_id, status, created_by, created_at, shipped_at)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		delivery.Number, delivery.OrderID, delivery.Status, delivery.CreatedBy, delivery.CreatedAt, delivery.ShippedAt).Scan(&id)
	return id, err
}

func (r *txRepo) InsertDeliveryItem(ctx context.Context, item DeliveryItem) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO delivery_items (delivery_id, order_line_id, material_id, plant_id, batch_number, quantity)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		item.DeliveryID, item.OrderLineID, item.MaterialID, item.PlantID, item.BatchNumber, item.Quantity).Scan(&id)
	return id, err
}

// MarkDeliveryShipped is the compare-and-swap the goods issue relies on.
func (r *txRepo) MarkDeliveryShipped(ctx context.Context, deliveryID int64, shippedAt time.Time) (int64, error) {
	cmd, err := r.tx.Exec(ctx, `UPDATE deliveries SET status=$2, shipped_at=$3 WHERE id=$1 AND status <> $2`,
		deliveryID, DeliveryShipped, shippedAt)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

func (r *txRepo) GetSalesOrderForUpdate(ctx context.Context, id int64) (SalesOrder, error) {
	return loadSalesOrder(ctx, r.tx, id, true)
}

func (r *txRepo) UpdateOrderLine(ctx context.Context, line SalesOrderLine) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE sales_order_lines SET shipped_quantity=$2, completion=$3 WHERE id=$1`,
		line.ID, line.ShippedQuantity, line.Completion)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("fulfillment: order line %d: %w", line.ID, shared.ErrNotFound)
	}
	return nil
}

func (r *txRepo) UpdateOrderStatus(ctx context.Context, orderID int64, status SalesOrderStatus) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE sales_orders SET status=$2 WHERE id=$1`, orderID, status)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("fulfillment: sales order %d: %w", orderID, shared.ErrNotFound)
	}
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadSalesOrder(ctx context.Context, q querier, id int64, forUpdate bool) (SalesOrder, error) {
	query := `SELECT id, number, customer_id, status, created_at FROM sales_orders WHERE id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var o SalesOrder
	err := q.QueryRow(ctx, query, id).Scan(&o.ID, &o.Number, &o.CustomerID, &o.Status, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SalesOrder{}, fmt.Errorf("fulfillment: sales order %d: %w", id, shared.ErrNotFound)
		}
		return SalesOrder{}, err
	}
	rows, err := q.Query(ctx, `SELECT id, order_id, material_id, plant_id, quantity, shipped_quantity, unit, completion
FROM sales_order_lines WHERE order_id=$1 ORDER BY id ASC`, id)
	if err != nil {
		return SalesOrder{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var l SalesOrderLine
		if err := rows.Scan(&l.ID, &l.OrderID, &l.MaterialID, &l.PlantID, &l.Quantity, &l.ShippedQuantity, &l.Unit, &l.Completion); err != nil {
			return SalesOrder{}, err
		}
		o.Lines = append(o.Lines, l)
	}
	return o, rows.Err()
}
