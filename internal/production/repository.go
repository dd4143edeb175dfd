package production

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/accounting"
	"github.com/meridian-erp/meridian-erp/internal/inventory"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Repository persists production orders, operations, reservations and the
// outbox in PostgreSQL.
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

	wrapper := &txRepo{tx: tx, TxLedger: accounting.NewTxLedger(tx), invTx: inventory.NewTxRepository(tx)}
	if err := fn(ctx, wrapper); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetOrder returns one order with its operations.
func (r *Repository) GetOrder(ctx context.Context, id int64) (ProductionOrder, error) {
	return loadOrder(ctx, r.pool, id, false)
}

// GetBOM returns a bill of material with its lines.
func (r *Repository) GetBOM(ctx context.Context, id int64) (BOM, error) {
	var b BOM
	err := r.pool.QueryRow(ctx, `SELECT id, material_id, batch_size FROM boms WHERE id=$1`, id).
		Scan(&b.ID, &b.MaterialID, &b.BatchSize)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BOM{}, fmt.Errorf("production: bom %d: %w", id, shared.ErrNotFound)
		}
		return BOM{}, err
	}
	rows, err := r.pool.Query(ctx, `SELECT id, material_id, plant_id, quantity, unit, wastage_percent
FROM bom_lines WHERE bom_id=$1 ORDER BY id ASC`, id)
	if err != nil {
		return BOM{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var l BOMLine
		if err := rows.Scan(&l.ID, &l.MaterialID, &l.PlantID, &l.Quantity, &l.Unit, &l.WastagePercent); err != nil {
			return BOM{}, err
		}
		b.Lines = append(b.Lines, l)
	}
	return b, rows.Err()
}

// ListOrders lists recent order headers.
func (r *Repository) ListOrders(ctx context.Context, limit int) ([]ProductionOrder, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT id, number, material_id, bom_id, planned_quantity, actual_quantity, waste_quantity, status, actual_start, actual_end, created_by, created_at
FROM production_orders ORDER BY number DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var orders []ProductionOrder
	for rows.Next() {
		var o ProductionOrder
		if err := scanOrder(rows, &o); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// PendingIntents returns pending outbox rows, oldest first.
func (r *Repository) PendingIntents(ctx context.Context, limit int) ([]OutboxIntent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `SELECT id, order_id, kind, payload, status, attempts, created_at, processed_at
FROM production_outbox WHERE status='PENDING' ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var intents []OutboxIntent
	for rows.Next() {
		var in OutboxIntent
		if err := rows.Scan(&in.ID, &in.OrderID, &in.Kind, &in.Payload, &in.Status, &in.Attempts, &in.CreatedAt, &in.ProcessedAt); err != nil {
			return nil, err
		}
		intents = append(intents, in)
	}
	return intents, rows.Err()
}

// MarkIntent updates an outbox row's processing state.
func (r *Repository) MarkIntent(ctx context.Context, id string, status IntentStatus, attempts int) error {
	_, err := r.pool.Exec(ctx, `UPDATE production_outbox SET status=$2, attempts=$3, processed_at=CASE WHEN $2='PROCESSED' THEN now() ELSE processed_at END
WHERE id=$1`, id, status, attempts)
	return err
}

type txRepo struct {
	accounting.TxLedger
	tx    pgx.Tx
	invTx inventory.TxRepository
}

func (r *txRepo) InventoryTx() inventory.TxRepository {
	return r.invTx
}

func (r *txRepo) MaxOrderNumber(ctx context.Context, fiscalYear int) (string, error) {
	prefix := fmt.Sprintf("%s-%d-%%", orderNumberPrefix, fiscalYear)
	var number string
	// Longest number first so sequences that outgrew the pad width still sort
	// after their shorter predecessors.
	err := r.tx.QueryRow(ctx, `SELECT number FROM production_orders WHERE number LIKE $1
ORDER BY LENGTH(number) DESC, number DESC LIMIT 1`, prefix).Scan(&number)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return number, err
}

func (r *txRepo) InsertOrder(ctx context.Context, order ProductionOrder) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO production_orders (number, material_id, bom_id, planned_quantity, actual_quantity, waste_quantity, status, actual_start, actual_end, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id`,
		order.Number, order.MaterialID, order.BOMID, order.PlannedQuantity, order.ActualQuantity, order.WasteQuantity,
		order.Status, order.ActualStart, order.ActualEnd, order.CreatedBy, order.CreatedAt).Scan(&id)
	return id, err
}

func (r *txRepo) InsertOperation(ctx context.Context, op Operation) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO production_operations (order_id, sequence, description, work_center_id, status, produced_quantity, waste_quantity, cost, actual_start, confirmed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id`,
		op.OrderID, op.Sequence, op.Description, op.WorkCenterID, op.Status,
		op.ProducedQuantity, op.WasteQuantity, op.Cost, op.ActualStart, op.ConfirmedAt).Scan(&id)
	return id, err
}

func (r *txRepo) GetOrderForUpdate(ctx context.Context, id int64) (ProductionOrder, error) {
	return loadOrder(ctx, r.tx, id, true)
}

func (r *txRepo) UpdateOrder(ctx context.Context, order ProductionOrder) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE production_orders SET planned_quantity=$2, actual_quantity=$3, waste_quantity=$4, status=$5, actual_start=$6, actual_end=$7
WHERE id=$1`,
		order.ID, order.PlannedQuantity, order.ActualQuantity, order.WasteQuantity, order.Status, order.ActualStart, order.ActualEnd)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("production: order %d: %w", order.ID, shared.ErrNotFound)
	}
	return nil
}

func (r *txRepo) UpdateOperation(ctx context.Context, op Operation) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE production_operations SET status=$2, produced_quantity=$3, waste_quantity=$4, cost=$5, actual_start=$6, confirmed_at=$7
WHERE id=$1`,
		op.ID, op.Status, op.ProducedQuantity, op.WasteQuantity, op.Cost, op.ActualStart, op.ConfirmedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrOperationNotFound
	}
	return nil
}

func (r *txRepo) InsertReservation(ctx context.Context, res Reservation) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO reservations (order_id, material_id, plant_id, quantity, unit, status, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		res.OrderID, res.MaterialID, res.PlantID, res.Quantity, res.Unit, res.Status, res.CreatedAt).Scan(&id)
	return id, err
}

func (r *txRepo) ReleaseReservations(ctx context.Context, orderID int64) error {
	_, err := r.tx.Exec(ctx, `UPDATE reservations SET status='RELEASED' WHERE order_id=$1 AND status='OPEN'`, orderID)
	return err
}

func (r *txRepo) ConsumeReservations(ctx context.Context, orderID int64) error {
	_, err := r.tx.Exec(ctx, `UPDATE reservations SET status='CONSUMED' WHERE order_id=$1 AND status='OPEN'`, orderID)
	return err
}

func (r *txRepo) InsertIntent(ctx context.Context, intent OutboxIntent) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO production_outbox (id, order_id, kind, payload, status, attempts, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		intent.ID, intent.OrderID, intent.Kind, intent.Payload, intent.Status, intent.Attempts, intent.CreatedAt)
	return err
}

func (r *txRepo) CancelPendingIntents(ctx context.Context, orderID int64) error {
	_, err := r.tx.Exec(ctx, `UPDATE production_outbox SET status='CANCELLED' WHERE order_id=$1 AND status='PENDING'`, orderID)
	return err
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadOrder(ctx context.Context, q querier, id int64, forUpdate bool) (ProductionOrder, error) {
	query := `SELECT id, number, material_id, bom_id, planned_quantity, actual_quantity, waste_quantity, status, actual_start, actual_end, created_by, created_at
FROM production_orders WHERE id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var o ProductionOrder
	if err := scanOrder(q.QueryRow(ctx, query, id), &o); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ProductionOrder{}, fmt.Errorf("production: order %d: %w", id, shared.ErrNotFound)
		}
		return ProductionOrder{}, err
	}
	rows, err := q.Query(ctx, `SELECT id, order_id, sequence, description, work_center_id, status, produced_quantity, waste_quantity, cost, actual_start, confirmed_at
FROM production_operations WHERE order_id=$1 ORDER BY sequence ASC`, id)
	if err != nil {
		return ProductionOrder{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var op Operation
		if err := rows.Scan(&op.ID, &op.OrderID, &op.Sequence, &op.Description, &op.WorkCenterID, &op.Status,
			&op.ProducedQuantity, &op.WasteQuantity, &op.Cost, &op.ActualStart, &op.ConfirmedAt); err != nil {
			return ProductionOrder{}, err
		}
		o.Operations = append(o.Operations, op)
	}
	return o, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner, o *ProductionOrder) error {
	return row.Scan(&o.ID, &o.Number, &o.MaterialID, &o.BOMID, &o.PlannedQuantity, &o.ActualQuantity, &o.WasteQuantity,
		&o.Status, &o.ActualStart, &o.ActualEnd, &o.CreatedBy, &o.CreatedAt)
}
