package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/accounting"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Repository persists movement documents, items and batches in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx executes the callback inside a repeatable-read transaction. The
// transactional repository embeds the ledger writer surface so movement and
// accounting writes commit or roll back together.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, NewTxRepository(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// NewTxRepository wraps an open transaction with the movement write
// operations, so another module can post a movement inside its own
// transaction.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepo{tx: tx, TxLedger: accounting.NewTxLedger(tx)}
}

// AvailableQuantity recomputes stock as Σ(debit qty) − Σ(credit qty) over
// posted items for the key.
func (r *Repository) AvailableQuantity(ctx context.Context, materialID, plantID int64, batchID *int64) (float64, error) {
	return postedQuantity(ctx, r.pool, materialID, plantID, batchID)
}

// GetBatchByNumber fetches one batch by (material, number).
func (r *Repository) GetBatchByNumber(ctx context.Context, materialID int64, number string) (Batch, error) {
	return scanBatch(r.pool.QueryRow(ctx, `SELECT id, material_id, number, quantity, remaining_quantity, status, expiry_date, created_at
FROM batches WHERE material_id=$1 AND number=$2`, materialID, number))
}

// GetDocument returns one movement document with its items.
func (r *Repository) GetDocument(ctx context.Context, id int64) (MovementDocument, error) {
	var d MovementDocument
	err := r.pool.QueryRow(ctx, `SELECT id, number, kind, status, company_id, document_date, posting_date, reference, created_by, created_at
FROM movement_documents WHERE id=$1`, id).
		Scan(&d.ID, &d.Number, &d.Kind, &d.Status, &d.CompanyID, &d.DocumentDate, &d.PostingDate, &d.Reference, &d.CreatedBy, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MovementDocument{}, fmt.Errorf("inventory: document %d: %w", id, shared.ErrNotFound)
		}
		return MovementDocument{}, err
	}
	rows, err := r.pool.Query(ctx, `SELECT id, document_id, material_id, plant_id, storage_location, batch_id, batch_number, quantity, unit, amount, side
FROM movement_items WHERE document_id=$1 ORDER BY id ASC`, id)
	if err != nil {
		return MovementDocument{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var it MovementItem
		if err := rows.Scan(&it.ID, &it.DocumentID, &it.MaterialID, &it.PlantID, &it.StorageLocation, &it.BatchID, &it.BatchNumber, &it.Quantity, &it.Unit, &it.Amount, &it.Side); err != nil {
			return MovementDocument{}, err
		}
		d.Items = append(d.Items, it)
	}
	return d, rows.Err()
}

// ListDocuments lists recent movement documents (headers only).
func (r *Repository) ListDocuments(ctx context.Context, limit int) ([]MovementDocument, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT id, number, kind, status, company_id, document_date, posting_date, reference, created_by, created_at
FROM movement_documents ORDER BY number DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var docs []MovementDocument
	for rows.Next() {
		var d MovementDocument
		if err := rows.Scan(&d.ID, &d.Number, &d.Kind, &d.Status, &d.CompanyID, &d.DocumentDate, &d.PostingDate, &d.Reference, &d.CreatedBy, &d.CreatedAt); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

type txRepo struct {
	accounting.TxLedger
	tx pgx.Tx
}

func (r *txRepo) MaxDocumentNumber(ctx context.Context, fiscalYear int) (string, error) {
	prefix := fmt.Sprintf("%s-%d-%%", shared.PrefixMovement, fiscalYear)
	var number string
	// Longest number first so sequences that outgrew the pad width still sort
	// after their shorter predecessors.
	err := r.tx.QueryRow(ctx, `SELECT number FROM movement_documents WHERE number LIKE $1
ORDER BY LENGTH(number) DESC, number DESC LIMIT 1`, prefix).Scan(&number)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return number, err
}

func (r *txRepo) InsertDocument(ctx context.Context, doc MovementDocument) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO movement_documents (number, kind, status, company_id, document_date, posting_date, reference, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`,
		doc.Number, doc.Kind, doc.Status, doc.CompanyID, doc.DocumentDate, doc.PostingDate, doc.Reference, doc.CreatedBy, doc.CreatedAt).Scan(&id)
	return id, err
}

func (r *txRepo) UpdateDocumentStatus(ctx context.Context, docID int64, status DocumentStatus) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE movement_documents SET status=$2 WHERE id=$1`, docID, status)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("inventory: document %d: %w", docID, shared.ErrNotFound)
	}
	return nil
}

func (r *txRepo) InsertItem(ctx context.Context, item MovementItem) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO movement_items (document_id, material_id, plant_id, storage_location, batch_id, batch_number, quantity, unit, amount, side)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id`,
		item.DocumentID, item.MaterialID, item.PlantID, item.StorageLocation, item.BatchID, item.BatchNumber, item.Quantity, item.Unit, item.Amount, item.Side).Scan(&id)
	return id, err
}

func (r *txRepo) GetBatchForUpdate(ctx context.Context, materialID int64, number string) (Batch, error) {
	return scanBatch(r.tx.QueryRow(ctx, `SELECT id, material_id, number, quantity, remaining_quantity, status, expiry_date, created_at
FROM batches WHERE material_id=$1 AND number=$2 FOR UPDATE`, materialID, number))
}

func (r *txRepo) InsertBatch(ctx context.Context, batch Batch) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO batches (material_id, number, quantity, remaining_quantity, status, expiry_date, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		batch.MaterialID, batch.Number, batch.Quantity, batch.RemainingQuantity, batch.Status, batch.ExpiryDate, batch.CreatedAt).Scan(&id)
	return id, err
}

func (r *txRepo) UpdateBatch(ctx context.Context, batch Batch) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE batches SET quantity=$2, remaining_quantity=$3, status=$4 WHERE id=$1`,
		batch.ID, batch.Quantity, batch.RemainingQuantity, batch.Status)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrBatchNotFound
	}
	return nil
}

func (r *txRepo) PostedQuantity(ctx context.Context, materialID, plantID int64, batchID *int64) (float64, error) {
	return postedQuantity(ctx, r.tx, materialID, plantID, batchID)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func postedQuantity(ctx context.Context, q querier, materialID, plantID int64, batchID *int64) (float64, error) {
	query := `SELECT COALESCE(SUM(CASE WHEN i.side='S' THEN i.quantity ELSE -i.quantity END), 0)
FROM movement_items i
JOIN movement_documents d ON d.id = i.document_id
WHERE d.status='POSTED' AND i.material_id=$1 AND i.plant_id=$2`
	args := []any{materialID, plantID}
	if batchID != nil {
		query += ` AND i.batch_id=$3`
		args = append(args, *batchID)
	}
	var qty float64
	if err := q.QueryRow(ctx, query, args...).Scan(&qty); err != nil {
		return 0, err
	}
	return qty, nil
}

func scanBatch(row pgx.Row) (Batch, error) {
	var b Batch
	err := row.Scan(&b.ID, &b.MaterialID, &b.Number, &b.Quantity, &b.RemainingQuantity, &b.Status, &b.ExpiryDate, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, ErrBatchNotFound
		}
		return Batch{}, err
	}
	return b, nil
}
