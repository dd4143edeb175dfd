package accounting

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/masterdata"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Repository reads account determinations and posted ledger entries.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// FindMapping looks up one exact determination row; wildcard rows store "*".
func (r *Repository) FindMapping(ctx context.Context, key MappingKey) (Mapping, bool, error) {
	var m Mapping
	err := r.pool.QueryRow(ctx, `SELECT inventory_account, offset_account FROM account_determinations
WHERE movement_kind=$1 AND company_id=$2 AND valuation_class=$3 AND material_kind=$4`,
		key.MovementKind, key.CompanyID, key.ValuationClass, key.MaterialKind).
		Scan(&m.InventoryAccount, &m.OffsetAccount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Mapping{}, false, nil
		}
		return Mapping{}, false, err
	}
	return m, true, nil
}

// GetAccountByCode reads the GL account master.
func (r *Repository) GetAccountByCode(ctx context.Context, code string) (masterdata.GLAccount, error) {
	var a masterdata.GLAccount
	err := r.pool.QueryRow(ctx, `SELECT id, code, name, class FROM gl_accounts WHERE code=$1`, code).
		Scan(&a.ID, &a.Code, &a.Name, &a.Class)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return masterdata.GLAccount{}, fmt.Errorf("accounting: gl account %s: %w", code, shared.ErrNotFound)
		}
		return masterdata.GLAccount{}, err
	}
	return a, nil
}

// List returns recent ledger entries for the reporting boundary.
func (r *Repository) List(ctx context.Context, companyID int64, limit int) ([]LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT id, number, company_id, fiscal_year, period, document_date, posting_date, header_text, reference, created_at
FROM ledger_entries WHERE company_id=$1 ORDER BY number DESC LIMIT $2`, companyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.Number, &e.CompanyID, &e.FiscalYear, &e.Period, &e.DocumentDate, &e.PostingDate, &e.HeaderText, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetEntry returns one entry with its lines.
func (r *Repository) GetEntry(ctx context.Context, id int64) (LedgerEntry, error) {
	var e LedgerEntry
	err := r.pool.QueryRow(ctx, `SELECT id, number, company_id, fiscal_year, period, document_date, posting_date, header_text, reference, created_at
FROM ledger_entries WHERE id=$1`, id).
		Scan(&e.ID, &e.Number, &e.CompanyID, &e.FiscalYear, &e.Period, &e.DocumentDate, &e.PostingDate, &e.HeaderText, &e.Reference, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LedgerEntry{}, fmt.Errorf("accounting: entry %d: %w", id, shared.ErrNotFound)
		}
		return LedgerEntry{}, err
	}
	rows, err := r.pool.Query(ctx, `SELECT id, entry_id, account_id, account_code, debit, credit, cost_center_id, line_text
FROM ledger_lines WHERE entry_id=$1 ORDER BY id ASC`, id)
	if err != nil {
		return LedgerEntry{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line LedgerLine
		if err := rows.Scan(&line.ID, &line.EntryID, &line.AccountID, &line.AccountCode, &line.Debit, &line.Credit, &line.CostCenterID, &line.Text); err != nil {
			return LedgerEntry{}, err
		}
		e.Lines = append(e.Lines, line)
	}
	return e, rows.Err()
}

// NewTxLedger wraps an open transaction with the ledger write operations, so a
// posting component can share its transaction with the writer.
func NewTxLedger(tx pgx.Tx) TxLedger {
	return &txLedger{tx: tx}
}

type txLedger struct {
	tx pgx.Tx
}

func (l *txLedger) MaxEntryNumber(ctx context.Context, companyID int64, fiscalYear int) (string, error) {
	prefix := fmt.Sprintf("%s-%d-%%", shared.PrefixLedger, fiscalYear)
	var number string
	// Longest number first so sequences that outgrew the pad width still sort
	// after their shorter predecessors.
	err := l.tx.QueryRow(ctx, `SELECT number FROM ledger_entries WHERE company_id=$1 AND number LIKE $2
ORDER BY LENGTH(number) DESC, number DESC LIMIT 1`, companyID, prefix).Scan(&number)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return number, err
}

func (l *txLedger) InsertLedgerEntry(ctx context.Context, entry LedgerEntry) (int64, error) {
	var id int64
	err := l.tx.QueryRow(ctx, `INSERT INTO ledger_entries (number, company_id, fiscal_year, period, document_date, posting_date, header_text, reference, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`,
		entry.Number, entry.CompanyID, entry.FiscalYear, entry.Period, entry.DocumentDate, entry.PostingDate, entry.HeaderText, entry.Reference, entry.CreatedAt).Scan(&id)
	return id, err
}

func (l *txLedger) InsertLedgerLines(ctx context.Context, entryID int64, lines []LedgerLine) error {
	for _, line := range lines {
		if _, err := l.tx.Exec(ctx, `INSERT INTO ledger_lines (entry_id, account_id, account_code, debit, credit, cost_center_id, line_text)
VALUES ($1,$2,$3,$4,$5,$6,$7)`, entryID, line.AccountID, line.AccountCode, line.Debit, line.Credit, line.CostCenterID, line.Text); err != nil {
			return err
		}
	}
	return nil
}
