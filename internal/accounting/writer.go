package accounting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// entryNumberWidth is the zero-padded suffix width of FI document numbers.
const entryNumberWidth = 8

// TxLedger exposes the ledger operations available inside a caller-owned
// transaction. Posting components share one transaction across stock mutation
// and ledger write, so the writer never opens its own.
type TxLedger interface {
	MaxEntryNumber(ctx context.Context, companyID int64, fiscalYear int) (string, error)
	InsertLedgerEntry(ctx context.Context, entry LedgerEntry) (int64, error)
	InsertLedgerLines(ctx context.Context, entryID int64, lines []LedgerLine) error
}

// Writer creates balanced journal documents with sequential per-year numbering.
type Writer struct {
	now func() time.Time
}

// NewWriter constructs Writer.
func NewWriter() *Writer {
	return &Writer{now: time.Now}
}

// WithNow overrides the clock, for tests.
func (w *Writer) WithNow(now func() time.Time) {
	if now != nil {
		w.now = now
	}
}

// Write validates balance, derives fiscal year and period from the posting
// date, assigns the next FI number and persists the entry through tx. An
// unbalanced input writes nothing.
func (w *Writer) Write(ctx context.Context, tx TxLedger, in WriteInput) (LedgerEntry, error) {
	if in.CompanyID == 0 {
		return LedgerEntry{}, errors.New("accounting: company required")
	}
	if len(in.Lines) == 0 {
		return LedgerEntry{}, ErrNoLines
	}

	totalDebit := decimal.Zero
	totalCredit := decimal.Zero
	for _, line := range in.Lines {
		if line.Debit.IsNegative() || line.Credit.IsNegative() {
			return LedgerEntry{}, fmt.Errorf("accounting: negative amount on account %s", line.AccountCode)
		}
		totalDebit = totalDebit.Add(line.Debit)
		totalCredit = totalCredit.Add(line.Credit)
	}
	if totalDebit.Sub(totalCredit).Abs().GreaterThan(BalanceTolerance) {
		return LedgerEntry{}, &UnbalancedError{Debit: totalDebit, Credit: totalCredit}
	}

	postingDate := in.PostingDate
	if postingDate.IsZero() {
		postingDate = w.now().UTC()
	}
	documentDate := in.DocumentDate
	if documentDate.IsZero() {
		documentDate = postingDate
	}
	fiscalYear := postingDate.Year()
	period := int(postingDate.Month())

	maxNumber, err := tx.MaxEntryNumber(ctx, in.CompanyID, fiscalYear)
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("accounting: max entry number: %w", err)
	}

	entry := LedgerEntry{
		Number:       shared.NextDocumentNumber(shared.PrefixLedger, fiscalYear, maxNumber, entryNumberWidth),
		CompanyID:    in.CompanyID,
		FiscalYear:   fiscalYear,
		Period:       period,
		DocumentDate: documentDate,
		PostingDate:  postingDate,
		HeaderText:   in.HeaderText,
		Reference:    in.Reference,
		CreatedAt:    w.now().UTC(),
	}
	entryID, err := tx.InsertLedgerEntry(ctx, entry)
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("accounting: insert entry: %w", err)
	}
	entry.ID = entryID

	lines := make([]LedgerLine, 0, len(in.Lines))
	for _, line := range in.Lines {
		lines = append(lines, LedgerLine{
			EntryID:      entryID,
			AccountID:    line.AccountID,
			AccountCode:  line.AccountCode,
			Debit:        line.Debit,
			Credit:       line.Credit,
			CostCenterID: line.CostCenterID,
			Text:         line.Text,
		})
	}
	if err := tx.InsertLedgerLines(ctx, entryID, lines); err != nil {
		return LedgerEntry{}, fmt.Errorf("accounting: insert lines: %w", err)
	}
	entry.Lines = lines
	return entry, nil
}
