package accounting

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// BalanceTolerance is the maximum accepted debit/credit difference per entry.
var BalanceTolerance = decimal.NewFromFloat(0.01)

// LedgerEntry is a posted journal document. Σdebit == Σcredit within tolerance.
type LedgerEntry struct {
	ID          int64
	Number      string
	CompanyID   int64
	FiscalYear  int
	Period      int
	DocumentDate time.Time
	PostingDate time.Time
	HeaderText  string
	Reference   string
	Lines       []LedgerLine
	CreatedAt   time.Time
}

// LedgerLine is one account posting within an entry.
type LedgerLine struct {
	ID           int64
	EntryID      int64
	AccountID    int64
	AccountCode  string
	Debit        decimal.Decimal
	Credit       decimal.Decimal
	CostCenterID *int64
	Text         string
}

// WriteInput describes a journal document to be written.
type WriteInput struct {
	CompanyID   int64
	DocumentDate time.Time
	PostingDate time.Time
	HeaderText  string
	Reference   string
	Lines       []WriteLine
}

// WriteLine is one requested posting line.
type WriteLine struct {
	AccountID    int64
	AccountCode  string
	Debit        decimal.Decimal
	Credit       decimal.Decimal
	CostCenterID *int64
	Text         string
}

// ErrNoLines indicates an entry without lines.
var ErrNoLines = errors.New("accounting: ledger entry requires lines")

// UnbalancedError rejects an entry whose debits and credits diverge beyond
// tolerance. It is a configuration error: nothing is written.
type UnbalancedError struct {
	Debit  decimal.Decimal
	Credit decimal.Decimal
}

func (e *UnbalancedError) Error() string {
	return fmt.Sprintf("accounting: unbalanced entry: debit=%s credit=%s", e.Debit, e.Credit)
}

// MappingKey addresses one account-determination row. ValuationClass and
// MaterialKind may be the Wildcard.
type MappingKey struct {
	MovementKind   string
	CompanyID      int64
	ValuationClass string
	MaterialKind   string
}

// Wildcard matches any valuation class or material kind.
const Wildcard = "*"

func (k MappingKey) String() string {
	return fmt.Sprintf("(kind=%s company=%d valClass=%s matKind=%s)", k.MovementKind, k.CompanyID, k.ValuationClass, k.MaterialKind)
}

// Mapping holds the configured target accounts for a key.
type Mapping struct {
	InventoryAccount string
	OffsetAccount    string
}

// ConfigError reports a failed account determination together with every key
// that was attempted. It is non-retriable.
type ConfigError struct {
	Reason string
	Keys   []MappingKey
}

func (e *ConfigError) Error() string {
	keys := make([]string, 0, len(e.Keys))
	for _, k := range e.Keys {
		keys = append(keys, k.String())
	}
	return fmt.Sprintf("accounting: %s; attempted keys: %s", e.Reason, strings.Join(keys, ", "))
}
