package inventory

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MovementKind enumerates supported stock movements.
type MovementKind string

const (
	// MovementReceiptPurchaseOrder is a goods receipt against a purchase order.
	MovementReceiptPurchaseOrder MovementKind = "GR_PO"
	// MovementReceiptProductionOrder is a finished-goods receipt from production.
	MovementReceiptProductionOrder MovementKind = "GR_PROD"
	// MovementInitialStock is an opening stock entry.
	MovementInitialStock MovementKind = "INIT"
	// MovementIssueForOrder is a component issue to a production order.
	MovementIssueForOrder MovementKind = "GI_ORDER"
	// MovementIssueToCostCenter is an expense issue to a cost center.
	MovementIssueToCostCenter MovementKind = "GI_COST_CENTER"
	// MovementIssueForSalesOrder is the goods issue of a delivery.
	MovementIssueForSalesOrder MovementKind = "GI_SALES"
)

// PostingSide is the debit/credit indicator of a movement item.
type PostingSide string

const (
	SideDebit  PostingSide = "S"
	SideCredit PostingSide = "H"
)

// postingSides is the fixed, exhaustive movement-kind classification. Kinds
// missing from the table are rejected, not defaulted.
var postingSides = map[MovementKind]PostingSide{
	MovementReceiptPurchaseOrder:   SideDebit,
	MovementReceiptProductionOrder: SideDebit,
	MovementInitialStock:           SideDebit,
	MovementIssueForOrder:          SideCredit,
	MovementIssueToCostCenter:      SideCredit,
	MovementIssueForSalesOrder:     SideCredit,
}

// ErrUnknownMovementKind rejects kinds outside the classification table.
var ErrUnknownMovementKind = errors.New("inventory: unknown movement kind")

// PostingSide returns the debit/credit indicator for the kind.
func (k MovementKind) PostingSide() (PostingSide, error) {
	side, ok := postingSides[k]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownMovementKind, k)
	}
	return side, nil
}

// DocumentStatus distinguishes posted documents from drafts staged by the
// production outbox.
type DocumentStatus string

const (
	DocumentStatusDraft  DocumentStatus = "DRAFT"
	DocumentStatusPosted DocumentStatus = "POSTED"
)

// BatchStatus is the quality status of a batch.
type BatchStatus string

const (
	BatchStatusAvailable  BatchStatus = "AVAILABLE"
	BatchStatusQuarantine BatchStatus = "QUARANTINE"
	BatchStatusReserved   BatchStatus = "RESERVED"
)

// Batch is a tracked lot of a material. Batches are never deleted; they are
// the audit trail of every movement that touched them.
type Batch struct {
	ID                int64
	MaterialID        int64
	Number            string
	Quantity          float64
	RemainingQuantity float64
	Status            BatchStatus
	ExpiryDate        *time.Time
	CreatedAt         time.Time
}

// MovementDocument is the header of a stock movement.
type MovementDocument struct {
	ID           int64
	Number       string
	Kind         MovementKind
	Status       DocumentStatus
	CompanyID    int64
	DocumentDate time.Time
	PostingDate  time.Time
	Reference    string
	CreatedBy    int64
	CreatedAt    time.Time
	Items        []MovementItem
}

// MovementItem is one material movement line. Items are immutable once the
// document is posted.
type MovementItem struct {
	ID              int64
	DocumentID      int64
	MaterialID      int64
	PlantID         int64
	StorageLocation string
	BatchID         *int64
	BatchNumber     string
	Quantity        float64
	Unit            string
	Amount          decimal.Decimal
	Side            PostingSide
}

// PostMovementInput describes a movement posting request.
type PostMovementInput struct {
	Kind         MovementKind
	DocumentDate time.Time
	PostingDate  time.Time
	Reference    string
	ActorID      int64
	Items        []PostMovementItemInput
}

// PostMovementItemInput is one requested line. Amount overrides the standard
// cost valuation when supplied.
type PostMovementItemInput struct {
	MaterialID      int64
	PlantID         int64
	StorageLocation string
	BatchNumber     string
	Quantity        float64
	Amount          *decimal.Decimal
}

// PostedDocument is the outcome of a posting: the movement document and the
// balanced ledger entry written in the same transaction.
type PostedDocument struct {
	Document MovementDocument
	Entry    LedgerEntryRef
}

// LedgerEntryRef identifies the accounting document created for a movement.
type LedgerEntryRef struct {
	ID     int64
	Number string
}

// ErrInvalidQuantity indicates a non-positive item quantity.
var ErrInvalidQuantity = errors.New("inventory: quantity must be > 0")

// InsufficientStockError rejects a stock decrease that would go negative for a
// material without a negative-stock exception.
type InsufficientStockError struct {
	MaterialID  int64
	PlantID     int64
	BatchNumber string
	Available   float64
	Requested   float64
}

func (e *InsufficientStockError) Error() string {
	if e.BatchNumber != "" {
		return fmt.Sprintf("inventory: insufficient stock: material=%d plant=%d batch=%s available=%.3f requested=%.3f",
			e.MaterialID, e.PlantID, e.BatchNumber, e.Available, e.Requested)
	}
	return fmt.Sprintf("inventory: insufficient stock: material=%d plant=%d available=%.3f requested=%.3f",
		e.MaterialID, e.PlantID, e.Available, e.Requested)
}

// AccountClassError aborts an issue-for-sales-order whose resolved accounts
// are not ASSET inventory / EXPENSE offset. The mapping was pre-configured,
// so this is a configuration error caught defensively at posting time.
type AccountClassError struct {
	InventoryAccount string
	InventoryClass   string
	OffsetAccount    string
	OffsetClass      string
}

func (e *AccountClassError) Error() string {
	return fmt.Sprintf("inventory: sales issue requires ASSET inventory and EXPENSE offset accounts, got %s(%s) / %s(%s)",
		e.InventoryAccount, e.InventoryClass, e.OffsetAccount, e.OffsetClass)
}
