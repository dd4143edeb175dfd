package production

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of a production order.
type OrderStatus string

const (
	StatusDraft      OrderStatus = "DRAFT"
	StatusPlanned    OrderStatus = "PLANNED"
	StatusInProgress OrderStatus = "IN_PROGRESS"
	StatusCompleted  OrderStatus = "COMPLETED"
	StatusCancelled  OrderStatus = "CANCELLED"
)

// OperationStatus tracks an operation within an order. Confirmation parks the
// operation in QUALITY_PENDING until inspection clears it.
type OperationStatus string

const (
	OperationPending        OperationStatus = "PENDING"
	OperationQualityPending OperationStatus = "QUALITY_PENDING"
	OperationClosed         OperationStatus = "CLOSED"
)

// ProductionOrder is the order header.
type ProductionOrder struct {
	ID              int64
	Number          string
	MaterialID      int64
	BOMID           int64
	PlannedQuantity float64
	ActualQuantity  float64
	WasteQuantity   float64
	Status          OrderStatus
	ActualStart     *time.Time
	ActualEnd       *time.Time
	CreatedBy       int64
	CreatedAt       time.Time
	Operations      []Operation
}

// Operation is one routing step executed at a work center.
type Operation struct {
	ID               int64
	OrderID          int64
	Sequence         int
	Description      string
	WorkCenterID     int64
	Status           OperationStatus
	ProducedQuantity float64
	WasteQuantity    float64
	Cost             decimal.Decimal
	ActualStart      *time.Time
	ConfirmedAt      *time.Time
}

// BOM is the bill of material an order consumes against. BatchSize is the
// output quantity the line quantities are stated for.
type BOM struct {
	ID         int64
	MaterialID int64
	BatchSize  float64
	Lines      []BOMLine
}

// BOMLine is one component requirement.
type BOMLine struct {
	ID             int64
	MaterialID     int64
	PlantID        int64
	Quantity       float64
	Unit           string
	WastagePercent float64
}

// RequiredQuantity scales the line to the order quantity and adds the wastage
// allowance.
func (l BOMLine) RequiredQuantity(scaling float64) float64 {
	return l.Quantity * scaling * (1 + l.WastagePercent/100)
}

// ReservationStatus is the lifecycle of a material reservation.
type ReservationStatus string

const (
	ReservationOpen     ReservationStatus = "OPEN"
	ReservationReleased ReservationStatus = "RELEASED"
	ReservationConsumed ReservationStatus = "CONSUMED"
)

// Reservation earmarks component stock for a started order without moving it.
type Reservation struct {
	ID         int64
	OrderID    int64
	MaterialID int64
	PlantID    int64
	Quantity   float64
	Unit       string
	Status     ReservationStatus
	CreatedAt  time.Time
}

// TransitionError rejects an undeclared state transition.
type TransitionError struct {
	Current OrderStatus
	Target  OrderStatus
	Allowed []OrderStatus
}

func (e *TransitionError) Error() string {
	allowed := make([]string, 0, len(e.Allowed))
	for _, s := range e.Allowed {
		allowed = append(allowed, string(s))
	}
	return fmt.Sprintf("production: illegal transition %s -> %s (allowed: %s)",
		e.Current, e.Target, strings.Join(allowed, ", "))
}

// CostPostingPolicy controls what happens when an operation confirmation
// cannot resolve the cost center or company for its activity-cost entry.
type CostPostingPolicy string

const (
	// CostPolicyLenient skips the financial posting and lets the confirmation
	// succeed.
	CostPolicyLenient CostPostingPolicy = "lenient"
	// CostPolicyStrict fails the confirmation instead.
	CostPolicyStrict CostPostingPolicy = "strict"
)
