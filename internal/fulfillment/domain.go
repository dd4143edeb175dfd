package fulfillment

import (
	"errors"
	"time"
)

// SalesOrderStatus is the delivery progress of a sales order.
type SalesOrderStatus string

const (
	SalesOrderOpen      SalesOrderStatus = "OPEN"
	SalesOrderPartial   SalesOrderStatus = "PARTIALLY_DELIVERED"
	SalesOrderDelivered SalesOrderStatus = "DELIVERED"
)

// LineCompletion is the delivery completion of one order line, recomputed
// from shipped versus ordered quantity after every goods issue.
type LineCompletion string

const (
	CompletionPending LineCompletion = "PENDING"
	CompletionPartial LineCompletion = "PARTIAL"
	CompletionFull    LineCompletion = "FULL"
)

// SalesOrder is the parent document deliveries fulfil.
type SalesOrder struct {
	ID         int64
	Number     string
	CustomerID int64
	Status     SalesOrderStatus
	CreatedAt  time.Time
	Lines      []SalesOrderLine
}

// SalesOrderLine is one ordered material position.
type SalesOrderLine struct {
	ID              int64
	OrderID         int64
	MaterialID      int64
	PlantID         int64
	Quantity        float64
	ShippedQuantity float64
	Unit            string
	Completion      LineCompletion
}

// DeliveryStatus is the shipment state of a delivery.
type DeliveryStatus string

const (
	DeliveryOpen    DeliveryStatus = "OPEN"
	DeliveryShipped DeliveryStatus = "SHIPPED"
)

// Delivery groups order lines into one shipment.
type Delivery struct {
	ID        int64
	Number    string
	OrderID   int64
	Status    DeliveryStatus
	CreatedBy int64
	CreatedAt time.Time
	ShippedAt *time.Time
	Items     []DeliveryItem
}

// DeliveryItem references one order line, optionally pinned to a batch.
type DeliveryItem struct {
	ID          int64
	DeliveryID  int64
	OrderLineID int64
	MaterialID  int64
	PlantID     int64
	BatchNumber string
	Quantity    float64
}

// CreateDeliveryItemInput requests part of an order line on a delivery.
type CreateDeliveryItemInput struct {
	OrderLineID int64
	Quantity    float64
	BatchNumber string
}

// CreateDeliveryInput describes a new delivery.
type CreateDeliveryInput struct {
	OrderID int64
	ActorID int64
	Items   []CreateDeliveryItemInput
}

// ErrAlreadyShipped rejects a goods issue on a delivery that already shipped.
// The duplicate attempt is still audited.
var ErrAlreadyShipped = errors.New("fulfillment: delivery already shipped")

// ErrEmptyDelivery rejects a delivery without items.
var ErrEmptyDelivery = errors.New("fulfillment: delivery requires items")
