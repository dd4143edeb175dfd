package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meridian-erp/meridian-erp/internal/inventory"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

const (
	deliveryNumberWidth = 6
	orderNumberPrefix   = "SO"
	orderNumberWidth    = 6
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetDelivery(ctx context.Context, id int64) (Delivery, error)
	GetSalesOrder(ctx context.Context, id int64) (SalesOrder, error)
	ListDeliveries(ctx context.Context, limit int) ([]Delivery, error)
}

// TxRepository exposes the operations available inside one fulfillment
// transaction.
type TxRepository interface {
	MaxDeliveryNumber(ctx context.Context, fiscalYear int) (string, error)
	MaxOrderNumber(ctx context.Context, fiscalYear int) (string, error)
	InsertSalesOrder(ctx context.Context, order SalesOrder) (int64, error)
	InsertOrderLine(ctx context.Context, line SalesOrderLine) (int64, error)
	InsertDelivery(ctx context.Context, delivery Delivery) (int64, error)
	InsertDeliveryItem(ctx context.Context, item DeliveryItem) (int64, error)
	// MarkDeliveryShipped flips OPEN to SHIPPED conditionally and reports how
	// many rows changed. Zero rows means a concurrent duplicate.
	MarkDeliveryShipped(ctx context.Context, deliveryID int64, shippedAt time.Time) (int64, error)
	GetSalesOrderForUpdate(ctx context.Context, id int64) (SalesOrder, error)
	UpdateOrderLine(ctx context.Context, line SalesOrderLine) error
	UpdateOrderStatus(ctx context.Context, orderID int64, status SalesOrderStatus) error
	// InventoryTx exposes the movement posting surface of the same
	// transaction, so the goods-issue movement rolls back with the shipment.
	InventoryTx() inventory.TxRepository
}

// StockChecker re-derives availability at decision time.
type StockChecker interface {
	AvailableQuantity(ctx context.Context, materialID, plantID int64) (float64, error)
	GetBatch(ctx context.Context, materialID int64, number string) (inventory.Batch, error)
}

// MovementPoster posts the goods-issue movement for a shipment inside the
// shipment's own transaction.
type MovementPoster interface {
	PostMovementTx(ctx context.Context, tx inventory.TxRepository, input inventory.PostMovementInput) (inventory.PostedDocument, error)
}

// AuditPort abstracts audit logging. Goods-issue attempts are recorded
// through it even when the shipment transaction rolled back.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service creates deliveries gated on availability and posts goods issue
// idempotently.
type Service struct {
	repo   RepositoryPort
	stock  StockChecker
	poster MovementPoster
	audit  AuditPort
	now    func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, stock StockChecker, poster MovementPoster, audit AuditPort) *Service {
	return &Service{repo: repo, stock: stock, poster: poster, audit: audit, now: time.Now}
}

// WithNow overrides the clock, for tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CreateSalesOrderInput describes a new sales order.
type CreateSalesOrderInput struct {
	CustomerID int64
	ActorID    int64
	Lines      []CreateSalesOrderLineInput
}

// CreateSalesOrderLineInput is one ordered position.
type CreateSalesOrderLineInput struct {
	MaterialID int64
	PlantID    int64
	Quantity   float64
	Unit       string
}

// CreateSalesOrder inserts an OPEN sales order with PENDING lines.
func (s *Service) CreateSalesOrder(ctx context.Context, input CreateSalesOrderInput) (SalesOrder, error) {
	if len(input.Lines) == 0 {
		return SalesOrder{}, errors.New("fulfillment: sales order requires lines")
	}
	for i, line := range input.Lines {
		if line.Quantity <= 0 {
			return SalesOrder{}, fmt.Errorf("fulfillment: line %d quantity must be > 0", i+1)
		}
	}
	now := s.now().UTC()
	var order SalesOrder
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		fiscalYear := now.Year()
		maxNumber, err := tx.MaxOrderNumber(ctx, fiscalYear)
		if err != nil {
			return err
		}
		order = SalesOrder{
			Number:     shared.NextDocumentNumber(orderNumberPrefix, fiscalYear, maxNumber, orderNumberWidth),
			CustomerID: input.CustomerID,
			Status:     SalesOrderOpen,
			CreatedAt:  now,
		}
		id, err := tx.InsertSalesOrder(ctx, order)
		if err != nil {
			return err
		}
		order.ID = id
		for _, in := range input.Lines {
			line := SalesOrderLine{
				OrderID:    id,
				MaterialID: in.MaterialID,
				PlantID:    in.PlantID,
				Quantity:   in.Quantity,
				Unit:       in.Unit,
				Completion: CompletionPending,
			}
			lineID, err := tx.InsertOrderLine(ctx, line)
			if err != nil {
				return err
			}
			line.ID = lineID
			order.Lines = append(order.Lines, line)
		}
		return nil
	})
	if err != nil {
		return SalesOrder{}, err
	}
	return order, nil
}

// CreateDelivery builds delivery items from the requested order lines and
// persists the delivery once availability covers the demand.
func (s *Service) CreateDelivery(ctx context.Context, input CreateDeliveryInput) (Delivery, error) {
	if len(input.Items) == 0 {
		return Delivery{}, ErrEmptyDelivery
	}
	order, err := s.repo.GetSalesOrder(ctx, input.OrderID)
	if err != nil {
		return Delivery{}, err
	}
	linesByID := make(map[int64]SalesOrderLine, len(order.Lines))
	for _, line := range order.Lines {
		linesByID[line.ID] = line
	}

	items := make([]DeliveryItem, 0, len(input.Items))
	for i, in := range input.Items {
		line, ok := linesByID[in.OrderLineID]
		if !ok {
			return Delivery{}, fmt.Errorf("fulfillment: order %s has no line %d: %w", order.Number, in.OrderLineID, shared.ErrNotFound)
		}
		qty := in.Quantity
		if qty <= 0 {
			qty = line.Quantity - line.ShippedQuantity
		}
		if qty <= 0 {
			return Delivery{}, fmt.Errorf("fulfillment: item %d quantity must be > 0", i+1)
		}
		items = append(items, DeliveryItem{
			OrderLineID: line.ID,
			MaterialID:  line.MaterialID,
			PlantID:     line.PlantID,
			BatchNumber: in.BatchNumber,
			Quantity:    qty,
		})
	}

	if err := s.checkAvailability(ctx, items); err != nil {
		return Delivery{}, err
	}

	now := s.now().UTC()
	var delivery Delivery
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		fiscalYear := now.Year()
		maxNumber, err := tx.MaxDeliveryNumber(ctx, fiscalYear)
		if err != nil {
			return err
		}
		delivery = Delivery{
			Number:    shared.NextDocumentNumber(shared.PrefixDelivery, fiscalYear, maxNumber, deliveryNumberWidth),
			OrderID:   order.ID,
			Status:    DeliveryOpen,
			CreatedBy: input.ActorID,
			CreatedAt: now,
		}
		id, err := tx.InsertDelivery(ctx, delivery)
		if err != nil {
			return err
		}
		delivery.ID = id
		for _, item := range items {
			item.DeliveryID = id
			itemID, err := tx.InsertDeliveryItem(ctx, item)
			if err != nil {
				return err
			}
			item.ID = itemID
			delivery.Items = append(delivery.Items, item)
		}
		return nil
	})
	if err != nil {
		return Delivery{}, err
	}
	return delivery, nil
}

// availabilityKey aggregates demand by material, plant and batch-or-any.
type availabilityKey struct {
	materialID int64
	plantID    int64
	batch      string
}

// checkAvailability verifies that batch remaining quantities and plant-level
// ledger-derived stock cover the aggregated demand. Both checks run
// independently; a pinned batch must cover its share and the plant must cover
// the total.
func (s *Service) checkAvailability(ctx context.Context, items []DeliveryItem) error {
	demand := make(map[availabilityKey]float64)
	order := make([]availabilityKey, 0, len(items))
	for _, item := range items {
		key := availabilityKey{materialID: item.MaterialID, plantID: item.PlantID, batch: item.BatchNumber}
		if _, seen := demand[key]; !seen {
			order = append(order, key)
		}
		demand[key] += item.Quantity
	}

	plantDemand := make(map[availabilityKey]float64)
	for _, key := range order {
		qty := demand[key]
		if key.batch != "" {
			batch, err := s.stock.GetBatch(ctx, key.materialID, key.batch)
			if err != nil {
				return err
			}
			if batch.RemainingQuantity < qty {
				return &inventory.InsufficientStockError{
					MaterialID:  key.materialID,
					PlantID:     key.plantID,
					BatchNumber: key.batch,
					Available:   batch.RemainingQuantity,
					Requested:   qty,
				}
			}
		}
		plantKey := availabilityKey{materialID: key.materialID, plantID: key.plantID}
		plantDemand[plantKey] += qty
	}

	g, ctx := errgroup.WithContext(ctx)
	for key, qty := range plantDemand {
		g.Go(func() error {
			available, err := s.stock.AvailableQuantity(ctx, key.materialID, key.plantID)
			if err != nil {
				return err
			}
			if available < qty {
				return &inventory.InsufficientStockError{
					MaterialID: key.materialID,
					PlantID:    key.plantID,
					Available:  available,
					Requested:  qty,
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// PostGoodsIssue ships the delivery: re-checks availability, then commits the
// OPEN to SHIPPED transition, the issue-for-sales-order movement and the order
// line settlement in one transaction. Zero rows from the conditional update
// mean a concurrent duplicate; everything in the transaction, the movement
// included, rolls back with it. Every attempt is audited, blocked ones
// included.
func (s *Service) PostGoodsIssue(ctx context.Context, deliveryID, actorID int64) (Delivery, error) {
	delivery, err := s.repo.GetDelivery(ctx, deliveryID)
	if err != nil {
		return Delivery{}, err
	}
	if delivery.Status == DeliveryShipped {
		s.recordAttempt(ctx, actorID, delivery.Number, "duplicate-blocked", "already shipped")
		return Delivery{}, fmt.Errorf("%w: %s", ErrAlreadyShipped, delivery.Number)
	}

	// Time has passed since creation; the gate re-derives availability.
	if err := s.checkAvailability(ctx, delivery.Items); err != nil {
		s.recordAttempt(ctx, actorID, delivery.Number, "rejected", err.Error())
		return Delivery{}, err
	}

	movementItems := make([]inventory.PostMovementItemInput, 0, len(delivery.Items))
	for _, item := range delivery.Items {
		movementItems = append(movementItems, inventory.PostMovementItemInput{
			MaterialID:  item.MaterialID,
			PlantID:     item.PlantID,
			BatchNumber: item.BatchNumber,
			Quantity:    item.Quantity,
		})
	}

	shippedAt := s.now().UTC()
	var posted inventory.PostedDocument
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		affected, err := tx.MarkDeliveryShipped(ctx, delivery.ID, shippedAt)
		if err != nil {
			return err
		}
		// The conditional update, not the earlier read, is the concurrency
		// guard: a no-op update is a duplicate, never success. Losing here
		// means no movement is posted at all.
		if affected == 0 {
			return fmt.Errorf("%w: %s", ErrAlreadyShipped, delivery.Number)
		}
		posted, err = s.poster.PostMovementTx(ctx, tx.InventoryTx(), inventory.PostMovementInput{
			Kind:      inventory.MovementIssueForSalesOrder,
			Reference: delivery.Number,
			ActorID:   actorID,
			Items:     movementItems,
		})
		if err != nil {
			return err
		}
		return s.settleOrderLines(ctx, tx, delivery)
	})
	if err != nil {
		reason := "rejected"
		if errors.Is(err, ErrAlreadyShipped) {
			reason = "duplicate-blocked"
		}
		s.recordAttempt(ctx, actorID, delivery.Number, reason, err.Error())
		return Delivery{}, err
	}

	delivery.Status = DeliveryShipped
	delivery.ShippedAt = &shippedAt
	s.recordAttempt(ctx, actorID, delivery.Number, "posted", posted.Document.Number)
	return delivery, nil
}

// settleOrderLines recomputes each touched line's completion from shipped
// versus ordered quantity and promotes the order when fully delivered.
func (s *Service) settleOrderLines(ctx context.Context, tx TxRepository, delivery Delivery) error {
	order, err := tx.GetSalesOrderForUpdate(ctx, delivery.OrderID)
	if err != nil {
		return err
	}
	shippedByLine := make(map[int64]float64)
	for _, item := range delivery.Items {
		shippedByLine[item.OrderLineID] += item.Quantity
	}

	allFull := true
	anyShipped := false
	for i := range order.Lines {
		line := &order.Lines[i]
		if qty, ok := shippedByLine[line.ID]; ok {
			line.ShippedQuantity += qty
			switch {
			case line.ShippedQuantity >= line.Quantity:
				line.Completion = CompletionFull
			case line.ShippedQuantity > 0:
				line.Completion = CompletionPartial
			default:
				line.Completion = CompletionPending
			}
			if err := tx.UpdateOrderLine(ctx, *line); err != nil {
				return err
			}
		}
		if line.Completion != CompletionFull {
			allFull = false
		}
		if line.ShippedQuantity > 0 {
			anyShipped = true
		}
	}

	status := SalesOrderOpen
	switch {
	case allFull:
		status = SalesOrderDelivered
	case anyShipped:
		status = SalesOrderPartial
	}
	if status != order.Status {
		return tx.UpdateOrderStatus(ctx, order.ID, status)
	}
	return nil
}

// GetDelivery returns one delivery with items.
func (s *Service) GetDelivery(ctx context.Context, id int64) (Delivery, error) {
	return s.repo.GetDelivery(ctx, id)
}

// GetSalesOrder returns one sales order with lines.
func (s *Service) GetSalesOrder(ctx context.Context, id int64) (SalesOrder, error) {
	return s.repo.GetSalesOrder(ctx, id)
}

// ListDeliveries lists recent deliveries.
func (s *Service) ListDeliveries(ctx context.Context, limit int) ([]Delivery, error) {
	return s.repo.ListDeliveries(ctx, limit)
}

func (s *Service) recordAttempt(ctx context.Context, actorID int64, deliveryNumber, outcome, detail string) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "fulfillment:post_goods_issue",
		Entity:   "delivery",
		EntityID: deliveryNumber,
		Meta: map[string]any{
			"outcome": outcome,
			"detail":  detail,
		},
		At: s.now(),
	})
}
