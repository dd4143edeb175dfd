package production

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/accounting"
	"github.com/meridian-erp/meridian-erp/internal/inventory"
	"github.com/meridian-erp/meridian-erp/internal/masterdata"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

const (
	orderNumberPrefix = "PRD"
	orderNumberWidth  = 6
	maxIntentAttempts = 3
)

// ErrCostContextUnresolved fails an operation confirmation under the strict
// cost-posting policy when the cost center, company or costing accounts
// cannot be resolved.
var ErrCostContextUnresolved = errors.New("production: cost posting context unresolved")

// ErrOrderNotInProgress rejects confirmations against orders outside
// IN_PROGRESS.
var ErrOrderNotInProgress = errors.New("production: order is not in progress")

// ErrOperationNotFound indicates a missing operation row.
var ErrOperationNotFound = errors.New("production: operation not found")

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetOrder(ctx context.Context, id int64) (ProductionOrder, error)
	GetBOM(ctx context.Context, id int64) (BOM, error)
	ListOrders(ctx context.Context, limit int) ([]ProductionOrder, error)
	PendingIntents(ctx context.Context, limit int) ([]OutboxIntent, error)
	MarkIntent(ctx context.Context, id string, status IntentStatus, attempts int) error
}

// TxRepository exposes the operations available inside one order transaction.
// It embeds the ledger writer surface so activity-cost and closing entries
// commit with the state change that caused them.
type TxRepository interface {
	accounting.TxLedger
	MaxOrderNumber(ctx context.Context, fiscalYear int) (string, error)
	InsertOrder(ctx context.Context, order ProductionOrder) (int64, error)
	InsertOperation(ctx context.Context, op Operation) (int64, error)
	GetOrderForUpdate(ctx context.Context, id int64) (ProductionOrder, error)
	UpdateOrder(ctx context.Context, order ProductionOrder) error
	UpdateOperation(ctx context.Context, op Operation) error
	InsertReservation(ctx context.Context, res Reservation) (int64, error)
	ReleaseReservations(ctx context.Context, orderID int64) error
	ConsumeReservations(ctx context.Context, orderID int64) error
	InsertIntent(ctx context.Context, intent OutboxIntent) error
	CancelPendingIntents(ctx context.Context, orderID int64) error
	// InventoryTx exposes the movement posting surface of the same
	// transaction, so the receipt commits or rolls back with the closing.
	InventoryTx() inventory.TxRepository
}

// MasterData reads the upstream production hierarchy and account master.
type MasterData interface {
	GetMaterial(ctx context.Context, id int64) (masterdata.Material, error)
	GetPlant(ctx context.Context, id int64) (masterdata.Plant, error)
	GetWorkCenter(ctx context.Context, id int64) (masterdata.WorkCenter, error)
	GetCostCenter(ctx context.Context, id int64) (masterdata.CostCenter, error)
	GetAccountByCode(ctx context.Context, code string) (masterdata.GLAccount, error)
}

// MovementPoster posts and stages stock movements on behalf of orders. The
// finished-goods receipt posts inside the closing transaction.
type MovementPoster interface {
	PostMovementTx(ctx context.Context, tx inventory.TxRepository, input inventory.PostMovementInput) (inventory.PostedDocument, error)
	CreateDraftDocument(ctx context.Context, input inventory.PostMovementInput) (inventory.MovementDocument, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// CostingAccounts are the fixed GL account codes the order lifecycle posts to.
type CostingAccounts struct {
	ActivityExpense string
	ActivityAccrual string
	FinishedGoods   string
	CostingClearing string
}

// Service drives the production-order lifecycle: the state machine, the
// reservation outbox, operation costing and order closing.
type Service struct {
	logger   *slog.Logger
	repo     RepositoryPort
	master   MasterData
	poster   MovementPoster
	writer   *accounting.Writer
	audit    AuditPort
	accounts CostingAccounts
	policy   CostPostingPolicy
	now      func() time.Time
}

// NewService builds Service.
func NewService(logger *slog.Logger, repo RepositoryPort, master MasterData, poster MovementPoster, writer *accounting.Writer, audit AuditPort, accounts CostingAccounts, policy CostPostingPolicy) *Service {
	if policy != CostPolicyStrict {
		policy = CostPolicyLenient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		logger:   logger,
		repo:     repo,
		master:   master,
		poster:   poster,
		writer:   writer,
		audit:    audit,
		accounts: accounts,
		policy:   policy,
		now:      time.Now,
	}
}

// WithNow overrides the clock, for tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// OperationInput describes one routing step of a new order.
type OperationInput struct {
	Sequence     int
	Description  string
	WorkCenterID int64
}

// CreateOrderInput describes a new production order.
type CreateOrderInput struct {
	MaterialID      int64
	BOMID           int64
	PlannedQuantity float64
	ActorID         int64
	Operations      []OperationInput
}

// CreateOrder inserts a DRAFT order with its operations.
func (s *Service) CreateOrder(ctx context.Context, input CreateOrderInput) (ProductionOrder, error) {
	if input.PlannedQuantity <= 0 {
		return ProductionOrder{}, errors.New("production: planned quantity must be > 0")
	}
	if len(input.Operations) == 0 {
		return ProductionOrder{}, errors.New("production: order requires operations")
	}
	if _, err := s.master.GetMaterial(ctx, input.MaterialID); err != nil {
		return ProductionOrder{}, err
	}
	bom, err := s.repo.GetBOM(ctx, input.BOMID)
	if err != nil {
		return ProductionOrder{}, err
	}
	if bom.BatchSize <= 0 {
		return ProductionOrder{}, errors.New("production: BOM batch size must be > 0")
	}
	for _, op := range input.Operations {
		if _, err := s.master.GetWorkCenter(ctx, op.WorkCenterID); err != nil {
			return ProductionOrder{}, err
		}
	}

	now := s.now().UTC()
	var order ProductionOrder
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		fiscalYear := now.Year()
		maxNumber, err := tx.MaxOrderNumber(ctx, fiscalYear)
		if err != nil {
			return err
		}
		order = ProductionOrder{
			Number:          shared.NextDocumentNumber(orderNumberPrefix, fiscalYear, maxNumber, orderNumberWidth),
			MaterialID:      input.MaterialID,
			BOMID:           input.BOMID,
			PlannedQuantity: input.PlannedQuantity,
			Status:          StatusDraft,
			CreatedBy:       input.ActorID,
			CreatedAt:       now,
		}
		id, err := tx.InsertOrder(ctx, order)
		if err != nil {
			return err
		}
		order.ID = id
		for _, in := range input.Operations {
			op := Operation{
				OrderID:      id,
				Sequence:     in.Sequence,
				Description:  in.Description,
				WorkCenterID: in.WorkCenterID,
				Status:       OperationPending,
				Cost:         decimal.Zero,
			}
			opID, err := tx.InsertOperation(ctx, op)
			if err != nil {
				return err
			}
			op.ID = opID
			order.Operations = append(order.Operations, op)
		}
		return nil
	})
	if err != nil {
		return ProductionOrder{}, err
	}
	return order, nil
}

// Plan advances a DRAFT order to PLANNED.
func (s *Service) Plan(ctx context.Context, orderID int64) (ProductionOrder, error) {
	var order ProductionOrder
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		order, err = tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if err := Transition(order.Status, StatusPlanned); err != nil {
			return err
		}
		order.Status = StatusPlanned
		return tx.UpdateOrder(ctx, order)
	})
	if err != nil {
		return ProductionOrder{}, err
	}
	return order, nil
}

// Start moves the order to IN_PROGRESS, auto-advancing through PLANNED when
// started from DRAFT. It emits reservation and draft-consumption intents to
// the outbox in the same transaction; no stock moves synchronously.
func (s *Service) Start(ctx context.Context, orderID, actorID int64) (ProductionOrder, error) {
	var order ProductionOrder
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		order, err = tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status == StatusDraft {
			if err := Transition(order.Status, StatusPlanned); err != nil {
				return err
			}
			order.Status = StatusPlanned
		}
		if err := Transition(order.Status, StatusInProgress); err != nil {
			return err
		}

		bom, err := s.repo.GetBOM(ctx, order.BOMID)
		if err != nil {
			return err
		}
		scaling := order.PlannedQuantity / bom.BatchSize
		components := make([]ComponentRequirement, 0, len(bom.Lines))
		for _, line := range bom.Lines {
			components = append(components, ComponentRequirement{
				MaterialID: line.MaterialID,
				PlantID:    line.PlantID,
				Quantity:   line.RequiredQuantity(scaling),
				Unit:       line.Unit,
			})
		}

		now := s.now().UTC()
		order.Status = StatusInProgress
		order.ActualStart = &now
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}
		// The first routing step begins with the order; later steps begin when
		// their predecessor is confirmed.
		if len(order.Operations) > 0 {
			order.Operations[0].ActualStart = &now
			if err := tx.UpdateOperation(ctx, order.Operations[0]); err != nil {
				return err
			}
		}

		payload := IntentPayload{OrderNumber: order.Number, Components: components}
		for _, kind := range []IntentKind{IntentReserveMaterials, IntentStageConsumption} {
			intent, err := newIntent(order.ID, kind, payload, now)
			if err != nil {
				return err
			}
			if err := tx.InsertIntent(ctx, intent); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ProductionOrder{}, err
	}
	s.recordAudit(ctx, actorID, "production:start", order.Number, nil)
	return order, nil
}

// ConfirmOperation records produced and waste quantities, parks the operation
// in QUALITY_PENDING and posts the activity cost. Cost is hours times the
// work-center hourly rate; hours come from durationMinutes, falling back to
// elapsed time since the operation started.
func (s *Service) ConfirmOperation(ctx context.Context, orderID, opID int64, producedQty, wasteQty, durationMinutes float64) (Operation, error) {
	if producedQty < 0 || wasteQty < 0 {
		return Operation{}, errors.New("production: quantities must be >= 0")
	}
	var confirmed Operation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != StatusInProgress {
			return fmt.Errorf("%w: %s is %s", ErrOrderNotInProgress, order.Number, order.Status)
		}
		var op *Operation
		for i := range order.Operations {
			if order.Operations[i].ID == opID {
				op = &order.Operations[i]
				break
			}
		}
		if op == nil {
			return fmt.Errorf("%w: order %s op %d", ErrOperationNotFound, order.Number, opID)
		}

		now := s.now().UTC()
		hours := durationMinutes / 60
		if durationMinutes <= 0 {
			start := order.ActualStart
			if op.ActualStart != nil {
				start = op.ActualStart
			}
			if start != nil {
				hours = now.Sub(*start).Hours()
			}
		}

		workCenter, err := s.master.GetWorkCenter(ctx, op.WorkCenterID)
		if err != nil {
			return err
		}
		cost := decimal.NewFromFloat(hours).Mul(workCenter.HourlyCost)

		op.Status = OperationQualityPending
		op.ProducedQuantity += producedQty
		op.WasteQuantity += wasteQty
		op.Cost = op.Cost.Add(cost)
		op.ConfirmedAt = &now
		if err := tx.UpdateOperation(ctx, *op); err != nil {
			return err
		}

		order.ActualQuantity += producedQty
		order.WasteQuantity += wasteQty
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}

		if cost.IsPositive() {
			if err := s.postActivityCost(ctx, tx, order, *op, workCenter, cost, now); err != nil {
				return err
			}
		}

		// Confirming one step starts the clock on the next pending one.
		for i := range order.Operations {
			next := &order.Operations[i]
			if next.Status == OperationPending && next.Sequence > op.Sequence && next.ActualStart == nil {
				next.ActualStart = &now
				if err := tx.UpdateOperation(ctx, *next); err != nil {
					return err
				}
				break
			}
		}
		confirmed = *op
		return nil
	})
	if err != nil {
		return Operation{}, err
	}
	return confirmed, nil
}

// postActivityCost writes the debit-expense / credit-accrual entry for one
// confirmation. An unresolvable cost center, company or account is skipped or
// escalated according to the configured policy.
func (s *Service) postActivityCost(ctx context.Context, tx TxRepository, order ProductionOrder, op Operation, workCenter masterdata.WorkCenter, cost decimal.Decimal, now time.Time) error {
	companyID, costCenterID, expense, accrual, err := s.resolveCostContext(ctx, workCenter)
	if err != nil {
		if s.policy == CostPolicyStrict {
			return fmt.Errorf("%w: %v", ErrCostContextUnresolved, err)
		}
		s.logger.Warn("activity cost skipped",
			slog.String("order", order.Number),
			slog.Int64("operation", op.ID),
			slog.Any("reason", err))
		return nil
	}
	_, err = s.writer.Write(ctx, tx, accounting.WriteInput{
		CompanyID:   companyID,
		PostingDate: now,
		HeaderText:  fmt.Sprintf("Activity cost %s op %d", order.Number, op.Sequence),
		Reference:   order.Number,
		Lines: []accounting.WriteLine{
			{AccountID: expense.ID, AccountCode: expense.Code, Debit: cost, CostCenterID: &costCenterID},
			{AccountID: accrual.ID, AccountCode: accrual.Code, Credit: cost},
		},
	})
	return err
}

func (s *Service) resolveCostContext(ctx context.Context, workCenter masterdata.WorkCenter) (int64, int64, masterdata.GLAccount, masterdata.GLAccount, error) {
	var none masterdata.GLAccount
	if workCenter.CostCenterID == 0 {
		return 0, 0, none, none, fmt.Errorf("work center %s has no cost center", workCenter.Code)
	}
	costCenter, err := s.master.GetCostCenter(ctx, workCenter.CostCenterID)
	if err != nil {
		return 0, 0, none, none, err
	}
	if costCenter.CompanyID == 0 {
		return 0, 0, none, none, fmt.Errorf("cost center %s has no company", costCenter.Code)
	}
	expense, err := s.master.GetAccountByCode(ctx, s.accounts.ActivityExpense)
	if err != nil {
		return 0, 0, none, none, err
	}
	accrual, err := s.master.GetAccountByCode(ctx, s.accounts.ActivityAccrual)
	if err != nil {
		return 0, 0, none, none, err
	}
	return costCenter.CompanyID, costCenter.ID, expense, accrual, nil
}

// Complete closes an IN_PROGRESS order: posts the finished-goods receipt at
// the plant of the first operation's work center, writes the closing entry
// for the accumulated activity cost, consumes reservations and sets the
// terminal state.
func (s *Service) Complete(ctx context.Context, orderID, actorID int64) (ProductionOrder, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return ProductionOrder{}, err
	}
	if err := Transition(order.Status, StatusCompleted); err != nil {
		return ProductionOrder{}, err
	}
	if len(order.Operations) == 0 {
		return ProductionOrder{}, errors.New("production: order has no operations")
	}
	workCenter, err := s.master.GetWorkCenter(ctx, order.Operations[0].WorkCenterID)
	if err != nil {
		return ProductionOrder{}, err
	}
	plant, err := s.master.GetPlant(ctx, workCenter.PlantID)
	if err != nil {
		return ProductionOrder{}, err
	}

	var receipt inventory.PostedDocument
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		// The locked re-check is the duplicate guard; a receipt posted here
		// rolls back whenever the closing does.
		if err := Transition(current.Status, StatusCompleted); err != nil {
			return err
		}

		quantity := current.ActualQuantity
		if quantity <= 0 {
			quantity = current.PlannedQuantity
		}
		receipt, err = s.poster.PostMovementTx(ctx, tx.InventoryTx(), inventory.PostMovementInput{
			Kind:      inventory.MovementReceiptProductionOrder,
			Reference: current.Number,
			ActorID:   actorID,
			Items: []inventory.PostMovementItemInput{
				{MaterialID: current.MaterialID, PlantID: plant.ID, Quantity: quantity},
			},
		})
		if err != nil {
			return err
		}

		totalCost := decimal.Zero
		for _, op := range current.Operations {
			totalCost = totalCost.Add(op.Cost)
		}
		if totalCost.IsPositive() {
			if err := s.postClosingEntry(ctx, tx, current, plant.CompanyID, totalCost); err != nil {
				return err
			}
		}

		now := s.now().UTC()
		current.Status = StatusCompleted
		current.ActualEnd = &now
		if err := tx.UpdateOrder(ctx, current); err != nil {
			return err
		}
		if err := tx.ConsumeReservations(ctx, orderID); err != nil {
			return err
		}
		order = current
		return nil
	})
	if err != nil {
		return ProductionOrder{}, err
	}
	s.recordAudit(ctx, actorID, "production:complete", order.Number, map[string]any{
		"receipt": receipt.Document.Number,
	})
	return order, nil
}

func (s *Service) postClosingEntry(ctx context.Context, tx TxRepository, order ProductionOrder, companyID int64, amount decimal.Decimal) error {
	finishedGoods, err := s.master.GetAccountByCode(ctx, s.accounts.FinishedGoods)
	if err != nil {
		return err
	}
	clearing, err := s.master.GetAccountByCode(ctx, s.accounts.CostingClearing)
	if err != nil {
		return err
	}
	_, err = s.writer.Write(ctx, tx, accounting.WriteInput{
		CompanyID:   companyID,
		PostingDate: s.now().UTC(),
		HeaderText:  fmt.Sprintf("Order settlement %s", order.Number),
		Reference:   order.Number,
		Lines: []accounting.WriteLine{
			{AccountID: finishedGoods.ID, AccountCode: finishedGoods.Code, Debit: amount},
			{AccountID: clearing.ID, AccountCode: clearing.Code, Credit: amount},
		},
	})
	return err
}

// Cancel terminates the order, releases its reservations and cancels pending
// outbox intents.
func (s *Service) Cancel(ctx context.Context, orderID, actorID int64) (ProductionOrder, error) {
	var order ProductionOrder
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		order, err = tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if err := Transition(order.Status, StatusCancelled); err != nil {
			return err
		}
		now := s.now().UTC()
		order.Status = StatusCancelled
		order.ActualEnd = &now
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}
		if err := tx.ReleaseReservations(ctx, orderID); err != nil {
			return err
		}
		return tx.CancelPendingIntents(ctx, orderID)
	})
	if err != nil {
		return ProductionOrder{}, err
	}
	s.recordAudit(ctx, actorID, "production:cancel", order.Number, nil)
	return order, nil
}

// GetOrder returns one order with operations.
func (s *Service) GetOrder(ctx context.Context, id int64) (ProductionOrder, error) {
	return s.repo.GetOrder(ctx, id)
}

// ListOrders lists recent orders.
func (s *Service) ListOrders(ctx context.Context, limit int) ([]ProductionOrder, error) {
	return s.repo.ListOrders(ctx, limit)
}

// DrainOutbox processes pending intents at-least-once. Failed intents stay
// pending until maxIntentAttempts, then flip to FAILED. Returns the number of
// intents processed successfully.
func (s *Service) DrainOutbox(ctx context.Context, limit int) (int, error) {
	intents, err := s.repo.PendingIntents(ctx, limit)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, intent := range intents {
		if err := s.processIntent(ctx, intent); err != nil {
			attempts := intent.Attempts + 1
			status := IntentPending
			if attempts >= maxIntentAttempts {
				status = IntentFailed
			}
			s.logger.Error("outbox intent failed",
				slog.String("intent", intent.ID),
				slog.String("kind", string(intent.Kind)),
				slog.Int("attempts", attempts),
				slog.Any("error", err))
			if markErr := s.repo.MarkIntent(ctx, intent.ID, status, attempts); markErr != nil {
				return processed, markErr
			}
			continue
		}
		if err := s.repo.MarkIntent(ctx, intent.ID, IntentProcessed, intent.Attempts+1); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

func (s *Service) processIntent(ctx context.Context, intent OutboxIntent) error {
	payload, err := decodePayload(intent)
	if err != nil {
		return err
	}
	switch intent.Kind {
	case IntentReserveMaterials:
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			now := s.now().UTC()
			for _, c := range payload.Components {
				_, err := tx.InsertReservation(ctx, Reservation{
					OrderID:    intent.OrderID,
					MaterialID: c.MaterialID,
					PlantID:    c.PlantID,
					Quantity:   c.Quantity,
					Unit:       c.Unit,
					Status:     ReservationOpen,
					CreatedAt:  now,
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	case IntentStageConsumption:
		items := make([]inventory.PostMovementItemInput, 0, len(payload.Components))
		for _, c := range payload.Components {
			items = append(items, inventory.PostMovementItemInput{
				MaterialID: c.MaterialID,
				PlantID:    c.PlantID,
				Quantity:   c.Quantity,
			})
		}
		_, err := s.poster.CreateDraftDocument(ctx, inventory.PostMovementInput{
			Kind:      inventory.MovementIssueForOrder,
			Reference: payload.OrderNumber,
			Items:     items,
		})
		return err
	default:
		return fmt.Errorf("production: unknown intent kind %s", intent.Kind)
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action, orderNumber string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "production_order",
		EntityID: orderNumber,
		Meta:     meta,
		At:       s.now(),
	})
}
