package fulfillment

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/inventory"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

type memoryRepo struct {
	orders     map[int64]*SalesOrder
	deliveries map[int64]*Delivery
	nextID     int64

	// staleReads serves OPEN delivery headers regardless of stored state, to
	// exercise the conditional-update guard against a stale read.
	staleReads bool
}

func newRepo() *memoryRepo {
	return &memoryRepo{orders: make(map[int64]*SalesOrder), deliveries: make(map[int64]*Delivery)}
}

func (r *memoryRepo) id() int64 {
	r.nextID++
	return r.nextID
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, r)
}

func (r *memoryRepo) InventoryTx() inventory.TxRepository {
	return nil
}

func (r *memoryRepo) GetDelivery(ctx context.Context, id int64) (Delivery, error) {
	d, ok := r.deliveries[id]
	if !ok {
		return Delivery{}, fmt.Errorf("delivery %d: %w", id, shared.ErrNotFound)
	}
	out := *d
	if r.staleReads {
		out.Status = DeliveryOpen
	}
	return out, nil
}

func (r *memoryRepo) GetSalesOrder(ctx context.Context, id int64) (SalesOrder, error) {
	return r.GetSalesOrderForUpdate(ctx, id)
}

func (r *memoryRepo) ListDeliveries(ctx context.Context, limit int) ([]Delivery, error) {
	var out []Delivery
	for _, d := range r.deliveries {
		out = append(out, *d)
	}
	return out, nil
}

func (r *memoryRepo) MaxDeliveryNumber(ctx context.Context, fiscalYear int) (string, error) {
	prefix := fmt.Sprintf("DN-%d-", fiscalYear)
	max := ""
	for _, d := range r.deliveries {
		if len(d.Number) > len(prefix) && d.Number[:len(prefix)] == prefix && d.Number > max {
			max = d.Number
		}
	}
	return max, nil
}

func (r *memoryRepo) MaxOrderNumber(ctx context.Context, fiscalYear int) (string, error) {
	prefix := fmt.Sprintf("SO-%d-", fiscalYear)
	max := ""
	for _, o := range r.orders {
		if len(o.Number) > len(prefix) && o.Number[:len(prefix)] == prefix && o.Number > max {
			max = o.Number
		}
	}
	return max, nil
}

func (r *memoryRepo) InsertSalesOrder(ctx context.Context, order SalesOrder) (int64, error) {
	order.ID = r.id()
	order.Lines = nil
	r.orders[order.ID] = &order
	return order.ID, nil
}

func (r *memoryRepo) InsertOrderLine(ctx context.Context, line SalesOrderLine) (int64, error) {
	line.ID = r.id()
	order := r.orders[line.OrderID]
	order.Lines = append(order.Lines, line)
	return line.ID, nil
}

func (r *memoryRepo) InsertDelivery(ctx context.Context, delivery Delivery) (int64, error) {
	delivery.ID = r.id()
	delivery.Items = nil
	r.deliveries[delivery.ID] = &delivery
	return delivery.ID, nil
}

func (r *memoryRepo) InsertDeliveryItem(ctx context.Context, item DeliveryItem) (int64, error) {
	item.ID = r.id()
	d := r.deliveries[item.DeliveryID]
	d.Items = append(d.Items, item)
	return item.ID, nil
}

func (r *memoryRepo) MarkDeliveryShipped(ctx context.Context, deliveryID int64, shippedAt time.Time) (int64, error) {
	d, ok := r.deliveries[deliveryID]
	if !ok || d.Status == DeliveryShipped {
		return 0, nil
	}
	d.Status = DeliveryShipped
	d.ShippedAt = &shippedAt
	return 1, nil
}

func (r *memoryRepo) GetSalesOrderForUpdate(ctx context.Context, id int64) (SalesOrder, error) {
	o, ok := r.orders[id]
	if !ok {
		return SalesOrder{}, fmt.Errorf("order %d: %w", id, shared.ErrNotFound)
	}
	return *o, nil
}

func (r *memoryRepo) UpdateOrderLine(ctx context.Context, line SalesOrderLine) error {
	o := r.orders[line.OrderID]
	for i := range o.Lines {
		if o.Lines[i].ID == line.ID {
			o.Lines[i] = line
			return nil
		}
	}
	return shared.ErrNotFound
}

func (r *memoryRepo) UpdateOrderStatus(ctx context.Context, orderID int64, status SalesOrderStatus) error {
	o, ok := r.orders[orderID]
	if !ok {
		return shared.ErrNotFound
	}
	o.Status = status
	return nil
}

type stubStock struct {
	available map[[2]int64]float64
	batches   map[string]inventory.Batch
}

func newStubStock() *stubStock {
	return &stubStock{available: make(map[[2]int64]float64), batches: make(map[string]inventory.Batch)}
}

func (s *stubStock) AvailableQuantity(ctx context.Context, materialID, plantID int64) (float64, error) {
	return s.available[[2]int64{materialID, plantID}], nil
}

func (s *stubStock) GetBatch(ctx context.Context, materialID int64, number string) (inventory.Batch, error) {
	b, ok := s.batches[number]
	if !ok {
		return inventory.Batch{}, inventory.ErrBatchNotFound
	}
	return b, nil
}

type stubPoster struct {
	posted []inventory.PostMovementInput
	err    error
}

func (p *stubPoster) PostMovementTx(ctx context.Context, tx inventory.TxRepository, input inventory.PostMovementInput) (inventory.PostedDocument, error) {
	if p.err != nil {
		return inventory.PostedDocument{}, p.err
	}
	p.posted = append(p.posted, input)
	return inventory.PostedDocument{
		Document: inventory.MovementDocument{Number: fmt.Sprintf("M-2026-%06d", len(p.posted))},
	}, nil
}

type recordingAudit struct {
	logs []shared.AuditLog
}

func (a *recordingAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

func (a *recordingAudit) outcomes() []string {
	var out []string
	for _, log := range a.logs {
		out = append(out, log.Meta["outcome"].(string))
	}
	return out
}

func newFixture(t *testing.T) (*Service, *memoryRepo, *stubStock, *stubPoster, *recordingAudit) {
	t.Helper()
	repo := newRepo()
	stock := newStubStock()
	poster := &stubPoster{}
	audit := &recordingAudit{}
	svc := NewService(repo, stock, poster, audit)
	svc.WithNow(func() time.Time { return time.Date(2026, time.March, 20, 9, 0, 0, 0, time.UTC) })
	return svc, repo, stock, poster, audit
}

func createOrderAndDelivery(t *testing.T, svc *Service, stock *stubStock, qty float64) Delivery {
	t.Helper()
	stock.available[[2]int64{1, 1}] = 100
	stock.batches["B-001"] = inventory.Batch{MaterialID: 1, Number: "B-001", RemainingQuantity: 50, Status: inventory.BatchStatusAvailable}

	order, err := svc.CreateSalesOrder(context.Background(), CreateSalesOrderInput{
		CustomerID: 9,
		Lines:      []CreateSalesOrderLineInput{{MaterialID: 1, PlantID: 1, Quantity: qty, Unit: "PC"}},
	})
	require.NoError(t, err)

	delivery, err := svc.CreateDelivery(context.Background(), CreateDeliveryInput{
		OrderID: order.ID,
		Items:   []CreateDeliveryItemInput{{OrderLineID: order.Lines[0].ID, Quantity: qty, BatchNumber: "B-001"}},
	})
	require.NoError(t, err)
	return delivery
}

func TestCreateDeliveryChecksAvailability(t *testing.T) {
	svc, _, stock, _, _ := newFixture(t)
	stock.available[[2]int64{1, 1}] = 100
	stock.batches["B-001"] = inventory.Batch{MaterialID: 1, Number: "B-001", RemainingQuantity: 5}

	order, err := svc.CreateSalesOrder(context.Background(), CreateSalesOrderInput{
		CustomerID: 9,
		Lines:      []CreateSalesOrderLineInput{{MaterialID: 1, PlantID: 1, Quantity: 10, Unit: "PC"}},
	})
	require.NoError(t, err)
	require.Equal(t, "SO-2026-000001", order.Number)

	_, err = svc.CreateDelivery(context.Background(), CreateDeliveryInput{
		OrderID: order.ID,
		Items:   []CreateDeliveryItemInput{{OrderLineID: order.Lines[0].ID, Quantity: 10, BatchNumber: "B-001"}},
	})
	var insufficient *inventory.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, "B-001", insufficient.BatchNumber)
	require.InDelta(t, 5.0, insufficient.Available, 0.0001)
}

func TestCreateDeliveryPlantLevelShortfall(t *testing.T) {
	svc, _, stock, _, _ := newFixture(t)
	stock.available[[2]int64{1, 1}] = 3

	order, err := svc.CreateSalesOrder(context.Background(), CreateSalesOrderInput{
		CustomerID: 9,
		Lines:      []CreateSalesOrderLineInput{{MaterialID: 1, PlantID: 1, Quantity: 10, Unit: "PC"}},
	})
	require.NoError(t, err)

	_, err = svc.CreateDelivery(context.Background(), CreateDeliveryInput{
		OrderID: order.ID,
		Items:   []CreateDeliveryItemInput{{OrderLineID: order.Lines[0].ID, Quantity: 10}},
	})
	var insufficient *inventory.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.Empty(t, insufficient.BatchNumber)
	require.InDelta(t, 3.0, insufficient.Available, 0.0001)
}

func TestPostGoodsIssueShipsAndSettlesOrder(t *testing.T) {
	svc, repo, stock, poster, audit := newFixture(t)
	delivery := createOrderAndDelivery(t, svc, stock, 10)
	require.Equal(t, "DN-2026-000001", delivery.Number)

	shipped, err := svc.PostGoodsIssue(context.Background(), delivery.ID, 7)
	require.NoError(t, err)
	require.Equal(t, DeliveryShipped, shipped.Status)
	require.NotNil(t, shipped.ShippedAt)

	require.Len(t, poster.posted, 1)
	movement := poster.posted[0]
	require.Equal(t, inventory.MovementIssueForSalesOrder, movement.Kind)
	require.Equal(t, delivery.Number, movement.Reference)
	require.Equal(t, "B-001", movement.Items[0].BatchNumber)

	order := repo.orders[delivery.OrderID]
	require.Equal(t, SalesOrderDelivered, order.Status)
	require.Equal(t, CompletionFull, order.Lines[0].Completion)
	require.InDelta(t, 10.0, order.Lines[0].ShippedQuantity, 0.0001)

	require.Equal(t, []string{"posted"}, audit.outcomes())
}

func TestPartialDeliveryLeavesOrderPartial(t *testing.T) {
	svc, repo, stock, _, _ := newFixture(t)
	stock.available[[2]int64{1, 1}] = 100
	stock.batches["B-001"] = inventory.Batch{MaterialID: 1, Number: "B-001", RemainingQuantity: 50}

	order, err := svc.CreateSalesOrder(context.Background(), CreateSalesOrderInput{
		CustomerID: 9,
		Lines:      []CreateSalesOrderLineInput{{MaterialID: 1, PlantID: 1, Quantity: 10, Unit: "PC"}},
	})
	require.NoError(t, err)

	delivery, err := svc.CreateDelivery(context.Background(), CreateDeliveryInput{
		OrderID: order.ID,
		Items:   []CreateDeliveryItemInput{{OrderLineID: order.Lines[0].ID, Quantity: 4}},
	})
	require.NoError(t, err)

	_, err = svc.PostGoodsIssue(context.Background(), delivery.ID, 7)
	require.NoError(t, err)

	stored := repo.orders[order.ID]
	require.Equal(t, SalesOrderPartial, stored.Status)
	require.Equal(t, CompletionPartial, stored.Lines[0].Completion)
	require.InDelta(t, 4.0, stored.Lines[0].ShippedQuantity, 0.0001)
}

func TestDuplicateGoodsIssueBlocked(t *testing.T) {
	svc, _, stock, poster, audit := newFixture(t)
	delivery := createOrderAndDelivery(t, svc, stock, 10)

	_, err := svc.PostGoodsIssue(context.Background(), delivery.ID, 7)
	require.NoError(t, err)

	_, err = svc.PostGoodsIssue(context.Background(), delivery.ID, 7)
	require.ErrorIs(t, err, ErrAlreadyShipped)

	// Exactly one shipment and exactly one duplicate-blocked audit record.
	require.Len(t, poster.posted, 1)
	require.Equal(t, []string{"posted", "duplicate-blocked"}, audit.outcomes())
}

func TestConditionalUpdateGuardsStaleRead(t *testing.T) {
	svc, repo, stock, _, audit := newFixture(t)
	delivery := createOrderAndDelivery(t, svc, stock, 10)

	_, err := svc.PostGoodsIssue(context.Background(), delivery.ID, 7)
	require.NoError(t, err)

	// A concurrent caller read the delivery as OPEN before the first shipment
	// committed; the conditional update must still reject it.
	repo.staleReads = true
	_, err = svc.PostGoodsIssue(context.Background(), delivery.ID, 7)
	require.ErrorIs(t, err, ErrAlreadyShipped)
	require.Equal(t, []string{"posted", "duplicate-blocked"}, audit.outcomes())
}

func TestLosingGoodsIssuePostsNoMovement(t *testing.T) {
	svc, repo, stock, poster, _ := newFixture(t)
	delivery := createOrderAndDelivery(t, svc, stock, 10)

	_, err := svc.PostGoodsIssue(context.Background(), delivery.ID, 7)
	require.NoError(t, err)

	// The loser of the conditional update must leave no movement behind: the
	// goods-issue posting runs in the same transaction, after the update.
	repo.staleReads = true
	_, err = svc.PostGoodsIssue(context.Background(), delivery.ID, 7)
	require.ErrorIs(t, err, ErrAlreadyShipped)
	require.Len(t, poster.posted, 1)
	require.Equal(t, delivery.Number, poster.posted[0].Reference)
}

func TestGoodsIssueRechecksAvailability(t *testing.T) {
	svc, _, stock, poster, audit := newFixture(t)
	delivery := createOrderAndDelivery(t, svc, stock, 10)

	// Stock drained between creation and shipment.
	stock.batches["B-001"] = inventory.Batch{MaterialID: 1, Number: "B-001", RemainingQuantity: 2}

	_, err := svc.PostGoodsIssue(context.Background(), delivery.ID, 7)
	var insufficient *inventory.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.Empty(t, poster.posted)
	require.Equal(t, []string{"rejected"}, audit.outcomes())
}
