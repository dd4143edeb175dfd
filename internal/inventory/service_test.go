package inventory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/accounting"
	"github.com/meridian-erp/meridian-erp/internal/masterdata"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

type memoryState struct {
	docs       []MovementDocument
	items      []MovementItem
	batches    []Batch
	entries    []accounting.LedgerEntry
	entryLines map[int64][]accounting.LedgerLine
}

func (s *memoryState) clone() *memoryState {
	out := &memoryState{
		docs:       append([]MovementDocument(nil), s.docs...),
		items:      append([]MovementItem(nil), s.items...),
		batches:    append([]Batch(nil), s.batches...),
		entries:    append([]accounting.LedgerEntry(nil), s.entries...),
		entryLines: make(map[int64][]accounting.LedgerLine, len(s.entryLines)),
	}
	for k, v := range s.entryLines {
		out.entryLines[k] = append([]accounting.LedgerLine(nil), v...)
	}
	return out
}

// memoryRepo implements RepositoryPort with transaction rollback semantics so
// tests can assert that failed postings leave no partial state.
type memoryRepo struct {
	state *memoryState
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{state: &memoryState{entryLines: make(map[int64][]accounting.LedgerLine)}}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	snapshot := r.state.clone()
	tx := &memoryTx{state: r.state}
	if err := fn(ctx, tx); err != nil {
		r.state = snapshot
		return err
	}
	return nil
}

func (r *memoryRepo) AvailableQuantity(ctx context.Context, materialID, plantID int64, batchID *int64) (float64, error) {
	return r.state.postedQuantity(materialID, plantID, batchID), nil
}

func (r *memoryRepo) GetBatchByNumber(ctx context.Context, materialID int64, number string) (Batch, error) {
	for _, b := range r.state.batches {
		if b.MaterialID == materialID && b.Number == number {
			return b, nil
		}
	}
	return Batch{}, ErrBatchNotFound
}

func (r *memoryRepo) GetDocument(ctx context.Context, id int64) (MovementDocument, error) {
	for _, d := range r.state.docs {
		if d.ID == id {
			doc := d
			for _, it := range r.state.items {
				if it.DocumentID == id {
					doc.Items = append(doc.Items, it)
				}
			}
			return doc, nil
		}
	}
	return MovementDocument{}, fmt.Errorf("document %d: %w", id, shared.ErrNotFound)
}

func (r *memoryRepo) ListDocuments(ctx context.Context, limit int) ([]MovementDocument, error) {
	return append([]MovementDocument(nil), r.state.docs...), nil
}

func (s *memoryState) postedQuantity(materialID, plantID int64, batchID *int64) float64 {
	posted := make(map[int64]bool)
	for _, d := range s.docs {
		if d.Status == DocumentStatusPosted {
			posted[d.ID] = true
		}
	}
	total := 0.0
	for _, it := range s.items {
		if !posted[it.DocumentID] || it.MaterialID != materialID || it.PlantID != plantID {
			continue
		}
		if batchID != nil && (it.BatchID == nil || *it.BatchID != *batchID) {
			continue
		}
		if it.Side == SideDebit {
			total += it.Quantity
		} else {
			total -= it.Quantity
		}
	}
	return total
}

type memoryTx struct {
	state *memoryState
}

func (t *memoryTx) MaxDocumentNumber(ctx context.Context, fiscalYear int) (string, error) {
	prefix := fmt.Sprintf("M-%d-", fiscalYear)
	max := ""
	for _, d := range t.state.docs {
		if len(d.Number) > len(prefix) && d.Number[:len(prefix)] == prefix && d.Number > max {
			max = d.Number
		}
	}
	return max, nil
}

func (t *memoryTx) InsertDocument(ctx context.Context, doc MovementDocument) (int64, error) {
	doc.ID = int64(len(t.state.docs) + 1)
	doc.Items = nil
	t.state.docs = append(t.state.docs, doc)
	return doc.ID, nil
}

func (t *memoryTx) UpdateDocumentStatus(ctx context.Context, docID int64, status DocumentStatus) error {
	for i := range t.state.docs {
		if t.state.docs[i].ID == docID {
			t.state.docs[i].Status = status
			return nil
		}
	}
	return shared.ErrNotFound
}

func (t *memoryTx) InsertItem(ctx context.Context, item MovementItem) (int64, error) {
	item.ID = int64(len(t.state.items) + 1)
	t.state.items = append(t.state.items, item)
	return item.ID, nil
}

func (t *memoryTx) GetBatchForUpdate(ctx context.Context, materialID int64, number string) (Batch, error) {
	for _, b := range t.state.batches {
		if b.MaterialID == materialID && b.Number == number {
			return b, nil
		}
	}
	return Batch{}, ErrBatchNotFound
}

func (t *memoryTx) InsertBatch(ctx context.Context, batch Batch) (int64, error) {
	batch.ID = int64(len(t.state.batches) + 1)
	t.state.batches = append(t.state.batches, batch)
	return batch.ID, nil
}

func (t *memoryTx) UpdateBatch(ctx context.Context, batch Batch) error {
	for i := range t.state.batches {
		if t.state.batches[i].ID == batch.ID {
			t.state.batches[i] = batch
			return nil
		}
	}
	return ErrBatchNotFound
}

func (t *memoryTx) PostedQuantity(ctx context.Context, materialID, plantID int64, batchID *int64) (float64, error) {
	return t.state.postedQuantity(materialID, plantID, batchID), nil
}

func (t *memoryTx) MaxEntryNumber(ctx context.Context, companyID int64, fiscalYear int) (string, error) {
	max := ""
	for _, e := range t.state.entries {
		if e.CompanyID == companyID && e.FiscalYear == fiscalYear && e.Number > max {
			max = e.Number
		}
	}
	return max, nil
}

func (t *memoryTx) InsertLedgerEntry(ctx context.Context, entry accounting.LedgerEntry) (int64, error) {
	entry.ID = int64(len(t.state.entries) + 1)
	t.state.entries = append(t.state.entries, entry)
	return entry.ID, nil
}

func (t *memoryTx) InsertLedgerLines(ctx context.Context, entryID int64, lines []accounting.LedgerLine) error {
	t.state.entryLines[entryID] = append(t.state.entryLines[entryID], lines...)
	return nil
}

type memoryMaster struct {
	materials map[int64]masterdata.Material
	plants    map[int64]masterdata.Plant
}

func newMemoryMaster() *memoryMaster {
	return &memoryMaster{materials: make(map[int64]masterdata.Material), plants: make(map[int64]masterdata.Plant)}
}

func (m *memoryMaster) GetMaterial(ctx context.Context, id int64) (masterdata.Material, error) {
	mat, ok := m.materials[id]
	if !ok {
		return masterdata.Material{}, fmt.Errorf("material %d: %w", id, shared.ErrNotFound)
	}
	return mat, nil
}

func (m *memoryMaster) GetPlant(ctx context.Context, id int64) (masterdata.Plant, error) {
	p, ok := m.plants[id]
	if !ok {
		return masterdata.Plant{}, fmt.Errorf("plant %d: %w", id, shared.ErrNotFound)
	}
	return p, nil
}

type stubResolver struct {
	accounts accounting.ResolvedAccounts
	err      error
}

func (r *stubResolver) Resolve(ctx context.Context, movementKind, valuationClass, materialKind string, companyID int64) (accounting.ResolvedAccounts, error) {
	if r.err != nil {
		return accounting.ResolvedAccounts{}, r.err
	}
	return r.accounts, nil
}

func salesAccounts() accounting.ResolvedAccounts {
	return accounting.ResolvedAccounts{
		Inventory: masterdata.GLAccount{ID: 1, Code: "140000", Class: masterdata.AccountClassAsset},
		Offset:    masterdata.GLAccount{ID: 2, Code: "510000", Class: masterdata.AccountClassExpense},
	}
}

func newTestService(repo *memoryRepo, master *memoryMaster, resolver AccountSource) *Service {
	svc := NewService(repo, master, resolver, accounting.NewWriter(), nil, nil)
	svc.WithNow(func() time.Time { return time.Date(2026, time.March, 14, 10, 30, 0, 0, time.UTC) })
	return svc
}

func seedStock(t *testing.T, svc *Service, materialID, plantID int64, batchNumber string, qty float64) {
	t.Helper()
	_, err := svc.PostMovement(context.Background(), PostMovementInput{
		Kind: MovementInitialStock,
		Items: []PostMovementItemInput{
			{MaterialID: materialID, PlantID: plantID, BatchNumber: batchNumber, Quantity: qty},
		},
	})
	require.NoError(t, err)
}

func TestIssueForSalesOrderScenario(t *testing.T) {
	repo := newMemoryRepo()
	master := newMemoryMaster()
	master.materials[1] = masterdata.Material{ID: 1, Code: "M-100", Unit: "PC", Kind: masterdata.MaterialKindFinished,
		ValuationClass: "3000", StandardCost: decimal.NewFromInt(100)}
	master.plants[1] = masterdata.Plant{ID: 1, CompanyID: 1}
	svc := newTestService(repo, master, &stubResolver{accounts: salesAccounts()})
	ctx := context.Background()

	seedStock(t, svc, 1, 1, "B-001", 50)

	posted, err := svc.PostMovement(ctx, PostMovementInput{
		Kind: MovementIssueForSalesOrder,
		Items: []PostMovementItemInput{
			{MaterialID: 1, PlantID: 1, BatchNumber: "B-001", Quantity: 10},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "M-2026-000002", posted.Document.Number)
	require.Equal(t, "FI-2026-00000002", posted.Entry.Number)

	batch, err := repo.GetBatchByNumber(ctx, 1, "B-001")
	require.NoError(t, err)
	require.InDelta(t, 40.0, batch.RemainingQuantity, 0.0001)

	lines := repo.state.entryLines[posted.Entry.ID]
	require.Len(t, lines, 2)
	byAccount := map[string]accounting.LedgerLine{}
	for _, l := range lines {
		byAccount[l.AccountCode] = l
	}
	require.True(t, byAccount["510000"].Debit.Equal(decimal.NewFromInt(1000)), "expense debit 1000, got %s", byAccount["510000"].Debit)
	require.True(t, byAccount["140000"].Credit.Equal(decimal.NewFromInt(1000)), "inventory credit 1000, got %s", byAccount["140000"].Credit)

	available, err := svc.AvailableQuantity(ctx, 1, 1)
	require.NoError(t, err)
	require.InDelta(t, 40.0, available, 0.0001)
}

func TestUnknownMovementKindRejected(t *testing.T) {
	svc := newTestService(newMemoryRepo(), newMemoryMaster(), &stubResolver{accounts: salesAccounts()})
	_, err := svc.PostMovement(context.Background(), PostMovementInput{
		Kind:  MovementKind("GR_MYSTERY"),
		Items: []PostMovementItemInput{{MaterialID: 1, PlantID: 1, Quantity: 1}},
	})
	require.ErrorIs(t, err, ErrUnknownMovementKind)
}

func TestInsufficientStockRejected(t *testing.T) {
	repo := newMemoryRepo()
	master := newMemoryMaster()
	master.materials[1] = masterdata.Material{ID: 1, Code: "M-100", StandardCost: decimal.NewFromInt(10)}
	master.plants[1] = masterdata.Plant{ID: 1, CompanyID: 1}
	svc := newTestService(repo, master, &stubResolver{accounts: salesAccounts()})
	ctx := context.Background()

	seedStock(t, svc, 1, 1, "B-001", 5)

	_, err := svc.PostMovement(ctx, PostMovementInput{
		Kind: MovementIssueForSalesOrder,
		Items: []PostMovementItemInput{
			{MaterialID: 1, PlantID: 1, BatchNumber: "B-001", Quantity: 8},
		},
	})
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.InDelta(t, 5.0, insufficient.Available, 0.0001)
	require.InDelta(t, 8.0, insufficient.Requested, 0.0001)

	// The failed posting left nothing behind.
	batch, err := repo.GetBatchByNumber(ctx, 1, "B-001")
	require.NoError(t, err)
	require.InDelta(t, 5.0, batch.RemainingQuantity, 0.0001)
	require.Len(t, repo.state.docs, 1)
	require.Len(t, repo.state.entries, 1)
}

func TestNegativeStockAllowedByMaterialPolicy(t *testing.T) {
	repo := newMemoryRepo()
	master := newMemoryMaster()
	master.materials[1] = masterdata.Material{ID: 1, Code: "M-100", StandardCost: decimal.NewFromInt(10), AllowNegativeStock: true}
	master.plants[1] = masterdata.Plant{ID: 1, CompanyID: 1}
	svc := newTestService(repo, master, &stubResolver{accounts: salesAccounts()})

	_, err := svc.PostMovement(context.Background(), PostMovementInput{
		Kind: MovementIssueToCostCenter,
		Items: []PostMovementItemInput{
			{MaterialID: 1, PlantID: 1, Quantity: 3},
		},
	})
	require.NoError(t, err)

	available, err := svc.AvailableQuantity(context.Background(), 1, 1)
	require.NoError(t, err)
	require.InDelta(t, -3.0, available, 0.0001)
}

func TestAutoBatchCreation(t *testing.T) {
	repo := newMemoryRepo()
	master := newMemoryMaster()
	master.materials[1] = masterdata.Material{ID: 1, Code: "M-200", StandardCost: decimal.NewFromInt(25),
		RequiresBatch: true, RequiresInspection: true, ShelfLifeDays: 30}
	master.plants[1] = masterdata.Plant{ID: 1, CompanyID: 1}
	svc := newTestService(repo, master, &stubResolver{accounts: salesAccounts()})

	posted, err := svc.PostMovement(context.Background(), PostMovementInput{
		Kind: MovementReceiptPurchaseOrder,
		Items: []PostMovementItemInput{
			{MaterialID: 1, PlantID: 1, Quantity: 12},
		},
	})
	require.NoError(t, err)
	require.Len(t, repo.state.batches, 1)

	batch := repo.state.batches[0]
	require.Equal(t, "B20260314103000-M-200", batch.Number)
	require.Equal(t, BatchStatusQuarantine, batch.Status)
	require.InDelta(t, 12.0, batch.RemainingQuantity, 0.0001)
	require.NotNil(t, batch.ExpiryDate)
	require.Equal(t, time.Date(2026, time.April, 13, 10, 30, 0, 0, time.UTC), *batch.ExpiryDate)
	require.Equal(t, batch.Number, posted.Document.Items[0].BatchNumber)
}

func TestSalesIssueAccountClassGuard(t *testing.T) {
	repo := newMemoryRepo()
	master := newMemoryMaster()
	master.materials[1] = masterdata.Material{ID: 1, Code: "M-100", StandardCost: decimal.NewFromInt(100)}
	master.plants[1] = masterdata.Plant{ID: 1, CompanyID: 1}
	misconfigured := &stubResolver{accounts: accounting.ResolvedAccounts{
		Inventory: masterdata.GLAccount{ID: 1, Code: "140000", Class: masterdata.AccountClassAsset},
		Offset:    masterdata.GLAccount{ID: 3, Code: "400000", Class: masterdata.AccountClassRevenue},
	}}
	svc := newTestService(repo, master, misconfigured)
	ctx := context.Background()

	goodResolver := &stubResolver{accounts: salesAccounts()}
	seedSvc := newTestService(repo, master, goodResolver)
	seedStock(t, seedSvc, 1, 1, "B-001", 50)

	_, err := svc.PostMovement(ctx, PostMovementInput{
		Kind: MovementIssueForSalesOrder,
		Items: []PostMovementItemInput{
			{MaterialID: 1, PlantID: 1, BatchNumber: "B-001", Quantity: 10},
		},
	})
	var classErr *AccountClassError
	require.ErrorAs(t, err, &classErr)
	require.Equal(t, "REVENUE", classErr.OffsetClass)

	// Posting aborted before any write survived: batch untouched, no entry.
	batch, err := repo.GetBatchByNumber(ctx, 1, "B-001")
	require.NoError(t, err)
	require.InDelta(t, 50.0, batch.RemainingQuantity, 0.0001)
	require.Len(t, repo.state.entries, 1)
}

func TestSharedAccountsAccumulate(t *testing.T) {
	repo := newMemoryRepo()
	master := newMemoryMaster()
	master.materials[1] = masterdata.Material{ID: 1, Code: "M-100", StandardCost: decimal.NewFromInt(100)}
	master.materials[2] = masterdata.Material{ID: 2, Code: "M-101", StandardCost: decimal.NewFromInt(50)}
	master.plants[1] = masterdata.Plant{ID: 1, CompanyID: 1}
	svc := newTestService(repo, master, &stubResolver{accounts: salesAccounts()})

	posted, err := svc.PostMovement(context.Background(), PostMovementInput{
		Kind: MovementInitialStock,
		Items: []PostMovementItemInput{
			{MaterialID: 1, PlantID: 1, Quantity: 2},
			{MaterialID: 2, PlantID: 1, Quantity: 4},
		},
	})
	require.NoError(t, err)

	// Both items resolve to the same accounts: one line per bucket.
	lines := repo.state.entryLines[posted.Entry.ID]
	require.Len(t, lines, 2)
	byAccount := map[string]accounting.LedgerLine{}
	for _, l := range lines {
		byAccount[l.AccountCode] = l
	}
	require.True(t, byAccount["140000"].Debit.Equal(decimal.NewFromInt(400)))
	require.True(t, byAccount["510000"].Credit.Equal(decimal.NewFromInt(400)))
}

func TestDraftDocumentLifecycle(t *testing.T) {
	repo := newMemoryRepo()
	master := newMemoryMaster()
	master.materials[1] = masterdata.Material{ID: 1, Code: "M-100", StandardCost: decimal.NewFromInt(10)}
	master.plants[1] = masterdata.Plant{ID: 1, CompanyID: 1}
	svc := newTestService(repo, master, &stubResolver{accounts: salesAccounts()})
	ctx := context.Background()

	seedStock(t, svc, 1, 1, "B-001", 20)

	draft, err := svc.CreateDraftDocument(ctx, PostMovementInput{
		Kind:      MovementIssueForOrder,
		Reference: "PRD-2026-000001",
		Items: []PostMovementItemInput{
			{MaterialID: 1, PlantID: 1, BatchNumber: "B-001", Quantity: 5},
		},
	})
	require.NoError(t, err)
	require.Equal(t, DocumentStatusDraft, draft.Status)

	// Drafts do not move stock.
	available, err := svc.AvailableQuantity(ctx, 1, 1)
	require.NoError(t, err)
	require.InDelta(t, 20.0, available, 0.0001)

	posted, err := svc.PostDraftDocument(ctx, draft.ID, 99)
	require.NoError(t, err)
	require.Equal(t, draft.Number, posted.Document.Number)

	available, err = svc.AvailableQuantity(ctx, 1, 1)
	require.NoError(t, err)
	require.InDelta(t, 15.0, available, 0.0001)
}

func TestDraftPostingAgainstTightStock(t *testing.T) {
	repo := newMemoryRepo()
	master := newMemoryMaster()
	master.materials[1] = masterdata.Material{ID: 1, Code: "M-100", StandardCost: decimal.NewFromInt(10)}
	master.plants[1] = masterdata.Plant{ID: 1, CompanyID: 1}
	svc := newTestService(repo, master, &stubResolver{accounts: salesAccounts()})
	ctx := context.Background()

	seedStock(t, svc, 1, 1, "B-001", 8)

	draft, err := svc.CreateDraftDocument(ctx, PostMovementInput{
		Kind:      MovementIssueForOrder,
		Reference: "PRD-2026-000002",
		Items: []PostMovementItemInput{
			{MaterialID: 1, PlantID: 1, BatchNumber: "B-001", Quantity: 5},
		},
	})
	require.NoError(t, err)

	// Promoting the draft must not count the draft's own items against the
	// availability it is checked with: 5 of 8 fits.
	_, err = svc.PostDraftDocument(ctx, draft.ID, 99)
	require.NoError(t, err)

	available, err := svc.AvailableQuantity(ctx, 1, 1)
	require.NoError(t, err)
	require.InDelta(t, 3.0, available, 0.0001)
}

func TestPostMovementTxRollsBackWithCaller(t *testing.T) {
	repo := newMemoryRepo()
	master := newMemoryMaster()
	master.materials[1] = masterdata.Material{ID: 1, Code: "M-100", StandardCost: decimal.NewFromInt(10)}
	master.plants[1] = masterdata.Plant{ID: 1, CompanyID: 1}
	svc := newTestService(repo, master, &stubResolver{accounts: salesAccounts()})
	ctx := context.Background()

	seedStock(t, svc, 1, 1, "B-001", 20)

	failure := errors.New("caller failed after posting")
	err := repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		_, err := svc.PostMovementTx(ctx, tx, PostMovementInput{
			Kind: MovementIssueForSalesOrder,
			Items: []PostMovementItemInput{
				{MaterialID: 1, PlantID: 1, BatchNumber: "B-001", Quantity: 5},
			},
		})
		require.NoError(t, err)
		return failure
	})
	require.ErrorIs(t, err, failure)

	// The movement shares the caller's transaction and dies with it.
	require.Len(t, repo.state.docs, 1)
	available, err := svc.AvailableQuantity(ctx, 1, 1)
	require.NoError(t, err)
	require.InDelta(t, 20.0, available, 0.0001)

	batch, err := repo.GetBatchByNumber(ctx, 1, "B-001")
	require.NoError(t, err)
	require.InDelta(t, 20.0, batch.RemainingQuantity, 0.0001)
}

func TestMovementKindSides(t *testing.T) {
	debits := []MovementKind{MovementReceiptPurchaseOrder, MovementReceiptProductionOrder, MovementInitialStock}
	credits := []MovementKind{MovementIssueForOrder, MovementIssueToCostCenter, MovementIssueForSalesOrder}
	for _, k := range debits {
		side, err := k.PostingSide()
		require.NoError(t, err)
		require.Equal(t, SideDebit, side)
	}
	for _, k := range credits {
		side, err := k.PostingSide()
		require.NoError(t, err)
		require.Equal(t, SideCredit, side)
	}
}
