package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/accounting"
	"github.com/meridian-erp/meridian-erp/internal/masterdata"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// documentNumberWidth is the zero-padded suffix width of movement numbers.
const documentNumberWidth = 6

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	AvailableQuantity(ctx context.Context, materialID, plantID int64, batchID *int64) (float64, error)
	GetBatchByNumber(ctx context.Context, materialID int64, number string) (Batch, error)
	GetDocument(ctx context.Context, id int64) (MovementDocument, error)
	ListDocuments(ctx context.Context, limit int) ([]MovementDocument, error)
}

// TxRepository exposes the operations available inside one posting
// transaction. It embeds the ledger writer surface so stock mutation and the
// accounting document share a single transaction.
type TxRepository interface {
	accounting.TxLedger
	MaxDocumentNumber(ctx context.Context, fiscalYear int) (string, error)
	InsertDocument(ctx context.Context, doc MovementDocument) (int64, error)
	UpdateDocumentStatus(ctx context.Context, docID int64, status DocumentStatus) error
	InsertItem(ctx context.Context, item MovementItem) (int64, error)
	GetBatchForUpdate(ctx context.Context, materialID int64, number string) (Batch, error)
	InsertBatch(ctx context.Context, batch Batch) (int64, error)
	UpdateBatch(ctx context.Context, batch Batch) error
	PostedQuantity(ctx context.Context, materialID, plantID int64, batchID *int64) (float64, error)
}

// ErrBatchNotFound indicates a missing batch row.
var ErrBatchNotFound = errors.New("inventory: batch not found")

// MasterData reads upstream material and plant masters.
type MasterData interface {
	GetMaterial(ctx context.Context, id int64) (masterdata.Material, error)
	GetPlant(ctx context.Context, id int64) (masterdata.Plant, error)
}

// AccountSource resolves movement postings to GL accounts.
type AccountSource interface {
	Resolve(ctx context.Context, movementKind, valuationClass, materialKind string, companyID int64) (accounting.ResolvedAccounts, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service posts movement documents: one atomic transaction per document
// covering validation, stock and batch mutation, account resolution and the
// balanced ledger entry.
type Service struct {
	repo        RepositoryPort
	master      MasterData
	resolver    AccountSource
	writer      *accounting.Writer
	audit       AuditPort
	idempotency *shared.IdempotencyStore
	now         func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, master MasterData, resolver AccountSource, writer *accounting.Writer, audit AuditPort, idem *shared.IdempotencyStore) *Service {
	return &Service{repo: repo, master: master, resolver: resolver, writer: writer, audit: audit, idempotency: idem, now: time.Now}
}

// WithNow overrides the clock, for tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// PostMovement validates and posts a movement document.
func (s *Service) PostMovement(ctx context.Context, input PostMovementInput) (PostedDocument, error) {
	side, err := input.Kind.PostingSide()
	if err != nil {
		return PostedDocument{}, err
	}
	if len(input.Items) == 0 {
		return PostedDocument{}, errors.New("inventory: movement requires items")
	}

	lines, companyID, err := s.prepareItems(ctx, input.Items, side)
	if err != nil {
		return PostedDocument{}, err
	}

	insertedKey := false
	key := ""
	if s.idempotency != nil && input.Reference != "" {
		key = fmt.Sprintf("movement:%s:%s", input.Kind, input.Reference)
		if err := s.idempotency.CheckAndInsert(ctx, key, "inventory"); err != nil {
			return PostedDocument{}, err
		}
		insertedKey = true
	}

	posted, err := s.postPrepared(ctx, input, side, companyID, lines, nil)
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, key)
		}
		return PostedDocument{}, err
	}

	s.recordAudit(ctx, input.ActorID, posted)
	return posted, nil
}

// PostMovementTx validates and posts a movement document inside a
// caller-owned transaction, so the document commits or rolls back together
// with the caller's writes. No idempotency key is recorded; the caller's
// transaction carries its own duplicate guard.
func (s *Service) PostMovementTx(ctx context.Context, tx TxRepository, input PostMovementInput) (PostedDocument, error) {
	side, err := input.Kind.PostingSide()
	if err != nil {
		return PostedDocument{}, err
	}
	if len(input.Items) == 0 {
		return PostedDocument{}, errors.New("inventory: movement requires items")
	}
	lines, companyID, err := s.prepareItems(ctx, input.Items, side)
	if err != nil {
		return PostedDocument{}, err
	}
	return s.postInTx(ctx, tx, input, side, companyID, lines, nil)
}

// CreateDraftDocument stages a movement document without touching stock or
// the ledger. The production outbox uses drafts for deferred consumption.
func (s *Service) CreateDraftDocument(ctx context.Context, input PostMovementInput) (MovementDocument, error) {
	side, err := input.Kind.PostingSide()
	if err != nil {
		return MovementDocument{}, err
	}
	if len(input.Items) == 0 {
		return MovementDocument{}, errors.New("inventory: movement requires items")
	}
	lines, companyID, err := s.prepareItems(ctx, input.Items, side)
	if err != nil {
		return MovementDocument{}, err
	}

	postingDate := s.effectivePostingDate(input.PostingDate)
	var doc MovementDocument
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		header, err := s.insertHeader(ctx, tx, input, side, companyID, postingDate, DocumentStatusDraft)
		if err != nil {
			return err
		}
		for i := range lines {
			lines[i].item.DocumentID = header.ID
			if _, err := tx.InsertItem(ctx, lines[i].item); err != nil {
				return err
			}
			header.Items = append(header.Items, lines[i].item)
		}
		doc = header
		return nil
	})
	if err != nil {
		return MovementDocument{}, err
	}
	return doc, nil
}

// PostDraftDocument applies a previously staged draft: stock, batches and the
// ledger entry, in one transaction, flipping the draft to POSTED.
func (s *Service) PostDraftDocument(ctx context.Context, docID, actorID int64) (PostedDocument, error) {
	draft, err := s.repo.GetDocument(ctx, docID)
	if err != nil {
		return PostedDocument{}, err
	}
	if draft.Status != DocumentStatusDraft {
		return PostedDocument{}, fmt.Errorf("inventory: document %s is not a draft", draft.Number)
	}
	side, err := draft.Kind.PostingSide()
	if err != nil {
		return PostedDocument{}, err
	}
	items := make([]PostMovementItemInput, 0, len(draft.Items))
	for _, it := range draft.Items {
		amount := it.Amount
		items = append(items, PostMovementItemInput{
			MaterialID:      it.MaterialID,
			PlantID:         it.PlantID,
			StorageLocation: it.StorageLocation,
			BatchNumber:     it.BatchNumber,
			Quantity:        it.Quantity,
			Amount:          &amount,
		})
	}
	lines, companyID, err := s.prepareItems(ctx, items, side)
	if err != nil {
		return PostedDocument{}, err
	}
	input := PostMovementInput{
		Kind:         draft.Kind,
		DocumentDate: draft.DocumentDate,
		PostingDate:  draft.PostingDate,
		Reference:    draft.Reference,
		ActorID:      actorID,
	}
	posted, err := s.postPrepared(ctx, input, side, companyID, lines, &draft)
	if err != nil {
		return PostedDocument{}, err
	}
	s.recordAudit(ctx, actorID, posted)
	return posted, nil
}

// AvailableQuantity re-derives plant-level availability from posted movement
// items. Gating decisions must use this, never a cached counter.
func (s *Service) AvailableQuantity(ctx context.Context, materialID, plantID int64) (float64, error) {
	return s.repo.AvailableQuantity(ctx, materialID, plantID, nil)
}

// GetBatch returns the batch identified by (material, batch number).
func (s *Service) GetBatch(ctx context.Context, materialID int64, number string) (Batch, error) {
	return s.repo.GetBatchByNumber(ctx, materialID, number)
}

// GetDocument returns one movement document with items.
func (s *Service) GetDocument(ctx context.Context, id int64) (MovementDocument, error) {
	return s.repo.GetDocument(ctx, id)
}

// ListDocuments lists recent movement documents for reporting.
func (s *Service) ListDocuments(ctx context.Context, limit int) ([]MovementDocument, error) {
	return s.repo.ListDocuments(ctx, limit)
}

type preparedLine struct {
	item     MovementItem
	material masterdata.Material
}

// prepareItems validates quantities and master data and values each line.
// Amount defaults to quantity times the material standard cost.
func (s *Service) prepareItems(ctx context.Context, items []PostMovementItemInput, side PostingSide) ([]preparedLine, int64, error) {
	lines := make([]preparedLine, 0, len(items))
	companyID := int64(0)
	for i, in := range items {
		if in.Quantity <= 0 {
			return nil, 0, fmt.Errorf("%w (item %d)", ErrInvalidQuantity, i+1)
		}
		material, err := s.master.GetMaterial(ctx, in.MaterialID)
		if err != nil {
			return nil, 0, err
		}
		plant, err := s.master.GetPlant(ctx, in.PlantID)
		if err != nil {
			return nil, 0, err
		}
		if companyID == 0 {
			companyID = plant.CompanyID
		} else if companyID != plant.CompanyID {
			return nil, 0, errors.New("inventory: movement items span multiple companies")
		}
		amount := decimal.NewFromFloat(in.Quantity).Mul(material.StandardCost)
		if in.Amount != nil {
			amount = *in.Amount
		}
		lines = append(lines, preparedLine{
			item: MovementItem{
				MaterialID:      in.MaterialID,
				PlantID:         in.PlantID,
				StorageLocation: in.StorageLocation,
				BatchNumber:     in.BatchNumber,
				Quantity:        in.Quantity,
				Unit:            material.Unit,
				Amount:          amount,
				Side:            side,
			},
			material: material,
		})
	}
	return lines, companyID, nil
}

// postPrepared runs the atomic posting transaction. A non-nil draft means an
// existing draft document is being promoted instead of a new header inserted.
func (s *Service) postPrepared(ctx context.Context, input PostMovementInput, side PostingSide, companyID int64, lines []preparedLine, draft *MovementDocument) (PostedDocument, error) {
	var posted PostedDocument
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		posted, err = s.postInTx(ctx, tx, input, side, companyID, lines, draft)
		return err
	})
	if err != nil {
		return PostedDocument{}, err
	}
	return posted, nil
}

// postInTx performs the posting writes against the supplied transaction.
func (s *Service) postInTx(ctx context.Context, tx TxRepository, input PostMovementInput, side PostingSide, companyID int64, lines []preparedLine, draft *MovementDocument) (PostedDocument, error) {
	postingDate := s.effectivePostingDate(input.PostingDate)

	var doc MovementDocument
	var err error
	if draft != nil {
		doc = *draft
		doc.Items = nil
	} else {
		doc, err = s.insertHeader(ctx, tx, input, side, companyID, postingDate, DocumentStatusPosted)
		if err != nil {
			return PostedDocument{}, err
		}
	}

	inventoryBuckets := newAccountBuckets()
	offsetBuckets := newAccountBuckets()

	for i := range lines {
		line := &lines[i]
		if err := s.applyStock(ctx, tx, line, side); err != nil {
			return PostedDocument{}, err
		}
		line.item.DocumentID = doc.ID
		if draft == nil {
			if _, err := tx.InsertItem(ctx, line.item); err != nil {
				return PostedDocument{}, err
			}
		}
		doc.Items = append(doc.Items, line.item)

		resolved, err := s.resolver.Resolve(ctx, string(input.Kind), line.material.ValuationClass, string(line.material.Kind), companyID)
		if err != nil {
			return PostedDocument{}, err
		}
		if input.Kind == MovementIssueForSalesOrder {
			if resolved.Inventory.Class != masterdata.AccountClassAsset || resolved.Offset.Class != masterdata.AccountClassExpense {
				return PostedDocument{}, &AccountClassError{
					InventoryAccount: resolved.Inventory.Code,
					InventoryClass:   string(resolved.Inventory.Class),
					OffsetAccount:    resolved.Offset.Code,
					OffsetClass:      string(resolved.Offset.Class),
				}
			}
		}
		inventoryBuckets.add(resolved.Inventory, line.item.Amount)
		offsetBuckets.add(resolved.Offset, line.item.Amount)
	}

	// A promoted draft flips to POSTED only after its items cleared the
	// availability gate; flipping earlier would count the document against
	// itself.
	if draft != nil {
		if err := tx.UpdateDocumentStatus(ctx, draft.ID, DocumentStatusPosted); err != nil {
			return PostedDocument{}, err
		}
		doc.Status = DocumentStatusPosted
	}

	entry, err := s.writer.Write(ctx, tx, accounting.WriteInput{
		CompanyID:    companyID,
		DocumentDate: doc.DocumentDate,
		PostingDate:  postingDate,
		HeaderText:   fmt.Sprintf("Stock movement %s", doc.Number),
		Reference:    doc.Number,
		Lines:        buildLedgerLines(side, inventoryBuckets, offsetBuckets),
	})
	if err != nil {
		return PostedDocument{}, err
	}

	return PostedDocument{Document: doc, Entry: LedgerEntryRef{ID: entry.ID, Number: entry.Number}}, nil
}

func (s *Service) insertHeader(ctx context.Context, tx TxRepository, input PostMovementInput, side PostingSide, companyID int64, postingDate time.Time, status DocumentStatus) (MovementDocument, error) {
	fiscalYear := postingDate.Year()
	maxNumber, err := tx.MaxDocumentNumber(ctx, fiscalYear)
	if err != nil {
		return MovementDocument{}, err
	}
	documentDate := input.DocumentDate
	if documentDate.IsZero() {
		documentDate = postingDate
	}
	doc := MovementDocument{
		Number:       shared.NextDocumentNumber(shared.PrefixMovement, fiscalYear, maxNumber, documentNumberWidth),
		Kind:         input.Kind,
		Status:       status,
		CompanyID:    companyID,
		DocumentDate: documentDate,
		PostingDate:  postingDate,
		Reference:    input.Reference,
		CreatedBy:    input.ActorID,
		CreatedAt:    s.now().UTC(),
	}
	id, err := tx.InsertDocument(ctx, doc)
	if err != nil {
		return MovementDocument{}, err
	}
	doc.ID = id
	return doc, nil
}

// applyStock mutates the batch ledger for one item. Increases create or grow
// batches; decreases are authorised against ledger-derived availability.
func (s *Service) applyStock(ctx context.Context, tx TxRepository, line *preparedLine, side PostingSide) error {
	item := &line.item
	material := line.material

	if side == SideDebit {
		number := item.BatchNumber
		if number == "" {
			if !material.RequiresBatch {
				return nil
			}
			number = s.generateBatchNumber(material)
			item.BatchNumber = number
		}
		batch, err := tx.GetBatchForUpdate(ctx, item.MaterialID, number)
		if errors.Is(err, ErrBatchNotFound) {
			batch = s.newBatch(material, number, item.Quantity)
			id, err := tx.InsertBatch(ctx, batch)
			if err != nil {
				return err
			}
			item.BatchID = &id
			return nil
		}
		if err != nil {
			return err
		}
		batch.Quantity += item.Quantity
		batch.RemainingQuantity += item.Quantity
		item.BatchID = &batch.ID
		return tx.UpdateBatch(ctx, batch)
	}

	// Stock decrease: plant-level availability is always recomputed from the
	// posted item ledger, never read from a cached counter.
	available, err := tx.PostedQuantity(ctx, item.MaterialID, item.PlantID, nil)
	if err != nil {
		return err
	}
	if available-item.Quantity < 0 && !material.AllowNegativeStock {
		return &InsufficientStockError{
			MaterialID:  item.MaterialID,
			PlantID:     item.PlantID,
			BatchNumber: item.BatchNumber,
			Available:   available,
			Requested:   item.Quantity,
		}
	}

	if item.BatchNumber != "" {
		batch, err := tx.GetBatchForUpdate(ctx, item.MaterialID, item.BatchNumber)
		if err != nil {
			return err
		}
		if batch.RemainingQuantity-item.Quantity < 0 && !material.AllowNegativeStock {
			return &InsufficientStockError{
				MaterialID:  item.MaterialID,
				PlantID:     item.PlantID,
				BatchNumber: item.BatchNumber,
				Available:   batch.RemainingQuantity,
				Requested:   item.Quantity,
			}
		}
		batch.RemainingQuantity -= item.Quantity
		item.BatchID = &batch.ID
		if err := tx.UpdateBatch(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) newBatch(material masterdata.Material, number string, qty float64) Batch {
	now := s.now().UTC()
	status := BatchStatusAvailable
	if material.RequiresInspection {
		status = BatchStatusQuarantine
	}
	batch := Batch{
		MaterialID:        material.ID,
		Number:            number,
		Quantity:          qty,
		RemainingQuantity: qty,
		Status:            status,
		CreatedAt:         now,
	}
	if material.ShelfLifeDays > 0 {
		expiry := now.AddDate(0, 0, material.ShelfLifeDays)
		batch.ExpiryDate = &expiry
	}
	return batch
}

func (s *Service) generateBatchNumber(material masterdata.Material) string {
	return fmt.Sprintf("B%s-%s", s.now().UTC().Format("20060102150405"), material.Code)
}

func (s *Service) effectivePostingDate(d time.Time) time.Time {
	if d.IsZero() {
		return s.now().UTC()
	}
	return d
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, posted PostedDocument) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   fmt.Sprintf("inventory:%s", posted.Document.Kind),
		Entity:   "movement_document",
		EntityID: posted.Document.Number,
		Meta: map[string]any{
			"ledger_entry": posted.Entry.Number,
			"items":        len(posted.Document.Items),
		},
		At: s.now(),
	})
}
