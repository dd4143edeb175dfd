package inventory

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/accounting"
	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Handler wires HTTP endpoints for the movement posting engine.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	cache    *AvailabilityCache
	validate *validator.Validate
}

// NewHandler constructs the inventory handler.
func NewHandler(logger *slog.Logger, service *Service, cache *AvailabilityCache) *Handler {
	return &Handler{logger: logger, service: service, cache: cache, validate: validator.New()}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/movements", h.postMovement)
	r.Get("/movements", h.listMovements)
	r.Get("/movements/{id}", h.getMovement)
	r.Get("/availability", h.getAvailability)
}

type postMovementItemRequest struct {
	MaterialID      int64    `json:"material_id" validate:"required,gt=0"`
	PlantID         int64    `json:"plant_id" validate:"required,gt=0"`
	StorageLocation string   `json:"storage_location"`
	BatchNumber     string   `json:"batch_number"`
	Quantity        float64  `json:"quantity" validate:"required,gt=0"`
	Amount          *float64 `json:"amount" validate:"omitempty,gte=0"`
}

type postMovementRequest struct {
	Kind         string                    `json:"kind" validate:"required"`
	DocumentDate *time.Time                `json:"document_date"`
	PostingDate  *time.Time                `json:"posting_date"`
	Reference    string                    `json:"reference"`
	ActorID      int64                     `json:"actor_id"`
	Items        []postMovementItemRequest `json:"items" validate:"required,min=1,dive"`
}

func (h *Handler) postMovement(w http.ResponseWriter, r *http.Request) {
	var req postMovementRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	input := PostMovementInput{
		Kind:      MovementKind(req.Kind),
		Reference: req.Reference,
		ActorID:   req.ActorID,
	}
	if req.DocumentDate != nil {
		input.DocumentDate = *req.DocumentDate
	}
	if req.PostingDate != nil {
		input.PostingDate = *req.PostingDate
	}
	for _, item := range req.Items {
		in := PostMovementItemInput{
			MaterialID:      item.MaterialID,
			PlantID:         item.PlantID,
			StorageLocation: item.StorageLocation,
			BatchNumber:     item.BatchNumber,
			Quantity:        item.Quantity,
		}
		if item.Amount != nil {
			amount := decimal.NewFromFloat(*item.Amount)
			in.Amount = &amount
		}
		input.Items = append(input.Items, in)
	}

	posted, err := h.service.PostMovement(r.Context(), input)
	if err != nil {
		h.respondPostingError(w, err)
		return
	}
	for _, item := range posted.Document.Items {
		h.cache.Invalidate(r.Context(), item.MaterialID, item.PlantID)
	}
	httpx.JSON(w, http.StatusCreated, posted)
}

func (h *Handler) listMovements(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	docs, err := h.service.ListDocuments(r.Context(), limit)
	if err != nil {
		h.logger.Error("list movements", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, docs)
}

func (h *Handler) getMovement(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid document id")
		return
	}
	doc, err := h.service.GetDocument(r.Context(), id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
			return
		}
		h.logger.Error("get movement", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, doc)
}

type availabilityResponse struct {
	MaterialID int64   `json:"material_id"`
	PlantID    int64   `json:"plant_id"`
	Available  float64 `json:"available"`
	Cached     bool    `json:"cached"`
}

// getAvailability serves dashboard reads. The cached value is display-only;
// posting paths always re-derive availability inside their transaction.
func (h *Handler) getAvailability(w http.ResponseWriter, r *http.Request) {
	materialID, err1 := strconv.ParseInt(r.URL.Query().Get("material_id"), 10, 64)
	plantID, err2 := strconv.ParseInt(r.URL.Query().Get("plant_id"), 10, 64)
	if err1 != nil || err2 != nil || materialID <= 0 || plantID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "material_id and plant_id are required")
		return
	}
	if qty, ok := h.cache.Get(r.Context(), materialID, plantID); ok {
		httpx.JSON(w, http.StatusOK, availabilityResponse{MaterialID: materialID, PlantID: plantID, Available: qty, Cached: true})
		return
	}
	qty, err := h.service.AvailableQuantity(r.Context(), materialID, plantID)
	if err != nil {
		h.logger.Error("availability", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	h.cache.Set(r.Context(), materialID, plantID, qty)
	httpx.JSON(w, http.StatusOK, availabilityResponse{MaterialID: materialID, PlantID: plantID, Available: qty, Cached: false})
}

func (h *Handler) respondPostingError(w http.ResponseWriter, err error) {
	var insufficient *InsufficientStockError
	var classErr *AccountClassError
	var cfgErr *accounting.ConfigError
	var unbalanced *accounting.UnbalancedError
	switch {
	case errors.Is(err, ErrUnknownMovementKind), errors.Is(err, ErrInvalidQuantity):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.As(err, &insufficient):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.As(err, &classErr), errors.As(err, &cfgErr), errors.As(err, &unbalanced):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Configuration Error", err.Error())
	default:
		h.logger.Error("post movement", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
