package production

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-erp/meridian-erp/internal/accounting"
	"github.com/meridian-erp/meridian-erp/internal/inventory"
	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Handler wires HTTP endpoints for the production-order lifecycle.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the production handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers production routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/orders", h.createOrder)
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{id}", h.getOrder)
	r.Post("/orders/{id}/plan", h.planOrder)
	r.Post("/orders/{id}/start", h.startOrder)
	r.Post("/orders/{id}/complete", h.completeOrder)
	r.Post("/orders/{id}/cancel", h.cancelOrder)
	r.Post("/orders/{id}/operations/{opID}/confirm", h.confirmOperation)
}

type createOperationRequest struct {
	Sequence     int    `json:"sequence" validate:"required,gt=0"`
	Description  string `json:"description"`
	WorkCenterID int64  `json:"work_center_id" validate:"required,gt=0"`
}

type createOrderRequest struct {
	MaterialID      int64                    `json:"material_id" validate:"required,gt=0"`
	BOMID           int64                    `json:"bom_id" validate:"required,gt=0"`
	PlannedQuantity float64                  `json:"planned_quantity" validate:"required,gt=0"`
	ActorID         int64                    `json:"actor_id"`
	Operations      []createOperationRequest `json:"operations" validate:"required,min=1,dive"`
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := CreateOrderInput{
		MaterialID:      req.MaterialID,
		BOMID:           req.BOMID,
		PlannedQuantity: req.PlannedQuantity,
		ActorID:         req.ActorID,
	}
	for _, op := range req.Operations {
		input.Operations = append(input.Operations, OperationInput{
			Sequence:     op.Sequence,
			Description:  op.Description,
			WorkCenterID: op.WorkCenterID,
		})
	}
	order, err := h.service.CreateOrder(r.Context(), input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, order)
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	orders, err := h.service.ListOrders(r.Context(), limit)
	if err != nil {
		h.logger.Error("list orders", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, orders)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := h.orderID(w, r)
	if !ok {
		return
	}
	order, err := h.service.GetOrder(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

type actorRequest struct {
	ActorID int64 `json:"actor_id"`
}

func (h *Handler) planOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := h.orderID(w, r)
	if !ok {
		return
	}
	order, err := h.service.Plan(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) startOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := h.orderID(w, r)
	if !ok {
		return
	}
	var req actorRequest
	_ = httpx.DecodeJSON(r, &req)
	order, err := h.service.Start(r.Context(), id, req.ActorID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) completeOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := h.orderID(w, r)
	if !ok {
		return
	}
	var req actorRequest
	_ = httpx.DecodeJSON(r, &req)
	order, err := h.service.Complete(r.Context(), id, req.ActorID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := h.orderID(w, r)
	if !ok {
		return
	}
	var req actorRequest
	_ = httpx.DecodeJSON(r, &req)
	order, err := h.service.Cancel(r.Context(), id, req.ActorID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

type confirmOperationRequest struct {
	ProducedQuantity float64 `json:"produced_quantity" validate:"gte=0"`
	WasteQuantity    float64 `json:"waste_quantity" validate:"gte=0"`
	DurationMinutes  float64 `json:"duration_minutes" validate:"gte=0"`
}

func (h *Handler) confirmOperation(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.orderID(w, r)
	if !ok {
		return
	}
	opID, err := strconv.ParseInt(chi.URLParam(r, "opID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid operation id")
		return
	}
	var req confirmOperationRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	op, err := h.service.ConfirmOperation(r.Context(), orderID, opID, req.ProducedQuantity, req.WasteQuantity, req.DurationMinutes)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, op)
}

func (h *Handler) orderID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid order id")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var transition *TransitionError
	var insufficient *inventory.InsufficientStockError
	var cfgErr *accounting.ConfigError
	switch {
	case errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.As(err, &transition), errors.Is(err, ErrOrderNotInProgress):
		httpx.Problem(w, http.StatusConflict, "Illegal Transition", err.Error())
	case errors.As(err, &insufficient):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.Is(err, ErrCostContextUnresolved), errors.As(err, &cfgErr):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Configuration Error", err.Error())
	case errors.Is(err, ErrOperationNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		h.logger.Error("production request", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
