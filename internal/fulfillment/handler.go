package fulfillment

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-erp/meridian-erp/internal/inventory"
	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Handler wires HTTP endpoints for sales orders and deliveries.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the fulfillment handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers fulfillment routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/sales-orders", h.createSalesOrder)
	r.Get("/sales-orders/{id}", h.getSalesOrder)
	r.Post("/deliveries", h.createDelivery)
	r.Get("/deliveries", h.listDeliveries)
	r.Get("/deliveries/{id}", h.getDelivery)
	r.Post("/deliveries/{id}/goods-issue", h.postGoodsIssue)
}

type createSalesOrderLineRequest struct {
	MaterialID int64   `json:"material_id" validate:"required,gt=0"`
	PlantID    int64   `json:"plant_id" validate:"required,gt=0"`
	Quantity   float64 `json:"quantity" validate:"required,gt=0"`
	Unit       string  `json:"unit"`
}

type createSalesOrderRequest struct {
	CustomerID int64                         `json:"customer_id" validate:"required,gt=0"`
	ActorID    int64                         `json:"actor_id"`
	Lines      []createSalesOrderLineRequest `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) createSalesOrder(w http.ResponseWriter, r *http.Request) {
	var req createSalesOrderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := CreateSalesOrderInput{CustomerID: req.CustomerID, ActorID: req.ActorID}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, CreateSalesOrderLineInput{
			MaterialID: line.MaterialID,
			PlantID:    line.PlantID,
			Quantity:   line.Quantity,
			Unit:       line.Unit,
		})
	}
	order, err := h.service.CreateSalesOrder(r.Context(), input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, order)
}

func (h *Handler) getSalesOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid order id")
		return
	}
	order, err := h.service.GetSalesOrder(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

type createDeliveryItemRequest struct {
	OrderLineID int64   `json:"order_line_id" validate:"required,gt=0"`
	Quantity    float64 `json:"quantity" validate:"gte=0"`
	BatchNumber string  `json:"batch_number"`
}

type createDeliveryRequest struct {
	OrderID int64                       `json:"order_id" validate:"required,gt=0"`
	ActorID int64                       `json:"actor_id"`
	Items   []createDeliveryItemRequest `json:"items" validate:"required,min=1,dive"`
}

func (h *Handler) createDelivery(w http.ResponseWriter, r *http.Request) {
	var req createDeliveryRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := CreateDeliveryInput{OrderID: req.OrderID, ActorID: req.ActorID}
	for _, item := range req.Items {
		input.Items = append(input.Items, CreateDeliveryItemInput{
			OrderLineID: item.OrderLineID,
			Quantity:    item.Quantity,
			BatchNumber: item.BatchNumber,
		})
	}
	delivery, err := h.service.CreateDelivery(r.Context(), input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, delivery)
}

func (h *Handler) listDeliveries(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	deliveries, err := h.service.ListDeliveries(r.Context(), limit)
	if err != nil {
		h.logger.Error("list deliveries", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, deliveries)
}

func (h *Handler) getDelivery(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid delivery id")
		return
	}
	delivery, err := h.service.GetDelivery(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, delivery)
}

type postGoodsIssueRequest struct {
	ActorID int64 `json:"actor_id"`
}

func (h *Handler) postGoodsIssue(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid delivery id")
		return
	}
	var req postGoodsIssueRequest
	_ = httpx.DecodeJSON(r, &req)
	delivery, err := h.service.PostGoodsIssue(r.Context(), id, req.ActorID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, delivery)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var insufficient *inventory.InsufficientStockError
	switch {
	case errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrAlreadyShipped):
		httpx.Problem(w, http.StatusConflict, "Already Shipped", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.As(err, &insufficient):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.Is(err, ErrEmptyDelivery):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error("fulfillment request", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
