package order

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/quickcare/quickcare/internal/domain/consultation"
	"github.com/quickcare/quickcare/internal/domain/prescription"
	"github.com/quickcare/quickcare/internal/platform/auth"
	"github.com/quickcare/quickcare/internal/platform/payment"
	"github.com/quickcare/quickcare/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	patientGroup := api.Group("", auth.RequireRole("patient", "admin"))
	patientGroup.POST("/orders", h.Create)

	// Confirmation is the webhook/poll target; any authenticated caller
	// may deliver it, the intent id scopes the effect.
	api.POST("/orders/payments/confirm", h.ConfirmPayment)

	api.GET("/orders/:id", h.Get)
	api.GET("/patients/:id/orders", h.ListByPatient)

	adminGroup := api.Group("", auth.RequireRole("admin"))
	adminGroup.GET("/orders", h.List)
	adminGroup.PATCH("/orders/:id/fulfillment", h.UpdateFulfillment)
	adminGroup.POST("/orders/:id/refund", h.Refund)
	adminGroup.GET("/orders/reconciliation/orphaned-intents", h.OrphanedIntents)
}

type CreateOrderRequest struct {
	ConsultationID  string   `json:"consultation_id" validate:"required,uuid"`
	PrescriptionIDs []string `json:"prescription_ids" validate:"required,min=1,dive,uuid"`
	Subscription    bool     `json:"subscription"`
}

type ConfirmPaymentRequest struct {
	PaymentIntentID string `json:"payment_intent_id" validate:"required"`
}

type UpdateFulfillmentRequest struct {
	Status         string  `json:"status" validate:"required,oneof=shipped delivered"`
	Carrier        *string `json:"carrier,omitempty"`
	TrackingNumber *string `json:"tracking_number,omitempty"`
}

type RefundRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (h *Handler) Create(c echo.Context) error {
	var req CreateOrderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	ctx := c.Request().Context()

	in := CreateInput{Subscription: req.Subscription}
	consultationID, err := uuid.Parse(req.ConsultationID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid consultation_id")
	}
	in.ConsultationID = consultationID
	for _, raw := range req.PrescriptionIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid prescription id")
		}
		in.PrescriptionIDs = append(in.PrescriptionIDs, id)
	}

	actorID := uuid.Nil
	if !auth.HasRole(ctx, "admin") {
		actorID, err = uuid.Parse(auth.UserIDFromContext(ctx))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid principal")
		}
	}

	res, err := h.svc.Create(ctx, actorID, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) ConfirmPayment(c echo.Context) error {
	var req ConfirmPaymentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	res, err := h.svc.Confirm(c.Request().Context(), req.PaymentIntentID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	o, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if !canView(c, o) {
		return echo.NewHTTPError(http.StatusForbidden, "access denied")
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) ListByPatient(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	if !auth.HasRole(ctx, "admin") && auth.UserIDFromContext(ctx) != patientID.String() {
		return echo.NewHTTPError(http.StatusForbidden, "access denied")
	}
	p := pagination.FromContext(c)
	items, total, err := h.svc.ListByPatient(ctx, patientID, p.Limit, p.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p.Limit, p.Offset))
}

func (h *Handler) List(c echo.Context) error {
	status := PaymentStatus(c.QueryParam("payment_status"))
	if status != "" && !status.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payment_status")
	}
	p := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), status, p.Limit, p.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p.Limit, p.Offset))
}

func (h *Handler) UpdateFulfillment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req UpdateFulfillmentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	o, err := h.svc.UpdateFulfillment(c.Request().Context(), id, FulfillmentInput{
		To:             FulfillmentStatus(req.Status),
		Carrier:        req.Carrier,
		TrackingNumber: req.TrackingNumber,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) Refund(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req RefundRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o, err := h.svc.Refund(c.Request().Context(), id, req.Amount)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) OrphanedIntents(c echo.Context) error {
	p := pagination.FromContext(c)
	items, total, err := h.svc.OrphanedIntents(c.Request().Context(), p.Limit, p.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p.Limit, p.Offset))
}

func canView(c echo.Context, o *Order) bool {
	ctx := c.Request().Context()
	if auth.HasRole(ctx, "admin") {
		return true
	}
	return auth.UserIDFromContext(ctx) == o.PatientID.String()
}

// httpError maps service errors onto the API error vocabulary. Gateway
// failures surface as 502 with the detail kept out of the response body.
func httpError(err error) error {
	var gerr *payment.GatewayError
	var invalid *InvalidFulfillmentError
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "order not found")
	case errors.Is(err, consultation.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "consultation not found")
	case errors.Is(err, prescription.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "prescription not found")
	case errors.Is(err, ErrNotOwner):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrNotRefundable):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &invalid):
		return echo.NewHTTPError(http.StatusConflict, invalid.Error())
	case errors.As(err, &gerr):
		return echo.NewHTTPError(http.StatusBadGateway, "payment gateway error")
	default:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
}
