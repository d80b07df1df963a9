package prescription

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/quickcare/quickcare/internal/domain/consultation"
	"github.com/quickcare/quickcare/internal/platform/auth"
	"github.com/quickcare/quickcare/internal/platform/pharmacy"
	"github.com/quickcare/quickcare/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Clinical disposition: provider
	providerGroup := api.Group("", auth.RequireRole("provider"))
	providerGroup.POST("/consultations/:id/complete", h.CompleteConsultation)
	providerGroup.POST("/consultations/:id/prescriptions", h.ApprovePrescription)

	// Refills: patient, admin
	patientGroup := api.Group("", auth.RequireRole("patient", "admin"))
	patientGroup.POST("/prescriptions/:id/refill", h.Refill)

	// Status maintenance: provider, admin
	statusGroup := api.Group("", auth.RequireRole("provider", "admin"))
	statusGroup.PATCH("/prescriptions/:id/status", h.UpdateStatus)

	api.GET("/prescriptions/:id", h.Get)
	api.GET("/patients/:id/prescriptions", h.ListByPatient)
}

type CompleteConsultationRequest struct {
	Diagnosis        *string `json:"diagnosis,omitempty"`
	TreatmentPlan    *string `json:"treatment_plan,omitempty"`
	Notes            string  `json:"notes" validate:"required"`
	FollowUpRequired bool    `json:"follow_up_required"`
	FollowUpDate     string  `json:"follow_up_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

type MedicationRequest struct {
	Name              string          `json:"name" validate:"required"`
	Dosage            string          `json:"dosage" validate:"required"`
	Frequency         string          `json:"frequency" validate:"required"`
	Duration          string          `json:"duration" validate:"required"`
	Quantity          int             `json:"quantity" validate:"omitempty,min=1"`
	RefillsAuthorized int             `json:"refills_authorized" validate:"omitempty,min=0"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
	SubscriptionPrice decimal.Decimal `json:"subscription_price"`
}

type ApprovePrescriptionRequest struct {
	Diagnosis   *string             `json:"diagnosis,omitempty"`
	Notes       *string             `json:"notes,omitempty"`
	Medications []MedicationRequest `json:"medications" validate:"required,min=1,dive"`
}

type UpdatePrescriptionStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=filled cancelled expired"`
}

func (h *Handler) CompleteConsultation(c echo.Context) error {
	consultationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req CompleteConsultationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	providerID, err := uuid.Parse(auth.UserIDFromContext(ctx))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid principal")
	}

	in := CompleteInput{
		Diagnosis:        req.Diagnosis,
		TreatmentPlan:    req.TreatmentPlan,
		Notes:            req.Notes,
		FollowUpRequired: req.FollowUpRequired,
	}
	if req.FollowUpDate != "" {
		d, err := time.Parse("2006-01-02", req.FollowUpDate)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid follow_up_date")
		}
		in.FollowUpDate = &d
	}

	cons, err := h.svc.CompleteConsultation(ctx, consultationID, providerID, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cons)
}

func (h *Handler) ApprovePrescription(c echo.Context) error {
	consultationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req ApprovePrescriptionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	providerID, err := uuid.Parse(auth.UserIDFromContext(ctx))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid principal")
	}

	in := ApproveInput{Diagnosis: req.Diagnosis, Notes: req.Notes}
	for _, m := range req.Medications {
		in.Medications = append(in.Medications, MedicationInput{
			Name:              m.Name,
			Dosage:            m.Dosage,
			Frequency:         m.Frequency,
			Duration:          m.Duration,
			Quantity:          m.Quantity,
			RefillsAuthorized: m.RefillsAuthorized,
			UnitPrice:         m.UnitPrice,
			SubscriptionPrice: m.SubscriptionPrice,
		})
	}

	res, err := h.svc.ApprovePrescription(ctx, consultationID, providerID, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	p, err := h.svc.Get(ctx, id)
	if err != nil {
		return httpError(err)
	}
	if !canView(c, p) {
		return echo.NewHTTPError(http.StatusForbidden, "access denied")
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListByPatient(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	if !auth.HasRole(ctx, "admin") && !auth.HasRole(ctx, "provider") &&
		auth.UserIDFromContext(ctx) != patientID.String() {
		return echo.NewHTTPError(http.StatusForbidden, "access denied")
	}
	p := pagination.FromContext(c)
	items, total, err := h.svc.ListByPatient(ctx, patientID, p.Limit, p.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p.Limit, p.Offset))
}

func (h *Handler) Refill(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	current, err := h.svc.Get(ctx, id)
	if err != nil {
		return httpError(err)
	}
	if !auth.HasRole(ctx, "admin") && auth.UserIDFromContext(ctx) != current.PatientID.String() {
		return echo.NewHTTPError(http.StatusForbidden, "access denied")
	}
	p, err := h.svc.Refill(ctx, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req UpdatePrescriptionStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	p, err := h.svc.UpdateStatus(c.Request().Context(), id, Status(req.Status))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func canView(c echo.Context, p *Prescription) bool {
	ctx := c.Request().Context()
	if auth.HasRole(ctx, "admin") {
		return true
	}
	uid := auth.UserIDFromContext(ctx)
	return uid == p.PatientID.String() || uid == p.ProviderID.String()
}

// httpError maps service errors onto the API error vocabulary. Pharmacy
// failures surface as 502 so clients know the request is retryable.
func httpError(err error) error {
	var invalid *consultation.InvalidTransitionError
	var badStatus *InvalidStatusError
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "prescription not found")
	case errors.Is(err, consultation.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "consultation not found")
	case errors.Is(err, ErrNotAssignedProvider):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrNoRefillsRemaining), errors.Is(err, ErrNotActive):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, pharmacy.ErrDispatchFailed):
		return echo.NewHTTPError(http.StatusBadGateway, "pharmacy dispatch failed")
	case errors.As(err, &invalid):
		return echo.NewHTTPError(http.StatusConflict, invalid.Error())
	case errors.As(err, &badStatus):
		return echo.NewHTTPError(http.StatusConflict, badStatus.Error())
	default:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
}
