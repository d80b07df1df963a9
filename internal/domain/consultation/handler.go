package consultation

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/quickcare/quickcare/internal/domain/identity"
	"github.com/quickcare/quickcare/internal/platform/auth"
	"github.com/quickcare/quickcare/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Intake and cancellation: patient, admin
	patientGroup := api.Group("", auth.RequireRole("patient", "admin"))
	patientGroup.POST("/consultations", h.Create)
	patientGroup.POST("/consultations/:id/cancel", h.Cancel)

	// Queue and claiming: provider
	providerGroup := api.Group("", auth.RequireRole("provider"))
	providerGroup.GET("/consultations/queue", h.Queue)
	providerGroup.POST("/consultations/:id/claim", h.Claim)

	// Detail and history enforce ownership in the handler.
	api.GET("/consultations/:id", h.Get)
	api.GET("/patients/:id/consultations", h.PatientHistory)

	adminGroup := api.Group("", auth.RequireRole("admin"))
	adminGroup.GET("/consultations", h.List)
}

// IntakePatientRequest registers a patient inline with the consultation when
// no patient record exists yet.
type IntakePatientRequest struct {
	Email        string  `json:"email" validate:"required,email"`
	FirstName    string  `json:"first_name" validate:"required"`
	LastName     string  `json:"last_name" validate:"required"`
	Phone        *string `json:"phone,omitempty"`
	AddressLine1 *string `json:"address_line1,omitempty"`
	AddressLine2 *string `json:"address_line2,omitempty"`
	City         *string `json:"city,omitempty"`
	State        *string `json:"state,omitempty"`
	PostalCode   *string `json:"postal_code,omitempty"`
}

type CreateConsultationRequest struct {
	PatientID      string                `json:"patient_id,omitempty" validate:"omitempty,uuid"`
	NewPatient     *IntakePatientRequest `json:"new_patient,omitempty"`
	ChiefComplaint string                `json:"chief_complaint" validate:"required,min=10"`
	Symptoms       []string              `json:"symptoms" validate:"required,min=1,dive,required"`
	Urgency        string                `json:"urgency,omitempty" validate:"omitempty,oneof=regular urgent emergency"`
	SeverityScore  *int                  `json:"severity_score,omitempty" validate:"omitempty,min=0,max=10"`
	Intake         map[string]any        `json:"intake,omitempty"`
	Attachments    []string              `json:"attachments,omitempty"`
}

type CancelConsultationRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (h *Handler) Create(c echo.Context) error {
	var req CreateConsultationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	ctx := c.Request().Context()

	in := CreateInput{
		ChiefComplaint: req.ChiefComplaint,
		Symptoms:       req.Symptoms,
		Urgency:        req.Urgency,
		SeverityScore:  req.SeverityScore,
		Intake:         req.Intake,
		Attachments:    req.Attachments,
	}
	if auth.HasRole(ctx, "patient") {
		// Patients always file for themselves.
		uid, err := uuid.Parse(auth.UserIDFromContext(ctx))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid principal")
		}
		in.PatientID = uid
	} else {
		switch {
		case req.PatientID != "":
			uid, err := uuid.Parse(req.PatientID)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
			}
			in.PatientID = uid
		case req.NewPatient != nil:
			in.NewPatient = &identity.Patient{
				Email:        req.NewPatient.Email,
				FirstName:    req.NewPatient.FirstName,
				LastName:     req.NewPatient.LastName,
				Phone:        req.NewPatient.Phone,
				AddressLine1: req.NewPatient.AddressLine1,
				AddressLine2: req.NewPatient.AddressLine2,
				City:         req.NewPatient.City,
				State:        req.NewPatient.State,
				PostalCode:   req.NewPatient.PostalCode,
			}
		}
	}

	cons, err := h.svc.Create(ctx, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, cons)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	cons, err := h.svc.Get(ctx, id)
	if err != nil {
		return httpError(err)
	}
	if !canView(ctx, cons) {
		return echo.NewHTTPError(http.StatusForbidden, "access denied")
	}
	return c.JSON(http.StatusOK, cons)
}

func (h *Handler) List(c echo.Context) error {
	p := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), c.QueryParam("status"), p.Limit, p.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p.Limit, p.Offset))
}

func (h *Handler) PatientHistory(c echo.Context) error {
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

func (h *Handler) Queue(c echo.Context) error {
	p := pagination.FromContext(c)
	entries, total, err := h.svc.Queue(c.Request().Context(), p.Limit, p.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(entries, total, p.Limit, p.Offset))
}

func (h *Handler) Claim(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	providerID, err := uuid.Parse(auth.UserIDFromContext(ctx))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid principal")
	}
	cons, err := h.svc.Claim(ctx, id, providerID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cons)
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req CancelConsultationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	cons, err := h.svc.Get(ctx, id)
	if err != nil {
		return httpError(err)
	}
	if !auth.HasRole(ctx, "admin") && auth.UserIDFromContext(ctx) != cons.PatientID.String() {
		return echo.NewHTTPError(http.StatusForbidden, "access denied")
	}
	updated, err := h.svc.Cancel(ctx, id, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

func canView(ctx context.Context, cons *Consultation) bool {
	if auth.HasRole(ctx, "admin") {
		return true
	}
	uid := auth.UserIDFromContext(ctx)
	if uid == cons.PatientID.String() {
		return true
	}
	return cons.ProviderID != nil && uid == cons.ProviderID.String()
}

// httpError maps service errors onto the API error vocabulary: unknown ids to
// 404, workflow conflicts to 409, everything else to 400.
func httpError(err error) error {
	var invalid *InvalidTransitionError
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "consultation not found")
	case errors.Is(err, ErrAlreadyAssigned):
		return echo.NewHTTPError(http.StatusConflict, "consultation already assigned")
	case errors.As(err, &invalid):
		return echo.NewHTTPError(http.StatusConflict, invalid.Error())
	default:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
}
