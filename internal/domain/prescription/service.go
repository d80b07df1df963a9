package prescription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/quickcare/quickcare/internal/domain/consultation"
	"github.com/quickcare/quickcare/internal/domain/identity"
	"github.com/quickcare/quickcare/internal/platform/db"
	"github.com/quickcare/quickcare/internal/platform/notification"
	"github.com/quickcare/quickcare/internal/platform/pharmacy"
)

var (
	ErrNotFound            = errors.New("prescription not found")
	ErrNotActive           = errors.New("prescription is not active")
	ErrNoRefillsRemaining  = errors.New("no refills remaining")
	ErrNotAssignedProvider = errors.New("only the assigned provider can act on this consultation")
)

// Service owns clinical disposition: completing a consultation, approving
// medications with the pharmacy hand-off, and the life of the resulting
// prescription rows.
type Service struct {
	repo          Repository
	consultations consultation.Repository
	patients      identity.PatientRepository
	dispatcher    pharmacy.Dispatcher
	events        *notification.Events
	withTx        func(ctx context.Context) (context.Context, pgx.Tx, error)
}

func NewService(repo Repository, consultations consultation.Repository, patients identity.PatientRepository, dispatcher pharmacy.Dispatcher, events *notification.Events) *Service {
	return &Service{
		repo:          repo,
		consultations: consultations,
		patients:      patients,
		dispatcher:    dispatcher,
		events:        events,
		withTx:        db.WithTx,
	}
}

// CompleteInput carries the disposition for a consultation that ends without
// medications.
type CompleteInput struct {
	Diagnosis        *string
	TreatmentPlan    *string
	Notes            string
	FollowUpRequired bool
	FollowUpDate     *time.Time
}

func (s *Service) CompleteConsultation(ctx context.Context, consultationID, providerID uuid.UUID, in CompleteInput) (*consultation.Consultation, error) {
	in.Notes = strings.TrimSpace(in.Notes)
	if in.Notes == "" {
		return nil, fmt.Errorf("provider notes are required")
	}
	cons, err := s.consultations.GetByID(ctx, consultationID)
	if err != nil {
		return nil, err
	}
	if cons.ProviderID == nil || *cons.ProviderID != providerID {
		return nil, ErrNotAssignedProvider
	}
	if _, err := consultation.NextStatus(cons.Status, consultation.ActionComplete); err != nil {
		return nil, err
	}
	rows, err := s.consultations.Complete(ctx, consultationID, providerID, consultation.CompleteParams{
		Diagnosis:        in.Diagnosis,
		TreatmentPlan:    in.TreatmentPlan,
		ProviderNotes:    in.Notes,
		FollowUpRequired: in.FollowUpRequired,
		FollowUpDate:     in.FollowUpDate,
	})
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		fresh, ferr := s.consultations.GetByID(ctx, consultationID)
		if ferr != nil {
			return nil, consultation.ErrNotFound
		}
		return nil, &consultation.InvalidTransitionError{From: fresh.Status, Action: consultation.ActionComplete}
	}
	return s.consultations.GetByID(ctx, consultationID)
}

// MedicationInput is one medication line of an approval.
type MedicationInput struct {
	Name              string
	Dosage            string
	Frequency         string
	Duration          string
	Quantity          int
	RefillsAuthorized int
	UnitPrice         decimal.Decimal
	SubscriptionPrice decimal.Decimal
}

type ApproveInput struct {
	Diagnosis   *string
	Notes       *string
	Medications []MedicationInput
}

type ApproveResult struct {
	Consultation  *consultation.Consultation `json:"consultation"`
	Prescriptions []*Prescription            `json:"prescriptions"`
	Dispatched    bool                       `json:"dispatched"`
	Dispatch      *pharmacy.Result           `json:"dispatch,omitempty"`
}

// ApprovePrescription validates the medication list, hands the order to the
// pharmacy, then records the prescription rows and the consultation
// disposition in one transaction. The pharmacy call comes first: if it fails,
// nothing is written and the consultation stays assigned.
func (s *Service) ApprovePrescription(ctx context.Context, consultationID, providerID uuid.UUID, in ApproveInput) (*ApproveResult, error) {
	if len(in.Medications) == 0 {
		return nil, fmt.Errorf("at least one medication is required")
	}
	for i := range in.Medications {
		m := &in.Medications[i]
		m.Name = strings.TrimSpace(m.Name)
		if m.Name == "" || strings.TrimSpace(m.Dosage) == "" ||
			strings.TrimSpace(m.Frequency) == "" || strings.TrimSpace(m.Duration) == "" {
			return nil, fmt.Errorf("medication %d requires name, dosage, frequency and duration", i+1)
		}
		if m.Quantity <= 0 {
			m.Quantity = 1
		}
		if m.RefillsAuthorized < 0 {
			return nil, fmt.Errorf("medication %d has negative refills", i+1)
		}
		if m.UnitPrice.IsNegative() || m.SubscriptionPrice.IsNegative() {
			return nil, fmt.Errorf("medication %d has a negative price", i+1)
		}
	}

	cons, err := s.consultations.GetByID(ctx, consultationID)
	if err != nil {
		return nil, err
	}
	if cons.ProviderID == nil || *cons.ProviderID != providerID {
		return nil, ErrNotAssignedProvider
	}
	next, err := consultation.NextStatus(cons.Status, consultation.ActionApprove)
	if err != nil {
		return nil, err
	}

	patient, err := s.patients.GetByID(ctx, cons.PatientID)
	if err != nil {
		return nil, fmt.Errorf("patient not found")
	}

	dispatch, err := s.dispatcher.Dispatch(ctx, dispatchOrder(cons, patient, in.Medications))
	if err != nil {
		return nil, err
	}
	sent := dispatch.PharmacyOrderID != ""
	if sent {
		next, err = consultation.NextStatus(next, consultation.ActionSend)
		if err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	data := &consultation.PrescriptionData{
		Medications: make([]consultation.Medication, 0, len(in.Medications)),
		ApprovedAt:  now,
	}
	var pharmacyOrderID *string
	if sent {
		data.PharmacyOrderID = dispatch.PharmacyOrderID
		data.TrackingNumber = dispatch.TrackingNumber
		data.EstimatedDelivery = dispatch.EstimatedDelivery
		pharmacyOrderID = &dispatch.PharmacyOrderID
	}
	var items []*Prescription
	for _, m := range in.Medications {
		data.Medications = append(data.Medications, consultation.Medication{
			Name:              m.Name,
			Dosage:            m.Dosage,
			Frequency:         m.Frequency,
			Duration:          m.Duration,
			Quantity:          m.Quantity,
			RefillsAuthorized: m.RefillsAuthorized,
			UnitPrice:         m.UnitPrice,
			SubscriptionPrice: m.SubscriptionPrice,
		})
		consID := cons.ID
		items = append(items, &Prescription{
			PatientID:         cons.PatientID,
			ProviderID:        providerID,
			ConsultationID:    &consID,
			MedicationName:    m.Name,
			Dosage:            m.Dosage,
			Frequency:         m.Frequency,
			Duration:          m.Duration,
			Quantity:          m.Quantity,
			RefillsAuthorized: m.RefillsAuthorized,
			UnitPrice:         m.UnitPrice,
			SubscriptionPrice: m.SubscriptionPrice,
			Status:            StatusActive,
			PharmacyOrderID:   pharmacyOrderID,
		})
	}

	txCtx, tx, err := s.withTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.consultations.RecordPrescription(txCtx, consultationID, providerID, consultation.PrescriptionParams{
		Status:        next,
		Diagnosis:     in.Diagnosis,
		ProviderNotes: in.Notes,
		Data:          data,
	})
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if rows == 0 {
		_ = tx.Rollback(ctx)
		fresh, ferr := s.consultations.GetByID(ctx, consultationID)
		if ferr != nil {
			return nil, consultation.ErrNotFound
		}
		return nil, &consultation.InvalidTransitionError{From: fresh.Status, Action: consultation.ActionApprove}
	}
	if err := s.repo.CreateBatch(txCtx, items); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(in.Medications))
	for _, m := range in.Medications {
		names = append(names, m.Name)
	}
	label := strings.Join(names, ", ")
	if sent {
		s.events.PrescriptionSent(ctx, patient.Email, patient.FullName(), label, dispatch.TrackingNumber)
	} else {
		s.events.PrescriptionApproved(ctx, patient.Email, patient.FullName(), label)
	}

	updated, err := s.consultations.GetByID(ctx, consultationID)
	if err != nil {
		return nil, err
	}
	res := &ApproveResult{Consultation: updated, Prescriptions: items, Dispatched: sent}
	if sent {
		res.Dispatch = dispatch
	}
	return res, nil
}

func dispatchOrder(cons *consultation.Consultation, patient *identity.Patient, meds []MedicationInput) pharmacy.Order {
	o := pharmacy.Order{
		ConsultationID: cons.ID.String(),
		PatientName:    patient.FullName(),
	}
	if patient.AddressLine1 != nil {
		o.AddressLine1 = *patient.AddressLine1
	}
	if patient.AddressLine2 != nil {
		o.AddressLine2 = *patient.AddressLine2
	}
	if patient.City != nil {
		o.City = *patient.City
	}
	if patient.State != nil {
		o.State = *patient.State
	}
	if patient.PostalCode != nil {
		o.PostalCode = *patient.PostalCode
	}
	for _, m := range meds {
		o.Items = append(o.Items, pharmacy.Item{
			Medication: m.Name,
			Dosage:     m.Dosage,
			Quantity:   m.Quantity,
			Refills:    m.RefillsAuthorized,
		})
	}
	return o
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Prescription, int, error) {
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) ListByConsultation(ctx context.Context, consultationID uuid.UUID) ([]*Prescription, error) {
	return s.repo.ListByConsultation(ctx, consultationID)
}

// Refill consumes one refill. The write is conditional, so an exhausted or
// inactive prescription is never decremented past its limits.
func (s *Service) Refill(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	rows, err := s.repo.RecordRefill(ctx, id)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		p, gerr := s.repo.GetByID(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if p.Status != StatusActive {
			return nil, ErrNotActive
		}
		return nil, ErrNoRefillsRemaining
	}
	return s.repo.GetByID(ctx, id)
}

// UpdateStatus applies a forward-only status change from active.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, to Status) (*Prescription, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("invalid status: %s", to)
	}
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(p.Status, to) {
		return nil, &InvalidStatusError{From: p.Status, To: to}
	}
	rows, err := s.repo.UpdateStatus(ctx, id, to)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		fresh, ferr := s.repo.GetByID(ctx, id)
		if ferr != nil {
			return nil, ErrNotFound
		}
		return nil, &InvalidStatusError{From: fresh.Status, To: to}
	}
	return s.repo.GetByID(ctx, id)
}
