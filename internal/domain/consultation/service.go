package consultation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quickcare/quickcare/internal/domain/identity"
	"github.com/quickcare/quickcare/internal/platform/notification"
)

var (
	ErrNotFound        = errors.New("consultation not found")
	ErrAlreadyAssigned = errors.New("consultation already assigned")
)

// MinChiefComplaintLen is the minimum accepted chief complaint length after
// trimming whitespace.
const MinChiefComplaintLen = 10

// Service owns the consultation workflow: intake, the provider queue,
// claiming and cancellation. Completion and prescribing live in the
// prescription package, which writes through the same Repository.
type Service struct {
	repo      Repository
	patients  identity.PatientRepository
	providers identity.ProviderRepository
	events    *notification.Events
}

func NewService(repo Repository, patients identity.PatientRepository, providers identity.ProviderRepository, events *notification.Events) *Service {
	return &Service{repo: repo, patients: patients, providers: providers, events: events}
}

// CreateInput is the intake payload. Exactly one of PatientID or NewPatient
// identifies the patient; NewPatient registers (or reuses, by email) a
// patient record in the same request.
type CreateInput struct {
	PatientID      uuid.UUID
	NewPatient     *identity.Patient
	ChiefComplaint string
	Symptoms       []string
	Urgency        string
	SeverityScore  *int
	Intake         map[string]any
	Attachments    []string
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*Consultation, error) {
	in.ChiefComplaint = strings.TrimSpace(in.ChiefComplaint)
	if len(in.ChiefComplaint) < MinChiefComplaintLen {
		return nil, fmt.Errorf("chief complaint must be at least %d characters", MinChiefComplaintLen)
	}
	if len(in.Symptoms) == 0 {
		return nil, fmt.Errorf("at least one symptom is required")
	}
	if in.Urgency == "" {
		in.Urgency = UrgencyRegular
	}
	if !ValidUrgency(in.Urgency) {
		return nil, fmt.Errorf("invalid urgency: %s", in.Urgency)
	}
	if in.SeverityScore != nil && (*in.SeverityScore < 0 || *in.SeverityScore > 10) {
		return nil, fmt.Errorf("severity score must be between 0 and 10")
	}

	patientID := in.PatientID
	switch {
	case patientID != uuid.Nil:
		if _, err := s.patients.GetByID(ctx, patientID); err != nil {
			return nil, fmt.Errorf("patient not found")
		}
	case in.NewPatient != nil:
		p, err := s.intakePatient(ctx, in.NewPatient)
		if err != nil {
			return nil, err
		}
		patientID = p.ID
	default:
		return nil, fmt.Errorf("patient_id or new_patient is required")
	}

	c := &Consultation{
		PatientID:      patientID,
		Status:         StatusPending,
		ChiefComplaint: in.ChiefComplaint,
		Symptoms:       in.Symptoms,
		Urgency:        in.Urgency,
		SeverityScore:  in.SeverityScore,
		Intake:         in.Intake,
		Attachments:    in.Attachments,
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// intakePatient registers the inline patient, reusing an existing record when
// the email is already known.
func (s *Service) intakePatient(ctx context.Context, p *identity.Patient) (*identity.Patient, error) {
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))
	if p.Email == "" || p.FirstName == "" || p.LastName == "" {
		return nil, fmt.Errorf("intake patient requires email, first name and last name")
	}
	if existing, err := s.patients.GetByEmail(ctx, p.Email); err == nil && existing != nil {
		return existing, nil
	}
	if err := s.patients.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, status string, limit, offset int) ([]*Consultation, int, error) {
	if status != "" && !Status(status).Valid() {
		return nil, 0, fmt.Errorf("invalid status: %s", status)
	}
	return s.repo.List(ctx, Status(status), limit, offset)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Consultation, int, error) {
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}

// Queue returns the ranked pending queue with wait times computed against the
// current clock.
func (s *Service) Queue(ctx context.Context, limit, offset int) ([]*QueueEntry, int, error) {
	entries, total, err := s.repo.PendingQueue(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	now := time.Now().UTC()
	for _, e := range entries {
		e.WaitMinutes = int(now.Sub(e.SubmittedAt).Minutes())
	}
	return entries, total, nil
}

// Claim assigns a pending consultation to the acting provider. The write is a
// single conditional update, so two providers racing for one consultation
// resolve to one winner; the loser gets ErrAlreadyAssigned.
func (s *Service) Claim(ctx context.Context, id, providerID uuid.UUID) (*Consultation, error) {
	provider, err := s.providers.GetByID(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("provider not found")
	}
	if !provider.Active {
		return nil, fmt.Errorf("provider is not active")
	}
	rows, err := s.repo.Claim(ctx, id, providerID)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		current, gerr := s.repo.GetByID(ctx, id)
		if gerr != nil {
			return nil, ErrNotFound
		}
		if current.Status == StatusCancelled {
			return nil, &InvalidTransitionError{From: current.Status, Action: ActionClaim}
		}
		return nil, ErrAlreadyAssigned
	}
	_ = s.providers.IncrementDailyCount(ctx, providerID)
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if patient, perr := s.patients.GetByID(ctx, c.PatientID); perr == nil {
		s.events.ConsultationAssigned(ctx, patient.Email, patient.FullName(), provider.FullName())
	}
	return c, nil
}

// Cancel ends a consultation from any non-terminal state. The reason is
// required and recorded on the row.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (*Consultation, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("cancellation reason is required")
	}
	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := NextStatus(current.Status, ActionCancel); err != nil {
		return nil, err
	}
	rows, err := s.repo.Cancel(ctx, id, reason)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		// The status moved between our read and the write.
		fresh, ferr := s.repo.GetByID(ctx, id)
		if ferr != nil {
			return nil, ErrNotFound
		}
		return nil, &InvalidTransitionError{From: fresh.Status, Action: ActionCancel}
	}
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if patient, perr := s.patients.GetByID(ctx, c.PatientID); perr == nil {
		s.events.ConsultationCancelled(ctx, patient.Email, patient.FullName(), reason)
	}
	return c, nil
}
