package consultation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CompleteParams carries the clinical disposition written when a provider
// completes a consultation without prescribing.
type CompleteParams struct {
	Diagnosis        *string
	TreatmentPlan    *string
	ProviderNotes    string
	FollowUpRequired bool
	FollowUpDate     *time.Time
}

// PrescriptionParams carries the disposition written when a provider approves
// medications. Status is prescription_approved, or prescription_sent when the
// pharmacy hand-off already succeeded.
type PrescriptionParams struct {
	Status        Status
	Diagnosis     *string
	ProviderNotes *string
	Data          *PrescriptionData
}

// Repository is the persistence boundary for consultations. Status-changing
// writes are conditional on the current state and report rows affected, so a
// lost race surfaces as zero instead of a silent overwrite.
type Repository interface {
	Create(ctx context.Context, c *Consultation) error
	GetByID(ctx context.Context, id uuid.UUID) (*Consultation, error)
	List(ctx context.Context, status Status, limit, offset int) ([]*Consultation, int, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Consultation, int, error)
	PendingQueue(ctx context.Context, limit, offset int) ([]*QueueEntry, int, error)

	// Claim assigns a pending consultation to a provider. Exactly one caller
	// can win; everyone else sees zero rows affected.
	Claim(ctx context.Context, id, providerID uuid.UUID) (int64, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) (int64, error)
	Complete(ctx context.Context, id, providerID uuid.UUID, p CompleteParams) (int64, error)
	RecordPrescription(ctx context.Context, id, providerID uuid.UUID, p PrescriptionParams) (int64, error)
	SetOrderPlaced(ctx context.Context, id, orderID uuid.UUID) error
}
