package prescription

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the persistence boundary for prescription rows. Refill and
// status writes are conditional on the current state and report rows
// affected.
type Repository interface {
	// CreateBatch inserts every row, assigning ids. Callers run it inside a
	// transaction when the batch must be atomic with other writes.
	CreateBatch(ctx context.Context, items []*Prescription) error
	GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Prescription, int, error)
	ListByConsultation(ctx context.Context, consultationID uuid.UUID) ([]*Prescription, error)

	// RecordRefill consumes one refill of an active prescription, flipping it
	// to filled when the last authorized refill is used.
	RecordRefill(ctx context.Context, id uuid.UUID) (int64, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status) (int64, error)
}
