package order

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// FulfillmentParams carries one forward step of the shipping chain. The
// update is conditional on From so concurrent operators cannot double-apply
// a step.
type FulfillmentParams struct {
	From           FulfillmentStatus
	To             FulfillmentStatus
	Carrier        *string
	TrackingNumber *string
}

type Repository interface {
	// Create inserts the order row and all line items. Callers run it
	// inside a transaction; a partial order must never survive.
	Create(ctx context.Context, o *Order, items []*OrderItem) error
	// NextOrderNumber issues the next QC-YYYYMMDD-NNNN number for day.
	NextOrderNumber(ctx context.Context, day time.Time) (string, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	GetByIntentID(ctx context.Context, intentID string) (*Order, error)
	ItemsByOrder(ctx context.Context, orderID uuid.UUID) ([]*OrderItem, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Order, int, error)
	List(ctx context.Context, status PaymentStatus, limit, offset int) ([]*Order, int, error)
	// MarkPaid completes payment and moves fulfillment to processing. The
	// write is conditional on payment_status = pending and reports rows
	// affected, which is what makes repeated confirmations a no-op.
	MarkPaid(ctx context.Context, id uuid.UUID) (int64, error)
	AdvanceFulfillment(ctx context.Context, id uuid.UUID, p FulfillmentParams) (int64, error)
	// MarkRefunded records a refund outcome, conditional on the order
	// being in a refundable payment state.
	MarkRefunded(ctx context.Context, id uuid.UUID, status PaymentStatus) (int64, error)
	RecordIntent(ctx context.Context, rec *PaymentIntentRecord) error
	// OrphanedIntents lists recorded intents with no matching order.
	OrphanedIntents(ctx context.Context, limit, offset int) ([]*PaymentIntentRecord, int, error)
}
