package order

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentStatus tracks the money side of an order. It advances only through
// explicit gateway confirmation or an operator refund, never implicitly.
type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "pending"
	PaymentCompleted         PaymentStatus = "completed"
	PaymentFailed            PaymentStatus = "failed"
	PaymentRefunded          PaymentStatus = "refunded"
	PaymentPartiallyRefunded PaymentStatus = "partially_refunded"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentCompleted, PaymentFailed, PaymentRefunded, PaymentPartiallyRefunded:
		return true
	}
	return false
}

// FulfillmentStatus tracks the physical shipping state, independent of
// payment.
type FulfillmentStatus string

const (
	FulfillmentPending    FulfillmentStatus = "pending"
	FulfillmentProcessing FulfillmentStatus = "processing"
	FulfillmentShipped    FulfillmentStatus = "shipped"
	FulfillmentDelivered  FulfillmentStatus = "delivered"
)

// fulfillmentNext is the strict forward chain. Payment confirmation moves
// pending to processing; operators advance the rest one step at a time.
var fulfillmentNext = map[FulfillmentStatus]FulfillmentStatus{
	FulfillmentPending:    FulfillmentProcessing,
	FulfillmentProcessing: FulfillmentShipped,
	FulfillmentShipped:    FulfillmentDelivered,
}

// CanAdvanceFulfillment reports whether to is the immediate successor of
// from. Backward moves and skipped steps are both rejected.
func CanAdvanceFulfillment(from, to FulfillmentStatus) bool {
	return fulfillmentNext[from] == to
}

func (s FulfillmentStatus) Valid() bool {
	switch s {
	case FulfillmentPending, FulfillmentProcessing, FulfillmentShipped, FulfillmentDelivered:
		return true
	}
	return false
}

// InvalidFulfillmentError reports a fulfillment change outside the
// processing, shipped, delivered chain.
type InvalidFulfillmentError struct {
	From FulfillmentStatus
	To   FulfillmentStatus
}

func (e *InvalidFulfillmentError) Error() string {
	return fmt.Sprintf("cannot move fulfillment from %q to %q", e.From, e.To)
}

// Order is one billable fulfillment unit. Totals are computed once at
// creation and never recomputed after payment confirmation.
type Order struct {
	ID                uuid.UUID         `db:"id" json:"id"`
	OrderNumber       string            `db:"order_number" json:"order_number"`
	PatientID         uuid.UUID         `db:"patient_id" json:"patient_id"`
	ConsultationID    *uuid.UUID        `db:"consultation_id" json:"consultation_id,omitempty"`
	Subtotal          decimal.Decimal   `db:"subtotal" json:"subtotal"`
	ShippingCost      decimal.Decimal   `db:"shipping_cost" json:"shipping_cost"`
	TotalAmount       decimal.Decimal   `db:"total_amount" json:"total_amount"`
	PaymentStatus     PaymentStatus     `db:"payment_status" json:"payment_status"`
	FulfillmentStatus FulfillmentStatus `db:"fulfillment_status" json:"fulfillment_status"`
	PaymentIntentID   *string           `db:"payment_intent_id" json:"payment_intent_id,omitempty"`
	Subscription      bool              `db:"subscription" json:"subscription"`
	PaidAt            *time.Time        `db:"paid_at" json:"paid_at,omitempty"`
	ShippedAt         *time.Time        `db:"shipped_at" json:"shipped_at,omitempty"`
	DeliveredAt       *time.Time        `db:"delivered_at" json:"delivered_at,omitempty"`
	Carrier           *string           `db:"carrier" json:"carrier,omitempty"`
	TrackingNumber    *string           `db:"tracking_number" json:"tracking_number,omitempty"`
	CreatedAt         time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updated_at"`

	Items []*OrderItem `db:"-" json:"items,omitempty"`
}

// OrderItem is one priced medication line. UnitPrice is the price actually
// charged, which is the subscription price when the order is a subscription.
type OrderItem struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	OrderID        uuid.UUID       `db:"order_id" json:"order_id"`
	PrescriptionID *uuid.UUID      `db:"prescription_id" json:"prescription_id,omitempty"`
	MedicationName string          `db:"medication_name" json:"medication_name"`
	Quantity       int             `db:"quantity" json:"quantity"`
	UnitPrice      decimal.Decimal `db:"unit_price" json:"unit_price"`
	LineTotal      decimal.Decimal `db:"line_total" json:"line_total"`
}

// PaymentIntentRecord is the local copy of a gateway intent, written outside
// the order transaction. An intent whose order rolled back stays here so
// operators can reconcile it.
type PaymentIntentRecord struct {
	IntentID  string          `db:"intent_id" json:"intent_id"`
	PatientID uuid.UUID       `db:"patient_id" json:"patient_id"`
	Amount    decimal.Decimal `db:"amount" json:"amount"`
	Currency  string          `db:"currency" json:"currency"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}
