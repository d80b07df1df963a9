package prescription

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the closed set of prescription states. Transitions are forward
// only: once a prescription leaves active it is frozen.
type Status string

const (
	StatusActive    Status = "active"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

var transitions = map[Status]map[Status]bool{
	StatusActive: {
		StatusFilled:    true,
		StatusCancelled: true,
		StatusExpired:   true,
	},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Valid reports whether s is one of the defined states.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusFilled, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// InvalidStatusError reports a prescription status change that the forward
// only rule rejects.
type InvalidStatusError struct {
	From Status
	To   Status
}

func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("cannot move prescription from %q to %q", e.From, e.To)
}

// Prescription is one approved medication line. An approval with several
// medications produces several rows sharing the consultation reference.
type Prescription struct {
	ID                uuid.UUID       `db:"id" json:"id"`
	PatientID         uuid.UUID       `db:"patient_id" json:"patient_id"`
	ProviderID        uuid.UUID       `db:"provider_id" json:"provider_id"`
	ConsultationID    *uuid.UUID      `db:"consultation_id" json:"consultation_id,omitempty"`
	MedicationName    string          `db:"medication_name" json:"medication_name"`
	Dosage            string          `db:"dosage" json:"dosage"`
	Frequency         string          `db:"frequency" json:"frequency"`
	Duration          string          `db:"duration" json:"duration"`
	Quantity          int             `db:"quantity" json:"quantity"`
	RefillsAuthorized int             `db:"refills_authorized" json:"refills_authorized"`
	RefillsConsumed   int             `db:"refills_consumed" json:"refills_consumed"`
	UnitPrice         decimal.Decimal `db:"unit_price" json:"unit_price"`
	SubscriptionPrice decimal.Decimal `db:"subscription_price" json:"subscription_price"`
	Status            Status          `db:"status" json:"status"`
	PharmacyOrderID   *string         `db:"pharmacy_order_id" json:"pharmacy_order_id,omitempty"`
	ApprovedAt        time.Time       `db:"approved_at" json:"approved_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// RefillsRemaining reports how many refills the patient can still request.
func (p *Prescription) RefillsRemaining() int {
	if n := p.RefillsAuthorized - p.RefillsConsumed; n > 0 {
		return n
	}
	return 0
}
