package consultation

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Consultation is a single episode of care, from patient intake through
// clinical disposition. Provider fields stay nil until a provider claims it.
type Consultation struct {
	ID                uuid.UUID         `db:"id" json:"id"`
	PatientID         uuid.UUID         `db:"patient_id" json:"patient_id"`
	ProviderID        *uuid.UUID        `db:"provider_id" json:"provider_id,omitempty"`
	Status            Status            `db:"status" json:"status"`
	ChiefComplaint    string            `db:"chief_complaint" json:"chief_complaint"`
	Symptoms          []string          `db:"symptoms" json:"symptoms"`
	Urgency           string            `db:"urgency" json:"urgency"`
	SeverityScore     *int              `db:"severity_score" json:"severity_score,omitempty"`
	Intake            map[string]any    `db:"intake" json:"intake,omitempty"`
	Attachments       []string          `db:"attachments" json:"attachments,omitempty"`
	Diagnosis         *string           `db:"diagnosis" json:"diagnosis,omitempty"`
	TreatmentPlan     *string           `db:"treatment_plan" json:"treatment_plan,omitempty"`
	ProviderNotes     *string           `db:"provider_notes" json:"provider_notes,omitempty"`
	FollowUpRequired  bool              `db:"follow_up_required" json:"follow_up_required"`
	FollowUpDate      *time.Time        `db:"follow_up_date" json:"follow_up_date,omitempty"`
	PrescriptionData  *PrescriptionData `db:"prescription_data" json:"prescription_data,omitempty"`
	MedicationOrdered bool              `db:"medication_ordered" json:"medication_ordered"`
	OrderID           *uuid.UUID        `db:"order_id" json:"order_id,omitempty"`
	CancelReason      *string           `db:"cancel_reason" json:"cancel_reason,omitempty"`
	SubmittedAt       time.Time         `db:"submitted_at" json:"submitted_at"`
	AssignedAt        *time.Time        `db:"assigned_at" json:"assigned_at,omitempty"`
	CompletedAt       *time.Time        `db:"completed_at" json:"completed_at,omitempty"`
	CancelledAt       *time.Time        `db:"cancelled_at" json:"cancelled_at,omitempty"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updated_at"`
}

// PrescriptionData is the denormalized prescription snapshot stored on the
// consultation row once a provider approves medications. Pharmacy fields are
// filled only when the order was handed to a pharmacy partner.
type PrescriptionData struct {
	Medications       []Medication `json:"medications"`
	PharmacyOrderID   string       `json:"pharmacy_order_id,omitempty"`
	TrackingNumber    string       `json:"tracking_number,omitempty"`
	EstimatedDelivery string       `json:"estimated_delivery,omitempty"`
	ApprovedAt        time.Time    `json:"approved_at"`
}

// Medication is one approved line item within a prescription.
type Medication struct {
	Name              string          `json:"name"`
	Dosage            string          `json:"dosage"`
	Frequency         string          `json:"frequency"`
	Duration          string          `json:"duration"`
	Quantity          int             `json:"quantity"`
	RefillsAuthorized int             `json:"refills_authorized"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
	SubscriptionPrice decimal.Decimal `json:"subscription_price"`
}

// QueueEntry is a row in the provider-facing pending queue. WaitMinutes is
// computed at read time, never stored.
type QueueEntry struct {
	ConsultationID uuid.UUID `json:"consultation_id"`
	PatientID      uuid.UUID `json:"patient_id"`
	PatientName    string    `json:"patient_name"`
	ChiefComplaint string    `json:"chief_complaint"`
	Urgency        string    `json:"urgency"`
	SeverityScore  *int      `json:"severity_score,omitempty"`
	SubmittedAt    time.Time `json:"submitted_at"`
	WaitMinutes    int       `json:"wait_minutes"`
}
