package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/quickcare/quickcare/internal/domain/consultation"
	"github.com/quickcare/quickcare/internal/domain/identity"
	"github.com/quickcare/quickcare/internal/domain/prescription"
	"github.com/quickcare/quickcare/internal/platform/db"
	"github.com/quickcare/quickcare/internal/platform/notification"
	"github.com/quickcare/quickcare/internal/platform/payment"
)

var (
	ErrNotFound      = errors.New("order not found")
	ErrNotOwner      = errors.New("consultation does not belong to the requesting patient")
	ErrNotRefundable = errors.New("order payment is not refundable")
)

// Pricing holds the order pricing rules loaded from configuration. Shipping
// is free at or above FreeShippingFloor, otherwise the flat fee applies.
type Pricing struct {
	Currency          string
	ShippingFee       decimal.Decimal
	FreeShippingFloor decimal.Decimal
}

// Service prices orders, opens payment intents, persists order and line
// items atomically, and reconciles payment confirmations back into the
// consultation and patient records.
type Service struct {
	repo          Repository
	prescriptions prescription.Repository
	consultations consultation.Repository
	patients      identity.PatientRepository
	gateway       payment.Gateway
	events        *notification.Events
	pricing       Pricing
	withTx        func(ctx context.Context) (context.Context, pgx.Tx, error)
}

func NewService(repo Repository, prescriptions prescription.Repository, consultations consultation.Repository, patients identity.PatientRepository, gateway payment.Gateway, events *notification.Events, pricing Pricing) *Service {
	if pricing.Currency == "" {
		pricing.Currency = "usd"
	}
	return &Service{
		repo:          repo,
		prescriptions: prescriptions,
		consultations: consultations,
		patients:      patients,
		gateway:       gateway,
		events:        events,
		pricing:       pricing,
		withTx:        db.WithTx,
	}
}

type CreateInput struct {
	ConsultationID  uuid.UUID
	PrescriptionIDs []uuid.UUID
	Subscription    bool
}

type CreateResult struct {
	Order        *Order `json:"order"`
	ClientSecret string `json:"client_secret"`
}

// Create prices the prescriptions, ensures a gateway customer, opens an
// unconfirmed payment intent, then inserts the order and its line items in
// one transaction. The intent is created and recorded before the
// transaction, so a rolled-back order leaves an orphaned intent behind;
// those are surfaced by OrphanedIntents rather than discarded.
//
// actorID is the requesting patient; uuid.Nil skips the ownership check for
// operator-initiated orders.
func (s *Service) Create(ctx context.Context, actorID uuid.UUID, in CreateInput) (*CreateResult, error) {
	if len(in.PrescriptionIDs) == 0 {
		return nil, fmt.Errorf("at least one prescription is required")
	}

	cons, err := s.consultations.GetByID(ctx, in.ConsultationID)
	if err != nil {
		return nil, err
	}
	if actorID != uuid.Nil && cons.PatientID != actorID {
		return nil, ErrNotOwner
	}

	seen := make(map[uuid.UUID]bool, len(in.PrescriptionIDs))
	items := make([]*OrderItem, 0, len(in.PrescriptionIDs))
	subtotal := decimal.Zero
	for _, id := range in.PrescriptionIDs {
		if seen[id] {
			return nil, fmt.Errorf("duplicate prescription %s", id)
		}
		seen[id] = true

		rx, err := s.prescriptions.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if rx.PatientID != cons.PatientID {
			return nil, fmt.Errorf("prescription %s belongs to a different patient", id)
		}
		if rx.Status != prescription.StatusActive {
			return nil, fmt.Errorf("prescription %s is not active", id)
		}

		price := rx.UnitPrice
		if in.Subscription {
			price = rx.SubscriptionPrice
		}
		rxID := rx.ID
		lineTotal := price.Mul(decimal.NewFromInt(int64(rx.Quantity)))
		items = append(items, &OrderItem{
			PrescriptionID: &rxID,
			MedicationName: rx.MedicationName,
			Quantity:       rx.Quantity,
			UnitPrice:      price,
			LineTotal:      lineTotal,
		})
		subtotal = subtotal.Add(lineTotal)
	}

	shipping := s.pricing.ShippingFee
	if subtotal.GreaterThanOrEqual(s.pricing.FreeShippingFloor) {
		shipping = decimal.Zero
	}
	total := subtotal.Add(shipping)

	patient, err := s.patients.GetByID(ctx, cons.PatientID)
	if err != nil {
		return nil, fmt.Errorf("patient not found")
	}
	customerID, err := s.ensureCustomer(ctx, patient)
	if err != nil {
		return nil, err
	}

	intent, err := s.gateway.CreateIntent(ctx, payment.IntentParams{
		Amount:      payment.MinorUnits(total),
		Currency:    s.pricing.Currency,
		CustomerID:  customerID,
		Description: fmt.Sprintf("telehealth order for consultation %s", cons.ID),
	})
	if err != nil {
		return nil, err
	}
	if err := s.repo.RecordIntent(ctx, &PaymentIntentRecord{
		IntentID:  intent.ID,
		PatientID: patient.ID,
		Amount:    total,
		Currency:  s.pricing.Currency,
	}); err != nil {
		return nil, err
	}

	consID := cons.ID
	o := &Order{
		PatientID:         patient.ID,
		ConsultationID:    &consID,
		Subtotal:          subtotal,
		ShippingCost:      shipping,
		TotalAmount:       total,
		PaymentStatus:     PaymentPending,
		FulfillmentStatus: FulfillmentPending,
		PaymentIntentID:   &intent.ID,
		Subscription:      in.Subscription,
	}

	txCtx, tx, err := s.withTx(ctx)
	if err != nil {
		return nil, err
	}
	number, err := s.repo.NextOrderNumber(txCtx, time.Now().UTC())
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	o.OrderNumber = number
	if err := s.repo.Create(txCtx, o, items); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	o.Items = items
	return &CreateResult{Order: o, ClientSecret: intent.ClientSecret}, nil
}

// ensureCustomer returns the patient's gateway customer id, registering one
// on first use and persisting the mapping.
func (s *Service) ensureCustomer(ctx context.Context, patient *identity.Patient) (string, error) {
	if patient.PaymentCustomerID != nil && *patient.PaymentCustomerID != "" {
		return *patient.PaymentCustomerID, nil
	}
	cust, err := s.gateway.CreateCustomer(ctx, patient.Email, patient.FullName())
	if err != nil {
		return "", err
	}
	if err := s.patients.SetPaymentCustomerID(ctx, patient.ID, cust.ID); err != nil {
		return "", err
	}
	return cust.ID, nil
}

type ConfirmResult struct {
	Order        *Order `json:"order"`
	IntentStatus string `json:"intent_status"`
	Updated      bool   `json:"updated"`
}

// Confirm reconciles a payment intent into the order. It is safe to call
// repeatedly: an order that already left pending reports its current state
// without touching the gateway, and the paid transition itself is a
// conditional write, so aggregates increment exactly once.
func (s *Service) Confirm(ctx context.Context, intentID string) (*ConfirmResult, error) {
	o, err := s.repo.GetByIntentID(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if o.PaymentStatus != PaymentPending {
		// Completed earlier (possibly refunded since). The intent must
		// have succeeded for the order to have left pending.
		return &ConfirmResult{Order: o, IntentStatus: payment.IntentStatusSucceeded, Updated: false}, nil
	}

	intent, err := s.gateway.GetIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.Status != payment.IntentStatusSucceeded {
		return &ConfirmResult{Order: o, IntentStatus: intent.Status, Updated: false}, nil
	}

	rows, err := s.repo.MarkPaid(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		// A concurrent confirmation won; report the settled state.
		fresh, ferr := s.repo.GetByID(ctx, o.ID)
		if ferr != nil {
			return nil, ferr
		}
		return &ConfirmResult{Order: fresh, IntentStatus: intent.Status, Updated: false}, nil
	}

	if o.ConsultationID != nil {
		_ = s.consultations.SetOrderPlaced(ctx, *o.ConsultationID, o.ID)
	}
	_ = s.patients.RecordOrder(ctx, o.PatientID, o.TotalAmount)

	fresh, err := s.repo.GetByID(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	if patient, perr := s.patients.GetByID(ctx, o.PatientID); perr == nil {
		s.events.OrderConfirmed(ctx, patient.Email, patient.FullName(), fresh.OrderNumber, fresh.TotalAmount.StringFixed(2))
	}
	return &ConfirmResult{Order: fresh, IntentStatus: intent.Status, Updated: true}, nil
}

type FulfillmentInput struct {
	To             FulfillmentStatus
	Carrier        *string
	TrackingNumber *string
}

// UpdateFulfillment advances shipping one step, processing to shipped to
// delivered. The pending-to-processing hop belongs to payment confirmation
// and is rejected here.
func (s *Service) UpdateFulfillment(ctx context.Context, id uuid.UUID, in FulfillmentInput) (*Order, error) {
	if in.To != FulfillmentShipped && in.To != FulfillmentDelivered {
		return nil, fmt.Errorf("fulfillment can only be advanced to shipped or delivered")
	}
	o, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanAdvanceFulfillment(o.FulfillmentStatus, in.To) {
		return nil, &InvalidFulfillmentError{From: o.FulfillmentStatus, To: in.To}
	}

	rows, err := s.repo.AdvanceFulfillment(ctx, id, FulfillmentParams{
		From:           o.FulfillmentStatus,
		To:             in.To,
		Carrier:        in.Carrier,
		TrackingNumber: in.TrackingNumber,
	})
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		fresh, ferr := s.repo.GetByID(ctx, id)
		if ferr != nil {
			return nil, ErrNotFound
		}
		return nil, &InvalidFulfillmentError{From: fresh.FulfillmentStatus, To: in.To}
	}

	fresh, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if patient, perr := s.patients.GetByID(ctx, fresh.PatientID); perr == nil {
		switch in.To {
		case FulfillmentShipped:
			tracking := ""
			if fresh.TrackingNumber != nil {
				tracking = *fresh.TrackingNumber
			}
			s.events.OrderShipped(ctx, patient.Email, patient.FullName(), fresh.OrderNumber, tracking)
		case FulfillmentDelivered:
			s.events.OrderDelivered(ctx, patient.Email, patient.FullName(), fresh.OrderNumber)
		}
	}
	return fresh, nil
}

// Refund returns money through the gateway and records the outcome. A zero
// amount refunds the full total. The gateway call comes first, so a failed
// refund changes nothing locally.
func (s *Service) Refund(ctx context.Context, id uuid.UUID, amount decimal.Decimal) (*Order, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("refund amount cannot be negative")
	}
	o, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.PaymentStatus != PaymentCompleted && o.PaymentStatus != PaymentPartiallyRefunded {
		return nil, ErrNotRefundable
	}
	if o.PaymentIntentID == nil {
		return nil, ErrNotRefundable
	}
	if amount.GreaterThan(o.TotalAmount) {
		return nil, fmt.Errorf("refund amount exceeds order total")
	}

	full := amount.IsZero() || amount.Equal(o.TotalAmount)
	var minor int64
	if !full {
		minor = payment.MinorUnits(amount)
	}
	if _, err := s.gateway.RefundIntent(ctx, *o.PaymentIntentID, minor); err != nil {
		return nil, err
	}

	status := PaymentPartiallyRefunded
	if full {
		status = PaymentRefunded
	}
	rows, err := s.repo.MarkRefunded(ctx, id, status)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrNotRefundable
	}

	fresh, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	refunded := amount
	if full {
		refunded = o.TotalAmount
	}
	if patient, perr := s.patients.GetByID(ctx, fresh.PatientID); perr == nil {
		s.events.RefundProcessed(ctx, patient.Email, patient.FullName(), fresh.OrderNumber, refunded.StringFixed(2))
	}
	return fresh, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	items, err := s.repo.ItemsByOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	o.Items = items
	return o, nil
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Order, int, error) {
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) List(ctx context.Context, status PaymentStatus, limit, offset int) ([]*Order, int, error) {
	return s.repo.List(ctx, status, limit, offset)
}

func (s *Service) OrphanedIntents(ctx context.Context, limit, offset int) ([]*PaymentIntentRecord, int, error) {
	return s.repo.OrphanedIntents(ctx, limit, offset)
}
