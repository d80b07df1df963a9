package identity

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetByEmail(ctx context.Context, email string) (*Patient, error)
	List(ctx context.Context, limit, offset int) ([]*Patient, int, error)
	// SetPaymentCustomerID persists the payment-gateway customer mapping
	// created on a patient's first order.
	SetPaymentCustomerID(ctx context.Context, id uuid.UUID, customerID string) error
	// RecordOrder adds a completed order to the patient's lifetime aggregates.
	RecordOrder(ctx context.Context, id uuid.UUID, amount decimal.Decimal) error
}

type ProviderRepository interface {
	Create(ctx context.Context, p *Provider) error
	GetByID(ctx context.Context, id uuid.UUID) (*Provider, error)
	GetByEmail(ctx context.Context, email string) (*Provider, error)
	List(ctx context.Context, limit, offset int) ([]*Provider, int, error)
	// IncrementDailyCount bumps the provider's consultations-today counter,
	// resetting it first when the counted date is not today.
	IncrementDailyCount(ctx context.Context, id uuid.UUID) error
}
