package identity

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Patient maps to the patients table.
type Patient struct {
	ID                uuid.UUID       `db:"id" json:"id"`
	Email             string          `db:"email" json:"email"`
	FirstName         string          `db:"first_name" json:"first_name"`
	LastName          string          `db:"last_name" json:"last_name"`
	Phone             *string         `db:"phone" json:"phone,omitempty"`
	DateOfBirth       *time.Time      `db:"date_of_birth" json:"date_of_birth,omitempty"`
	AddressLine1      *string         `db:"address_line1" json:"address_line1,omitempty"`
	AddressLine2      *string         `db:"address_line2" json:"address_line2,omitempty"`
	City              *string         `db:"city" json:"city,omitempty"`
	State             *string         `db:"state" json:"state,omitempty"`
	PostalCode        *string         `db:"postal_code" json:"postal_code,omitempty"`
	PaymentCustomerID *string         `db:"payment_customer_id" json:"payment_customer_id,omitempty"`
	LifetimeSpend     decimal.Decimal `db:"lifetime_spend" json:"lifetime_spend"`
	OrderCount        int             `db:"order_count" json:"order_count"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// FullName returns the display name used in notifications and dispatch payloads.
func (p *Patient) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Provider maps to the providers table. ConsultationsToday is a daily counter:
// CountedOn records which day the count belongs to, and the increment statement
// resets the count when the date has rolled over.
type Provider struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	Email              string     `db:"email" json:"email"`
	FirstName          string     `db:"first_name" json:"first_name"`
	LastName           string     `db:"last_name" json:"last_name"`
	Specialty          *string    `db:"specialty" json:"specialty,omitempty"`
	LicenseNumber      string     `db:"license_number" json:"license_number"`
	LicenseState       *string    `db:"license_state" json:"license_state,omitempty"`
	Active             bool       `db:"active" json:"active"`
	ConsultationsToday int        `db:"consultations_today" json:"consultations_today"`
	CountedOn          *time.Time `db:"counted_on" json:"counted_on,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

// FullName returns the display name used in notifications.
func (p *Provider) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}
