package identity

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// -- Mock Repositories --

type mockPatientRepo struct {
	items map[uuid.UUID]*Patient
}

func newMockPatientRepo() *mockPatientRepo {
	return &mockPatientRepo{items: make(map[uuid.UUID]*Patient)}
}

func (m *mockPatientRepo) Create(_ context.Context, p *Patient) error {
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	p.UpdatedAt = time.Now()
	m.items[p.ID] = p
	return nil
}

func (m *mockPatientRepo) GetByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	p, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return p, nil
}

func (m *mockPatientRepo) GetByEmail(_ context.Context, email string) (*Patient, error) {
	for _, p := range m.items {
		if p.Email == email {
			return p, nil
		}
	}
	return nil, fmt.Errorf("not found")
}

func (m *mockPatientRepo) List(_ context.Context, limit, offset int) ([]*Patient, int, error) {
	var result []*Patient
	for _, p := range m.items {
		result = append(result, p)
	}
	return result, len(result), nil
}

func (m *mockPatientRepo) SetPaymentCustomerID(_ context.Context, id uuid.UUID, customerID string) error {
	p, ok := m.items[id]
	if !ok {
		return fmt.Errorf("not found")
	}
	p.PaymentCustomerID = &customerID
	return nil
}

func (m *mockPatientRepo) RecordOrder(_ context.Context, id uuid.UUID, amount decimal.Decimal) error {
	p, ok := m.items[id]
	if !ok {
		return fmt.Errorf("not found")
	}
	p.LifetimeSpend = p.LifetimeSpend.Add(amount)
	p.OrderCount++
	return nil
}

type mockProviderRepo struct {
	items map[uuid.UUID]*Provider
}

func newMockProviderRepo() *mockProviderRepo {
	return &mockProviderRepo{items: make(map[uuid.UUID]*Provider)}
}

func (m *mockProviderRepo) Create(_ context.Context, p *Provider) error {
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	p.UpdatedAt = time.Now()
	m.items[p.ID] = p
	return nil
}

func (m *mockProviderRepo) GetByID(_ context.Context, id uuid.UUID) (*Provider, error) {
	p, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return p, nil
}

func (m *mockProviderRepo) GetByEmail(_ context.Context, email string) (*Provider, error) {
	for _, p := range m.items {
		if p.Email == email {
			return p, nil
		}
	}
	return nil, fmt.Errorf("not found")
}

func (m *mockProviderRepo) List(_ context.Context, limit, offset int) ([]*Provider, int, error) {
	var result []*Provider
	for _, p := range m.items {
		result = append(result, p)
	}
	return result, len(result), nil
}

func (m *mockProviderRepo) IncrementDailyCount(_ context.Context, id uuid.UUID) error {
	p, ok := m.items[id]
	if !ok {
		return fmt.Errorf("not found")
	}
	today := time.Now()
	if p.CountedOn != nil && sameDay(*p.CountedOn, today) {
		p.ConsultationsToday++
	} else {
		p.ConsultationsToday = 1
		p.CountedOn = &today
	}
	return nil
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

func newTestService() *Service {
	return NewService(newMockPatientRepo(), newMockProviderRepo())
}

// -- Patient --

func TestService_RegisterPatient(t *testing.T) {
	svc := newTestService()

	p := &Patient{Email: "alice@example.com", FirstName: "Alice", LastName: "Nguyen"}
	if err := svc.RegisterPatient(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID == uuid.Nil {
		t.Error("expected an id to be assigned")
	}
}

func TestService_RegisterPatient_MissingFields(t *testing.T) {
	svc := newTestService()

	if err := svc.RegisterPatient(context.Background(), &Patient{FirstName: "A", LastName: "B"}); err == nil {
		t.Error("expected error for missing email")
	}
	if err := svc.RegisterPatient(context.Background(), &Patient{Email: "a@example.com"}); err == nil {
		t.Error("expected error for missing name")
	}
}

func TestService_RegisterPatient_DuplicateEmail(t *testing.T) {
	svc := newTestService()

	first := &Patient{Email: "dup@example.com", FirstName: "First", LastName: "One"}
	if err := svc.RegisterPatient(context.Background(), first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second := &Patient{Email: "dup@example.com", FirstName: "Second", LastName: "Two"}
	if err := svc.RegisterPatient(context.Background(), second); err == nil {
		t.Error("expected error for duplicate email")
	}
}

func TestService_RegisterPatient_NormalizesEmail(t *testing.T) {
	svc := newTestService()

	p := &Patient{Email: "  MixedCase@Example.COM ", FirstName: "Mixed", LastName: "Case"}
	if err := svc.RegisterPatient(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Email != "mixedcase@example.com" {
		t.Errorf("email not normalized: %q", p.Email)
	}

	got, err := svc.GetPatientByEmail(context.Background(), "MIXEDCASE@example.com")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if got.ID != p.ID {
		t.Error("lookup returned a different patient")
	}
}

// -- Provider --

func TestService_CreateProvider(t *testing.T) {
	svc := newTestService()

	p := &Provider{Email: "doc@example.com", FirstName: "Dana", LastName: "Reyes", LicenseNumber: "TX-12345"}
	if err := svc.CreateProvider(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Active {
		t.Error("new providers should be active")
	}
}

func TestService_CreateProvider_MissingLicense(t *testing.T) {
	svc := newTestService()

	p := &Provider{Email: "doc@example.com", FirstName: "Dana", LastName: "Reyes"}
	if err := svc.CreateProvider(context.Background(), p); err == nil {
		t.Error("expected error for missing license_number")
	}
}

func TestService_CreateProvider_DuplicateEmail(t *testing.T) {
	svc := newTestService()

	first := &Provider{Email: "doc@example.com", FirstName: "Dana", LastName: "Reyes", LicenseNumber: "TX-1"}
	if err := svc.CreateProvider(context.Background(), first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second := &Provider{Email: "doc@example.com", FirstName: "Other", LastName: "Doc", LicenseNumber: "TX-2"}
	if err := svc.CreateProvider(context.Background(), second); err == nil {
		t.Error("expected error for duplicate email")
	}
}

// -- Aggregate mutations consumed by the workflow services --

func TestMockPatientRepo_RecordOrder(t *testing.T) {
	repo := newMockPatientRepo()
	p := &Patient{Email: "x@example.com", FirstName: "X", LastName: "Y"}
	repo.Create(context.Background(), p)

	repo.RecordOrder(context.Background(), p.ID, decimal.RequireFromString("54.99"))
	repo.RecordOrder(context.Background(), p.ID, decimal.RequireFromString("10.00"))

	if p.OrderCount != 2 {
		t.Errorf("order count = %d, want 2", p.OrderCount)
	}
	if !p.LifetimeSpend.Equal(decimal.RequireFromString("64.99")) {
		t.Errorf("lifetime spend = %s, want 64.99", p.LifetimeSpend)
	}
}

func TestMockProviderRepo_IncrementDailyCount(t *testing.T) {
	repo := newMockProviderRepo()
	p := &Provider{Email: "doc@example.com", FirstName: "D", LastName: "R", LicenseNumber: "L-1"}
	repo.Create(context.Background(), p)

	repo.IncrementDailyCount(context.Background(), p.ID)
	repo.IncrementDailyCount(context.Background(), p.ID)
	if p.ConsultationsToday != 2 {
		t.Errorf("consultations today = %d, want 2", p.ConsultationsToday)
	}

	// A stale counted-on date resets the counter.
	yesterday := time.Now().AddDate(0, 0, -1)
	p.CountedOn = &yesterday
	repo.IncrementDailyCount(context.Background(), p.ID)
	if p.ConsultationsToday != 1 {
		t.Errorf("consultations today after date rollover = %d, want 1", p.ConsultationsToday)
	}
}
