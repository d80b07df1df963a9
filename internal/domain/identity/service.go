package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type Service struct {
	patients  PatientRepository
	providers ProviderRepository
}

func NewService(patients PatientRepository, providers ProviderRepository) *Service {
	return &Service{patients: patients, providers: providers}
}

// -- Patient --

func (s *Service) RegisterPatient(ctx context.Context, p *Patient) error {
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))
	if p.Email == "" {
		return fmt.Errorf("email is required")
	}
	if p.FirstName == "" || p.LastName == "" {
		return fmt.Errorf("first_name and last_name are required")
	}
	if existing, err := s.patients.GetByEmail(ctx, p.Email); err == nil && existing != nil {
		return fmt.Errorf("a patient with email %s already exists", p.Email)
	}
	return s.patients.Create(ctx, p)
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.patients.GetByID(ctx, id)
}

func (s *Service) GetPatientByEmail(ctx context.Context, email string) (*Patient, error) {
	return s.patients.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
}

func (s *Service) ListPatients(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	return s.patients.List(ctx, limit, offset)
}

// -- Provider --

func (s *Service) CreateProvider(ctx context.Context, p *Provider) error {
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))
	if p.Email == "" {
		return fmt.Errorf("email is required")
	}
	if p.FirstName == "" || p.LastName == "" {
		return fmt.Errorf("first_name and last_name are required")
	}
	if p.LicenseNumber == "" {
		return fmt.Errorf("license_number is required")
	}
	if existing, err := s.providers.GetByEmail(ctx, p.Email); err == nil && existing != nil {
		return fmt.Errorf("a provider with email %s already exists", p.Email)
	}
	p.Active = true
	return s.providers.Create(ctx, p)
}

func (s *Service) GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error) {
	return s.providers.GetByID(ctx, id)
}

func (s *Service) ListProviders(ctx context.Context, limit, offset int) ([]*Provider, int, error) {
	return s.providers.List(ctx, limit, offset)
}
