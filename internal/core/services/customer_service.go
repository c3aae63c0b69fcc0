package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/lorrc/invoice-tracker/internal/core/domain"
	"github.com/lorrc/invoice-tracker/internal/core/ports"
)

// CustomerService implements customer management
type CustomerService struct {
	customerRepo ports.CustomerRepository
}

var _ ports.CustomerService = (*CustomerService)(nil)

// NewCustomerService creates a new customer service
func NewCustomerService(customerRepo ports.CustomerRepository) ports.CustomerService {
	return &CustomerService{customerRepo: customerRepo}
}

// CreateCustomer validates and stores a new customer for params.UserID
func (s *CustomerService) CreateCustomer(ctx context.Context, params domain.CustomerParams) (*domain.Customer, error) {
	customer, err := domain.NewCustomer(params)
	if err != nil {
		return nil, err
	}
	return s.customerRepo.Create(ctx, customer)
}

// ListCustomers returns the viewer's customers
func (s *CustomerService) ListCustomers(ctx context.Context, viewerID uuid.UUID) ([]*domain.Customer, error) {
	return s.customerRepo.ListByUser(ctx, viewerID)
}
