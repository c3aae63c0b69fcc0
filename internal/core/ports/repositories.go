package ports

import (
	"context"

	"github.com/google/uuid"
	"github.com/lorrc/invoice-tracker/internal/core/domain"
)

// UserRepository defines persistence for user accounts.
type UserRepository interface {
	Create(ctx context.Context, user *domain.User) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
}

// InvoiceRepository defines persistence for invoices and their line items.
// Soft-deleted invoices are never returned.
type InvoiceRepository interface {
	Create(ctx context.Context, invoice *domain.Invoice) (*domain.Invoice, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Invoice, error)
	Update(ctx context.Context, invoice *domain.Invoice) (*domain.Invoice, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*domain.Invoice, error)
	LatestNumber(ctx context.Context, userID uuid.UUID) (string, error)
}

// CustomerRepository defines persistence for customers.
type CustomerRepository interface {
	Create(ctx context.Context, customer *domain.Customer) (*domain.Customer, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Customer, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*domain.Customer, error)
}
