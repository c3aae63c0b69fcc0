package ports

import (
	"context"

	"github.com/google/uuid"
	"github.com/lorrc/invoice-tracker/internal/core/domain"
)

// AuthService defines the port for authentication business logic.
type AuthService interface {
	Register(ctx context.Context, fullName, email, password string) (*domain.User, error)
	Login(ctx context.Context, email, password string) (*domain.User, error)
}

// UserService defines the port for reading account details.
type UserService interface {
	GetProfile(ctx context.Context, userID uuid.UUID) (*domain.User, error)
}

// CreateInvoiceParams defines the required input for creating a new invoice.
type CreateInvoiceParams struct {
	ActorID uuid.UUID
	Invoice domain.InvoiceParams
}

// UpdateStatusParams defines the input for changing an invoice's status.
type UpdateStatusParams struct {
	InvoiceID uuid.UUID
	Status    domain.InvoiceStatus
	ActorID   uuid.UUID
}

// InvoiceService defines the core business operations for managing invoices.
type InvoiceService interface {
	CreateInvoice(ctx context.Context, params CreateInvoiceParams) (*domain.Invoice, error)
	GetInvoice(ctx context.Context, invoiceID, viewerID uuid.UUID) (*domain.Invoice, error)
	ListInvoices(ctx context.Context, viewerID uuid.UUID) ([]*domain.Invoice, error)
	UpdateStatus(ctx context.Context, params UpdateStatusParams) (*domain.Invoice, error)
	SendInvoice(ctx context.Context, invoiceID, actorID uuid.UUID) (*domain.Invoice, error)
	DeleteInvoice(ctx context.Context, invoiceID, actorID uuid.UUID) error
	NextNumber(ctx context.Context, actorID uuid.UUID) (string, error)
	Shutdown()
}

// CustomerService defines the port for customer management.
type CustomerService interface {
	CreateCustomer(ctx context.Context, params domain.CustomerParams) (*domain.Customer, error)
	ListCustomers(ctx context.Context, viewerID uuid.UUID) ([]*domain.Customer, error)
}

// NotificationParams defines the input for sending a notification.
type NotificationParams struct {
	RecipientEmail string
	Subject        string
	Message        string
	InvoiceID      uuid.UUID
}

// Notifier defines the port for sending asynchronous notifications.
type Notifier interface {
	Notify(ctx context.Context, params NotificationParams)
}

// EventBroadcaster pushes update messages to a user's live connections.
type EventBroadcaster interface {
	SendToUser(userID uuid.UUID, msg domain.Message) error
}

// TransactionManager defines the port for running atomic operations.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
