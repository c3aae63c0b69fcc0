package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/lorrc/invoice-tracker/internal/core/domain"
	apperrors "github.com/lorrc/invoice-tracker/internal/core/errors"
	"github.com/lorrc/invoice-tracker/internal/core/ports"
)

// InvoiceService implements business logic for invoice management. Every
// state change is pushed to the owner's live connections as an update message.
type InvoiceService struct {
	invoiceRepo  ports.InvoiceRepository
	customerRepo ports.CustomerRepository
	txManager    ports.TransactionManager
	notifier     ports.Notifier
	broadcaster  ports.EventBroadcaster
	logger       *slog.Logger
	clock        clockwork.Clock
	wg           sync.WaitGroup
}

var _ ports.InvoiceService = (*InvoiceService)(nil)

// InvoiceServiceOption customizes an InvoiceService.
type InvoiceServiceOption func(*InvoiceService)

// WithServiceClock sets the clock used for email and deletion timestamps.
func WithServiceClock(clock clockwork.Clock) InvoiceServiceOption {
	return func(s *InvoiceService) {
		s.clock = clock
	}
}

// NewInvoiceService creates a new invoice service
func NewInvoiceService(
	invoiceRepo ports.InvoiceRepository,
	customerRepo ports.CustomerRepository,
	txManager ports.TransactionManager,
	notifier ports.Notifier,
	broadcaster ports.EventBroadcaster,
	logger *slog.Logger,
	opts ...InvoiceServiceOption,
) ports.InvoiceService {
	s := &InvoiceService{
		invoiceRepo:  invoiceRepo,
		customerRepo: customerRepo,
		txManager:    txManager,
		notifier:     notifier,
		broadcaster:  broadcaster,
		logger:       logger.With("component", "invoice_service"),
		clock:        clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateInvoice handles the use case for issuing a new invoice
func (s *InvoiceService) CreateInvoice(ctx context.Context, params ports.CreateInvoiceParams) (*domain.Invoice, error) {
	invoiceParams := params.Invoice
	invoiceParams.UserID = params.ActorID

	// 1. The customer must belong to the actor
	if invoiceParams.CustomerID != uuid.Nil {
		customer, err := s.customerRepo.GetByID(ctx, invoiceParams.CustomerID)
		if err != nil {
			return nil, err
		}
		if customer.UserID != params.ActorID {
			return nil, apperrors.ErrCustomerNotFound
		}
	}

	// 2. Assign the next number when none was given
	if invoiceParams.Number == "" {
		number, err := s.NextNumber(ctx, params.ActorID)
		if err != nil {
			return nil, err
		}
		invoiceParams.Number = number
	}

	// 3. Create domain entity with validation
	invoice, err := domain.NewInvoice(invoiceParams)
	if err != nil {
		return nil, err
	}

	// 4. Persist the invoice and its items atomically
	var created *domain.Invoice
	err = s.txManager.WithTransaction(ctx, func(ctx context.Context) error {
		var err error
		created, err = s.invoiceRepo.Create(ctx, invoice)
		return err
	})
	if err != nil {
		return nil, err
	}

	msg, err := domain.NewInvoiceUpdateMessage(created.ID.String(), "", nil, s.clock.Now())
	if err == nil {
		s.broadcast(created.UserID, msg)
	}

	return created, nil
}

// GetInvoice retrieves a specific invoice owned by the viewer
func (s *InvoiceService) GetInvoice(ctx context.Context, invoiceID, viewerID uuid.UUID) (*domain.Invoice, error) {
	return s.getOwned(ctx, invoiceID, viewerID)
}

// ListInvoices returns the viewer's invoices, newest first
func (s *InvoiceService) ListInvoices(ctx context.Context, viewerID uuid.UUID) ([]*domain.Invoice, error) {
	return s.invoiceRepo.ListByUser(ctx, viewerID)
}

// UpdateStatus changes an invoice's status with business rule enforcement
func (s *InvoiceService) UpdateStatus(ctx context.Context, params ports.UpdateStatusParams) (*domain.Invoice, error) {
	// 1. Fetch and check ownership
	invoice, err := s.getOwned(ctx, params.InvoiceID, params.ActorID)
	if err != nil {
		return nil, err
	}

	// 2. Apply status change (domain validates the transition)
	if err := invoice.UpdateStatus(params.Status); err != nil {
		return nil, err
	}

	// 3. Persist changes
	updated, err := s.invoiceRepo.Update(ctx, invoice)
	if err != nil {
		return nil, err
	}

	// 4. Push the new status
	s.broadcast(updated.UserID, domain.NewStatusChangeMessage(updated.ID.String(), updated.Status, s.clock.Now()))

	return updated, nil
}

// SendInvoice emails the invoice to its customer and records the send
func (s *InvoiceService) SendInvoice(ctx context.Context, invoiceID, actorID uuid.UUID) (*domain.Invoice, error) {
	var sent *domain.Invoice
	err := s.txManager.WithTransaction(ctx, func(ctx context.Context) error {
		invoice, err := s.getOwned(ctx, invoiceID, actorID)
		if err != nil {
			return err
		}
		if invoice.Customer == nil || invoice.Customer.Email == "" {
			return apperrors.ErrCustomerEmailMissing
		}
		if err := invoice.MarkEmailed(s.clock.Now()); err != nil {
			return err
		}
		sent, err = s.invoiceRepo.Update(ctx, invoice)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.notifyCustomer(sent)

	msg, err := domain.NewEmailTrackingMessage(sent.ID.String(), domain.EmailSent,
		map[string]int{"emailCount": sent.EmailCount}, s.clock.Now())
	if err == nil {
		s.broadcast(sent.UserID, msg)
	}

	return sent, nil
}

// DeleteInvoice soft-deletes an invoice so it no longer appears in listings
func (s *InvoiceService) DeleteInvoice(ctx context.Context, invoiceID, actorID uuid.UUID) error {
	invoice, err := s.getOwned(ctx, invoiceID, actorID)
	if err != nil {
		return err
	}

	invoice.SoftDelete(s.clock.Now())
	if _, err := s.invoiceRepo.Update(ctx, invoice); err != nil {
		return err
	}

	msg, err := domain.NewInvoiceUpdateMessage(invoice.ID.String(), "", nil, s.clock.Now())
	if err == nil {
		s.broadcast(invoice.UserID, msg)
	}
	return nil
}

// NextNumber returns the number the actor's next invoice should carry
func (s *InvoiceService) NextNumber(ctx context.Context, actorID uuid.UUID) (string, error) {
	latest, err := s.invoiceRepo.LatestNumber(ctx, actorID)
	if err != nil {
		return "", fmt.Errorf("latest invoice number: %w", err)
	}
	return domain.NextInvoiceNumber(latest), nil
}

// Shutdown waits for background notifications and broadcasts to finish
func (s *InvoiceService) Shutdown() {
	s.wg.Wait()
}

func (s *InvoiceService) getOwned(ctx context.Context, invoiceID, actorID uuid.UUID) (*domain.Invoice, error) {
	invoice, err := s.invoiceRepo.GetByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if !invoice.IsOwnedBy(actorID) {
		return nil, apperrors.ErrForbidden
	}
	return invoice, nil
}

// notifyCustomer sends the invoice email (async, in background context)
func (s *InvoiceService) notifyCustomer(invoice *domain.Invoice) {
	params := ports.NotificationParams{
		RecipientEmail: invoice.Customer.Email,
		Subject:        fmt.Sprintf("Invoice %s", invoice.Number),
		Message: fmt.Sprintf("Invoice %s for %s is due on %s.",
			invoice.Number, formatCents(invoice.TotalCents, invoice.Currency), invoice.DueDate.Format("2006-01-02")),
		InvoiceID: invoice.ID,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// Use background context since the HTTP request may be done
		s.notifier.Notify(context.Background(), params)
	}()
}

// broadcast pushes msg to the owner's connections (async)
func (s *InvoiceService) broadcast(userID uuid.UUID, msg domain.Message) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.broadcaster.SendToUser(userID, msg); err != nil {
			s.logger.Warn("failed to push update",
				"invoice_id", msg.InvoiceID,
				"type", string(msg.Kind()),
				"error", err,
			)
		}
	}()
}

func formatCents(cents int64, currency string) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, cents/100, cents%100, currency)
}
