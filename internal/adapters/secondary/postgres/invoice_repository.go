package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lorrc/invoice-tracker/internal/core/domain"
	apperrors "github.com/lorrc/invoice-tracker/internal/core/errors"
	"github.com/lorrc/invoice-tracker/internal/core/ports"
)

const invoiceSelect = `
SELECT i.id, i.user_id, i.customer_id, i.number, i.status, i.currency,
       i.issue_date, i.due_date, i.subtotal_cents, i.tax_cents, i.tax_inclusive,
       i.total_cents, i.po_number, i.notes, i.email_count, i.last_email_sent_at,
       i.created_at, i.updated_at, i.deleted_at,
       c.id, c.user_id, c.display_name, c.email, c.created_at
FROM invoices i
JOIN customers c ON c.id = i.customer_id
WHERE i.deleted_at IS NULL`

// InvoiceRepository is the secondary adapter for invoice persistence.
type InvoiceRepository struct {
	pool *pgxpool.Pool
}

// Ensure InvoiceRepository implements the ports.InvoiceRepository interface.
var _ ports.InvoiceRepository = (*InvoiceRepository)(nil)

// NewInvoiceRepository creates a new invoice repository.
func NewInvoiceRepository(pool *pgxpool.Pool) ports.InvoiceRepository {
	return &InvoiceRepository{pool: pool}
}

func scanInvoice(row pgx.Row) (*domain.Invoice, error) {
	var (
		inv      domain.Invoice
		customer domain.Customer
		status   string
	)
	var lastEmailed, updated, deleted pgtype.Timestamptz
	err := row.Scan(
		&inv.ID, &inv.UserID, &inv.CustomerID, &inv.Number, &status, &inv.Currency,
		&inv.IssueDate, &inv.DueDate, &inv.SubtotalCents, &inv.TaxCents, &inv.TaxInclusive,
		&inv.TotalCents, &inv.PONumber, &inv.Notes, &inv.EmailCount, &lastEmailed,
		&inv.CreatedAt, &updated, &deleted,
		&customer.ID, &customer.UserID, &customer.DisplayName, &customer.Email, &customer.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	inv.Status = domain.InvoiceStatus(status)
	inv.IssueDate = inv.IssueDate.UTC()
	inv.DueDate = inv.DueDate.UTC()
	inv.CreatedAt = inv.CreatedAt.UTC()
	inv.LastEmailSentAt = fromTimestamptz(lastEmailed)
	inv.UpdatedAt = fromTimestamptz(updated)
	inv.DeletedAt = fromTimestamptz(deleted)
	customer.CreatedAt = customer.CreatedAt.UTC()
	inv.Customer = &customer
	return &inv, nil
}

// Create persists a new invoice and its line items. Callers that need the
// two inserts to be atomic run it inside TransactionManager.WithTransaction.
func (r *InvoiceRepository) Create(ctx context.Context, invoice *domain.Invoice) (*domain.Invoice, error) {
	const insertInvoice = `
INSERT INTO invoices (
    id, user_id, customer_id, number, status, currency, issue_date, due_date,
    subtotal_cents, tax_cents, tax_inclusive, total_cents, po_number, notes,
    email_count, last_email_sent_at, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	const insertItem = `
INSERT INTO invoice_items (id, invoice_id, position, description, quantity, unit_price_cents, total_cents)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

	q := GetDBTX(ctx, r.pool)
	_, err := q.Exec(ctx, insertInvoice,
		invoice.ID, invoice.UserID, invoice.CustomerID, invoice.Number, string(invoice.Status),
		invoice.Currency, invoice.IssueDate, invoice.DueDate, invoice.SubtotalCents, invoice.TaxCents,
		invoice.TaxInclusive, invoice.TotalCents, invoice.PONumber, invoice.Notes,
		invoice.EmailCount, toTimestamptz(invoice.LastEmailSentAt), invoice.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperrors.ErrInvoiceNumberTaken
		}
		return nil, fmt.Errorf("create invoice: %w", err)
	}

	for pos, item := range invoice.Items {
		if _, err := q.Exec(ctx, insertItem,
			item.ID, invoice.ID, pos, item.Description, item.Quantity, item.UnitPriceCents, item.TotalCents,
		); err != nil {
			return nil, fmt.Errorf("create invoice item: %w", err)
		}
	}

	return r.GetByID(ctx, invoice.ID)
}

// GetByID retrieves a single invoice with its customer and line items.
func (r *InvoiceRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Invoice, error) {
	invoice, err := scanInvoice(GetDBTX(ctx, r.pool).QueryRow(ctx, invoiceSelect+` AND i.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrInvoiceNotFound
		}
		return nil, err
	}

	if err := r.attachItems(ctx, []*domain.Invoice{invoice}); err != nil {
		return nil, err
	}
	return invoice, nil
}

// Update writes the mutable invoice fields: status, email tracking, notes
// and the soft-delete marker. Line items are immutable once created.
func (r *InvoiceRepository) Update(ctx context.Context, invoice *domain.Invoice) (*domain.Invoice, error) {
	const query = `
UPDATE invoices
SET status = $2, email_count = $3, last_email_sent_at = $4, po_number = $5,
    notes = $6, updated_at = $7, deleted_at = $8
WHERE id = $1 AND deleted_at IS NULL`

	tag, err := GetDBTX(ctx, r.pool).Exec(ctx, query,
		invoice.ID, string(invoice.Status), invoice.EmailCount, toTimestamptz(invoice.LastEmailSentAt),
		invoice.PONumber, invoice.Notes, toTimestamptz(invoice.UpdatedAt), toTimestamptz(invoice.DeletedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("update invoice: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, apperrors.ErrInvoiceNotFound
	}

	if invoice.DeletedAt != nil {
		return invoice, nil
	}
	return r.GetByID(ctx, invoice.ID)
}

// ListByUser returns a user's invoices, newest first.
func (r *InvoiceRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*domain.Invoice, error) {
	rows, err := GetDBTX(ctx, r.pool).Query(ctx,
		invoiceSelect+` AND i.user_id = $1 ORDER BY i.created_at DESC, i.id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	invoices := make([]*domain.Invoice, 0)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.attachItems(ctx, invoices); err != nil {
		return nil, err
	}
	return invoices, nil
}

// LatestNumber returns the highest invoice number the user has issued, or ""
// when there is none. Soft-deleted invoices still count.
func (r *InvoiceRepository) LatestNumber(ctx context.Context, userID uuid.UUID) (string, error) {
	const query = `SELECT number FROM invoices WHERE user_id = $1 ORDER BY number DESC LIMIT 1`

	var number string
	err := GetDBTX(ctx, r.pool).QueryRow(ctx, query, userID).Scan(&number)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return number, nil
}

func (r *InvoiceRepository) attachItems(ctx context.Context, invoices []*domain.Invoice) error {
	if len(invoices) == 0 {
		return nil
	}

	const query = `
SELECT id, invoice_id, description, quantity, unit_price_cents, total_cents
FROM invoice_items
WHERE invoice_id = ANY($1)
ORDER BY invoice_id, position`

	ids := make([]uuid.UUID, 0, len(invoices))
	byID := make(map[uuid.UUID]*domain.Invoice, len(invoices))
	for _, inv := range invoices {
		ids = append(ids, inv.ID)
		byID[inv.ID] = inv
		inv.Items = make([]domain.LineItem, 0)
	}

	rows, err := GetDBTX(ctx, r.pool).Query(ctx, query, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			item      domain.LineItem
			invoiceID uuid.UUID
		)
		if err := rows.Scan(&item.ID, &invoiceID, &item.Description, &item.Quantity, &item.UnitPriceCents, &item.TotalCents); err != nil {
			return err
		}
		if inv, ok := byID[invoiceID]; ok {
			inv.Items = append(inv.Items, item)
		}
	}
	return rows.Err()
}
