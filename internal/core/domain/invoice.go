package domain

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/lorrc/invoice-tracker/internal/core/errors"
)

// Field length limits
const (
	MaxInvoiceNumberLength = 64
	MaxNotesLength         = 5000
	MaxItemDescription     = 500
	MaxPONumberLength      = 64
)

var invoiceNumberPattern = regexp.MustCompile(`#(\d+)`)

// InvoiceStatus represents the lifecycle state of an invoice.
type InvoiceStatus string

const (
	StatusDraft         InvoiceStatus = "DRAFT"
	StatusSent          InvoiceStatus = "SENT"
	StatusApproved      InvoiceStatus = "APPROVED"
	StatusPartiallyPaid InvoiceStatus = "PARTIALLY_PAID"
	StatusPaid          InvoiceStatus = "PAID"
	StatusVoided        InvoiceStatus = "VOIDED"
)

// DisplayOverdue is the derived display status for unpaid invoices past their due date.
const DisplayOverdue = "overdue"

// IsValid checks if the status is a known value.
func (s InvoiceStatus) IsValid() bool {
	switch s {
	case StatusDraft, StatusSent, StatusApproved, StatusPartiallyPaid, StatusPaid, StatusVoided:
		return true
	}
	return false
}

// AllInvoiceStatuses returns every persisted status value.
func AllInvoiceStatuses() []string {
	return []string{
		string(StatusDraft),
		string(StatusSent),
		string(StatusApproved),
		string(StatusPartiallyPaid),
		string(StatusPaid),
		string(StatusVoided),
	}
}

// validTransitions defines the allowed status changes.
var validTransitions = map[InvoiceStatus][]InvoiceStatus{
	StatusDraft:         {StatusSent, StatusApproved, StatusVoided},
	StatusSent:          {StatusApproved, StatusPartiallyPaid, StatusPaid, StatusVoided},
	StatusApproved:      {StatusSent, StatusPartiallyPaid, StatusPaid, StatusVoided},
	StatusPartiallyPaid: {StatusPaid, StatusVoided},
	StatusPaid:          {},
	StatusVoided:        {},
}

// CanTransitionTo reports whether the status may change to next.
func (s InvoiceStatus) CanTransitionTo(next InvoiceStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// LineItem is a single billable row of an invoice. Money is held in minor units.
type LineItem struct {
	ID             uuid.UUID
	Description    string
	Quantity       float64
	UnitPriceCents int64
	TotalCents     int64
}

// Invoice is the core domain entity.
type Invoice struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	CustomerID      uuid.UUID
	Customer        *Customer
	Number          string
	Status          InvoiceStatus
	Currency        string
	IssueDate       time.Time
	DueDate         time.Time
	Items           []LineItem
	SubtotalCents   int64
	TaxCents        int64
	TaxInclusive    bool
	TotalCents      int64
	PONumber        string
	Notes           string
	EmailCount      int
	LastEmailSentAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       *time.Time
	DeletedAt       *time.Time
}

// LineItemParams describes a line item on creation.
type LineItemParams struct {
	Description    string
	Quantity       float64
	UnitPriceCents int64
}

// InvoiceParams holds the input for creating an invoice.
type InvoiceParams struct {
	UserID       uuid.UUID
	CustomerID   uuid.UUID
	Number       string
	Status       InvoiceStatus
	Currency     string
	IssueDate    time.Time
	DueDate      time.Time
	Items        []LineItemParams
	TaxCents     int64
	TaxInclusive bool
	PONumber     string
	Notes        string
}

// Validate checks invoice parameters and collects every field error.
func (p *InvoiceParams) Validate() error {
	errs := apperrors.NewValidationErrors()

	if p.UserID == uuid.Nil {
		errs.Add("userId", "Owner is required")
	}
	if p.CustomerID == uuid.Nil {
		errs.Add("customerId", "Customer is required")
	}

	number := strings.TrimSpace(p.Number)
	if number == "" {
		errs.Add("number", "Invoice number is required")
	} else if len(number) > MaxInvoiceNumberLength {
		errs.Add("number", "Invoice number must be 64 characters or less")
	}

	if p.Status != "" && p.Status != StatusDraft && p.Status != StatusSent {
		errs.Add("status", "New invoices must be DRAFT or SENT")
	}

	if len(p.Currency) != 3 || strings.ToUpper(p.Currency) != p.Currency {
		errs.Add("currency", "Currency must be a 3-letter ISO code")
	}

	if p.IssueDate.IsZero() {
		errs.Add("invoiceDate", "Issue date is required")
	}
	if p.DueDate.IsZero() {
		errs.Add("dueDate", "Due date is required")
	} else if !p.IssueDate.IsZero() && p.DueDate.Before(p.IssueDate) {
		errs.Add("dueDate", "Due date must not be before issue date")
	}

	if len(p.Items) == 0 {
		errs.Add("items", "At least one line item is required")
	}
	for _, item := range p.Items {
		if strings.TrimSpace(item.Description) == "" {
			errs.Add("items", "Line item description is required")
		} else if len(item.Description) > MaxItemDescription {
			errs.Add("items", "Line item description must be 500 characters or less")
		}
		if item.Quantity < 0 || item.UnitPriceCents < 0 {
			errs.Add("items", "Line item quantity and price must not be negative")
		}
	}

	if p.TaxCents < 0 {
		errs.Add("taxAmount", "Tax must not be negative")
	}
	if len(p.PONumber) > MaxPONumberLength {
		errs.Add("poNumber", "PO number must be 64 characters or less")
	}
	if len(p.Notes) > MaxNotesLength {
		errs.Add("notes", "Notes must be 5000 characters or less")
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// NewInvoice builds a validated invoice and computes its totals.
func NewInvoice(params InvoiceParams) (*Invoice, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	status := params.Status
	if status == "" {
		status = StatusDraft
	}

	items := make([]LineItem, 0, len(params.Items))
	var subtotal int64
	for _, p := range params.Items {
		total := int64(math.Round(p.Quantity * float64(p.UnitPriceCents)))
		items = append(items, LineItem{
			ID:             uuid.New(),
			Description:    strings.TrimSpace(p.Description),
			Quantity:       p.Quantity,
			UnitPriceCents: p.UnitPriceCents,
			TotalCents:     total,
		})
		subtotal += total
	}

	total := subtotal + params.TaxCents
	if params.TaxInclusive {
		total = subtotal
	}

	return &Invoice{
		ID:            uuid.New(),
		UserID:        params.UserID,
		CustomerID:    params.CustomerID,
		Number:        strings.TrimSpace(params.Number),
		Status:        status,
		Currency:      params.Currency,
		IssueDate:     params.IssueDate.UTC(),
		DueDate:       params.DueDate.UTC(),
		Items:         items,
		SubtotalCents: subtotal,
		TaxCents:      params.TaxCents,
		TaxInclusive:  params.TaxInclusive,
		TotalCents:    total,
		PONumber:      params.PONumber,
		Notes:         params.Notes,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// UpdateStatus changes the invoice's status, enforcing the transition table.
func (i *Invoice) UpdateStatus(next InvoiceStatus) error {
	if !next.IsValid() {
		return apperrors.ErrInvalidStatus
	}
	if !i.Status.CanTransitionTo(next) {
		return apperrors.ErrInvalidStatusTransition
	}
	i.Status = next
	i.touch()
	return nil
}

// MarkEmailed records an email send. Drafts and approved invoices become SENT.
func (i *Invoice) MarkEmailed(at time.Time) error {
	switch i.Status {
	case StatusVoided:
		return apperrors.ErrCannotEmailVoided
	case StatusDraft, StatusApproved:
		i.Status = StatusSent
	}
	at = at.UTC()
	i.EmailCount++
	i.LastEmailSentAt = &at
	i.touch()
	return nil
}

// SoftDelete hides the invoice from listings without removing it.
func (i *Invoice) SoftDelete(at time.Time) {
	at = at.UTC()
	i.DeletedAt = &at
	i.touch()
}

// IsOwnedBy checks if the invoice belongs to the given user.
func (i *Invoice) IsOwnedBy(userID uuid.UUID) bool {
	return i.UserID == userID
}

// DisplayStatus is the status shown on the dashboard: lower-case, with
// unpaid sent or approved invoices past their due date reported as overdue.
func (i *Invoice) DisplayStatus(now time.Time) string {
	if (i.Status == StatusSent || i.Status == StatusApproved) && i.DueDate.Before(now) {
		return DisplayOverdue
	}
	return strings.ReplaceAll(strings.ToLower(string(i.Status)), "_", "-")
}

// Equal reports whether two invoices carry the same observable state.
func (i Invoice) Equal(o Invoice) bool {
	if i.ID != o.ID || i.UserID != o.UserID || i.CustomerID != o.CustomerID ||
		i.Number != o.Number || i.Status != o.Status || i.Currency != o.Currency ||
		i.SubtotalCents != o.SubtotalCents || i.TaxCents != o.TaxCents ||
		i.TaxInclusive != o.TaxInclusive || i.TotalCents != o.TotalCents ||
		i.PONumber != o.PONumber || i.Notes != o.Notes || i.EmailCount != o.EmailCount {
		return false
	}
	if !i.IssueDate.Equal(o.IssueDate) || !i.DueDate.Equal(o.DueDate) || !i.CreatedAt.Equal(o.CreatedAt) {
		return false
	}
	if !timePtrEqual(i.LastEmailSentAt, o.LastEmailSentAt) ||
		!timePtrEqual(i.UpdatedAt, o.UpdatedAt) ||
		!timePtrEqual(i.DeletedAt, o.DeletedAt) {
		return false
	}
	if (i.Customer == nil) != (o.Customer == nil) {
		return false
	}
	if i.Customer != nil && !i.Customer.Equal(*o.Customer) {
		return false
	}
	if len(i.Items) != len(o.Items) {
		return false
	}
	for idx := range i.Items {
		if i.Items[idx] != o.Items[idx] {
			return false
		}
	}
	return true
}

// InvoicesEqual compares two invoice lists element by element, order included.
func InvoicesEqual(a, b []Invoice) bool {
	if len(a) != len(b) {
		return false
	}
	for idx := range a {
		if !a[idx].Equal(b[idx]) {
			return false
		}
	}
	return true
}

func (i *Invoice) touch() {
	now := time.Now().UTC()
	i.UpdatedAt = &now
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// NextInvoiceNumber returns the number following last in the "#0001" scheme.
// An empty or unparseable last number starts the sequence.
func NextInvoiceNumber(last string) string {
	next := 1
	if m := invoiceNumberPattern.FindStringSubmatch(last); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			next = n + 1
		}
	}
	return fmt.Sprintf("#%04d", next)
}
