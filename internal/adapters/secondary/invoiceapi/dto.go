package invoiceapi

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lorrc/invoice-tracker/internal/core/domain"
)

type userDTO struct {
	ID       string `json:"id"`
	FullName string `json:"fullName"`
	Email    string `json:"email"`
}

type customerDTO struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	CreatedAt   string `json:"createdAt"`
}

type lineItemDTO struct {
	ID             string  `json:"id"`
	Description    string  `json:"description"`
	Quantity       float64 `json:"quantity"`
	UnitPriceCents int64   `json:"unitPriceCents"`
	TotalCents     int64   `json:"totalCents"`
}

type invoiceDTO struct {
	ID              string        `json:"id"`
	Number          string        `json:"number"`
	Status          string        `json:"status"`
	Currency        string        `json:"currency"`
	Customer        *customerDTO  `json:"customer"`
	CustomerID      string        `json:"customerId"`
	UserID          string        `json:"userId"`
	InvoiceDate     string        `json:"invoiceDate"`
	DueDate         string        `json:"dueDate"`
	Items           []lineItemDTO `json:"items"`
	SubtotalCents   int64         `json:"subtotalCents"`
	TaxCents        int64         `json:"taxCents"`
	TaxInclusive    bool          `json:"taxInclusive"`
	TotalCents      int64         `json:"totalCents"`
	PONumber        string        `json:"poNumber"`
	Notes           string        `json:"notes"`
	EmailCount      int           `json:"emailCount"`
	LastEmailSentAt *string       `json:"lastEmailSentAt"`
	CreatedAt       string        `json:"createdAt"`
	UpdatedAt       *string       `json:"updatedAt"`
}

// fieldDecoder accumulates the first parse error so a DTO converts in one pass.
type fieldDecoder struct {
	err error
}

func (d *fieldDecoder) parseUUID(field, value string) uuid.UUID {
	id, err := uuid.Parse(value)
	if err != nil && d.err == nil {
		d.err = fmt.Errorf("%s: %w", field, err)
	}
	return id
}

func (d *fieldDecoder) parseTime(field, value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil && d.err == nil {
		d.err = fmt.Errorf("%s: %w", field, err)
	}
	return t.UTC()
}

func (d *fieldDecoder) parseTimePtr(field string, value *string) *time.Time {
	if value == nil {
		return nil
	}
	t := d.parseTime(field, *value)
	return &t
}

func (dto invoiceDTO) toDomain() (domain.Invoice, error) {
	var d fieldDecoder

	invoice := domain.Invoice{
		ID:              d.parseUUID("id", dto.ID),
		UserID:          d.parseUUID("userId", dto.UserID),
		CustomerID:      d.parseUUID("customerId", dto.CustomerID),
		Number:          dto.Number,
		Status:          domain.InvoiceStatus(dto.Status),
		Currency:        dto.Currency,
		IssueDate:       d.parseTime("invoiceDate", dto.InvoiceDate),
		DueDate:         d.parseTime("dueDate", dto.DueDate),
		SubtotalCents:   dto.SubtotalCents,
		TaxCents:        dto.TaxCents,
		TaxInclusive:    dto.TaxInclusive,
		TotalCents:      dto.TotalCents,
		PONumber:        dto.PONumber,
		Notes:           dto.Notes,
		EmailCount:      dto.EmailCount,
		LastEmailSentAt: d.parseTimePtr("lastEmailSentAt", dto.LastEmailSentAt),
		CreatedAt:       d.parseTime("createdAt", dto.CreatedAt),
		UpdatedAt:       d.parseTimePtr("updatedAt", dto.UpdatedAt),
	}

	if dto.Customer != nil {
		invoice.Customer = &domain.Customer{
			ID:          d.parseUUID("customer.id", dto.Customer.ID),
			UserID:      invoice.UserID,
			DisplayName: dto.Customer.DisplayName,
			Email:       dto.Customer.Email,
			CreatedAt:   d.parseTime("customer.createdAt", dto.Customer.CreatedAt),
		}
	}

	invoice.Items = make([]domain.LineItem, 0, len(dto.Items))
	for _, item := range dto.Items {
		invoice.Items = append(invoice.Items, domain.LineItem{
			ID:             d.parseUUID("items.id", item.ID),
			Description:    item.Description,
			Quantity:       item.Quantity,
			UnitPriceCents: item.UnitPriceCents,
			TotalCents:     item.TotalCents,
		})
	}

	if d.err != nil {
		return domain.Invoice{}, d.err
	}
	if !invoice.Status.IsValid() {
		return domain.Invoice{}, fmt.Errorf("unknown status %q", dto.Status)
	}
	return invoice, nil
}
