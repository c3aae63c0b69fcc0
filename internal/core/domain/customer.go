package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/lorrc/invoice-tracker/internal/core/errors"
)

const MaxDisplayNameLength = 255

// Customer is the billed party of an invoice.
type Customer struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	DisplayName string
	Email       string
	CreatedAt   time.Time
}

// CustomerParams holds the input for creating a customer.
type CustomerParams struct {
	UserID      uuid.UUID
	DisplayName string
	Email       string
}

// NewCustomer creates a validated customer.
func NewCustomer(params CustomerParams) (*Customer, error) {
	errs := apperrors.NewValidationErrors()

	name := strings.TrimSpace(params.DisplayName)
	if name == "" {
		errs.Add("displayName", "Display name is required")
	} else if len(name) > MaxDisplayNameLength {
		errs.Add("displayName", "Display name must be 255 characters or less")
	}

	email := strings.TrimSpace(params.Email)
	if email != "" && !isValidEmail(email) {
		errs.Add("email", "Invalid email format")
	}

	if errs.HasErrors() {
		return nil, errs
	}

	return &Customer{
		ID:          uuid.New(),
		UserID:      params.UserID,
		DisplayName: name,
		Email:       email,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Equal reports whether two customers carry the same state.
func (c Customer) Equal(o Customer) bool {
	return c.ID == o.ID && c.UserID == o.UserID && c.DisplayName == o.DisplayName &&
		c.Email == o.Email && c.CreatedAt.Equal(o.CreatedAt)
}
