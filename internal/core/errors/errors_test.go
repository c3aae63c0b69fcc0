package errors_test

import (
	"errors"
	"fmt"
	"testing"

	apperrors "github.com/lorrc/invoice-tracker/internal/core/errors"
	"github.com/stretchr/testify/assert"
)

func TestAppError(t *testing.T) {
	cause := fmt.Errorf("load invoice: %w", apperrors.ErrInvoiceNotFound)
	appErr := apperrors.NewNotFoundError(cause, "Invoice not found").WithCode("INVOICE_NOT_FOUND")

	assert.Equal(t, 404, appErr.StatusCode)
	assert.Equal(t, "INVOICE_NOT_FOUND", appErr.Code)
	assert.Equal(t, "Invoice not found", appErr.Error())
	assert.True(t, errors.Is(appErr, apperrors.ErrInvoiceNotFound))

	assert.ErrorIs(t, apperrors.NewForbiddenError("no"), apperrors.ErrForbidden)
	assert.ErrorIs(t, apperrors.NewRateLimitError(), apperrors.ErrRateLimited)
	assert.Equal(t, 500, apperrors.NewInternalError(cause).StatusCode)
	assert.Equal(t, "boom", (&apperrors.AppError{Err: fmt.Errorf("boom")}).Error())
}

func TestValidationErrors(t *testing.T) {
	errs := apperrors.NewValidationErrors()
	assert.False(t, errs.HasErrors())

	errs.Add("email", "Invalid email address")
	errs.Add("email", "Email is required")

	assert.True(t, errs.HasErrors())
	assert.Len(t, errs.Errors["email"], 2)
	assert.Contains(t, errs.Error(), "1 field(s)")
}
