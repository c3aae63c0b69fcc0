package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	apperrors "github.com/lorrc/invoice-tracker/internal/core/errors"
)

// ErrorResponse is the standard JSON error response format
type ErrorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// ValidationErrorResponse includes field-level validation errors
type ValidationErrorResponse struct {
	Error  string              `json:"error"`
	Code   string              `json:"code"`
	Fields map[string][]string `json:"fields,omitempty"`
}

// ErrorHandler provides centralized error handling with logging
type ErrorHandler struct {
	logger *slog.Logger
}

// NewErrorHandler creates a new error handler with the given logger
func NewErrorHandler(logger *slog.Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// Handle processes an error and writes the appropriate HTTP response
func (h *ErrorHandler) Handle(w http.ResponseWriter, r *http.Request, err error) {
	// Check for ValidationErrors
	var validationErrs *apperrors.ValidationErrors
	if errors.As(err, &validationErrs) {
		h.logError(r, http.StatusUnprocessableEntity, err)
		h.writeValidationErrorResponse(w, validationErrs)
		return
	}

	// Errors that already carry a response win over the domain mapping
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = toAppError(err)
	}

	h.logError(r, appErr.StatusCode, err)
	h.writeErrorResponse(w, appErr.StatusCode, ErrorResponse{
		Error:   appErr.Message,
		Code:    appErr.Code,
		Details: appErr.Details,
	})
}

// toAppError converts domain errors to their HTTP responses
func toAppError(err error) *apperrors.AppError {
	switch {
	// Authentication & Authorization
	case errors.Is(err, apperrors.ErrInvalidCredentials):
		return apperrors.NewUnauthorizedError("Invalid credentials").WithCode("INVALID_CREDENTIALS")
	case errors.Is(err, apperrors.ErrUnauthorized):
		return apperrors.NewUnauthorizedError("Authentication required")
	case errors.Is(err, apperrors.ErrForbidden):
		return apperrors.NewForbiddenError("You do not have permission to perform this action")

	// Not Found errors
	case errors.Is(err, apperrors.ErrUserNotFound):
		return apperrors.NewNotFoundError(err, "User not found").WithCode("USER_NOT_FOUND")
	case errors.Is(err, apperrors.ErrInvoiceNotFound):
		return apperrors.NewNotFoundError(err, "Invoice not found").WithCode("INVOICE_NOT_FOUND")
	case errors.Is(err, apperrors.ErrCustomerNotFound):
		return apperrors.NewNotFoundError(err, "Customer not found").WithCode("CUSTOMER_NOT_FOUND")
	case errors.Is(err, apperrors.ErrNotFound):
		return apperrors.NewNotFoundError(err, "Resource not found")

	// Conflict errors
	case errors.Is(err, apperrors.ErrUserExists):
		return apperrors.NewConflictError(err, "A user with this email already exists").WithCode("USER_EXISTS")
	case errors.Is(err, apperrors.ErrInvoiceNumberTaken):
		return apperrors.NewConflictError(err, "An invoice with this number already exists").WithCode("INVOICE_NUMBER_TAKEN")

	// Input errors
	case errors.Is(err, apperrors.ErrInvalidStatus),
		errors.Is(err, apperrors.ErrEmailRequired),
		errors.Is(err, apperrors.ErrPasswordRequired):
		return apperrors.NewBadRequestError(err, err.Error()).WithCode("VALIDATION_ERROR")

	// Business rule violations
	case errors.Is(err, apperrors.ErrInvalidStatusTransition):
		return apperrors.NewBadRequestError(err, "Invalid status transition").WithCode("INVALID_STATUS_TRANSITION")
	case errors.Is(err, apperrors.ErrCannotEmailVoided):
		return apperrors.NewValidationError(err, "A voided invoice cannot be emailed", nil).WithCode("INVOICE_VOIDED")
	case errors.Is(err, apperrors.ErrCustomerEmailMissing):
		return apperrors.NewValidationError(err, "The customer has no email address", nil).WithCode("CUSTOMER_EMAIL_MISSING")

	// Rate limiting
	case errors.Is(err, apperrors.ErrRateLimited):
		return apperrors.NewRateLimitError()

	// Default to internal server error
	default:
		return apperrors.NewInternalError(err)
	}
}

// logError logs the error with appropriate context. The request ID is
// attached by the logging handler from the request context.
func (h *ErrorHandler) logError(r *http.Request, statusCode int, err error) {
	logAttrs := []any{
		"method", r.Method,
		"path", r.URL.Path,
		"status_code", statusCode,
		"error", err.Error(),
	}

	// Log at different levels based on status code
	ctx := r.Context()
	switch {
	case statusCode >= 500:
		h.logger.ErrorContext(ctx, "server error", logAttrs...)
	case statusCode >= 400:
		h.logger.WarnContext(ctx, "client error", logAttrs...)
	default:
		h.logger.InfoContext(ctx, "request error", logAttrs...)
	}
}

// writeErrorResponse writes a JSON error response
func (h *ErrorHandler) writeErrorResponse(w http.ResponseWriter, statusCode int, response ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// writeValidationErrorResponse writes a validation error response
func (h *ErrorHandler) writeValidationErrorResponse(w http.ResponseWriter, errs *apperrors.ValidationErrors) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnprocessableEntity)
	_ = json.NewEncoder(w).Encode(ValidationErrorResponse{
		Error:  "Validation failed",
		Code:   "VALIDATION_ERROR",
		Fields: errs.Errors,
	})
}
