package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/lorrc/invoice-tracker/internal/adapters/primary/validation"
	"github.com/lorrc/invoice-tracker/internal/core/domain"
	"github.com/lorrc/invoice-tracker/internal/core/ports"
)

// CustomerHandler handles HTTP requests for customers
type CustomerHandler struct {
	customerService ports.CustomerService
	errorHandler    *ErrorHandler
	logger          *slog.Logger
}

// NewCustomerHandler creates a new customer handler
func NewCustomerHandler(customerService ports.CustomerService, errorHandler *ErrorHandler, logger *slog.Logger) *CustomerHandler {
	return &CustomerHandler{
		customerService: customerService,
		errorHandler:    errorHandler,
		logger:          logger.With("handler", "customer"),
	}
}

// RegisterRoutes sets up the routing for the customer endpoints.
func (h *CustomerHandler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.HandleListCustomers)
	r.Post("/", h.HandleCreateCustomer)
}

// CreateCustomerRequest defines the expected JSON body for creating a customer
type CreateCustomerRequest struct {
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}

// Validate validates the create customer request
func (r *CreateCustomerRequest) Validate() error {
	v := validation.NewValidator()

	v.Required("displayName", r.DisplayName).
		MaxLength("displayName", r.DisplayName, domain.MaxDisplayNameLength)
	v.Email("email", r.Email)

	if v.HasErrors() {
		return v.Errors()
	}
	return nil
}

// CustomerDTO defines the JSON response for customers.
type CustomerDTO struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	CreatedAt   string `json:"createdAt"`
}

func toCustomerDTO(customer *domain.Customer) CustomerDTO {
	return CustomerDTO{
		ID:          customer.ID.String(),
		DisplayName: customer.DisplayName,
		Email:       customer.Email,
		CreatedAt:   formatTime(customer.CreatedAt),
	}
}

// HandleListCustomers handles GET /customers
func (h *CustomerHandler) HandleListCustomers(w http.ResponseWriter, r *http.Request) {
	claims, ok := getClaims(w, r)
	if !ok {
		return
	}

	customers, err := h.customerService.ListCustomers(r.Context(), claims.UserID)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	response := make([]CustomerDTO, 0, len(customers))
	for _, customer := range customers {
		response = append(response, toCustomerDTO(customer))
	}
	WriteJSON(w, http.StatusOK, response)
}

// HandleCreateCustomer handles POST /customers
func (h *CustomerHandler) HandleCreateCustomer(w http.ResponseWriter, r *http.Request) {
	claims, ok := getClaims(w, r)
	if !ok {
		return
	}

	req, err := validation.DecodeAndValidate[CreateCustomerRequest](r)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	if err := req.Validate(); err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	customer, err := h.customerService.CreateCustomer(r.Context(), domain.CustomerParams{
		UserID:      claims.UserID,
		DisplayName: req.DisplayName,
		Email:       req.Email,
	})
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "customer created", "customer_id", customer.ID)

	WriteCreated(w, toCustomerDTO(customer))
}
