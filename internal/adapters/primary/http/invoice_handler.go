package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/lorrc/invoice-tracker/internal/adapters/primary/validation"
	"github.com/lorrc/invoice-tracker/internal/core/domain"
	"github.com/lorrc/invoice-tracker/internal/core/ports"
)

const maxLineItems = 200

// InvoiceHandler handles HTTP requests for invoices
type InvoiceHandler struct {
	invoiceService ports.InvoiceService
	errorHandler   *ErrorHandler
	clock          clockwork.Clock
	logger         *slog.Logger

	// sendMiddleware wraps only the email route.
	sendMiddleware []func(http.Handler) http.Handler
}

// NewInvoiceHandler creates a new invoice handler. clock drives the derived
// display status; nil means the real clock.
func NewInvoiceHandler(
	invoiceService ports.InvoiceService,
	errorHandler *ErrorHandler,
	clock clockwork.Clock,
	logger *slog.Logger,
) *InvoiceHandler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &InvoiceHandler{
		invoiceService: invoiceService,
		errorHandler:   errorHandler,
		clock:          clock,
		logger:         logger.With("handler", "invoice"),
	}
}

// Router sets up a new chi Router for all invoice-related routes.
func (h *InvoiceHandler) Router() http.Handler {
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes sets up the routing for all invoice endpoints.
func (h *InvoiceHandler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.HandleListInvoices)
	r.Post("/", h.HandleCreateInvoice)
	r.Get("/next-number", h.HandleNextNumber)

	r.Route("/{invoiceID}", func(r chi.Router) {
		r.Get("/", h.HandleGetInvoice)
		r.Delete("/", h.HandleDeleteInvoice)
		r.Patch("/status", h.HandleUpdateStatus)
		r.With(h.sendMiddleware...).Post("/send", h.HandleSendInvoice)
	})
}

// --- Request/Response DTOs ---

// LineItemRequest is one line of a create request. Prices are in minor units.
type LineItemRequest struct {
	Description    string  `json:"description"`
	Quantity       float64 `json:"quantity"`
	UnitPriceCents int64   `json:"unitPriceCents"`
}

// CreateInvoiceRequest defines the expected JSON body for creating an invoice
type CreateInvoiceRequest struct {
	CustomerID   string            `json:"customerId"`
	Number       string            `json:"number"`
	Status       string            `json:"status"`
	Currency     string            `json:"currency"`
	InvoiceDate  string            `json:"invoiceDate"`
	DueDate      string            `json:"dueDate"`
	Items        []LineItemRequest `json:"items"`
	TaxCents     int64             `json:"taxCents"`
	TaxInclusive bool              `json:"taxInclusive"`
	PONumber     string            `json:"poNumber"`
	Notes        string            `json:"notes"`

	issueDate time.Time
	dueDate   time.Time
}

// Validate validates the create invoice request
func (r *CreateInvoiceRequest) Validate() error {
	v := validation.NewValidator()

	v.Required("customerId", r.CustomerID).
		UUID("customerId", r.CustomerID)
	v.MaxLength("number", r.Number, domain.MaxInvoiceNumberLength)
	v.OneOf("status", r.Status, []string{string(domain.StatusDraft), string(domain.StatusSent)})
	v.Required("currency", r.Currency).
		Currency("currency", r.Currency)

	v.Required("invoiceDate", r.InvoiceDate)
	r.issueDate = v.Date("invoiceDate", r.InvoiceDate)
	v.Required("dueDate", r.DueDate)
	r.dueDate = v.Date("dueDate", r.DueDate)

	v.Custom("items", len(r.Items) > 0, "At least one line item is required")
	v.Custom("items", len(r.Items) <= maxLineItems, "Too many line items")
	for _, item := range r.Items {
		v.Required("items", item.Description)
		v.NonNegative("items", item.Quantity)
		v.NonNegative("items", float64(item.UnitPriceCents))
	}
	v.NonNegative("taxCents", float64(r.TaxCents))
	v.MaxLength("poNumber", r.PONumber, domain.MaxPONumberLength)
	v.MaxLength("notes", r.Notes, domain.MaxNotesLength)

	if v.HasErrors() {
		return v.Errors()
	}
	return nil
}

func (r *CreateInvoiceRequest) toParams() domain.InvoiceParams {
	items := make([]domain.LineItemParams, 0, len(r.Items))
	for _, item := range r.Items {
		items = append(items, domain.LineItemParams{
			Description:    item.Description,
			Quantity:       item.Quantity,
			UnitPriceCents: item.UnitPriceCents,
		})
	}

	return domain.InvoiceParams{
		CustomerID:   uuid.MustParse(r.CustomerID),
		Number:       r.Number,
		Status:       domain.InvoiceStatus(r.Status),
		Currency:     r.Currency,
		IssueDate:    r.issueDate,
		DueDate:      r.dueDate,
		Items:        items,
		TaxCents:     r.TaxCents,
		TaxInclusive: r.TaxInclusive,
		PONumber:     r.PONumber,
		Notes:        r.Notes,
	}
}

// UpdateStatusRequest defines the expected JSON body for status updates
type UpdateStatusRequest struct {
	Status string `json:"status"`
}

// Validate validates the update status request
func (r *UpdateStatusRequest) Validate() error {
	v := validation.NewValidator()

	v.Required("status", r.Status).
		OneOf("status", r.Status, domain.AllInvoiceStatuses())

	if v.HasErrors() {
		return v.Errors()
	}
	return nil
}

// LineItemDTO defines the JSON response for a line item.
type LineItemDTO struct {
	ID             string  `json:"id"`
	Description    string  `json:"description"`
	Quantity       float64 `json:"quantity"`
	UnitPriceCents int64   `json:"unitPriceCents"`
	TotalCents     int64   `json:"totalCents"`
}

// InvoiceDTO defines the JSON response for invoices. Timestamps are
// RFC 3339 with sub-second precision so clients can compare snapshots.
type InvoiceDTO struct {
	ID              string        `json:"id"`
	Number          string        `json:"number"`
	Status          string        `json:"status"`
	DisplayStatus   string        `json:"displayStatus"`
	Currency        string        `json:"currency"`
	Customer        *CustomerDTO  `json:"customer"`
	CustomerID      string        `json:"customerId"`
	UserID          string        `json:"userId"`
	InvoiceDate     string        `json:"invoiceDate"`
	DueDate         string        `json:"dueDate"`
	Items           []LineItemDTO `json:"items"`
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

// NextNumberResponse defines the JSON response for GET /invoices/next-number.
type NextNumberResponse struct {
	Number string `json:"number"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	value := formatTime(*t)
	return &value
}

func toInvoiceDTO(invoice *domain.Invoice, now time.Time) InvoiceDTO {
	items := make([]LineItemDTO, 0, len(invoice.Items))
	for _, item := range invoice.Items {
		items = append(items, LineItemDTO{
			ID:             item.ID.String(),
			Description:    item.Description,
			Quantity:       item.Quantity,
			UnitPriceCents: item.UnitPriceCents,
			TotalCents:     item.TotalCents,
		})
	}

	var customer *CustomerDTO
	if invoice.Customer != nil {
		dto := toCustomerDTO(invoice.Customer)
		customer = &dto
	}

	return InvoiceDTO{
		ID:              invoice.ID.String(),
		Number:          invoice.Number,
		Status:          string(invoice.Status),
		DisplayStatus:   invoice.DisplayStatus(now),
		Currency:        invoice.Currency,
		Customer:        customer,
		CustomerID:      invoice.CustomerID.String(),
		UserID:          invoice.UserID.String(),
		InvoiceDate:     formatTime(invoice.IssueDate),
		DueDate:         formatTime(invoice.DueDate),
		Items:           items,
		SubtotalCents:   invoice.SubtotalCents,
		TaxCents:        invoice.TaxCents,
		TaxInclusive:    invoice.TaxInclusive,
		TotalCents:      invoice.TotalCents,
		PONumber:        invoice.PONumber,
		Notes:           invoice.Notes,
		EmailCount:      invoice.EmailCount,
		LastEmailSentAt: formatTimePtr(invoice.LastEmailSentAt),
		CreatedAt:       formatTime(invoice.CreatedAt),
		UpdatedAt:       formatTimePtr(invoice.UpdatedAt),
	}
}

func toInvoiceDTOs(invoices []*domain.Invoice, now time.Time) []InvoiceDTO {
	response := make([]InvoiceDTO, 0, len(invoices))
	for _, invoice := range invoices {
		response = append(response, toInvoiceDTO(invoice, now))
	}
	return response
}

// --- Handlers ---

// HandleListInvoices handles GET /invoices
func (h *InvoiceHandler) HandleListInvoices(w http.ResponseWriter, r *http.Request) {
	claims, ok := getClaims(w, r)
	if !ok {
		return
	}

	invoices, err := h.invoiceService.ListInvoices(r.Context(), claims.UserID)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	WriteJSON(w, http.StatusOK, toInvoiceDTOs(invoices, h.clock.Now()))
}

// HandleCreateInvoice handles POST /invoices
func (h *InvoiceHandler) HandleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	claims, ok := getClaims(w, r)
	if !ok {
		return
	}

	req, err := validation.DecodeAndValidate[CreateInvoiceRequest](r)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	if err := req.Validate(); err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	invoice, err := h.invoiceService.CreateInvoice(r.Context(), ports.CreateInvoiceParams{
		ActorID: claims.UserID,
		Invoice: req.toParams(),
	})
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "invoice created",
		"invoice_id", invoice.ID,
		"number", invoice.Number,
	)

	WriteCreated(w, toInvoiceDTO(invoice, h.clock.Now()))
}

// HandleGetInvoice handles GET /invoices/{invoiceID}
func (h *InvoiceHandler) HandleGetInvoice(w http.ResponseWriter, r *http.Request) {
	claims, ok := getClaims(w, r)
	if !ok {
		return
	}

	invoiceID, err := parseUUIDParam(r, "invoiceID")
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	invoice, err := h.invoiceService.GetInvoice(r.Context(), invoiceID, claims.UserID)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	WriteJSON(w, http.StatusOK, toInvoiceDTO(invoice, h.clock.Now()))
}

// HandleUpdateStatus handles PATCH /invoices/{invoiceID}/status
func (h *InvoiceHandler) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	claims, ok := getClaims(w, r)
	if !ok {
		return
	}

	invoiceID, err := parseUUIDParam(r, "invoiceID")
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	req, err := validation.DecodeAndValidate[UpdateStatusRequest](r)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	if err := req.Validate(); err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	invoice, err := h.invoiceService.UpdateStatus(r.Context(), ports.UpdateStatusParams{
		InvoiceID: invoiceID,
		Status:    domain.InvoiceStatus(req.Status),
		ActorID:   claims.UserID,
	})
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "invoice status updated",
		"invoice_id", invoice.ID,
		"status", invoice.Status,
	)

	WriteJSON(w, http.StatusOK, toInvoiceDTO(invoice, h.clock.Now()))
}

// HandleSendInvoice handles POST /invoices/{invoiceID}/send
func (h *InvoiceHandler) HandleSendInvoice(w http.ResponseWriter, r *http.Request) {
	claims, ok := getClaims(w, r)
	if !ok {
		return
	}

	invoiceID, err := parseUUIDParam(r, "invoiceID")
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	invoice, err := h.invoiceService.SendInvoice(r.Context(), invoiceID, claims.UserID)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "invoice emailed",
		"invoice_id", invoice.ID,
		"email_count", invoice.EmailCount,
	)

	WriteJSON(w, http.StatusOK, toInvoiceDTO(invoice, h.clock.Now()))
}

// HandleDeleteInvoice handles DELETE /invoices/{invoiceID}
func (h *InvoiceHandler) HandleDeleteInvoice(w http.ResponseWriter, r *http.Request) {
	claims, ok := getClaims(w, r)
	if !ok {
		return
	}

	invoiceID, err := parseUUIDParam(r, "invoiceID")
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	if err := h.invoiceService.DeleteInvoice(r.Context(), invoiceID, claims.UserID); err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	WriteNoContent(w)
}

// HandleNextNumber handles GET /invoices/next-number
func (h *InvoiceHandler) HandleNextNumber(w http.ResponseWriter, r *http.Request) {
	claims, ok := getClaims(w, r)
	if !ok {
		return
	}

	number, err := h.invoiceService.NextNumber(r.Context(), claims.UserID)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	WriteJSON(w, http.StatusOK, NextNumberResponse{Number: number})
}

func parseUUIDParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		v := validation.NewValidator()
		v.Custom(name, false, "Invalid ID")
		return uuid.Nil, v.Errors()
	}
	return id, nil
}
