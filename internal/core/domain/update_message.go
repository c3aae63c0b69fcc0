package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageKind identifies the variant of a real-time update message.
type MessageKind string

const (
	KindInvoiceUpdate MessageKind = "invoice_update"
	KindEmailTracking MessageKind = "email_tracking"
	KindStatusChange  MessageKind = "status_change"
)

// IsValid checks if the kind is one of the known variants.
func (k MessageKind) IsValid() bool {
	switch k {
	case KindInvoiceUpdate, KindEmailTracking, KindStatusChange:
		return true
	}
	return false
}

// EmailEvent is the tracking event reported by an email_tracking message.
type EmailEvent string

const (
	EmailSent      EmailEvent = "sent"
	EmailDelivered EmailEvent = "delivered"
	EmailOpened    EmailEvent = "opened"
	EmailClicked   EmailEvent = "clicked"
	EmailBounced   EmailEvent = "bounced"
)

// IsValid checks if the event is a known tracking event.
func (e EmailEvent) IsValid() bool {
	switch e {
	case EmailSent, EmailDelivered, EmailOpened, EmailClicked, EmailBounced:
		return true
	}
	return false
}

// ErrMalformedMessage is returned for frames that are not valid update messages.
var ErrMalformedMessage = errors.New("malformed update message")

// Payload is the kind-specific body of a Message.
type Payload interface {
	Kind() MessageKind
}

// InvoiceUpdate reports that some field of an invoice changed.
type InvoiceUpdate struct {
	Field string
	Value json.RawMessage
}

func (InvoiceUpdate) Kind() MessageKind { return KindInvoiceUpdate }

// StatusChange reports a new invoice status.
type StatusChange struct {
	Status InvoiceStatus
}

func (StatusChange) Kind() MessageKind { return KindStatusChange }

// EmailTracking reports an email delivery event for an invoice.
type EmailTracking struct {
	Event EmailEvent
	Value json.RawMessage
}

func (EmailTracking) Kind() MessageKind { return KindEmailTracking }

// Message is an invalidation signal for a single invoice. It tells the
// receiver that authoritative state should be re-read; the payload is a hint,
// never a replacement for that read.
type Message struct {
	InvoiceID string
	Timestamp time.Time
	Payload   Payload
}

// Kind returns the variant of the message.
func (m Message) Kind() MessageKind {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.Kind()
}

// NewInvoiceUpdateMessage builds an invoice_update message. value may be nil.
func NewInvoiceUpdateMessage(invoiceID, field string, value any, at time.Time) (Message, error) {
	raw, err := marshalValue(value)
	if err != nil {
		return Message{}, err
	}
	return Message{InvoiceID: invoiceID, Timestamp: at.UTC(), Payload: InvoiceUpdate{Field: field, Value: raw}}, nil
}

// NewStatusChangeMessage builds a status_change message.
func NewStatusChangeMessage(invoiceID string, status InvoiceStatus, at time.Time) Message {
	return Message{InvoiceID: invoiceID, Timestamp: at.UTC(), Payload: StatusChange{Status: status}}
}

// NewEmailTrackingMessage builds an email_tracking message. value may be nil.
func NewEmailTrackingMessage(invoiceID string, event EmailEvent, value any, at time.Time) (Message, error) {
	raw, err := marshalValue(value)
	if err != nil {
		return Message{}, err
	}
	return Message{InvoiceID: invoiceID, Timestamp: at.UTC(), Payload: EmailTracking{Event: event, Value: raw}}, nil
}

// wireMessage is the JSON envelope exchanged with the push origin.
type wireMessage struct {
	Type MessageKind `json:"type"`
	Data *wireData   `json:"data"`
}

type wireData struct {
	InvoiceID string          `json:"invoiceId"`
	Field     string          `json:"field,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// MarshalJSON encodes the message in its wire form.
func (m Message) MarshalJSON() ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}

	data := &wireData{
		InvoiceID: m.InvoiceID,
		Timestamp: m.Timestamp.UTC().Format(time.RFC3339Nano),
	}

	switch p := m.Payload.(type) {
	case InvoiceUpdate:
		data.Field = p.Field
		data.Value = p.Value
	case StatusChange:
		data.Field = "status"
		value, err := json.Marshal(string(p.Status))
		if err != nil {
			return nil, err
		}
		data.Value = value
	case EmailTracking:
		data.Field = string(p.Event)
		data.Value = p.Value
	}

	return json.Marshal(wireMessage{Type: m.Kind(), Data: data})
}

// UnmarshalJSON decodes and validates a wire message.
func (m *Message) UnmarshalJSON(b []byte) error {
	decoded, err := DecodeMessage(b)
	if err != nil {
		return err
	}
	*m = decoded
	return nil
}

// DecodeMessage parses a raw frame into a Message. Any shape mismatch is
// reported as ErrMalformedMessage.
func DecodeMessage(frame []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(frame, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if !w.Type.IsValid() {
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, w.Type)
	}
	if w.Data == nil {
		return Message{}, fmt.Errorf("%w: missing data", ErrMalformedMessage)
	}
	if w.Data.InvoiceID == "" {
		return Message{}, fmt.Errorf("%w: missing invoiceId", ErrMalformedMessage)
	}

	ts, err := time.Parse(time.RFC3339Nano, w.Data.Timestamp)
	if err != nil {
		return Message{}, fmt.Errorf("%w: invalid timestamp %q", ErrMalformedMessage, w.Data.Timestamp)
	}

	value := normalizeValue(w.Data.Value)
	msg := Message{InvoiceID: w.Data.InvoiceID, Timestamp: ts.UTC()}

	switch w.Type {
	case KindInvoiceUpdate:
		msg.Payload = InvoiceUpdate{Field: w.Data.Field, Value: value}

	case KindStatusChange:
		if w.Data.Field != "" && w.Data.Field != "status" {
			return Message{}, fmt.Errorf("%w: status_change field must be \"status\", got %q", ErrMalformedMessage, w.Data.Field)
		}
		var status string
		if value == nil || json.Unmarshal(value, &status) != nil {
			return Message{}, fmt.Errorf("%w: status_change value must be a status string", ErrMalformedMessage)
		}
		if !InvoiceStatus(status).IsValid() {
			return Message{}, fmt.Errorf("%w: unknown status %q", ErrMalformedMessage, status)
		}
		msg.Payload = StatusChange{Status: InvoiceStatus(status)}

	case KindEmailTracking:
		event := EmailEvent(w.Data.Field)
		if event != "" && !event.IsValid() {
			return Message{}, fmt.Errorf("%w: unknown email event %q", ErrMalformedMessage, w.Data.Field)
		}
		msg.Payload = EmailTracking{Event: event, Value: value}
	}

	return msg, nil
}

func (m Message) validate() error {
	if m.Payload == nil {
		return fmt.Errorf("%w: missing payload", ErrMalformedMessage)
	}
	if m.InvoiceID == "" {
		return fmt.Errorf("%w: missing invoiceId", ErrMalformedMessage)
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrMalformedMessage)
	}
	switch p := m.Payload.(type) {
	case StatusChange:
		if !p.Status.IsValid() {
			return fmt.Errorf("%w: unknown status %q", ErrMalformedMessage, p.Status)
		}
	case EmailTracking:
		if p.Event != "" && !p.Event.IsValid() {
			return fmt.Errorf("%w: unknown email event %q", ErrMalformedMessage, p.Event)
		}
	}
	return nil
}

func marshalValue(value any) (json.RawMessage, error) {
	if value == nil {
		return nil, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal message value: %w", err)
	}
	return raw, nil
}

// normalizeValue maps an absent or explicit JSON null value to nil.
func normalizeValue(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return trimmed
}
