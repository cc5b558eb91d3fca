package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a finance lifecycle event.
type EventType string

const (
	// Tenant lifecycle
	EventTenantRegistered   EventType = "finance.tenant.registered"
	EventTenantUnregistered EventType = "finance.tenant.unregistered"

	// Enforcement
	EventResourcesPaused  EventType = "finance.resources.paused"
	EventResourcesResumed EventType = "finance.resources.resumed"

	// Ledger
	EventInvoiceCreated EventType = "finance.invoice.created"
	EventInvoiceSettled EventType = "finance.invoice.settled"
	EventCreditsAdded   EventType = "finance.credits.added"
)

// AllEventTypes lists every type published by the service.
var AllEventTypes = []EventType{
	EventTenantRegistered,
	EventTenantUnregistered,
	EventResourcesPaused,
	EventResourcesResumed,
	EventInvoiceCreated,
	EventInvoiceSettled,
	EventCreditsAdded,
}

// Event is a single occurrence published on the bus.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time

	// TenantID is "user@provider"; empty for system events.
	TenantID string

	Payload map[string]interface{}
}

// NewEvent stamps a new event with a random ID and the current time.
func NewEvent(eventType EventType, tenantID string, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		TenantID:  tenantID,
		Payload:   payload,
	}
}
