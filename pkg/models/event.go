package models

import (
	"time"

	"github.com/google/uuid"
)

// EventSource identifies where a commerce event came from.
type EventSource string

const (
	EventSourceShopify EventSource = "shopify"
	EventSourceCSV     EventSource = "csv"
	EventSourceManual  EventSource = "manual"
	EventSourceTest    EventSource = "test"
)

// EventType is the canonical order lifecycle event.
type EventType string

const (
	EventOrderCreated   EventType = "order_created"
	EventOrderDelivered EventType = "order_delivered"
	EventOrderCancelled EventType = "order_cancelled"
	EventOrderReturned  EventType = "order_returned"
	EventOrderUpdated   EventType = "order_updated"
)

// IsValid returns true if the event type is a known value.
func (t EventType) IsValid() bool {
	switch t {
	case EventOrderCreated, EventOrderDelivered, EventOrderCancelled, EventOrderReturned, EventOrderUpdated:
		return true
	}
	return false
}

// EventCustomer is the customer identity carried by an event.
type EventCustomer struct {
	Phone string `json:"phone,omitempty"`
	Name  string `json:"name,omitempty"`
}

// EventOrder carries order state reported by the source.
type EventOrder struct {
	Status      OrderStatus `json:"status,omitempty"`
	CreatedAt   *time.Time  `json:"created_at,omitempty"`
	DeliveredAt *time.Time  `json:"delivered_at,omitempty"`
}

// EventItem is one order line item.
type EventItem struct {
	ExternalProductID string `json:"external_product_id,omitempty"`
	Name              string `json:"name"`
	Quantity          int    `json:"quantity,omitempty"`
}

// NormalizedEvent is the canonical, source-independent shape of a commerce event.
type NormalizedEvent struct {
	MerchantID      uuid.UUID      `json:"merchant_id"`
	IntegrationID   *uuid.UUID     `json:"integration_id,omitempty"`
	Source          EventSource    `json:"source"`
	EventType       EventType      `json:"event_type"`
	OccurredAt      time.Time      `json:"occurred_at"`
	ExternalOrderID string         `json:"external_order_id"`
	ExternalEventID string         `json:"external_event_id,omitempty"`
	Customer        *EventCustomer `json:"customer,omitempty"`
	Order           *EventOrder    `json:"order,omitempty"`
	Items           []EventItem    `json:"items"`
	ConsentStatus   *ConsentStatus `json:"consent_status,omitempty"`
	IdempotencyKey  string         `json:"idempotency_key"`
}

// Phone returns the event's customer phone or "".
func (e *NormalizedEvent) Phone() string {
	if e.Customer == nil {
		return ""
	}
	return e.Customer.Phone
}

// DeliveredAt returns the delivery timestamp if the event carries one.
func (e *NormalizedEvent) DeliveredAt() *time.Time {
	if e.Order == nil {
		return nil
	}
	return e.Order.DeliveredAt
}

// ExternalEvent is the persisted shadow copy of a NormalizedEvent.
type ExternalEvent struct {
	ID              uuid.UUID        `json:"id"`
	MerchantID      uuid.UUID        `json:"merchant_id"`
	Source          EventSource      `json:"source"`
	EventType       EventType        `json:"event_type"`
	ExternalOrderID string           `json:"external_order_id"`
	IdempotencyKey  string           `json:"idempotency_key"`
	Payload         *NormalizedEvent `json:"payload"`
	ReceivedAt      time.Time        `json:"received_at"`
	ProcessedAt     *time.Time       `json:"processed_at,omitempty"`
	Error           string           `json:"error,omitempty"`
}
