package models

import (
	"time"

	"github.com/google/uuid"
)

// OrderStatus is the last known state of an order.
type OrderStatus string

const (
	OrderStatusCreated   OrderStatus = "created"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusReturned  OrderStatus = "returned"
)

// IsValid returns true if the order status is a known value.
func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderStatusCreated, OrderStatusDelivered, OrderStatusCancelled, OrderStatusReturned:
		return true
	}
	return false
}

// StatusForEvent maps an event to the order status it implies.
// order_updated takes the status reported by the source, defaulting to created.
func StatusForEvent(eventType EventType, reported OrderStatus) OrderStatus {
	switch eventType {
	case EventOrderCreated:
		return OrderStatusCreated
	case EventOrderDelivered:
		return OrderStatusDelivered
	case EventOrderCancelled:
		return OrderStatusCancelled
	case EventOrderReturned:
		return OrderStatusReturned
	case EventOrderUpdated:
		if reported.IsValid() {
			return reported
		}
		return OrderStatusCreated
	}
	return OrderStatusCreated
}

// Order is identified by (MerchantID, ExternalOrderID). Status is last-write-wins.
type Order struct {
	ID              uuid.UUID   `json:"id"`
	MerchantID      uuid.UUID   `json:"merchant_id"`
	UserID          uuid.UUID   `json:"user_id"`
	ExternalOrderID string      `json:"external_order_id"`
	Status          OrderStatus `json:"status"`
	DeliveryDate    *time.Time  `json:"delivery_date,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}
