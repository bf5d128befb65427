package order

import "time"

// EventType names an entry in the order_events audit trail.
type EventType string

const (
	EventShipped            EventType = "ORDER_SHIPPED"
	EventDelivered          EventType = "ORDER_DELIVERED"
	EventConfirmed          EventType = "ORDER_CONFIRMED"
	EventCompleted          EventType = "ORDER_COMPLETED"
	EventEscalated          EventType = "ORDER_ESCALATED"
	EventResolved           EventType = "ESCALATION_RESOLVED"
	EventShippingRequested  EventType = "SHIPPING_REQUESTED"
	EventShippingApproved   EventType = "SHIPPING_APPROVED"
	EventDeliveryOptionShip EventType = "DELIVERY_OPTION_SHIP"
)

// Event is appended in the same transaction as the mutation it describes.
type Event struct {
	OrderID string
	Type    EventType
	ActorID *string
	Payload map[string]any
	// CreatedAt is set by the store on read.
	CreatedAt time.Time
}
