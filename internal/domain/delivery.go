package domain

import (
	"encoding/json"
	"time"
)

// Delivery status values. pending and retrying are in-flight; delivered
// and failed are terminal.
const (
	DeliveryPending   = "pending"
	DeliveryRetrying  = "retrying"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// Delivery is one attempted-or-completed transmission of one event to one
// subscription. The payload is snapshotted at fan-out time and never
// re-read, so later subscription edits do not affect in-flight deliveries.
type Delivery struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscription_id"`
	OrgID          string          `json:"org_id"`
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	Status         string          `json:"status"`
	HTTPStatus     *int            `json:"http_status,omitempty"`
	ResponseBody   *string         `json:"response_body,omitempty"`
	AttemptCount   int             `json:"attempt_count"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
	LastError      *string         `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Terminal reports whether the delivery has reached a final state.
func (d *Delivery) Terminal() bool {
	return d.Status == DeliveryDelivered || d.Status == DeliveryFailed
}
