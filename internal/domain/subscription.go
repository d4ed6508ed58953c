package domain

import (
	"time"
)

// Subscription is one registered endpoint for one organization, plus the
// event types it wants to receive and its current health state. Rows are
// never deleted — deactivation preserves delivery history.
type Subscription struct {
	ID                  string    `json:"id"`
	OrgID               string    `json:"org_id"`
	TargetURL           string    `json:"target_url"`
	Secret              string    `json:"secret,omitempty"`
	EventTypes          []string  `json:"event_types"`
	Description         string    `json:"description,omitempty"`
	Active              bool      `json:"active"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	DisabledReason      *string   `json:"disabled_reason,omitempty"`
	RateLimitPerSecond  int       `json:"rate_limit_per_second"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

type CreateSubscriptionRequest struct {
	OrgID              string   `json:"org_id"`
	TargetURL          string   `json:"target_url"`
	EventTypes         []string `json:"event_types"`
	Description        string   `json:"description,omitempty"`
	RateLimitPerSecond int      `json:"rate_limit_per_second,omitempty"`
}

type UpdateSubscriptionRequest struct {
	TargetURL          *string  `json:"target_url,omitempty"`
	EventTypes         []string `json:"event_types,omitempty"`
	Description        *string  `json:"description,omitempty"`
	Active             *bool    `json:"active,omitempty"`
	RateLimitPerSecond *int     `json:"rate_limit_per_second,omitempty"`
}

// CreateSubscriptionResponse is the only place the shared secret is ever
// exposed. Subsequent reads omit it.
type CreateSubscriptionResponse struct {
	ID         string   `json:"id"`
	OrgID      string   `json:"org_id"`
	TargetURL  string   `json:"target_url"`
	EventTypes []string `json:"event_types"`
	Secret     string   `json:"secret"`
}
