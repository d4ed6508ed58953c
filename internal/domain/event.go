package domain

import (
	"encoding/json"
	"time"
)

// Recognized event types. The set is a closed, versioned enumeration;
// unknown strings are still stored and fanned out, but a subscription only
// receives types it explicitly lists.
const (
	EventDealCreated       = "deal.created"
	EventDealStageChanged  = "deal.stage_changed"
	EventDealClosed        = "deal.closed"
	EventDocumentUploaded  = "document.uploaded"
	EventComplianceFlagged = "compliance.flagged"
	EventMatchProposed     = "match.proposed"
)

// Event is a domain event as handed to the fan-out engine by a producer
// module. OccurredAt is carried in the payload envelope so subscribers can
// order events themselves; the delivery subsystem guarantees no ordering.
type Event struct {
	ID         string          `json:"id"`
	OrgID      string          `json:"org_id"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}
