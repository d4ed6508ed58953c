package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/martingaam-hue/scr-platform-sub004/internal/domain"
	"github.com/martingaam-hue/scr-platform-sub004/internal/engine"
)

type EventHandler struct {
	fanout *engine.FanOutEngine
}

func NewEventHandler(f *engine.FanOutEngine) *EventHandler {
	return &EventHandler{fanout: f}
}

type publishEventRequest struct {
	OrgID     string          `json:"org_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

type publishEventResponse struct {
	EventID          string `json:"event_id"`
	EventType        string `json:"event_type"`
	DeliveriesQueued int    `json:"deliveries_queued"`
}

// Publish accepts a domain event and fans it out. The response reports how
// many deliveries were queued, not their outcome — delivery is async.
func (h *EventHandler) Publish(w http.ResponseWriter, r *http.Request) {
	var req publishEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.OrgID == "" {
		respondError(w, http.StatusBadRequest, "org_id is required")
		return
	}
	if req.EventType == "" {
		respondError(w, http.StatusBadRequest, "event_type is required")
		return
	}
	if len(req.Payload) == 0 || !json.Valid(req.Payload) {
		respondError(w, http.StatusBadRequest, "payload must be valid JSON")
		return
	}

	event := domain.Event{
		ID:         uuid.NewString(),
		OrgID:      req.OrgID,
		EventType:  req.EventType,
		Payload:    req.Payload,
		OccurredAt: time.Now(),
	}

	queued, err := h.fanout.FanOut(r.Context(), event)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to fan out event")
		return
	}

	respondJSON(w, http.StatusAccepted, publishEventResponse{
		EventID:          event.ID,
		EventType:        event.EventType,
		DeliveriesQueued: queued,
	})
}
