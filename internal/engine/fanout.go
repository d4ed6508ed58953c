package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/martingaam-hue/scr-platform-sub004/internal/domain"
)

// SubscriptionSource lists the active subscriptions of an org that accept
// a given event type.
type SubscriptionSource interface {
	ActiveSubscriptionsForEvent(ctx context.Context, orgID, eventType string) ([]domain.Subscription, error)
}

// DeliveryCreator records a new pending delivery for one subscription.
type DeliveryCreator interface {
	CreateDelivery(ctx context.Context, sub domain.Subscription, event domain.Event) (*domain.Delivery, error)
}

// FanOutEngine expands one domain event into one delivery per matching
// subscription and queues each for dispatch.
type FanOutEngine struct {
	subs       SubscriptionSource
	deliveries DeliveryCreator
	queue      Enqueuer
	logger     *slog.Logger
}

func NewFanOutEngine(subs SubscriptionSource, deliveries DeliveryCreator, queue Enqueuer, logger *slog.Logger) *FanOutEngine {
	return &FanOutEngine{
		subs:       subs,
		deliveries: deliveries,
		queue:      queue,
		logger:     logger,
	}
}

// FanOut creates and enqueues one pending delivery per matching active
// subscription, returning how many were queued. A failure for one
// subscription is logged and does not block fan-out to the others.
func (f *FanOutEngine) FanOut(ctx context.Context, event domain.Event) (int, error) {
	subs, err := f.subs.ActiveSubscriptionsForEvent(ctx, event.OrgID, event.EventType)
	if err != nil {
		return 0, fmt.Errorf("finding matching subscriptions: %w", err)
	}

	if len(subs) == 0 {
		f.logger.Info("no matching subscriptions",
			"event_id", event.ID,
			"event_type", event.EventType,
			"org_id", event.OrgID,
		)
		return 0, nil
	}

	queued := 0
	for _, sub := range subs {
		delivery, err := f.deliveries.CreateDelivery(ctx, sub, event)
		if err != nil {
			f.logger.Error("failed to create delivery",
				"error", err,
				"event_id", event.ID,
				"subscription_id", sub.ID,
			)
			continue
		}

		if err := f.queue.Enqueue(ctx, delivery.ID, time.Now()); err != nil {
			// Row exists; the retry scheduler cannot see pending rows, so
			// this delivery waits for a manual re-queue. Keep going.
			f.logger.Error("failed to enqueue delivery",
				"error", err,
				"delivery_id", delivery.ID,
				"subscription_id", sub.ID,
			)
			continue
		}
		queued++
	}

	f.logger.Info("fan-out complete",
		"event_id", event.ID,
		"event_type", event.EventType,
		"org_id", event.OrgID,
		"deliveries_queued", queued,
	)
	return queued, nil
}

// Publish is the fire-and-forget entry point for domain modules. It stamps
// the event with an ID and timestamp, fans it out, and never returns an
// error: failures are logged and absorbed here.
func (f *FanOutEngine) Publish(ctx context.Context, orgID, eventType string, payload json.RawMessage) {
	event := domain.Event{
		ID:         uuid.NewString(),
		OrgID:      orgID,
		EventType:  eventType,
		Payload:    payload,
		OccurredAt: time.Now(),
	}

	if _, err := f.FanOut(ctx, event); err != nil {
		f.logger.Error("event fan-out failed",
			"error", err,
			"event_id", event.ID,
			"event_type", eventType,
			"org_id", orgID,
		)
	}
}
