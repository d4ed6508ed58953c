package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/martingaam-hue/scr-platform-sub004/internal/domain"
	"github.com/martingaam-hue/scr-platform-sub004/internal/engine"
)

// DeliveryStore is the slice of the delivery record store the deliverer
// needs. The Mark transitions are compare-and-sets against the status and
// attempt count the caller observed; the bool result reports whether this
// caller's update won. DropDelivery terminates without charging an attempt.
type DeliveryStore interface {
	GetDelivery(ctx context.Context, id string) (*domain.Delivery, error)
	MarkDelivered(ctx context.Context, id string, attempt int, httpStatus int, responseBody string) (bool, error)
	MarkRetrying(ctx context.Context, id string, attempt int, httpStatus *int, responseBody, errMsg string, nextRetryAt time.Time) (bool, error)
	MarkFailed(ctx context.Context, id string, attempt int, httpStatus *int, responseBody, errMsg string) (bool, error)
	DropDelivery(ctx context.Context, id, reason string) (bool, error)
}

// SubscriptionStore is the slice of the subscription registry the
// deliverer needs for liveness checks and the health policy.
type SubscriptionStore interface {
	GetSubscription(ctx context.Context, id string) (*domain.Subscription, error)
	IncrementFailures(ctx context.Context, id string) (int, error)
	ResetFailures(ctx context.Context, id string) error
	DisableSubscription(ctx context.Context, id, reason string) (bool, error)
}

// RateLimiter gates dispatches per subscription. May be nil.
type RateLimiter interface {
	Allow(ctx context.Context, subscriptionID string, limit int) bool
}

// rateLimitDefer is how long an over-limit delivery waits before the next
// dispatch attempt. The deferral consumes no retry budget.
const rateLimitDefer = time.Second

// Deliverer executes one delivery attempt end to end: liveness re-check,
// signed send, outcome classification, and the resulting state transition.
type Deliverer struct {
	deliveries       DeliveryStore
	subscriptions    SubscriptionStore
	sender           Sender
	queue            engine.Enqueuer
	limiter          RateLimiter
	backoff          engine.Backoff
	maxAttempts      int
	suspendThreshold int
	logger           *slog.Logger
}

type DelivererParams struct {
	Deliveries       DeliveryStore
	Subscriptions    SubscriptionStore
	Sender           Sender
	Queue            engine.Enqueuer
	Limiter          RateLimiter
	Backoff          engine.Backoff
	MaxAttempts      int
	SuspendThreshold int
	Logger           *slog.Logger
}

func NewDeliverer(p DelivererParams) *Deliverer {
	return &Deliverer{
		deliveries:       p.Deliveries,
		subscriptions:    p.Subscriptions,
		sender:           p.Sender,
		queue:            p.Queue,
		limiter:          p.Limiter,
		backoff:          p.Backoff,
		maxAttempts:      p.MaxAttempts,
		suspendThreshold: p.SuspendThreshold,
		logger:           p.Logger,
	}
}

// Process runs one dispatch for the given delivery ID. It makes at most
// one outbound call. All errors are absorbed here: a delivery that cannot
// progress is logged and left for the retry scheduler or an operator.
func (d *Deliverer) Process(ctx context.Context, deliveryID string) {
	delivery, err := d.deliveries.GetDelivery(ctx, deliveryID)
	if err != nil {
		d.logger.Error("failed to load delivery", "error", err, "delivery_id", deliveryID)
		return
	}
	if delivery == nil {
		d.logger.Warn("delivery not found", "delivery_id", deliveryID)
		return
	}
	if delivery.Terminal() {
		// Duplicate submission lost the race; nothing to do.
		return
	}

	sub, err := d.subscriptions.GetSubscription(ctx, delivery.SubscriptionID)
	if err != nil {
		d.logger.Error("failed to load subscription",
			"error", err,
			"delivery_id", deliveryID,
			"subscription_id", delivery.SubscriptionID,
		)
		return
	}

	// Liveness is re-checked at dispatch time: the subscription may have
	// been disabled between enqueue and execution. This terminal reason
	// touches neither the failure counter nor the attempt count, since no
	// call was made.
	if sub == nil || !sub.Active {
		if _, err := d.deliveries.DropDelivery(ctx, deliveryID, "subscription disabled"); err != nil {
			d.logger.Error("failed to drop delivery", "error", err, "delivery_id", deliveryID)
			return
		}
		d.logger.Info("delivery dropped, subscription disabled",
			"delivery_id", deliveryID,
			"subscription_id", delivery.SubscriptionID,
		)
		return
	}

	if d.limiter != nil && !d.limiter.Allow(ctx, sub.ID, sub.RateLimitPerSecond) {
		if err := d.queue.Enqueue(ctx, deliveryID, time.Now().Add(rateLimitDefer)); err != nil {
			d.logger.Error("failed to requeue rate-limited delivery", "error", err, "delivery_id", deliveryID)
		}
		return
	}

	attempt := delivery.AttemptCount + 1
	result := d.sender.Send(ctx, SendRequest{
		DeliveryID: delivery.ID,
		EventID:    delivery.EventID,
		EventType:  delivery.EventType,
		TargetURL:  sub.TargetURL,
		Secret:     sub.Secret,
		Payload:    delivery.Payload,
		Attempt:    attempt,
	})

	switch {
	case result.Success():
		d.recordDelivered(ctx, delivery, sub, attempt, result)
	case result.Permanent:
		d.recordFailed(ctx, delivery, sub, attempt, result)
	case attempt >= d.maxAttempts:
		d.recordFailed(ctx, delivery, sub, attempt, result)
	default:
		d.recordRetrying(ctx, delivery, attempt, result)
	}
}

func (d *Deliverer) recordDelivered(ctx context.Context, delivery *domain.Delivery, sub *domain.Subscription, attempt int, result SendResult) {
	won, err := d.deliveries.MarkDelivered(ctx, delivery.ID, delivery.AttemptCount, result.StatusCode, result.Body)
	if err != nil {
		d.logger.Error("failed to mark delivery delivered", "error", err, "delivery_id", delivery.ID)
		return
	}
	if !won {
		return
	}

	if err := d.subscriptions.ResetFailures(ctx, sub.ID); err != nil {
		d.logger.Error("failed to reset failure counter", "error", err, "subscription_id", sub.ID)
	}

	d.logger.Info("delivery succeeded",
		"delivery_id", delivery.ID,
		"subscription_id", sub.ID,
		"attempt", attempt,
		"status_code", result.StatusCode,
		"duration_ms", result.Duration.Milliseconds(),
	)
}

func (d *Deliverer) recordRetrying(ctx context.Context, delivery *domain.Delivery, attempt int, result SendResult) {
	nextRetryAt := d.backoff.NextRetryAt(time.Now(), attempt)

	won, err := d.deliveries.MarkRetrying(ctx, delivery.ID, delivery.AttemptCount,
		statusPtr(result), result.Body, errMsg(result), nextRetryAt)
	if err != nil {
		d.logger.Error("failed to mark delivery retrying", "error", err, "delivery_id", delivery.ID)
		return
	}
	if !won {
		return
	}

	d.logger.Warn("delivery failed, will retry",
		"delivery_id", delivery.ID,
		"subscription_id", delivery.SubscriptionID,
		"attempt", attempt,
		"status_code", result.StatusCode,
		"error", errMsg(result),
		"next_retry_at", nextRetryAt,
	)
}

func (d *Deliverer) recordFailed(ctx context.Context, delivery *domain.Delivery, sub *domain.Subscription, attempt int, result SendResult) {
	won, err := d.deliveries.MarkFailed(ctx, delivery.ID, delivery.AttemptCount,
		statusPtr(result), result.Body, errMsg(result))
	if err != nil {
		d.logger.Error("failed to mark delivery failed", "error", err, "delivery_id", delivery.ID)
		return
	}
	if !won {
		return
	}

	d.logger.Warn("delivery failed permanently",
		"delivery_id", delivery.ID,
		"subscription_id", sub.ID,
		"attempt", attempt,
		"status_code", result.StatusCode,
		"error", errMsg(result),
	)

	failures, err := d.subscriptions.IncrementFailures(ctx, sub.ID)
	if err != nil {
		d.logger.Error("failed to increment failure counter", "error", err, "subscription_id", sub.ID)
		return
	}

	if failures >= d.suspendThreshold {
		reason := fmt.Sprintf("%d consecutive delivery failures", failures)
		disabled, err := d.subscriptions.DisableSubscription(ctx, sub.ID, reason)
		if err != nil {
			d.logger.Error("failed to disable subscription", "error", err, "subscription_id", sub.ID)
			return
		}
		if disabled {
			d.logger.Warn("subscription suspended",
				"subscription_id", sub.ID,
				"consecutive_failures", failures,
			)
		}
	}
}

func statusPtr(result SendResult) *int {
	if result.StatusCode == 0 {
		return nil
	}
	code := result.StatusCode
	return &code
}

func errMsg(result SendResult) string {
	if result.Err != nil {
		return result.Err.Error()
	}
	if result.StatusCode != 0 && !result.Success() {
		return fmt.Sprintf("HTTP %d", result.StatusCode)
	}
	return ""
}
