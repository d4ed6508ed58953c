package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/martingaam-hue/scr-platform-sub004/internal/domain"
	"github.com/martingaam-hue/scr-platform-sub004/internal/engine"
)

// fakeDeliveryStore mirrors the real store's transition semantics: reads
// return snapshots, and each Mark transition only wins when both the status
// and the attempt count still match what the caller observed.
type fakeDeliveryStore struct {
	mu         sync.Mutex
	deliveries map[string]*domain.Delivery

	deliveredCalls int
	retryingCalls  int
	failedCalls    int
	droppedCalls   int

	lastErrMsg      string
	lastNextRetryAt time.Time

	loseRace bool
}

func (f *fakeDeliveryStore) GetDelivery(ctx context.Context, id string) (*domain.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.deliveries[id]
	if d == nil {
		return nil, nil
	}
	snapshot := *d
	return &snapshot, nil
}

func (f *fakeDeliveryStore) cas(id string, attempt int) *domain.Delivery {
	d := f.deliveries[id]
	if f.loseRace || d == nil || d.Terminal() || d.AttemptCount != attempt {
		return nil
	}
	return d
}

func (f *fakeDeliveryStore) MarkDelivered(ctx context.Context, id string, attempt int, httpStatus int, responseBody string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveredCalls++
	d := f.cas(id, attempt)
	if d == nil {
		return false, nil
	}
	d.Status = domain.DeliveryDelivered
	d.AttemptCount = attempt + 1
	return true, nil
}

func (f *fakeDeliveryStore) MarkRetrying(ctx context.Context, id string, attempt int, httpStatus *int, responseBody, errMsg string, nextRetryAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retryingCalls++
	d := f.cas(id, attempt)
	if d == nil {
		return false, nil
	}
	f.lastErrMsg = errMsg
	f.lastNextRetryAt = nextRetryAt
	d.Status = domain.DeliveryRetrying
	d.AttemptCount = attempt + 1
	return true, nil
}

func (f *fakeDeliveryStore) MarkFailed(ctx context.Context, id string, attempt int, httpStatus *int, responseBody, errMsg string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failedCalls++
	d := f.cas(id, attempt)
	if d == nil {
		return false, nil
	}
	f.lastErrMsg = errMsg
	d.Status = domain.DeliveryFailed
	d.AttemptCount = attempt + 1
	return true, nil
}

func (f *fakeDeliveryStore) DropDelivery(ctx context.Context, id, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.droppedCalls++
	d := f.deliveries[id]
	if f.loseRace || d == nil || d.Terminal() {
		return false, nil
	}
	f.lastErrMsg = reason
	d.Status = domain.DeliveryFailed
	return true, nil
}

func (f *fakeDeliveryStore) delivery(id string) domain.Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.deliveries[id]
}

type fakeSubStore struct {
	subs map[string]*domain.Subscription

	failures   map[string]int
	resetCalls int

	disabledID     string
	disabledReason string
}

func (f *fakeSubStore) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	return f.subs[id], nil
}

func (f *fakeSubStore) IncrementFailures(ctx context.Context, id string) (int, error) {
	if f.failures == nil {
		f.failures = map[string]int{}
	}
	f.failures[id]++
	return f.failures[id], nil
}

func (f *fakeSubStore) ResetFailures(ctx context.Context, id string) error {
	f.resetCalls++
	if f.failures != nil {
		f.failures[id] = 0
	}
	return nil
}

func (f *fakeSubStore) DisableSubscription(ctx context.Context, id, reason string) (bool, error) {
	f.disabledID = id
	f.disabledReason = reason
	if sub := f.subs[id]; sub != nil {
		sub.Active = false
	}
	return true, nil
}

type fakeSender struct {
	result SendResult
	calls  int
}

func (f *fakeSender) Send(ctx context.Context, req SendRequest) SendResult {
	f.calls++
	return f.result
}

type memQueue struct {
	enqueued []string
	readyAt  []time.Time
}

func (q *memQueue) Enqueue(ctx context.Context, deliveryID string, readyAt time.Time) error {
	q.enqueued = append(q.enqueued, deliveryID)
	q.readyAt = append(q.readyAt, readyAt)
	return nil
}

type denyAllLimiter struct{}

func (denyAllLimiter) Allow(ctx context.Context, subscriptionID string, limit int) bool {
	return limit <= 0
}

type delivererFixture struct {
	deliveries *fakeDeliveryStore
	subs       *fakeSubStore
	sender     *fakeSender
	queue      *memQueue
	deliverer  *Deliverer
}

func newFixture(t *testing.T, result SendResult) *delivererFixture {
	t.Helper()

	deliveries := &fakeDeliveryStore{deliveries: map[string]*domain.Delivery{
		"del-1": {
			ID:             "del-1",
			SubscriptionID: "sub-1",
			OrgID:          "org-1",
			EventID:        "evt-1",
			EventType:      domain.EventDealCreated,
			Payload:        json.RawMessage(`{"deal_id":"deal-1"}`),
			Status:         domain.DeliveryPending,
		},
	}}
	subs := &fakeSubStore{subs: map[string]*domain.Subscription{
		"sub-1": {
			ID:        "sub-1",
			OrgID:     "org-1",
			TargetURL: "http://example.com/hook",
			Secret:    "whsec_test",
			Active:    true,
		},
	}}
	sender := &fakeSender{result: result}
	queue := &memQueue{}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	d := NewDeliverer(DelivererParams{
		Deliveries:       deliveries,
		Subscriptions:    subs,
		Sender:           sender,
		Queue:            queue,
		Backoff:          engine.Backoff{Base: 30 * time.Second, Max: time.Hour},
		MaxAttempts:      6,
		SuspendThreshold: 10,
		Logger:           logger,
	})

	return &delivererFixture{deliveries: deliveries, subs: subs, sender: sender, queue: queue, deliverer: d}
}

func TestDeliverer_SuccessMarksDeliveredAndResetsFailures(t *testing.T) {
	fx := newFixture(t, SendResult{StatusCode: 200, Body: `{"ok":true}`})

	fx.deliverer.Process(context.Background(), "del-1")

	if fx.sender.calls != 1 {
		t.Errorf("expected exactly 1 send, got %d", fx.sender.calls)
	}
	if fx.deliveries.deliveredCalls != 1 {
		t.Errorf("expected MarkDelivered once, got %d", fx.deliveries.deliveredCalls)
	}
	if fx.subs.resetCalls != 1 {
		t.Errorf("expected failure counter reset, got %d resets", fx.subs.resetCalls)
	}
	if got := fx.deliveries.deliveries["del-1"].Status; got != domain.DeliveryDelivered {
		t.Errorf("status = %q, want delivered", got)
	}
}

func TestDeliverer_TransientFailureSchedulesRetry(t *testing.T) {
	fx := newFixture(t, SendResult{StatusCode: 503})
	before := time.Now()

	fx.deliverer.Process(context.Background(), "del-1")

	if fx.deliveries.retryingCalls != 1 {
		t.Fatalf("expected MarkRetrying once, got %d", fx.deliveries.retryingCalls)
	}
	if fx.deliveries.failedCalls != 0 {
		t.Errorf("should not be marked failed on attempt 1 of 6")
	}
	// Backoff for attempt 1 is 30s plus up to 20% jitter
	min := before.Add(30 * time.Second)
	max := time.Now().Add(36 * time.Second)
	if fx.deliveries.lastNextRetryAt.Before(min) || fx.deliveries.lastNextRetryAt.After(max) {
		t.Errorf("next retry %v outside [%v, %v]", fx.deliveries.lastNextRetryAt, min, max)
	}
	if fx.deliveries.lastErrMsg != "HTTP 503" {
		t.Errorf("error message = %q, want HTTP 503", fx.deliveries.lastErrMsg)
	}
}

func TestDeliverer_ExhaustedAttemptsFailAndCount(t *testing.T) {
	fx := newFixture(t, SendResult{StatusCode: 500})
	fx.deliveries.deliveries["del-1"].Status = domain.DeliveryRetrying
	fx.deliveries.deliveries["del-1"].AttemptCount = 5 // this dispatch is attempt 6 of 6

	fx.deliverer.Process(context.Background(), "del-1")

	if fx.deliveries.failedCalls != 1 {
		t.Fatalf("expected MarkFailed once, got %d", fx.deliveries.failedCalls)
	}
	if fx.deliveries.retryingCalls != 0 {
		t.Errorf("exhausted delivery should not be scheduled for retry")
	}
	if fx.subs.failures["sub-1"] != 1 {
		t.Errorf("expected failure counter 1, got %d", fx.subs.failures["sub-1"])
	}
}

func TestDeliverer_PermanentErrorFailsOnFirstAttempt(t *testing.T) {
	fx := newFixture(t, SendResult{Err: errors.New(`unsupported URL scheme "ftp"`), Permanent: true})

	fx.deliverer.Process(context.Background(), "del-1")

	if fx.deliveries.failedCalls != 1 {
		t.Fatalf("expected MarkFailed once, got %d", fx.deliveries.failedCalls)
	}
	if fx.deliveries.retryingCalls != 0 {
		t.Error("permanent failure should never retry")
	}
}

func TestDeliverer_DisabledSubscriptionShortCircuits(t *testing.T) {
	fx := newFixture(t, SendResult{StatusCode: 200})
	fx.subs.subs["sub-1"].Active = false

	fx.deliverer.Process(context.Background(), "del-1")

	if fx.sender.calls != 0 {
		t.Errorf("no outbound call should be made for a disabled subscription, got %d", fx.sender.calls)
	}
	if fx.deliveries.droppedCalls != 1 {
		t.Fatalf("expected DropDelivery once, got %d", fx.deliveries.droppedCalls)
	}
	if fx.deliveries.lastErrMsg != "subscription disabled" {
		t.Errorf("reason = %q, want %q", fx.deliveries.lastErrMsg, "subscription disabled")
	}
	// Administrative drop, not an endpoint failure: neither the health
	// counter nor the attempt count moves.
	if fx.subs.failures["sub-1"] != 0 {
		t.Errorf("failure counter should be untouched, got %d", fx.subs.failures["sub-1"])
	}
	if got := fx.deliveries.delivery("del-1").AttemptCount; got != 0 {
		t.Errorf("no attempt was made, but attempt count = %d", got)
	}
	if got := fx.deliveries.delivery("del-1").Status; got != domain.DeliveryFailed {
		t.Errorf("status = %q, want failed", got)
	}
}

func TestDeliverer_MissingSubscriptionDropsDelivery(t *testing.T) {
	fx := newFixture(t, SendResult{StatusCode: 200})
	delete(fx.subs.subs, "sub-1")

	fx.deliverer.Process(context.Background(), "del-1")

	if fx.sender.calls != 0 {
		t.Error("no outbound call should be made when the subscription is gone")
	}
	if fx.deliveries.droppedCalls != 1 {
		t.Errorf("expected DropDelivery once, got %d", fx.deliveries.droppedCalls)
	}
}

func TestDeliverer_TerminalDeliveryIsNoOp(t *testing.T) {
	fx := newFixture(t, SendResult{StatusCode: 200})
	fx.deliveries.deliveries["del-1"].Status = domain.DeliveryDelivered

	fx.deliverer.Process(context.Background(), "del-1")

	if fx.sender.calls != 0 {
		t.Error("terminal delivery should make no outbound call")
	}
	if fx.deliveries.deliveredCalls+fx.deliveries.retryingCalls+fx.deliveries.failedCalls+fx.deliveries.droppedCalls != 0 {
		t.Error("terminal delivery should write no transitions")
	}
}

func TestDeliverer_UnknownDeliveryIsNoOp(t *testing.T) {
	fx := newFixture(t, SendResult{StatusCode: 200})

	fx.deliverer.Process(context.Background(), "del-missing")

	if fx.sender.calls != 0 {
		t.Error("unknown delivery should make no outbound call")
	}
}

func TestDeliverer_SuspendsAtThreshold(t *testing.T) {
	fx := newFixture(t, SendResult{StatusCode: 500})
	fx.deliveries.deliveries["del-1"].AttemptCount = 5
	fx.deliveries.deliveries["del-1"].Status = domain.DeliveryRetrying
	fx.subs.failures = map[string]int{"sub-1": 9} // this failure is the 10th

	fx.deliverer.Process(context.Background(), "del-1")

	if fx.subs.disabledID != "sub-1" {
		t.Fatalf("subscription should be suspended at threshold, disabled=%q", fx.subs.disabledID)
	}
	if fx.subs.disabledReason != "10 consecutive delivery failures" {
		t.Errorf("reason = %q", fx.subs.disabledReason)
	}
}

func TestDeliverer_BelowThresholdNotSuspended(t *testing.T) {
	fx := newFixture(t, SendResult{StatusCode: 500})
	fx.deliveries.deliveries["del-1"].AttemptCount = 5
	fx.deliveries.deliveries["del-1"].Status = domain.DeliveryRetrying
	fx.subs.failures = map[string]int{"sub-1": 3}

	fx.deliverer.Process(context.Background(), "del-1")

	if fx.subs.disabledID != "" {
		t.Errorf("subscription should not be suspended at 4 failures")
	}
}

func TestDeliverer_LostRaceSkipsSideEffects(t *testing.T) {
	fx := newFixture(t, SendResult{StatusCode: 200})
	fx.deliveries.loseRace = true

	fx.deliverer.Process(context.Background(), "del-1")

	if fx.subs.resetCalls != 0 {
		t.Error("losing the transition race should skip the counter reset")
	}
}

// gatedSender parks every call until released, so two dispatches can be
// held with the same row snapshot in hand.
type gatedSender struct {
	entered chan struct{}
	release chan struct{}
	result  SendResult
}

func (s *gatedSender) Send(ctx context.Context, req SendRequest) SendResult {
	s.entered <- struct{}{}
	<-s.release
	return s.result
}

func TestDeliverer_ConcurrentDispatchesIncrementOnce(t *testing.T) {
	fx := newFixture(t, SendResult{})
	sender := &gatedSender{
		entered: make(chan struct{}, 2),
		release: make(chan struct{}),
		result:  SendResult{StatusCode: 503},
	}

	d := NewDeliverer(DelivererParams{
		Deliveries:       fx.deliveries,
		Subscriptions:    fx.subs,
		Sender:           sender,
		Queue:            fx.queue,
		Backoff:          engine.Backoff{Base: 30 * time.Second, Max: time.Hour},
		MaxAttempts:      6,
		SuspendThreshold: 10,
		Logger:           slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})),
	})

	// A scheduler re-submission racing a still-running dispatch: both load
	// the row at attempt count 0, then both try to record an outcome.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Process(context.Background(), "del-1")
		}()
	}
	<-sender.entered
	<-sender.entered
	close(sender.release)
	wg.Wait()

	if fx.deliveries.retryingCalls != 2 {
		t.Fatalf("both racers should attempt the transition, got %d", fx.deliveries.retryingCalls)
	}
	// Exactly one update wins; the loser affects zero rows.
	got := fx.deliveries.delivery("del-1")
	if got.AttemptCount != 1 {
		t.Errorf("attempt count = %d after one logical attempt window, want 1", got.AttemptCount)
	}
	if got.Status != domain.DeliveryRetrying {
		t.Errorf("status = %q, want retrying", got.Status)
	}
}

func TestDeliverer_RateLimitedDeferralConsumesNoAttempt(t *testing.T) {
	fx := newFixture(t, SendResult{StatusCode: 200})
	fx.subs.subs["sub-1"].RateLimitPerSecond = 1

	limited := NewDeliverer(DelivererParams{
		Deliveries:       fx.deliveries,
		Subscriptions:    fx.subs,
		Sender:           fx.sender,
		Queue:            fx.queue,
		Limiter:          denyAllLimiter{},
		Backoff:          engine.Backoff{Base: 30 * time.Second, Max: time.Hour},
		MaxAttempts:      6,
		SuspendThreshold: 10,
		Logger:           slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})),
	})

	before := time.Now()
	limited.Process(context.Background(), "del-1")

	if fx.sender.calls != 0 {
		t.Error("rate-limited dispatch should make no outbound call")
	}
	if len(fx.queue.enqueued) != 1 || fx.queue.enqueued[0] != "del-1" {
		t.Fatalf("delivery should be re-queued, got %v", fx.queue.enqueued)
	}
	if fx.queue.readyAt[0].Before(before.Add(rateLimitDefer)) {
		t.Errorf("re-queue ready time %v should be at least %v out", fx.queue.readyAt[0], rateLimitDefer)
	}
	if got := fx.deliveries.deliveries["del-1"].AttemptCount; got != 0 {
		t.Errorf("deferral should not consume an attempt, count = %d", got)
	}
}
