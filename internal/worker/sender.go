package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// SendRequest is everything needed for one signed delivery attempt.
type SendRequest struct {
	DeliveryID string
	EventID    string
	EventType  string
	TargetURL  string
	Secret     string
	Payload    json.RawMessage
	Attempt    int
}

// SendResult is the classified outcome of one attempt. StatusCode is zero
// when no response was received. Permanent marks requests that could not
// even be built — retrying those is pointless.
type SendResult struct {
	StatusCode int
	Body       string
	Err        error
	Permanent  bool
	Duration   time.Duration
}

// Success reports a 2xx response.
func (r SendResult) Success() bool {
	return r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Sender performs one delivery attempt over some transport. HTTPSender is
// the production implementation; alternate transports plug in here without
// touching the delivery state machine.
type Sender interface {
	Send(ctx context.Context, req SendRequest) SendResult
}

// HTTPSender posts signed JSON payloads with a hard timeout and a bounded
// response read.
type HTTPSender struct {
	client       *http.Client
	maxBodyBytes int64
}

func NewHTTPSender(timeout time.Duration, maxBodyBytes int64) *HTTPSender {
	return &HTTPSender{
		client:       &http.Client{Timeout: timeout},
		maxBodyBytes: maxBodyBytes,
	}
}

func (s *HTTPSender) Send(ctx context.Context, req SendRequest) SendResult {
	u, err := url.Parse(req.TargetURL)
	if err != nil {
		return SendResult{Err: fmt.Errorf("parsing target URL: %w", err), Permanent: true}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return SendResult{Err: fmt.Errorf("unsupported URL scheme %q", u.Scheme), Permanent: true}
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	signature := Sign(req.Secret, timestamp, req.Payload)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.TargetURL, bytes.NewReader(req.Payload))
	if err != nil {
		return SendResult{Err: fmt.Errorf("building request: %w", err), Permanent: true}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Webhook-Signature", signature)
	httpReq.Header.Set("X-Webhook-Timestamp", timestamp)
	httpReq.Header.Set("X-Webhook-Delivery", req.DeliveryID)
	httpReq.Header.Set("X-Webhook-Event", req.EventType)
	httpReq.Header.Set("X-Webhook-Attempt", strconv.Itoa(req.Attempt))

	start := time.Now()
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return SendResult{
			Err:      fmt.Errorf("request failed: %w", err),
			Duration: time.Since(start),
		}
	}
	defer resp.Body.Close()

	// Bounded read — a misbehaving endpoint must not grow our memory.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, s.maxBodyBytes))

	return SendResult{
		StatusCode: resp.StatusCode,
		Body:       string(body),
		Duration:   time.Since(start),
	}
}
