/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package hooks

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// maxResponseBody caps how much of a subscriber's answer is kept for the
// delivery log.
const maxResponseBody = 1024

type httpDispatcher struct {
	client          *http.Client
	signatureHeader string
	userAgent       string
	now             func() time.Time
}

// Option customises the dispatcher returned by NewDispatcher.
type Option func(*httpDispatcher)

// WithSignatureHeader overrides the header carrying the signature.
func WithSignatureHeader(name string) Option {
	return func(d *httpDispatcher) {
		if name != "" {
			d.signatureHeader = name
		}
	}
}

// WithUserAgent overrides the User-Agent sent to subscribers.
func WithUserAgent(ua string) Option {
	return func(d *httpDispatcher) {
		if ua != "" {
			d.userAgent = ua
		}
	}
}

// WithHTTPClient replaces the underlying client, e.g. for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(d *httpDispatcher) {
		d.client = c
	}
}

// WithClock replaces the time source used for signature timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *httpDispatcher) {
		d.now = now
	}
}

// NewDispatcher returns a Dispatcher that signs and POSTs webhook bodies.
func NewDispatcher(opts ...Option) Dispatcher {
	d := &httpDispatcher{
		client:          &http.Client{},
		signatureHeader: DefaultSignatureHeader,
		userAgent:       DefaultUserAgent,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch performs a single delivery attempt.
//
// Parameters:
// - ctx: The context for the operation. The attempt is additionally bounded by req.Timeout.
// - req: The target, secret and body to send.
//
// Returns:
// - Result: The status code and a truncated response body when the endpoint answered.
// - error: A transport error, a timeout, or a *StatusError for non-2xx answers.
func (d *httpDispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}

	timestamp := d.now().Unix()
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", d.userAgent)
	httpReq.Header.Set(d.signatureHeader, SignatureHeaderValue(req.Secret, timestamp, req.Body))
	httpReq.Header.Set(HeaderEvent, req.EventType)
	httpReq.Header.Set(HeaderDelivery, req.DeliveryID)
	httpReq.Header.Set(HeaderSubscription, req.SubscriptionID)

	logrus.WithFields(logrus.Fields{
		"delivery_id":     req.DeliveryID,
		"subscription_id": req.SubscriptionID,
		"event_type":      req.EventType,
		"url":             req.URL,
	}).Debug("Dispatching webhook")

	started := time.Now()
	resp, err := d.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Duration: time.Since(started)}, fmt.Errorf("webhook request timed out after %s: %w", timeout, ctx.Err())
		}
		return Result{Duration: time.Since(started)}, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logrus.WithError(err).Error("Failed to close response body")
		}
	}()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	result := Result{StatusCode: resp.StatusCode, Body: string(body), Duration: time.Since(started)}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return result, &StatusError{StatusCode: resp.StatusCode, Body: result.Body}
	}

	logrus.WithFields(logrus.Fields{
		"delivery_id": req.DeliveryID,
		"status_code": resp.StatusCode,
		"duration":    result.Duration,
	}).Info("Webhook delivered")
	return result, nil
}
