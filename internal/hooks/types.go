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
	"context"
	"fmt"
	"time"
)

const (
	HeaderEvent        = "X-Settle-Event"
	HeaderDelivery     = "X-Settle-Delivery"
	HeaderSubscription = "X-Settle-Subscription"

	DefaultSignatureHeader = "X-Settle-Signature"
	DefaultUserAgent       = "Settle-Webhooks/1.0"
	DefaultTimeout         = 10 * time.Second
)

// Request is a single signed webhook POST.
type Request struct {
	URL            string        // Subscriber endpoint
	Secret         string        // Shared secret used for the HMAC signature
	SubscriptionID string        // Sent as X-Settle-Subscription
	DeliveryID     string        // Sent as X-Settle-Delivery
	EventType      string        // Sent as X-Settle-Event
	Body           []byte        // Exact bytes that are signed and sent
	Timeout        time.Duration // Per-attempt deadline; DefaultTimeout when zero
}

// Result describes the subscriber's answer.
type Result struct {
	StatusCode int
	Body       string
	Duration   time.Duration
}

// StatusError is returned when the subscriber answers outside 2xx.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook endpoint returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("webhook endpoint returned status %d: %s", e.StatusCode, e.Body)
}

// Dispatcher sends signed webhook requests. Retries are the caller's job,
// Dispatch makes exactly one attempt.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) (Result, error)
}
