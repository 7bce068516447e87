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

package model

import (
	"encoding/json"
	"errors"
	"net/url"
	"time"

	"github.com/wacul/ptr"
)

const WildcardEvent = "*"

type WebhookSubscription struct {
	SubscriptionID  string     `json:"subscription_id"`
	ClientID        string     `json:"client_id"`
	URL             string     `json:"url"`
	Events          []string   `json:"events"`
	Secret          string     `json:"secret,omitempty"`
	Description     string     `json:"description,omitempty"`
	Active          bool       `json:"active"`
	SuccessCount    int64      `json:"success_count"`
	FailureCount    int64      `json:"failure_count"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Validate checks the subscription target and event list.
func (s *WebhookSubscription) Validate() error {
	u, err := url.Parse(s.URL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("url must be an absolute http or https URL")
	}
	if len(s.Events) == 0 {
		return errors.New("at least one event type is required")
	}
	for _, e := range s.Events {
		if e == "" {
			return errors.New("event types must not be empty")
		}
	}
	return nil
}

// Subscribes reports whether the subscription wants eventType.
func (s *WebhookSubscription) Subscribes(eventType string) bool {
	for _, e := range s.Events {
		if e == eventType || e == WildcardEvent {
			return true
		}
	}
	return false
}

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "PENDING"
	DeliveryDelivered DeliveryStatus = "DELIVERED"
	DeliveryFailed    DeliveryStatus = "FAILED"
)

type WebhookDelivery struct {
	DeliveryID     string          `json:"delivery_id"`
	SubscriptionID string          `json:"subscription_id"`
	ClientID       string          `json:"client_id"`
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	Status         DeliveryStatus  `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	LastHTTPStatus int             `json:"last_http_status,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
}

// RetryPolicy bounds webhook redelivery.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// Backoff returns the delay scheduled after the given number of previous
// failures: BaseDelay * 2^previousFailures, capped at MaxDelay.
func (p RetryPolicy) Backoff(previousFailures int) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < previousFailures; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Exhausted reports whether the delivery may never be attempted again.
func (d *WebhookDelivery) Exhausted(p RetryPolicy) bool {
	return d.Status == DeliveryFailed && d.AttemptCount >= p.MaxAttempts
}

// Retryable reports whether the sweep should pick the delivery up at now.
func (d *WebhookDelivery) Retryable(p RetryPolicy, now time.Time) bool {
	return d.Status == DeliveryFailed && d.AttemptCount < p.MaxAttempts &&
		d.NextRetryAt != nil && !d.NextRetryAt.After(now)
}

// MarkDelivered records a successful attempt.
func (d *WebhookDelivery) MarkDelivered(httpStatus int, at time.Time) {
	d.AttemptCount++
	d.Status = DeliveryDelivered
	d.LastHTTPStatus = httpStatus
	d.LastError = ""
	d.NextRetryAt = nil
	d.DeliveredAt = ptr.Time(at)
}

// MarkFailed records a failed attempt and schedules the next one.
// It returns true when the attempt budget is spent; the delivery is then
// permanently FAILED with no next retry.
func (d *WebhookDelivery) MarkFailed(httpStatus int, reason string, at time.Time, p RetryPolicy) bool {
	previous := d.AttemptCount
	d.AttemptCount++
	d.Status = DeliveryFailed
	d.LastHTTPStatus = httpStatus
	d.LastError = reason

	if d.AttemptCount >= p.MaxAttempts {
		d.NextRetryAt = nil
		return true
	}
	d.NextRetryAt = ptr.Time(at.Add(p.Backoff(previous)))
	return false
}
