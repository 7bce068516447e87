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

package settle

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/internal/hooks"
	redlock "github.com/blnkfinance/settle/internal/lock"
	"github.com/blnkfinance/settle/internal/notification"
	"github.com/blnkfinance/settle/model"
)

// SubscriptionUpdate holds the mutable fields of a subscription. Nil fields
// are left unchanged.
type SubscriptionUpdate struct {
	URL         *string
	Events      []string
	Secret      *string
	Description *string
	Active      *bool
}

func (s *Settle) retryPolicy() model.RetryPolicy {
	return model.RetryPolicy{
		BaseDelay:   s.config.Webhook.BaseBackoff(),
		MaxDelay:    s.config.Webhook.MaxBackoff(),
		MaxAttempts: s.config.Webhook.MaxAttempts,
	}
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(buf), nil
}

// CreateSubscription registers a webhook endpoint for a client. A signing
// secret is generated when none is given.
//
// Parameters:
// - ctx context.Context: The request context.
// - sub *model.WebhookSubscription: The subscription. URL, Events and ClientID are required.
//
// Returns:
// - *model.WebhookSubscription: The stored subscription, including its secret.
// - error: INVALID_INPUT or a persistence error.
func (s *Settle) CreateSubscription(ctx context.Context, sub *model.WebhookSubscription) (*model.WebhookSubscription, error) {
	ctx, span := tracer.Start(ctx, "CreateSubscription")
	defer span.End()

	if sub.ClientID == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "client_id is required", nil)
	}
	if err := sub.Validate(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), nil)
	}
	if sub.Secret == "" {
		secret, err := generateSecret()
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to generate webhook secret", err)
		}
		sub.Secret = secret
	}
	now := s.now()
	sub.SubscriptionID = model.GenerateUUIDWithSuffix("whk")
	sub.Active = true
	sub.SuccessCount = 0
	sub.FailureCount = 0
	sub.CreatedAt = now
	sub.UpdatedAt = now

	if err := s.datasource.CreateSubscription(ctx, sub); err != nil {
		span.RecordError(err)
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"subscription_id": sub.SubscriptionID,
		"client_id":       sub.ClientID,
		"events":          sub.Events,
	}).Info("webhook subscription created")
	return sub, nil
}

// GetSubscription returns a subscription by id.
func (s *Settle) GetSubscription(ctx context.Context, id string) (*model.WebhookSubscription, error) {
	return s.datasource.GetSubscription(ctx, id)
}

// ListSubscriptions returns a page of a client's subscriptions. active filters
// on the active flag when set.
func (s *Settle) ListSubscriptions(ctx context.Context, clientID string, active *bool, page, pageSize int) ([]model.WebhookSubscription, int64, error) {
	page, pageSize = model.Pagination(page, pageSize)
	return s.datasource.ListSubscriptions(ctx, clientID, active, page, pageSize)
}

// UpdateSubscription applies update to a subscription and validates the result.
func (s *Settle) UpdateSubscription(ctx context.Context, id string, update SubscriptionUpdate) (*model.WebhookSubscription, error) {
	sub, err := s.datasource.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if update.URL != nil {
		sub.URL = *update.URL
	}
	if update.Events != nil {
		sub.Events = update.Events
	}
	if update.Secret != nil && *update.Secret != "" {
		sub.Secret = *update.Secret
	}
	if update.Description != nil {
		sub.Description = *update.Description
	}
	if update.Active != nil {
		sub.Active = *update.Active
	}
	if err := sub.Validate(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), nil)
	}
	sub.UpdatedAt = s.now()
	if err := s.datasource.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// DeleteSubscription removes a subscription and its delivery log.
func (s *Settle) DeleteSubscription(ctx context.Context, id string) error {
	return s.datasource.DeleteSubscription(ctx, id)
}

// PublishEvent fans a domain event out to every active subscription of its
// client that listens for the event type. One PENDING delivery is recorded
// per subscription and its first attempt is queued.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - event model.DomainEvent: The event to deliver.
//
// Returns:
// - []model.WebhookDelivery: The deliveries created.
// - error: An error if the subscriptions could not be read.
func (s *Settle) PublishEvent(ctx context.Context, event model.DomainEvent) ([]model.WebhookDelivery, error) {
	ctx, span := tracer.Start(ctx, "PublishEvent")
	defer span.End()

	subs, err := s.datasource.GetActiveSubscriptions(ctx, event.ClientID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var payload []byte
	var deliveries []model.WebhookDelivery
	for i := range subs {
		sub := &subs[i]
		if !sub.Active || !sub.Subscribes(event.Type) {
			continue
		}
		if payload == nil {
			if payload, err = json.Marshal(event); err != nil {
				return nil, err
			}
		}
		delivery, err := s.newDelivery(ctx, sub, event, payload)
		if err != nil {
			if apierror.Is(err, apierror.ErrConflict) {
				continue
			}
			logrus.WithError(err).WithField("subscription_id", sub.SubscriptionID).Error("failed to record webhook delivery")
			continue
		}
		if err := s.queue.EnqueueDelivery(ctx, delivery.DeliveryID); err != nil {
			// The retry sweep attempts PENDING deliveries once they are past the grace period.
			notification.NotifyError(fmt.Errorf("enqueue webhook delivery %s: %w", delivery.DeliveryID, err))
		}
		deliveries = append(deliveries, *delivery)
	}
	return deliveries, nil
}

func (s *Settle) newDelivery(ctx context.Context, sub *model.WebhookSubscription, event model.DomainEvent, payload []byte) (*model.WebhookDelivery, error) {
	delivery := &model.WebhookDelivery{
		DeliveryID:     model.GenerateUUIDWithSuffix("dlv"),
		SubscriptionID: sub.SubscriptionID,
		ClientID:       sub.ClientID,
		EventID:        event.EventID,
		EventType:      event.Type,
		Payload:        payload,
		Status:         model.DeliveryPending,
		CreatedAt:      s.now(),
	}
	if err := s.datasource.CreateDelivery(ctx, delivery); err != nil {
		return nil, err
	}
	return delivery, nil
}

// ProcessDelivery performs the next attempt of a delivery. Delivered and
// exhausted deliveries are returned untouched, as are deliveries whose
// subscription has been deactivated.
func (s *Settle) ProcessDelivery(ctx context.Context, deliveryID string) (*model.WebhookDelivery, error) {
	ctx, span := tracer.Start(ctx, "ProcessDelivery")
	defer span.End()

	locker := redlock.NewLocker(s.redis, "delivery:"+deliveryID, uuid.NewString())
	if err := locker.Lock(ctx, s.config.Webhook.Timeout()*2); err != nil {
		logrus.WithField("delivery_id", deliveryID).Debug("delivery attempt already in progress")
		return nil, nil
	}
	defer func() {
		if err := locker.Unlock(context.Background()); err != nil {
			logrus.WithField("delivery_id", deliveryID).Debug(err)
		}
	}()

	delivery, err := s.datasource.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	policy := s.retryPolicy()
	if delivery.Status == model.DeliveryDelivered || delivery.Exhausted(policy) {
		return delivery, nil
	}

	sub, err := s.datasource.GetSubscription(ctx, delivery.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if !sub.Active {
		logrus.WithField("subscription_id", sub.SubscriptionID).Info("subscription inactive, skipping delivery")
		return delivery, nil
	}
	return s.attemptDelivery(ctx, sub, delivery)
}

// attemptDelivery sends one signed POST and records the outcome.
func (s *Settle) attemptDelivery(ctx context.Context, sub *model.WebhookSubscription, delivery *model.WebhookDelivery) (*model.WebhookDelivery, error) {
	result, err := s.dispatcher.Dispatch(ctx, hooks.Request{
		URL:            sub.URL,
		Secret:         sub.Secret,
		SubscriptionID: sub.SubscriptionID,
		DeliveryID:     delivery.DeliveryID,
		EventType:      delivery.EventType,
		Body:           delivery.Payload,
		Timeout:        s.config.Webhook.Timeout(),
	})

	fields := logrus.Fields{
		"delivery_id":     delivery.DeliveryID,
		"subscription_id": sub.SubscriptionID,
		"event_type":      delivery.EventType,
		"status_code":     result.StatusCode,
	}
	now := s.now()
	policy := s.retryPolicy()
	exhausted := false
	if err == nil {
		delivery.MarkDelivered(result.StatusCode, now)
		logrus.WithFields(fields).Info("webhook delivered")
	} else {
		exhausted = delivery.MarkFailed(result.StatusCode, err.Error(), now, policy)
		fields["attempt"] = delivery.AttemptCount
		logrus.WithError(err).WithFields(fields).Warn("webhook delivery failed")
	}

	if rerr := s.datasource.RecordDeliveryAttempt(ctx, delivery); rerr != nil {
		return nil, rerr
	}

	if exhausted {
		logrus.WithFields(fields).Error("webhook.delivery_exhausted")
		notification.NotifyOperator(notification.Alert{
			Title: "Webhook delivery exhausted",
			Fields: map[string]string{
				"delivery_id":     delivery.DeliveryID,
				"subscription_id": sub.SubscriptionID,
				"url":             sub.URL,
				"event_type":      delivery.EventType,
				"attempts":        strconv.Itoa(delivery.AttemptCount),
				"last_error":      delivery.LastError,
			},
			Time: now,
		})
	}
	return delivery, nil
}

// TriggerTestDelivery sends a webhook.test event to one subscription and
// returns the recorded attempt.
func (s *Settle) TriggerTestDelivery(ctx context.Context, subscriptionID string) (*model.WebhookDelivery, error) {
	ctx, span := tracer.Start(ctx, "TriggerTestDelivery")
	defer span.End()

	sub, err := s.datasource.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	event, err := model.NewDomainEvent(model.EventWebhookTest, sub.ClientID, sub.SubscriptionID, map[string]string{
		"message":         "This is a test event",
		"subscription_id": sub.SubscriptionID,
	}, s.now())
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	delivery, err := s.newDelivery(ctx, sub, event, payload)
	if err != nil {
		return nil, err
	}
	return s.attemptDelivery(ctx, sub, delivery)
}

// ListDeliveries returns a page of a subscription's delivery log, newest first.
func (s *Settle) ListDeliveries(ctx context.Context, subscriptionID string, status model.DeliveryStatus, page, pageSize int) ([]model.WebhookDelivery, int64, error) {
	if _, err := s.datasource.GetSubscription(ctx, subscriptionID); err != nil {
		return nil, 0, err
	}
	page, pageSize = model.Pagination(page, pageSize)
	return s.datasource.ListDeliveries(ctx, subscriptionID, status, page, pageSize)
}
