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

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/model"
	"github.com/lib/pq"
)

const subscriptionColumns = `subscription_id, client_id, url, events, secret, description, active, success_count, failure_count,
	last_triggered_at, created_at, updated_at`

const deliveryColumns = `delivery_id, subscription_id, client_id, event_id, event_type, payload, status, attempt_count,
	next_retry_at, last_http_status, last_error, created_at, delivered_at`

func scanSubscription(row rowScanner) (*model.WebhookSubscription, error) {
	sub := &model.WebhookSubscription{}
	var events pq.StringArray
	err := row.Scan(&sub.SubscriptionID, &sub.ClientID, &sub.URL, &events, &sub.Secret, &sub.Description, &sub.Active,
		&sub.SuccessCount, &sub.FailureCount, &sub.LastTriggeredAt, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sub.Events = []string(events)
	return sub, nil
}

func scanDelivery(row rowScanner) (*model.WebhookDelivery, error) {
	delivery := &model.WebhookDelivery{}
	var payload []byte
	err := row.Scan(&delivery.DeliveryID, &delivery.SubscriptionID, &delivery.ClientID, &delivery.EventID, &delivery.EventType,
		&payload, &delivery.Status, &delivery.AttemptCount, &delivery.NextRetryAt, &delivery.LastHTTPStatus,
		&delivery.LastError, &delivery.CreatedAt, &delivery.DeliveredAt)
	if err != nil {
		return nil, err
	}
	delivery.Payload = payload
	return delivery, nil
}

func (d Datasource) CreateSubscription(ctx context.Context, sub *model.WebhookSubscription) error {
	ctx, span := tracer.Start(ctx, "Creating webhook subscription")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO settle.webhook_subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, sub.SubscriptionID, sub.ClientID, sub.URL, pq.Array(sub.Events), sub.Secret, sub.Description, sub.Active,
		sub.SuccessCount, sub.FailureCount, sub.LastTriggeredAt, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apierror.NewAPIError(apierror.ErrConflict, "Subscription with this ID already exists", err)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create subscription", err)
	}
	return nil
}

func (d Datasource) GetSubscription(ctx context.Context, id string) (*model.WebhookSubscription, error) {
	row := d.Conn.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM settle.webhook_subscriptions WHERE subscription_id = $1`, id)
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Subscription with ID '%s' not found", id), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve subscription", err)
	}
	return sub, nil
}

func (d Datasource) querySubscriptions(ctx context.Context, query string, args ...interface{}) ([]model.WebhookSubscription, error) {
	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve subscriptions", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	subs := []model.WebhookSubscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan subscription", err)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error iterating subscriptions", err)
	}
	return subs, nil
}

// ListSubscriptions returns a page of a client's subscriptions, newest
// first. A nil active matches both states.
func (d Datasource) ListSubscriptions(ctx context.Context, clientID string, active *bool, page, pageSize int) ([]model.WebhookSubscription, int64, error) {
	var activeArg interface{}
	if active != nil {
		activeArg = *active
	}

	var total int64
	err := d.Conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM settle.webhook_subscriptions
		WHERE client_id = $1 AND ($2::boolean IS NULL OR active = $2)
	`, clientID, activeArg).Scan(&total)
	if err != nil {
		return nil, 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to count subscriptions", err)
	}

	subs, err := d.querySubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM settle.webhook_subscriptions
		WHERE client_id = $1 AND ($2::boolean IS NULL OR active = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, clientID, activeArg, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, err
	}
	return subs, total, nil
}

func (d Datasource) GetActiveSubscriptions(ctx context.Context, clientID string) ([]model.WebhookSubscription, error) {
	return d.querySubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM settle.webhook_subscriptions
		WHERE client_id = $1 AND active = true
		ORDER BY created_at ASC
	`, clientID)
}

func (d Datasource) UpdateSubscription(ctx context.Context, sub *model.WebhookSubscription) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE settle.webhook_subscriptions
		SET url = $2, events = $3, secret = $4, description = $5, active = $6, updated_at = $7
		WHERE subscription_id = $1
	`, sub.SubscriptionID, sub.URL, pq.Array(sub.Events), sub.Secret, sub.Description, sub.Active, sub.UpdatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update subscription", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Subscription with ID '%s' not found", sub.SubscriptionID), nil)
	}
	return nil
}

// DeleteSubscription removes a subscription. Its deliveries go with it via
// the foreign key cascade.
func (d Datasource) DeleteSubscription(ctx context.Context, id string) error {
	result, err := d.Conn.ExecContext(ctx, `DELETE FROM settle.webhook_subscriptions WHERE subscription_id = $1`, id)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to delete subscription", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Subscription with ID '%s' not found", id), nil)
	}
	return nil
}

func (d Datasource) CreateDelivery(ctx context.Context, delivery *model.WebhookDelivery) error {
	ctx, span := tracer.Start(ctx, "Recording webhook delivery")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO settle.webhook_deliveries (`+deliveryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, delivery.DeliveryID, delivery.SubscriptionID, delivery.ClientID, delivery.EventID, delivery.EventType,
		[]byte(delivery.Payload), delivery.Status, delivery.AttemptCount, delivery.NextRetryAt, delivery.LastHTTPStatus,
		delivery.LastError, delivery.CreatedAt, delivery.DeliveredAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apierror.NewAPIError(apierror.ErrConflict, "Delivery already recorded for this event and subscription", err)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record delivery", err)
	}
	return nil
}

func (d Datasource) GetDelivery(ctx context.Context, id string) (*model.WebhookDelivery, error) {
	row := d.Conn.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM settle.webhook_deliveries WHERE delivery_id = $1`, id)
	delivery, err := scanDelivery(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Delivery with ID '%s' not found", id), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve delivery", err)
	}
	return delivery, nil
}

// RecordDeliveryAttempt stores the outcome of one attempt and updates the
// subscription counters in the same database transaction.
func (d Datasource) RecordDeliveryAttempt(ctx context.Context, delivery *model.WebhookDelivery) error {
	ctx, span := tracer.Start(ctx, "Recording webhook attempt")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
		UPDATE settle.webhook_deliveries
		SET status = $2, attempt_count = $3, next_retry_at = $4, last_http_status = $5, last_error = $6, delivered_at = $7
		WHERE delivery_id = $1
	`, delivery.DeliveryID, delivery.Status, delivery.AttemptCount, delivery.NextRetryAt, delivery.LastHTTPStatus,
		delivery.LastError, delivery.DeliveredAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update delivery", err)
	}

	success, failure := 0, 1
	if delivery.Status == model.DeliveryDelivered {
		success, failure = 1, 0
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE settle.webhook_subscriptions
		SET success_count = success_count + $2, failure_count = failure_count + $3, last_triggered_at = $4
		WHERE subscription_id = $1
	`, delivery.SubscriptionID, success, failure, time.Now().UTC())
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update subscription counters", err)
	}

	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transaction", err)
	}
	return nil
}

func (d Datasource) queryDeliveries(ctx context.Context, query string, args ...interface{}) ([]model.WebhookDelivery, error) {
	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve deliveries", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	deliveries := []model.WebhookDelivery{}
	for rows.Next() {
		delivery, err := scanDelivery(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan delivery", err)
		}
		deliveries = append(deliveries, *delivery)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error iterating deliveries", err)
	}
	return deliveries, nil
}

// ListDeliveries returns a page of a subscription's delivery log, newest
// first. An empty status matches every status.
func (d Datasource) ListDeliveries(ctx context.Context, subscriptionID string, status model.DeliveryStatus, page, pageSize int) ([]model.WebhookDelivery, int64, error) {
	var total int64
	err := d.Conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM settle.webhook_deliveries WHERE subscription_id = $1 AND ($2 = '' OR status = $2)
	`, subscriptionID, string(status)).Scan(&total)
	if err != nil {
		return nil, 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to count deliveries", err)
	}

	deliveries, err := d.queryDeliveries(ctx, `
		SELECT `+deliveryColumns+` FROM settle.webhook_deliveries
		WHERE subscription_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, subscriptionID, string(status), pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, err
	}
	return deliveries, total, nil
}

// GetRetryableDeliveries returns failed deliveries whose retry time has come
// and that still have attempts left, together with PENDING deliveries created
// before pendingBefore whose first attempt never ran. Oldest due first.
func (d Datasource) GetRetryableDeliveries(ctx context.Context, now, pendingBefore time.Time, maxAttempts, limit int) ([]model.WebhookDelivery, error) {
	return d.queryDeliveries(ctx, `
		SELECT `+deliveryColumns+` FROM settle.webhook_deliveries
		WHERE (status = 'FAILED' AND next_retry_at IS NOT NULL AND next_retry_at <= $1 AND attempt_count < $2)
		OR (status = 'PENDING' AND created_at <= $3)
		ORDER BY COALESCE(next_retry_at, created_at) ASC, created_at ASC
		LIMIT $4
	`, now, maxAttempts, pendingBefore, limit)
}
