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
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/settle/internal/apierror"
)

// HandleDispatchTask calls the rail for a queued transaction. Errors that a
// retry cannot fix are marked with asynq.SkipRetry.
func (s *Settle) HandleDispatchTask(ctx context.Context, t *asynq.Task) error {
	var payload TransactionTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logrus.Error(err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	err := s.DispatchTransaction(ctx, payload.TransactionID)
	if err == nil {
		logrus.WithField("transaction_id", payload.TransactionID).Info(" [*] Transaction Dispatched")
		return nil
	}
	if apierror.Is(err, apierror.ErrNotFound) || apierror.Is(err, apierror.ErrInvalidTransition) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	logrus.Infof("Transaction %s pushed back for retry due to error: %v", payload.TransactionID, err)
	return err
}

// HandleExpiryTask expires a dynamic QR charge whose deadline has passed.
func (s *Settle) HandleExpiryTask(ctx context.Context, t *asynq.Task) error {
	var payload TransactionTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logrus.Error(err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if _, err := s.ExpireTransaction(ctx, payload.TransactionID); err != nil {
		if apierror.Is(err, apierror.ErrNotFound) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}
	return nil
}

// HandleDeliveryTask makes the first attempt of a webhook delivery. Failed
// attempts are recorded on the delivery and picked up by the retry sweep.
func (s *Settle) HandleDeliveryTask(ctx context.Context, t *asynq.Task) error {
	var payload DeliveryTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logrus.Error(err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	_, err := s.ProcessDelivery(ctx, payload.DeliveryID)
	return err
}

// HandleIndexTask upserts a record into its search collection.
func (s *Settle) HandleIndexTask(ctx context.Context, t *asynq.Task) error {
	if s.search == nil {
		return nil
	}
	var payload IndexTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logrus.Error(err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	var record map[string]interface{}
	if err := json.Unmarshal(payload.Payload, &record); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	if err := s.search.EnsureCollectionsExist(ctx); err != nil {
		logrus.WithError(err).Error("Failed to ensure collections exist")
		return err
	}
	if err := s.search.HandleNotification(ctx, payload.Collection, record); err != nil {
		logrus.WithError(err).WithField("collection", payload.Collection).Error("Error indexing data")
		return err
	}
	logrus.Debugf(" [*] Data indexed %s", payload.Collection)
	return nil
}

// RegisterTaskHandlers binds every Settle task type to mux.
func (s *Settle) RegisterTaskHandlers(mux *asynq.ServeMux) {
	for _, name := range DispatchQueueNames(s.config.Queue) {
		mux.HandleFunc(name, s.HandleDispatchTask)
	}
	mux.HandleFunc(s.config.Queue.ExpiryQueue, s.HandleExpiryTask)
	mux.HandleFunc(s.config.Queue.WebhookQueue, s.HandleDeliveryTask)
	mux.HandleFunc(s.config.Queue.IndexQueue, s.HandleIndexTask)
}

// WorkerQueues returns the asynq queue priorities for the worker server.
func (s *Settle) WorkerQueues() map[string]int {
	queues := map[string]int{
		s.config.Queue.WebhookQueue: 3,
		s.config.Queue.ExpiryQueue:  3,
		s.config.Queue.IndexQueue:   1,
	}
	for _, name := range DispatchQueueNames(s.config.Queue) {
		queues[name] = 2
	}
	return queues
}
