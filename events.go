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
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/settle/internal/notification"
	"github.com/blnkfinance/settle/internal/search"
	"github.com/blnkfinance/settle/model"
)

// emit builds a domain event and publishes it. State is already committed
// when emit runs, so failures are logged and reported, never returned.
func (s *Settle) emit(ctx context.Context, eventType, clientID, aggregateID string, data interface{}) {
	event, err := model.NewDomainEvent(eventType, clientID, aggregateID, data, s.now())
	if err != nil {
		logrus.WithError(err).WithField("event_type", eventType).Error("failed to build domain event")
		return
	}
	s.publishEvents(ctx, event)
}

// publishEvents sends each event to the bus and fans it out to webhook subscribers.
func (s *Settle) publishEvents(ctx context.Context, events ...model.DomainEvent) {
	for _, event := range events {
		fields := logrus.Fields{
			"event_id":     event.EventID,
			"event_type":   event.Type,
			"aggregate_id": event.AggregateID,
		}
		if err := s.publisher.Publish(ctx, event.Type, event.EventID, event); err != nil {
			logrus.WithError(err).WithFields(fields).Error("failed to publish domain event")
			notification.NotifyError(fmt.Errorf("publishing %s for %s: %w", event.Type, event.AggregateID, err))
		}
		if event.ClientID == "" {
			continue
		}
		if _, err := s.PublishEvent(ctx, event); err != nil {
			logrus.WithError(err).WithFields(fields).Error("failed to fan out webhook deliveries")
		}
	}
}

func (s *Settle) emitTransaction(ctx context.Context, eventType string, txn *model.Transaction) {
	s.emit(ctx, eventType, txn.ClientID, txn.TransactionID, txn)
	s.index(ctx, search.CollectionTransactions, txn)
}

func (s *Settle) emitBalanceChanged(ctx context.Context, account *model.Account, entry model.LedgerEntry, transactionID string) {
	s.emit(ctx, model.EventBalanceChanged, account.ClientID, account.AccountID, model.BalanceChanged{
		AccountID:     account.AccountID,
		ClientID:      account.ClientID,
		Entry:         entry,
		Available:     account.Available.String(),
		Blocked:       account.Blocked.String(),
		Currency:      account.Currency,
		TransactionID: transactionID,
	})
	s.index(ctx, search.CollectionAccounts, account)
}

func (s *Settle) index(ctx context.Context, collection string, data interface{}) {
	if err := s.queue.EnqueueIndex(ctx, collection, data); err != nil {
		logrus.WithError(err).WithField("collection", collection).Warn("failed to enqueue search indexing")
	}
}
