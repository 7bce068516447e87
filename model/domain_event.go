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
	"strings"
	"time"
)

const (
	EventTransactionCreated    = "transaction.created"
	EventTransactionProcessing = "transaction.processing"
	EventTransactionIssued     = "transaction.issued"
	EventTransactionConfirmed  = "transaction.confirmed"
	EventTransactionFailed     = "transaction.failed"
	EventTransactionCancelled  = "transaction.cancelled"
	EventTransactionExpired    = "transaction.expired"
	EventBalanceChanged        = "balance.changed"
	EventSettlementUnmatched   = "settlement.unmatched"
	EventWebhookTest           = "webhook.test"
)

// DomainEvent is what the event bus and webhook subscribers receive.
type DomainEvent struct {
	EventID     string          `json:"event_id"`
	Type        string          `json:"type"`
	ClientID    string          `json:"client_id"`
	AggregateID string          `json:"aggregate_id"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Data        json.RawMessage `json:"data"`
}

func NewDomainEvent(eventType, clientID, aggregateID string, data interface{}, at time.Time) (DomainEvent, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return DomainEvent{}, err
	}
	return DomainEvent{
		EventID:     GenerateUUIDWithSuffix("dev"),
		Type:        eventType,
		ClientID:    clientID,
		AggregateID: aggregateID,
		OccurredAt:  at,
		Data:        raw,
	}, nil
}

// TransactionEventType maps a status to the client-facing event type.
func TransactionEventType(status Status) string {
	return "transaction." + strings.ToLower(string(status))
}

// BalanceChanged is the payload of balance.changed.
type BalanceChanged struct {
	AccountID     string      `json:"account_id"`
	ClientID      string      `json:"client_id"`
	Entry         LedgerEntry `json:"entry"`
	Available     string      `json:"available"`
	Blocked       string      `json:"blocked"`
	Currency      string      `json:"currency"`
	TransactionID string      `json:"transaction_id,omitempty"`
}
