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
package mocks

import (
	"context"
	"time"

	"github.com/blnkfinance/settle/database"
	"github.com/blnkfinance/settle/model"
	"github.com/stretchr/testify/mock"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

var _ database.IDataSource = (*MockDataSource)(nil)

func transactionOrNil(v interface{}) *model.Transaction {
	if v == nil {
		return nil
	}
	return v.(*model.Transaction)
}

// Transaction methods

func (m *MockDataSource) CreateTransaction(ctx context.Context, txn *model.Transaction, initiated model.TransactionEvent) error {
	args := m.Called(ctx, txn, initiated)
	return args.Error(0)
}

func (m *MockDataSource) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	args := m.Called(ctx, id)
	return transactionOrNil(args.Get(0)), args.Error(1)
}

func (m *MockDataSource) GetTransactionByExternalID(ctx context.Context, txnType model.TransactionType, externalID string) (*model.Transaction, error) {
	args := m.Called(ctx, txnType, externalID)
	return transactionOrNil(args.Get(0)), args.Error(1)
}

func (m *MockDataSource) GetTransactionByExternalReference(ctx context.Context, reference string) (*model.Transaction, error) {
	args := m.Called(ctx, reference)
	return transactionOrNil(args.Get(0)), args.Error(1)
}

func (m *MockDataSource) ListTransactions(ctx context.Context, filter database.TransactionFilter) ([]model.Transaction, int64, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).([]model.Transaction), args.Get(1).(int64), args.Error(2)
}

func (m *MockDataSource) AppendTransition(ctx context.Context, write database.TransitionWrite) error {
	args := m.Called(ctx, write)
	return args.Error(0)
}

func (m *MockDataSource) GetTransactionEvents(ctx context.Context, id string, afterSequence int64) ([]model.TransactionEvent, error) {
	args := m.Called(ctx, id, afterSequence)
	return args.Get(0).([]model.TransactionEvent), args.Error(1)
}

func (m *MockDataSource) GetLatestSnapshot(ctx context.Context, id string) (*model.TransactionSnapshot, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TransactionSnapshot), args.Error(1)
}

func (m *MockDataSource) GetExpiredQRTransactions(ctx context.Context, before time.Time, limit int) ([]model.Transaction, error) {
	args := m.Called(ctx, before, limit)
	return args.Get(0).([]model.Transaction), args.Error(1)
}

func (m *MockDataSource) GetStalledTransactions(ctx context.Context, createdBefore time.Time, limit int) ([]model.Transaction, error) {
	args := m.Called(ctx, createdBefore, limit)
	return args.Get(0).([]model.Transaction), args.Error(1)
}

func (m *MockDataSource) GetUnreversedTransactions(ctx context.Context, updatedBefore time.Time, limit int) ([]model.Transaction, error) {
	args := m.Called(ctx, updatedBefore, limit)
	return args.Get(0).([]model.Transaction), args.Error(1)
}

func (m *MockDataSource) ListUnreconciled(ctx context.Context, page, pageSize int) ([]model.Transaction, int64, error) {
	args := m.Called(ctx, page, pageSize)
	return args.Get(0).([]model.Transaction), args.Get(1).(int64), args.Error(2)
}

func (m *MockDataSource) ListOpenInbound(ctx context.Context, currency string, limit int) ([]model.Transaction, error) {
	args := m.Called(ctx, currency, limit)
	return args.Get(0).([]model.Transaction), args.Error(1)
}

func (m *MockDataSource) GetAllTransactions(ctx context.Context, limit, offset int) ([]model.Transaction, error) {
	args := m.Called(ctx, limit, offset)
	return args.Get(0).([]model.Transaction), args.Error(1)
}

// Account methods

func (m *MockDataSource) CreateAccount(ctx context.Context, account *model.Account) error {
	args := m.Called(ctx, account)
	return args.Error(0)
}

func (m *MockDataSource) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Account), args.Error(1)
}

func (m *MockDataSource) ListAccounts(ctx context.Context, clientID string) ([]model.Account, error) {
	args := m.Called(ctx, clientID)
	return args.Get(0).([]model.Account), args.Error(1)
}

func (m *MockDataSource) GetAllAccounts(ctx context.Context, limit, offset int) ([]model.Account, error) {
	args := m.Called(ctx, limit, offset)
	return args.Get(0).([]model.Account), args.Error(1)
}

func (m *MockDataSource) ListActiveAccounts(ctx context.Context, clientID, bankCode string) ([]model.Account, error) {
	args := m.Called(ctx, clientID, bankCode)
	return args.Get(0).([]model.Account), args.Error(1)
}

func (m *MockDataSource) GetSuspenseAccount(ctx context.Context, currency string) (*model.Account, error) {
	args := m.Called(ctx, currency)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Account), args.Error(1)
}

func (m *MockDataSource) GetEntryByCorrelation(ctx context.Context, accountID string, op model.LedgerOperation, correlationID string) (*model.LedgerEntry, error) {
	args := m.Called(ctx, accountID, op, correlationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.LedgerEntry), args.Error(1)
}

func (m *MockDataSource) CommitLedgerWrites(ctx context.Context, writes ...database.LedgerWrite) error {
	args := m.Called(ctx, writes)
	return args.Error(0)
}

func (m *MockDataSource) ListEntries(ctx context.Context, filter model.StatementFilter) ([]model.LedgerEntry, int64, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).([]model.LedgerEntry), args.Get(1).(int64), args.Error(2)
}

// Routing methods

func (m *MockDataSource) GetRoutingConfiguration(ctx context.Context, clientID string) (*model.RoutingConfiguration, error) {
	args := m.Called(ctx, clientID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.RoutingConfiguration), args.Error(1)
}

func (m *MockDataSource) UpsertRoutingConfiguration(ctx context.Context, cfg *model.RoutingConfiguration) error {
	args := m.Called(ctx, cfg)
	return args.Error(0)
}

// Webhook methods

func (m *MockDataSource) CreateSubscription(ctx context.Context, sub *model.WebhookSubscription) error {
	args := m.Called(ctx, sub)
	return args.Error(0)
}

func (m *MockDataSource) GetSubscription(ctx context.Context, id string) (*model.WebhookSubscription, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.WebhookSubscription), args.Error(1)
}

func (m *MockDataSource) ListSubscriptions(ctx context.Context, clientID string, active *bool, page, pageSize int) ([]model.WebhookSubscription, int64, error) {
	args := m.Called(ctx, clientID, active, page, pageSize)
	return args.Get(0).([]model.WebhookSubscription), args.Get(1).(int64), args.Error(2)
}

func (m *MockDataSource) GetActiveSubscriptions(ctx context.Context, clientID string) ([]model.WebhookSubscription, error) {
	args := m.Called(ctx, clientID)
	return args.Get(0).([]model.WebhookSubscription), args.Error(1)
}

func (m *MockDataSource) UpdateSubscription(ctx context.Context, sub *model.WebhookSubscription) error {
	args := m.Called(ctx, sub)
	return args.Error(0)
}

func (m *MockDataSource) DeleteSubscription(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockDataSource) CreateDelivery(ctx context.Context, delivery *model.WebhookDelivery) error {
	args := m.Called(ctx, delivery)
	return args.Error(0)
}

func (m *MockDataSource) GetDelivery(ctx context.Context, id string) (*model.WebhookDelivery, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.WebhookDelivery), args.Error(1)
}

func (m *MockDataSource) RecordDeliveryAttempt(ctx context.Context, delivery *model.WebhookDelivery) error {
	args := m.Called(ctx, delivery)
	return args.Error(0)
}

func (m *MockDataSource) ListDeliveries(ctx context.Context, subscriptionID string, status model.DeliveryStatus, page, pageSize int) ([]model.WebhookDelivery, int64, error) {
	args := m.Called(ctx, subscriptionID, status, page, pageSize)
	return args.Get(0).([]model.WebhookDelivery), args.Get(1).(int64), args.Error(2)
}

func (m *MockDataSource) GetRetryableDeliveries(ctx context.Context, now, pendingBefore time.Time, maxAttempts, limit int) ([]model.WebhookDelivery, error) {
	args := m.Called(ctx, now, pendingBefore, maxAttempts, limit)
	return args.Get(0).([]model.WebhookDelivery), args.Error(1)
}

// Confirmation methods

func (m *MockDataSource) CommitConfirmation(ctx context.Context, commit database.ConfirmationCommit) error {
	args := m.Called(ctx, commit)
	return args.Error(0)
}

func (m *MockDataSource) CommitSuspenseResolution(ctx context.Context, txn *model.Transaction, writes ...database.LedgerWrite) error {
	args := m.Called(ctx, txn, writes)
	return args.Error(0)
}
