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
	"time"

	"github.com/blnkfinance/settle/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	transaction  // Interface for transaction-related operations
	account      // Interface for account and ledger operations
	routing      // Interface for routing configuration operations
	webhook      // Interface for webhook subscription and delivery operations
	confirmation // Interface for settlement confirmation commits
}

// TransactionFilter selects a page of transactions for one client.
type TransactionFilter struct {
	ClientID string
	Status   model.Status
	Page     int
	PageSize int
}

// LedgerWrite is one account mutation committed together with its entry.
// ExpectedVersion is the account version the mutation was computed from.
type LedgerWrite struct {
	Account         *model.Account
	ExpectedVersion int64
	Entry           model.LedgerEntry
}

// TransitionWrite appends one event and moves the projection forward.
// Snapshot is optional.
type TransitionWrite struct {
	Transaction *model.Transaction
	Event       model.TransactionEvent
	Snapshot    *model.TransactionSnapshot
}

// ConfirmationCommit is everything a settlement confirmation changes. When
// Initiated is set the transaction is a new provisional record: it is
// inserted together with its initiated event instead of updated.
type ConfirmationCommit struct {
	Transition TransitionWrite
	Initiated  *model.TransactionEvent
	Ledger     *LedgerWrite
}

// transaction defines methods for handling transactions and their event streams.
type transaction interface {
	CreateTransaction(ctx context.Context, txn *model.Transaction, initiated model.TransactionEvent) error                      // Inserts the projection and its first event
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)                                                  // Retrieves a transaction by ID
	GetTransactionByExternalID(ctx context.Context, txnType model.TransactionType, externalID string) (*model.Transaction, error) // Retrieves a transaction by its client key
	GetTransactionByExternalReference(ctx context.Context, reference string) (*model.Transaction, error)                         // Retrieves a transaction by end-to-end reference
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]model.Transaction, int64, error)                          // Lists a client's transactions newest first
	AppendTransition(ctx context.Context, write TransitionWrite) error                                                           // Appends a status change with an optimistic check
	GetTransactionEvents(ctx context.Context, id string, afterSequence int64) ([]model.TransactionEvent, error)                   // Reads a stream in sequence order
	GetLatestSnapshot(ctx context.Context, id string) (*model.TransactionSnapshot, error)                                        // Latest snapshot or nil
	GetExpiredQRTransactions(ctx context.Context, before time.Time, limit int) ([]model.Transaction, error)                      // Pending dynamic QR charges past their deadline
	GetStalledTransactions(ctx context.Context, createdBefore time.Time, limit int) ([]model.Transaction, error)                 // Undispatched PENDING transactions older than the cutoff
	GetUnreversedTransactions(ctx context.Context, updatedBefore time.Time, limit int) ([]model.Transaction, error)              // FAILED or CANCELLED transactions whose debit was never credited back
	ListUnreconciled(ctx context.Context, page, pageSize int) ([]model.Transaction, int64, error)                                // Provisional records waiting for an operator
	ListOpenInbound(ctx context.Context, currency string, limit int) ([]model.Transaction, error)                                // Open inbound charges for match suggestions
	GetAllTransactions(ctx context.Context, limit, offset int) ([]model.Transaction, error)                                      // Pages through every transaction
}

// account defines methods for handling accounts and the ledger.
type account interface {
	CreateAccount(ctx context.Context, account *model.Account) error                                                                          // Creates a new account
	GetAccount(ctx context.Context, id string) (*model.Account, error)                                                                        // Retrieves an account by ID
	ListAccounts(ctx context.Context, clientID string) ([]model.Account, error)                                                               // Lists a client's accounts
	GetAllAccounts(ctx context.Context, limit, offset int) ([]model.Account, error)                                                           // Pages through every account
	ListActiveAccounts(ctx context.Context, clientID, bankCode string) ([]model.Account, error)                                               // Active accounts ordered by ID, optionally for one bank
	GetSuspenseAccount(ctx context.Context, currency string) (*model.Account, error)                                                          // The suspense account for a currency
	GetEntryByCorrelation(ctx context.Context, accountID string, op model.LedgerOperation, correlationID string) (*model.LedgerEntry, error) // Finds an already recorded entry
	CommitLedgerWrites(ctx context.Context, writes ...LedgerWrite) error                                                                      // Inserts entries and bumps account versions atomically
	ListEntries(ctx context.Context, filter model.StatementFilter) ([]model.LedgerEntry, int64, error)                                        // Statement page
}

// routing defines methods for handling routing configurations.
type routing interface {
	GetRoutingConfiguration(ctx context.Context, clientID string) (*model.RoutingConfiguration, error) // Retrieves a client's configuration
	UpsertRoutingConfiguration(ctx context.Context, cfg *model.RoutingConfiguration) error            // Replaces a client's configuration
}

// webhook defines methods for handling webhook subscriptions and deliveries.
type webhook interface {
	CreateSubscription(ctx context.Context, sub *model.WebhookSubscription) error                                                                      // Creates a subscription
	GetSubscription(ctx context.Context, id string) (*model.WebhookSubscription, error)                                                                // Retrieves a subscription by ID
	ListSubscriptions(ctx context.Context, clientID string, active *bool, page, pageSize int) ([]model.WebhookSubscription, int64, error)              // Lists a client's subscriptions
	GetActiveSubscriptions(ctx context.Context, clientID string) ([]model.WebhookSubscription, error)                                                  // Active subscriptions of a client
	UpdateSubscription(ctx context.Context, sub *model.WebhookSubscription) error                                                                      // Updates mutable fields
	DeleteSubscription(ctx context.Context, id string) error                                                                                            // Deletes a subscription and its deliveries
	CreateDelivery(ctx context.Context, delivery *model.WebhookDelivery) error                                                                         // Records a pending delivery
	GetDelivery(ctx context.Context, id string) (*model.WebhookDelivery, error)                                                                        // Retrieves a delivery by ID
	RecordDeliveryAttempt(ctx context.Context, delivery *model.WebhookDelivery) error                                                                  // Saves an attempt and bumps subscription counters
	ListDeliveries(ctx context.Context, subscriptionID string, status model.DeliveryStatus, page, pageSize int) ([]model.WebhookDelivery, int64, error) // Delivery log, newest first
	GetRetryableDeliveries(ctx context.Context, now, pendingBefore time.Time, maxAttempts, limit int) ([]model.WebhookDelivery, error)                // Failed deliveries due again and PENDING ones never attempted
}

// confirmation defines the atomic settlement commits.
type confirmation interface {
	CommitConfirmation(ctx context.Context, commit ConfirmationCommit) error                                  // Credit and transition in one DB transaction
	CommitSuspenseResolution(ctx context.Context, txn *model.Transaction, writes ...LedgerWrite) error // Moves funds out of suspense and clears the flag
}
