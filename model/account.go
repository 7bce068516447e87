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
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type LedgerOperation string

const (
	OperationCredit  LedgerOperation = "CREDIT"
	OperationDebit   LedgerOperation = "DEBIT"
	OperationBlock   LedgerOperation = "BLOCK"
	OperationUnblock LedgerOperation = "UNBLOCK"
)

// Account is a client's balance at one bank connection.
type Account struct {
	AccountID      string                 `json:"account_id"`
	ClientID       string                 `json:"client_id"`
	BankCode       string                 `json:"bank_code"`
	Name           string                 `json:"name,omitempty"`
	Currency       string                 `json:"currency"`
	Available      decimal.Decimal        `json:"available"`
	Blocked        decimal.Decimal        `json:"blocked"`
	AllowOverdraft bool                   `json:"allow_overdraft"`
	Active         bool                   `json:"active"`
	Suspense       bool                   `json:"suspense"`
	Version        int64                  `json:"version"`
	CreatedAt      time.Time              `json:"created_at"`
	LastUpdated    time.Time              `json:"last_updated"`
	MetaData       map[string]interface{} `json:"meta_data,omitempty"`
}

// LedgerEntry is an append-only record of one balance change.
type LedgerEntry struct {
	EntryID          string          `json:"entry_id"`
	AccountID        string          `json:"account_id"`
	Operation        LedgerOperation `json:"operation"`
	Amount           decimal.Decimal `json:"amount"`
	ResultingBalance decimal.Decimal `json:"resulting_balance"`
	CorrelationID    string          `json:"correlation_id,omitempty"`
	Reason           string          `json:"reason,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Total returns available plus blocked funds.
func (a *Account) Total() decimal.Decimal {
	return a.Available.Add(a.Blocked)
}

// Apply changes the in-memory balances for one ledger operation.
// The account is left untouched when an error is returned.
func (a *Account) Apply(op LedgerOperation, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	switch op {
	case OperationCredit:
		a.Available = a.Available.Add(amount)
	case OperationDebit:
		if !a.AllowOverdraft && a.Available.LessThan(amount) {
			return fmt.Errorf("%w: account %s has %s available, %s requested", ErrInsufficientFunds, a.AccountID, a.Available.String(), amount.String())
		}
		a.Available = a.Available.Sub(amount)
	case OperationBlock:
		if a.Available.LessThan(amount) {
			return fmt.Errorf("%w: cannot block %s on account %s", ErrInsufficientFunds, amount.String(), a.AccountID)
		}
		a.Available = a.Available.Sub(amount)
		a.Blocked = a.Blocked.Add(amount)
	case OperationUnblock:
		if a.Blocked.LessThan(amount) {
			return fmt.Errorf("%w: cannot unblock %s, only %s blocked on account %s", ErrInsufficientFunds, amount.String(), a.Blocked.String(), a.AccountID)
		}
		a.Blocked = a.Blocked.Sub(amount)
		a.Available = a.Available.Add(amount)
	default:
		return fmt.Errorf("unknown ledger operation %q", op)
	}
	return nil
}

// NewLedgerEntry applies op to the account and returns the entry recording it.
// On success the account version is bumped so it can be committed with an
// optimistic check against the previous version.
func NewLedgerEntry(account *Account, op LedgerOperation, amount decimal.Decimal, correlationID, reason string, at time.Time) (LedgerEntry, error) {
	if err := account.Apply(op, amount); err != nil {
		return LedgerEntry{}, err
	}
	account.Version++
	account.LastUpdated = at
	return LedgerEntry{
		EntryID:          GenerateUUIDWithSuffix("ent"),
		AccountID:        account.AccountID,
		Operation:        op,
		Amount:           amount,
		ResultingBalance: account.Available,
		CorrelationID:    correlationID,
		Reason:           reason,
		CreatedAt:        at,
	}, nil
}

// Balance is the read model returned by balance queries.
type Balance struct {
	ClientID    string          `json:"client_id"`
	AccountID   string          `json:"account_id,omitempty"`
	Currency    string          `json:"currency"`
	Available   decimal.Decimal `json:"available"`
	Blocked     decimal.Decimal `json:"blocked"`
	Total       decimal.Decimal `json:"total"`
	LastUpdated time.Time       `json:"last_updated"`
}

type Statement struct {
	ClientID   string        `json:"client_id"`
	AccountID  string        `json:"account_id,omitempty"`
	StartDate  time.Time     `json:"start_date"`
	EndDate    time.Time     `json:"end_date"`
	Entries    []LedgerEntry `json:"entries"`
	Page       int           `json:"page"`
	PageSize   int           `json:"page_size"`
	TotalCount int64         `json:"total_count"`
	TotalPages int           `json:"total_pages"`
}

// StatementFilter selects ledger entries for a statement page.
type StatementFilter struct {
	ClientID  string
	AccountID string
	Start     time.Time
	End       time.Time
	Page      int
	PageSize  int
}
