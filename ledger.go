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
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/settle/database"
	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/internal/notification"
	"github.com/blnkfinance/settle/internal/search"
	"github.com/blnkfinance/settle/model"
)

// LedgerResult is the outcome of a ledger operation. Replayed is set when
// the correlation id had already been applied and Entry is the original entry.
type LedgerResult struct {
	Entry    model.LedgerEntry `json:"entry"`
	Account  *model.Account    `json:"account,omitempty"`
	Replayed bool              `json:"replayed"`
}

// CreateAccount opens a new, active account for a client with zero balances.
//
// Parameters:
// - ctx context.Context: The request context.
// - account *model.Account: The account to create. ClientID, BankCode and Currency are required.
//
// Returns:
// - *model.Account: The stored account.
// - error: INVALID_INPUT for missing fields, or the datasource error.
func (s *Settle) CreateAccount(ctx context.Context, account *model.Account) (*model.Account, error) {
	ctx, span := tracer.Start(ctx, "CreateAccount")
	defer span.End()

	if account.ClientID == "" || account.BankCode == "" || account.Currency == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "client_id, bank_code and currency are required", nil)
	}
	if account.AccountID == "" {
		account.AccountID = model.GenerateUUIDWithSuffix("acc")
	}
	now := s.now()
	account.Available = decimal.Zero
	account.Blocked = decimal.Zero
	account.Active = true
	account.Version = 0
	account.CreatedAt = now
	account.LastUpdated = now

	if err := s.datasource.CreateAccount(ctx, account); err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.index(ctx, search.CollectionAccounts, account)
	logrus.WithFields(logrus.Fields{
		"account_id": account.AccountID,
		"client_id":  account.ClientID,
		"bank_code":  account.BankCode,
	}).Info("account created")
	return account, nil
}

// GetAccount returns an account by id.
func (s *Settle) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	return s.datasource.GetAccount(ctx, accountID)
}

// ListAccounts returns every account of a client.
func (s *Settle) ListAccounts(ctx context.Context, clientID string) ([]model.Account, error) {
	return s.datasource.ListAccounts(ctx, clientID)
}

// Credit adds amount to the available balance of an account.
func (s *Settle) Credit(ctx context.Context, accountID string, amount decimal.Decimal, reason, correlationID string) (*LedgerResult, error) {
	return s.applyLedgerOperation(ctx, accountID, model.OperationCredit, amount, reason, correlationID)
}

// Debit removes amount from the available balance of an account. It fails
// with INSUFFICIENT_FUNDS, leaving the account untouched, when the account
// cannot cover it.
func (s *Settle) Debit(ctx context.Context, accountID string, amount decimal.Decimal, reason, correlationID string) (*LedgerResult, error) {
	return s.applyLedgerOperation(ctx, accountID, model.OperationDebit, amount, reason, correlationID)
}

// Block moves amount from available to blocked.
func (s *Settle) Block(ctx context.Context, accountID string, amount decimal.Decimal, reason, correlationID string) (*LedgerResult, error) {
	return s.applyLedgerOperation(ctx, accountID, model.OperationBlock, amount, reason, correlationID)
}

// Unblock moves amount from blocked back to available.
func (s *Settle) Unblock(ctx context.Context, accountID string, amount decimal.Decimal, reason, correlationID string) (*LedgerResult, error) {
	return s.applyLedgerOperation(ctx, accountID, model.OperationUnblock, amount, reason, correlationID)
}

// ledgerBackOff retries stale-version conflicts. Every attempt re-reads the
// account, so the retry count bounds contention, not correctness.
func (s *Settle) ledgerBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.config.Ledger.CommitRetries)), ctx)
}

// applyLedgerOperation reads the account, applies op in memory and commits
// the entry together with the version-checked account update.
//
// Parameters:
// - ctx context.Context: The request context.
// - accountID string: The account to mutate.
// - op model.LedgerOperation: CREDIT, DEBIT, BLOCK or UNBLOCK.
// - amount decimal.Decimal: A strictly positive amount.
// - reason string: Free text stored on the entry.
// - correlationID string: Optional idempotency key. A repeated key returns the original entry.
//
// Returns:
// - *LedgerResult: The committed (or replayed) entry.
// - error: INVALID_INPUT, NOT_FOUND, INSUFFICIENT_FUNDS, CONFLICT after exhausting retries, or OUTCOME_UNKNOWN.
func (s *Settle) applyLedgerOperation(ctx context.Context, accountID string, op model.LedgerOperation, amount decimal.Decimal, reason, correlationID string) (*LedgerResult, error) {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("Ledger %s", op))
	defer span.End()

	if !amount.IsPositive() {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, model.ErrInvalidAmount.Error(), nil)
	}

	if correlationID != "" {
		if replay, err := s.replayedEntry(ctx, accountID, op, correlationID); err != nil || replay != nil {
			return replay, err
		}
	}

	var result *LedgerResult
	operation := func() error {
		account, err := s.datasource.GetAccount(ctx, accountID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !account.Active {
			return backoff.Permanent(apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("Account '%s' is inactive", accountID), nil))
		}

		expected := account.Version
		entry, err := model.NewLedgerEntry(account, op, amount, correlationID, reason, s.now())
		if err != nil {
			if errors.Is(err, model.ErrInsufficientFunds) {
				return backoff.Permanent(apierror.NewAPIError(apierror.ErrInsufficientFunds, err.Error(), nil))
			}
			return backoff.Permanent(apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), nil))
		}

		err = s.datasource.CommitLedgerWrites(ctx, database.LedgerWrite{Account: account, ExpectedVersion: expected, Entry: entry})
		if err == nil {
			result = &LedgerResult{Entry: entry, Account: account}
			return nil
		}
		if errors.Is(err, database.ErrStaleVersion) {
			logrus.WithFields(logrus.Fields{"account_id": accountID, "version": expected}).Debug("stale account version, retrying")
			return err
		}
		if errors.Is(err, database.ErrDuplicateEntry) {
			replay, rerr := s.replayedEntry(ctx, accountID, op, correlationID)
			if rerr != nil {
				return backoff.Permanent(rerr)
			}
			if replay == nil {
				return backoff.Permanent(err)
			}
			result = replay
			return nil
		}
		if apierror.Is(err, apierror.ErrOutcomeUnknown) {
			return backoff.Permanent(s.resolveUnknownOutcome(ctx, account, op, amount, correlationID, err, &result))
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(operation, s.ledgerBackOff(ctx)); err != nil {
		span.RecordError(err)
		return nil, err
	}

	if !result.Replayed && result.Account != nil {
		s.emitBalanceChanged(ctx, result.Account, result.Entry, transactionIDFromCorrelation(correlationID))
	}
	return result, nil
}

// replayedEntry returns the recorded entry for a correlation id, or nil when
// none exists yet.
func (s *Settle) replayedEntry(ctx context.Context, accountID string, op model.LedgerOperation, correlationID string) (*LedgerResult, error) {
	entry, err := s.datasource.GetEntryByCorrelation(ctx, accountID, op, correlationID)
	if err != nil {
		if apierror.Is(err, apierror.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"account_id":     accountID,
		"operation":      op,
		"correlation_id": correlationID,
	}).Info("ledger operation already applied")
	return &LedgerResult{Entry: *entry, Replayed: true}, nil
}

// resolveUnknownOutcome handles a commit whose result never came back. When
// the entry is correlated and can be read back, the write did land and is
// reported as applied. Otherwise the operator is alerted and the error is
// surfaced as OUTCOME_UNKNOWN.
func (s *Settle) resolveUnknownOutcome(ctx context.Context, account *model.Account, op model.LedgerOperation, amount decimal.Decimal, correlationID string, cause error, result **LedgerResult) error {
	if correlationID != "" {
		entry, err := s.datasource.GetEntryByCorrelation(ctx, account.AccountID, op, correlationID)
		if err == nil {
			*result = &LedgerResult{Entry: *entry, Account: account}
			return nil
		}
	}
	notification.NotifyOperator(notification.Alert{
		Title: "Ledger write outcome unknown",
		Fields: map[string]string{
			"account_id":     account.AccountID,
			"operation":      string(op),
			"amount":         amount.String(),
			"correlation_id": correlationID,
			"error":          cause.Error(),
		},
		Time: s.now(),
	})
	return cause
}

// transactionIDFromCorrelation extracts the transaction id from correlation
// ids such as "txn_x" or "txn_x:reversal".
func transactionIDFromCorrelation(correlationID string) string {
	for i := 0; i < len(correlationID); i++ {
		if correlationID[i] == ':' {
			return correlationID[:i]
		}
	}
	return correlationID
}

// GetBalance returns the balance of one account, or the aggregate over every
// account of the client when accountID is empty.
//
// Parameters:
// - ctx context.Context: The request context.
// - clientID string: The calling client.
// - accountID string: Optional account filter.
//
// Returns:
// - *model.Balance: Available, blocked and total amounts.
// - error: NOT_FOUND when the account is not the client's, INVALID_INPUT for mixed currencies.
func (s *Settle) GetBalance(ctx context.Context, clientID, accountID string) (*model.Balance, error) {
	ctx, span := tracer.Start(ctx, "GetBalance")
	defer span.End()

	if accountID != "" {
		account, err := s.datasource.GetAccount(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if account.ClientID != clientID {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Account with ID '%s' not found", accountID), nil)
		}
		return &model.Balance{
			ClientID:    clientID,
			AccountID:   account.AccountID,
			Currency:    account.Currency,
			Available:   account.Available,
			Blocked:     account.Blocked,
			Total:       account.Total(),
			LastUpdated: account.LastUpdated,
		}, nil
	}

	accounts, err := s.datasource.ListAccounts(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Client '%s' has no accounts", clientID), nil)
	}

	balance := &model.Balance{ClientID: clientID, Available: decimal.Zero, Blocked: decimal.Zero}
	for _, acc := range accounts {
		if balance.Currency == "" {
			balance.Currency = acc.Currency
		} else if balance.Currency != acc.Currency {
			return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Accounts hold different currencies; pass account_id", nil)
		}
		balance.Available = balance.Available.Add(acc.Available)
		balance.Blocked = balance.Blocked.Add(acc.Blocked)
		if acc.LastUpdated.After(balance.LastUpdated) {
			balance.LastUpdated = acc.LastUpdated
		}
	}
	balance.Total = balance.Available.Add(balance.Blocked)
	return balance, nil
}

// GetStatement returns one page of ledger entries in a date range, newest first.
func (s *Settle) GetStatement(ctx context.Context, filter model.StatementFilter) (*model.Statement, error) {
	ctx, span := tracer.Start(ctx, "GetStatement")
	defer span.End()

	if filter.Start.IsZero() || filter.End.IsZero() {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "start_date and end_date are required", nil)
	}
	if filter.Start.After(filter.End) {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "start_date must not be after end_date", nil)
	}
	if calendarDays(filter.Start, filter.End) > s.config.Ledger.StatementMaxDays {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput,
			fmt.Sprintf("statement range must not exceed %d days", s.config.Ledger.StatementMaxDays), nil)
	}
	if filter.AccountID != "" {
		account, err := s.datasource.GetAccount(ctx, filter.AccountID)
		if err != nil {
			return nil, err
		}
		if account.ClientID != filter.ClientID {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Account with ID '%s' not found", filter.AccountID), nil)
		}
	}

	filter.Page, filter.PageSize = model.Pagination(filter.Page, filter.PageSize)
	entries, total, err := s.datasource.ListEntries(ctx, filter)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &model.Statement{
		ClientID:   filter.ClientID,
		AccountID:  filter.AccountID,
		StartDate:  filter.Start,
		EndDate:    filter.End,
		Entries:    entries,
		Page:       filter.Page,
		PageSize:   filter.PageSize,
		TotalCount: total,
		TotalPages: model.TotalPages(total, filter.PageSize),
	}, nil
}

// calendarDays counts the calendar days from start's date to end's date.
func calendarDays(start, end time.Time) int {
	from := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	to := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	return int(to.Sub(from).Hours() / 24)
}
