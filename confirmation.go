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
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/texttheater/golang-levenshtein/levenshtein"

	"github.com/blnkfinance/settle/database"
	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/internal/broker"
	redlock "github.com/blnkfinance/settle/internal/lock"
	"github.com/blnkfinance/settle/internal/notification"
	"github.com/blnkfinance/settle/internal/search"
	"github.com/blnkfinance/settle/model"
)

const (
	suspenseBankCode     = "SUSPENSE"
	maxMatchSuggestions  = 10
	openInboundScanLimit = 500
)

func confirmationLockKey(reference string) string {
	return "confirmation:" + reference
}

func provisionalExternalID(reference string) string {
	return "settlement:" + reference
}

// HandleConfirmation applies a settlement confirmation reported by a bank.
// Handling the same reference again after it was committed is a no-op that
// returns the confirmed transaction with OutcomeReplayed.
//
// Parameters:
// - ctx context.Context: The request context.
// - c model.SettlementConfirmation: The confirmation as reported by the rail.
//
// Returns:
// - *model.Transaction: The confirmed transaction, or the provisional suspense record.
// - model.ConfirmationOutcome: CONFIRMED, ALREADY_CONFIRMED or UNMATCHED.
// - error: INVALID_INPUT, OUTCOME_UNKNOWN or a persistence error.
func (s *Settle) HandleConfirmation(ctx context.Context, c model.SettlementConfirmation) (*model.Transaction, model.ConfirmationOutcome, error) {
	ctx, span := tracer.Start(ctx, "HandleConfirmation")
	defer span.End()

	if err := c.Validate(); err != nil {
		return nil, "", apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), nil)
	}
	if c.ConfirmedAt.IsZero() {
		c.ConfirmedAt = s.now()
	}

	var (
		txn     *model.Transaction
		outcome model.ConfirmationOutcome
	)
	err := redlock.WithLock(ctx, s.redis, confirmationLockKey(c.ExternalReference),
		s.config.Transaction.LockDuration(), s.config.Transaction.LockWait(), func() error {
			operation := func() error {
				var err error
				txn, outcome, err = s.applyConfirmation(ctx, c)
				if err != nil && !errors.Is(err, database.ErrStaleVersion) {
					return backoff.Permanent(err)
				}
				return err
			}
			return backoff.Retry(operation, s.ledgerBackOff(ctx))
		})
	if err != nil {
		span.RecordError(err)
		if apierror.Is(err, apierror.ErrOutcomeUnknown) {
			notification.NotifyOperator(notification.Alert{
				Title: "Settlement confirmation outcome unknown",
				Fields: map[string]string{
					"external_reference": c.ExternalReference,
					"amount":             c.Amount.String(),
					"error":              err.Error(),
				},
			})
		}
		return nil, "", err
	}

	logrus.WithFields(logrus.Fields{
		"external_reference": c.ExternalReference,
		"transaction_id":     txn.TransactionID,
		"outcome":            outcome,
	}).Info("settlement confirmation handled")
	return txn, outcome, nil
}

func (s *Settle) applyConfirmation(ctx context.Context, c model.SettlementConfirmation) (*model.Transaction, model.ConfirmationOutcome, error) {
	txn, err := s.datasource.GetTransactionByExternalReference(ctx, c.ExternalReference)
	if err != nil {
		if apierror.Is(err, apierror.ErrNotFound) {
			return s.recordUnmatched(ctx, c, nil)
		}
		return nil, "", err
	}
	if txn.Status == model.StatusConfirmed {
		return txn, model.OutcomeReplayed, nil
	}
	if txn.Status.IsTerminal() {
		return s.recordUnmatched(ctx, c, txn)
	}

	if !c.Amount.Equal(txn.Amount) {
		logrus.WithFields(logrus.Fields{
			"transaction_id": txn.TransactionID,
			"expected":       txn.Amount.String(),
			"settled":        c.Amount.String(),
		}).Warn("settled amount differs from transaction amount")
	}

	now := s.now()
	event, err := model.NewStatusChangedEvent(*txn, model.StatusConfirmed, "settlement confirmed", nil, now)
	if err != nil {
		return nil, "", invalidTransition(err)
	}
	next, err := model.ApplyEvent(txn, event)
	if err != nil {
		return nil, "", invalidTransition(err)
	}
	commit := database.ConfirmationCommit{
		Transition: database.TransitionWrite{Transaction: &next, Event: event, Snapshot: s.snapshotFor(next)},
	}

	var (
		account *model.Account
		entry   model.LedgerEntry
	)
	if txn.IsInboundCharge() {
		account, err = s.datasource.GetAccount(ctx, txn.AccountID)
		if err != nil {
			return nil, "", err
		}
		expected := account.Version
		entry, err = model.NewLedgerEntry(account, model.OperationCredit, c.Amount, txn.TransactionID,
			"settlement "+c.ExternalReference, now)
		if err != nil {
			return nil, "", apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), nil)
		}
		commit.Ledger = &database.LedgerWrite{Account: account, ExpectedVersion: expected, Entry: entry}
	}

	if err := s.datasource.CommitConfirmation(ctx, commit); err != nil {
		return nil, "", err
	}

	if account != nil {
		s.emitBalanceChanged(ctx, account, entry, txn.TransactionID)
	}
	s.emitTransaction(ctx, model.EventTransactionConfirmed, &next)
	return &next, model.OutcomeConfirmed, nil
}

// recordUnmatched parks the funds of a confirmation nobody can claim on the
// suspense account: a provisional CONFIRMED record is created together with
// the suspense credit and flagged for reconciliation.
func (s *Settle) recordUnmatched(ctx context.Context, c model.SettlementConfirmation, original *model.Transaction) (*model.Transaction, model.ConfirmationOutcome, error) {
	existing, err := s.datasource.GetTransactionByExternalID(ctx, model.TypeInstantTransfer, provisionalExternalID(c.ExternalReference))
	if err == nil {
		return existing, model.OutcomeReplayed, nil
	}
	if !apierror.Is(err, apierror.ErrNotFound) {
		return nil, "", err
	}

	currency := c.Currency
	if currency == "" && original != nil {
		currency = original.Currency
	}
	if currency == "" {
		return nil, "", apierror.NewAPIError(apierror.ErrInvalidInput, "currency is required for a confirmation without a matching transaction", nil)
	}

	suspense, err := s.suspenseAccount(ctx, currency)
	if err != nil {
		return nil, "", err
	}

	reason := "no transaction for reference"
	if original != nil {
		reason = fmt.Sprintf("transaction %s is %s", original.TransactionID, original.Status)
	}

	now := s.now()
	bankCode := c.BankCode
	if bankCode == "" {
		bankCode = suspense.BankCode
	}
	provisional := model.Transaction{
		TransactionID: model.GenerateUUIDWithSuffix("txn"),
		ExternalID:    provisionalExternalID(c.ExternalReference),
		ClientID:      suspense.ClientID,
		Type:          model.TypeInstantTransfer,
		Status:        model.StatusPending,
		Amount:        c.Amount,
		Currency:      currency,
		AccountID:     suspense.AccountID,
		BankCode:      bankCode,
		Details: model.TransactionDetails{InstantTransfer: &model.InstantTransferDetails{
			TargetKey:      c.ExternalReference,
			TargetName:     c.CounterpartyName,
			TargetDocument: c.CounterpartyDocument,
		}},
		ExternalReference:   c.ExternalReference,
		Message:             reason,
		Provisional:         true,
		NeedsReconciliation: true,
		Version:             1,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	initiated := model.NewInitiatedEvent(provisional, now)
	event, err := model.NewStatusChangedEvent(provisional, model.StatusConfirmed, "unmatched settlement: "+reason, nil, now)
	if err != nil {
		return nil, "", invalidTransition(err)
	}
	confirmed, err := model.ApplyEvent(&provisional, event)
	if err != nil {
		return nil, "", invalidTransition(err)
	}

	expected := suspense.Version
	entry, err := model.NewLedgerEntry(suspense, model.OperationCredit, c.Amount, confirmed.TransactionID,
		"unmatched settlement "+c.ExternalReference, now)
	if err != nil {
		return nil, "", apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), nil)
	}

	err = s.datasource.CommitConfirmation(ctx, database.ConfirmationCommit{
		Transition: database.TransitionWrite{Transaction: &confirmed, Event: event},
		Initiated:  &initiated,
		Ledger:     &database.LedgerWrite{Account: suspense, ExpectedVersion: expected, Entry: entry},
	})
	if err != nil {
		if apierror.Is(err, apierror.ErrConflict) && !errors.Is(err, database.ErrStaleVersion) {
			if winner, gerr := s.datasource.GetTransactionByExternalID(ctx, model.TypeInstantTransfer, provisionalExternalID(c.ExternalReference)); gerr == nil {
				return winner, model.OutcomeReplayed, nil
			}
		}
		return nil, "", err
	}

	notification.NotifyOperator(notification.Alert{
		Title: "Unmatched settlement parked in suspense",
		Fields: map[string]string{
			"external_reference": c.ExternalReference,
			"amount":             c.Amount.String(),
			"currency":           currency,
			"provisional_id":     confirmed.TransactionID,
			"reason":             reason,
		},
		Time: now,
	})
	s.emitBalanceChanged(ctx, suspense, entry, confirmed.TransactionID)
	s.emit(ctx, model.EventSettlementUnmatched, suspense.ClientID, confirmed.TransactionID, confirmed)
	s.index(ctx, search.CollectionTransactions, &confirmed)
	return &confirmed, model.OutcomeUnmatched, nil
}

// suspenseAccount returns the account unmatched funds are credited to. The
// configured account wins; otherwise one per currency is created on first use.
func (s *Settle) suspenseAccount(ctx context.Context, currency string) (*model.Account, error) {
	if id := s.config.Ledger.SuspenseAccountID; id != "" {
		return s.datasource.GetAccount(ctx, id)
	}

	account, err := s.datasource.GetSuspenseAccount(ctx, currency)
	if err == nil {
		return account, nil
	}
	if !apierror.Is(err, apierror.ErrNotFound) {
		return nil, err
	}

	now := s.now()
	account = &model.Account{
		AccountID:   "suspense_" + strings.ToLower(currency),
		ClientID:    s.config.Ledger.SuspenseClientID,
		BankCode:    suspenseBankCode,
		Name:        "Suspense " + currency,
		Currency:    currency,
		Available:   decimal.Zero,
		Blocked:     decimal.Zero,
		Active:      true,
		Suspense:    true,
		CreatedAt:   now,
		LastUpdated: now,
	}
	if err := s.datasource.CreateAccount(ctx, account); err != nil {
		if !apierror.Is(err, apierror.ErrConflict) {
			return nil, err
		}
		return s.datasource.GetAccount(ctx, account.AccountID)
	}
	logrus.WithFields(logrus.Fields{"account_id": account.AccountID, "currency": currency}).Info("suspense account created")
	return account, nil
}

// ConfirmationHandler adapts HandleConfirmation to the message bus consumer.
// Malformed or invalid messages are rejected as poison; everything else that
// fails is requeued.
func (s *Settle) ConfirmationHandler() broker.Handler {
	return func(ctx context.Context, body []byte) error {
		var c model.SettlementConfirmation
		if err := json.Unmarshal(body, &c); err != nil {
			return fmt.Errorf("%w: %v", broker.ErrPoison, err)
		}
		_, _, err := s.HandleConfirmation(ctx, c)
		if apierror.Is(err, apierror.ErrInvalidInput) {
			return fmt.Errorf("%w: %v", broker.ErrPoison, err)
		}
		return err
	}
}

// ListUnreconciled returns provisional records still waiting for an operator.
func (s *Settle) ListUnreconciled(ctx context.Context, page, pageSize int) ([]model.Transaction, int64, error) {
	page, pageSize = model.Pagination(page, pageSize)
	return s.datasource.ListUnreconciled(ctx, page, pageSize)
}

// SuggestMatches ranks open inbound transactions that could be the intended
// target of a provisional record. Equal amounts weigh most; counterparty
// names are compared with a Levenshtein ratio.
//
// Parameters:
// - ctx context.Context: The request context.
// - provisionalID string: The provisional suspense record.
//
// Returns:
// - []model.MatchSuggestion: At most ten candidates, best first.
// - error: NOT_FOUND, or INVALID_INPUT when the record does not need reconciliation.
func (s *Settle) SuggestMatches(ctx context.Context, provisionalID string) ([]model.MatchSuggestion, error) {
	ctx, span := tracer.Start(ctx, "SuggestMatches")
	defer span.End()

	provisional, err := s.datasource.GetTransaction(ctx, provisionalID)
	if err != nil {
		return nil, err
	}
	if !provisional.NeedsReconciliation {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("Transaction '%s' does not need reconciliation", provisionalID), nil)
	}

	open, err := s.datasource.ListOpenInbound(ctx, provisional.Currency, openInboundScanLimit)
	if err != nil {
		return nil, err
	}

	name := counterpartyName(provisional)
	suggestions := make([]model.MatchSuggestion, 0, len(open))
	for _, candidate := range open {
		amountMatch := candidate.Amount.Equal(provisional.Amount)
		nameScore := nameSimilarity(name, counterpartyName(&candidate))
		score := 0.4 * nameScore
		if amountMatch {
			score += 0.6
		}
		if score == 0 {
			continue
		}
		suggestions = append(suggestions, model.MatchSuggestion{
			Transaction: candidate,
			Score:       score,
			AmountMatch: amountMatch,
			NameScore:   nameScore,
		})
	}
	sort.SliceStable(suggestions, func(i, j int) bool { return suggestions[i].Score > suggestions[j].Score })
	if len(suggestions) > maxMatchSuggestions {
		suggestions = suggestions[:maxMatchSuggestions]
	}
	return suggestions, nil
}

func counterpartyName(txn *model.Transaction) string {
	switch {
	case txn.Details.BillPayment != nil:
		return txn.Details.BillPayment.PayerName
	case txn.Details.InstantTransfer != nil:
		return txn.Details.InstantTransfer.TargetName
	case txn.Details.WireTransfer != nil:
		return txn.Details.WireTransfer.Name
	}
	return ""
}

// nameSimilarity returns a case-insensitive Levenshtein ratio in [0, 1].
func nameSimilarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return 0
	}
	return levenshtein.RatioForStrings([]rune(a), []rune(b), levenshtein.DefaultOptions)
}

// ResolveSuspense moves the funds of a provisional record from the suspense
// account to the account they belong to and clears its reconciliation flag.
//
// Parameters:
// - ctx context.Context: The request context.
// - provisionalID string: The provisional suspense record.
// - targetAccountID string: The account that should have received the funds.
//
// Returns:
// - *model.Transaction: The resolved record.
// - error: NOT_FOUND, INVALID_INPUT for a currency mismatch, INVALID_TRANSITION when already resolved.
func (s *Settle) ResolveSuspense(ctx context.Context, provisionalID, targetAccountID string) (*model.Transaction, error) {
	ctx, span := tracer.Start(ctx, "ResolveSuspense")
	defer span.End()

	var resolved *model.Transaction
	err := s.withTransactionLock(ctx, provisionalID, func() error {
		operation := func() error {
			txn, err := s.resolveOnce(ctx, provisionalID, targetAccountID)
			if err != nil {
				if errors.Is(err, database.ErrStaleVersion) && !apierror.Is(err, apierror.ErrInvalidTransition) {
					return err
				}
				return backoff.Permanent(err)
			}
			resolved = txn
			return nil
		}
		return backoff.Retry(operation, s.ledgerBackOff(ctx))
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return resolved, nil
}

func (s *Settle) resolveOnce(ctx context.Context, provisionalID, targetAccountID string) (*model.Transaction, error) {
	provisional, err := s.datasource.GetTransaction(ctx, provisionalID)
	if err != nil {
		return nil, err
	}
	if !provisional.NeedsReconciliation {
		return nil, apierror.NewAPIError(apierror.ErrInvalidTransition, fmt.Sprintf("Transaction '%s' is not awaiting reconciliation", provisionalID), nil)
	}

	target, err := s.datasource.GetAccount(ctx, targetAccountID)
	if err != nil {
		return nil, err
	}
	if target.Suspense || !target.Active {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "target account must be an active client account", nil)
	}
	if target.Currency != provisional.Currency {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput,
			fmt.Sprintf("target account holds %s, record is in %s", target.Currency, provisional.Currency), nil)
	}

	suspense, err := s.datasource.GetAccount(ctx, provisional.AccountID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	correlationID := provisional.TransactionID + ":resolve"
	reason := "suspense resolution of " + provisional.ExternalReference

	suspenseVersion := suspense.Version
	debit, err := model.NewLedgerEntry(suspense, model.OperationDebit, provisional.Amount, correlationID, reason, now)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInsufficientFunds, err.Error(), nil)
	}
	targetVersion := target.Version
	credit, err := model.NewLedgerEntry(target, model.OperationCredit, provisional.Amount, correlationID, reason, now)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), nil)
	}

	updated := *provisional
	updated.AccountID = target.AccountID
	updated.BankCode = target.BankCode
	updated.NeedsReconciliation = false
	updated.UpdatedAt = now

	err = s.datasource.CommitSuspenseResolution(ctx, &updated,
		database.LedgerWrite{Account: suspense, ExpectedVersion: suspenseVersion, Entry: debit},
		database.LedgerWrite{Account: target, ExpectedVersion: targetVersion, Entry: credit},
	)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"transaction_id": provisional.TransactionID,
		"target_account": target.AccountID,
		"amount":         provisional.Amount.String(),
	}).Info("suspense record resolved")
	s.emitBalanceChanged(ctx, suspense, debit, provisional.TransactionID)
	s.emitBalanceChanged(ctx, target, credit, provisional.TransactionID)
	s.index(ctx, search.CollectionTransactions, &updated)
	return &updated, nil
}
