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

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/settle/database"
	"github.com/blnkfinance/settle/internal/apierror"
	redlock "github.com/blnkfinance/settle/internal/lock"
	"github.com/blnkfinance/settle/internal/notification"
	"github.com/blnkfinance/settle/model"
	"github.com/blnkfinance/settle/rails"
)

// NewTransaction is a client's request to move money.
type NewTransaction struct {
	ExternalID  string                   `json:"external_id"`
	ClientID    string                   `json:"client_id"`
	Type        model.TransactionType    `json:"type"`
	Amount      decimal.Decimal          `json:"amount"`
	Currency    string                   `json:"currency"`
	BankCode    string                   `json:"bank_code,omitempty"`
	Description string                   `json:"description,omitempty"`
	Details     model.TransactionDetails `json:"details"`
}

const expirySweepBatch = 100

func transactionLockKey(id string) string {
	return "transaction:" + id
}

func (s *Settle) withTransactionLock(ctx context.Context, id string, fn func() error) error {
	return redlock.WithLock(ctx, s.redis, transactionLockKey(id),
		s.config.Transaction.LockDuration(), s.config.Transaction.LockWait(), fn)
}

// CreateTransaction validates and records a new transaction, routes it to an
// account and schedules its dispatch. Creating the same (type, external id)
// twice returns the first transaction with replayed set and changes nothing.
//
// Parameters:
// - ctx context.Context: The request context.
// - req NewTransaction: The creation request.
//
// Returns:
// - *model.Transaction: The stored transaction. For an outbound payment rejected
//   for insufficient funds this is the FAILED transaction.
// - bool: Whether the request was a replay of an earlier creation.
// - error: INVALID_INPUT, ROUTING_UNAVAILABLE, INSUFFICIENT_FUNDS or a persistence error.
func (s *Settle) CreateTransaction(ctx context.Context, req NewTransaction) (*model.Transaction, bool, error) {
	ctx, span := tracer.Start(ctx, "CreateTransaction")
	defer span.End()

	txn := model.Transaction{
		ExternalID:  req.ExternalID,
		ClientID:    req.ClientID,
		Type:        req.Type,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Description: req.Description,
		Details:     req.Details,
	}
	if err := txn.Validate(); err != nil {
		return nil, false, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), nil)
	}

	existing, err := s.datasource.GetTransactionByExternalID(ctx, txn.Type, txn.ExternalID)
	if err == nil {
		logrus.WithFields(logrus.Fields{
			"transaction_id": existing.TransactionID,
			"external_id":    existing.ExternalID,
		}).Info("transaction already exists, returning it")
		return existing, true, nil
	}
	if !apierror.Is(err, apierror.ErrNotFound) {
		span.RecordError(err)
		return nil, false, err
	}

	account, reason, err := s.selectAccountFor(ctx, txn.ClientID, req.BankCode, txn.Currency)
	if err != nil {
		span.RecordError(err)
		return nil, false, err
	}

	now := s.now()
	txn.TransactionID = model.GenerateUUIDWithSuffix("txn")
	txn.Status = model.StatusPending
	txn.AccountID = account.AccountID
	txn.BankCode = account.BankCode
	txn.ExternalReference = model.GenerateExternalReference(txn.Type, s.config.Transaction.ISPB, now)
	txn.Message = reason
	txn.CreatedAt = now
	txn.UpdatedAt = now
	txn.Version = 1
	if txn.IsDynamicQR() && txn.Details.InstantTransfer.QR.ExpiresAt == nil {
		expiresAt := now.Add(time.Duration(s.config.Transaction.QRExpiryMinutes) * time.Minute)
		txn.Details.InstantTransfer.QR.ExpiresAt = &expiresAt
	}

	if err := s.datasource.CreateTransaction(ctx, &txn, model.NewInitiatedEvent(txn, now)); err != nil {
		if apierror.Is(err, apierror.ErrConflict) {
			winner, gerr := s.datasource.GetTransactionByExternalID(ctx, txn.Type, txn.ExternalID)
			if gerr == nil {
				return winner, true, nil
			}
		}
		span.RecordError(err)
		return nil, false, err
	}

	logrus.WithFields(logrus.Fields{
		"transaction_id": txn.TransactionID,
		"type":           txn.Type,
		"account_id":     txn.AccountID,
		"routing":        reason,
	}).Info("transaction created")
	s.emitTransaction(ctx, model.EventTransactionCreated, &txn)

	if txn.IsOutbound() {
		if _, err := s.Debit(ctx, txn.AccountID, txn.Amount, fmt.Sprintf("%s %s", txn.Type, txn.TransactionID), txn.TransactionID); err != nil {
			span.RecordError(err)
			if apierror.Is(err, apierror.ErrOutcomeUnknown) {
				return &txn, false, err
			}
			failed, terr := s.transition(ctx, &txn, model.StatusFailed, "debit rejected: "+apierror.MessageOf(err), nil)
			if terr != nil {
				logrus.WithError(terr).WithField("transaction_id", txn.TransactionID).Error("failed to mark transaction as failed")
				return &txn, false, err
			}
			return failed, false, err
		}
	}

	if err := s.queue.EnqueueDispatch(ctx, &txn); err != nil {
		notification.NotifyError(fmt.Errorf("enqueue dispatch for %s: %w", txn.TransactionID, err))
	}
	if expiresAt := txn.QRExpiresAt(); expiresAt != nil {
		if err := s.queue.EnqueueExpiry(ctx, txn.TransactionID, *expiresAt); err != nil {
			logrus.WithError(err).WithField("transaction_id", txn.TransactionID).Warn("failed to schedule qr expiry, the sweep will expire it")
		}
	}
	return &txn, false, nil
}

// transition appends a status change to the stream of txn and publishes the
// matching domain event.
func (s *Settle) transition(ctx context.Context, txn *model.Transaction, to model.Status, message string, patch *model.DetailsPatch) (*model.Transaction, error) {
	event, err := model.NewStatusChangedEvent(*txn, to, message, patch, s.now())
	if err != nil {
		return nil, invalidTransition(err)
	}
	next, err := model.ApplyEvent(txn, event)
	if err != nil {
		return nil, invalidTransition(err)
	}

	write := database.TransitionWrite{Transaction: &next, Event: event, Snapshot: s.snapshotFor(next)}
	if err := s.datasource.AppendTransition(ctx, write); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"transaction_id": next.TransactionID,
		"from":           txn.Status,
		"to":             next.Status,
		"message":        message,
	}).Info("transaction status changed")
	s.emitTransaction(ctx, model.TransactionEventType(next.Status), &next)
	return &next, nil
}

func invalidTransition(err error) error {
	if errors.Is(err, model.ErrInvalidTransition) {
		return apierror.NewAPIError(apierror.ErrInvalidTransition, err.Error(), nil)
	}
	return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to apply transaction event", err)
}

// snapshotFor returns a snapshot when state reaches a multiple of the
// configured snapshot interval.
func (s *Settle) snapshotFor(state model.Transaction) *model.TransactionSnapshot {
	every := int64(s.config.Transaction.SnapshotEvery)
	if every <= 0 || state.Version%every != 0 {
		return nil
	}
	return &model.TransactionSnapshot{
		TransactionID: state.TransactionID,
		Version:       state.Version,
		State:         state,
		TakenAt:       s.now(),
	}
}

// DispatchTransaction hands a PENDING transaction to its bank rail. It runs
// in the dispatch worker and is safe to repeat: anything that is no longer
// PENDING is skipped.
func (s *Settle) DispatchTransaction(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "DispatchTransaction")
	defer span.End()

	return s.withTransactionLock(ctx, id, func() error {
		txn, err := s.datasource.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if txn.Status != model.StatusPending {
			logrus.WithFields(logrus.Fields{"transaction_id": id, "status": txn.Status}).Debug("skipping dispatch")
			if txn.Status == model.StatusFailed {
				return s.reverseFunds(ctx, txn)
			}
			return nil
		}

		debited, err := s.ensureDebited(ctx, txn)
		if err != nil {
			span.RecordError(err)
			return err
		}
		if !debited {
			return nil
		}

		rail, err := s.rails.Get(txn.BankCode)
		if err != nil {
			return s.failDispatch(ctx, txn, err)
		}

		to, patch, err := s.callRail(ctx, rail, txn)
		if err != nil {
			span.RecordError(err)
			return s.failDispatch(ctx, txn, err)
		}
		if to == model.StatusPending {
			logrus.WithField("transaction_id", id).Info("dynamic qr issued, waiting for payment")
			return nil
		}
		_, err = s.transition(ctx, txn, to, "accepted by "+txn.BankCode, patch)
		return err
	})
}

// ensureDebited makes sure the funds of an outbound transaction are held
// before its rail is called. The debit is keyed by the transaction id, so an
// entry that already landed is returned as is and a missing one is taken
// now. When the account can no longer cover it the transaction is FAILED and
// false is returned.
func (s *Settle) ensureDebited(ctx context.Context, txn *model.Transaction) (bool, error) {
	if !txn.IsOutbound() {
		return true, nil
	}
	res, err := s.Debit(ctx, txn.AccountID, txn.Amount, fmt.Sprintf("%s %s", txn.Type, txn.TransactionID), txn.TransactionID)
	if err == nil {
		if !res.Replayed {
			logrus.WithField("transaction_id", txn.TransactionID).Warn("debit was missing at dispatch and has been applied")
		}
		return true, nil
	}
	if apierror.Is(err, apierror.ErrInsufficientFunds) || apierror.Is(err, apierror.ErrInvalidInput) {
		_, terr := s.transition(ctx, txn, model.StatusFailed, "debit rejected: "+apierror.MessageOf(err), nil)
		return false, terr
	}
	return false, err
}

// callRail performs the rail call matching the transaction type and returns
// the status the transaction moves to.
func (s *Settle) callRail(ctx context.Context, rail rails.Rail, txn *model.Transaction) (model.Status, *model.DetailsPatch, error) {
	switch {
	case txn.IsInboundCharge():
		res, err := rail.CreateCharge(ctx, rails.NewChargeRequest(txn))
		if err != nil {
			return "", nil, err
		}
		if txn.Type == model.TypeBillPayment {
			return model.StatusIssued, &model.DetailsPatch{Barcode: res.Barcode, URL: res.URL}, nil
		}
		if txn.IsDynamicQR() {
			return model.StatusPending, nil, nil
		}
		return model.StatusProcessing, &model.DetailsPatch{QRPayload: res.QRPayload}, nil
	case txn.Type == model.TypeInstantTransfer:
		if _, err := rail.Pay(ctx, rails.NewPaymentRequest(txn)); err != nil {
			return "", nil, err
		}
		return model.StatusProcessing, nil, nil
	default:
		res, err := rail.Transfer(ctx, rails.NewTransferRequest(txn))
		if err != nil {
			return "", nil, err
		}
		if res.TxHash != "" {
			return model.StatusProcessing, &model.DetailsPatch{TxHash: res.TxHash}, nil
		}
		return model.StatusProcessing, nil, nil
	}
}

// failDispatch marks the transaction FAILED after a rail error and gives
// back the funds of outbound payments.
func (s *Settle) failDispatch(ctx context.Context, txn *model.Transaction, cause error) error {
	logrus.WithError(cause).WithFields(logrus.Fields{
		"transaction_id": txn.TransactionID,
		"bank_code":      txn.BankCode,
	}).Error("rail rejected transaction")

	failed, err := s.transition(ctx, txn, model.StatusFailed, "rail error: "+cause.Error(), nil)
	if err != nil {
		return err
	}
	return s.reverseFunds(ctx, failed)
}

// reverseFunds credits back the debit taken for an outbound transaction.
// Nothing is credited when no debit was recorded, and the correlation id
// makes the reversal happen at most once, so it is safe to repeat.
func (s *Settle) reverseFunds(ctx context.Context, txn *model.Transaction) error {
	if !txn.IsOutbound() {
		return nil
	}
	if _, err := s.datasource.GetEntryByCorrelation(ctx, txn.AccountID, model.OperationDebit, txn.TransactionID); err != nil {
		if apierror.Is(err, apierror.ErrNotFound) {
			return nil
		}
		return err
	}
	_, err := s.Credit(ctx, txn.AccountID, txn.Amount, "reversal of "+txn.TransactionID, txn.TransactionID+":reversal")
	if err != nil {
		notification.NotifyOperator(notification.Alert{
			Title: "Reversal failed",
			Fields: map[string]string{
				"transaction_id": txn.TransactionID,
				"account_id":     txn.AccountID,
				"amount":         txn.Amount.String(),
				"error":          err.Error(),
			},
		})
	}
	return err
}

// CancelTransaction cancels a PENDING transaction and returns any funds it held.
//
// Parameters:
// - ctx context.Context: The request context.
// - id string: The transaction to cancel.
// - reason string: Stored as the transition message.
//
// Returns:
// - *model.Transaction: The CANCELLED transaction.
// - error: INVALID_TRANSITION when the transaction is no longer PENDING.
func (s *Settle) CancelTransaction(ctx context.Context, id, reason string) (*model.Transaction, error) {
	ctx, span := tracer.Start(ctx, "CancelTransaction")
	defer span.End()

	if reason == "" {
		reason = "cancelled by client"
	}
	var cancelled *model.Transaction
	err := s.withTransactionLock(ctx, id, func() error {
		txn, err := s.datasource.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if txn.Status != model.StatusPending {
			return apierror.NewAPIError(apierror.ErrInvalidTransition,
				fmt.Sprintf("Transaction '%s' is %s and can no longer be cancelled", id, txn.Status), nil)
		}
		cancelled, err = s.transition(ctx, txn, model.StatusCancelled, reason, nil)
		if err != nil {
			return err
		}
		return s.reverseFunds(ctx, cancelled)
	})
	if err != nil {
		span.RecordError(err)
		return cancelled, err
	}
	return cancelled, nil
}

// ExpireTransaction expires a dynamic QR charge that is still PENDING after
// its deadline. Any other transaction is returned unchanged.
func (s *Settle) ExpireTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	ctx, span := tracer.Start(ctx, "ExpireTransaction")
	defer span.End()

	var result *model.Transaction
	err := s.withTransactionLock(ctx, id, func() error {
		txn, err := s.datasource.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		result = txn
		if !txn.IsDynamicQR() || txn.Status != model.StatusPending {
			return nil
		}
		if expiresAt := txn.QRExpiresAt(); expiresAt != nil && expiresAt.After(s.now()) {
			return nil
		}
		expired, err := s.transition(ctx, txn, model.StatusExpired, "qr code expired", nil)
		if err != nil {
			return err
		}
		result = expired
		return nil
	})
	return result, err
}

// ExpireDueQRCodes expires every pending dynamic QR charge past its deadline.
// It backs up the per-transaction expiry tasks.
func (s *Settle) ExpireDueQRCodes(ctx context.Context) (int, error) {
	due, err := s.datasource.GetExpiredQRTransactions(ctx, s.now(), expirySweepBatch)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, txn := range due {
		result, err := s.ExpireTransaction(ctx, txn.TransactionID)
		if err != nil {
			logrus.WithError(err).WithField("transaction_id", txn.TransactionID).Warn("failed to expire qr charge")
			continue
		}
		if result.Status == model.StatusExpired {
			expired++
		}
	}
	return expired, nil
}

// GetTransaction returns a transaction by id.
func (s *Settle) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	return s.datasource.GetTransaction(ctx, id)
}

// GetTransactionByExternalID returns a transaction by its client key.
func (s *Settle) GetTransactionByExternalID(ctx context.Context, txnType model.TransactionType, externalID string) (*model.Transaction, error) {
	return s.datasource.GetTransactionByExternalID(ctx, txnType, externalID)
}

// ListTransactions returns a page of a client's transactions, newest first,
// with the total number of matches.
func (s *Settle) ListTransactions(ctx context.Context, clientID string, status model.Status, page, pageSize int) ([]model.Transaction, int64, error) {
	page, pageSize = model.Pagination(page, pageSize)
	return s.datasource.ListTransactions(ctx, database.TransactionFilter{
		ClientID: clientID,
		Status:   status,
		Page:     page,
		PageSize: pageSize,
	})
}

// GetTransactionEvents returns the full event stream of a transaction.
func (s *Settle) GetTransactionEvents(ctx context.Context, id string) ([]model.TransactionEvent, error) {
	if _, err := s.datasource.GetTransaction(ctx, id); err != nil {
		return nil, err
	}
	return s.datasource.GetTransactionEvents(ctx, id, 0)
}

// ReplayTransaction rebuilds a transaction from its latest snapshot and the
// events recorded after it.
func (s *Settle) ReplayTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	ctx, span := tracer.Start(ctx, "ReplayTransaction")
	defer span.End()

	snapshot, err := s.datasource.GetLatestSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	var after int64
	if snapshot != nil {
		after = snapshot.Version
	}
	events, err := s.datasource.GetTransactionEvents(ctx, id, after)
	if err != nil {
		return nil, err
	}
	if snapshot == nil && len(events) == 0 {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Transaction with ID '%s' not found", id), nil)
	}
	state, err := model.Replay(snapshot, events)
	if err != nil {
		span.RecordError(err)
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to replay transaction", err)
	}
	return &state, nil
}
