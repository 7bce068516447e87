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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/model"
)

const transactionColumns = `transaction_id, external_id, client_id, type, status, amount, currency, account_id, bank_code, details,
	external_reference, description, message, provisional, needs_reconciliation, version, created_at, updated_at, confirmed_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func scanTransaction(row rowScanner) (*model.Transaction, error) {
	txn := &model.Transaction{}
	var details []byte
	err := row.Scan(&txn.TransactionID, &txn.ExternalID, &txn.ClientID, &txn.Type, &txn.Status, &txn.Amount, &txn.Currency,
		&txn.AccountID, &txn.BankCode, &details, &txn.ExternalReference, &txn.Description, &txn.Message, &txn.Provisional,
		&txn.NeedsReconciliation, &txn.Version, &txn.CreatedAt, &txn.UpdatedAt, &txn.ConfirmedAt)
	if err != nil {
		return nil, err
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &txn.Details); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal transaction details", err)
		}
	}
	return txn, nil
}

func insertTransaction(ctx context.Context, ex execer, txn *model.Transaction) error {
	details, err := json.Marshal(txn.Details)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal transaction details", err)
	}

	_, err = ex.ExecContext(ctx, `
		INSERT INTO settle.transactions (`+transactionColumns+`, qr_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`, txn.TransactionID, txn.ExternalID, txn.ClientID, txn.Type, txn.Status, txn.Amount.String(), txn.Currency,
		txn.AccountID, txn.BankCode, details, txn.ExternalReference, txn.Description, txn.Message, txn.Provisional,
		txn.NeedsReconciliation, txn.Version, txn.CreatedAt, txn.UpdatedAt, txn.ConfirmedAt, txn.QRExpiresAt())
	if err != nil {
		if isUniqueViolation(err) {
			return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Transaction with external id '%s' already exists", txn.ExternalID), err)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record transaction", err)
	}
	return nil
}

// updateProjection moves the projection to txn.Version, provided the stored
// row is still at previousVersion. When notConfirmed is set the update also
// refuses rows that are already CONFIRMED.
func updateProjection(ctx context.Context, ex execer, txn *model.Transaction, previousVersion int64, notConfirmed bool) error {
	details, err := json.Marshal(txn.Details)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal transaction details", err)
	}

	query := `
		UPDATE settle.transactions
		SET status = $2, account_id = $3, bank_code = $4, details = $5, external_reference = $6, message = $7,
			provisional = $8, needs_reconciliation = $9, version = $10, updated_at = $11, confirmed_at = $12
		WHERE transaction_id = $1 AND version = $13`
	if notConfirmed {
		query += ` AND status <> 'CONFIRMED'`
	}

	result, err := ex.ExecContext(ctx, query, txn.TransactionID, txn.Status, txn.AccountID, txn.BankCode, details,
		txn.ExternalReference, txn.Message, txn.Provisional, txn.NeedsReconciliation, txn.Version, txn.UpdatedAt,
		txn.ConfirmedAt, previousVersion)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update transaction", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Transaction '%s' was modified concurrently", txn.TransactionID), ErrStaleVersion)
	}
	return nil
}

func insertEvent(ctx context.Context, ex execer, ev model.TransactionEvent) error {
	data, err := ev.Data()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal event", err)
	}

	_, err = ex.ExecContext(ctx, `
		INSERT INTO settle.transaction_events (event_id, transaction_id, sequence, kind, data, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ev.EventID, ev.TransactionID, ev.Sequence, ev.Kind, []byte(data), ev.OccurredAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Event %d of transaction '%s' already exists", ev.Sequence, ev.TransactionID), ErrStaleVersion)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to append event", err)
	}
	return nil
}

func insertSnapshot(ctx context.Context, ex execer, snapshot *model.TransactionSnapshot) error {
	state, err := json.Marshal(snapshot.State)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal snapshot", err)
	}

	_, err = ex.ExecContext(ctx, `
		INSERT INTO settle.transaction_snapshots (transaction_id, version, state, taken_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (transaction_id, version) DO NOTHING
	`, snapshot.TransactionID, snapshot.Version, state, snapshot.TakenAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to save snapshot", err)
	}
	return nil
}

// commitTx commits tx. A commit that fails without a server answer may still
// have been applied, so it is reported as OUTCOME_UNKNOWN.
func commitTx(tx *sql.Tx) error {
	err := tx.Commit()
	if err == nil {
		return nil
	}
	if isDefiniteFailure(err) {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transaction", err)
	}
	return apierror.NewAPIError(apierror.ErrOutcomeUnknown, "Commit outcome is unknown", err)
}

// CreateTransaction inserts the projection and its initiated event in one
// database transaction. A duplicate (type, external_id) returns a CONFLICT.
func (d Datasource) CreateTransaction(ctx context.Context, txn *model.Transaction, initiated model.TransactionEvent) error {
	ctx, span := tracer.Start(ctx, "Saving transaction to db")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := insertTransaction(ctx, tx, txn); err != nil {
		return err
	}
	if err := insertEvent(ctx, tx, initiated); err != nil {
		return err
	}
	return commitTx(tx)
}

func (d Datasource) getTransactionWhere(ctx context.Context, where string, notFound string, args ...interface{}) (*model.Transaction, error) {
	row := d.Conn.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM settle.transactions WHERE `+where, args...)
	txn, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, notFound, nil)
		}
		var apiErr apierror.APIError
		if errors.As(err, &apiErr) {
			return nil, err
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve transaction", err)
	}
	return txn, nil
}

func (d Datasource) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Fetching transaction from db")
	defer span.End()
	return d.getTransactionWhere(ctx, "transaction_id = $1", fmt.Sprintf("Transaction with ID '%s' not found", id), id)
}

func (d Datasource) GetTransactionByExternalID(ctx context.Context, txnType model.TransactionType, externalID string) (*model.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Fetching transaction by external id")
	defer span.End()
	return d.getTransactionWhere(ctx, "type = $1 AND external_id = $2",
		fmt.Sprintf("Transaction with external id '%s' not found", externalID), txnType, externalID)
}

func (d Datasource) GetTransactionByExternalReference(ctx context.Context, reference string) (*model.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Fetching transaction by reference")
	defer span.End()
	return d.getTransactionWhere(ctx, "external_reference = $1 ORDER BY created_at ASC LIMIT 1",
		fmt.Sprintf("Transaction with reference '%s' not found", reference), reference)
}

func (d Datasource) queryTransactions(ctx context.Context, query string, args ...interface{}) ([]model.Transaction, error) {
	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve transactions", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	transactions := []model.Transaction{}
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan transaction", err)
		}
		transactions = append(transactions, *txn)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error iterating transactions", err)
	}
	return transactions, nil
}

// ListTransactions returns one page of a client's transactions ordered by
// creation time, newest first, together with the total count.
func (d Datasource) ListTransactions(ctx context.Context, filter TransactionFilter) ([]model.Transaction, int64, error) {
	ctx, span := tracer.Start(ctx, "Listing transactions")
	defer span.End()

	var total int64
	err := d.Conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM settle.transactions WHERE client_id = $1 AND ($2 = '' OR status = $2)
	`, filter.ClientID, string(filter.Status)).Scan(&total)
	if err != nil {
		return nil, 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to count transactions", err)
	}

	transactions, err := d.queryTransactions(ctx, `
		SELECT `+transactionColumns+` FROM settle.transactions
		WHERE client_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, filter.ClientID, string(filter.Status), filter.PageSize, (filter.Page-1)*filter.PageSize)
	if err != nil {
		return nil, 0, err
	}
	return transactions, total, nil
}

// GetAllTransactions pages through every transaction, used for search reindexing.
func (d Datasource) GetAllTransactions(ctx context.Context, limit, offset int) ([]model.Transaction, error) {
	return d.queryTransactions(ctx, `
		SELECT `+transactionColumns+` FROM settle.transactions
		ORDER BY created_at ASC, transaction_id ASC
		LIMIT $1 OFFSET $2
	`, limit, offset)
}

// AppendTransition appends a status change and updates the projection in one
// database transaction. The update only applies when the stored version is
// the one preceding the event, so concurrent writers get a CONFLICT.
func (d Datasource) AppendTransition(ctx context.Context, write TransitionWrite) error {
	ctx, span := tracer.Start(ctx, "Appending transaction event")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := insertEvent(ctx, tx, write.Event); err != nil {
		return err
	}
	if err := updateProjection(ctx, tx, write.Transaction, write.Event.Sequence-1, false); err != nil {
		return err
	}
	if write.Snapshot != nil {
		if err := insertSnapshot(ctx, tx, write.Snapshot); err != nil {
			return err
		}
	}
	return commitTx(tx)
}

// GetTransactionEvents reads the events of a stream with a sequence greater
// than afterSequence, in order.
func (d Datasource) GetTransactionEvents(ctx context.Context, id string, afterSequence int64) ([]model.TransactionEvent, error) {
	ctx, span := tracer.Start(ctx, "Reading transaction events")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT event_id, transaction_id, sequence, kind, data, occurred_at
		FROM settle.transaction_events
		WHERE transaction_id = $1 AND sequence > $2
		ORDER BY sequence ASC
	`, id, afterSequence)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve events", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	events := []model.TransactionEvent{}
	for rows.Next() {
		var ev model.TransactionEvent
		var data []byte
		if err := rows.Scan(&ev.EventID, &ev.TransactionID, &ev.Sequence, &ev.Kind, &data, &ev.OccurredAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan event", err)
		}
		if ev.Kind.IsInitiated() {
			ev.Initiated = &model.Initiated{}
			err = json.Unmarshal(data, ev.Initiated)
		} else {
			ev.StatusChanged = &model.StatusChanged{}
			err = json.Unmarshal(data, ev.StatusChanged)
		}
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal event", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error iterating events", err)
	}
	return events, nil
}

// GetLatestSnapshot returns the newest snapshot of a stream, or nil when none
// has been taken.
func (d Datasource) GetLatestSnapshot(ctx context.Context, id string) (*model.TransactionSnapshot, error) {
	snapshot := &model.TransactionSnapshot{}
	var state []byte
	err := d.Conn.QueryRowContext(ctx, `
		SELECT transaction_id, version, state, taken_at
		FROM settle.transaction_snapshots
		WHERE transaction_id = $1
		ORDER BY version DESC
		LIMIT 1
	`, id).Scan(&snapshot.TransactionID, &snapshot.Version, &state, &snapshot.TakenAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve snapshot", err)
	}
	if err := json.Unmarshal(state, &snapshot.State); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal snapshot", err)
	}
	return snapshot, nil
}

func (d Datasource) GetExpiredQRTransactions(ctx context.Context, before time.Time, limit int) ([]model.Transaction, error) {
	return d.queryTransactions(ctx, `
		SELECT `+transactionColumns+` FROM settle.transactions
		WHERE status = 'PENDING' AND qr_expires_at IS NOT NULL AND qr_expires_at <= $1
		ORDER BY qr_expires_at ASC
		LIMIT $2
	`, before, limit)
}

// GetStalledTransactions returns PENDING transactions created before the
// cutoff that never reached their rail. Dynamic QR charges stay PENDING after
// dispatch and are left to the expiry sweep.
func (d Datasource) GetStalledTransactions(ctx context.Context, createdBefore time.Time, limit int) ([]model.Transaction, error) {
	return d.queryTransactions(ctx, `
		SELECT `+transactionColumns+` FROM settle.transactions
		WHERE status = 'PENDING' AND qr_expires_at IS NULL AND provisional = false AND created_at <= $1
		ORDER BY created_at ASC
		LIMIT $2
	`, createdBefore, limit)
}

// GetUnreversedTransactions returns FAILED and CANCELLED transactions that
// hold a debit keyed by their id but no matching ":reversal" credit.
func (d Datasource) GetUnreversedTransactions(ctx context.Context, updatedBefore time.Time, limit int) ([]model.Transaction, error) {
	return d.queryTransactions(ctx, `
		SELECT `+transactionColumns+` FROM settle.transactions t
		WHERE t.status IN ('FAILED', 'CANCELLED') AND t.updated_at <= $1
		AND EXISTS (
			SELECT 1 FROM settle.ledger_entries e
			WHERE e.account_id = t.account_id AND e.operation = 'DEBIT' AND e.correlation_id = t.transaction_id
		)
		AND NOT EXISTS (
			SELECT 1 FROM settle.ledger_entries r
			WHERE r.account_id = t.account_id AND r.operation = 'CREDIT' AND r.correlation_id = t.transaction_id || ':reversal'
		)
		ORDER BY t.updated_at ASC
		LIMIT $2
	`, updatedBefore, limit)
}

func (d Datasource) ListUnreconciled(ctx context.Context, page, pageSize int) ([]model.Transaction, int64, error) {
	var total int64
	err := d.Conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM settle.transactions WHERE needs_reconciliation = true`).Scan(&total)
	if err != nil {
		return nil, 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to count unreconciled transactions", err)
	}

	transactions, err := d.queryTransactions(ctx, `
		SELECT `+transactionColumns+` FROM settle.transactions
		WHERE needs_reconciliation = true
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, err
	}
	return transactions, total, nil
}

// ListOpenInbound returns inbound charges that are still waiting for funds.
func (d Datasource) ListOpenInbound(ctx context.Context, currency string, limit int) ([]model.Transaction, error) {
	return d.queryTransactions(ctx, `
		SELECT `+transactionColumns+` FROM settle.transactions
		WHERE status IN ('PENDING', 'PROCESSING', 'ISSUED')
			AND provisional = false
			AND currency = $1
			AND (type = 'BILL_PAYMENT' OR (type = 'INSTANT_TRANSFER' AND details->'instant_transfer'->'qr' IS NOT NULL))
		ORDER BY created_at DESC
		LIMIT $2
	`, currency, limit)
}
