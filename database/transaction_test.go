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
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/model"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var transactionColumnNames = []string{"transaction_id", "external_id", "client_id", "type", "status", "amount", "currency",
	"account_id", "bank_code", "details", "external_reference", "description", "message", "provisional",
	"needs_reconciliation", "version", "created_at", "updated_at", "confirmed_at"}

func newMockDatasource(t *testing.T) (Datasource, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return Datasource{Conn: db}, mock
}

func sampleTransaction() *model.Transaction {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return &model.Transaction{
		TransactionID: "txn_1",
		ExternalID:    "ext-1",
		ClientID:      "client_1",
		Type:          model.TypeWireTransfer,
		Status:        model.StatusPending,
		Amount:        decimal.RequireFromString("150.25"),
		Currency:      "BRL",
		AccountID:     "acc_1",
		BankCode:      "001",
		Details: model.TransactionDetails{WireTransfer: &model.WireTransferDetails{
			BankCode: "237", Branch: "0001", AccountNumber: "12345-6", TaxID: "12345678901", Name: "Ana",
		}},
		ExternalReference: "W0123",
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func transactionRow(txn *model.Transaction) *sqlmock.Rows {
	details, _ := json.Marshal(txn.Details)
	return sqlmock.NewRows(transactionColumnNames).AddRow(txn.TransactionID, txn.ExternalID, txn.ClientID, string(txn.Type),
		string(txn.Status), txn.Amount.String(), txn.Currency, txn.AccountID, txn.BankCode, details, txn.ExternalReference,
		txn.Description, txn.Message, txn.Provisional, txn.NeedsReconciliation, txn.Version, txn.CreatedAt, txn.UpdatedAt, nil)
}

func TestCreateTransaction_Success(t *testing.T) {
	ds, mock := newMockDatasource(t)
	txn := sampleTransaction()
	ev := model.NewInitiatedEvent(*txn, txn.CreatedAt)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO settle.transactions").
		WithArgs(txn.TransactionID, txn.ExternalID, txn.ClientID, string(txn.Type), string(txn.Status), "150.25", "BRL",
			"acc_1", "001", sqlmock.AnyArg(), "W0123", "", "", false, false, int64(1), sqlmock.AnyArg(), sqlmock.AnyArg(),
			nil, nil).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO settle.transaction_events").
		WithArgs(ev.EventID, "txn_1", int64(1), string(model.EventWireTransferInitiated), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := ds.CreateTransaction(context.Background(), txn, ev)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTransaction_DuplicateExternalID(t *testing.T) {
	ds, mock := newMockDatasource(t)
	txn := sampleTransaction()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO settle.transactions").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := ds.CreateTransaction(context.Background(), txn, model.NewInitiatedEvent(*txn, txn.CreatedAt))
	assert.True(t, apierror.Is(err, apierror.ErrConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTransaction_CommitOutcomeUnknown(t *testing.T) {
	ds, mock := newMockDatasource(t)
	txn := sampleTransaction()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO settle.transactions").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO settle.transaction_events").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit().WillReturnError(errors.New("connection reset by peer"))

	err := ds.CreateTransaction(context.Background(), txn, model.NewInitiatedEvent(*txn, txn.CreatedAt))
	assert.True(t, apierror.Is(err, apierror.ErrOutcomeUnknown))
}

func TestGetTransaction(t *testing.T) {
	ds, mock := newMockDatasource(t)
	txn := sampleTransaction()

	mock.ExpectQuery("SELECT (.+) FROM settle.transactions WHERE transaction_id =").
		WithArgs("txn_1").
		WillReturnRows(transactionRow(txn))

	got, err := ds.GetTransaction(context.Background(), "txn_1")
	require.NoError(t, err)
	assert.Equal(t, txn.TransactionID, got.TransactionID)
	assert.Equal(t, model.TypeWireTransfer, got.Type)
	assert.True(t, txn.Amount.Equal(got.Amount))
	require.NotNil(t, got.Details.WireTransfer)
	assert.Equal(t, "Ana", got.Details.WireTransfer.Name)
	assert.Nil(t, got.ConfirmedAt)
}

func TestGetTransaction_NotFound(t *testing.T) {
	ds, mock := newMockDatasource(t)

	mock.ExpectQuery("SELECT (.+) FROM settle.transactions WHERE transaction_id =").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(transactionColumnNames))

	_, err := ds.GetTransaction(context.Background(), "missing")
	assert.True(t, apierror.Is(err, apierror.ErrNotFound))
}

func TestGetTransactionByExternalID(t *testing.T) {
	ds, mock := newMockDatasource(t)
	txn := sampleTransaction()

	mock.ExpectQuery("SELECT (.+) FROM settle.transactions WHERE type = \\$1 AND external_id = \\$2").
		WithArgs(string(model.TypeWireTransfer), "ext-1").
		WillReturnRows(transactionRow(txn))

	got, err := ds.GetTransactionByExternalID(context.Background(), model.TypeWireTransfer, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, "txn_1", got.TransactionID)
}

func TestListTransactions(t *testing.T) {
	ds, mock := newMockDatasource(t)
	txn := sampleTransaction()

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM settle.transactions").
		WithArgs("client_1", "PENDING").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(11))
	mock.ExpectQuery("SELECT (.+) FROM settle.transactions").
		WithArgs("client_1", "PENDING", 10, 10).
		WillReturnRows(transactionRow(txn))

	got, total, err := ds.ListTransactions(context.Background(), TransactionFilter{
		ClientID: "client_1", Status: model.StatusPending, Page: 2, PageSize: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(11), total)
	assert.Len(t, got, 1)
}

func TestAppendTransition_StaleVersion(t *testing.T) {
	ds, mock := newMockDatasource(t)
	txn := sampleTransaction()
	ev, err := model.NewStatusChangedEvent(*txn, model.StatusProcessing, "sent", nil, time.Now())
	require.NoError(t, err)
	next, err := model.ApplyEvent(txn, ev)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO settle.transaction_events").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE settle.transactions").
		WithArgs("txn_1", "PROCESSING", "acc_1", "001", sqlmock.AnyArg(), "W0123", "sent", false, false, int64(2),
			sqlmock.AnyArg(), nil, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = ds.AppendTransition(context.Background(), TransitionWrite{Transaction: &next, Event: ev})
	assert.True(t, apierror.Is(err, apierror.ErrConflict))
	assert.ErrorIs(t, err, ErrStaleVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendTransition_WithSnapshot(t *testing.T) {
	ds, mock := newMockDatasource(t)
	txn := sampleTransaction()
	ev, err := model.NewStatusChangedEvent(*txn, model.StatusProcessing, "", nil, time.Now())
	require.NoError(t, err)
	next, err := model.ApplyEvent(txn, ev)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO settle.transaction_events").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE settle.transactions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO settle.transaction_snapshots").
		WithArgs("txn_1", int64(2), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err = ds.AppendTransition(context.Background(), TransitionWrite{
		Transaction: &next,
		Event:       ev,
		Snapshot:    &model.TransactionSnapshot{TransactionID: "txn_1", Version: 2, State: next, TakenAt: time.Now()},
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTransactionEvents(t *testing.T) {
	ds, mock := newMockDatasource(t)
	txn := sampleTransaction()
	initiated := model.NewInitiatedEvent(*txn, txn.CreatedAt)
	changed, err := model.NewStatusChangedEvent(*txn, model.StatusFailed, "rail down", nil, time.Now())
	require.NoError(t, err)

	initiatedData, _ := initiated.Data()
	changedData, _ := changed.Data()

	mock.ExpectQuery("SELECT (.+) FROM settle.transaction_events").
		WithArgs("txn_1", int64(0)).
		WillReturnRows(sqlmock.NewRows([]string{"event_id", "transaction_id", "sequence", "kind", "data", "occurred_at"}).
			AddRow(initiated.EventID, "txn_1", int64(1), string(initiated.Kind), []byte(initiatedData), initiated.OccurredAt).
			AddRow(changed.EventID, "txn_1", int64(2), string(changed.Kind), []byte(changedData), changed.OccurredAt))

	events, err := ds.GetTransactionEvents(context.Background(), "txn_1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.NotNil(t, events[0].Initiated)
	assert.Equal(t, "ext-1", events[0].Initiated.Transaction.ExternalID)
	require.NotNil(t, events[1].StatusChanged)
	assert.Equal(t, model.StatusFailed, events[1].StatusChanged.NewStatus)

	state, err := model.Replay(nil, events)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, state.Status)
}

func TestGetLatestSnapshot_None(t *testing.T) {
	ds, mock := newMockDatasource(t)

	mock.ExpectQuery("SELECT (.+) FROM settle.transaction_snapshots").
		WithArgs("txn_1").
		WillReturnRows(sqlmock.NewRows([]string{"transaction_id", "version", "state", "taken_at"}))

	snapshot, err := ds.GetLatestSnapshot(context.Background(), "txn_1")
	assert.NoError(t, err)
	assert.Nil(t, snapshot)
}

func TestGetStalledTransactions(t *testing.T) {
	ds, mock := newMockDatasource(t)
	cutoff := time.Now().Add(-10 * time.Minute)

	mock.ExpectQuery("SELECT (.+) FROM settle.transactions\\s+WHERE status = 'PENDING' AND qr_expires_at IS NULL").
		WithArgs(cutoff, 100).
		WillReturnRows(sqlmock.NewRows(transactionColumnNames))

	got, err := ds.GetStalledTransactions(context.Background(), cutoff, 100)
	assert.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUnreversedTransactions(t *testing.T) {
	ds, mock := newMockDatasource(t)
	cutoff := time.Now().Add(-2 * time.Minute)

	mock.ExpectQuery("SELECT (.+) FROM settle.transactions t\\s+WHERE t.status IN \\('FAILED', 'CANCELLED'\\)(.+)NOT EXISTS").
		WithArgs(cutoff, 500).
		WillReturnRows(sqlmock.NewRows(transactionColumnNames))

	got, err := ds.GetUnreversedTransactions(context.Background(), cutoff, 500)
	assert.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetExpiredQRTransactions(t *testing.T) {
	ds, mock := newMockDatasource(t)
	now := time.Now()

	mock.ExpectQuery("SELECT (.+) FROM settle.transactions\\s+WHERE status = 'PENDING' AND qr_expires_at IS NOT NULL").
		WithArgs(now, 50).
		WillReturnRows(sqlmock.NewRows(transactionColumnNames))

	got, err := ds.GetExpiredQRTransactions(context.Background(), now, 50)
	assert.NoError(t, err)
	assert.Empty(t, got)
}
