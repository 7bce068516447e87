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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func confirmationCommit(t *testing.T) ConfirmationCommit {
	txn := sampleTransaction()
	txn.Type = model.TypeBillPayment
	txn.Details = model.TransactionDetails{BillPayment: &model.BillPaymentDetails{PayerName: "Ana", PayerTaxID: "1"}}

	ev, err := model.NewStatusChangedEvent(*txn, model.StatusConfirmed, "settled", nil, time.Now())
	require.NoError(t, err)
	next, err := model.ApplyEvent(txn, ev)
	require.NoError(t, err)

	account := &model.Account{AccountID: "acc_1", Available: decimal.Zero, Version: 2}
	entry, err := model.NewLedgerEntry(account, model.OperationCredit, txn.Amount, txn.TransactionID, "settlement", time.Now())
	require.NoError(t, err)

	return ConfirmationCommit{
		Transition: TransitionWrite{Transaction: &next, Event: ev},
		Ledger:     &LedgerWrite{Account: account, ExpectedVersion: 2, Entry: entry},
	}
}

func TestCommitConfirmation_Success(t *testing.T) {
	ds, mock := newMockDatasource(t)
	commit := confirmationCommit(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO settle.ledger_entries").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE settle.accounts").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO settle.transaction_events").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE settle.transactions (.+) AND status <> 'CONFIRMED'").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, ds.CommitConfirmation(context.Background(), commit))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitConfirmation_AlreadyConfirmedRollsBack(t *testing.T) {
	ds, mock := newMockDatasource(t)
	commit := confirmationCommit(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO settle.ledger_entries").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE settle.accounts").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO settle.transaction_events").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE settle.transactions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := ds.CommitConfirmation(context.Background(), commit)
	assert.ErrorIs(t, err, ErrStaleVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitConfirmation_ProvisionalInsert(t *testing.T) {
	ds, mock := newMockDatasource(t)
	commit := confirmationCommit(t)
	initiated := model.NewInitiatedEvent(*sampleTransaction(), time.Now())
	commit.Initiated = &initiated

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO settle.transactions").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO settle.transaction_events").
		WithArgs(initiated.EventID, sqlmock.AnyArg(), int64(1), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO settle.ledger_entries").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE settle.accounts").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO settle.transaction_events").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, ds.CommitConfirmation(context.Background(), commit))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitSuspenseResolution_NotFlagged(t *testing.T) {
	ds, mock := newMockDatasource(t)
	txn := sampleTransaction()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE settle.transactions").
		WithArgs(txn.TransactionID, txn.AccountID, txn.BankCode, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := ds.CommitSuspenseResolution(context.Background(), txn)
	assert.True(t, apierror.Is(err, apierror.ErrConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}
