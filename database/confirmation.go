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
	"fmt"

	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/model"
)

// CommitConfirmation applies a settlement confirmation in one database
// transaction: the ledger credit (if any), the CONFIRMED event and the
// projection update. The projection update refuses rows that are already
// CONFIRMED, so a second confirmation for the same reference can never
// credit twice.
func (d Datasource) CommitConfirmation(ctx context.Context, commit ConfirmationCommit) error {
	ctx, span := tracer.Start(ctx, "Committing settlement confirmation")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	txn := commit.Transition.Transaction
	if commit.Initiated != nil {
		if err := insertTransaction(ctx, tx, txn); err != nil {
			return err
		}
		if err := insertEvent(ctx, tx, *commit.Initiated); err != nil {
			return err
		}
	}

	if commit.Ledger != nil {
		if err := applyLedgerWrites(ctx, tx, []LedgerWrite{*commit.Ledger}); err != nil {
			return err
		}
	}

	if err := insertEvent(ctx, tx, commit.Transition.Event); err != nil {
		return err
	}

	if commit.Initiated == nil {
		if err := updateProjection(ctx, tx, txn, commit.Transition.Event.Sequence-1, true); err != nil {
			return err
		}
	}

	if commit.Transition.Snapshot != nil {
		if err := insertSnapshot(ctx, tx, commit.Transition.Snapshot); err != nil {
			return err
		}
	}

	return commitTx(tx)
}

// CommitSuspenseResolution moves funds out of suspense and clears the
// reconciliation flag of the provisional record atomically.
func (d Datasource) CommitSuspenseResolution(ctx context.Context, txn *model.Transaction, writes ...LedgerWrite) error {
	ctx, span := tracer.Start(ctx, "Resolving suspense record")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := applyLedgerWrites(ctx, tx, writes); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE settle.transactions
		SET needs_reconciliation = false, account_id = $2, bank_code = $3, updated_at = $4
		WHERE transaction_id = $1 AND needs_reconciliation = true
	`, txn.TransactionID, txn.AccountID, txn.BankCode, txn.UpdatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to clear reconciliation flag", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Transaction '%s' is not awaiting reconciliation", txn.TransactionID), ErrStaleVersion)
	}

	return commitTx(tx)
}
