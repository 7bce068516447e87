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

	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/model"
)

const accountColumns = `account_id, client_id, bank_code, name, currency, available, blocked, allow_overdraft, active, suspense,
	version, created_at, last_updated, meta_data`

func scanAccount(row rowScanner) (*model.Account, error) {
	account := &model.Account{}
	var metaData []byte
	err := row.Scan(&account.AccountID, &account.ClientID, &account.BankCode, &account.Name, &account.Currency,
		&account.Available, &account.Blocked, &account.AllowOverdraft, &account.Active, &account.Suspense,
		&account.Version, &account.CreatedAt, &account.LastUpdated, &metaData)
	if err != nil {
		return nil, err
	}
	if len(metaData) > 0 {
		if err := json.Unmarshal(metaData, &account.MetaData); err != nil {
			return nil, err
		}
	}
	return account, nil
}

// CreateAccount inserts a new account.
//
// Parameters:
// - ctx: Context for the operation.
// - account: The account to store. AccountID and timestamps must already be set.
//
// Returns:
// - error: CONFLICT when the account ID is taken, INTERNAL_SERVER_ERROR otherwise.
func (d Datasource) CreateAccount(ctx context.Context, account *model.Account) error {
	ctx, span := tracer.Start(ctx, "Creating account")
	defer span.End()

	metaDataJSON, err := json.Marshal(account.MetaData)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO settle.accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, account.AccountID, account.ClientID, account.BankCode, account.Name, account.Currency, account.Available.String(),
		account.Blocked.String(), account.AllowOverdraft, account.Active, account.Suspense, account.Version,
		account.CreatedAt, account.LastUpdated, metaDataJSON)
	if err != nil {
		if isUniqueViolation(err) {
			return apierror.NewAPIError(apierror.ErrConflict, "Account with this ID already exists", err)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create account", err)
	}
	return nil
}

func (d Datasource) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	ctx, span := tracer.Start(ctx, "Fetching account")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM settle.accounts WHERE account_id = $1`, id)
	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Account with ID '%s' not found", id), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve account", err)
	}
	return account, nil
}

func (d Datasource) queryAccounts(ctx context.Context, query string, args ...interface{}) ([]model.Account, error) {
	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve accounts", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	accounts := []model.Account{}
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan account", err)
		}
		accounts = append(accounts, *account)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error iterating accounts", err)
	}
	return accounts, nil
}

func (d Datasource) ListAccounts(ctx context.Context, clientID string) ([]model.Account, error) {
	return d.queryAccounts(ctx, `SELECT `+accountColumns+` FROM settle.accounts WHERE client_id = $1 ORDER BY account_id ASC`, clientID)
}

// GetAllAccounts pages through every account, used for search reindexing.
func (d Datasource) GetAllAccounts(ctx context.Context, limit, offset int) ([]model.Account, error) {
	return d.queryAccounts(ctx, `SELECT `+accountColumns+` FROM settle.accounts ORDER BY created_at ASC, account_id ASC LIMIT $1 OFFSET $2`, limit, offset)
}

// ListActiveAccounts returns the routing candidates of a client ordered by
// account ID. An empty bankCode matches every bank.
func (d Datasource) ListActiveAccounts(ctx context.Context, clientID, bankCode string) ([]model.Account, error) {
	ctx, span := tracer.Start(ctx, "Listing routing candidates")
	defer span.End()

	return d.queryAccounts(ctx, `
		SELECT `+accountColumns+` FROM settle.accounts
		WHERE client_id = $1 AND active = true AND suspense = false AND ($2 = '' OR bank_code = $2)
		ORDER BY account_id ASC
	`, clientID, bankCode)
}

// GetSuspenseAccount returns the oldest active suspense account for currency.
func (d Datasource) GetSuspenseAccount(ctx context.Context, currency string) (*model.Account, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+accountColumns+` FROM settle.accounts
		WHERE suspense = true AND active = true AND currency = $1
		ORDER BY created_at ASC
		LIMIT 1
	`, currency)
	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("No suspense account for currency '%s'", currency), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve suspense account", err)
	}
	return account, nil
}

func scanEntry(row rowScanner) (*model.LedgerEntry, error) {
	entry := &model.LedgerEntry{}
	var correlationID sql.NullString
	err := row.Scan(&entry.EntryID, &entry.AccountID, &entry.Operation, &entry.Amount, &entry.ResultingBalance,
		&correlationID, &entry.Reason, &entry.CreatedAt)
	if err != nil {
		return nil, err
	}
	entry.CorrelationID = correlationID.String
	return entry, nil
}

const entryColumns = `entry_id, account_id, operation, amount, resulting_balance, correlation_id, reason, created_at`

// GetEntryByCorrelation returns the entry recorded for (accountID, op,
// correlationID), or NOT_FOUND.
func (d Datasource) GetEntryByCorrelation(ctx context.Context, accountID string, op model.LedgerOperation, correlationID string) (*model.LedgerEntry, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM settle.ledger_entries
		WHERE account_id = $1 AND operation = $2 AND correlation_id = $3
	`, accountID, op, correlationID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("No %s entry with correlation id '%s'", op, correlationID), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve ledger entry", err)
	}
	return entry, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func insertEntry(ctx context.Context, ex execer, entry model.LedgerEntry) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO settle.ledger_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.EntryID, entry.AccountID, entry.Operation, entry.Amount.String(), entry.ResultingBalance.String(),
		nullable(entry.CorrelationID), entry.Reason, entry.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Entry '%s' already recorded", entry.CorrelationID), ErrDuplicateEntry)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record ledger entry", err)
	}
	return nil
}

// updateAccountBalance stores the new balances only if the row is still at
// expectedVersion.
func updateAccountBalance(ctx context.Context, ex execer, account *model.Account, expectedVersion int64) error {
	result, err := ex.ExecContext(ctx, `
		UPDATE settle.accounts
		SET available = $2, blocked = $3, version = $4, last_updated = $5
		WHERE account_id = $1 AND version = $6
	`, account.AccountID, account.Available.String(), account.Blocked.String(), account.Version, account.LastUpdated, expectedVersion)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update account", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Optimistic locking failure: account with ID '%s' may have been updated by another transaction", account.AccountID), ErrStaleVersion)
	}
	return nil
}

func applyLedgerWrites(ctx context.Context, ex execer, writes []LedgerWrite) error {
	for _, w := range writes {
		if err := insertEntry(ctx, ex, w.Entry); err != nil {
			return err
		}
		if err := updateAccountBalance(ctx, ex, w.Account, w.ExpectedVersion); err != nil {
			return err
		}
	}
	return nil
}

// CommitLedgerWrites records every entry and account update in a single
// database transaction. A stale version wraps ErrStaleVersion and a repeated
// correlation id wraps ErrDuplicateEntry. Nothing is applied in either case.
func (d Datasource) CommitLedgerWrites(ctx context.Context, writes ...LedgerWrite) error {
	ctx, span := tracer.Start(ctx, "Committing ledger writes")
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
	return commitTx(tx)
}

// ListEntries returns a statement page ordered by creation time, newest
// first. An empty AccountID covers every account of the client.
func (d Datasource) ListEntries(ctx context.Context, filter model.StatementFilter) ([]model.LedgerEntry, int64, error) {
	ctx, span := tracer.Start(ctx, "Listing ledger entries")
	defer span.End()

	const where = `
		FROM settle.ledger_entries e
		JOIN settle.accounts a ON a.account_id = e.account_id
		WHERE a.client_id = $1 AND ($2 = '' OR e.account_id = $2) AND e.created_at >= $3 AND e.created_at <= $4`

	var total int64
	err := d.Conn.QueryRowContext(ctx, `SELECT COUNT(*)`+where, filter.ClientID, filter.AccountID, filter.Start, filter.End).Scan(&total)
	if err != nil {
		return nil, 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to count ledger entries", err)
	}

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT e.entry_id, e.account_id, e.operation, e.amount, e.resulting_balance, e.correlation_id, e.reason, e.created_at`+where+`
		ORDER BY e.created_at DESC, e.entry_id DESC
		LIMIT $5 OFFSET $6
	`, filter.ClientID, filter.AccountID, filter.Start, filter.End, filter.PageSize, (filter.Page-1)*filter.PageSize)
	if err != nil {
		return nil, 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve ledger entries", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	entries := []model.LedgerEntry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan ledger entry", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, apierror.NewAPIError(apierror.ErrInternalServer, "Error iterating ledger entries", err)
	}
	return entries, total, nil
}
