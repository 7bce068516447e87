package settle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/blnkfinance/settle/database"
	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/model"
)

// memStore is an in-memory IDataSource with the same version checks and
// unique constraints as the Postgres datasource.
type memStore struct {
	mu         sync.Mutex
	txns       map[string]model.Transaction
	events     map[string][]model.TransactionEvent
	snapshots  map[string][]model.TransactionSnapshot
	accounts   map[string]model.Account
	entries    []model.LedgerEntry
	routing    map[string]model.RoutingConfiguration
	subs       map[string]model.WebhookSubscription
	deliveries map[string]model.WebhookDelivery

	// commitErr, when set, is returned by the next ledger commit. If
	// commitApplies is true the writes are applied first, like a commit whose
	// acknowledgement was lost.
	commitErr     error
	commitApplies bool
}

var _ database.IDataSource = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		txns:       make(map[string]model.Transaction),
		events:     make(map[string][]model.TransactionEvent),
		snapshots:  make(map[string][]model.TransactionSnapshot),
		accounts:   make(map[string]model.Account),
		routing:    make(map[string]model.RoutingConfiguration),
		subs:       make(map[string]model.WebhookSubscription),
		deliveries: make(map[string]model.WebhookDelivery),
	}
}

func notFound(what, id string) error {
	return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("%s '%s' not found", what, id), nil)
}

func stale(id string) error {
	return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("'%s' was modified concurrently", id), database.ErrStaleVersion)
}

func paginate[T any](items []T, page, pageSize int) []T {
	start := (page - 1) * pageSize
	if start >= len(items) {
		return []T{}
	}
	end := start + pageSize
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

// Transactions

func (m *memStore) insertTransaction(txn *model.Transaction) error {
	for _, existing := range m.txns {
		if existing.Type == txn.Type && existing.ExternalID == txn.ExternalID {
			return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Transaction with external id '%s' already exists", txn.ExternalID), nil)
		}
	}
	if _, ok := m.txns[txn.TransactionID]; ok {
		return apierror.NewAPIError(apierror.ErrConflict, "Transaction already exists", nil)
	}
	m.txns[txn.TransactionID] = *txn
	return nil
}

func (m *memStore) insertEvent(ev model.TransactionEvent) error {
	for _, existing := range m.events[ev.TransactionID] {
		if existing.Sequence == ev.Sequence {
			return stale(ev.TransactionID)
		}
	}
	m.events[ev.TransactionID] = append(m.events[ev.TransactionID], ev)
	return nil
}

func (m *memStore) CreateTransaction(_ context.Context, txn *model.Transaction, initiated model.TransactionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.insertTransaction(txn); err != nil {
		return err
	}
	return m.insertEvent(initiated)
}

func (m *memStore) GetTransaction(_ context.Context, id string) (*model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txns[id]
	if !ok {
		return nil, notFound("Transaction", id)
	}
	return &txn, nil
}

func (m *memStore) GetTransactionByExternalID(_ context.Context, txnType model.TransactionType, externalID string) (*model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, txn := range m.txns {
		if txn.Type == txnType && txn.ExternalID == externalID {
			return &txn, nil
		}
	}
	return nil, notFound("Transaction", externalID)
}

func (m *memStore) GetTransactionByExternalReference(_ context.Context, reference string) (*model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *model.Transaction
	for _, txn := range m.txns {
		if txn.ExternalReference != reference {
			continue
		}
		if found == nil || txn.CreatedAt.Before(found.CreatedAt) {
			t := txn
			found = &t
		}
	}
	if found == nil {
		return nil, notFound("Transaction", reference)
	}
	return found, nil
}

func (m *memStore) sortedTransactions(keep func(model.Transaction) bool) []model.Transaction {
	out := []model.Transaction{}
	for _, txn := range m.txns {
		if keep(txn) {
			out = append(out, txn)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TransactionID > out[j].TransactionID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (m *memStore) ListTransactions(_ context.Context, filter database.TransactionFilter) ([]model.Transaction, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.sortedTransactions(func(t model.Transaction) bool {
		return t.ClientID == filter.ClientID && (filter.Status == "" || t.Status == filter.Status)
	})
	return paginate(all, filter.Page, filter.PageSize), int64(len(all)), nil
}

func (m *memStore) updateProjection(txn *model.Transaction, previousVersion int64, notConfirmed bool) error {
	current, ok := m.txns[txn.TransactionID]
	if !ok || current.Version != previousVersion || (notConfirmed && current.Status == model.StatusConfirmed) {
		return stale(txn.TransactionID)
	}
	m.txns[txn.TransactionID] = *txn
	return nil
}

func (m *memStore) AppendTransition(_ context.Context, write database.TransitionWrite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.txns[write.Transaction.TransactionID]
	if !ok || current.Version != write.Event.Sequence-1 {
		return stale(write.Transaction.TransactionID)
	}
	if err := m.insertEvent(write.Event); err != nil {
		return err
	}
	m.txns[write.Transaction.TransactionID] = *write.Transaction
	if write.Snapshot != nil {
		m.snapshots[write.Snapshot.TransactionID] = append(m.snapshots[write.Snapshot.TransactionID], *write.Snapshot)
	}
	return nil
}

func (m *memStore) GetTransactionEvents(_ context.Context, id string, afterSequence int64) ([]model.TransactionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.TransactionEvent{}
	for _, ev := range m.events[id] {
		if ev.Sequence > afterSequence {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (m *memStore) GetLatestSnapshot(_ context.Context, id string) (*model.TransactionSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *model.TransactionSnapshot
	for _, s := range m.snapshots[id] {
		if latest == nil || s.Version > latest.Version {
			snap := s
			latest = &snap
		}
	}
	return latest, nil
}

func (m *memStore) GetExpiredQRTransactions(_ context.Context, before time.Time, limit int) ([]model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sortedTransactions(func(t model.Transaction) bool {
		exp := t.QRExpiresAt()
		return t.Status == model.StatusPending && exp != nil && !exp.After(before)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) GetStalledTransactions(_ context.Context, createdBefore time.Time, limit int) ([]model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sortedTransactions(func(t model.Transaction) bool {
		return t.Status == model.StatusPending && t.QRExpiresAt() == nil && !t.Provisional && !t.CreatedAt.After(createdBefore)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) hasEntry(accountID string, op model.LedgerOperation, correlationID string) bool {
	for _, e := range m.entries {
		if e.AccountID == accountID && e.Operation == op && e.CorrelationID == correlationID {
			return true
		}
	}
	return false
}

func (m *memStore) GetUnreversedTransactions(_ context.Context, updatedBefore time.Time, limit int) ([]model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sortedTransactions(func(t model.Transaction) bool {
		return (t.Status == model.StatusFailed || t.Status == model.StatusCancelled) &&
			!t.UpdatedAt.After(updatedBefore) &&
			m.hasEntry(t.AccountID, model.OperationDebit, t.TransactionID) &&
			!m.hasEntry(t.AccountID, model.OperationCredit, t.TransactionID+":reversal")
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ListUnreconciled(_ context.Context, page, pageSize int) ([]model.Transaction, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.sortedTransactions(func(t model.Transaction) bool { return t.NeedsReconciliation })
	return paginate(all, page, pageSize), int64(len(all)), nil
}

func (m *memStore) ListOpenInbound(_ context.Context, currency string, limit int) ([]model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sortedTransactions(func(t model.Transaction) bool {
		open := t.Status == model.StatusPending || t.Status == model.StatusProcessing || t.Status == model.StatusIssued
		return open && !t.Provisional && t.Currency == currency && t.IsInboundCharge()
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) GetAllTransactions(_ context.Context, limit, offset int) ([]model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.sortedTransactions(func(model.Transaction) bool { return true })
	if offset >= len(all) {
		return []model.Transaction{}, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Accounts

func (m *memStore) CreateAccount(_ context.Context, account *model.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[account.AccountID]; ok {
		return apierror.NewAPIError(apierror.ErrConflict, "Account with this ID already exists", nil)
	}
	m.accounts[account.AccountID] = *account
	return nil
}

func (m *memStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[id]
	if !ok {
		return nil, notFound("Account", id)
	}
	return &acc, nil
}

func (m *memStore) sortedAccounts(keep func(model.Account) bool) []model.Account {
	out := []model.Account{}
	for _, acc := range m.accounts {
		if keep(acc) {
			out = append(out, acc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

func (m *memStore) ListAccounts(_ context.Context, clientID string) ([]model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedAccounts(func(a model.Account) bool { return a.ClientID == clientID }), nil
}

func (m *memStore) GetAllAccounts(_ context.Context, limit, offset int) ([]model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.sortedAccounts(func(model.Account) bool { return true })
	if offset >= len(all) {
		return []model.Account{}, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *memStore) ListActiveAccounts(_ context.Context, clientID, bankCode string) ([]model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedAccounts(func(a model.Account) bool {
		return a.ClientID == clientID && a.Active && !a.Suspense && (bankCode == "" || a.BankCode == bankCode)
	}), nil
}

func (m *memStore) GetSuspenseAccount(_ context.Context, currency string) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := m.sortedAccounts(func(a model.Account) bool { return a.Suspense && a.Active && a.Currency == currency })
	if len(found) == 0 {
		return nil, notFound("Suspense account", currency)
	}
	return &found[0], nil
}

func (m *memStore) GetEntryByCorrelation(_ context.Context, accountID string, op model.LedgerOperation, correlationID string) (*model.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.AccountID == accountID && e.Operation == op && e.CorrelationID == correlationID {
			entry := e
			return &entry, nil
		}
	}
	return nil, notFound("Entry", correlationID)
}

// applyLedgerWrites checks every write before applying any of them.
func (m *memStore) applyLedgerWrites(writes []database.LedgerWrite) error {
	for _, w := range writes {
		if w.Entry.CorrelationID != "" {
			for _, e := range m.entries {
				if e.AccountID == w.Entry.AccountID && e.Operation == w.Entry.Operation && e.CorrelationID == w.Entry.CorrelationID {
					return apierror.NewAPIError(apierror.ErrConflict, "Entry already recorded", database.ErrDuplicateEntry)
				}
			}
		}
		current, ok := m.accounts[w.Account.AccountID]
		if !ok || current.Version != w.ExpectedVersion {
			return stale(w.Account.AccountID)
		}
	}
	for _, w := range writes {
		m.entries = append(m.entries, w.Entry)
		m.accounts[w.Account.AccountID] = *w.Account
	}
	return nil
}

func (m *memStore) CommitLedgerWrites(_ context.Context, writes ...database.LedgerWrite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		err := m.commitErr
		m.commitErr = nil
		if m.commitApplies {
			if applyErr := m.applyLedgerWrites(writes); applyErr != nil {
				return applyErr
			}
		}
		return err
	}
	return m.applyLedgerWrites(writes)
}

func (m *memStore) ListEntries(_ context.Context, filter model.StatementFilter) ([]model.LedgerEntry, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.LedgerEntry{}
	for _, e := range m.entries {
		acc := m.accounts[e.AccountID]
		if acc.ClientID != filter.ClientID || (filter.AccountID != "" && e.AccountID != filter.AccountID) {
			continue
		}
		if e.CreatedAt.Before(filter.Start) || e.CreatedAt.After(filter.End) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, filter.Page, filter.PageSize), int64(len(out)), nil
}

func (m *memStore) balances() map[string]model.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]model.Account, len(m.accounts))
	for k, v := range m.accounts {
		out[k] = v
	}
	return out
}

func (m *memStore) entriesFor(accountID string) []model.LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.LedgerEntry
	for _, e := range m.entries {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out
}

// Routing

func (m *memStore) GetRoutingConfiguration(_ context.Context, clientID string) (*model.RoutingConfiguration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.routing[clientID]
	if !ok {
		return nil, notFound("Routing configuration", clientID)
	}
	return &cfg, nil
}

func (m *memStore) UpsertRoutingConfiguration(_ context.Context, cfg *model.RoutingConfiguration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routing[cfg.ClientID] = *cfg
	return nil
}

// Webhooks

func (m *memStore) CreateSubscription(_ context.Context, sub *model.WebhookSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.SubscriptionID] = *sub
	return nil
}

func (m *memStore) GetSubscription(_ context.Context, id string) (*model.WebhookSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, notFound("Subscription", id)
	}
	return &sub, nil
}

func (m *memStore) ListSubscriptions(_ context.Context, clientID string, active *bool, page, pageSize int) ([]model.WebhookSubscription, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.WebhookSubscription{}
	for _, s := range m.subs {
		if s.ClientID == clientID && (active == nil || s.Active == *active) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubscriptionID < out[j].SubscriptionID })
	return paginate(out, page, pageSize), int64(len(out)), nil
}

func (m *memStore) GetActiveSubscriptions(ctx context.Context, clientID string) ([]model.WebhookSubscription, error) {
	active := true
	subs, _, err := m.ListSubscriptions(ctx, clientID, &active, 1, 1000)
	return subs, err
}

func (m *memStore) UpdateSubscription(_ context.Context, sub *model.WebhookSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.SubscriptionID]; !ok {
		return notFound("Subscription", sub.SubscriptionID)
	}
	m.subs[sub.SubscriptionID] = *sub
	return nil
}

func (m *memStore) DeleteSubscription(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return notFound("Subscription", id)
	}
	delete(m.subs, id)
	for k, d := range m.deliveries {
		if d.SubscriptionID == id {
			delete(m.deliveries, k)
		}
	}
	return nil
}

func (m *memStore) CreateDelivery(_ context.Context, delivery *model.WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.deliveries {
		if d.EventID == delivery.EventID && d.SubscriptionID == delivery.SubscriptionID {
			return apierror.NewAPIError(apierror.ErrConflict, "Delivery already recorded for this event and subscription", nil)
		}
	}
	m.deliveries[delivery.DeliveryID] = *delivery
	return nil
}

func (m *memStore) GetDelivery(_ context.Context, id string) (*model.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, notFound("Delivery", id)
	}
	return &d, nil
}

func (m *memStore) RecordDeliveryAttempt(_ context.Context, delivery *model.WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[delivery.DeliveryID] = *delivery
	sub := m.subs[delivery.SubscriptionID]
	if delivery.Status == model.DeliveryDelivered {
		sub.SuccessCount++
	} else {
		sub.FailureCount++
	}
	m.subs[delivery.SubscriptionID] = sub
	return nil
}

func (m *memStore) ListDeliveries(_ context.Context, subscriptionID string, status model.DeliveryStatus, page, pageSize int) ([]model.WebhookDelivery, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.WebhookDelivery{}
	for _, d := range m.deliveries {
		if d.SubscriptionID == subscriptionID && (status == "" || d.Status == status) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, page, pageSize), int64(len(out)), nil
}

func (m *memStore) GetRetryableDeliveries(_ context.Context, now, pendingBefore time.Time, maxAttempts, limit int) ([]model.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.WebhookDelivery{}
	for _, d := range m.deliveries {
		due := d.Status == model.DeliveryFailed && d.NextRetryAt != nil && !d.NextRetryAt.After(now) && d.AttemptCount < maxAttempts
		stalled := d.Status == model.DeliveryPending && !d.CreatedAt.After(pendingBefore)
		if due || stalled {
			out = append(out, d)
		}
	}
	dueAt := func(d model.WebhookDelivery) time.Time {
		if d.NextRetryAt != nil {
			return *d.NextRetryAt
		}
		return d.CreatedAt
	}
	sort.Slice(out, func(i, j int) bool { return dueAt(out[i]).Before(dueAt(out[j])) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Confirmations

func (m *memStore) CommitConfirmation(_ context.Context, commit database.ConfirmationCommit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := commit.Transition.Transaction
	if commit.Initiated != nil {
		for _, existing := range m.txns {
			if existing.Type == txn.Type && existing.ExternalID == txn.ExternalID {
				return apierror.NewAPIError(apierror.ErrConflict, "Transaction with this external id already exists", nil)
			}
		}
	} else {
		current, ok := m.txns[txn.TransactionID]
		if !ok || current.Version != commit.Transition.Event.Sequence-1 || current.Status == model.StatusConfirmed {
			return stale(txn.TransactionID)
		}
	}
	if commit.Ledger != nil {
		if err := m.applyLedgerWrites([]database.LedgerWrite{*commit.Ledger}); err != nil {
			return err
		}
	}
	if commit.Initiated != nil {
		m.txns[txn.TransactionID] = *txn
		m.events[txn.TransactionID] = append(m.events[txn.TransactionID], *commit.Initiated)
	} else {
		m.txns[txn.TransactionID] = *txn
	}
	m.events[txn.TransactionID] = append(m.events[txn.TransactionID], commit.Transition.Event)
	if commit.Transition.Snapshot != nil {
		m.snapshots[txn.TransactionID] = append(m.snapshots[txn.TransactionID], *commit.Transition.Snapshot)
	}
	return nil
}

func (m *memStore) CommitSuspenseResolution(_ context.Context, txn *model.Transaction, writes ...database.LedgerWrite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.txns[txn.TransactionID]
	if !ok || !current.NeedsReconciliation {
		return stale(txn.TransactionID)
	}
	if err := m.applyLedgerWrites(writes); err != nil {
		return err
	}
	current.NeedsReconciliation = false
	current.AccountID = txn.AccountID
	current.BankCode = txn.BankCode
	current.UpdatedAt = txn.UpdatedAt
	m.txns[txn.TransactionID] = current
	return nil
}
