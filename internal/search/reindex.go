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

package search

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/blnkfinance/settle/model"
	"github.com/sirupsen/logrus"
)

// ReindexProgress tracks the progress of a reindex operation.
type ReindexProgress struct {
	Status           string     `json:"status"` // "pending", "in_progress", "completed", "failed"
	Phase            string     `json:"phase"`
	TotalRecords     int64      `json:"total_records"`
	ProcessedRecords int64      `json:"processed_records"`
	Errors           []string   `json:"errors,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// Source pages through everything that gets indexed.
type Source interface {
	GetAllTransactions(ctx context.Context, limit, offset int) ([]model.Transaction, error)
	GetAllAccounts(ctx context.Context, limit, offset int) ([]model.Account, error)
}

// Indexer is the part of TypesenseClient the reindexer needs.
type Indexer interface {
	DropCollection(ctx context.Context, collectionName string) error
	EnsureCollectionsExist(ctx context.Context) error
	HandleNotification(ctx context.Context, collection string, data map[string]interface{}) error
}

// ReindexService rebuilds the search collections from the database.
type ReindexService struct {
	index     Indexer
	source    Source
	batchSize int
	progress  *ReindexProgress
	mu        sync.RWMutex
}

func NewReindexService(index Indexer, source Source, batchSize int) *ReindexService {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &ReindexService{
		index:     index,
		source:    source,
		batchSize: batchSize,
		progress:  &ReindexProgress{Status: "pending"},
	}
}

// GetProgress returns a copy of the current progress.
func (r *ReindexService) GetProgress() ReindexProgress {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p := *r.progress
	p.Errors = append([]string(nil), r.progress.Errors...)
	return p
}

func (r *ReindexService) setPhase(phase string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress.Phase = phase
}

func (r *ReindexService) addError(err string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress.Errors = append(r.progress.Errors, err)
}

func (r *ReindexService) addProcessed(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress.ProcessedRecords += n
	r.progress.TotalRecords = r.progress.ProcessedRecords
}

// StartReindex drops and recreates every collection, then indexes accounts
// followed by transactions. Per-record failures are collected in the
// progress instead of aborting the run.
func (r *ReindexService) StartReindex(ctx context.Context) (ReindexProgress, error) {
	r.mu.Lock()
	r.progress = &ReindexProgress{Status: "in_progress", Phase: "starting", StartedAt: time.Now()}
	r.mu.Unlock()

	logrus.Info("Starting reindex operation")

	r.setPhase("drop_collections")
	for _, c := range Collections() {
		if err := r.index.DropCollection(ctx, c); err != nil {
			return r.fail(err, "drop_collections")
		}
	}

	r.setPhase("create_collections")
	if err := r.index.EnsureCollectionsExist(ctx); err != nil {
		return r.fail(err, "create_collections")
	}

	r.setPhase("indexing_accounts")
	if err := r.indexAll(ctx, CollectionAccounts, func(limit, offset int) ([]interface{}, []string, error) {
		accounts, err := r.source.GetAllAccounts(ctx, limit, offset)
		items := make([]interface{}, len(accounts))
		ids := make([]string, len(accounts))
		for i := range accounts {
			items[i], ids[i] = accounts[i], accounts[i].AccountID
		}
		return items, ids, err
	}); err != nil {
		return r.fail(err, "indexing_accounts")
	}

	r.setPhase("indexing_transactions")
	if err := r.indexAll(ctx, CollectionTransactions, func(limit, offset int) ([]interface{}, []string, error) {
		txns, err := r.source.GetAllTransactions(ctx, limit, offset)
		items := make([]interface{}, len(txns))
		ids := make([]string, len(txns))
		for i := range txns {
			items[i], ids[i] = txns[i], txns[i].TransactionID
		}
		return items, ids, err
	}); err != nil {
		return r.fail(err, "indexing_transactions")
	}

	r.mu.Lock()
	now := time.Now()
	r.progress.Status = "completed"
	r.progress.Phase = "done"
	r.progress.CompletedAt = &now
	r.mu.Unlock()

	progress := r.GetProgress()
	logrus.WithFields(logrus.Fields{
		"processed_records": progress.ProcessedRecords,
		"errors":            len(progress.Errors),
		"duration":          time.Since(progress.StartedAt).String(),
	}).Info("Reindex operation completed")
	return progress, nil
}

func (r *ReindexService) indexAll(ctx context.Context, collection string, page func(limit, offset int) ([]interface{}, []string, error)) error {
	offset := 0
	for {
		items, ids, err := page(r.batchSize, offset)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}

		var indexed int64
		for i, item := range items {
			data, err := ToMap(item)
			if err == nil {
				err = r.index.HandleNotification(ctx, collection, data)
			}
			if err != nil {
				r.addError(collection + " " + ids[i] + ": " + err.Error())
				continue
			}
			indexed++
		}
		r.addProcessed(indexed)
		offset += len(items)
	}
}

func (r *ReindexService) fail(err error, phase string) (ReindexProgress, error) {
	r.mu.Lock()
	now := time.Now()
	r.progress.Status = "failed"
	r.progress.Phase = phase
	r.progress.CompletedAt = &now
	r.progress.Errors = append(r.progress.Errors, err.Error())
	r.mu.Unlock()

	logrus.WithError(err).WithField("phase", phase).Error("Reindex operation failed")
	return r.GetProgress(), err
}

// ToMap converts a record to the generic map the indexer works on.
func ToMap(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
