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
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/settle/model"
)

const (
	recoveryBatchSize    = 500
	minRecoveryThreshold = 2 * time.Minute
)

// StalledAfter returns the configured age at which a PENDING transaction
// counts as stalled.
func (s *Settle) StalledAfter() time.Duration {
	return s.config.Transaction.StalledAfter()
}

// RecoverStalledDispatches dispatches PENDING transactions whose dispatch
// task was lost, for example when the queue was unreachable right after
// creation. Only transactions older than threshold are considered; shorter
// thresholds are raised to two minutes so in-flight tasks are not raced.
//
// Parameters:
// - ctx context.Context: The context for the sweep.
// - threshold time.Duration: The minimum age of a stalled transaction.
//
// Returns:
// - int: The number of transactions that left PENDING.
// - error: An error if the stalled transactions could not be read.
func (s *Settle) RecoverStalledDispatches(ctx context.Context, threshold time.Duration) (int, error) {
	ctx, span := tracer.Start(ctx, "RecoverStalledDispatches")
	defer span.End()

	if threshold < minRecoveryThreshold {
		threshold = minRecoveryThreshold
	}
	stalled, err := s.datasource.GetStalledTransactions(ctx, s.now().Add(-threshold), recoveryBatchSize)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if len(stalled) == 0 {
		return 0, nil
	}

	workers := s.config.Transaction.RecoveryWorkers
	if workers <= 0 {
		workers = 1
	}
	logrus.WithFields(logrus.Fields{
		"stalled":   len(stalled),
		"workers":   workers,
		"threshold": threshold.String(),
	}).Info("recovering stalled dispatches")

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	var recovered int64
	for _, txn := range stalled {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			if s.recoverDispatch(ctx, id) {
				atomic.AddInt64(&recovered, 1)
			}
		}(txn.TransactionID)
	}
	wg.Wait()

	return int(recovered), nil
}

// recoverDispatch runs one dispatch and reports whether the transaction
// moved on. Rail errors fail the transaction inside DispatchTransaction;
// anything else leaves it for the next sweep.
func (s *Settle) recoverDispatch(ctx context.Context, id string) bool {
	if err := s.DispatchTransaction(ctx, id); err != nil {
		logrus.WithError(err).WithField("transaction_id", id).Warn("stalled dispatch recovery failed")
		return false
	}
	txn, err := s.datasource.GetTransaction(ctx, id)
	if err != nil {
		return false
	}
	return txn.Status != model.StatusPending
}

// RestoreUnreversedFunds re-applies the reversal credit of FAILED and
// CANCELLED transactions whose debit was never given back, for example
// because the credit failed after the status change was committed. Only
// transactions that stopped changing at least two minutes ago are picked up.
// It returns the number of reversals applied.
func (s *Settle) RestoreUnreversedFunds(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "RestoreUnreversedFunds")
	defer span.End()

	pending, err := s.datasource.GetUnreversedTransactions(ctx, s.now().Add(-minRecoveryThreshold), recoveryBatchSize)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	restored := 0
	for i := range pending {
		if ctx.Err() != nil {
			break
		}
		txn := pending[i]
		err := s.withTransactionLock(ctx, txn.TransactionID, func() error {
			return s.reverseFunds(ctx, &txn)
		})
		if err != nil {
			logrus.WithError(err).WithField("transaction_id", txn.TransactionID).Warn("reversal retry failed")
			continue
		}
		restored++
	}
	return restored, nil
}
