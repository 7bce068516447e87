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

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Scheduler runs the periodic sweeps: failed webhook deliveries that are due
// again, dynamic QR charges past their expiry, stalled dispatches and
// reversals that never landed.
type Scheduler struct {
	cron   *cron.Cron
	settle *Settle
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler registers the sweep jobs. Runs of the same job never overlap.
func NewScheduler(s *Settle) (*Scheduler, error) {
	cronLogger := cron.PrintfLogger(logrus.StandardLogger())
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))
	ctx, cancel := context.WithCancel(context.Background())
	sch := &Scheduler{cron: c, settle: s, ctx: ctx, cancel: cancel}

	if _, err := c.AddFunc(s.config.Webhook.SweepSchedule, sch.retryDeliveries); err != nil {
		cancel()
		return nil, err
	}
	if _, err := c.AddFunc(s.config.Transaction.ExpirySweepCron, sch.expireQRCodes); err != nil {
		cancel()
		return nil, err
	}
	if _, err := c.AddFunc(s.config.Transaction.RecoveryCron, sch.recoverDispatches); err != nil {
		cancel()
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"webhook_sweep":  s.config.Webhook.SweepSchedule,
		"expiry_sweep":   s.config.Transaction.ExpirySweepCron,
		"recovery_sweep": s.config.Transaction.RecoveryCron,
	}).Info("scheduled sweep jobs")
	return sch, nil
}

func (sch *Scheduler) Start() {
	sch.cron.Start()
}

// Stop halts scheduling and waits for running jobs to return.
func (sch *Scheduler) Stop() {
	sch.cancel()
	<-sch.cron.Stop().Done()
}

func (sch *Scheduler) retryDeliveries() {
	n, err := sch.settle.RetryFailedDeliveries(sch.ctx)
	if err != nil {
		logrus.WithError(err).Error("webhook retry sweep failed")
		return
	}
	if n > 0 {
		logrus.WithField("attempted", n).Info("webhook retry sweep")
	}
}

func (sch *Scheduler) expireQRCodes() {
	n, err := sch.settle.ExpireDueQRCodes(sch.ctx)
	if err != nil {
		logrus.WithError(err).Error("qr expiry sweep failed")
		return
	}
	if n > 0 {
		logrus.WithField("expired", n).Info("qr expiry sweep")
	}
}

func (sch *Scheduler) recoverDispatches() {
	n, err := sch.settle.RecoverStalledDispatches(sch.ctx, sch.settle.config.Transaction.StalledAfter())
	if err != nil {
		logrus.WithError(err).Error("dispatch recovery sweep failed")
		return
	}
	if n > 0 {
		logrus.WithField("recovered", n).Info("dispatch recovery sweep")
	}

	restored, err := sch.settle.RestoreUnreversedFunds(sch.ctx)
	if err != nil {
		logrus.WithError(err).Error("reversal recovery sweep failed")
		return
	}
	if restored > 0 {
		logrus.WithField("restored", restored).Info("reversal recovery sweep")
	}
}

// pendingDeliveryGrace is how long a PENDING delivery is left to its queued
// first attempt before the sweep takes it over.
const pendingDeliveryGrace = 2 * time.Minute

// RetryFailedDeliveries attempts every FAILED delivery whose next retry time
// has passed, and every PENDING delivery whose queued first attempt never
// ran, at most Webhook.Workers at a time. It returns the number of
// deliveries attempted.
func (s *Settle) RetryFailedDeliveries(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "RetryFailedDeliveries")
	defer span.End()

	policy := s.retryPolicy()
	now := s.now()
	due, err := s.datasource.GetRetryableDeliveries(ctx, now, now.Add(-pendingDeliveryGrace), policy.MaxAttempts, s.config.Webhook.SweepBatchSize)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	workers := s.config.Webhook.Workers
	if workers <= 0 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	var attempted int64

	for _, d := range due {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(id string) {
			defer func() {
				<-sem
				wg.Done()
			}()
			delivery, err := s.ProcessDelivery(ctx, id)
			if err != nil {
				logrus.WithError(err).WithField("delivery_id", id).Error("webhook retry failed")
				return
			}
			if delivery != nil {
				atomic.AddInt64(&attempted, 1)
			}
		}(d.DeliveryID)
	}
	wg.Wait()
	return int(attempted), ctx.Err()
}
