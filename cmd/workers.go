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

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"

	"github.com/blnkfinance/settle"
	"github.com/blnkfinance/settle/config"
	"github.com/blnkfinance/settle/internal/broker"
	redis_db "github.com/blnkfinance/settle/internal/redis-db"
)

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.AsynqOptions(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	concurrency := conf.Queue.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return asynq.NewServer(redisOption, asynq.Config{
		Concurrency: concurrency,
		Queues:      queues,
		Logger:      logrus.StandardLogger(),
	}), nil
}

// startMonitoring serves asynqmon under /monitoring on the monitoring port.
func startMonitoring(conf *config.Configuration) {
	redisOption, err := redis_db.AsynqOptions(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		logrus.WithError(err).Error("asynqmon disabled")
		return
	}
	h := asynqmon.New(asynqmon.Options{
		RootPath:     "/monitoring",
		RedisConnOpt: redisOption,
	})

	go func() {
		monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
		log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
		srv := &http.Server{Addr: monitoringAddr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
		if err := srv.ListenAndServe(); err != nil {
			log.Fatalf("could not start asynqmon server: %v", err)
		}
	}()
}

// consumeConfirmations feeds settlement confirmations from the broker into
// the service until ctx is cancelled. It reconnects after a lost channel.
func consumeConfirmations(ctx context.Context, s *settle.Settle, conf config.BrokerConfig) {
	if conf.URL == "" {
		logrus.Warn("broker url not set, confirmations are only accepted over http")
		return
	}

	handler := s.ConfirmationHandler()
	go func() {
		for {
			consumer, err := broker.NewConsumer(conf.URL)
			if err == nil {
				logrus.WithField("queue", conf.ConfirmationQueue).Info("consuming settlement confirmations")
				err = consumer.Consume(ctx, conf.Exchange, conf.ConfirmationQueue, conf.ConfirmationKey, handler)
				consumer.Close()
			}
			if ctx.Err() != nil {
				return
			}
			logrus.WithError(err).Error("confirmation consumer stopped, reconnecting")

			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}()
}

// workerCommands defines the "workers" command. Workers run the asynq task
// handlers, the periodic sweeps and the confirmation consumer.
func workerCommands(s *settleInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start settle workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			defer s.publisher.Close()

			phClient, shutdown, err := initializeObservability(ctx, s.cnf, "SETTLE_WORKERS")
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()
			if phClient != nil {
				defer phClient.Close()
			}

			srv, err := initializeWorkerServer(s.cnf, s.settle.WorkerQueues())
			if err != nil {
				log.Fatal(err)
			}
			mux := asynq.NewServeMux()
			s.settle.RegisterTaskHandlers(mux)

			scheduler, err := settle.NewScheduler(s.settle)
			if err != nil {
				log.Fatal(err)
			}
			scheduler.Start()
			defer scheduler.Stop()

			startMonitoring(s.cnf)
			consumeConfirmations(ctx, s.settle, s.cnf.Broker)

			// Run blocks until SIGTERM or SIGINT.
			if err := srv.Run(mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
