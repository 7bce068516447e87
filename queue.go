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
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/settle/config"
	redis_db "github.com/blnkfinance/settle/internal/redis-db"
	"github.com/blnkfinance/settle/model"
)

// TaskQueue is the background work Settle schedules.
type TaskQueue interface {
	EnqueueDispatch(ctx context.Context, txn *model.Transaction) error
	EnqueueExpiry(ctx context.Context, transactionID string, at time.Time) error
	EnqueueDelivery(ctx context.Context, deliveryID string) error
	EnqueueIndex(ctx context.Context, collection string, data interface{}) error
}

// Queue represents a queue for handling various tasks.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
	conf      config.QueueConfig
	maxRetry  int
	indexing  bool
}

// TransactionTaskPayload is the payload of dispatch and expiry tasks.
type TransactionTaskPayload struct {
	TransactionID string `json:"transaction_id"`
}

// DeliveryTaskPayload is the payload of webhook delivery tasks.
type DeliveryTaskPayload struct {
	DeliveryID string `json:"delivery_id"`
}

// IndexTaskPayload carries a record to upsert into a search collection.
type IndexTaskPayload struct {
	Collection string          `json:"collection"`
	Payload    json.RawMessage `json:"payload"`
}

// NewQueue initializes a new Queue instance with the provided configuration.
//
// Parameters:
// - conf *config.Configuration: The configuration for the queue.
//
// Returns:
// - *Queue: A pointer to the newly created Queue instance.
// - error: An error if the Redis address cannot be parsed.
func NewQueue(conf *config.Configuration) (*Queue, error) {
	queueOptions, err := redis_db.AsynqOptions(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return &Queue{
		Client:    asynq.NewClient(queueOptions),
		Inspector: asynq.NewInspector(queueOptions),
		conf:      conf.Queue,
		maxRetry:  conf.Transaction.DispatchMaxRetry,
		indexing:  conf.TypeSense.Dns != "",
	}, nil
}

// DispatchQueueName picks the dispatch queue for an account. All dispatches
// of one account land on the same queue, so they are processed in order and
// never compete for the account row.
//
// Parameters:
// - base string: The configured dispatch queue prefix.
// - accountID string: The routed account.
// - numberOfQueues int: How many dispatch queues exist.
//
// Returns:
// - string: The queue name, e.g. "settle_dispatch_7".
func DispatchQueueName(base, accountID string, numberOfQueues int) string {
	if numberOfQueues <= 0 {
		numberOfQueues = 1
	}
	return fmt.Sprintf("%s_%d", base, hashAccountID(accountID, numberOfQueues)+1)
}

func hashAccountID(accountID string, numberOfQueues int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(accountID))
	return int(h.Sum32() % uint32(numberOfQueues))
}

func (q *Queue) enqueue(ctx context.Context, task *asynq.Task, what string, fields logrus.Fields) error {
	info, err := q.Client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		logrus.WithFields(fields).Debugf("%s already enqueued", what)
		return nil
	}
	if err != nil {
		logrus.WithError(err).WithFields(fields).Errorf("failed to enqueue %s", what)
		return err
	}
	fields["queue"] = info.Queue
	logrus.WithFields(fields).Debugf("enqueued %s", what)
	return nil
}

// EnqueueDispatch schedules the rail call of a newly created transaction.
// Enqueueing the same transaction twice is a no-op.
func (q *Queue) EnqueueDispatch(ctx context.Context, txn *model.Transaction) error {
	ctx, span := tracer.Start(ctx, "Adding transaction to dispatch queue")
	defer span.End()

	payload, err := json.Marshal(TransactionTaskPayload{TransactionID: txn.TransactionID})
	if err != nil {
		return err
	}
	queueName := DispatchQueueName(q.conf.DispatchQueue, txn.AccountID, q.conf.NumberOfQueues)
	task := asynq.NewTask(queueName, payload,
		asynq.Queue(queueName),
		asynq.TaskID("dispatch:"+txn.TransactionID),
		asynq.MaxRetry(q.maxRetry),
	)
	err = q.enqueue(ctx, task, "transaction dispatch", logrus.Fields{"transaction_id": txn.TransactionID})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// EnqueueExpiry schedules the expiry check of a dynamic QR charge at its deadline.
func (q *Queue) EnqueueExpiry(ctx context.Context, transactionID string, at time.Time) error {
	payload, err := json.Marshal(TransactionTaskPayload{TransactionID: transactionID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(q.conf.ExpiryQueue, payload,
		asynq.Queue(q.conf.ExpiryQueue),
		asynq.TaskID("expiry:"+transactionID),
		asynq.ProcessAt(at),
	)
	return q.enqueue(ctx, task, "qr expiry", logrus.Fields{"transaction_id": transactionID, "expires_at": at})
}

// EnqueueDelivery schedules the first attempt of a webhook delivery. Later
// attempts are driven by the retry sweep, so asynq never retries it.
func (q *Queue) EnqueueDelivery(ctx context.Context, deliveryID string) error {
	payload, err := json.Marshal(DeliveryTaskPayload{DeliveryID: deliveryID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(q.conf.WebhookQueue, payload,
		asynq.Queue(q.conf.WebhookQueue),
		asynq.TaskID("delivery:"+deliveryID),
		asynq.MaxRetry(0),
	)
	return q.enqueue(ctx, task, "webhook delivery", logrus.Fields{"delivery_id": deliveryID})
}

// EnqueueIndex enqueues a task to index data in a specified collection.
// It does nothing when search is not configured.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - collection string: The name of the collection to index the data in.
// - data interface{}: The data to be indexed.
//
// Returns:
// - error: An error if the task could not be enqueued.
func (q *Queue) EnqueueIndex(ctx context.Context, collection string, data interface{}) error {
	if !q.indexing {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(IndexTaskPayload{Collection: collection, Payload: raw})
	if err != nil {
		return err
	}
	task := asynq.NewTask(q.conf.IndexQueue, payload, asynq.Queue(q.conf.IndexQueue))
	return q.enqueue(ctx, task, "index data", logrus.Fields{"collection": collection})
}

// DispatchQueueNames lists every dispatch shard, for worker registration.
func DispatchQueueNames(conf config.QueueConfig) []string {
	names := make([]string, 0, conf.NumberOfQueues)
	for i := 1; i <= conf.NumberOfQueues; i++ {
		names = append(names, fmt.Sprintf("%s_%d", conf.DispatchQueue, i))
	}
	return names
}

// Close releases the asynq client and inspector.
func (q *Queue) Close() error {
	_ = q.Inspector.Close()
	return q.Client.Close()
}
