package settle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blnkfinance/settle/config"
	"github.com/blnkfinance/settle/model"
)

func TestDispatchQueueName(t *testing.T) {
	const queues = 20
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		accountID := fmt.Sprintf("acc_%d", i)
		name := DispatchQueueName("settle_dispatch", accountID, queues)
		assert.Equal(t, name, DispatchQueueName("settle_dispatch", accountID, queues), "queue must be stable per account")
		seen[name] = true
	}

	names := DispatchQueueNames(config.QueueConfig{DispatchQueue: "settle_dispatch", NumberOfQueues: queues})
	require.Len(t, names, queues)
	assert.Equal(t, "settle_dispatch_1", names[0])
	assert.Equal(t, "settle_dispatch_20", names[queues-1])
	for name := range seen {
		assert.Contains(t, names, name)
	}
	assert.Greater(t, len(seen), 1)

	assert.Equal(t, "settle_dispatch_1", DispatchQueueName("settle_dispatch", "acc_1", 0))
}

func task(t *testing.T, typename string, payload interface{}) *asynq.Task {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return asynq.NewTask(typename, raw)
}

func TestHandleDispatchTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.account(t, testClient, testBank, 100)

	txn, _, err := env.settle.CreateTransaction(ctx, pixTransfer("pix-task", 10))
	require.NoError(t, err)
	queueName := DispatchQueueName("settle_dispatch", txn.AccountID, 20)

	err = env.settle.HandleDispatchTask(ctx, asynq.NewTask(queueName, []byte("{")))
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	err = env.settle.HandleDispatchTask(ctx, task(t, queueName, TransactionTaskPayload{TransactionID: "txn_missing"}))
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	require.NoError(t, env.settle.HandleDispatchTask(ctx, task(t, queueName, TransactionTaskPayload{TransactionID: txn.TransactionID})))
	got, err := env.settle.GetTransaction(ctx, txn.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, got.Status)

	// Redelivery of a task that already ran is harmless.
	require.NoError(t, env.settle.HandleDispatchTask(ctx, task(t, queueName, TransactionTaskPayload{TransactionID: txn.TransactionID})))
	assert.Len(t, env.rail.Calls(), 1)
}

func TestHandleExpiryTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.account(t, testClient, testBank, 0)

	qr, _, err := env.settle.CreateTransaction(ctx, dynamicQRCharge("qr-task", 10))
	require.NoError(t, err)

	err = env.settle.HandleExpiryTask(ctx, task(t, "settle_expiry", TransactionTaskPayload{TransactionID: "txn_missing"}))
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	env.clock.Advance(31 * time.Minute)
	require.NoError(t, env.settle.HandleExpiryTask(ctx, task(t, "settle_expiry", TransactionTaskPayload{TransactionID: qr.TransactionID})))

	got, err := env.settle.GetTransaction(ctx, qr.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, got.Status)
}

func TestHandleDeliveryAndIndexTasks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	subscribe(t, env, testClient, model.WildcardEvent)

	deliveries, err := env.settle.PublishEvent(ctx, domainEvent(t, env, model.EventTransactionConfirmed, testClient))
	require.NoError(t, err)
	id := deliveries[0].DeliveryID

	require.NoError(t, env.settle.HandleDeliveryTask(ctx, task(t, "settle_webhooks", DeliveryTaskPayload{DeliveryID: id})))
	got, err := env.store.GetDelivery(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryDelivered, got.Status)

	err = env.settle.HandleDeliveryTask(ctx, asynq.NewTask("settle_webhooks", []byte("nope")))
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	// Without a search backend indexing tasks are acknowledged and dropped.
	assert.NoError(t, env.settle.HandleIndexTask(ctx, asynq.NewTask("settle_index", []byte("nope"))))
}

func TestRegisterTaskHandlers(t *testing.T) {
	env := newTestEnv(t, func(c *config.Configuration) { c.Queue.NumberOfQueues = 3 })
	mux := asynq.NewServeMux()
	env.settle.RegisterTaskHandlers(mux)

	for _, typename := range []string{"settle_dispatch_1", "settle_dispatch_3", "settle_expiry", "settle_webhooks", "settle_index"} {
		_, pattern := mux.Handler(asynq.NewTask(typename, nil))
		assert.Equal(t, typename, pattern)
	}

	queues := env.settle.WorkerQueues()
	assert.Len(t, queues, 6)
	assert.Equal(t, 3, queues["settle_webhooks"])
	assert.Equal(t, 2, queues["settle_dispatch_2"])
	assert.Equal(t, 1, queues["settle_index"])
}
