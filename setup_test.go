package settle

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/blnkfinance/settle/config"
	"github.com/blnkfinance/settle/internal/hooks"
	"github.com/blnkfinance/settle/model"
	"github.com/blnkfinance/settle/rails"
)

const (
	testClient = "client_acme"
	testBank   = "001"
)

type fakeQueue struct {
	mu         sync.Mutex
	dispatched []string
	expiries   map[string]time.Time
	deliveries []string
	indexed    []string
	err        error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{expiries: make(map[string]time.Time)}
}

func (q *fakeQueue) EnqueueDispatch(_ context.Context, txn *model.Transaction) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dispatched = append(q.dispatched, txn.TransactionID)
	return q.err
}

func (q *fakeQueue) EnqueueExpiry(_ context.Context, id string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.expiries[id] = at
	return q.err
}

func (q *fakeQueue) EnqueueDelivery(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deliveries = append(q.deliveries, id)
	return q.err
}

func (q *fakeQueue) EnqueueIndex(_ context.Context, collection string, _ interface{}) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.indexed = append(q.indexed, collection)
	return nil
}

func (q *fakeQueue) deliveryIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.deliveries...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(_ context.Context, routingKey, _ string, _ interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, routingKey)
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e == eventType {
			n++
		}
	}
	return n
}

// fakeDispatcher answers webhook attempts from a scripted list of status
// codes; the last code repeats once the list runs out.
type fakeDispatcher struct {
	mu       sync.Mutex
	codes    []int
	requests []hooks.Request
}

func (d *fakeDispatcher) Dispatch(_ context.Context, req hooks.Request) (hooks.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	code := 200
	if len(d.codes) > 0 {
		code = d.codes[0]
		if len(d.codes) > 1 {
			d.codes = d.codes[1:]
		}
	}
	if code < 200 || code > 299 {
		return hooks.Result{StatusCode: code}, &hooks.StatusError{StatusCode: code}
	}
	return hooks.Result{StatusCode: code}, nil
}

func (d *fakeDispatcher) attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

// testClock is a settable time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	settle     *Settle
	store      *memStore
	queue      *fakeQueue
	publisher  *recordingPublisher
	dispatcher *fakeDispatcher
	rail       *rails.SandboxRail
	clock      *testClock
	redis      *miniredis.Miniredis
}

func newTestEnv(t *testing.T, tweak ...func(*config.Configuration)) *testEnv {
	t.Helper()
	cnf := &config.Configuration{}
	cnf.Transaction.ISPB = "12345678"
	cnf.Webhook.BaseBackoffSec = 1
	cnf.Webhook.MaxBackoffSec = 60
	for _, fn := range tweak {
		fn(cnf)
	}
	config.MockDefaults(cnf)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	env := &testEnv{
		store:      newMemStore(),
		queue:      newFakeQueue(),
		publisher:  &recordingPublisher{},
		dispatcher: &fakeDispatcher{},
		rail:       rails.NewSandboxRail(testBank),
		clock:      &testClock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)},
		redis:      mr,
	}
	registry := rails.NewRegistry()
	registry.Register(testBank, env.rail)

	env.settle, err = NewSettle(env.store,
		WithRedis(client),
		WithQueue(env.queue),
		WithRails(registry),
		WithPublisher(env.publisher),
		WithDispatcher(env.dispatcher),
		WithClock(env.clock.Now),
		WithRandSource(rand.NewSource(42)),
	)
	require.NoError(t, err)
	return env
}

func (e *testEnv) account(t *testing.T, clientID, bank string, available int64) *model.Account {
	t.Helper()
	acc, err := e.settle.CreateAccount(context.Background(), &model.Account{
		ClientID: clientID,
		BankCode: bank,
		Currency: "BRL",
	})
	require.NoError(t, err)
	if available > 0 {
		_, err = e.settle.Credit(context.Background(), acc.AccountID, decimal.NewFromInt(available), "funding", "")
		require.NoError(t, err)
	}
	got, err := e.store.GetAccount(context.Background(), acc.AccountID)
	require.NoError(t, err)
	return got
}

func pixTransfer(externalID string, amount int64) NewTransaction {
	return NewTransaction{
		ExternalID: externalID,
		ClientID:   testClient,
		Type:       model.TypeInstantTransfer,
		Amount:     decimal.NewFromInt(amount),
		Currency:   "BRL",
		Details: model.TransactionDetails{
			InstantTransfer: &model.InstantTransferDetails{TargetKey: "maria@example.com", TargetName: "Maria Souza"},
		},
	}
}

func dynamicQRCharge(externalID string, amount int64) NewTransaction {
	return NewTransaction{
		ExternalID: externalID,
		ClientID:   testClient,
		Type:       model.TypeInstantTransfer,
		Amount:     decimal.NewFromInt(amount),
		Currency:   "BRL",
		Details: model.TransactionDetails{
			InstantTransfer: &model.InstantTransferDetails{QR: &model.QRCode{Dynamic: true}},
		},
	}
}

func billPayment(externalID string, amount int64, payer string) NewTransaction {
	return NewTransaction{
		ExternalID: externalID,
		ClientID:   testClient,
		Type:       model.TypeBillPayment,
		Amount:     decimal.NewFromInt(amount),
		Currency:   "BRL",
		Details: model.TransactionDetails{
			BillPayment: &model.BillPaymentDetails{
				DueDate:    time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC),
				PayerTaxID: "12345678909",
				PayerName:  payer,
			},
		},
	}
}

var errGatewayDown = errors.New("gateway down")
