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
	"embed"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/blnkfinance/settle/config"
	"github.com/blnkfinance/settle/database"
	"github.com/blnkfinance/settle/internal/broker"
	"github.com/blnkfinance/settle/internal/hooks"
	redis_db "github.com/blnkfinance/settle/internal/redis-db"
	"github.com/blnkfinance/settle/internal/search"
	"github.com/blnkfinance/settle/rails"
)

var tracer = otel.Tracer("settle.service")

//go:embed sql/*.sql
var SQLFiles embed.FS

// Settle is the PSP core: it owns the transaction state machine, routing,
// the balance ledger, the confirmation consumer and the webhook engine.
type Settle struct {
	datasource database.IDataSource
	config     *config.Configuration
	redis      redis.UniversalClient
	queue      TaskQueue
	search     *search.TypesenseClient
	rails      *rails.Registry
	publisher  broker.Publisher
	dispatcher hooks.Dispatcher
	now        func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option customises a Settle instance built by NewSettle.
type Option func(*Settle)

// WithRedis uses an existing Redis client for locks and caching.
func WithRedis(client redis.UniversalClient) Option {
	return func(s *Settle) { s.redis = client }
}

// WithQueue replaces the asynq task queue.
func WithQueue(q TaskQueue) Option {
	return func(s *Settle) { s.queue = q }
}

// WithRails replaces the rail registry built from configuration.
func WithRails(r *rails.Registry) Option {
	return func(s *Settle) { s.rails = r }
}

// WithPublisher sets the event bus publisher.
func WithPublisher(p broker.Publisher) Option {
	return func(s *Settle) { s.publisher = p }
}

// WithDispatcher sets the webhook HTTP dispatcher.
func WithDispatcher(d hooks.Dispatcher) Option {
	return func(s *Settle) { s.dispatcher = d }
}

// WithSearch sets the Typesense client used for indexing and search.
func WithSearch(c *search.TypesenseClient) Option {
	return func(s *Settle) { s.search = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Settle) { s.now = now }
}

// WithRandSource seeds the routing draw. Tests use it for deterministic splits.
func WithRandSource(src rand.Source) Option {
	return func(s *Settle) { s.rng = rand.New(src) }
}

// NewSettle initializes a new instance of Settle with the provided database datasource.
// Collaborators that are not supplied through options are built from the configuration.
//
// Parameters:
// - db database.IDataSource: The datasource for database operations.
// - opts ...Option: Optional overrides.
//
// Returns:
// - *Settle: A pointer to the newly created Settle instance.
// - error: An error if any of the initialization steps fail.
func NewSettle(db database.IDataSource, opts ...Option) (*Settle, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	s := &Settle{
		datasource: db,
		config:     configuration,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.redis == nil {
		redisClient, err := redis_db.NewRedisClient([]string{configuration.Redis.Dns}, configuration.Redis.SkipTLSVerify)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		s.redis = redisClient.Client()
	}
	if s.queue == nil {
		q, err := NewQueue(configuration)
		if err != nil {
			return nil, err
		}
		s.queue = q
	}
	if s.rails == nil {
		s.rails = rails.NewRegistryFromConfig(configuration.Rails)
	}
	if s.publisher == nil {
		s.publisher = broker.NoopPublisher{}
	}
	if s.dispatcher == nil {
		s.dispatcher = hooks.NewDispatcher(
			hooks.WithSignatureHeader(configuration.Webhook.SignatureHeader),
			hooks.WithUserAgent(configuration.Webhook.DefaultUserAgent),
		)
	}
	if s.search == nil && configuration.TypeSense.Dns != "" {
		s.search = search.NewTypesenseClient(configuration.TypeSenseKey, []string{configuration.TypeSense.Dns})
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return s, nil
}

// DataSource exposes the underlying datasource to command wiring.
func (s *Settle) DataSource() database.IDataSource {
	return s.datasource
}

// Rails returns the rail registry.
func (s *Settle) Rails() *rails.Registry {
	return s.rails
}

func (s *Settle) draw() float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64()
}
