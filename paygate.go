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

package paygate

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/blnkfinance/paygate/config"
	"github.com/blnkfinance/paygate/database"
	"github.com/blnkfinance/paygate/internal/cache"
	"github.com/blnkfinance/paygate/internal/callback"
	"github.com/blnkfinance/paygate/internal/ledger"
	redis_db "github.com/blnkfinance/paygate/internal/redis-db"
	"github.com/blnkfinance/paygate/internal/resilience"
	"github.com/blnkfinance/paygate/internal/routing"
	"github.com/blnkfinance/paygate/internal/throttle"
	"github.com/blnkfinance/paygate/internal/webhookqueue"
	"github.com/blnkfinance/paygate/model"
	"github.com/blnkfinance/paygate/provider"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

//go:embed sql/*.sql
var SQLFiles embed.FS

// CallbackSender delivers a transaction outcome to a merchant.
type CallbackSender interface {
	Send(ctx context.Context, url, secret string, payload model.CallbackPayload) error
}

// Paygate owns the transaction workflow. Every status change made by
// initiation, webhooks, status-sync and expiry goes through applyTransition.
type Paygate struct {
	config     *config.Configuration
	datasource database.IDataSource
	redis      redis.UniversalClient
	wrapper    *resilience.Wrapper
	limiter    throttle.Limiter
	selector   *routing.Selector
	providers  *provider.Registry
	webhooks   webhookqueue.Queue
	ledger     ledger.Poster
	callbacks  CallbackSender
	scheduler  ExpiryScheduler
	now        func() time.Time
}

type Option func(*Paygate)

func WithRedis(client redis.UniversalClient) Option {
	return func(p *Paygate) {
		p.redis = client
	}
}

func WithWrapper(w *resilience.Wrapper) Option {
	return func(p *Paygate) {
		p.wrapper = w
	}
}

func WithLimiter(l throttle.Limiter) Option {
	return func(p *Paygate) {
		p.limiter = l
	}
}

func WithSelector(s *routing.Selector) Option {
	return func(p *Paygate) {
		p.selector = s
	}
}

func WithProviders(r *provider.Registry) Option {
	return func(p *Paygate) {
		p.providers = r
	}
}

func WithWebhookQueue(q webhookqueue.Queue) Option {
	return func(p *Paygate) {
		p.webhooks = q
	}
}

func WithLedger(l ledger.Poster) Option {
	return func(p *Paygate) {
		p.ledger = l
	}
}

func WithCallbackSender(s CallbackSender) Option {
	return func(p *Paygate) {
		p.callbacks = s
	}
}

func WithExpiryScheduler(s ExpiryScheduler) Option {
	return func(p *Paygate) {
		p.scheduler = s
	}
}

// New assembles a Paygate from explicit collaborators. Anything not supplied
// falls back to an in-process default built from cnf.
func New(cnf *config.Configuration, ds database.IDataSource, opts ...Option) (*Paygate, error) {
	if cnf == nil {
		return nil, fmt.Errorf("paygate requires a configuration")
	}
	p := &Paygate{
		config:     cnf,
		datasource: ds,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.wrapper == nil {
		p.wrapper = resilience.NewWrapper(resilience.PolicyFromConfig(cnf.Resilience))
	}
	if p.limiter == nil {
		if p.redis != nil {
			p.limiter = throttle.NewRedisLimiter(p.redis)
		} else {
			p.limiter = throttle.NewMemoryLimiter()
		}
	}
	if p.selector == nil {
		p.selector = routing.NewSelector(ds, cache.NewCache(p.redis), 0)
	}
	if p.providers == nil {
		registry, err := NewProviderRegistry(cnf.Providers)
		if err != nil {
			return nil, err
		}
		p.providers = registry
	}
	if p.ledger == nil {
		p.ledger = ledger.NewClient(cnf.Ledger.URL, cnf.Ledger.APIKey, time.Duration(cnf.Ledger.TimeoutSec)*time.Second)
	}
	if p.callbacks == nil {
		p.callbacks = callback.NewSender(time.Duration(cnf.Callback.TimeoutSec) * time.Second)
	}
	if p.scheduler == nil {
		p.scheduler = noopScheduler{}
	}
	return p, nil
}

// NewPaygate wires a Paygate against the configured Redis: shared throttle
// counters, cached routing config, the webhook queue and asynq expiry tasks.
func NewPaygate(db database.IDataSource) (*Paygate, error) {
	cnf, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	redisClient, err := redis_db.NewRedisClient([]string{cnf.Redis.Dns}, cnf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	queue, err := webhookqueue.New(context.Background(), cnf, redisClient.Client())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize webhook queue: %w", err)
	}

	asynqOpt, err := redis_db.AsynqOpt(cnf.Redis.Dns, cnf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}

	return New(cnf, db,
		WithRedis(redisClient.Client()),
		WithWebhookQueue(queue),
		WithExpiryScheduler(NewAsynqScheduler(asynq.NewClient(asynqOpt), cnf.Queue.ExpiryQueue)),
	)
}

func (p *Paygate) Config() *config.Configuration {
	return p.config
}

func (p *Paygate) DataSource() database.IDataSource {
	return p.datasource
}

func (p *Paygate) Redis() redis.UniversalClient {
	return p.redis
}

func (p *Paygate) Selector() *routing.Selector {
	return p.selector
}

func (p *Paygate) WebhookQueue() webhookqueue.Queue {
	return p.webhooks
}

// Close releases the queue and scheduler connections.
func (p *Paygate) Close() error {
	if p.webhooks != nil {
		if err := p.webhooks.Close(); err != nil {
			return err
		}
	}
	if c, ok := p.scheduler.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
