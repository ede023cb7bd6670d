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

package remit

import (
	"context"
	"embed"

	"github.com/redis/go-redis/v9"

	"github.com/jerry-enebeli/remit/broker"
	"github.com/jerry-enebeli/remit/config"
	"github.com/jerry-enebeli/remit/database"
	"github.com/jerry-enebeli/remit/internal/cache"
	redis_db "github.com/jerry-enebeli/remit/internal/redis-db"
	"github.com/jerry-enebeli/remit/model"
)

//go:embed sql/*.sql
var SQLFiles embed.FS

// Remit ties the transfer pipeline to its store, broker and notifier.
type Remit struct {
	config     *config.Configuration
	datasource database.IDataSource
	redis      redis.UniversalClient
	broker     broker.Broker
	notifier   Notifier
	engine     *TransferEngine
	publisher  *Publisher
}

// NewRemit connects to Redis using the loaded configuration and builds the
// pipeline on top of db.
func NewRemit(db database.IDataSource) (*Remit, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient(redis_db.SplitAddresses(configuration.Redis.Dns), configuration.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}
	notifier := NewAsynqNotifier(redisClient.AsynqConnOpt(), configuration.Queue.WebhookQueue, configuration.Notification.Webhook.Url != "")
	return New(configuration, db, redisClient.Client(), notifier), nil
}

// New builds the pipeline from explicit dependencies. notifier may be nil.
func New(configuration *config.Configuration, db database.IDataSource, redisClient redis.UniversalClient, notifier Notifier) *Remit {
	streams := broker.NewRedisStreams(redisClient, broker.Options{
		Partitions: configuration.Broker.Partitions,
		Group:      configuration.Broker.ConsumerGroup,
		Consumer:   configuration.Broker.ConsumerName,
		BatchSize:  configuration.Broker.BatchSize,
		Block:      configuration.Broker.PollBlock(),
		LeaseTTL:   configuration.Broker.PartitionLease(),
	})
	engine := NewTransferEngine(db, cache.New(redisClient), notifier, EngineOptions{
		ClaimTimeout: configuration.Transfer.ClaimTimeout(),
		CacheTTL:     configuration.Transfer.CacheTTL(),
	})
	return &Remit{
		config:     configuration,
		datasource: db,
		redis:      redisClient,
		broker:     streams,
		notifier:   notifier,
		engine:     engine,
		publisher:  NewPublisher(streams, configuration.Broker.Topic, LogSink{}),
	}
}

func (r *Remit) Engine() *TransferEngine {
	return r.engine
}

func (r *Remit) Redis() redis.UniversalClient {
	return r.redis
}

// NewDispatcher returns a dispatcher over the configured topic.
func (r *Remit) NewDispatcher() *Dispatcher {
	return NewDispatcher(r.engine, r.broker, r.broker, r.notifier, DispatcherOptions{
		Topic:           r.config.Broker.Topic,
		DeadLetterTopic: r.config.Broker.DeadLetter,
		Retry:           RetryPolicyFromConfig(r.config.Dispatcher.Retry),
	})
}

func (r *Remit) NewReconciler() *Reconciler {
	return NewReconciler(r.engine, r.datasource, r.redis, r.config.Reconciler)
}

// PublishTransfer validates event and publishes it. The returned string is
// the correlation id attached to the message.
func (r *Remit) PublishTransfer(ctx context.Context, event model.TransferEvent) (string, error) {
	if err := event.Validate(); err != nil {
		return "", err
	}
	return r.publisher.Publish(ctx, event), nil
}

func (r *Remit) GetTransfer(ctx context.Context, key string) (*model.Transfer, error) {
	return r.engine.GetTransfer(ctx, key)
}

func (r *Remit) GetTransfers(ctx context.Context, status model.TransferStatus, limit, offset int) ([]*model.Transfer, error) {
	return r.datasource.GetTransfers(ctx, status, limit, offset)
}

// DeadLetters lists the newest quarantined events.
func (r *Remit) DeadLetters(ctx context.Context, limit int64) ([]broker.Message, error) {
	return r.broker.ReadDeadLetters(ctx, r.config.Broker.DeadLetter, limit)
}

// Close waits for pending publishes; it does not close the datasource.
func (r *Remit) Close() {
	r.publisher.Close()
	if closer, ok := r.notifier.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}
