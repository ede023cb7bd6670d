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
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"

	"github.com/jerry-enebeli/remit/broker"
	"github.com/jerry-enebeli/remit/config"
	"github.com/jerry-enebeli/remit/internal/notification"
	"github.com/jerry-enebeli/remit/model"
)

const (
	HeaderErrorClass   = "errorClass"
	HeaderErrorMessage = "errorMessage"
)

// Applier is the part of the engine the dispatcher drives.
type Applier interface {
	ApplyTransfer(ctx context.Context, event model.TransferEvent) (Outcome, error)
	Abandon(ctx context.Context, event model.TransferEvent, cause error) error
}

// RetryPolicy is the exponential schedule for retryable failures. An event
// is dead-lettered once the next wait would pass MaxElapsedTime.
type RetryPolicy struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// RetryPolicyFromConfig converts the millisecond settings.
func RetryPolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		InitialInterval: time.Duration(cfg.InitialIntervalMs) * time.Millisecond,
		Multiplier:      cfg.Multiplier,
		MaxInterval:     time.Duration(cfg.MaxIntervalMs) * time.Millisecond,
		MaxElapsedTime:  time.Duration(cfg.MaxElapsedMs) * time.Millisecond,
	}
}

// NewBackOff returns a fresh schedule without jitter, so waits are exactly
// 1, 2, 4, 8, 10, 10... units for the default policy.
func (p RetryPolicy) NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = p.MaxElapsedTime
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

type DispatcherOptions struct {
	Topic           string
	DeadLetterTopic string
	Retry           RetryPolicy
	// LeaseRetry is how often a lane asks again for a partition owned by
	// another worker. Defaults to one second.
	LeaseRetry time.Duration
}

// DispatcherStats counts what the dispatcher did with acknowledged events.
type DispatcherStats struct {
	Processed    int64 `json:"processed"`
	Duplicates   int64 `json:"duplicates"`
	Failed       int64 `json:"failed"`
	Retries      int64 `json:"retries"`
	DeadLettered int64 `json:"dead_lettered"`
}

// Dispatcher consumes the transfer topic with one lane per partition. A lane
// handles its messages strictly in order and only acks a message once it
// reached a terminal outcome or was dead-lettered.
type Dispatcher struct {
	engine   Applier
	consumer broker.Consumer
	producer broker.Producer
	notifier Notifier
	topic    string
	dlt      string
	retry    RetryPolicy
	logger   otellog.Logger

	leaseRetry time.Duration

	processed    atomic.Int64
	duplicates   atomic.Int64
	failed       atomic.Int64
	retries      atomic.Int64
	deadLettered atomic.Int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDispatcher wires a dispatcher. notifier may be nil.
func NewDispatcher(engine Applier, consumer broker.Consumer, producer broker.Producer, notifier Notifier, opts DispatcherOptions) *Dispatcher {
	if opts.LeaseRetry <= 0 {
		opts.LeaseRetry = time.Second
	}
	return &Dispatcher{
		engine:   engine,
		consumer: consumer,
		producer: producer,
		notifier: notifier,
		topic:    opts.Topic,
		dlt:      opts.DeadLetterTopic,
		retry:    opts.Retry,
		logger:   global.Logger("remit.dispatcher"),

		leaseRetry: opts.LeaseRetry,
	}
}

// Start launches one lane per partition. It returns immediately.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	laneCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.mu.Unlock()

	partitions := d.consumer.Partitions()
	for p := 0; p < partitions; p++ {
		d.wg.Add(1)
		go func(partition int) {
			defer d.wg.Done()
			d.lane(laneCtx, partition)
		}(p)
	}
	logrus.Infof("Dispatcher started on topic %s with %d lanes", d.topic, partitions)
}

// Stop stops fetching and waits for every lane to finish the attempt it is
// running. A message whose retry wait is interrupted stays unacked.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	d.wg.Wait()
	stats := d.Stats()
	logrus.WithFields(logrus.Fields{
		"processed":     stats.Processed,
		"duplicates":    stats.Duplicates,
		"failed":        stats.Failed,
		"retries":       stats.Retries,
		"dead_lettered": stats.DeadLettered,
	}).Info("Dispatcher stopped")
}

func (d *Dispatcher) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Processed:    d.processed.Load(),
		Duplicates:   d.duplicates.Load(),
		Failed:       d.failed.Load(),
		Retries:      d.retries.Load(),
		DeadLettered: d.deadLettered.Load(),
	}
}

// lane consumes one partition. When the consumer is shared between
// processes the lane first has to own the partition's lease and gives the
// partition up as soon as a renewal fails.
func (d *Dispatcher) lane(ctx context.Context, partition int) {
	leaser, ok := d.consumer.(broker.PartitionLeaser)
	if !ok {
		d.consume(ctx, partition)
		return
	}
	for ctx.Err() == nil {
		lease, err := leaser.AcquirePartition(ctx, d.topic, partition)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, broker.ErrPartitionOwned) {
				logrus.Errorf("failed to lease %s partition %d: %v", d.topic, partition, err)
			}
			if !sleepContext(ctx, d.leaseRetry) {
				return
			}
			continue
		}
		logrus.Infof("Lane owns %s partition %d", d.topic, partition)
		d.own(ctx, partition, lease)
	}
}

func (d *Dispatcher) own(ctx context.Context, partition int, lease broker.Lease) {
	ownedCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		ticker := time.NewTicker(lease.TTL() / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ownedCtx.Done():
				return
			case <-ticker.C:
				if err := lease.Renew(ownedCtx); err != nil {
					if ownedCtx.Err() != nil {
						return
					}
					logrus.Warnf("lost lease on %s partition %d: %v", d.topic, partition, err)
					cancel()
					return
				}
			}
		}
	}()

	d.consume(ownedCtx, partition)
	cancel()
	<-renewed

	releaseCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := lease.Release(releaseCtx); err != nil {
		logrus.Debugf("lease on %s partition %d already gone: %v", d.topic, partition, err)
	}
}

func (d *Dispatcher) consume(ctx context.Context, partition int) {
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := d.consumer.Fetch(ctx, d.topic, partition)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logrus.Errorf("failed to fetch from %s partition %d: %v", d.topic, partition, err)
			if !sleepContext(ctx, time.Second) {
				return
			}
			continue
		}
		for _, msg := range msgs {
			if ctx.Err() != nil {
				// unhandled entries stay pending for the next owner
				return
			}
			if !d.handle(ctx, msg) {
				// later messages of this partition must wait for this one
				return
			}
		}
	}
}

// handle drives one message to an ack. It returns false when the lane was
// stopped before the message could be acked.
func (d *Dispatcher) handle(laneCtx context.Context, msg broker.Message) bool {
	// the attempt in progress is never cut short by shutdown
	ctx := otel.GetTextMapPropagator().Extract(context.WithoutCancel(laneCtx), propagation.MapCarrier(msg.Headers))
	ctx, span := tracer.Start(ctx, "DispatchTransfer")
	defer span.End()
	span.SetAttributes(
		attribute.Int("messaging.partition", msg.Partition),
		attribute.String("messaging.offset", msg.Offset),
	)

	entry := logrus.WithFields(logrus.Fields{
		"partition":      msg.Partition,
		"offset":         msg.Offset,
		"key":            msg.Key,
		"correlation_id": msg.Headers[HeaderCorrelationID],
	})
	entry.Info("Consumed transfer event")

	event, err := model.DecodeTransferEvent(msg.Payload)
	if err == nil && event.TransactionID == "" {
		err = errors.New("transactionId is required")
	}
	if err != nil {
		cause := malformedEvent(err)
		if !d.deadLetter(laneCtx, ctx, msg, nil, cause) {
			return false
		}
		return d.ack(ctx, msg)
	}
	span.SetAttributes(attribute.String("transfer.idempotency_key", event.TransactionID))
	entry = entry.WithField("transaction_id", event.TransactionID)

	schedule := d.retry.NewBackOff()
	for attempt := 1; ; attempt++ {
		outcome, err := d.engine.ApplyTransfer(ctx, event)
		if err == nil {
			d.count(outcome)
			entry.WithField("outcome", outcome.Status).Info("Transfer event handled")
			return d.ack(ctx, msg)
		}

		if !IsRetryable(err) {
			if !d.deadLetter(laneCtx, ctx, msg, &event, err) {
				return false
			}
			return d.ack(ctx, msg)
		}

		wait := schedule.NextBackOff()
		if wait == backoff.Stop {
			entry.Errorf("retry budget exhausted after %d attempts: %v", attempt, err)
			if !d.deadLetter(laneCtx, ctx, msg, &event, err) {
				return false
			}
			if abandonErr := d.engine.Abandon(ctx, event, err); abandonErr != nil {
				entry.Errorf("failed to abandon transfer: %v", abandonErr)
			}
			return d.ack(ctx, msg)
		}

		d.retries.Add(1)
		entry.Warnf("attempt %d failed with %s, retrying in %s: %v", attempt, ErrorClass(err), wait, err)
		if !sleepContext(laneCtx, wait) {
			entry.Info("retry interrupted by shutdown, leaving message unacked")
			return false
		}
	}
}

func (d *Dispatcher) count(outcome Outcome) {
	switch outcome.Status {
	case OutcomeCompleted:
		d.processed.Add(1)
	case OutcomeAlreadyProcessed:
		d.duplicates.Add(1)
	case OutcomeFailed:
		d.failed.Add(1)
	}
}

func (d *Dispatcher) ack(ctx context.Context, msg broker.Message) bool {
	if err := d.consumer.Ack(ctx, msg); err != nil {
		// the entry stays pending and is replayed on the next start
		logrus.Errorf("failed to ack %s partition %d offset %s: %v", msg.Topic, msg.Partition, msg.Offset, err)
		notification.NotifyError(err)
	}
	return true
}

// deadLetter publishes the quarantined event, retrying the send until it
// succeeds or the lane is stopped. event is nil when the payload could not
// be decoded, in which case the raw payload is forwarded.
func (d *Dispatcher) deadLetter(laneCtx, ctx context.Context, msg broker.Message, event *model.TransferEvent, cause error) bool {
	class, message := ErrorClass(cause), cause.Error()

	payload := msg.Payload
	var dle *model.DeadLetterEvent
	if event != nil {
		dle = &model.DeadLetterEvent{TransferEvent: *event, ErrorClass: class, ErrorMessage: message}
		encoded, err := json.Marshal(dle)
		if err == nil {
			payload = encoded
		}
	}

	headers := make(map[string]string, len(msg.Headers)+4)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[HeaderErrorClass] = class
	headers[HeaderErrorMessage] = message
	headers["originalPartition"] = strconv.Itoa(msg.Partition)
	headers["originalOffset"] = msg.Offset

	send := func() error {
		_, err := d.producer.Send(ctx, d.dlt, msg.Key, payload, headers)
		return err
	}
	notify := func(err error, wait time.Duration) {
		logrus.Errorf("failed to dead-letter offset %s, retrying in %s: %v", msg.Offset, wait, err)
	}
	if err := backoff.RetryNotify(send, backoff.WithContext(backoff.NewConstantBackOff(time.Second), laneCtx), notify); err != nil {
		return false
	}

	d.deadLettered.Add(1)
	logrus.WithFields(logrus.Fields{
		"partition":   msg.Partition,
		"offset":      msg.Offset,
		"error_class": class,
	}).Errorf("Transfer event dead-lettered to %s: %s", d.dlt, message)
	d.emitDeadLetterRecord(ctx, msg, class, message)

	if d.notifier != nil {
		var data interface{} = dle
		if dle == nil {
			data = map[string]string{"payload": string(msg.Payload), HeaderErrorClass: class, HeaderErrorMessage: message}
		}
		if err := d.notifier.SendWebhook(ctx, NewWebhook{Event: EventTransferDeadLettered, Payload: data}); err != nil {
			logrus.Errorf("failed to send dead letter webhook: %v", err)
		}
	}
	return true
}

func (d *Dispatcher) emitDeadLetterRecord(ctx context.Context, msg broker.Message, class, message string) {
	var record otellog.Record
	record.SetTimestamp(time.Now())
	record.SetSeverity(otellog.SeverityError)
	record.SetSeverityText("ERROR")
	record.SetBody(otellog.StringValue("transfer event dead-lettered"))
	record.AddAttributes(
		otellog.String("messaging.destination", d.dlt),
		otellog.Int("messaging.partition", msg.Partition),
		otellog.String("messaging.offset", msg.Offset),
		otellog.String("error.class", class),
		otellog.String("error.message", message),
	)
	d.logger.Emit(ctx, record)
}

// sleepContext waits for d or until ctx is done. It reports whether the
// full wait elapsed.
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
