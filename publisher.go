package remit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/jerry-enebeli/remit/broker"
	"github.com/jerry-enebeli/remit/model"
)

const HeaderCorrelationID = "correlationId"

var ErrPublisherClosed = errors.New("publisher is closed")

// PublishResult is the asynchronous completion of one Publish call.
type PublishResult struct {
	Event         model.TransferEvent
	CorrelationID string
	Delivery      broker.Delivery
	Err           error
}

// PublishSink receives every PublishResult. Implementations must be safe
// for concurrent use.
type PublishSink interface {
	OnPublished(result PublishResult)
}

// LogSink reports completions through logrus.
type LogSink struct{}

func (LogSink) OnPublished(r PublishResult) {
	if r.Err != nil {
		logrus.WithFields(logrus.Fields{
			"transaction_id": r.Event.TransactionID,
			"correlation_id": r.CorrelationID,
		}).Errorf("Failed to send message for transaction %s: %v", r.Event.TransactionID, r.Err)
		return
	}
	logrus.WithField("correlation_id", r.CorrelationID).
		Infof("Message sent successfully to topic %s partition %d offset %s", r.Delivery.Topic, r.Delivery.Partition, r.Delivery.Offset)
}

// Publisher writes transfer events onto the topic keyed by source account so
// every event of one account is consumed in order.
type Publisher struct {
	producer    broker.Producer
	topic       string
	sink        PublishSink
	sendTimeout time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewPublisher(producer broker.Producer, topic string, sink PublishSink) *Publisher {
	if sink == nil {
		sink = LogSink{}
	}
	return &Publisher{
		producer:    producer,
		topic:       topic,
		sink:        sink,
		sendTimeout: 10 * time.Second,
	}
}

// Publish starts sending event and returns its correlation id without
// waiting. The outcome goes to the sink, never to the caller.
func (p *Publisher) Publish(ctx context.Context, event model.TransferEvent) string {
	correlationID := uuid.NewString()
	headers := map[string]string{HeaderCorrelationID: correlationID}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sink.OnPublished(PublishResult{Event: event, CorrelationID: correlationID, Err: ErrPublisherClosed})
		return correlationID
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		p.sink.OnPublished(p.send(context.WithoutCancel(ctx), event, correlationID, headers))
	}()
	return correlationID
}

func (p *Publisher) send(ctx context.Context, event model.TransferEvent, correlationID string, headers map[string]string) PublishResult {
	ctx, cancel := context.WithTimeout(ctx, p.sendTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "PublishTransfer")
	defer span.End()

	result := PublishResult{Event: event, CorrelationID: correlationID}
	payload, err := event.ToJSON()
	if err != nil {
		result.Err = err
		return result
	}
	result.Delivery, result.Err = p.producer.Send(ctx, p.topic, event.FromAccountID, payload, headers)
	if result.Err != nil {
		span.RecordError(result.Err)
	}
	return result
}

// Close rejects new events and waits for in-flight sends to complete.
func (p *Publisher) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
