package remit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/jerry-enebeli/remit/broker"
	"github.com/jerry-enebeli/remit/model"
)

type recordingSink struct {
	mu      sync.Mutex
	results []PublishResult
}

func (s *recordingSink) OnPublished(r PublishResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
}

func (s *recordingSink) all() []PublishResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PublishResult(nil), s.results...)
}

type failingProducer struct{}

func (failingProducer) Send(context.Context, string, string, []byte, map[string]string) (broker.Delivery, error) {
	return broker.Delivery{}, errors.New("broker unreachable")
}

func TestPublisher_SendsKeyedBySourceAccount(t *testing.T) {
	b := newFakeBroker(4)
	sink := &recordingSink{}
	p := NewPublisher(b, "payments", sink)

	event := transferEvent("tx-pub", "DE123456789", "FR987654321", "100.00")
	correlationID := p.Publish(context.Background(), event)
	require.NotEmpty(t, correlationID)
	p.Close()

	sent := b.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "payments", sent[0].Topic)
	assert.Equal(t, "DE123456789", sent[0].Key)
	assert.Equal(t, broker.Partition("DE123456789", 4), sent[0].Partition)
	assert.Equal(t, correlationID, sent[0].Headers[HeaderCorrelationID])

	decoded, err := model.DecodeTransferEvent(sent[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "tx-pub", decoded.TransactionID)
	assert.True(t, decoded.Amount.Equal(dec("100.00")))

	results := sink.all()
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, correlationID, results[0].CorrelationID)
	assert.Equal(t, sent[0].Offset, results[0].Delivery.Offset)
}

func TestPublisher_CorrelationIDsAreUnique(t *testing.T) {
	b := newFakeBroker(1)
	p := NewPublisher(b, "payments", &recordingSink{})
	event := transferEvent("tx-same", "ACC1", "ACC2", "1.00")

	first := p.Publish(context.Background(), event)
	second := p.Publish(context.Background(), event)
	p.Close()

	assert.NotEqual(t, first, second)
	assert.Len(t, b.sentMessages(), 2)
}

func TestPublisher_InjectsTraceContext(t *testing.T) {
	previous := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(previous)

	traceID, _ := oteltrace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := oteltrace.SpanIDFromHex("00f067aa0ba902b7")
	sc := oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: oteltrace.FlagsSampled,
	})
	ctx := oteltrace.ContextWithSpanContext(context.Background(), sc)

	b := newFakeBroker(1)
	p := NewPublisher(b, "payments", &recordingSink{})
	p.Publish(ctx, transferEvent("tx-traced", "ACC1", "ACC2", "1.00"))
	p.Close()

	sent := b.sentMessages()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Headers["traceparent"], "4bf92f3577b34da6a3ce929d0e0e4736")
}

func TestPublisher_ReportsFailuresToSink(t *testing.T) {
	sink := &recordingSink{}
	p := NewPublisher(failingProducer{}, "payments", sink)

	correlationID := p.Publish(context.Background(), transferEvent("tx-fail", "ACC1", "ACC2", "1.00"))
	p.Close()

	results := sink.all()
	require.Len(t, results, 1)
	assert.Equal(t, correlationID, results[0].CorrelationID)
	assert.EqualError(t, results[0].Err, "broker unreachable")
}

func TestPublisher_CancelledCallerDoesNotAbortSend(t *testing.T) {
	b := newFakeBroker(1)
	sink := &recordingSink{}
	p := NewPublisher(b, "payments", sink)

	ctx, cancel := context.WithCancel(context.Background())
	p.Publish(ctx, transferEvent("tx-cancel", "ACC1", "ACC2", "1.00"))
	cancel()
	p.Close()

	require.Len(t, sink.all(), 1)
	assert.NoError(t, sink.all()[0].Err)
	assert.Len(t, b.sentMessages(), 1)
}

func TestPublisher_RejectsAfterClose(t *testing.T) {
	b := newFakeBroker(1)
	sink := &recordingSink{}
	p := NewPublisher(b, "payments", sink)
	p.Close()

	correlationID := p.Publish(context.Background(), transferEvent("tx-late", "ACC1", "ACC2", "1.00"))

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, sink.all()[0].Err, ErrPublisherClosed)
	assert.Equal(t, correlationID, sink.all()[0].CorrelationID)
	assert.Empty(t, b.sentMessages())
}
