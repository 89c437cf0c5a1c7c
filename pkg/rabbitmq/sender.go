package rabbitmq

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"

	"github.com/signalhouse/outbox-go/pkg/rabbitmq/channelpool"
)

const (
	DeliveryModeTransient  = 1
	DeliveryModePersistent = 2

	contentTypeJSON = "application/json"
)

// ExchangeName derives the topic exchange from a routing key: its first
// segment is the exchange namespace.
func ExchangeName(routingKey string) string {
	if pos := strings.Index(routingKey, "."); pos > 0 {
		return routingKey[:pos]
	}

	return routingKey
}

type senderOptions struct {
	deliveryMode uint8
}

func defaultSenderOptions() senderOptions {
	return senderOptions{deliveryMode: DeliveryModePersistent}
}

// SenderOption configures the Sender.
type SenderOption func(*senderOptions)

// WithTransientDeliveryMode publishes without broker persistence.
func WithTransientDeliveryMode() SenderOption {
	return func(o *senderOptions) {
		o.deliveryMode = DeliveryModeTransient
	}
}

// Sender publishes one message at a time directly to the broker, drawing an
// exclusive channel from the producer pool per call. It provides no
// durability on its own; the outbox producer layers that on top.
type Sender struct {
	pool    *channelpool.Pool
	options senderOptions
}

func NewSender(pool *channelpool.Pool, opts ...SenderOption) *Sender {
	options := defaultSenderOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &Sender{
		pool:    pool,
		options: options,
	}
}

// Send publishes the payload under the routing key's namespace exchange,
// propagating the caller's trace context through the message headers.
func (s *Sender) Send(ctx context.Context, payload []byte, routingKey, messageType string) error {
	ch, err := s.pool.Get(ctx)
	if err != nil {
		return err
	}

	defer s.pool.Return(ch)

	headers := amqp.Table{}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(headers))

	publishing := amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: s.options.deliveryMode,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Type:         messageType,
		Headers:      headers,
		Body:         payload,
	}

	return ch.PublishWithContext(ctx, ExchangeName(routingKey), routingKey, false, false, publishing)
}

// headerCarrier adapts an AMQP header table to the otel text-map carrier so
// trace context rides along with every published message.
type headerCarrier amqp.Table

func (c headerCarrier) Get(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}

	return ""
}

func (c headerCarrier) Set(key, value string) {
	c[key] = value
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}

	return keys
}
