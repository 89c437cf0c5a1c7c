package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/signalhouse/outbox-go/pkg/rabbitmq/channelpool"
	"github.com/signalhouse/outbox-go/pkg/task"
)

const (
	topologyRetryDelay = 2 * time.Second
	rejectRetryCount   = 10
	ackRetryDelay      = time.Second
)

type initializerOptions struct {
	readiness func(ctx context.Context) error
}

// InitializerOption configures the Initializer.
type InitializerOption func(*initializerOptions)

// WithReadinessGate delays the first dispatch until fn returns, letting
// persistence-dependent modules finish initializing before messages flow.
func WithReadinessGate(fn func(ctx context.Context) error) InitializerOption {
	return func(o *initializerOptions) { o.readiness = fn }
}

// Initializer owns the broker-side bootstrap: it declares exchanges, queues
// and bindings for every registered consumer, opens the per-queue consumer
// channels, and dispatches inbound deliveries with the ack/requeue/reject
// policy.
type Initializer struct {
	config     *Config
	registry   *ConsumerRegistry
	pool       *channelpool.Pool
	supervisor *task.Supervisor
	logger     *slog.Logger
	options    initializerOptions

	tracker *ackTracker

	// startStop serializes Start and Stop; repeated calls are safe.
	startStop chan struct{}
	started   bool
	cancel    context.CancelFunc

	readyOnce sync.Once
	readyErr  error
}

func NewInitializer(config *Config, registry *ConsumerRegistry, pool *channelpool.Pool, supervisor *task.Supervisor, logger *slog.Logger, opts ...InitializerOption) *Initializer {
	if logger == nil {
		logger = slog.Default()
	}

	config.complete()

	options := initializerOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	return &Initializer{
		config:     config,
		registry:   registry,
		pool:       pool,
		supervisor: supervisor,
		logger:     logger,
		options:    options,
		tracker:    newAckTracker(),
		startStop:  make(chan struct{}, 1),
	}
}

// Start declares topology and begins consuming. Calling Start on a started
// initializer is a no-op. Topology failure is fatal: the service cannot
// function without its queues.
func (i *Initializer) Start(ctx context.Context) error {
	if err := i.acquire(ctx); err != nil {
		return err
	}

	defer i.release()

	if i.started {
		return nil
	}

	patterns := i.registry.Patterns()

	if err := i.declareTopologyWithRetry(ctx, patterns); err != nil {
		return fmt.Errorf("rabbitmq: declare topology: %w", err)
	}

	consumeCtx, cancel := context.WithCancel(context.Background())
	i.cancel = cancel

	for _, pattern := range patterns {
		for n := 0; n < i.config.ParallelConsumers(); n++ {
			queue := pattern

			i.supervisor.Go(consumeCtx, fmt.Sprintf("consume %s #%d", queue, n), func(ctx context.Context) error {
				return i.consumeLoop(ctx, queue)
			})
		}
	}

	i.started = true

	return nil
}

// Stop cancels the consumer loops and clears the in-flight ack map so any
// pending ack retries become no-ops instead of touching dead channels.
func (i *Initializer) Stop(ctx context.Context) error {
	if err := i.acquire(ctx); err != nil {
		return err
	}

	defer i.release()

	if !i.started {
		return nil
	}

	i.cancel()
	i.tracker.clear()
	i.started = false

	return nil
}

func (i *Initializer) acquire(ctx context.Context) error {
	select {
	case i.startStop <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *Initializer) release() {
	<-i.startStop
}

// declareTopologyWithRetry retries the whole declaration pass with a bound
// proportional to the number of routing keys to declare.
func (i *Initializer) declareTopologyWithRetry(ctx context.Context, patterns []string) error {
	maxAttempts := 3 * len(patterns)
	if maxAttempts < 3 {
		maxAttempts = 3
	}

	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, topologyRetryDelay); err != nil {
				return err
			}
		}

		if lastErr = i.declareTopology(ctx, patterns); lastErr == nil {
			return nil
		}

		i.logger.Warn("topology declaration failed, retrying", "attempt", attempt+1, "error", lastErr)
	}

	return lastErr
}

func (i *Initializer) declareTopology(ctx context.Context, patterns []string) error {
	ch, err := i.pool.Get(ctx)
	if err != nil {
		return err
	}

	defer i.pool.Return(ch)

	declaredExchanges := make(map[string]bool)

	for _, pattern := range patterns {
		exchange := ExchangeName(pattern)

		if !declaredExchanges[exchange] {
			if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare exchange %s: %w", exchange, err)
			}

			declaredExchanges[exchange] = true
		}

		if err := i.declareQueue(ch, pattern); err != nil {
			return err
		}

		if err := ch.QueueBind(pattern, pattern, exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", pattern, err)
		}

		// Fan-out companion binding: lets producers broadcast to every
		// queue under the exact key with a suffixed variant.
		if err := ch.QueueBind(pattern, pattern+".*", exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s wildcard: %w", pattern, err)
		}
	}

	return nil
}

// declareQueue declares one durable quorum queue. When an existing queue has
// incompatible arguments the broker answers PRECONDITION_FAILED; the queue
// is then deleted if unused and empty and redeclared. If the delete is also
// refused the old queue keeps serving.
func (i *Initializer) declareQueue(ch *channelpool.PooledChannel, queue string) error {
	args := amqp.Table{
		"x-queue-type":           "quorum",
		"x-message-ttl":          i.config.QueueMessageTTL.Milliseconds(),
		"x-expires":              i.config.QueueUnusedExpiry.Milliseconds(),
		"x-max-in-memory-length": i.config.QueueMaxInMemoryCount,
	}

	_, err := ch.QueueDeclare(queue, true, false, false, false, args)
	if err == nil {
		return nil
	}

	var amqpErr *amqp.Error
	if !errors.As(err, &amqpErr) || amqpErr.Code != amqp.PreconditionFailed {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}

	if _, delErr := ch.QueueDelete(queue, true, true, false); delErr != nil {
		i.logger.Warn("queue has incompatible arguments and cannot be deleted, keeping existing queue",
			"queue", queue, "declare_error", err, "delete_error", delErr)

		return nil
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("redeclare queue %s: %w", queue, err)
	}

	return nil
}

// consumeLoop attaches one manual-ack consumer to one exclusive channel and
// dispatches its deliveries. When the channel dies it draws a fresh one and
// resumes, surviving broker reconnects.
func (i *Initializer) consumeLoop(ctx context.Context, queue string) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ch, err := i.pool.Get(ctx)
		if err != nil {
			i.logger.Error("consumer channel unavailable", "queue", queue, "error", err)

			if err := sleepCtx(ctx, i.config.ConnectRetryDelay); err != nil {
				return err
			}

			continue
		}

		if err := i.consumeChannel(ctx, queue, ch); err != nil && ctx.Err() == nil {
			i.logger.Warn("consumer channel lost, reconnecting", "queue", queue, "error", err)
		}

		i.pool.Return(ch)
	}
}

func (i *Initializer) consumeChannel(ctx context.Context, queue string, ch *channelpool.PooledChannel) error {
	consumerTag := fmt.Sprintf("%s-%d", queue, ch.ID())

	deliveries, err := ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			_ = ch.Cancel(consumerTag, false)
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}

			i.dispatch(ctx, ch, d)
		}
	}
}

// dispatch runs every consumer matching the delivery's routing key in
// parallel, each under its own span and scope, then applies the
// acknowledgment policy to the combined outcome.
func (i *Initializer) dispatch(ctx context.Context, ch *channelpool.PooledChannel, d amqp.Delivery) {
	i.readyOnce.Do(func() {
		if i.options.readiness != nil {
			i.readyErr = i.options.readiness(ctx)
		}
	})

	if i.readyErr != nil {
		i.logger.Error("dispatch disabled, readiness gate failed", "error", i.readyErr)
		i.rejectTracked(ch, d)

		return
	}

	matched := i.registry.Match(d.RoutingKey)
	if len(matched) == 0 {
		i.logger.Warn("no consumer matches routing key", "routing_key", d.RoutingKey)
		i.rejectTracked(ch, d)

		return
	}

	msgCtx := otel.GetTextMapPropagator().Extract(ctx, headerCarrier(d.Headers))
	tracer := otel.Tracer("signalhouse/outbox-go/rabbitmq")

	delivery := Delivery{
		MessageID:   d.MessageId,
		RoutingKey:  d.RoutingKey,
		MessageType: d.Type,
		Body:        d.Body,
		Timestamp:   d.Timestamp,
		Headers:     d.Headers,
	}

	eg, egCtx := errgroup.WithContext(msgCtx)

	var (
		mux    sync.Mutex
		netErr error
	)

	for _, b := range matched {
		eg.Go(func() error {
			spanCtx, span := tracer.Start(egCtx, "consume "+b.Name,
				trace.WithSpanKind(trace.SpanKindConsumer))
			defer span.End()

			err := i.invokeConsumer(spanCtx, b, delivery)
			if err != nil {
				span.RecordError(err)

				mux.Lock()
				// An unexpected error outranks a business failure: it
				// forces a reject rather than a requeue.
				if netErr == nil || (!IsConsumerError(err) && IsConsumerError(netErr)) {
					netErr = err
				}
				mux.Unlock()
			}

			return nil
		})
	}

	_ = eg.Wait()

	switch {
	case netErr == nil:
		i.ackTracked(ch, d)
	case IsConsumerError(netErr) && i.withinRequeueWindow(d):
		i.requeueTracked(ch, d)
	default:
		i.logger.Error("delivery rejected",
			"routing_key", d.RoutingKey, "payload_bytes", len(d.Body), "error", netErr)
		i.rejectTracked(ch, d)
	}
}

// invokeConsumer runs one consumer in its own scope, never letting a panic
// escape into the consume loop.
func (i *Initializer) invokeConsumer(ctx context.Context, b Binding, d Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer %s panicked: %v", b.Name, r)
		}
	}()

	return b.Handle(ctx, d)
}

func (i *Initializer) withinRequeueWindow(d amqp.Delivery) bool {
	if d.Timestamp.IsZero() {
		return true
	}

	return time.Since(d.Timestamp) <= i.config.RequeueExpiry
}

// ackTracked acknowledges the delivery under an effectively unbounded
// background retry: losing an ack is worse than delaying one.
func (i *Initializer) ackTracked(ch *channelpool.PooledChannel, d amqp.Delivery) {
	i.settle(ch, d, "ack", 0, func() error {
		return ch.Ack(d.DeliveryTag, false)
	})
}

// requeueTracked nacks the delivery back onto its queue, together with any
// earlier unsettled deliveries of this channel, under unbounded retry.
func (i *Initializer) requeueTracked(ch *channelpool.PooledChannel, d amqp.Delivery) {
	i.settle(ch, d, "requeue", 0, func() error {
		return ch.Nack(d.DeliveryTag, true, true)
	})
}

// rejectTracked drops the delivery under bounded retry.
func (i *Initializer) rejectTracked(ch *channelpool.PooledChannel, d amqp.Delivery) {
	i.settle(ch, d, "reject", rejectRetryCount, func() error {
		return ch.Reject(d.DeliveryTag, false)
	})
}

// settle performs one acknowledgment call with retry. The attempt is keyed
// in the tracker; clearing the tracker on Stop cancels the retries. A
// maxAttempts of zero means unbounded.
func (i *Initializer) settle(ch *channelpool.PooledChannel, d amqp.Delivery, op string, maxAttempts int, fn func() error) {
	key := ackKey{routingKey: d.RoutingKey, channelID: ch.ID(), deliveryTag: d.DeliveryTag}
	i.tracker.track(key)

	if err := fn(); err == nil {
		i.tracker.done(key)
		return
	}

	i.supervisor.Go(context.Background(), op+" "+d.RoutingKey, func(ctx context.Context) error {
		defer i.tracker.done(key)

		for attempt := 1; maxAttempts == 0 || attempt < maxAttempts; attempt++ {
			if err := sleepCtx(ctx, ackRetryDelay); err != nil {
				return nil
			}

			if !i.tracker.pending(key) {
				return nil
			}

			if err := fn(); err == nil {
				return nil
			} else if attempt%10 == 0 {
				i.logger.Warn("acknowledgment still failing",
					"op", op, "routing_key", d.RoutingKey, "attempt", attempt, "error", err)
			}
		}

		return fmt.Errorf("%s of %s gave up after %d attempts", op, d.RoutingKey, maxAttempts)
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
