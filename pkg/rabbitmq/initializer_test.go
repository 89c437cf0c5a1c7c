package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalhouse/outbox-go/pkg/rabbitmq/channelpool"
	"github.com/signalhouse/outbox-go/pkg/task"
)

type publishedMessage struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

// fakeAMQPChannel implements channelpool.Channel and records broker calls.
type fakeAMQPChannel struct {
	mux sync.Mutex

	exchanges []string
	queues    []string
	queueArgs map[string]amqp.Table
	bindings  []string // "queue<-key"
	deleted   []string

	declareErrs map[string]error // first declare per queue
	deleteErr   error

	published []publishedMessage

	acked    []uint64
	nacked   []uint64
	rejected []uint64

	settleErrs int // errors to return before acks succeed

	closed  bool
	closeCh chan *amqp.Error
}

func newFakeAMQPChannel() *fakeAMQPChannel {
	return &fakeAMQPChannel{
		queueArgs:   make(map[string]amqp.Table),
		declareErrs: make(map[string]error),
	}
}

func (c *fakeAMQPChannel) IsClosed() bool { return c.closed }

func (c *fakeAMQPChannel) Close() error {
	c.closed = true
	return nil
}

func (c *fakeAMQPChannel) Qos(int, int, bool) error { return nil }

func (c *fakeAMQPChannel) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	c.closeCh = ch
	return ch
}

func (c *fakeAMQPChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.mux.Lock()
	defer c.mux.Unlock()

	c.published = append(c.published, publishedMessage{exchange: exchange, key: key, msg: msg})

	return nil
}

func (c *fakeAMQPChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return nil, errors.New("not consuming in this test")
}

func (c *fakeAMQPChannel) Cancel(string, bool) error { return nil }

func (c *fakeAMQPChannel) ExchangeDeclare(name, _ string, _, _, _, _ bool, _ amqp.Table) error {
	c.mux.Lock()
	defer c.mux.Unlock()

	c.exchanges = append(c.exchanges, name)

	return nil
}

func (c *fakeAMQPChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	c.mux.Lock()
	defer c.mux.Unlock()

	if err, ok := c.declareErrs[name]; ok {
		delete(c.declareErrs, name)
		return amqp.Queue{}, err
	}

	c.queues = append(c.queues, name)
	c.queueArgs[name] = args

	return amqp.Queue{Name: name}, nil
}

func (c *fakeAMQPChannel) QueueBind(name, key, _ string, _ bool, _ amqp.Table) error {
	c.mux.Lock()
	defer c.mux.Unlock()

	c.bindings = append(c.bindings, name+"<-"+key)

	return nil
}

func (c *fakeAMQPChannel) QueueDelete(name string, _, _, _ bool) (int, error) {
	c.mux.Lock()
	defer c.mux.Unlock()

	if c.deleteErr != nil {
		return 0, c.deleteErr
	}

	c.deleted = append(c.deleted, name)

	return 0, nil
}

func (c *fakeAMQPChannel) settle(record *[]uint64, tag uint64) error {
	c.mux.Lock()
	defer c.mux.Unlock()

	if c.settleErrs > 0 {
		c.settleErrs--
		return errors.New("channel gone")
	}

	*record = append(*record, tag)

	return nil
}

func (c *fakeAMQPChannel) Ack(tag uint64, _ bool) error { return c.settle(&c.acked, tag) }

func (c *fakeAMQPChannel) Nack(tag uint64, _, _ bool) error { return c.settle(&c.nacked, tag) }

func (c *fakeAMQPChannel) Reject(tag uint64, _ bool) error { return c.settle(&c.rejected, tag) }

func (c *fakeAMQPChannel) settled(record *[]uint64) []uint64 {
	c.mux.Lock()
	defer c.mux.Unlock()

	return append([]uint64(nil), *record...)
}

type fixture struct {
	channel     *fakeAMQPChannel
	pool        *channelpool.Pool
	pooled      *channelpool.PooledChannel
	registry    *ConsumerRegistry
	supervisor  *task.Supervisor
	initializer *Initializer
}

func newFixture(t *testing.T, config *Config, opts ...InitializerOption) *fixture {
	t.Helper()

	channel := newFakeAMQPChannel()
	pool := channelpool.New(channelpool.Options{
		Dialer: func() (channelpool.Connection, error) {
			return singleChannelConn{channel}, nil
		},
		Size: 1,
	})

	pooled, err := pool.Get(context.Background())
	require.NoError(t, err)

	registry := NewConsumerRegistry()
	supervisor := task.NewSupervisor(slog.Default())

	return &fixture{
		channel:     channel,
		pool:        pool,
		pooled:      pooled,
		registry:    registry,
		supervisor:  supervisor,
		initializer: NewInitializer(config, registry, pool, supervisor, slog.Default(), opts...),
	}
}

type singleChannelConn struct {
	channel *fakeAMQPChannel
}

func (c singleChannelConn) Channel() (channelpool.Channel, error) { return c.channel, nil }
func (c singleChannelConn) IsClosed() bool                        { return false }
func (c singleChannelConn) Close() error                          { return nil }

func TestDeclareTopology_DeclaresExchangesQueuesAndBindings(t *testing.T) {
	f := newFixture(t, &Config{})

	patterns := []string{"billing.InvoiceSent", "events.OrderCreated", "events.PaymentTaken"}

	require.NoError(t, f.initializer.declareTopology(context.Background(), patterns))

	assert.Equal(t, []string{"billing", "events"}, f.channel.exchanges, "one exchange per namespace")
	assert.Equal(t, patterns, f.channel.queues)
	assert.Equal(t, []string{
		"billing.InvoiceSent<-billing.InvoiceSent",
		"billing.InvoiceSent<-billing.InvoiceSent.*",
		"events.OrderCreated<-events.OrderCreated",
		"events.OrderCreated<-events.OrderCreated.*",
		"events.PaymentTaken<-events.PaymentTaken",
		"events.PaymentTaken<-events.PaymentTaken.*",
	}, f.channel.bindings)

	args := f.channel.queueArgs["events.OrderCreated"]
	assert.Equal(t, "quorum", args["x-queue-type"])
	assert.Equal(t, (7 * 24 * time.Hour).Milliseconds(), args["x-message-ttl"])
	assert.Equal(t, (3 * 24 * time.Hour).Milliseconds(), args["x-expires"])
	assert.Equal(t, 10000, args["x-max-in-memory-length"])
}

func TestDeclareQueue_RedeclaresOnIncompatibleArguments(t *testing.T) {
	f := newFixture(t, &Config{})

	f.channel.declareErrs["events.OrderCreated"] = &amqp.Error{
		Code: amqp.PreconditionFailed, Reason: "inequivalent arg 'x-queue-type'",
	}

	require.NoError(t, f.initializer.declareQueue(f.pooled, "events.OrderCreated"))

	assert.Equal(t, []string{"events.OrderCreated"}, f.channel.deleted)
	assert.Equal(t, []string{"events.OrderCreated"}, f.channel.queues, "redeclared after delete")
}

func TestDeclareQueue_KeepsExistingQueueWhenDeleteRefused(t *testing.T) {
	f := newFixture(t, &Config{})

	f.channel.declareErrs["events.OrderCreated"] = &amqp.Error{
		Code: amqp.PreconditionFailed, Reason: "inequivalent arg 'x-queue-type'",
	}
	f.channel.deleteErr = &amqp.Error{Code: amqp.PreconditionFailed, Reason: "queue not empty"}

	require.NoError(t, f.initializer.declareQueue(f.pooled, "events.OrderCreated"))

	assert.Empty(t, f.channel.queues, "existing queue keeps serving")
}

func TestDeclareQueue_PropagatesOtherErrors(t *testing.T) {
	f := newFixture(t, &Config{})

	f.channel.declareErrs["events.OrderCreated"] = &amqp.Error{Code: amqp.AccessRefused, Reason: "access refused"}

	err := f.initializer.declareQueue(f.pooled, "events.OrderCreated")
	assert.ErrorContains(t, err, "access refused")
}

func delivery(tag uint64, routingKey string, age time.Duration) amqp.Delivery {
	return amqp.Delivery{
		DeliveryTag: tag,
		RoutingKey:  routingKey,
		Type:        "OrderCreated",
		Body:        []byte(`{}`),
		Timestamp:   time.Now().Add(-age),
	}
}

func TestDispatch_AcksOnSuccess(t *testing.T) {
	f := newFixture(t, &Config{})

	var got Delivery

	f.registry.Register(Binding{
		Name: "orders", Pattern: "events.*", Order: 0,
		Handle: func(_ context.Context, d Delivery) error {
			got = d
			return nil
		},
	})

	f.initializer.dispatch(context.Background(), f.pooled, delivery(7, "events.OrderCreated", time.Minute))

	assert.Equal(t, []uint64{7}, f.channel.settled(&f.channel.acked))
	assert.Equal(t, "events.OrderCreated", got.RoutingKey)
	assert.Equal(t, "OrderCreated", got.MessageType)
}

func TestDispatch_RequeuesYoungBusinessFailure(t *testing.T) {
	f := newFixture(t, &Config{})

	f.registry.Register(Binding{
		Name: "orders", Pattern: "events.*", Order: 0,
		Handle: func(context.Context, Delivery) error {
			return NewConsumerError(errors.New("downstream timeout"))
		},
	})

	f.initializer.dispatch(context.Background(), f.pooled, delivery(8, "events.OrderCreated", time.Minute))

	assert.Equal(t, []uint64{8}, f.channel.settled(&f.channel.nacked))
	assert.Empty(t, f.channel.settled(&f.channel.acked))
}

func TestDispatch_RejectsExpiredBusinessFailure(t *testing.T) {
	f := newFixture(t, &Config{})

	f.registry.Register(Binding{
		Name: "orders", Pattern: "events.*", Order: 0,
		Handle: func(context.Context, Delivery) error {
			return NewConsumerError(errors.New("downstream timeout"))
		},
	})

	f.initializer.dispatch(context.Background(), f.pooled, delivery(9, "events.OrderCreated", 2*time.Hour))

	assert.Equal(t, []uint64{9}, f.channel.settled(&f.channel.rejected))
	assert.Empty(t, f.channel.settled(&f.channel.nacked))
}

func TestDispatch_RejectsUnexpectedError(t *testing.T) {
	f := newFixture(t, &Config{})

	f.registry.Register(Binding{
		Name: "orders", Pattern: "events.*", Order: 0,
		Handle: func(context.Context, Delivery) error {
			return errors.New("nil pointer somewhere")
		},
	})

	f.initializer.dispatch(context.Background(), f.pooled, delivery(10, "events.OrderCreated", time.Minute))

	assert.Equal(t, []uint64{10}, f.channel.settled(&f.channel.rejected))
}

func TestDispatch_UnexpectedErrorOutranksBusinessFailure(t *testing.T) {
	f := newFixture(t, &Config{})

	f.registry.Register(Binding{
		Name: "slow", Pattern: "events.*", Order: 0,
		Handle: func(context.Context, Delivery) error {
			return NewConsumerError(errors.New("downstream timeout"))
		},
	})
	f.registry.Register(Binding{
		Name: "broken", Pattern: "events.*", Order: 1,
		Handle: func(context.Context, Delivery) error {
			return errors.New("broken invariant")
		},
	})

	f.initializer.dispatch(context.Background(), f.pooled, delivery(11, "events.OrderCreated", time.Minute))

	assert.Equal(t, []uint64{11}, f.channel.settled(&f.channel.rejected))
	assert.Empty(t, f.channel.settled(&f.channel.nacked))
}

func TestDispatch_ConsumerPanicRejects(t *testing.T) {
	f := newFixture(t, &Config{})

	f.registry.Register(Binding{
		Name: "panicky", Pattern: "events.*", Order: 0,
		Handle: func(context.Context, Delivery) error {
			panic("boom")
		},
	})

	f.initializer.dispatch(context.Background(), f.pooled, delivery(12, "events.OrderCreated", time.Minute))

	assert.Equal(t, []uint64{12}, f.channel.settled(&f.channel.rejected))
}

func TestDispatch_RejectsUnroutableDelivery(t *testing.T) {
	f := newFixture(t, &Config{})

	f.registry.Register(Binding{Name: "orders", Pattern: "events.*", Order: 0, Handle: noopHandle})

	f.initializer.dispatch(context.Background(), f.pooled, delivery(13, "billing.InvoiceSent", time.Minute))

	assert.Equal(t, []uint64{13}, f.channel.settled(&f.channel.rejected))
}

func TestDispatch_ReadinessGateFailureRejects(t *testing.T) {
	gateErr := errors.New("store not migrated")
	f := newFixture(t, &Config{}, WithReadinessGate(func(context.Context) error {
		return gateErr
	}))

	f.registry.Register(Binding{Name: "orders", Pattern: "events.*", Order: 0, Handle: noopHandle})

	f.initializer.dispatch(context.Background(), f.pooled, delivery(14, "events.OrderCreated", time.Minute))
	f.initializer.dispatch(context.Background(), f.pooled, delivery(15, "events.OrderCreated", time.Minute))

	assert.Equal(t, []uint64{14, 15}, f.channel.settled(&f.channel.rejected))
	assert.Empty(t, f.channel.settled(&f.channel.acked))
}

func TestDispatch_AckRetriesAfterTransientFailure(t *testing.T) {
	f := newFixture(t, &Config{})

	f.registry.Register(Binding{Name: "orders", Pattern: "events.*", Order: 0, Handle: noopHandle})

	f.channel.settleErrs = 1

	f.initializer.dispatch(context.Background(), f.pooled, delivery(16, "events.OrderCreated", time.Minute))

	f.supervisor.WaitAll()

	assert.Equal(t, []uint64{16}, f.channel.settled(&f.channel.acked))
}

func TestStop_CancelsPendingAckRetries(t *testing.T) {
	f := newFixture(t, &Config{})

	require.NoError(t, f.initializer.Start(context.Background()))

	key := ackKey{routingKey: "events.OrderCreated", channelID: f.pooled.ID(), deliveryTag: 17}
	f.initializer.tracker.track(key)

	require.NoError(t, f.initializer.Stop(context.Background()))

	assert.False(t, f.initializer.tracker.pending(key))
}

func TestStartStop_AreIdempotent(t *testing.T) {
	f := newFixture(t, &Config{})

	// No bindings registered: no consumer loops are spawned.
	require.NoError(t, f.initializer.Start(context.Background()))
	require.NoError(t, f.initializer.Start(context.Background()))
	require.NoError(t, f.initializer.Stop(context.Background()))
	require.NoError(t, f.initializer.Stop(context.Background()))
}

func TestExchangeName(t *testing.T) {
	assert.Equal(t, "events", ExchangeName("events.OrderCreated"))
	assert.Equal(t, "billing", ExchangeName("billing.invoice.sent"))
	assert.Equal(t, "events", ExchangeName("events"))
}

func TestAckTracker_TrackPendingDoneClear(t *testing.T) {
	tracker := newAckTracker()

	a := ackKey{routingKey: "events.OrderCreated", channelID: 1, deliveryTag: 1}
	b := ackKey{routingKey: "events.OrderCreated", channelID: 2, deliveryTag: 1}

	tracker.track(a)
	tracker.track(b)

	assert.True(t, tracker.pending(a))
	assert.True(t, tracker.pending(b), "same tag on another channel is a distinct key")

	tracker.done(a)
	assert.False(t, tracker.pending(a))
	assert.True(t, tracker.pending(b))

	tracker.clear()
	assert.False(t, tracker.pending(b))
}
