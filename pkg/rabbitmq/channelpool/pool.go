// Package channelpool manages the lifecycle of AMQP channels on top of one
// shared, lazily established connection. Channels are not safe for
// concurrent use; the pool hands each caller exclusive ownership of a
// channel until it is returned.
package channelpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of the AMQP channel surface the pool and its
// callers use. *amqp091.Channel satisfies it via the connection adapter.
type Channel interface {
	IsClosed() bool
	Close() error
	Qos(prefetchCount, prefetchSize int, global bool) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error

	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error

	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)

	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Reject(tag uint64, requeue bool) error
}

// Connection is the subset of the AMQP connection surface the pool uses.
type Connection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

// Dialer establishes a new broker connection.
type Dialer func() (Connection, error)

// AMQPDialer adapts amqp091 dialing to the pool's Connection interface.
func AMQPDialer(url string, cfg amqp.Config) Dialer {
	return func() (Connection, error) {
		conn, err := amqp.DialConfig(url, cfg)
		if err != nil {
			return nil, err
		}

		return amqpConnection{conn}, nil
	}
}

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	return c.Connection.Channel()
}

// channel IDs are process-wide so ack-tracking keys never collide across
// pools.
var nextChannelID atomic.Uint64

// PooledChannel is a channel with exclusive-ownership bookkeeping: a
// process-local ID for ack tracking and the captured close notification.
type PooledChannel struct {
	Channel

	id      uint64
	closeCh chan *amqp.Error
}

// ID returns the pool-assigned process-local channel identifier.
func (c *PooledChannel) ID() uint64 {
	return c.id
}

// lastClose returns the close reason if the broker closed the channel, or
// nil while it is healthy.
func (c *PooledChannel) lastClose() *amqp.Error {
	select {
	case reason := <-c.closeCh:
		return reason
	default:
		return nil
	}
}

type Options struct {
	Dialer Dialer

	// Size bounds how many idle channels the pool retains.
	Size int

	// PrefetchCount is applied as per-channel QoS at creation, with fair
	// dispatch (global=false). Zero leaves QoS unset.
	PrefetchCount int

	ConnectRetries    int
	ConnectRetryDelay time.Duration

	Logger *slog.Logger
}

// Pool hands out exclusively owned channels backed by one shared lazy
// connection. A channel-creation failure invalidates the cached connection
// so the next use dials fresh.
type Pool struct {
	options Options

	mux    sync.Mutex
	conn   Connection
	idle   []*PooledChannel
	closed bool
}

func New(options Options) *Pool {
	if options.Size <= 0 {
		options.Size = 1
	}

	if options.ConnectRetries <= 0 {
		options.ConnectRetries = 10
	}

	if options.ConnectRetryDelay <= 0 {
		options.ConnectRetryDelay = 3 * time.Second
	}

	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	return &Pool{options: options}
}

var errPoolClosed = errors.New("channelpool: pool is closed")

// Get returns an exclusively owned channel, creating one when no healthy
// idle channel is available. Channels that silently became non-open while
// pooled are discarded.
func (p *Pool) Get(ctx context.Context) (*PooledChannel, error) {
	p.mux.Lock()

	for len(p.idle) > 0 {
		ch := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]

		if ch.IsClosed() || ch.lastClose() != nil {
			_ = ch.Close()
			continue
		}

		p.mux.Unlock()

		return ch, nil
	}

	if p.closed {
		p.mux.Unlock()
		return nil, errPoolClosed
	}

	p.mux.Unlock()

	return p.Create(ctx)
}

// Create opens a fresh channel on the shared connection and applies QoS. On
// failure the cached connection is invalidated (disposed and lazily redialed
// on next use) and the error is returned.
func (p *Pool) Create(ctx context.Context) (*PooledChannel, error) {
	conn, err := p.currentConn(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		p.invalidateConn(conn)
		return nil, fmt.Errorf("channelpool: open channel: %w", err)
	}

	if p.options.PrefetchCount > 0 {
		if err := ch.Qos(p.options.PrefetchCount, 0, false); err != nil {
			_ = ch.Close()
			p.invalidateConn(conn)

			return nil, fmt.Errorf("channelpool: set qos: %w", err)
		}
	}

	return &PooledChannel{
		Channel: ch,
		id:      nextChannelID.Add(1),
		closeCh: ch.NotifyClose(make(chan *amqp.Error, 1)),
	}, nil
}

// Return gives a channel back to the pool. It is retained only when it is
// still open, its close reason (if any) is a benign broker shutdown, and the
// pool has room; otherwise it is disposed so the next Get creates fresh.
func (p *Pool) Return(ch *PooledChannel) {
	if ch == nil {
		return
	}

	reason := ch.lastClose()
	keep := !ch.IsClosed() && (reason == nil || isBenignShutdown(reason))

	p.mux.Lock()
	defer p.mux.Unlock()

	if !keep || p.closed || len(p.idle) >= p.options.Size {
		_ = ch.Close()
		return
	}

	p.idle = append(p.idle, ch)
}

// currentConn returns the shared connection, dialing with bounded retry
// when there is none or the cached one is closed.
func (p *Pool) currentConn(ctx context.Context) (Connection, error) {
	p.mux.Lock()
	defer p.mux.Unlock()

	if p.closed {
		return nil, errPoolClosed
	}

	if p.conn != nil && !p.conn.IsClosed() {
		return p.conn, nil
	}

	var lastErr error

	for attempt := 0; attempt < p.options.ConnectRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, p.options.ConnectRetryDelay); err != nil {
				return nil, err
			}
		}

		conn, err := p.options.Dialer()
		if err == nil {
			p.conn = conn
			return conn, nil
		}

		lastErr = err
		p.options.Logger.Warn("broker connect failed", "attempt", attempt+1, "error", err)
	}

	return nil, fmt.Errorf("channelpool: connect: %w", lastErr)
}

// invalidateConn disposes the cached connection if it is still the one the
// failure came from. The next use dials a fresh connection.
func (p *Pool) invalidateConn(conn Connection) {
	p.mux.Lock()
	defer p.mux.Unlock()

	if p.conn != conn {
		return
	}

	_ = conn.Close()
	p.conn = nil
}

// Close disposes all idle channels and the shared connection.
func (p *Pool) Close() error {
	p.mux.Lock()
	defer p.mux.Unlock()

	p.closed = true

	for _, ch := range p.idle {
		_ = ch.Close()
	}

	p.idle = nil

	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil

		return err
	}

	return nil
}

// isBenignShutdown reports whether a close reason is an orderly broker
// shutdown rather than a protocol or application fault.
func isBenignShutdown(reason *amqp.Error) bool {
	return reason.Code == amqp.ConnectionForced
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
