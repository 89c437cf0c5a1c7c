// Package producer implements the save-then-send half of the outbox
// pattern: a message is durably recorded before the first delivery attempt,
// so a broker or process failure can only delay it, never lose it.
package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	json "github.com/json-iterator/go"

	"github.com/signalhouse/outbox-go/pkg/outbox"
	"github.com/signalhouse/outbox-go/pkg/task"
)

// Publisher sends one message body directly to the broker.
type Publisher interface {
	Send(ctx context.Context, payload []byte, routingKey, messageType string) error
}

type options struct {
	inlineRetries    int
	inlineRetryDelay time.Duration
	retryUnit        time.Duration
	maxProcessing    time.Duration
	attemptTimeout   time.Duration
}

func defaultOptions() options {
	return options{
		inlineRetries:    3,
		inlineRetryDelay: time.Second,
		retryUnit:        30 * time.Second,
		maxProcessing:    5 * time.Minute,
		attemptTimeout:   time.Minute,
	}
}

// Option configures the Producer.
type Option func(*options)

// WithInlineRetries sets the number of immediate publish attempts made
// before the message is handed over to the background scanner.
func WithInlineRetries(n int) Option {
	return func(o *options) { o.inlineRetries = n }
}

// WithInlineRetryDelay sets the base delay between inline publish attempts.
// The delay grows linearly with the attempt number.
func WithInlineRetryDelay(d time.Duration) Option {
	return func(o *options) { o.inlineRetryDelay = d }
}

// WithRetryUnit sets the linear backoff unit used to schedule scanner
// retries of failed messages.
func WithRetryUnit(d time.Duration) Option {
	return func(o *options) { o.retryUnit = d }
}

// WithMaxProcessing sets how long a message may sit in the processing state
// before it is considered stuck and becomes claimable again.
func WithMaxProcessing(d time.Duration) Option {
	return func(o *options) { o.maxProcessing = d }
}

// WithAttemptTimeout bounds a single asynchronous delivery attempt.
func WithAttemptTimeout(d time.Duration) Option {
	return func(o *options) { o.attemptTimeout = d }
}

// Producer orchestrates outbox sends: persist, attempt, degrade to Failed
// with backoff on error. The background scanner is the backstop for
// everything the producer could not deliver inline.
type Producer struct {
	store      outbox.Store
	publisher  Publisher
	registry   *outbox.Registry
	supervisor *task.Supervisor
	logger     *slog.Logger
	options    options
}

// NewProducer creates a Producer. A nil store disables durability: sends go
// straight to the publisher, for environments running without a database.
func NewProducer(store outbox.Store, publisher Publisher, registry *outbox.Registry, supervisor *task.Supervisor, logger *slog.Logger, opts ...Option) *Producer {
	if logger == nil {
		logger = slog.Default()
	}

	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &Producer{
		store:      store,
		publisher:  publisher,
		registry:   registry,
		supervisor: supervisor,
		logger:     logger,
		options:    options,
	}
}

type sendOptions struct {
	routingKey string
	trackID    string
	subPrefix  string
}

// SendOption configures one Send call.
type SendOption func(*sendOptions)

// WithRoutingKey overrides the type's default routing key.
func WithRoutingKey(key string) SendOption {
	return func(o *sendOptions) { o.routingKey = key }
}

// WithTrackID makes the outbox row ID deterministic so repeated sends of
// the same logical message reuse one row instead of creating duplicates.
func WithTrackID(id string) SendOption {
	return func(o *sendOptions) { o.trackID = id }
}

// WithSubPrefix extends the ordering-group prefix, splitting one message
// type into independently ordered sub-queues.
func WithSubPrefix(p string) SendOption {
	return func(o *sendOptions) { o.subPrefix = p }
}

// Send records and delivers one message.
//
// Without a store the message is published directly and the error, if any,
// is returned to the caller. With a store the message is persisted first;
// inside a real transaction the delivery attempt is deferred to a
// post-commit hook, otherwise it runs on a supervised background task so a
// publish failure cannot fail the caller.
func (p *Producer) Send(ctx context.Context, tx outbox.TxContext, typeName string, message any, opts ...SendOption) error {
	desc, ok := p.registry.Resolve(typeName)
	if !ok {
		return fmt.Errorf("outbox: unregistered message type %q", typeName)
	}

	so := sendOptions{routingKey: desc.DefaultRoutingKey}
	for _, opt := range opts {
		opt(&so)
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("outbox: marshal %s: %w", typeName, err)
	}

	if p.store == nil {
		return p.publisher.Send(ctx, payload, so.routingKey, typeName)
	}

	m, deliver, err := p.stageMessage(ctx, typeName, so, payload)
	if err != nil {
		return err
	}

	if m == nil {
		// Deduplicated against a row that is already settled.
		return nil
	}

	if !deliver {
		// An earlier sibling of the ordering group is still pending; the
		// scanner delivers this row once the group's turn comes around.
		return nil
	}

	if tx == nil {
		tx = outbox.PseudoTxContext{}
	}

	if tx.IsRealTransaction() {
		tx.OnCommit(func(ctx context.Context) {
			p.attemptAsync(m)
		})

		return nil
	}

	p.attemptAsync(m)

	return nil
}

// stageMessage inserts a new row, or reuses an existing one when a track ID
// collision means the same logical message was already staged. A nil result
// with nil error means the row has settled and nothing is left to do.
//
// The second result reports whether an inline delivery attempt is allowed:
// a row staged behind an earlier pending sibling of its ordering group is
// recorded as new and left to the scanner, so the inline path can never
// overtake the group's order.
func (p *Producer) stageMessage(ctx context.Context, typeName string, so sendOptions, payload []byte) (*outbox.Message, bool, error) {
	now := time.Now().UTC()
	m := outbox.NewMessage(typeName, so.subPrefix, so.trackID, payload, so.routingKey, now)

	if so.trackID != "" {
		existing, err := p.store.Get(ctx, m.ID)

		switch {
		case err == nil:
			if !outbox.CanHandle(existing, p.options.maxProcessing, now) {
				return nil, false, nil
			}

			blocked, err := p.earlierPending(ctx, existing)
			if err != nil {
				return nil, false, err
			}

			return existing, !blocked, nil
		case !errors.Is(err, outbox.ErrNotFound):
			return nil, false, fmt.Errorf("outbox: dedup lookup %s: %w", m.ID, err)
		}
	}

	blocked, err := p.earlierPending(ctx, m)
	if err != nil {
		return nil, false, err
	}

	if blocked {
		m.Status = outbox.StatusNew
	}

	if err := p.store.Create(ctx, m); err != nil {
		return nil, false, fmt.Errorf("outbox: stage %s: %w", m.ID, err)
	}

	return m, !blocked, nil
}

func (p *Producer) earlierPending(ctx context.Context, m *outbox.Message) (bool, error) {
	blocked, err := p.store.HasEarlierPending(ctx, m.Prefix(), m.CreatedAt, []string{m.ID})
	if err != nil {
		return false, fmt.Errorf("outbox: blocking sibling check %s: %w", m.ID, err)
	}

	return blocked, nil
}

// attemptAsync delivers the staged message on a supervised task with a
// fresh, bounded context, detached from the caller's unit of work.
func (p *Producer) attemptAsync(m *outbox.Message) {
	p.supervisor.Go(context.Background(), "outbox-send "+m.ID, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, p.options.attemptTimeout)
		defer cancel()

		if err := p.SendExisting(ctx, m); err != nil {
			p.logger.Warn("outbox inline delivery failed, deferring to scanner",
				"message_id", m.ID, "error", err)
		}

		return nil
	})
}

// SendExisting attempts delivery of an already staged row: a short inline
// retry loop against the broker, then a terminal bookkeeping update. The
// returned error reports the delivery outcome; bookkeeping failures are
// logged, never propagated.
func (p *Producer) SendExisting(ctx context.Context, m *outbox.Message) error {
	if !outbox.CanHandle(m, p.options.maxProcessing, time.Now().UTC()) && m.Status != outbox.StatusProcessing {
		return nil
	}

	var lastErr error

	for attempt := 0; attempt < p.options.inlineRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, time.Duration(attempt)*p.options.inlineRetryDelay); err != nil {
				lastErr = err
				break
			}
		}

		if lastErr = p.publisher.Send(ctx, m.Payload, m.RoutingKey, m.MessageType); lastErr == nil {
			break
		}
	}

	if lastErr == nil {
		p.markProcessed(ctx, m)
		return nil
	}

	p.markFailed(ctx, m, lastErr)

	return lastErr
}

// markProcessed records terminal success. A concurrency conflict means
// another instance already advanced the row; the update is re-applied on the
// fresh copy, and a row that is already processed is left untouched.
func (p *Producer) markProcessed(ctx context.Context, m *outbox.Message) {
	for {
		m.MarkProcessed(time.Now().UTC())

		err := p.store.Update(ctx, m)
		if err == nil {
			return
		}

		if !errors.Is(err, outbox.ErrConcurrencyConflict) {
			p.logger.Error("outbox mark processed failed", "message_id", m.ID, "error", err)
			return
		}

		fresh, err := p.store.Get(ctx, m.ID)
		if err != nil || fresh.Status == outbox.StatusProcessed {
			return
		}

		*m = *fresh
	}
}

func (p *Producer) markFailed(ctx context.Context, m *outbox.Message, sendErr error) {
	for {
		m.MarkFailed(sendErr, p.options.retryUnit, time.Now().UTC())

		err := p.store.Update(ctx, m)
		if err == nil {
			return
		}

		if !errors.Is(err, outbox.ErrConcurrencyConflict) {
			p.logger.Error("outbox mark failed failed", "message_id", m.ID, "error", err)
			return
		}

		fresh, err := p.store.Get(ctx, m.ID)
		if err != nil || fresh.Status == outbox.StatusProcessed || fresh.Status == outbox.StatusIgnored {
			return
		}

		retries := m.RetryCount
		*m = *fresh

		if fresh.RetryCount >= retries {
			// Someone else already recorded this failure.
			return
		}
	}
}

// MarkFailed records a non-retryable data problem found outside a delivery
// attempt, such as an unresolvable message type.
func (p *Producer) MarkFailed(ctx context.Context, m *outbox.Message, cause error) {
	p.markFailed(ctx, m, cause)
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
