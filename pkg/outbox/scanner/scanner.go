// Package scanner implements the background drain of the outbox: it
// periodically claims batches of undelivered messages and drives them to the
// broker, preserving creation order within each ordering group.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/signalhouse/outbox-go/pkg/outbox"
	"github.com/signalhouse/outbox-go/pkg/outbox/producer"
)

type options struct {
	interval         time.Duration
	jitter           time.Duration
	prefixPageSize   int
	subQueuePrefetch int
	workers          int
	maxProcessing    time.Duration
	retryUnit        time.Duration
	cycleRetries     int
	cycleRetryDelay  time.Duration
	warnThreshold    int
}

func defaultOptions() options {
	return options{
		interval:         5 * time.Second,
		jitter:           time.Second,
		prefixPageSize:   100,
		subQueuePrefetch: 10,
		workers:          8,
		maxProcessing:    5 * time.Minute,
		retryUnit:        30 * time.Second,
		cycleRetries:     10,
		cycleRetryDelay:  3 * time.Second,
		warnThreshold:    3,
	}
}

// Option configures the Scanner.
type Option func(*options)

// WithInterval sets the polling interval. Each cycle adds a small random
// jitter so multiple instances do not scan in lockstep.
func WithInterval(d time.Duration) Option {
	return func(o *options) { o.interval = d }
}

// WithJitter sets the maximum random delay added to each cycle.
func WithJitter(d time.Duration) Option {
	return func(o *options) { o.jitter = d }
}

// WithPrefixPageSize bounds how many ordering-group prefixes are listed
// per page.
func WithPrefixPageSize(n int) Option {
	return func(o *options) { o.prefixPageSize = n }
}

// WithSubQueuePrefetch bounds how many messages of one ordering group are
// claimed per batch.
func WithSubQueuePrefetch(n int) Option {
	return func(o *options) { o.subQueuePrefetch = n }
}

// WithWorkers bounds how many ordering groups are processed concurrently.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithMaxProcessing sets the age beyond which a processing row is
// considered stuck and becomes claimable again.
func WithMaxProcessing(d time.Duration) Option {
	return func(o *options) { o.maxProcessing = d }
}

// WithRetryUnit sets the linear backoff unit for failed deliveries.
func WithRetryUnit(d time.Duration) Option {
	return func(o *options) { o.retryUnit = d }
}

// WithCycleRetry sets the bounded retry applied around a whole scan cycle,
// tolerating a database that is not ready yet.
func WithCycleRetry(retries int, delay time.Duration) Option {
	return func(o *options) {
		o.cycleRetries = retries
		o.cycleRetryDelay = delay
	}
}

// Scanner polls the outbox and re-attempts everything the producer could
// not deliver inline. It is the at-least-once backstop.
type Scanner struct {
	store    outbox.Store
	producer *producer.Producer
	registry *outbox.Registry
	logger   *slog.Logger
	options  options
}

func NewScanner(store outbox.Store, p *producer.Producer, registry *outbox.Registry, logger *slog.Logger, opts ...Option) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}

	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &Scanner{
		store:    store,
		producer: p,
		registry: registry,
		logger:   logger,
		options:  options,
	}
}

// Run starts the polling loop and blocks until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	for {
		delay := s.options.interval
		if s.options.jitter > 0 {
			delay += time.Duration(rand.Int63n(int64(s.options.jitter)))
		}

		t := time.NewTimer(delay)

		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
			if err := s.runCycleWithRetry(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("outbox scan cycle gave up", "error", err)
			}
		}
	}
}

// RunOnce executes a single scan cycle without the outer retry wrapper.
func (s *Scanner) RunOnce(ctx context.Context) error {
	return s.scanAll(ctx)
}

func (s *Scanner) runCycleWithRetry(ctx context.Context) error {
	var lastErr error

	for attempt := 0; attempt <= s.options.cycleRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, s.options.cycleRetryDelay); err != nil {
				return err
			}
		}

		lastErr = s.scanAll(ctx)
		if lastErr == nil {
			return nil
		}

		level := slog.LevelWarn
		if attempt >= s.options.warnThreshold {
			level = slog.LevelError
		}

		s.logger.Log(ctx, level, "outbox scan cycle failed, retrying",
			"attempt", attempt, "error", lastErr)
	}

	return lastErr
}

// scanAll repeats full passes over the outbox until no ordering group has
// handleable work left, so a busy table is drained in one cycle instead of
// waiting out the polling interval per batch.
func (s *Scanner) scanAll(ctx context.Context) error {
	for {
		found, err := s.scanPass(ctx)
		if err != nil || !found {
			return err
		}
	}
}

// scanPass pages through the handleable ordering-group prefixes and
// processes up to the configured number of them concurrently. Each prefix is
// handled by exactly one worker; within a prefix everything is sequential.
func (s *Scanner) scanPass(ctx context.Context) (bool, error) {
	seen := make(map[string]bool)

	var (
		mux   sync.Mutex
		found bool
	)

	for after := ""; ; {
		now := time.Now().UTC()

		prefixes, err := s.store.ListHandleablePrefixes(ctx, s.options.maxProcessing, now, after, s.options.prefixPageSize)
		if err != nil {
			return found, fmt.Errorf("list handleable prefixes: %w", err)
		}

		if len(prefixes) == 0 {
			return found, nil
		}

		eg, egCtx := errgroup.WithContext(ctx)
		eg.SetLimit(s.options.workers)

		fresh := 0

		for _, prefix := range prefixes {
			if seen[prefix] {
				continue
			}

			seen[prefix] = true
			fresh++

			eg.Go(func() error {
				processed, err := s.processPrefix(egCtx, prefix)
				if processed {
					mux.Lock()
					found = true
					mux.Unlock()
				}

				return err
			})
		}

		if err := eg.Wait(); err != nil {
			return found, err
		}

		if fresh == 0 {
			// Only already-seen prefixes remain; they are either drained or
			// stopped on a failure. Re-listing them would spin.
			return found, nil
		}

		// Keyset paging: the next page starts after the last prefix of this
		// one, so groups that stop being handleable mid-pass cannot shift
		// later prefixes out of a page.
		after = prefixes[len(prefixes)-1]
	}
}

// processPrefix drains one ordering group: claim a batch, deliver it in
// order, repeat. A delivery failure stops the group for this cycle.
func (s *Scanner) processPrefix(ctx context.Context, prefix string) (bool, error) {
	processed := false

	for {
		batch, err := s.claimBatch(ctx, prefix)
		if err != nil {
			if errors.Is(err, outbox.ErrConcurrencyConflict) {
				// Another instance claimed this group first.
				return processed, nil
			}

			return processed, err
		}

		if len(batch) == 0 {
			return processed, nil
		}

		processed = true

		if !s.deliverBatch(ctx, batch) {
			return processed, nil
		}
	}
}

// claimBatch claims up to the sub-queue prefetch size of one ordering
// group's handleable messages via an optimistic bulk update to the
// processing state. The claim is refused when an earlier, still pending
// sibling exists outside the batch: delivering past it would break ordering.
func (s *Scanner) claimBatch(ctx context.Context, prefix string) ([]*outbox.Message, error) {
	now := time.Now().UTC()

	batch, err := s.store.ListHandleable(ctx, prefix, s.options.maxProcessing, now, s.options.subQueuePrefetch)
	if err != nil {
		return nil, fmt.Errorf("list handleable %s: %w", prefix, err)
	}

	if len(batch) == 0 {
		return nil, nil
	}

	ids := make([]string, len(batch))
	for i, m := range batch {
		ids[i] = m.ID
	}

	blocked, err := s.store.HasEarlierPending(ctx, prefix, batch[0].CreatedAt, ids)
	if err != nil {
		return nil, fmt.Errorf("blocking sibling check %s: %w", prefix, err)
	}

	if blocked {
		return nil, nil
	}

	for _, m := range batch {
		m.MarkClaimed(now)
	}

	if err := s.store.UpdateMany(ctx, batch); err != nil {
		return nil, err
	}

	return batch, nil
}

// deliverBatch sends claimed messages strictly in order. On the first
// failure the remaining claimed messages are reverted to the new state so no
// gap is skipped, and false is returned to stop the group for this cycle.
func (s *Scanner) deliverBatch(ctx context.Context, batch []*outbox.Message) bool {
	for i, m := range batch {
		if err := s.deliver(ctx, m); err != nil {
			s.logger.Warn("outbox delivery failed, stopping group",
				"message_id", m.ID, "error", err)
			s.revert(ctx, batch[i+1:])

			return false
		}
	}

	return true
}

// deliver sends one claimed message. A message whose stored type is no
// longer registered is a data problem, not a transient failure: it is marked
// failed immediately with a descriptive error.
func (s *Scanner) deliver(ctx context.Context, m *outbox.Message) error {
	if _, ok := s.registry.Resolve(m.MessageType); !ok {
		err := fmt.Errorf("message type %q is not registered", m.MessageType)
		s.producer.MarkFailed(ctx, m, err)

		return err
	}

	return s.producer.SendExisting(ctx, m)
}

func (s *Scanner) revert(ctx context.Context, rest []*outbox.Message) {
	if len(rest) == 0 {
		return
	}

	for _, m := range rest {
		m.Status = outbox.StatusNew
	}

	if err := s.store.UpdateMany(ctx, rest); err != nil && !errors.Is(err, outbox.ErrConcurrencyConflict) {
		s.logger.Error("outbox claim revert failed", "count", len(rest), "error", err)
	}
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
