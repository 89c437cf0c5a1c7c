// Package cleaner bounds outbox growth: settled rows are deleted after a
// retention window or when the processed row count exceeds a cap, and stale
// failed rows are parked as ignored so they stay inspectable a while longer.
package cleaner

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/signalhouse/outbox-go/pkg/outbox"
)

type options struct {
	interval             time.Duration
	maxProcessedCount    int64
	deleteProcessedAfter time.Duration
	deleteIgnoredAfter   time.Duration
	ignoreFailedAfter    time.Duration
	batchSize            int
	cycleRetries         int
	cycleRetryDelay      time.Duration
}

func defaultOptions() options {
	return options{
		interval:             time.Minute,
		maxProcessedCount:    10000,
		deleteProcessedAfter: 24 * time.Hour,
		deleteIgnoredAfter:   30 * 24 * time.Hour,
		ignoreFailedAfter:    7 * 24 * time.Hour,
		batchSize:            200,
		cycleRetries:         5,
		cycleRetryDelay:      5 * time.Second,
	}
}

// Option configures the Cleaner.
type Option func(*options)

// WithInterval sets the cleaning interval.
func WithInterval(d time.Duration) Option {
	return func(o *options) { o.interval = d }
}

// WithMaxProcessedCount caps how many processed rows are retained. Beyond
// the cap the oldest processed rows are deleted first.
func WithMaxProcessedCount(n int64) Option {
	return func(o *options) { o.maxProcessedCount = n }
}

// WithDeleteProcessedAfter sets the retention window for processed rows.
func WithDeleteProcessedAfter(d time.Duration) Option {
	return func(o *options) { o.deleteProcessedAfter = d }
}

// WithDeleteIgnoredAfter sets the retention window for ignored rows.
func WithDeleteIgnoredAfter(d time.Duration) Option {
	return func(o *options) { o.deleteIgnoredAfter = d }
}

// WithIgnoreFailedAfter sets how long a failed row keeps retrying before it
// is parked as ignored.
func WithIgnoreFailedAfter(d time.Duration) Option {
	return func(o *options) { o.ignoreFailedAfter = d }
}

// WithBatchSize sets how many rows are deleted per page.
func WithBatchSize(n int) Option {
	return func(o *options) { o.batchSize = n }
}

// WithCycleRetry sets the bounded retry applied around a whole clean cycle.
func WithCycleRetry(retries int, delay time.Duration) Option {
	return func(o *options) {
		o.cycleRetries = retries
		o.cycleRetryDelay = delay
	}
}

// Cleaner is the background service that keeps the outbox table bounded.
type Cleaner struct {
	store    outbox.Store
	logger   *slog.Logger
	options  options
	inFlight atomic.Bool
}

func NewCleaner(store outbox.Store, logger *slog.Logger, opts ...Option) *Cleaner {
	if logger == nil {
		logger = slog.Default()
	}

	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &Cleaner{
		store:   store,
		logger:  logger,
		options: options,
	}
}

// Run starts the cleaning loop and blocks until ctx is cancelled. A cycle
// is skipped when the previous one is still in flight.
func (c *Cleaner) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.options.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !c.inFlight.CompareAndSwap(false, true) {
				continue
			}

			if err := c.runCycleWithRetry(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("outbox clean cycle gave up", "error", err)
			}

			c.inFlight.Store(false)
		}
	}
}

// RunOnce executes a single clean cycle without the outer retry wrapper.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	return c.clean(ctx)
}

func (c *Cleaner) runCycleWithRetry(ctx context.Context) error {
	var lastErr error

	for attempt := 0; attempt <= c.options.cycleRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, c.options.cycleRetryDelay); err != nil {
				return err
			}
		}

		if lastErr = c.clean(ctx); lastErr == nil {
			return nil
		}

		c.logger.Warn("outbox clean cycle failed, retrying", "attempt", attempt, "error", lastErr)
	}

	return lastErr
}

func (c *Cleaner) clean(ctx context.Context) error {
	trimmed, err := c.trimProcessedOverCap(ctx)
	if err != nil {
		return err
	}

	if trimmed {
		return nil
	}

	now := time.Now().UTC()

	if err := c.deleteExpired(ctx, outbox.StatusProcessed, now.Add(-c.options.deleteProcessedAfter)); err != nil {
		return err
	}

	if err := c.deleteExpired(ctx, outbox.StatusIgnored, now.Add(-c.options.deleteIgnoredAfter)); err != nil {
		return err
	}

	return c.parkExpiredFailed(ctx, now.Add(-c.options.ignoreFailedAfter))
}

// trimProcessedOverCap deletes the oldest processed rows in pages until the
// processed count is back under the cap. It reports whether it did any work,
// in which case the age-based expiry is left for the next cycle.
func (c *Cleaner) trimProcessedOverCap(ctx context.Context) (bool, error) {
	trimmed := false

	for {
		count, err := c.store.CountByStatus(ctx, outbox.StatusProcessed)
		if err != nil {
			return trimmed, fmt.Errorf("count processed: %w", err)
		}

		over := count - c.options.maxProcessedCount
		if over <= 0 {
			return trimmed, nil
		}

		limit := c.options.batchSize
		if int64(limit) > over {
			limit = int(over)
		}

		batch, err := c.store.ListOldestByStatus(ctx, outbox.StatusProcessed, time.Time{}, limit)
		if err != nil {
			return trimmed, fmt.Errorf("list oldest processed: %w", err)
		}

		if len(batch) == 0 {
			return trimmed, nil
		}

		if err := c.store.DeleteMany(ctx, messageIDs(batch)); err != nil {
			return trimmed, fmt.Errorf("delete processed over cap: %w", err)
		}

		trimmed = true
	}
}

func (c *Cleaner) deleteExpired(ctx context.Context, status outbox.SendStatus, cutoff time.Time) error {
	for {
		batch, err := c.store.ListOldestByStatus(ctx, status, cutoff, c.options.batchSize)
		if err != nil {
			return fmt.Errorf("list expired %s: %w", status, err)
		}

		if len(batch) == 0 {
			return nil
		}

		if err := c.store.DeleteMany(ctx, messageIDs(batch)); err != nil {
			return fmt.Errorf("delete expired %s: %w", status, err)
		}
	}
}

// parkExpiredFailed moves failed rows past the retry window to the ignored
// state instead of deleting them, keeping them inspectable for one more
// retention window.
func (c *Cleaner) parkExpiredFailed(ctx context.Context, cutoff time.Time) error {
	for {
		batch, err := c.store.ListOldestByStatus(ctx, outbox.StatusFailed, cutoff, c.options.batchSize)
		if err != nil {
			return fmt.Errorf("list expired failed: %w", err)
		}

		if len(batch) == 0 {
			return nil
		}

		for _, m := range batch {
			m.Status = outbox.StatusIgnored
		}

		if err := c.store.UpdateMany(ctx, batch); err != nil {
			return fmt.Errorf("park expired failed: %w", err)
		}
	}
}

func messageIDs(ms []*outbox.Message) []string {
	ids := make([]string, len(ms))
	for i, m := range ms {
		ids[i] = m.ID
	}

	return ids
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
