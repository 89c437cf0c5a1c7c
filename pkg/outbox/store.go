package outbox

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrConcurrencyConflict is returned by stores when a conditional update
// matches zero rows: another instance already advanced the message. Callers
// treat it as an expected race, refetch and continue.
var ErrConcurrencyConflict = errors.New("outbox: concurrency conflict")

// ErrNotFound is returned when a message does not exist.
var ErrNotFound = errors.New("outbox: message not found")

// Store is the persistence contract for outbox messages.
//
// All mutating methods are optimistically locked: they must compare the
// concurrency token read by the caller and fail with ErrConcurrencyConflict
// on mismatch. Implementations rotate the token on every successful update.
type Store interface {
	// Create inserts a new message. The message ID must be unique.
	Create(ctx context.Context, m *Message) error

	// Get returns the message with the given ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*Message, error)

	// Update persists the message if its token still matches, rotating the
	// token on success.
	Update(ctx context.Context, m *Message) error

	// UpdateMany persists a batch with per-row token checks. It fails with
	// ErrConcurrencyConflict without applying anything if any row's token
	// no longer matches.
	UpdateMany(ctx context.Context, ms []*Message) error

	// DeleteMany removes the messages with the given IDs.
	DeleteMany(ctx context.Context, ids []string) error

	// CountByStatus returns the number of messages in the given status.
	CountByStatus(ctx context.Context, status SendStatus) (int64, error)

	// ListHandleablePrefixes returns a page of distinct ordering-group
	// prefixes that currently contain at least one handleable message,
	// as defined by CanHandle at the given instant. Paging is keyed on
	// the last prefix of the previous page: only prefixes strictly
	// greater than afterPrefix are returned, in ascending order, so a
	// page stays stable while earlier groups drain.
	ListHandleablePrefixes(ctx context.Context, maxProcessing time.Duration, now time.Time, afterPrefix string, limit int) ([]string, error)

	// ListHandleable returns up to limit handleable messages of one
	// ordering group, ordered by creation time.
	ListHandleable(ctx context.Context, prefix string, maxProcessing time.Duration, now time.Time, limit int) ([]*Message, error)

	// HasEarlierPending reports whether the ordering group holds a
	// non-terminal message created before the given instant, excluding the
	// given IDs. A true result blocks claiming to preserve ordering.
	HasEarlierPending(ctx context.Context, prefix string, createdBefore time.Time, excludeIDs []string) (bool, error)

	// ListOldestByStatus returns up to limit messages of the given status
	// created before the cutoff, oldest first. A zero cutoff means no
	// age bound.
	ListOldestByStatus(ctx context.Context, status SendStatus, createdBefore time.Time, limit int) ([]*Message, error)
}

// TxContext exposes the caller's unit-of-work to the producer so delivery
// can be deferred until the row is durably committed.
type TxContext interface {
	// IsRealTransaction reports whether writes are held for a later atomic
	// commit. When false the context is a pseudo transaction: writes are
	// applied immediately.
	IsRealTransaction() bool

	// OnCommit registers fn to run after a successful commit. On a pseudo
	// transaction implementations may run fn immediately.
	OnCommit(fn func(ctx context.Context))
}

// PseudoTxContext is the no-real-transaction context: writes apply
// immediately and commit hooks run inline.
type PseudoTxContext struct{}

func (PseudoTxContext) IsRealTransaction() bool { return false }

func (PseudoTxContext) OnCommit(fn func(ctx context.Context)) {
	fn(context.Background())
}

// RealTxContext collects post-commit hooks for a real transaction. The host
// creates one per transaction and calls Commit after the transaction has
// durably committed; hooks registered on a rolled-back transaction are
// simply dropped.
type RealTxContext struct {
	mux   sync.Mutex
	hooks []func(ctx context.Context)
}

func NewRealTxContext() *RealTxContext {
	return &RealTxContext{}
}

func (c *RealTxContext) IsRealTransaction() bool { return true }

func (c *RealTxContext) OnCommit(fn func(ctx context.Context)) {
	c.mux.Lock()
	c.hooks = append(c.hooks, fn)
	c.mux.Unlock()
}

// Commit runs the registered hooks in registration order and clears them.
func (c *RealTxContext) Commit(ctx context.Context) {
	c.mux.Lock()
	hooks := c.hooks
	c.hooks = nil
	c.mux.Unlock()

	for _, fn := range hooks {
		fn(ctx)
	}
}
