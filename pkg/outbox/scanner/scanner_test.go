package scanner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalhouse/outbox-go/pkg/outbox"
	"github.com/signalhouse/outbox-go/pkg/outbox/memory"
	"github.com/signalhouse/outbox-go/pkg/outbox/producer"
	"github.com/signalhouse/outbox-go/pkg/task"
)

type recordingPublisher struct {
	mux    sync.Mutex
	failOn map[string]bool // routing keys that fail
	sent   []string        // message types in send order
}

func (p *recordingPublisher) Send(_ context.Context, _ []byte, routingKey, messageType string) error {
	p.mux.Lock()
	defer p.mux.Unlock()

	if p.failOn[routingKey] {
		return errors.New("broker unavailable")
	}

	p.sent = append(p.sent, messageType)

	return nil
}

func (p *recordingPublisher) sentTypes() []string {
	p.mux.Lock()
	defer p.mux.Unlock()

	return append([]string(nil), p.sent...)
}

func newTestRegistry() *outbox.Registry {
	registry := outbox.NewRegistry()

	for _, name := range []string{"OrderCreated", "PaymentTaken"} {
		registry.Register(outbox.TypeDesc{
			Name:              name,
			DefaultRoutingKey: "events." + name,
			New:               func() any { return &map[string]any{} },
		})
	}

	return registry
}

func newTestScanner(store outbox.Store, publisher producer.Publisher) *Scanner {
	registry := newTestRegistry()
	supervisor := task.NewSupervisor(slog.Default())

	p := producer.NewProducer(store, publisher, registry, supervisor, slog.Default(),
		producer.WithInlineRetries(1),
		producer.WithInlineRetryDelay(time.Millisecond),
		producer.WithRetryUnit(30*time.Second),
	)

	return NewScanner(store, p, registry, slog.Default(),
		WithSubQueuePrefetch(2),
		WithWorkers(2),
		WithMaxProcessing(5*time.Minute),
	)
}

func stage(t *testing.T, store outbox.Store, id string, status outbox.SendStatus, createdAt time.Time, messageType, routingKey string) *outbox.Message {
	t.Helper()

	m := &outbox.Message{
		ID:          id,
		Payload:     []byte(`{}`),
		MessageType: messageType,
		RoutingKey:  routingKey,
		Status:      status,
		CreatedAt:   createdAt,
		Token:       outbox.NewToken(),
	}

	require.NoError(t, store.Create(context.Background(), m))

	return m
}

func TestScanner_DeliversInCreationOrder(t *testing.T) {
	store := memory.NewStore()
	publisher := &recordingPublisher{}
	s := newTestScanner(store, publisher)

	base := time.Now().UTC().Add(-time.Hour)

	// Staged out of order on purpose; prefetch of 2 forces multiple batches.
	stage(t, store, "Order----3", outbox.StatusNew, base.Add(3*time.Minute), "OrderCreated", "events.OrderCreated")
	stage(t, store, "Order----1", outbox.StatusNew, base.Add(time.Minute), "OrderCreated", "events.OrderCreated")
	stage(t, store, "Order----2", outbox.StatusFailed, base.Add(2*time.Minute), "OrderCreated", "events.OrderCreated")

	require.NoError(t, s.RunOnce(context.Background()))

	assert.Equal(t, []string{"OrderCreated", "OrderCreated", "OrderCreated"}, publisher.sentTypes())

	for _, id := range []string{"Order----1", "Order----2", "Order----3"} {
		m, err := store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusProcessed, m.Status, id)
	}
}

func TestScanner_FailureStopsGroupAndRevertsRest(t *testing.T) {
	store := memory.NewStore()
	publisher := &recordingPublisher{failOn: map[string]bool{"events.OrderCreated": true}}
	s := newTestScanner(store, publisher)

	base := time.Now().UTC().Add(-time.Hour)

	stage(t, store, "Order----1", outbox.StatusNew, base, "OrderCreated", "events.OrderCreated")
	stage(t, store, "Order----2", outbox.StatusNew, base.Add(time.Minute), "OrderCreated", "events.OrderCreated")

	require.NoError(t, s.RunOnce(context.Background()))

	first, err := store.Get(context.Background(), "Order----1")
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusFailed, first.Status)
	assert.Equal(t, 1, first.RetryCount)

	second, err := store.Get(context.Background(), "Order----2")
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusNew, second.Status, "claimed but undelivered rows are reverted")
}

func TestScanner_IndependentGroupsProgressPastFailure(t *testing.T) {
	store := memory.NewStore()
	publisher := &recordingPublisher{failOn: map[string]bool{"events.OrderCreated": true}}
	s := newTestScanner(store, publisher)

	base := time.Now().UTC().Add(-time.Hour)

	stage(t, store, "Order----1", outbox.StatusNew, base, "OrderCreated", "events.OrderCreated")
	stage(t, store, "Payment----1", outbox.StatusNew, base, "PaymentTaken", "events.PaymentTaken")

	require.NoError(t, s.RunOnce(context.Background()))

	payment, err := store.Get(context.Background(), "Payment----1")
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusProcessed, payment.Status)
}

func TestScanner_ReclaimsStuckProcessing(t *testing.T) {
	store := memory.NewStore()
	publisher := &recordingPublisher{}
	s := newTestScanner(store, publisher)

	stuckAt := time.Now().UTC().Add(-time.Hour)
	m := stage(t, store, "Order----1", outbox.StatusProcessing, stuckAt, "OrderCreated", "events.OrderCreated")
	m.LastSendAt = &stuckAt
	require.NoError(t, store.Update(context.Background(), m))

	require.NoError(t, s.RunOnce(context.Background()))

	final, err := store.Get(context.Background(), "Order----1")
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusProcessed, final.Status)
	assert.Equal(t, []string{"OrderCreated"}, publisher.sentTypes())
}

func TestScanner_RespectsRetryBackoff(t *testing.T) {
	store := memory.NewStore()
	publisher := &recordingPublisher{}
	s := newTestScanner(store, publisher)

	future := time.Now().UTC().Add(time.Hour)
	m := stage(t, store, "Order----1", outbox.StatusFailed, time.Now().UTC().Add(-time.Hour), "OrderCreated", "events.OrderCreated")
	m.NextRetryAt = &future
	require.NoError(t, store.Update(context.Background(), m))

	require.NoError(t, s.RunOnce(context.Background()))

	assert.Empty(t, publisher.sentTypes(), "not yet due")
}

func TestScanner_UnresolvableType_MarksFailed(t *testing.T) {
	store := memory.NewStore()
	publisher := &recordingPublisher{}
	s := newTestScanner(store, publisher)

	stage(t, store, "Ghost----1", outbox.StatusNew, time.Now().UTC().Add(-time.Hour), "GhostType", "events.GhostType")

	require.NoError(t, s.RunOnce(context.Background()))

	m, err := store.Get(context.Background(), "Ghost----1")
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusFailed, m.Status)
	assert.Contains(t, m.LastError, "not registered")
	assert.Empty(t, publisher.sentTypes())
}

func TestScanner_SinglePassVisitsEveryGroupAcrossPages(t *testing.T) {
	store := memory.NewStore()
	publisher := &recordingPublisher{}
	registry := newTestRegistry()
	supervisor := task.NewSupervisor(slog.Default())

	p := producer.NewProducer(store, publisher, registry, supervisor, slog.Default(),
		producer.WithInlineRetries(1),
		producer.WithInlineRetryDelay(time.Millisecond),
	)

	// A page size of one means every group processed drops out of the
	// handleable set before the next page is listed.
	s := NewScanner(store, p, registry, slog.Default(),
		WithPrefixPageSize(1),
		WithWorkers(1),
		WithMaxProcessing(5*time.Minute),
	)

	base := time.Now().UTC().Add(-time.Hour)

	stage(t, store, "Alpha----1", outbox.StatusNew, base, "OrderCreated", "events.OrderCreated")
	stage(t, store, "Beta----1", outbox.StatusNew, base, "OrderCreated", "events.OrderCreated")
	stage(t, store, "Gamma----1", outbox.StatusNew, base, "PaymentTaken", "events.PaymentTaken")

	found, err := s.scanPass(context.Background())
	require.NoError(t, err)
	assert.True(t, found)

	for _, id := range []string{"Alpha----1", "Beta----1", "Gamma----1"} {
		m, err := store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusProcessed, m.Status, id)
	}
}

func TestScanner_BlockedGroupIsLeftAlone(t *testing.T) {
	store := memory.NewStore()
	publisher := &recordingPublisher{}
	s := newTestScanner(store, publisher)

	now := time.Now().UTC()

	// An earlier failed sibling that is not yet due blocks the group.
	notDue := now.Add(time.Hour)
	blocker := stage(t, store, "Order----1", outbox.StatusFailed, now.Add(-2*time.Hour), "OrderCreated", "events.OrderCreated")
	blocker.NextRetryAt = &notDue
	require.NoError(t, store.Update(context.Background(), blocker))

	stage(t, store, "Order----2", outbox.StatusNew, now.Add(-time.Hour), "OrderCreated", "events.OrderCreated")

	require.NoError(t, s.RunOnce(context.Background()))

	second, err := store.Get(context.Background(), "Order----2")
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusNew, second.Status, "held back behind its sibling")
	assert.Empty(t, publisher.sentTypes())
}
