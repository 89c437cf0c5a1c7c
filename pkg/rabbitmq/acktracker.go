package rabbitmq

import "sync"

// ackKey identifies one in-flight acknowledgment attempt.
type ackKey struct {
	routingKey  string
	channelID   uint64
	deliveryTag uint64
}

// ackTracker records acknowledgments that are still being attempted.
// Clearing it during shutdown turns pending retry attempts into no-ops
// instead of letting them ack against a dead channel.
type ackTracker struct {
	mux  sync.Mutex
	keys map[ackKey]struct{}
}

func newAckTracker() *ackTracker {
	return &ackTracker{keys: make(map[ackKey]struct{})}
}

func (t *ackTracker) track(key ackKey) {
	t.mux.Lock()
	t.keys[key] = struct{}{}
	t.mux.Unlock()
}

func (t *ackTracker) pending(key ackKey) bool {
	t.mux.Lock()
	_, ok := t.keys[key]
	t.mux.Unlock()

	return ok
}

func (t *ackTracker) done(key ackKey) {
	t.mux.Lock()
	delete(t.keys, key)
	t.mux.Unlock()
}

func (t *ackTracker) clear() {
	t.mux.Lock()
	t.keys = make(map[ackKey]struct{})
	t.mux.Unlock()
}
