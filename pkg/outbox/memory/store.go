// Package memory provides a mutex-guarded in-memory outbox store. It is the
// reference implementation of the store contract, used in tests and in
// environments that run without a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalhouse/outbox-go/pkg/outbox"
)

type Store struct {
	mux  sync.Mutex
	rows map[string]*outbox.Message
}

func NewStore() *Store {
	return &Store{rows: make(map[string]*outbox.Message)}
}

func clone(m *outbox.Message) *outbox.Message {
	c := *m

	if m.NextRetryAt != nil {
		t := *m.NextRetryAt
		c.NextRetryAt = &t
	}

	if m.LastSendAt != nil {
		t := *m.LastSendAt
		c.LastSendAt = &t
	}

	c.Payload = append([]byte(nil), m.Payload...)

	return &c
}

func (s *Store) Create(_ context.Context, m *outbox.Message) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	if _, ok := s.rows[m.ID]; ok {
		return fmt.Errorf("outbox: duplicate message id %s", m.ID)
	}

	s.rows[m.ID] = clone(m)

	return nil
}

func (s *Store) Get(_ context.Context, id string) (*outbox.Message, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	m, ok := s.rows[id]
	if !ok {
		return nil, outbox.ErrNotFound
	}

	return clone(m), nil
}

func (s *Store) Update(ctx context.Context, m *outbox.Message) error {
	return s.UpdateMany(ctx, []*outbox.Message{m})
}

func (s *Store) UpdateMany(_ context.Context, ms []*outbox.Message) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	for _, m := range ms {
		current, ok := s.rows[m.ID]
		if !ok || current.Token != m.Token {
			return outbox.ErrConcurrencyConflict
		}
	}

	for _, m := range ms {
		m.Token = outbox.NewToken()
		s.rows[m.ID] = clone(m)
	}

	return nil
}

func (s *Store) DeleteMany(_ context.Context, ids []string) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	for _, id := range ids {
		delete(s.rows, id)
	}

	return nil
}

func (s *Store) CountByStatus(_ context.Context, status outbox.SendStatus) (int64, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	var n int64

	for _, m := range s.rows {
		if m.Status == status {
			n++
		}
	}

	return n, nil
}

func (s *Store) ListHandleablePrefixes(_ context.Context, maxProcessing time.Duration, now time.Time, afterPrefix string, limit int) ([]string, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	seen := make(map[string]bool)

	var prefixes []string

	for _, m := range s.rows {
		if !outbox.CanHandle(m, maxProcessing, now) {
			continue
		}

		p := m.Prefix()
		if p <= afterPrefix || seen[p] {
			continue
		}

		seen[p] = true
		prefixes = append(prefixes, p)
	}

	sort.Strings(prefixes)

	if limit > 0 && len(prefixes) > limit {
		prefixes = prefixes[:limit]
	}

	return prefixes, nil
}

func (s *Store) ListHandleable(_ context.Context, prefix string, maxProcessing time.Duration, now time.Time, limit int) ([]*outbox.Message, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	var ms []*outbox.Message

	for _, m := range s.rows {
		if m.Prefix() == prefix && outbox.CanHandle(m, maxProcessing, now) {
			ms = append(ms, clone(m))
		}
	}

	sort.Slice(ms, func(i, j int) bool { return ms[i].CreatedAt.Before(ms[j].CreatedAt) })

	if limit > 0 && len(ms) > limit {
		ms = ms[:limit]
	}

	return ms, nil
}

func (s *Store) HasEarlierPending(_ context.Context, prefix string, createdBefore time.Time, excludeIDs []string) (bool, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	excluded := make(map[string]bool, len(excludeIDs))
	for _, id := range excludeIDs {
		excluded[id] = true
	}

	for _, m := range s.rows {
		if excluded[m.ID] || m.Prefix() != prefix || !m.CreatedAt.Before(createdBefore) {
			continue
		}

		switch m.Status {
		case outbox.StatusNew, outbox.StatusProcessing, outbox.StatusFailed:
			return true, nil
		}
	}

	return false, nil
}

func (s *Store) ListOldestByStatus(_ context.Context, status outbox.SendStatus, createdBefore time.Time, limit int) ([]*outbox.Message, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	var ms []*outbox.Message

	for _, m := range s.rows {
		if m.Status != status {
			continue
		}

		if !createdBefore.IsZero() && !m.CreatedAt.Before(createdBefore) {
			continue
		}

		ms = append(ms, clone(m))
	}

	sort.Slice(ms, func(i, j int) bool { return ms[i].CreatedAt.Before(ms[j].CreatedAt) })

	if limit > 0 && len(ms) > limit {
		ms = ms[:limit]
	}

	return ms, nil
}
