// Package gormstore implements the outbox store on a relational database
// through GORM. Optimistic concurrency is enforced with conditional updates
// that match both the row ID and the token the caller read; zero affected
// rows surfaces as a concurrency conflict.
package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/signalhouse/outbox-go/pkg/outbox"
)

const defaultTableName = "outbox_messages"

type record struct {
	ID          string `gorm:"primaryKey"`
	Prefix      string `gorm:"index"`
	Payload     []byte
	MessageType string
	RoutingKey  string
	Status      string `gorm:"index"`
	RetryCount  int
	NextRetryAt *time.Time
	CreatedAt   time.Time `gorm:"index"`
	LastSendAt  *time.Time
	LastError   string
	Token       string
}

func toRecord(m *outbox.Message) record {
	return record{
		ID:          m.ID,
		Prefix:      m.Prefix(),
		Payload:     m.Payload,
		MessageType: m.MessageType,
		RoutingKey:  m.RoutingKey,
		Status:      string(m.Status),
		RetryCount:  m.RetryCount,
		NextRetryAt: m.NextRetryAt,
		CreatedAt:   m.CreatedAt,
		LastSendAt:  m.LastSendAt,
		LastError:   m.LastError,
		Token:       m.Token,
	}
}

func (r record) toMessage() *outbox.Message {
	return &outbox.Message{
		ID:          r.ID,
		Payload:     r.Payload,
		MessageType: r.MessageType,
		RoutingKey:  r.RoutingKey,
		Status:      outbox.SendStatus(r.Status),
		RetryCount:  r.RetryCount,
		NextRetryAt: r.NextRetryAt,
		CreatedAt:   r.CreatedAt,
		LastSendAt:  r.LastSendAt,
		LastError:   r.LastError,
		Token:       r.Token,
	}
}

type Store struct {
	db        *gorm.DB
	tableName string
}

// Option configures the Store.
type Option func(*Store)

// WithTableName overrides the default outbox table name.
func WithTableName(name string) Option {
	return func(s *Store) { s.tableName = name }
}

func NewStore(db *gorm.DB, opts ...Option) *Store {
	s := &Store{
		db:        db,
		tableName: defaultTableName,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Migrate creates the outbox table and its indexes.
func (s *Store) Migrate() error {
	return s.db.Table(s.tableName).AutoMigrate(&record{})
}

func (s *Store) table(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Table(s.tableName)
}

func (s *Store) Create(ctx context.Context, m *outbox.Message) error {
	r := toRecord(m)

	return s.table(ctx).Create(&r).Error
}

func (s *Store) Get(ctx context.Context, id string) (*outbox.Message, error) {
	var r record

	err := s.table(ctx).Where("id = ?", id).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, outbox.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return r.toMessage(), nil
}

func (s *Store) Update(ctx context.Context, m *outbox.Message) error {
	return s.UpdateMany(ctx, []*outbox.Message{m})
}

func (s *Store) UpdateMany(ctx context.Context, ms []*outbox.Message) error {
	newTokens := make([]string, len(ms))

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for idx, m := range ms {
			newTokens[idx] = outbox.NewToken()

			res := tx.Table(s.tableName).
				Where("id = ? AND token = ?", m.ID, m.Token).
				Updates(map[string]any{
					"status":        string(m.Status),
					"retry_count":   m.RetryCount,
					"next_retry_at": m.NextRetryAt,
					"last_send_at":  m.LastSendAt,
					"last_error":    m.LastError,
					"token":         newTokens[idx],
				})
			if res.Error != nil {
				return res.Error
			}

			if res.RowsAffected == 0 {
				return outbox.ErrConcurrencyConflict
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	for idx, m := range ms {
		m.Token = newTokens[idx]
	}

	return nil
}

func (s *Store) DeleteMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	return s.table(ctx).Where("id IN ?", ids).Delete(&record{}).Error
}

func (s *Store) CountByStatus(ctx context.Context, status outbox.SendStatus) (int64, error) {
	var n int64

	err := s.table(ctx).Where("status = ?", string(status)).Count(&n).Error

	return n, err
}

// handleable builds the claimability filter: new, failed and due, or stuck
// in processing longer than the allowed window.
func (s *Store) handleable(q *gorm.DB, maxProcessing time.Duration, now time.Time) *gorm.DB {
	stuckBefore := now.Add(-maxProcessing)

	return q.Where(
		"status = ? OR (status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)) OR (status = ? AND COALESCE(last_send_at, created_at) < ?)",
		string(outbox.StatusNew),
		string(outbox.StatusFailed), now,
		string(outbox.StatusProcessing), stuckBefore,
	)
}

func (s *Store) ListHandleablePrefixes(ctx context.Context, maxProcessing time.Duration, now time.Time, afterPrefix string, limit int) ([]string, error) {
	var prefixes []string

	err := s.handleable(s.table(ctx).Where("prefix > ?", afterPrefix), maxProcessing, now).
		Distinct("prefix").
		Order("prefix ASC").
		Limit(limit).
		Pluck("prefix", &prefixes).Error

	return prefixes, err
}

func (s *Store) ListHandleable(ctx context.Context, prefix string, maxProcessing time.Duration, now time.Time, limit int) ([]*outbox.Message, error) {
	var rs []record

	err := s.handleable(s.table(ctx).Where("prefix = ?", prefix), maxProcessing, now).
		Order("created_at ASC").
		Limit(limit).
		Find(&rs).Error
	if err != nil {
		return nil, err
	}

	return toMessages(rs), nil
}

func (s *Store) HasEarlierPending(ctx context.Context, prefix string, createdBefore time.Time, excludeIDs []string) (bool, error) {
	q := s.table(ctx).
		Where("prefix = ? AND created_at < ?", prefix, createdBefore).
		Where("status IN ?", []string{
			string(outbox.StatusNew),
			string(outbox.StatusProcessing),
			string(outbox.StatusFailed),
		})

	if len(excludeIDs) > 0 {
		q = q.Where("id NOT IN ?", excludeIDs)
	}

	var n int64
	if err := q.Count(&n).Error; err != nil {
		return false, err
	}

	return n > 0, nil
}

func (s *Store) ListOldestByStatus(ctx context.Context, status outbox.SendStatus, createdBefore time.Time, limit int) ([]*outbox.Message, error) {
	q := s.table(ctx).Where("status = ?", string(status))

	if !createdBefore.IsZero() {
		q = q.Where("created_at < ?", createdBefore)
	}

	var rs []record

	err := q.Order("created_at ASC").Limit(limit).Find(&rs).Error
	if err != nil {
		return nil, err
	}

	return toMessages(rs), nil
}

func toMessages(rs []record) []*outbox.Message {
	ms := make([]*outbox.Message, len(rs))
	for i, r := range rs {
		ms[i] = r.toMessage()
	}

	return ms
}
