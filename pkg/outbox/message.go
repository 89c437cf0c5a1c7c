package outbox

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"
)

// SendStatus is the delivery state of an outbox message.
type SendStatus string

const (
	StatusNew        SendStatus = "New"
	StatusProcessing SendStatus = "Processing"
	StatusProcessed  SendStatus = "Processed"
	StatusFailed     SendStatus = "Failed"
	StatusIgnored    SendStatus = "Ignored"
)

const (
	// IDSeparator splits the ordering-group prefix from the per-message suffix.
	IDSeparator = "----"

	// MaxRoutingKeyLength bounds the stored routing key; longer keys are truncated.
	MaxRoutingKeyLength = 500
)

// Message is one row of the outbox table: a single logical outbound message
// and its delivery bookkeeping. All messages whose ID shares the same
// ordering-group prefix are delivered in creation order relative to each other.
type Message struct {
	ID          string
	Payload     []byte
	MessageType string
	RoutingKey  string

	Status      SendStatus
	RetryCount  int
	NextRetryAt *time.Time

	CreatedAt  time.Time
	LastSendAt *time.Time
	LastError  string

	// Token is the optimistic-concurrency version. Every update must match
	// the token the updater read; stores fail with ErrConcurrencyConflict
	// when zero rows match.
	Token string
}

// BuildID composes a message ID from its type name, an optional sub-queue
// prefix and a track ID. Messages built with the same track ID get the same
// ID, which is what makes producer-side deduplication work.
func BuildID(typeName, subPrefix, trackID string) string {
	if trackID == "" {
		trackID = uuid.NewString()
	}

	return GroupPrefixFor(typeName, subPrefix) + IDSeparator + trackID
}

// GroupPrefixFor returns the ordering-group prefix for a type name and an
// optional sub-queue prefix.
func GroupPrefixFor(typeName, subPrefix string) string {
	if subPrefix == "" {
		return typeName
	}

	return typeName + "_" + subPrefix
}

// GroupPrefix extracts the ordering-group prefix from a message ID.
func GroupPrefix(id string) string {
	if pos := strings.Index(id, IDSeparator); pos >= 0 {
		return id[:pos]
	}

	return id
}

// NewMessage creates an outbox row in StatusProcessing with a fresh
// concurrency token. The routing key is truncated to MaxRoutingKeyLength.
func NewMessage(typeName, subPrefix, trackID string, payload []byte, routingKey string, now time.Time) *Message {
	if len(routingKey) > MaxRoutingKeyLength {
		routingKey = routingKey[:MaxRoutingKeyLength]
	}

	return &Message{
		ID:          BuildID(typeName, subPrefix, trackID),
		Payload:     payload,
		MessageType: typeName,
		RoutingKey:  routingKey,
		Status:      StatusProcessing,
		CreatedAt:   now,
		Token:       NewToken(),
	}
}

// NewToken returns a fresh opaque concurrency token.
func NewToken() string {
	return xid.New().String()
}

// Prefix returns the message's ordering-group prefix.
func (m *Message) Prefix() string {
	return GroupPrefix(m.ID)
}

// CanHandle reports whether the message may be claimed for delivery at
// the given instant: it is new, a failed message whose retry is due, or a
// processing message that has been stuck longer than maxProcessing
// (crash recovery).
func CanHandle(m *Message, maxProcessing time.Duration, now time.Time) bool {
	switch m.Status {
	case StatusNew:
		return true
	case StatusFailed:
		return m.NextRetryAt == nil || !m.NextRetryAt.After(now)
	case StatusProcessing:
		last := m.CreatedAt
		if m.LastSendAt != nil {
			last = *m.LastSendAt
		}

		return now.Sub(last) > maxProcessing
	default:
		return false
	}
}

// Blocks reports whether earlier blocks candidate from being claimed:
// a distinct, older message of the same ordering group that has not yet
// reached a terminal state holds back everything behind it.
func Blocks(earlier, candidate *Message) bool {
	if earlier.ID == candidate.ID || earlier.Prefix() != candidate.Prefix() {
		return false
	}

	switch earlier.Status {
	case StatusNew, StatusProcessing, StatusFailed:
		return earlier.CreatedAt.Before(candidate.CreatedAt)
	default:
		return false
	}
}

// NextRetryTime computes the moment a failed message becomes due again.
// Backoff grows linearly with the retry count.
func NextRetryTime(retryCount int, unit time.Duration, now time.Time) time.Time {
	return now.Add(unit * time.Duration(retryCount))
}

// MarkProcessed transitions the message to its terminal success state.
// Marking an already processed message again is a no-op.
func (m *Message) MarkProcessed(now time.Time) {
	if m.Status == StatusProcessed {
		return
	}

	m.Status = StatusProcessed
	t := now
	m.LastSendAt = &t
}

// MarkFailed records a delivery failure: increments the retry count, stores
// the error and schedules the next attempt using linear backoff.
func (m *Message) MarkFailed(sendErr error, retryUnit time.Duration, now time.Time) {
	m.Status = StatusFailed
	m.RetryCount++
	if sendErr != nil {
		m.LastError = sendErr.Error()
	}

	next := NextRetryTime(m.RetryCount, retryUnit, now)
	m.NextRetryAt = &next
	t := now
	m.LastSendAt = &t
}

// MarkClaimed transitions the message to StatusProcessing for the current
// delivery attempt.
func (m *Message) MarkClaimed(now time.Time) {
	m.Status = StatusProcessing
	t := now
	m.LastSendAt = &t
}
