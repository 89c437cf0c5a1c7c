package rabbitmq

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Delivery is one inbound message handed to consumers.
type Delivery struct {
	MessageID   string
	RoutingKey  string
	MessageType string
	Body        []byte
	Timestamp   time.Time
	Headers     amqp.Table
}

// Binding ties one consumer to a routing-key pattern. Hosts register every
// binding at startup; the dispatch table is fixed from then on.
type Binding struct {
	// Name identifies the consumer, used in queue naming, logs and spans.
	Name string

	// MessageType is the consumed message's type name. It supplies the
	// default pattern when none is set explicitly: the type's routing key,
	// which is the type name itself.
	MessageType string

	// Pattern is an AMQP topic pattern ("*" one word, "#" any words).
	// When empty it is derived from MessageType.
	Pattern string

	// Order sequences matched consumers; lower runs with lower index in
	// the parallel dispatch group and breaks ties deterministically.
	Order int

	// Handle processes one delivery. Returning a ConsumerError requests a
	// requeue; an UnprocessableError rejects without requeue.
	Handle HandleFunc
}

// ConsumerRegistry is the startup-time dispatch table: a sequence of
// (pattern, consumer) pairs matched against inbound routing keys. Match
// results are cached per routing key.
type ConsumerRegistry struct {
	mux      sync.Mutex
	bindings []Binding
	sealed   bool

	cache sync.Map // routing key -> []Binding
}

func NewConsumerRegistry() *ConsumerRegistry {
	return &ConsumerRegistry{}
}

// Register adds a binding. Registration after dispatch has started panics;
// it is a wiring error.
func (r *ConsumerRegistry) Register(b Binding) {
	r.mux.Lock()
	defer r.mux.Unlock()

	if r.sealed {
		panic("rabbitmq: consumer registration after start")
	}

	if b.Pattern == "" {
		b.Pattern = b.MessageType
	}

	if b.Name == "" || b.Pattern == "" || b.Handle == nil {
		panic(fmt.Sprintf("rabbitmq: incomplete consumer binding %+v", b))
	}

	r.bindings = append(r.bindings, b)
}

// seal freezes the table, sorted by declared order.
func (r *ConsumerRegistry) seal() []Binding {
	r.mux.Lock()
	defer r.mux.Unlock()

	r.sealed = true

	sort.SliceStable(r.bindings, func(i, j int) bool {
		return r.bindings[i].Order < r.bindings[j].Order
	})

	return append([]Binding(nil), r.bindings...)
}

// Match returns the consumers whose pattern matches the routing key, in
// declared execution order.
func (r *ConsumerRegistry) Match(routingKey string) []Binding {
	if cached, ok := r.cache.Load(routingKey); ok {
		return cached.([]Binding)
	}

	var matched []Binding

	for _, b := range r.seal() {
		if TopicMatch(b.Pattern, routingKey) {
			matched = append(matched, b)
		}
	}

	r.cache.Store(routingKey, matched)

	return matched
}

// Patterns returns the distinct binding patterns, the unit of queue
// declaration.
func (r *ConsumerRegistry) Patterns() []string {
	seen := make(map[string]bool)

	var patterns []string

	for _, b := range r.seal() {
		if !seen[b.Pattern] {
			seen[b.Pattern] = true
			patterns = append(patterns, b.Pattern)
		}
	}

	sort.Strings(patterns)

	return patterns
}

// TopicMatch reports whether a routing key matches an AMQP topic pattern:
// "*" matches exactly one dot-separated word, "#" matches zero or more.
func TopicMatch(pattern, key string) bool {
	return topicMatch(strings.Split(pattern, "."), strings.Split(key, "."))
}

func topicMatch(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}

	switch pattern[0] {
	case "#":
		if topicMatch(pattern[1:], key) {
			return true
		}

		return len(key) > 0 && topicMatch(pattern, key[1:])
	case "*":
		return len(key) > 0 && topicMatch(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && topicMatch(pattern[1:], key[1:])
	}
}
