package rabbitmq

import (
	"fmt"
	"net/url"
	"runtime"
	"time"
)

// Config is the broker connection and delivery tuning surface. The zero
// value is completed with sane defaults for local development.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	VHost    string

	// ConnectRetryCount and ConnectRetryDelay bound connection dialing.
	ConnectRetryCount int
	ConnectRetryDelay time.Duration

	// PrefetchCount is the total unacknowledged-delivery budget per queue.
	// Each consumer channel gets PrefetchCount / ParallelConsumers().
	PrefetchCount int

	// PerCPUParallelConsumers and MaxParallelConsumers size the number of
	// exclusive consumer channels opened per queue.
	PerCPUParallelConsumers int
	MaxParallelConsumers    int

	// ProducerPoolSize bounds the idle producer channel pool.
	ProducerPoolSize int

	// Queue arguments applied at declaration.
	QueueMessageTTL       time.Duration
	QueueUnusedExpiry     time.Duration
	QueueMaxInMemoryCount int

	// RequeueExpiry bounds how old a message may be and still be requeued
	// after a consumer business failure; older messages are rejected.
	RequeueExpiry time.Duration
}

func (c *Config) complete() {
	if c.Host == "" {
		c.Host = "localhost"
	}

	if c.Port == 0 {
		c.Port = 5672
	}

	if c.Username == "" {
		c.Username = "guest"
	}

	if c.Password == "" {
		c.Password = "guest"
	}

	if c.VHost == "" {
		c.VHost = "/"
	}

	if c.ConnectRetryCount == 0 {
		c.ConnectRetryCount = 10
	}

	if c.ConnectRetryDelay == 0 {
		c.ConnectRetryDelay = 3 * time.Second
	}

	if c.PrefetchCount == 0 {
		c.PrefetchCount = 20
	}

	if c.PerCPUParallelConsumers == 0 {
		c.PerCPUParallelConsumers = 1
	}

	if c.MaxParallelConsumers == 0 {
		c.MaxParallelConsumers = 4
	}

	if c.ProducerPoolSize == 0 {
		c.ProducerPoolSize = 4
	}

	if c.QueueMessageTTL == 0 {
		c.QueueMessageTTL = 7 * 24 * time.Hour
	}

	if c.QueueUnusedExpiry == 0 {
		c.QueueUnusedExpiry = 3 * 24 * time.Hour
	}

	if c.QueueMaxInMemoryCount == 0 {
		c.QueueMaxInMemoryCount = 10000
	}

	if c.RequeueExpiry == 0 {
		c.RequeueExpiry = time.Hour
	}
}

// URL renders the amqp connection string. Credentials and the vhost are
// percent-escaped, so passwords containing URI-reserved characters stay
// valid.
func (c *Config) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.Username, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   vhostPath(c.VHost),
	}

	return u.String()
}

func vhostPath(vhost string) string {
	if vhost == "/" {
		return "/"
	}

	return "/" + vhost
}

// ParallelConsumers returns the number of exclusive consumer channels per
// queue: CPU count scaled by the per-CPU factor, bounded by the maximum.
func (c *Config) ParallelConsumers() int {
	n := runtime.NumCPU() * c.PerCPUParallelConsumers
	if n > c.MaxParallelConsumers {
		n = c.MaxParallelConsumers
	}

	if n < 1 {
		n = 1
	}

	return n
}

// ChannelPrefetch returns the per-channel QoS prefetch: the queue budget
// divided across its parallel consumers.
func (c *Config) ChannelPrefetch() int {
	n := c.PrefetchCount / c.ParallelConsumers()
	if n < 1 {
		n = 1
	}

	return n
}
