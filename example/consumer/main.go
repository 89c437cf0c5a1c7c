package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	json "github.com/json-iterator/go"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/signalhouse/outbox-go/pkg/rabbitmq"
	"github.com/signalhouse/outbox-go/pkg/rabbitmq/channelpool"
	"github.com/signalhouse/outbox-go/pkg/task"
)

type OrderCreated struct {
	OrderID string `json:"orderId"`
	Amount  int64  `json:"amount"`
}

func handleOrderCreated(_ context.Context, d rabbitmq.Delivery) error {
	var e OrderCreated
	if err := json.Unmarshal(d.Body, &e); err != nil {
		return rabbitmq.NewUnprocessableError(err)
	}

	fmt.Printf("order %s: %d\n", e.OrderID, e.Amount)

	return nil
}

// seenIDs is an in-memory unique checker; production hosts back this with
// their database.
type seenIDs struct {
	mux sync.Mutex
	ids map[string]bool
}

func (s *seenIDs) unique(_ context.Context, id string) (bool, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.ids[id] {
		return false, nil
	}

	s.ids[id] = true

	return true, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	config := &rabbitmq.Config{
		Host: "localhost", Port: 5672, Username: "guest", Password: "guest", VHost: "/",
		PrefetchCount:        20,
		MaxParallelConsumers: 4,
	}

	pool := channelpool.New(channelpool.Options{
		Dialer:        channelpool.AMQPDialer(config.URL(), amqp.Config{Vhost: config.VHost}),
		Size:          config.MaxParallelConsumers,
		PrefetchCount: config.ChannelPrefetch(),
		Logger:        logger,
	})

	defer pool.Close()

	seen := &seenIDs{ids: make(map[string]bool)}

	registry := rabbitmq.NewConsumerRegistry()
	registry.Register(rabbitmq.Binding{
		Name:    "orders",
		Pattern: "events.OrderCreated",
		Handle: rabbitmq.Chain(handleOrderCreated,
			rabbitmq.WithLogging(logger),
			rabbitmq.WithTimeout(30*time.Second),
			rabbitmq.WithIdempotency(seen.unique),
		),
	})

	supervisor := task.NewSupervisor(logger)
	initializer := rabbitmq.NewInitializer(config, registry, pool, supervisor, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := initializer.Start(ctx); err != nil {
		log.Fatal(err)
	}

	<-ctx.Done()

	if err := initializer.Stop(context.Background()); err != nil {
		log.Fatal(err)
	}

	supervisor.WaitAll()
}
