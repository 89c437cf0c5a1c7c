package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/signalhouse/outbox-go/pkg/outbox"
	"github.com/signalhouse/outbox-go/pkg/outbox/cleaner"
	"github.com/signalhouse/outbox-go/pkg/outbox/gormstore"
	"github.com/signalhouse/outbox-go/pkg/outbox/producer"
	"github.com/signalhouse/outbox-go/pkg/outbox/scanner"
	"github.com/signalhouse/outbox-go/pkg/rabbitmq"
	"github.com/signalhouse/outbox-go/pkg/rabbitmq/channelpool"
	"github.com/signalhouse/outbox-go/pkg/task"
)

type OrderCreated struct {
	OrderID string `json:"orderId"`
	Amount  int64  `json:"amount"`
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	db, err := gorm.Open(postgres.Open("host=localhost user=postgres password=postgres dbname=outbox sslmode=disable"))
	if err != nil {
		log.Fatal(err)
	}

	store := gormstore.NewStore(db)
	if err := store.Migrate(); err != nil {
		log.Fatal(err)
	}

	config := &rabbitmq.Config{Host: "localhost", Port: 5672, Username: "guest", Password: "guest", VHost: "/"}

	pool := channelpool.New(channelpool.Options{
		Dialer: channelpool.AMQPDialer(config.URL(), amqp.Config{Vhost: config.VHost}),
		Size:   4,
		Logger: logger,
	})

	defer pool.Close()

	registry := outbox.NewRegistry()
	registry.Register(outbox.TypeDesc{
		Name:              "OrderCreated",
		DefaultRoutingKey: "events.OrderCreated",
		New:               func() any { return &OrderCreated{} },
	})

	supervisor := task.NewSupervisor(logger)
	sender := rabbitmq.NewSender(pool)
	p := producer.NewProducer(store, sender, registry, supervisor, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return scanner.NewScanner(store, p, registry, logger).Run(egCtx)
	})
	eg.Go(func() error {
		return cleaner.NewCleaner(store, logger).Run(egCtx)
	})

	// Each order is staged inside the business transaction and delivered
	// after commit. The sub-prefix keys an ordering group per order, and the
	// track ID makes a replayed request reuse the staged row.
	for i := 1; i <= 100; i++ {
		orderID := fmt.Sprintf("order-%04d", i)

		txc := outbox.NewRealTxContext()

		err := db.Transaction(func(*gorm.DB) error {
			return p.Send(ctx, txc, "OrderCreated",
				&OrderCreated{OrderID: orderID, Amount: int64(i) * 100},
				producer.WithSubPrefix(orderID),
				producer.WithTrackID(orderID),
			)
		})
		if err != nil {
			logger.Error("staging order failed", "order_id", orderID, "error", err)
			continue
		}

		txc.Commit(ctx)
	}

	supervisor.WaitAll()
	cancel()

	if err := eg.Wait(); err != nil && err != context.Canceled {
		log.Fatal(err)
	}
}
