package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-order-settlement/internal/config"
	kafkax "github.com/ariefcatur/go-order-settlement/internal/kafka"
	"github.com/ariefcatur/go-order-settlement/internal/logging"
	"github.com/ariefcatur/go-order-settlement/internal/orders"
	"github.com/ariefcatur/go-order-settlement/internal/postgres"
	"github.com/ariefcatur/go-order-settlement/internal/queue"
	"github.com/ariefcatur/go-order-settlement/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logging.New(cfg.ServiceName+"-worker", cfg.LogLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Queue.Name == "" {
		log.Error("QUEUE_NAME is required for the settlement worker")
		os.Exit(1)
	}

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("db connect failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	var dlq queue.Queue
	if cfg.Queue.DeadLetterName != "" {
		dlq = queue.NewRedis(rdb, cfg.Queue.DeadLetterName)
	}

	var pConfirmed, pCancelled *kafkax.Producer
	if len(cfg.KafkaBrokers) > 0 {
		pConfirmed = kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderConfirmed, 1024, log)
		pConfirmed.Start(ctx)
		pCancelled = kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderCancelled, 1024, log)
		pCancelled.Start(ctx)
	}

	w := &worker.Worker{
		Pool:            db,
		Queue:           queue.NewRedis(rdb, cfg.Queue.Name),
		DLQ:             dlq,
		Decider:         worker.DeciderFromConfig(cfg.Worker.PaymentMode, cfg.Worker.PaymentSuccessRate),
		StreamConfirmed: pConfirmed,
		StreamCancelled: pCancelled,
		Service:         cfg.ServiceName + "-worker",
		Cfg:             cfg.Worker,
		Log:             log,
	}

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("signal received, stopping worker")
	cancel()
	<-done

	if pConfirmed != nil {
		pConfirmed.Close()
		pConfirmed.WaitClosed()
	}
	if pCancelled != nil {
		pCancelled.Close()
		pCancelled.WaitClosed()
	}
}
