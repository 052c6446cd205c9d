package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-order-settlement/internal/config"
	"github.com/ariefcatur/go-order-settlement/internal/httpx"
	kafkax "github.com/ariefcatur/go-order-settlement/internal/kafka"
	"github.com/ariefcatur/go-order-settlement/internal/logging"
	"github.com/ariefcatur/go-order-settlement/internal/orders"
	"github.com/ariefcatur/go-order-settlement/internal/postgres"
	"github.com/ariefcatur/go-order-settlement/internal/publisher"
	"github.com/ariefcatur/go-order-settlement/internal/queue"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logging.New(cfg.ServiceName+"-api", cfg.LogLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("db connect failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Settlement queue; publishing is disabled when no queue name is set.
	var settleQueue queue.Queue
	if cfg.Queue.Name != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		settleQueue = queue.NewRedis(rdb, cfg.Queue.Name)
	}

	// Optional lifecycle stream.
	var stream *kafkax.Producer
	if len(cfg.KafkaBrokers) > 0 {
		stream = kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderCreated, 1024, log)
		stream.Start(ctx)
	}

	checkout := &orders.CheckoutService{
		Pool: db,
		Publisher: &publisher.Publisher{
			Queue:      settleQueue,
			MaxRetries: cfg.Queue.SendMaxRetries,
			RetryDelay: cfg.Queue.SendRetryDelay,
		},
		Stream:  stream,
		Service: cfg.ServiceName + "-api",
		Log:     log,
	}

	router := httpx.NewRouter()
	h := &httpx.Handler{DB: db, Checkout: checkout}
	h.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	go func() {
		log.Info("http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen failed", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	if stream != nil {
		stream.Close() // flush and exit the producer loop
		stream.WaitClosed()
	}
}
