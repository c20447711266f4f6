package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/suPer8Hu/persona-chat/internal/app"
	"github.com/suPer8Hu/persona-chat/internal/config"
	"github.com/suPer8Hu/persona-chat/internal/logging"
	"github.com/suPer8Hu/persona-chat/internal/store/rabbitmq"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	logger = logger.Named("worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, nil)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		logger.Fatal("rabbit dial", zap.Error(err))
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("rabbit channel", zap.Error(err))
	}
	defer ch.Close()

	if err := rabbitmq.Declare(ch, cfg.RabbitQueue); err != nil {
		logger.Fatal("queue declare", zap.Error(err))
	}

	//  strict concurrency control
	concurrency := cfg.WorkerConcurrency
	if err := ch.Qos(concurrency, 0, false); err != nil {
		logger.Fatal("qos", zap.Error(err))
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		logger.Fatal("consume", zap.Error(err))
	}

	runner := &jobRunner{
		repo:        a.Repo,
		pipeline:    a.Pipeline,
		retry:       rabbitmq.NewPublisherFromChannel(ch, cfg.RabbitQueue),
		metrics:     a.Metrics,
		log:         logger,
		maxAttempts: 3,
		baseDelay:   2 * time.Second,
	}

	logger.Info("worker started", zap.String("queue", cfg.RabbitQueue), zap.Int("concurrency", concurrency))

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			wlog := logger.With(zap.Int("worker", workerID))
			for d := range jobs {
				m, err := rabbitmq.DecodeJob(d.Body)
				if err != nil {
					wlog.Warn("bad message", zap.Error(err))
					_ = d.Nack(false, false)
					continue
				}

				switch runner.handle(ctx, m.JobID, rabbitmq.Attempt(d)) {
				case reject:
					_ = d.Nack(false, false)
				default:
					if err := d.Ack(false); err != nil {
						wlog.Warn("ack failed", zap.String("job_id", m.JobID), zap.Error(err))
					}
				}
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				logger.Error("delivery channel closed")
				close(jobs)
				wg.Wait()
				return
			}
			jobs <- d
		}
	}
}
