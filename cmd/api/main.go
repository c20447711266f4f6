package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/suPer8Hu/persona-chat/internal/app"
	"github.com/suPer8Hu/persona-chat/internal/config"
	"github.com/suPer8Hu/persona-chat/internal/httpapi"
	"github.com/suPer8Hu/persona-chat/internal/httpapi/handlers"
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

	if cfg.LogJSON {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := app.New(ctx, cfg, logger, reg)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	// async turns are optional; without a broker the async endpoint answers 503
	var jobs handlers.JobPublisher
	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		logger.Warn("rabbitmq unavailable, async turns disabled", zap.Error(err))
	} else {
		defer pub.Close()
		jobs = pub
	}

	r := httpapi.NewRouter(cfg.JWTSecret, handlers.Deps{
		ChatSvc:              a.ChatSvc,
		Pipeline:             a.Pipeline,
		Speech:               a.Speech,
		Jobs:                 jobs,
		Metrics:              a.Metrics,
		Log:                  logger.Named("http"),
		TranscriptionTimeout: cfg.TranscriptionTimeout,
		LivePongWait:         cfg.LivePongWait,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("api shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
}
