// Package app assembles the turn pipeline and its collaborators from config.
// Both binaries start here.
package app

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/suPer8Hu/persona-chat/internal/ai"
	"github.com/suPer8Hu/persona-chat/internal/chat"
	"github.com/suPer8Hu/persona-chat/internal/config"
	"github.com/suPer8Hu/persona-chat/internal/db"
	"github.com/suPer8Hu/persona-chat/internal/embedding"
	"github.com/suPer8Hu/persona-chat/internal/logging"
	"github.com/suPer8Hu/persona-chat/internal/observability"
	"github.com/suPer8Hu/persona-chat/internal/recall"
	"github.com/suPer8Hu/persona-chat/internal/speech"
	"github.com/suPer8Hu/persona-chat/internal/store/redisstore"
)

const metricsNamespace = "persona_chat"

type App struct {
	Cfg      config.Config
	DB       *gorm.DB
	Repo     *chat.Repo
	ChatSvc  *chat.Service
	Pipeline *chat.Pipeline
	Speech   *speech.Client
	Metrics  *observability.Metrics
	Log      *zap.Logger

	redis *redisstore.Store
}

// New connects to the database (running migrations and the persona seed) and
// builds the pipeline. Redis and the embedding backend are optional: when
// either is unavailable the app runs without the cache or without recall.
func New(ctx context.Context, cfg config.Config, log *zap.Logger, reg *prometheus.Registry) (*App, error) {
	log = logging.OrNop(log)

	gdb, err := db.Connect(cfg.DBDSN, log)
	if err != nil {
		return nil, err
	}
	return NewWithDB(ctx, cfg, gdb, log, reg), nil
}

// NewWithDB is New on an already migrated database.
func NewWithDB(ctx context.Context, cfg config.Config, gdb *gorm.DB, log *zap.Logger, reg *prometheus.Registry) *App {
	log = logging.OrNop(log)
	a := &App{
		Cfg:     cfg,
		DB:      gdb,
		Repo:    chat.NewRepo(gdb),
		Metrics: observability.NewMetrics(metricsNamespace, reg),
		Log:     log,
	}
	a.ChatSvc = chat.NewService(a.Repo, log.Named("chat"))
	a.Speech = speech.New(speech.ConfigFrom(cfg))

	providers := ai.NewRegistryFromConfig(cfg)
	log.Info("chat providers registered",
		zap.Strings("providers", providers.Names()),
		zap.String("active", cfg.AIProvider),
	)

	deps := chat.PipelineDeps{
		Sessions:  a.Repo,
		Turns:     a.Repo,
		Providers: ProviderSource(providers, cfg.AIProvider),
		Synth:     a.Speech,
		Metrics:   a.Metrics,
		Log:       log.Named("pipeline"),
	}

	recallOn := cfg.RecallEnabled
	if recallOn {
		eng, err := a.recallEngine(ctx)
		if err != nil {
			log.Warn("semantic recall disabled", zap.Error(err))
			recallOn = false
		} else {
			deps.Recaller = eng
		}
	}

	a.Pipeline = chat.NewPipeline(deps, chat.PipelineConfig{
		WindowTurns:       cfg.ContextWindowTurns,
		MaxBufferEntries:  cfg.MaxBufferEntries,
		RecallEnabled:     recallOn,
		RecallTimeout:     cfg.EmbeddingTimeout,
		GenerationTimeout: cfg.GenerationTimeout,
		SynthesisTimeout:  cfg.SynthesisTimeout,
	})
	return a
}

// ProviderSource resolves the named backend once per turn with its default model.
func ProviderSource(reg *ai.Registry, name string) chat.ProviderSource {
	return func(ctx context.Context) (ai.StreamProvider, error) {
		p, err := reg.Get(ctx, name, "")
		if err != nil {
			return nil, err
		}
		return ai.AsStream(p), nil
	}
}

func (a *App) recallEngine(ctx context.Context) (*recall.Engine, error) {
	emb, err := embedding.New(ctx, a.Cfg)
	if err != nil {
		return nil, err
	}

	if a.Cfg.EmbeddingCacheTTL > 0 && a.Cfg.RedisAddr != "" {
		rds := redisstore.New(a.Cfg.RedisAddr, a.Cfg.RedisPassword, a.Cfg.RedisDB)
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := rds.Ping(pctx)
		cancel()
		if err != nil {
			a.Log.Warn("redis unavailable, embedding cache disabled", zap.String("addr", a.Cfg.RedisAddr), zap.Error(err))
			_ = rds.Close()
		} else {
			a.redis = rds
			emb = embedding.NewCached(emb, rds, a.Cfg.EmbeddingCacheTTL, a.Log.Named("embedding"))
		}
	}

	a.Log.Info("semantic recall enabled",
		zap.String("embedder", emb.Name()),
		zap.Float64("threshold", a.Cfg.RecallThreshold),
	)
	threshold := a.Cfg.RecallThreshold
	return recall.New(emb, a.Repo, recall.Config{
		HistoryLimit: a.Cfg.RecallHistoryLimit,
		Threshold:    &threshold,
		Timeout:      a.Cfg.EmbeddingTimeout,
	}, a.Log.Named("recall"), a.Metrics), nil
}

func (a *App) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
