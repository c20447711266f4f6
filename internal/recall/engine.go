// Package recall finds the prior exchange most similar to a new utterance.
package recall

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/suPer8Hu/persona-chat/internal/chat"
	"github.com/suPer8Hu/persona-chat/internal/embedding"
	"github.com/suPer8Hu/persona-chat/internal/observability"
)

const (
	DefaultHistoryLimit = 100
	DefaultThreshold    = 0.4
)

// ErrDegraded marks a lookup abandoned because a collaborator failed.
var ErrDegraded = errors.New("recall degraded")

// ExchangeSource lists a user's answered queries across all sessions, oldest first.
type ExchangeSource interface {
	ListUserExchanges(ctx context.Context, userID uint64, limit int) ([]chat.Exchange, error)
}

type Config struct {
	HistoryLimit int
	// Threshold is the lowest score that counts as a match; nil means
	// DefaultThreshold. Zero and negative values are honored.
	Threshold *float64
	// Timeout bounds all embedding calls of one lookup together.
	Timeout time.Duration
}

type Engine struct {
	emb       embedding.Embedder
	src       ExchangeSource
	cfg       Config
	threshold float64
	log     *zap.Logger
	metrics *observability.Metrics
}

func New(emb embedding.Embedder, src ExchangeSource, cfg Config, log *zap.Logger, m *observability.Metrics) *Engine {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	threshold := DefaultThreshold
	if cfg.Threshold != nil {
		threshold = *cfg.Threshold
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{emb: emb, src: src, cfg: cfg, threshold: threshold, log: log, metrics: m}
}

// Recall never fails: any error is logged, counted and reported as no match.
func (e *Engine) Recall(ctx context.Context, userID uint64, query string) (chat.Recollection, bool) {
	r, ok, err := e.Find(ctx, userID, query)
	if err != nil {
		e.log.Warn("recall degraded", zap.Uint64("user_id", userID), zap.Error(err))
		e.metrics.RecallResult("degraded", 0)
		return chat.Recollection{}, false
	}
	if ok {
		e.metrics.RecallResult("hit", r.Score)
	} else {
		e.metrics.RecallResult("miss", r.Score)
	}
	return r, ok
}

// Find is Recall with errors surfaced (wrapped in ErrDegraded). When no match
// clears the threshold, the returned Recollection still carries the best score.
func (e *Engine) Find(ctx context.Context, userID uint64, query string) (chat.Recollection, bool, error) {
	if e.emb == nil || e.src == nil {
		return chat.Recollection{}, false, fmt.Errorf("%w: not configured", ErrDegraded)
	}
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	q, err := e.emb.Embed(ctx, query)
	if err != nil {
		return chat.Recollection{}, false, fmt.Errorf("%w: embed query: %v", ErrDegraded, err)
	}

	history, err := e.src.ListUserExchanges(ctx, userID, e.cfg.HistoryLimit)
	if err != nil {
		return chat.Recollection{}, false, fmt.Errorf("%w: load history: %v", ErrDegraded, err)
	}
	if len(history) == 0 {
		return chat.Recollection{}, false, nil
	}

	texts := make([]string, len(history))
	for i, h := range history {
		texts[i] = h.Query
	}
	vecs, err := e.emb.EmbedBatch(ctx, texts)
	if err != nil {
		return chat.Recollection{}, false, fmt.Errorf("%w: embed history: %v", ErrDegraded, err)
	}
	if len(vecs) != len(history) {
		return chat.Recollection{}, false, fmt.Errorf("%w: %d vectors for %d queries", ErrDegraded, len(vecs), len(history))
	}

	best, bestScore := -1, 0.0
	for i, v := range vecs {
		sim, err := CosineSimilarity(q, v)
		if err != nil {
			e.log.Debug("skipping history vector", zap.Uint64("turn_id", history[i].QueryID), zap.Error(err))
			sim = 0
		}
		if best < 0 || sim > bestScore {
			best, bestScore = i, sim
		}
	}

	h := history[best]
	r := chat.Recollection{
		QueryID: h.QueryID,
		Query:   h.Query,
		Answer:  h.Answer,
		Score:   bestScore,
	}
	if bestScore < e.threshold {
		return chat.Recollection{Score: bestScore}, false, nil
	}
	return r, true, nil
}
