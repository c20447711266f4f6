package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"
)

// Cache is a byte store with expiry. redisstore.Store satisfies it.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
}

// Cached memoizes vectors per (backend, text). Cache failures fall through to
// the backend and are only logged.
type Cached struct {
	next  Embedder
	cache Cache
	ttl   time.Duration
	log   *zap.Logger
}

func NewCached(next Embedder, cache Cache, ttl time.Duration, log *zap.Logger) *Cached {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cached{next: next, cache: cache, ttl: ttl, log: log}
}

func (c *Cached) Name() string { return c.next.Name() }

func (c *Cached) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "emb:" + c.next.Name() + ":" + hex.EncodeToString(sum[:])
}

func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	vs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}

// EmbedBatch serves hits from the cache and sends only the misses to the backend.
func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missText []string

	for i, text := range texts {
		b, ok, err := c.cache.Get(ctx, c.key(text))
		if err != nil {
			c.log.Warn("embedding cache get failed", zap.Error(err))
		}
		if ok {
			if v, err := decodeVector(b); err == nil {
				out[i] = v
				continue
			}
		}
		missIdx = append(missIdx, i)
		missText = append(missText, text)
	}

	if len(missText) == 0 {
		return out, nil
	}

	fresh, err := c.next.EmbedBatch(ctx, missText)
	if err != nil {
		return nil, err
	}
	for j, v := range fresh {
		out[missIdx[j]] = v
		if err := c.cache.Set(ctx, c.key(missText[j]), encodeVector(v), c.ttl); err != nil {
			c.log.Warn("embedding cache set failed", zap.Error(err))
		}
	}
	return out, nil
}

func encodeVector(v []float32) []byte {
	b := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(f))
	}
	return b
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, errors.New("corrupt cached vector")
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
