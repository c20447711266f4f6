package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DB_DSN", "")
	t.Setenv("CHAT_CONTEXT_WINDOW_TURNS", "")
	t.Setenv("RECALL_THRESHOLD", "")

	cfg := Load()

	assert.Contains(t, cfg.DBDSN, "persona_chat")
	assert.Equal(t, 10, cfg.ContextWindowTurns)
	assert.Equal(t, 20, cfg.MaxBufferEntries)
	assert.Equal(t, 100, cfg.RecallHistoryLimit)
	assert.InDelta(t, 0.4, cfg.RecallThreshold, 1e-9)
	assert.Equal(t, "turn_jobs", cfg.RabbitQueue)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DB_DSN", "sqlite:test.db")
	t.Setenv("CHAT_CONTEXT_WINDOW_TURNS", "4")
	t.Setenv("GENERATION_TIMEOUT", "5")
	t.Setenv("SYNTHESIS_TIMEOUT", "1500ms")
	t.Setenv("WORKER_CONCURRENCY", "500")
	t.Setenv("AI_PROVIDER", "Ollama")
	t.Setenv("DASHSCOPE_API_KEY", "sk-shared")
	t.Setenv("SPEECH_API_KEY", "")

	cfg := Load()

	assert.Equal(t, "sqlite:test.db", cfg.DBDSN)
	assert.Equal(t, 4, cfg.ContextWindowTurns)
	assert.Equal(t, 5*time.Second, cfg.GenerationTimeout)
	assert.Equal(t, 1500*time.Millisecond, cfg.SynthesisTimeout)
	assert.Equal(t, 50, cfg.WorkerConcurrency)
	assert.Equal(t, "ollama", cfg.AIProvider)
	assert.Equal(t, "sk-shared", cfg.SpeechAPIKey)
}

func TestLoad_InvalidNumbersFallBack(t *testing.T) {
	t.Setenv("REDIS_DB", "abc")
	t.Setenv("RECALL_THRESHOLD", "high")

	cfg := Load()

	assert.Equal(t, 0, cfg.RedisDB)
	assert.InDelta(t, 0.4, cfg.RecallThreshold, 1e-9)
}
