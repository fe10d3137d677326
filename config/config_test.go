package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, DefaultBrokers, cfg.MessageBusBrokers)
	assert.Equal(t, DefaultWorkerGroup, cfg.WorkerGroup)
	assert.Equal(t, DefaultStreamGroup, cfg.StreamGroup)
	assert.Equal(t, DefaultWorkerConcurrency, cfg.WorkerConcurrency)
	assert.Equal(t, DefaultWorkerTimeout, cfg.WorkerTimeout)
	assert.Equal(t, DefaultStreamPort, cfg.StreamPort)
	assert.Equal(t, DefaultStreamPath, cfg.StreamPath)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("MESSAGE_BUS_BROKERS", "redis:6380")
	t.Setenv("GROUP_ID_WORKER", "pool-a")
	t.Setenv("WORKER_CONCURRENCY", "16")
	t.Setenv("WORKER_TIMEOUT_MS", "45000")
	t.Setenv("EVENT_STREAM_PORT", "9000")
	t.Setenv("EVENT_STREAM_WS_PATH", "/events")
	t.Setenv("DATABASE_URL", "postgres://localhost/cg")

	cfg := Load()

	assert.Equal(t, "redis:6380", cfg.MessageBusBrokers)
	assert.Equal(t, "pool-a", cfg.WorkerGroup)
	assert.Equal(t, 16, cfg.WorkerConcurrency)
	assert.Equal(t, 45*time.Second, cfg.WorkerTimeout)
	assert.Equal(t, 9000, cfg.StreamPort)
	assert.Equal(t, "/events", cfg.StreamPath)
	assert.Equal(t, "postgres://localhost/cg", cfg.DatabaseURL)
}

func TestLoad_MalformedFallsBack(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "not-a-number")
	t.Setenv("WORKER_TIMEOUT_MS", "-5")

	cfg := Load()

	assert.Equal(t, DefaultWorkerConcurrency, cfg.WorkerConcurrency)
	assert.Equal(t, DefaultWorkerTimeout, cfg.WorkerTimeout)
}
