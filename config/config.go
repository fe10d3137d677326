package config

import (
	"os"
	"strconv"
	"time"
)

// Defaults applied when the environment leaves a knob unset.
const (
	DefaultBrokers           = "localhost:6379"
	DefaultClientID          = "chaingraph"
	DefaultWorkerGroup       = "chaingraph-workers"
	DefaultStreamGroup       = "chaingraph-stream"
	DefaultWorkerConcurrency = 4
	DefaultWorkerMemoryMB    = 512
	DefaultWorkerTimeout     = 30 * time.Second
	DefaultStreamPort        = 4021
	DefaultStreamPath        = "/ws"
	DefaultStreamBuffer      = 64
	DefaultLogLevel          = "info"
)

// Config carries the runtime settings shared by the binaries. Every field
// maps to one environment variable; Load fills in defaults for unset ones.
type Config struct {
	// MessageBusBrokers is the Redis address backing the bus (MESSAGE_BUS_BROKERS).
	MessageBusBrokers string
	// MessageBusClientID names this process on the bus (MESSAGE_BUS_CLIENT_ID).
	MessageBusClientID string
	// WorkerGroup is the consumer group workers join (GROUP_ID_WORKER).
	WorkerGroup string
	// StreamGroup is the consumer group the event stream joins (GROUP_ID_STREAM).
	StreamGroup string
	// WorkerID identifies one worker instance (WORKER_ID); empty means generate.
	WorkerID string
	// WorkerConcurrency is the number of executions one worker runs at once
	// (WORKER_CONCURRENCY).
	WorkerConcurrency int
	// WorkerMemoryLimitMB is advisory and only logged (WORKER_MEMORY_LIMIT_MB).
	WorkerMemoryLimitMB int
	// WorkerTimeout is the execution lease TTL (WORKER_TIMEOUT_MS).
	WorkerTimeout time.Duration
	// StreamPort is the WebSocket listen port (EVENT_STREAM_PORT).
	StreamPort int
	// StreamPath is the WebSocket endpoint path (EVENT_STREAM_WS_PATH).
	StreamPath string
	// StreamBuffer is the per-connection outgoing queue (EVENT_STREAM_BUFFER_SIZE).
	StreamBuffer int
	// DatabaseURL selects the execution store; empty means in-memory
	// (DATABASE_URL, postgres:// or a sqlite file path).
	DatabaseURL string
	// LogLevel is debug, info, warn or error (LOG_LEVEL).
	LogLevel string
}

// Load reads the environment. Malformed numeric values fall back to the
// default rather than failing startup.
func Load() *Config {
	return &Config{
		MessageBusBrokers:   envString("MESSAGE_BUS_BROKERS", DefaultBrokers),
		MessageBusClientID:  envString("MESSAGE_BUS_CLIENT_ID", DefaultClientID),
		WorkerGroup:         envString("GROUP_ID_WORKER", DefaultWorkerGroup),
		StreamGroup:         envString("GROUP_ID_STREAM", DefaultStreamGroup),
		WorkerID:            os.Getenv("WORKER_ID"),
		WorkerConcurrency:   envInt("WORKER_CONCURRENCY", DefaultWorkerConcurrency),
		WorkerMemoryLimitMB: envInt("WORKER_MEMORY_LIMIT_MB", DefaultWorkerMemoryMB),
		WorkerTimeout:       envMillis("WORKER_TIMEOUT_MS", DefaultWorkerTimeout),
		StreamPort:          envInt("EVENT_STREAM_PORT", DefaultStreamPort),
		StreamPath:          envString("EVENT_STREAM_WS_PATH", DefaultStreamPath),
		StreamBuffer:        envInt("EVENT_STREAM_BUFFER_SIZE", DefaultStreamBuffer),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		LogLevel:            envString("LOG_LEVEL", DefaultLogLevel),
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envMillis(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
