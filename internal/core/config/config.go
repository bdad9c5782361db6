package config

import (
	"time"

	"github.com/vietddude/relay/internal/infra/postgres"
	redisclient "github.com/vietddude/relay/internal/infra/redis"
	webhookclient "github.com/vietddude/relay/internal/infra/webhook"
	"github.com/vietddude/relay/internal/relay/alert"
	"github.com/vietddude/relay/internal/relay/conn"
	"github.com/vietddude/relay/internal/relay/queue"
	"github.com/vietddude/relay/internal/relay/send"
	"github.com/vietddude/relay/internal/transport/ws"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server     ServerConfig         `yaml:"server"`
	Gateway    ws.Config            `yaml:"gateway"`
	Backend    webhookclient.Config `yaml:"backend"`
	Redis      redisclient.Config   `yaml:"redis"`
	Database   postgres.Config      `yaml:"database"`
	Logging    LoggingConfig        `yaml:"logging"`
	Resilience ResilienceConfig     `yaml:"resilience"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// ResilienceConfig groups the reconnect, send, retry-queue and alerting
// knobs. Everything has a working default; the file only needs overrides.
type ResilienceConfig struct {
	Reconnect       conn.Config   `yaml:"reconnect"`
	Send            send.Config   `yaml:"send"`
	Queue           queue.Config  `yaml:"queue"`
	Alerts          alert.Config  `yaml:"alerts"`
	HealthInterval  time.Duration `yaml:"health_interval"`
	MemoryThreshold float64       `yaml:"memory_threshold"` // fraction of system memory, 0..1
	DedupTTL        time.Duration `yaml:"dedup_ttl"`
}
