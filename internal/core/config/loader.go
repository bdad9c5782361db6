package config

import (
	"fmt"
	"os"
	"time"

	"github.com/vietddude/relay/internal/relay/alert"
	"github.com/vietddude/relay/internal/relay/conn"
	"github.com/vietddude/relay/internal/relay/queue"
	"github.com/vietddude/relay/internal/relay/send"
	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	r := &cfg.Resilience
	rd := conn.DefaultConfig()
	if r.Reconnect.InitialDelay == 0 {
		r.Reconnect.InitialDelay = rd.InitialDelay
	}
	if r.Reconnect.MaxDelay == 0 {
		r.Reconnect.MaxDelay = rd.MaxDelay
	}
	if r.Reconnect.MaxAttempts == 0 {
		r.Reconnect.MaxAttempts = rd.MaxAttempts
	}

	sd := send.DefaultConfig()
	if len(r.Send.RetryDelays) == 0 {
		r.Send.RetryDelays = sd.RetryDelays
	}
	if r.Send.RateLimitPause == 0 {
		r.Send.RateLimitPause = sd.RateLimitPause
	}

	qd := queue.DefaultConfig()
	if r.Queue.Expiry == 0 {
		r.Queue.Expiry = qd.Expiry
	}
	if r.Queue.SweepInterval == 0 {
		r.Queue.SweepInterval = qd.SweepInterval
	}
	if r.Queue.MaxRetries == 0 {
		r.Queue.MaxRetries = qd.MaxRetries
	}
	if r.Queue.RetryCooldown == 0 {
		r.Queue.RetryCooldown = qd.RetryCooldown
	}

	ad := alert.DefaultConfig()
	if r.Alerts.DisconnectAfter == 0 {
		r.Alerts.DisconnectAfter = ad.DisconnectAfter
	}
	if r.Alerts.FailureThreshold == 0 {
		r.Alerts.FailureThreshold = ad.FailureThreshold
	}
	if r.Alerts.FailureWindow == 0 {
		r.Alerts.FailureWindow = ad.FailureWindow
	}

	if r.HealthInterval == 0 {
		r.HealthInterval = 60 * time.Second
	}
	if r.MemoryThreshold == 0 {
		r.MemoryThreshold = 0.9
	}
	if r.DedupTTL == 0 {
		r.DedupTTL = 24 * time.Hour
	}
}
