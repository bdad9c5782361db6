// Package alert emits edge-triggered critical notifications: one alert per
// prolonged-disconnect episode and one per excessive-failure episode, both
// suppressed until the condition clears.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vietddude/relay/internal/relay/conn"
	"github.com/vietddude/relay/internal/relay/ledger"
	"github.com/vietddude/relay/internal/relay/metrics"
)

// Type identifies the alert condition.
type Type string

const (
	TypeProlongedDisconnect Type = "prolonged_disconnect"
	TypeExcessiveFailures   Type = "excessive_failures"
)

// Alert is one critical notification.
type Alert struct {
	ID      string    `json:"id"`
	Type    Type      `json:"type"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Notifier delivers an alert to the external sink. Delivery is best-effort:
// a failure is logged and does not affect the alerting flags.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Config holds the alerting thresholds.
type Config struct {
	DisconnectAfter  time.Duration `yaml:"disconnect_after"`
	FailureThreshold int           `yaml:"failure_threshold"`
	FailureWindow    time.Duration `yaml:"failure_window"`
}

func DefaultConfig() Config {
	return Config{
		DisconnectAfter:  3 * time.Minute,
		FailureThreshold: 10,
		FailureWindow:    5 * time.Minute,
	}
}

// Alerter checks the thresholds on each health tick.
type Alerter struct {
	mu              sync.Mutex
	disconnectFired bool
	failuresFired   bool
	wasOpen         bool

	cfg      Config
	notifier Notifier
	ledger   *ledger.Ledger
	status   func() conn.Status

	now func() time.Time
	log *slog.Logger
}

func New(cfg Config, notifier Notifier, lg *ledger.Ledger, status func() conn.Status) *Alerter {
	if cfg.FailureThreshold <= 0 {
		cfg = DefaultConfig()
	}
	return &Alerter{
		cfg:      cfg,
		notifier: notifier,
		ledger:   lg,
		status:   status,
		now:      time.Now,
		log:      slog.Default(),
	}
}

// Check evaluates both conditions. Co-scheduled with the health monitor.
func (a *Alerter) Check(ctx context.Context) {
	a.mu.Lock()
	st := a.status()
	now := a.now()

	open := st.State == conn.StateOpen
	if open && !a.wasOpen {
		// A reconnection clears both episodes. The flags stay set while
		// the connection remains open so a fired alert is not repeated.
		a.disconnectFired = false
		a.failuresFired = false
	}
	a.wasOpen = open

	if !open && !st.LastClosedAt.IsZero() &&
		now.Sub(st.LastClosedAt) > a.cfg.DisconnectAfter &&
		!a.disconnectFired {
		a.disconnectFired = true
		a.mu.Unlock()
		a.emit(ctx, Alert{
			ID:      uuid.New().String(),
			Type:    TypeProlongedDisconnect,
			Message: "gateway disconnected for longer than " + a.cfg.DisconnectAfter.String(),
			At:      now,
		})
		a.mu.Lock()
	}

	failures := a.ledger.CountSince(a.cfg.FailureWindow)
	if failures > a.cfg.FailureThreshold && !a.failuresFired {
		a.failuresFired = true
		a.mu.Unlock()
		a.emit(ctx, Alert{
			ID:      uuid.New().String(),
			Type:    TypeExcessiveFailures,
			Message: fmt.Sprintf("send failure burst: %d failures in the trailing %s",
				failures, a.cfg.FailureWindow),
			At:      now,
		})
		return
	}
	a.mu.Unlock()
}

// ResetFailures deliberately re-arms the excessive-failures alert.
func (a *Alerter) ResetFailures() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failuresFired = false
}

func (a *Alerter) emit(ctx context.Context, alert Alert) {
	metrics.AlertsEmitted.WithLabelValues(string(alert.Type)).Inc()
	a.log.Error("Critical alert", "type", alert.Type, "message", alert.Message, "id", alert.ID)
	if a.notifier == nil {
		return
	}
	if err := a.notifier.Notify(ctx, alert); err != nil {
		a.log.Warn("Alert delivery failed", "type", alert.Type, "error", err)
	}
}
