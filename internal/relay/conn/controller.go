// Package conn drives the gateway connection lifecycle: it owns the
// connection state, classifies disconnect causes, and schedules reconnection
// attempts with exponential backoff. At most one reconnection attempt is in
// flight at a time; a disconnect arriving while a timer is pending replaces
// the timer and preserves the attempt counter.
package conn

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/relay/internal/core/failure"
	"github.com/vietddude/relay/internal/relay/metrics"
	"github.com/vietddude/relay/internal/relay/sched"
)

// State is the connection state machine position.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

const reconnectKey = "reconnect"

// Config controls the backoff policy.
type Config struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// DefaultConfig backs off 1s, 2s, 4s ... capped at 60s, giving up after 10
// consecutive attempts.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		MaxAttempts:  10,
	}
}

// Connector performs one connection attempt against the transport.
type Connector func(ctx context.Context) error

// CredentialWiper clears persisted credentials after an auth-invalid
// disconnect, forcing a fresh pairing.
type CredentialWiper func(ctx context.Context) error

// Status is a read snapshot for the front door and the health monitor.
type Status struct {
	State        State     `json:"state"`
	Attempts     int       `json:"attempts"`
	LastClosedAt time.Time `json:"last_closed_at"`
	LastCause    string    `json:"last_cause,omitempty"`
	ConnectedAt  time.Time `json:"connected_at"`
	Pending      bool      `json:"reconnect_pending"`
	Halted       bool      `json:"halted"`
	AwaitingPair bool      `json:"awaiting_pair"`
}

// Controller is the reconnection state machine.
type Controller struct {
	mu           sync.Mutex
	state        State
	attempts     int
	lastClosedAt time.Time
	lastCause    error
	connectedAt  time.Time
	halted       bool // max attempts exhausted or session superseded
	awaitingPair bool // credentials wiped, needs fresh pairing
	inFlight     bool // a connect attempt is currently running

	cfg       Config
	scheduler *sched.Scheduler
	connect   Connector
	wipeCreds CredentialWiper
	onOpen    []func()

	ctx context.Context
	log *slog.Logger
}

func New(cfg Config, scheduler *sched.Scheduler, connect Connector, wipeCreds CredentialWiper) *Controller {
	if cfg.InitialDelay <= 0 {
		cfg = DefaultConfig()
	}
	return &Controller{
		state:     StateClosed,
		cfg:       cfg,
		scheduler: scheduler,
		connect:   connect,
		wipeCreds: wipeCreds,
		log:       slog.Default(),
	}
}

// OnOpen registers a hook run after every successful open (e.g. clearing the
// rate-limit gate and the invalid-target cache).
func (c *Controller) OnOpen(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOpen = append(c.onOpen, fn)
}

// Start stores the base context and schedules the first connection attempt
// immediately.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
	c.scheduler.Schedule(reconnectKey, 0, c.runAttempt)
}

// HandleConnecting records a transition into the connecting state.
func (c *Controller) HandleConnecting() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateConnecting
}

// HandleOpen records a successful handshake: the attempt counter resets and
// the registered hooks run.
func (c *Controller) HandleOpen() {
	c.mu.Lock()
	c.state = StateOpen
	c.attempts = 0
	c.halted = false
	c.awaitingPair = false
	c.connectedAt = time.Now()
	hooks := make([]func(), len(c.onOpen))
	copy(hooks, c.onOpen)
	c.mu.Unlock()

	metrics.ConnectionOpen.Set(1)
	c.log.Info("Gateway connection open")
	for _, fn := range hooks {
		fn()
	}
}

// HandleClosed classifies the disconnect cause and decides whether and when
// to reconnect.
func (c *Controller) HandleClosed(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = StateClosed
	c.lastClosedAt = time.Now()
	c.lastCause = cause
	metrics.ConnectionOpen.Set(0)

	if failure.IsSuperseded(cause) {
		// Another client instance took over the session. Reconnecting
		// would just bounce the two instances off each other.
		c.halted = true
		c.scheduler.Cancel(reconnectKey)
		c.log.Error("Session superseded by another client, reconnection halted", "cause", cause)
		return
	}

	if failure.KindOf(cause) == failure.AuthInvalid {
		c.log.Error("Credentials rejected, wiping and awaiting fresh pairing", "cause", cause)
		c.attempts = 0
		c.awaitingPair = true
		c.scheduler.Cancel(reconnectKey)
		if c.wipeCreds != nil {
			if err := c.wipeCreds(c.baseCtx()); err != nil {
				c.log.Error("Failed to wipe credentials", "error", err)
			}
		}
		return
	}

	c.log.Warn("Gateway connection closed",
		"cause", cause, "kind", failure.KindOf(cause).String(), "attempts", c.attempts)
	c.scheduleLocked()
}

// TriggerReconnect is the health monitor's entry point. It is a no-op while
// an attempt is running, a timer is already pending, or the controller gave
// up. The in-flight check matters: during a slow dial the timer has already
// fired, so Pending alone would let a monitor tick stack a second attempt.
func (c *Controller) TriggerReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateOpen || c.halted || c.awaitingPair || c.inFlight {
		return
	}
	if c.scheduler.Pending(reconnectKey) {
		return
	}
	c.scheduleLocked()
}

// scheduleLocked arms the reconnect timer. The delay derives from the number
// of attempts already made; the counter itself advances only when an attempt
// actually runs, so a superseding disconnect does not inflate the backoff.
func (c *Controller) scheduleLocked() {
	if c.attempts >= c.cfg.MaxAttempts {
		c.halted = true
		c.log.Error("Reconnection attempts exhausted, manual intervention required",
			"attempts", c.attempts)
		return
	}
	delay := c.delayLocked()
	c.log.Info("Scheduling reconnection", "delay", delay, "attempt", c.attempts+1)
	c.scheduler.Schedule(reconnectKey, delay, c.runAttempt)
}

func (c *Controller) delayLocked() time.Duration {
	delay := c.cfg.InitialDelay << uint(c.attempts)
	if delay > c.cfg.MaxDelay || delay <= 0 {
		return c.cfg.MaxDelay
	}
	return delay
}

func (c *Controller) runAttempt() {
	c.mu.Lock()
	if c.state == StateOpen || c.halted || c.awaitingPair || c.inFlight {
		c.mu.Unlock()
		return
	}
	c.inFlight = true
	c.attempts++
	c.state = StateConnecting
	ctx := c.baseCtx()
	c.mu.Unlock()

	metrics.ReconnectAttempts.Inc()
	err := c.connect(ctx)

	c.mu.Lock()
	c.inFlight = false
	c.mu.Unlock()

	if err != nil {
		c.HandleClosed(failure.Classify(err))
	}
	// Success surfaces through the transport's open lifecycle event.
}

func (c *Controller) baseCtx() context.Context {
	if c.ctx != nil {
		return c.ctx
	}
	return context.Background()
}

// NextDelay exposes the backoff the controller would apply right now.
func (c *Controller) NextDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delayLocked()
}

// Snapshot returns the current status.
func (c *Controller) Snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		State:        c.state,
		Attempts:     c.attempts,
		LastClosedAt: c.lastClosedAt,
		ConnectedAt:  c.connectedAt,
		Pending:      c.scheduler.Pending(reconnectKey),
		Halted:       c.halted,
		AwaitingPair: c.awaitingPair,
	}
	if c.lastCause != nil {
		st.LastCause = c.lastCause.Error()
	}
	return st
}

// Connected reports whether the session is open. The send pipeline uses this
// as its health precondition.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOpen
}
