// Package send implements the outbound delivery pipeline: precondition
// checks (connection health, invalid-target cache, rate-limit gate) followed
// by a classification-aware retry loop around the transport send.
package send

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/core/failure"
	"github.com/vietddude/relay/internal/relay/ledger"
	"github.com/vietddude/relay/internal/relay/metrics"
)

// SendFunc performs one raw send attempt against the transport. Errors must
// already be classified (*failure.Error) by the transport adapter.
type SendFunc func(ctx context.Context, peer domain.PeerID, text string) error

// Config controls the retry schedule and the rate-limit pause.
type Config struct {
	// RetryDelays are the gaps between attempts; len+1 attempts total.
	RetryDelays    []time.Duration `yaml:"retry_delays"`
	RateLimitPause time.Duration   `yaml:"rate_limit_pause"`
}

// DefaultConfig gives 4 attempts over ~21s worst case and a 60s send pause
// after a rate-limit signal.
func DefaultConfig() Config {
	return Config{
		RetryDelays:    []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second},
		RateLimitPause: 60 * time.Second,
	}
}

// Pipeline owns the invalid-target cache and the rate-limit gate. Both are
// session-scoped: the reconnection controller clears them via ResetSession
// on every successful open.
type Pipeline struct {
	mu          sync.Mutex
	invalid     map[domain.PeerID]struct{}
	pausedUntil time.Time

	cfg     Config
	send    SendFunc
	healthy func() bool
	ledger  *ledger.Ledger

	// onRateLimit is invoked after a rate-limit failure so the caller can
	// re-verify overall health.
	onRateLimit func()

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	log   *slog.Logger
}

func New(cfg Config, sendFn SendFunc, healthy func() bool, lg *ledger.Ledger) *Pipeline {
	if len(cfg.RetryDelays) == 0 {
		cfg = DefaultConfig()
	}
	return &Pipeline{
		invalid: make(map[domain.PeerID]struct{}),
		cfg:     cfg,
		send:    sendFn,
		healthy: healthy,
		ledger:  lg,
		now:     time.Now,
		sleep:   sleepCtx,
		log:     slog.Default(),
	}
}

// SetRateLimitHook registers the health re-verification side effect.
func (p *Pipeline) SetRateLimitHook(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRateLimit = fn
}

// Send delivers text to a peer, or fails with a classified error. It may
// block for the full retry budget; callers wanting responsiveness should
// bound ctx and treat expiry as delivery-pending, not failure.
func (p *Pipeline) Send(ctx context.Context, peer domain.PeerID, text string) error {
	if !peer.Valid() {
		return failure.Newf(failure.InvalidInput, "malformed target identifier %q", peer)
	}
	if !p.healthy() {
		return failure.New(failure.SessionNotEstablished, "connection is not open")
	}
	if p.Invalid(peer) {
		return failure.Newf(failure.TargetNotFound, "target %s is not registered on the network", peer)
	}
	if remaining := p.PauseRemaining(); remaining > 0 {
		return failure.Newf(failure.RateLimited,
			"sends are paused for %d more seconds", ceilSeconds(remaining))
	}

	attempts := len(p.cfg.RetryDelays) + 1
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		err := p.send(ctx, peer, text)
		if err == nil {
			metrics.MessagesSent.WithLabelValues("ok").Inc()
			return nil
		}
		lastErr = err

		switch failure.KindOf(err) {
		case failure.TargetNotFound:
			p.markInvalid(peer)
			p.recordFailure(peer, err)
			return err

		case failure.RateLimited:
			p.engageGate()
			p.recordFailure(peer, err)
			if hook := p.rateLimitHook(); hook != nil {
				hook()
			}
			return err

		case failure.AuthInvalid, failure.SessionNotEstablished:
			// The session itself is gone; retrying inside this call is
			// pointless, the reconnection controller owns recovery.
			p.recordFailure(peer, err)
			return err

		case failure.Timeout, failure.Unknown:
			if attempt == attempts-1 {
				p.recordFailure(peer, err)
				return lastErr
			}
			p.log.Debug("Send attempt failed, backing off",
				"peer", peer, "attempt", attempt+1, "error", err)
			if serr := p.sleep(ctx, p.cfg.RetryDelays[attempt]); serr != nil {
				p.recordFailure(peer, err)
				return lastErr
			}

		default:
			p.recordFailure(peer, err)
			return err
		}
	}

	return lastErr
}

// ResetSession clears the rate-limit gate and the invalid-target cache. An
// invalidity observed under one session is not trusted across reconnection.
func (p *Pipeline) ResetSession() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pausedUntil = time.Time{}
	p.invalid = make(map[domain.PeerID]struct{})
}

// Invalid reports whether the peer is cached as undeliverable.
func (p *Pipeline) Invalid(peer domain.PeerID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.invalid[peer]
	return ok
}

// PauseRemaining returns how long the rate-limit gate stays engaged, zero
// when sends are allowed.
func (p *Pipeline) PauseRemaining() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if remaining := p.pausedUntil.Sub(p.now()); remaining > 0 {
		return remaining
	}
	return 0
}

func (p *Pipeline) markInvalid(peer domain.PeerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalid[peer] = struct{}{}
}

func (p *Pipeline) engageGate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pausedUntil = p.now().Add(p.cfg.RateLimitPause)
}

func (p *Pipeline) rateLimitHook() func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onRateLimit
}

func (p *Pipeline) recordFailure(peer domain.PeerID, err error) {
	kind := failure.KindOf(err)
	metrics.MessagesSent.WithLabelValues("error").Inc()
	metrics.SendFailures.WithLabelValues(kind.String()).Inc()
	p.ledger.Record(peer, kind, err.Error())
	p.log.Warn("Send failed", "peer", peer, "kind", kind.String(), "error", err)
}

func ceilSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
