// Package queue implements the in-memory retry queue for inbound messages
// that could not be processed yet, typically because the cryptographic
// session with the peer was not established when the message arrived. Items
// are retried when the peer's session comes up, and bounded by an expiry
// sweep plus a per-item retry cap. The queue is best-effort and does not
// survive a restart.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/relay/metrics"
)

// Config controls expiry and retry behavior.
type Config struct {
	Expiry        time.Duration `yaml:"expiry"` // item age after which it is swept
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryCooldown time.Duration `yaml:"retry_cooldown"` // minimum gap between retries of one item
}

// DefaultConfig matches the gateway's redelivery characteristics: pending
// messages are useless after a few seconds because the peer will retransmit.
func DefaultConfig() Config {
	return Config{
		Expiry:        10 * time.Second,
		SweepInterval: 30 * time.Second,
		MaxRetries:    3,
		RetryCooldown: 1 * time.Second,
	}
}

// Item is one queued inbound message.
type Item struct {
	Peer       domain.PeerID
	Key        domain.MessageKey
	EnqueuedAt time.Time
	Retries    int
	LastRetry  time.Time
}

// Stats is the operational snapshot exposed by the front door.
type Stats struct {
	Peers     int           `json:"peers"`
	Items     int           `json:"items"`
	OldestAge time.Duration `json:"oldest_age"`
}

// ProcessFunc re-attempts processing of one queued message. A nil return
// removes the item; an error keeps it queued for the next trigger.
type ProcessFunc func(ctx context.Context, peer domain.PeerID, key domain.MessageKey) error

// RetryQueue maps peers to their queued items in insertion order. A peer key
// never holds an empty slice: it is removed the moment its last item goes.
type RetryQueue struct {
	mu    sync.Mutex
	items map[domain.PeerID][]*Item
	cfg   Config
	log   *slog.Logger

	now func() time.Time
}

func New(cfg Config) *RetryQueue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &RetryQueue{
		items: make(map[domain.PeerID][]*Item),
		cfg:   cfg,
		log:   slog.Default(),
		now:   time.Now,
	}
}

// Enqueue adds an item unless one with the same (peer, key) identity already
// exists. Returns false on a duplicate.
func (q *RetryQueue) Enqueue(peer domain.PeerID, key domain.MessageKey) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, it := range q.items[peer] {
		if it.Key == key {
			return false
		}
	}
	q.items[peer] = append(q.items[peer], &Item{
		Peer:       peer,
		Key:        key,
		EnqueuedAt: q.now(),
	})
	q.updateDepthLocked()
	return true
}

// Remove deletes the matching item, dropping the peer key if its sequence
// becomes empty. Called when a message from the peer is freshly processed,
// which is evidence the session is now usable.
func (q *RetryQueue) Remove(peer domain.PeerID, key domain.MessageKey) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(peer, key)
}

func (q *RetryQueue) removeLocked(peer domain.PeerID, key domain.MessageKey) bool {
	seq, ok := q.items[peer]
	if !ok {
		return false
	}
	for i, it := range seq {
		if it.Key == key {
			q.items[peer] = append(seq[:i], seq[i+1:]...)
			if len(q.items[peer]) == 0 {
				delete(q.items, peer)
			}
			q.updateDepthLocked()
			return true
		}
	}
	return false
}

// Len returns the number of queued items for a peer.
func (q *RetryQueue) Len(peer domain.PeerID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items[peer])
}

// HasPeer reports whether the peer currently has a queue entry at all.
func (q *RetryQueue) HasPeer(peer domain.PeerID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.items[peer]
	return ok
}

// Stats returns counts and the age of the oldest item.
func (q *RetryQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{Peers: len(q.items)}
	now := q.now()
	for _, seq := range q.items {
		s.Items += len(seq)
		for _, it := range seq {
			if age := now.Sub(it.EnqueuedAt); age > s.OldestAge {
				s.OldestAge = age
			}
		}
	}
	return s
}

// SweepExpired removes every item older than the expiry threshold, logging
// each removal. Returns the number of removed items.
func (q *RetryQueue) SweepExpired() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	removed := 0
	for peer, seq := range q.items {
		kept := seq[:0]
		for _, it := range seq {
			if now.Sub(it.EnqueuedAt) > q.cfg.Expiry {
				q.log.Info("Dropping expired retry item",
					"peer", peer, "message_id", it.Key.ID, "age", now.Sub(it.EnqueuedAt))
				removed++
				continue
			}
			kept = append(kept, it)
		}
		if len(kept) == 0 {
			delete(q.items, peer)
		} else {
			q.items[peer] = kept
		}
	}
	if removed > 0 {
		q.updateDepthLocked()
	}
	return removed
}

// Drain re-attempts every queued item for a peer. Per item: skip when it was
// retried less than the cooldown ago, drop without an attempt when the retry
// cap is reached, otherwise stamp the attempt and call fn. Items whose fn
// fails stay queued for the next trigger or the expiry sweep.
func (q *RetryQueue) Drain(ctx context.Context, peer domain.PeerID, fn ProcessFunc) {
	q.mu.Lock()
	seq := q.items[peer]
	candidates := make([]*Item, len(seq))
	copy(candidates, seq)
	q.mu.Unlock()

	for _, it := range candidates {
		q.mu.Lock()
		now := q.now()
		if it.Retries >= q.cfg.MaxRetries {
			q.log.Warn("Dropping retry item after max attempts",
				"peer", peer, "message_id", it.Key.ID, "retries", it.Retries)
			q.removeLocked(peer, it.Key)
			q.mu.Unlock()
			continue
		}
		if !it.LastRetry.IsZero() && now.Sub(it.LastRetry) < q.cfg.RetryCooldown {
			q.mu.Unlock()
			continue
		}
		it.Retries++
		it.LastRetry = now
		q.mu.Unlock()

		if err := fn(ctx, peer, it.Key); err != nil {
			q.log.Debug("Retry attempt failed",
				"peer", peer, "message_id", it.Key.ID, "retries", it.Retries, "error", err)
			continue
		}
		q.Remove(peer, it.Key)
	}
}

// Run sweeps expired items on a fixed period until the context is cancelled.
func (q *RetryQueue) Run(ctx context.Context) {
	interval := q.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.SweepExpired()
		}
	}
}

func (q *RetryQueue) updateDepthLocked() {
	total := 0
	for _, seq := range q.items {
		total += len(seq)
	}
	metrics.RetryQueueItems.Set(float64(total))
}
