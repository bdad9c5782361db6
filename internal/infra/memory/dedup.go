package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/relay/internal/core/domain"
)

type dedupKey struct {
	peer domain.PeerID
	key  domain.MessageKey
}

// Dedup remembers delivered message keys in memory with a TTL. Expired
// entries are dropped lazily on lookup and on a periodic prune.
type Dedup struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[dedupKey]time.Time

	now func() time.Time
}

func NewDedup(ttl time.Duration) *Dedup {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Dedup{
		ttl:  ttl,
		seen: make(map[dedupKey]time.Time),
		now:  time.Now,
	}
}

// Seen marks the message key as delivered and reports whether it had
// already been marked within the TTL.
func (d *Dedup) Seen(ctx context.Context, peer domain.PeerID, key domain.MessageKey) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	k := dedupKey{peer: peer, key: key}
	now := d.now()
	if at, ok := d.seen[k]; ok && now.Sub(at) < d.ttl {
		return true, nil
	}
	d.seen[k] = now
	return false, nil
}

// Forget drops the delivered mark.
func (d *Dedup) Forget(ctx context.Context, peer domain.PeerID, key domain.MessageKey) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, dedupKey{peer: peer, key: key})
	return nil
}

// Prune drops expired entries so the map does not grow without bound.
func (d *Dedup) Prune() {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := d.now().Add(-d.ttl)
	for k, at := range d.seen {
		if at.Before(cutoff) {
			delete(d.seen, k)
		}
	}
}

// Run prunes on a fixed period until the context is cancelled.
func (d *Dedup) Run(ctx context.Context) {
	interval := d.ttl
	if interval > time.Hour {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Prune()
		}
	}
}
