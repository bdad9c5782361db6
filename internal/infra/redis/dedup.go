package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/vietddude/relay/internal/core/domain"
)

// DefaultDedupTTL bounds how long a delivered message key is remembered.
const DefaultDedupTTL = 24 * time.Hour

// Dedup marks delivered message keys with a TTL. Seen is an atomic
// check-and-mark: the first caller for a key gets false, every later
// caller within the TTL gets true.
type Dedup struct {
	client *Client
	ttl    time.Duration
}

func NewDedup(client *Client, ttl time.Duration) *Dedup {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &Dedup{client: client, ttl: ttl}
}

func dedupKey(peer domain.PeerID, key domain.MessageKey) string {
	return fmt.Sprintf("delivered:%s:%s:%t", peer, key.ID, key.FromMe)
}

// Seen marks the message key as delivered and reports whether it had
// already been marked.
func (d *Dedup) Seen(ctx context.Context, peer domain.PeerID, key domain.MessageKey) (bool, error) {
	ok, err := d.client.rdb.SetNX(ctx, dedupKey(peer, key), "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return !ok, nil
}

// Forget drops the delivered mark, used when a webhook delivery fails and
// the message goes back to the retry queue.
func (d *Dedup) Forget(ctx context.Context, peer domain.PeerID, key domain.MessageKey) error {
	return d.client.rdb.Del(ctx, dedupKey(peer, key)).Err()
}
