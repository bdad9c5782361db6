// Package ledger keeps a bounded, timestamp-ordered log of terminal send
// failures. Its only consumer is the alerter, which computes a rolling
// failure rate over a trailing window.
package ledger

import (
	"sync"
	"time"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/core/failure"
)

// DefaultCapacity bounds the ledger so a sustained failure storm cannot grow
// memory without limit. Entries beyond the alerting window are dead weight
// anyway.
const DefaultCapacity = 1000

// Entry is one non-recoverable send failure.
type Entry struct {
	At      time.Time
	Peer    domain.PeerID
	Kind    failure.Kind
	Message string
}

// Ledger is a fixed-capacity append log. Appending past capacity drops the
// oldest entry.
type Ledger struct {
	mu      sync.Mutex
	entries []Entry
	cap     int

	now func() time.Time
}

func New(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ledger{cap: capacity, now: time.Now}
}

// Record appends a terminal failure.
func (l *Ledger) Record(peer domain.PeerID, kind failure.Kind, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, Entry{
		At:      l.now(),
		Peer:    peer,
		Kind:    kind,
		Message: msg,
	})
	if len(l.entries) > l.cap {
		l.entries = l.entries[len(l.entries)-l.cap:]
	}
}

// CountSince returns the number of failures recorded within the trailing
// window.
func (l *Ledger) CountSince(window time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-window)
	count := 0
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].At.Before(cutoff) {
			break
		}
		count++
	}
	return count
}

// Len returns the number of retained entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
