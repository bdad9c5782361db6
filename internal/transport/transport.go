// Package transport defines the contract between the resilience core and the
// underlying gateway session client. The concrete websocket implementation
// lives in the ws subpackage; tests substitute fakes.
package transport

import (
	"context"

	"github.com/vietddude/relay/internal/core/domain"
)

// Event is a signal emitted by the session client. The bridge consumes all
// events from a single channel on one goroutine, which keeps state mutation
// serialized.
type Event interface {
	transportEvent()
}

// LifecycleState mirrors the connection phases the gateway reports.
type LifecycleState int

const (
	LifecycleConnecting LifecycleState = iota
	LifecycleOpen
	LifecycleClosed
)

// LifecycleEvent signals a connection phase change. Cause is set on Closed
// and already classified by the adapter.
type LifecycleEvent struct {
	State LifecycleState
	Cause error
}

// MessageEvent carries one inbound message. DecryptErr is non-nil when the
// payload could not be decoded yet (no session with the peer); the message
// then only has a valid Peer and Key.
type MessageEvent struct {
	Msg        domain.InboundMessage
	DecryptErr error
}

// SessionEvent signals that a cryptographic session with the peer was
// established, e.g. after a key distribution. It triggers the retry-queue
// drain for that peer.
type SessionEvent struct {
	Peer domain.PeerID
}

func (LifecycleEvent) transportEvent() {}
func (MessageEvent) transportEvent()   {}
func (SessionEvent) transportEvent()   {}

// Client is the session client the resilience core drives.
type Client interface {
	// Connect establishes the gateway session. A returned error is
	// classified; success is also signalled via a LifecycleOpen event.
	Connect(ctx context.Context) error

	// Disconnect tears the session down without emitting a Closed event.
	// The reconnection flow tears down the previous session before
	// establishing a new one.
	Disconnect()

	// Send delivers text to a peer. Errors are classified.
	Send(ctx context.Context, peer domain.PeerID, text string) error

	// Fetch requests redelivery of a message that previously failed to
	// decode, used by the retry-queue drain.
	Fetch(ctx context.Context, peer domain.PeerID, key domain.MessageKey) (*domain.InboundMessage, error)

	// Events returns the signal channel. Closed when the client is torn
	// down for good.
	Events() <-chan Event
}

// CredentialStore persists the pairing state across restarts.
type CredentialStore interface {
	Load(ctx context.Context) (*domain.Credentials, error) // nil when absent
	Save(ctx context.Context, creds *domain.Credentials) error
	Delete(ctx context.Context) error
}
