package domain

import "time"

// MessageKey is the identity of a message on the network. The gateway may
// replay a message after a reconnect, so (ID, FromMe) is the deduplication
// key used everywhere downstream.
type MessageKey struct {
	ID     string `json:"id"`
	FromMe bool   `json:"from_me"`
}

// InboundMessage is a message received from a peer, decoded by the gateway
// session and awaiting delivery to the backend.
type InboundMessage struct {
	Peer       PeerID     `json:"peer"`
	Key        MessageKey `json:"key"`
	Text       string     `json:"text"`
	PushName   string     `json:"push_name"`
	ReceivedAt time.Time  `json:"received_at"`
}
