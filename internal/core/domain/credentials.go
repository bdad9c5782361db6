package domain

import "time"

// Credentials is the pairing state for the gateway session. Without stored
// credentials the bridge cannot connect and must wait for a fresh pairing.
type Credentials struct {
	DeviceID string    `json:"device_id"`
	Token    string    `json:"token"`
	PairedAt time.Time `json:"paired_at"`
}
