package domain

// PeerID identifies a remote party on the messaging network. It is a
// phone-number-derived address, e.g. "5511999999999".
type PeerID string

func (p PeerID) String() string {
	return string(p)
}

// Valid reports whether the peer identifier is well-formed: digits only,
// between 8 and 20 characters. The gateway rejects anything else before a
// network round trip is made.
func (p PeerID) Valid() bool {
	if len(p) < 8 || len(p) > 20 {
		return false
	}
	for _, r := range p {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
