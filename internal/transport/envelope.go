// Package transport implements the TCP ingress path of the node: peers
// connect, identify themselves with a handshake, and stream packets that
// are handed to the dispatcher. Frames are newline-delimited JSON.
package transport

import (
	"encoding/json"
	"fairdispatch/internal/apperrors"

	"github.com/google/uuid"
)

// ProtocolVersion is bumped on incompatible frame changes.
const ProtocolVersion = 1

// Hello is the first frame each side sends on a new connection.
type Hello struct {
	PeerID  string `json:"peer_id"`
	Name    string `json:"name,omitempty"`
	Version int    `json:"version"`
}

// Validate checks a received handshake.
func (h Hello) Validate() error {
	if h.Version != ProtocolVersion {
		return apperrors.Validation("version", "unsupported protocol version")
	}
	if _, err := uuid.Parse(h.PeerID); err != nil {
		return apperrors.Validation("peer_id", "peer_id must be a UUID")
	}
	return nil
}

// Packet is one application message from a peer. The payload is opaque to
// the node; only the handler interprets it.
type Packet struct {
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}
