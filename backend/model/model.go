package model

import "encoding/json"

// Role is the fixed part a connection plays in a paired room.
// It is assigned exactly once, on create or on a successful join.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleViewer Role = "viewer"
)

// Room is one rendezvous slot. Owner and Viewer hold connection IDs,
// not transport handles; the relay resolves IDs to wires on send.
// Owner and Viewer never hold the same connection ID.
type Room struct {
	Code   string `json:"code"`
	Owner  string `json:"owner,omitempty"`
	Viewer string `json:"viewer,omitempty"`

	// PendingOffer buffers a session description sent by the owner
	// before any viewer joined. Single slot, newest offer wins.
	PendingOffer json.RawMessage `json:"-"`
}

// Stats is what the rooms API reports.
type Stats struct {
	Rooms int `json:"rooms"`
}

type Wire struct {
	RX chan Message
	TX chan Message
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Message),
		TX: make(chan Message),
	}
}
