package peer

import (
	"errors"
	"time"
)

// ErrUnknownPeer is returned when an identity is not in the directory
var ErrUnknownPeer = errors.New("unknown peer")

// EventType distinguishes peer arrivals from departures
type EventType string

const (
	// Arrived is emitted for a new peer or a known peer at a new address
	Arrived EventType = "arrived"
	// Left is emitted when a peer stops advertising
	Left EventType = "left"
)

// Event is one change to the set of reachable peers
type Event struct {
	Type     EventType `json:"type"`
	Identity string    `json:"identity"`
	Address  string    `json:"address,omitempty"` // host:port, empty for Left
}

// Peer is a reachable node other than this one
type Peer struct {
	Identity string    `json:"identity"`
	Address  string    `json:"address"`
	LastSeen time.Time `json:"lastSeen"`
}
