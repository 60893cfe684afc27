package session

import (
	"net/netip"
	"time"

	"github.com/opd-ai/linkcable/transport"
)

// State is the lifecycle state of a session.
type State uint8

const (
	StateCreated State = iota
	StateStarting
	StateConnectingRendezvous
	StatePortMapping
	StateRendezvousReady
	StateAttemptingPeer
	StatePeerConnected
	StateDisconnected
	StateReconnecting
	StateStopped
)

var stateNames = [...]string{
	StateCreated:              "CREATED",
	StateStarting:             "STARTING",
	StateConnectingRendezvous: "CONNECTING_RENDEZVOUS",
	StatePortMapping:          "PORT_MAPPING",
	StateRendezvousReady:      "RENDEZVOUS_READY",
	StateAttemptingPeer:       "ATTEMPTING_PEER",
	StatePeerConnected:        "PEER_CONNECTED",
	StateDisconnected:         "DISCONNECTED",
	StateReconnecting:         "RECONNECTING",
	StateStopped:              "STOPPED",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// Role is the part a session plays.
type Role uint8

const (
	RoleHost Role = iota
	RoleClient
	RoleGUIDChecker
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleClient:
		return "client"
	case RoleGUIDChecker:
		return "guid_checker"
	default:
		return "unknown"
	}
}

// PeerConnection is the active link to the remote emulator.
type PeerConnection struct {
	GUID           transport.GUID
	Addr           netip.AddrPort
	ConnectedSince time.Time
}
