// Package negotiate turns relayed signaling into a WebRTC data channel
// between two peers. One Negotiator drives one PeerSession; the Manager
// routes relay events to the right Negotiator.
package negotiate

import (
	"context"
	"errors"

	"github.com/petervdpas/goopchat/internal/relay"
	"github.com/pion/webrtc/v4"
)

var (
	ErrNegotiationFailed   = errors.New("negotiation failed")
	ErrNegotiationTimedOut = errors.New("negotiation timed out")
	ErrChannelNotOpen      = errors.New("data channel not open")
	ErrBusy                = errors.New("negotiation already in progress")
	ErrClosed              = errors.New("negotiator closed")
)

// State is the negotiation state of one PeerSession.
type State int

const (
	Idle State = iota
	Offering
	AwaitingAnswer
	Connected
	Disconnected
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Offering:
		return "offering"
	case AwaitingAnswer:
		return "awaiting-answer"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Role is which side of the exchange this peer took.
type Role string

const (
	RoleNone   Role = ""
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Signaler is the relay surface the negotiator needs. Both relay.Client and
// relay.MemoryClient satisfy it.
type Signaler interface {
	ID() string
	Send(ctx context.Context, kind relay.Kind, to string, payload any) error
	OnEvent(fn func(relay.Event)) func()
}

// PeerConnection is the subset of a WebRTC peer connection the state machine
// drives. The pion implementation lives in pion.go.
type PeerConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error

	// OpenChannel creates the local data channel (caller side).
	OpenChannel(label string) error

	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnChannel fires when a data channel, local or remote, is open.
	OnChannel(func(DataChannel))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	Close() error
}

// DataChannel is an open bidirectional message channel.
type DataChannel interface {
	Label() string
	Send([]byte) error
	OnMessage(func([]byte))
	OnClose(func())
	Close() error
}

// Factory builds peer connections.
type Factory interface {
	NewPeerConnection() (PeerConnection, error)
}
