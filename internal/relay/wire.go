// Package relay is the signaling relay: a websocket room server that assigns
// peer ids and forwards offer/answer/ice-candidate frames between members of
// a room, plus the client peers use to talk to it.
package relay

import (
	"encoding/json"
	"errors"
)

// Kind is the frame type on the wire.
type Kind string

const (
	KindJoin         Kind = "join"
	KindJoined       Kind = "joined"
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "ice-candidate"
	KindPeerOnline   Kind = "peer-online"
	KindPeerOffline  Kind = "peer-offline"
	KindError        Kind = "error"

	// KindRelayUnavailable is local only: the client lost the relay.
	KindRelayUnavailable Kind = "relay-unavailable"
)

var (
	ErrRelayUnavailable = errors.New("relay unavailable")
	ErrJoinTimeout      = errors.New("relay join timed out")
	ErrNotJoined        = errors.New("not joined to a room")
	ErrBadKind          = errors.New("only offer, answer and ice-candidate can be relayed")
)

// Frame is the JSON message exchanged with the relay.
type Frame struct {
	Type    Kind            `json:"type"`
	Room    string          `json:"room,omitempty"`
	To      string          `json:"to,omitempty"`
	From    string          `json:"from,omitempty"`
	YourID  string          `json:"yourId,omitempty"`
	Peer    string          `json:"peer,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Event is what a client surfaces to its handlers.
type Event struct {
	Kind    Kind
	From    string // offer, answer, ice-candidate
	Peer    string // peer-online, peer-offline
	Payload json.RawMessage
	Err     error // error, relay-unavailable
}

func relayable(k Kind) bool {
	return k == KindOffer || k == KindAnswer || k == KindICECandidate
}

func eventFromFrame(f Frame) Event {
	ev := Event{Kind: f.Type, From: f.From, Peer: f.Peer, Payload: f.Payload}
	if f.Type == KindError {
		ev.Err = errors.New(f.Error)
	}
	return ev
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}
