package domain

import "time"

type PeerID string

type RoomID string

// ConnState mirrors the underlying transport's connection lifecycle in a
// transport-agnostic form.
type ConnState string

const (
	ConnStateNew          ConnState = "new"
	ConnStateConnecting   ConnState = "connecting"
	ConnStateConnected    ConnState = "connected"
	ConnStateDisconnected ConnState = "disconnected"
	ConnStateFailed       ConnState = "failed"
	ConnStateClosed       ConnState = "closed"
)

// Terminal reports whether the state ends the session. A disconnected peer
// may still recover, so it is not terminal.
func (s ConnState) Terminal() bool {
	return s == ConnStateFailed || s == ConnStateClosed
}

// SessionDescription is the offer/answer blob exchanged during negotiation.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is a connectivity candidate gathered during negotiation.
// Field names follow the standard candidate-init wire shape.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// PeerEventKind enumerates transport events dispatched into the per-peer
// state machine.
type PeerEventKind string

const (
	EventCandidateGathered PeerEventKind = "candidate-gathered"
	EventStateChanged      PeerEventKind = "state-changed"
	EventChannelOpened     PeerEventKind = "channel-opened"
	EventChannelClosed     PeerEventKind = "channel-closed"
	EventChannelError      PeerEventKind = "channel-error"
)

// PeerEvent is a transport-level event attributed to one peer. Events are
// dispatched under the peer's lock, never handled inline in transport
// callbacks.
type PeerEvent struct {
	Peer      PeerID
	Kind      PeerEventKind
	Candidate *ICECandidate
	State     ConnState
	Err       error
	At        time.Time
}
