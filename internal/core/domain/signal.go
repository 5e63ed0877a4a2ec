package domain

import (
	"encoding/json"
	"time"
)

type SignalType string

const (
	SignalAnnounce  SignalType = "announce"
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "ice-candidate"
	SignalBye       SignalType = "bye"
)

// Signal is one row in the shared mailbox. ToPeer empty means broadcast to
// the room. Delivery is at-least-once: each recipient deletes the row after
// processing, and rows expire by TTL regardless.
type Signal struct {
	ID        string          `json:"id"`
	RoomID    RoomID          `json:"room_id"`
	FromPeer  PeerID          `json:"from_peer"`
	ToPeer    PeerID          `json:"to_peer,omitempty"`
	Type      SignalType      `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Broadcast reports whether the signal is addressed to the whole room.
func (s *Signal) Broadcast() bool { return s.ToPeer == "" }

// Expired reports whether the signal's TTL has passed at the given instant.
func (s *Signal) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

type AnnouncePayload struct {
	PeerID PeerID `json:"peerId"`
}

type OfferPayload struct {
	Description SessionDescription `json:"description"`
}

type AnswerPayload struct {
	Description SessionDescription `json:"description"`
}

type CandidatePayload struct {
	Candidate ICECandidate `json:"candidate"`
}

type ByePayload struct {
	PeerID PeerID `json:"peerId"`
}
