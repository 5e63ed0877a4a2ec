// Package transfer implements the request/response chunk protocol spoken
// over peer data channels: availability queries and chunk transfers framed
// as JSON control messages plus UUID-prefixed binary payload frames.
package transfer

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Control kinds. Every transfer request is answered by exactly one
// terminal marker (end or error) on the responder side.
const (
	kindAvailabilityQuery = "availability-query"
	kindAvailabilityReply = "availability-reply"
	kindTransferRequest   = "transfer-request"
	kindTransferStart     = "transfer-start"
	kindTransferEnd       = "transfer-end"
	kindTransferError     = "transfer-error"
)

// maxFramePayload bounds one binary frame. SCTP-backed channels fragment
// large messages poorly across implementations, so chunks are sliced.
const maxFramePayload = 16 * 1024

// frameHeaderLen is the UUID prefix disambiguating concurrently running
// transfers on the same channel.
const frameHeaderLen = 16

type control struct {
	Kind      string `json:"kind"`
	RequestID string `json:"request_id"`
	URL       string `json:"url,omitempty"`
	Size      int    `json:"size,omitempty"`
	Found     bool   `json:"found,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (c control) encode() ([]byte, error) {
	return json.Marshal(c)
}

func decodeControl(data []byte) (control, error) {
	var c control
	if err := json.Unmarshal(data, &c); err != nil {
		return control{}, fmt.Errorf("malformed control frame: %w", err)
	}
	if c.Kind == "" || c.RequestID == "" {
		return control{}, fmt.Errorf("control frame missing kind or request_id")
	}
	return c, nil
}

// encodeFrame prefixes payload with the raw request UUID.
func encodeFrame(id uuid.UUID, payload []byte) []byte {
	frame := make([]byte, frameHeaderLen+len(payload))
	copy(frame, id[:])
	copy(frame[frameHeaderLen:], payload)
	return frame
}

// decodeFrame splits a binary frame into request id and payload.
func decodeFrame(frame []byte) (uuid.UUID, []byte, error) {
	if len(frame) < frameHeaderLen {
		return uuid.UUID{}, nil, fmt.Errorf("binary frame too short: %d bytes", len(frame))
	}
	var id uuid.UUID
	copy(id[:], frame[:frameHeaderLen])
	return id, frame[frameHeaderLen:], nil
}
