package ports

import (
	"context"

	"swarmcast/internal/core/domain"
)

// ChannelMessage is one message received on a data channel. Control frames
// arrive as text, chunk payload slices as binary.
type ChannelMessage struct {
	Data     []byte
	IsString bool
}

// DataChannel abstracts the bidirectional message transport established
// after negotiation completes.
type DataChannel interface {
	Label() string
	Send(data []byte) error
	SendText(text string) error
	OnMessage(fn func(msg ChannelMessage))
	OnOpen(fn func())
	OnClose(fn func())
	OnError(fn func(err error))
	IsOpen() bool
	Close() error
}

// PeerConnection abstracts a single peer's negotiation surface so the
// signaling state machine can be driven without real ICE in tests.
//
// CreateOffer and CreateAnswer also set the local description, so the
// returned description is final and ready to send.
type PeerConnection interface {
	CreateDataChannel(label string) (DataChannel, error)
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetRemoteDescription(desc domain.SessionDescription) error
	AddICECandidate(cand domain.ICECandidate) error
	OnICECandidate(fn func(cand domain.ICECandidate))
	OnDataChannel(fn func(ch DataChannel))
	OnConnectionStateChange(fn func(state domain.ConnState))
	Close() error
}

// ConnectionFactory creates peer connections bound to the configured
// STUN-only ICE servers.
type ConnectionFactory interface {
	NewPeerConnection() (PeerConnection, error)
}

// ChunkConn is the chunk-transfer protocol speaking over one peer's open
// data channel.
type ChunkConn interface {
	// QueryAvailability asks the remote peer whether it holds url.
	QueryAvailability(ctx context.Context, url string) (bool, error)
	// FetchChunk transfers url from the remote peer, reassembling the
	// binary frames in arrival order.
	FetchChunk(ctx context.Context, url string) ([]byte, error)
	Close() error
}
