package ports

import (
	"context"

	"swarmcast/internal/core/domain"
)

// MailboxStore is the server-side storage behind the signaling mailbox:
// append-only per-room rows that expire by TTL and are deleted explicitly
// by their recipients.
type MailboxStore interface {
	Append(ctx context.Context, sig *domain.Signal) error
	// Fetch returns undelivered signals addressed to peer or broadcast in
	// the room, oldest first, excluding the peer's own.
	Fetch(ctx context.Context, room domain.RoomID, peer domain.PeerID) ([]*domain.Signal, error)
	Delete(ctx context.Context, id string) error
	// DeleteForPeer clears everything addressed to peer in the room; used
	// on teardown.
	DeleteForPeer(ctx context.Context, room domain.RoomID, peer domain.PeerID) error
}
