package ports

import (
	"context"

	"swarmcast/internal/core/domain"
)

// SignalSender enqueues an outgoing signal for delivery to the mailbox.
// Implementations coalesce sends into short batches.
type SignalSender interface {
	Send(sig *domain.Signal)
}

// ChunkLoader is the CDN path: fetch a manifest, segment or key over HTTP
// with the loader's own retry and backoff policy.
type ChunkLoader interface {
	Load(ctx context.Context, url string, declared domain.ChunkType) ([]byte, error)
	// Retries returns the cumulative retry count, for observability.
	Retries() uint64
	// EstimatedBandwidthKbps reports the rolling download throughput
	// estimate; zero means no estimate yet.
	EstimatedBandwidthKbps() int
}

// ChunkFetcher is the surface exposed to the embedding video pipeline.
type ChunkFetcher interface {
	FetchChunk(ctx context.Context, url string, opts domain.FetchOptions) ([]byte, error)
}
