package services

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"swarmcast/internal/core/domain"
	"swarmcast/internal/core/ports"
	"swarmcast/pkg/cache"
	"swarmcast/pkg/circuitbreaker"
	"swarmcast/pkg/tracing"
)

// FetchConfig tunes the mesh-vs-CDN decision and the peer race.
type FetchConfig struct {
	Enabled             bool
	MinHealthyPeers     int
	MinBandwidthKbps    int // below this estimate the mesh is skipped
	AvailabilityTimeout time.Duration
	TransferTimeout     time.Duration
	MaxRacers           int // peers queried per chunk
}

// connProvider hands out the open chunk conn for a peer, if any.
type connProvider interface {
	ConnFor(peer domain.PeerID) ports.ChunkConn
}

// Fetcher decides mesh versus CDN per chunk and races peers against a
// fixed deadline. Mesh errors never reach the caller; only CDN-path
// exhaustion does.
type Fetcher struct {
	cfg     FetchConfig
	health  *HealthMonitor
	conns   connProvider
	cache   *cache.ChunkCache
	loader  ports.ChunkLoader
	breaker *circuitbreaker.Breaker
	stats   *counters
	logger  *zap.SugaredLogger
}

func NewFetcher(cfg FetchConfig, health *HealthMonitor, conns connProvider, chunkCache *cache.ChunkCache, loader ports.ChunkLoader, breaker *circuitbreaker.Breaker, stats *counters, logger *zap.SugaredLogger) *Fetcher {
	return &Fetcher{
		cfg:     cfg,
		health:  health,
		conns:   conns,
		cache:   chunkCache,
		loader:  loader,
		breaker: breaker,
		stats:   stats,
		logger:  logger,
	}
}

// FetchChunk returns the chunk bytes for url, consulting the cache, then
// the peer mesh, then the CDN. A chunk obtained from any source is in the
// shared cache before this returns.
func (f *Fetcher) FetchChunk(ctx context.Context, url string, opts domain.FetchOptions) ([]byte, error) {
	ctx, span := tracing.StartSpan(ctx, "fetch_chunk", attribute.String("chunk.url", url))
	defer span.End()

	if data, ok := f.cache.Get(url); ok {
		f.stats.hits.Add(1)
		span.SetAttributes(attribute.String("chunk.source", string(domain.SourceCache)))
		return data, nil
	}
	f.stats.misses.Add(1)

	if f.meshEligible() {
		start := time.Now()
		data, peer, err := f.fetchFromMesh(ctx, url)
		if err == nil {
			f.cache.Put(url, data)
			f.stats.peerFetches.Add(1)
			f.stats.bytesFromPeers.Add(uint64(len(data)))
			f.stats.observeLatency(time.Since(start))
			f.health.Reward(peer)
			f.breaker.RecordSuccess()
			span.SetAttributes(attribute.String("chunk.source", string(domain.SourcePeer)))
			return data, nil
		}
		// Mesh failure is non-fatal by contract: fall to the CDN.
		f.breaker.RecordFailure()
		f.logger.Debugw("mesh fetch failed, falling back to cdn", "url", url, "error", err)
	}

	data, err := f.loader.Load(ctx, url, opts.Type)
	if err != nil {
		return nil, err
	}
	f.stats.cdnFetches.Add(1)
	f.cache.Put(url, data)
	span.SetAttributes(attribute.String("chunk.source", string(domain.SourceCDN)))
	return data, nil
}

// meshEligible gates the mesh path: engine enabled, enough healthy peers,
// bandwidth not classified low, breaker not open.
func (f *Fetcher) meshEligible() bool {
	if !f.cfg.Enabled {
		return false
	}
	if f.health.HealthyCount() < f.cfg.MinHealthyPeers {
		return false
	}
	if bw := f.loader.EstimatedBandwidthKbps(); bw > 0 && bw < f.cfg.MinBandwidthKbps {
		return false
	}
	return f.breaker.Allow()
}

// fetchFromMesh queries ranked healthy peers for availability and starts a
// transfer from every peer that confirms, racing them against the transfer
// deadline. First success wins; losing transfers are simply abandoned.
func (f *Fetcher) fetchFromMesh(parent context.Context, url string) ([]byte, domain.PeerID, error) {
	peers := f.health.Healthy()
	if len(peers) > f.cfg.MaxRacers {
		peers = peers[:f.cfg.MaxRacers]
	}

	ctx, cancel := context.WithTimeout(parent, f.cfg.TransferTimeout)
	defer cancel()

	type result struct {
		peer domain.PeerID
		data []byte
	}
	results := make(chan result, len(peers))
	confirmed := make(chan domain.PeerID, len(peers))

	queried := 0
	for _, peer := range peers {
		conn := f.conns.ConnFor(peer)
		if conn == nil {
			continue
		}
		queried++
		go func(peer domain.PeerID, conn ports.ChunkConn) {
			qctx, qcancel := context.WithTimeout(ctx, f.cfg.AvailabilityTimeout)
			defer qcancel()
			found, err := conn.QueryAvailability(qctx, url)
			if err != nil || !found {
				return
			}
			confirmed <- peer
		}(peer, conn)
	}
	if queried == 0 {
		return nil, "", domain.ErrMeshUnavailable
	}

	// Each confirmation starts a transfer immediately; the first completed
	// transfer resolves the race.
	go func() {
		for {
			select {
			case peer := <-confirmed:
				conn := f.conns.ConnFor(peer)
				if conn == nil {
					continue
				}
				go func(peer domain.PeerID, conn ports.ChunkConn) {
					data, err := conn.FetchChunk(ctx, url)
					if err != nil {
						// Losing racers are cancelled, not at fault.
						if ctx.Err() == nil {
							f.health.Penalize(peer)
						}
						return
					}
					select {
					case results <- result{peer: peer, data: data}:
					case <-ctx.Done():
					}
				}(peer, conn)
			case <-ctx.Done():
				return
			}
		}
	}()

	select {
	case r := <-results:
		return r.data, r.peer, nil
	case <-ctx.Done():
		return nil, "", domain.ErrMeshUnavailable
	}
}
