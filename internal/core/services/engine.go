package services

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"swarmcast/internal/core/domain"
	"swarmcast/internal/core/ports"
	"swarmcast/pkg/cache"
	"swarmcast/pkg/circuitbreaker"
)

// EngineParams collects the collaborators an Engine owns. The engine is an
// explicitly constructed handle, not process-global state; the embedding
// video pipeline holds it and calls Close when done.
type EngineParams struct {
	Room    domain.RoomID
	Self    domain.PeerID
	Fetch   FetchConfig
	Health  HealthConfig
	Breaker circuitbreaker.Config

	SignalTTL time.Duration

	Factory ports.ConnectionFactory
	Sender  ports.SignalSender
	Loader  ports.ChunkLoader
	Cache   *cache.ChunkCache
	NewConn NewChunkConnFunc

	Logger *zap.SugaredLogger
}

// Engine is the peer-assisted delivery engine: negotiator, health monitor
// and fetch orchestrator behind one handle.
type Engine struct {
	room   domain.RoomID
	self   domain.PeerID
	neg    *Negotiator
	health *HealthMonitor
	fetch  *Fetcher
	cache  *cache.ChunkCache
	loader ports.ChunkLoader
	stats  *counters
	logger *zap.SugaredLogger

	enabled bool
	closed  atomic.Bool
	stop    context.CancelFunc
}

// NewEngine wires an engine from its parameters. Call Start to join the
// room.
func NewEngine(p EngineParams) *Engine {
	stats := &counters{}
	health := NewHealthMonitor(p.Health, p.Logger)
	breaker := circuitbreaker.New(p.Breaker)

	neg := NewNegotiator(NegotiatorConfig{
		Room:      p.Room,
		Self:      p.Self,
		SignalTTL: p.SignalTTL,
	}, p.Factory, p.Sender, health, p.NewConn, p.Logger)

	// A peer whose health decays to zero loses its session too. The
	// callback can fire from an event handler that already holds the
	// peer's lock, so teardown queues behind it on its own goroutine.
	health.OnEvict(func(peer domain.PeerID) {
		go neg.Drop(context.Background(), peer)
	})

	fetch := NewFetcher(p.Fetch, health, neg, p.Cache, p.Loader, breaker, stats, p.Logger)

	return &Engine{
		room:    p.Room,
		self:    p.Self,
		neg:     neg,
		health:  health,
		fetch:   fetch,
		cache:   p.Cache,
		loader:  p.Loader,
		stats:   stats,
		logger:  p.Logger,
		enabled: p.Fetch.Enabled,
	}
}

// Start announces into the room and begins health decay ticks.
func (e *Engine) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.stop = cancel
	go e.health.Run(runCtx)
	e.neg.Announce()
	e.logger.Infow("engine started", "room", e.room, "peer", e.self)
}

// HandleSignal feeds one polled mailbox signal into the negotiator.
// Expired and self-originated signals are dropped here.
func (e *Engine) HandleSignal(ctx context.Context, sig *domain.Signal) error {
	if e.closed.Load() {
		return domain.ErrEngineClosed
	}
	if sig.Expired(time.Now()) || sig.FromPeer == e.self {
		return nil
	}
	return e.neg.HandleSignal(ctx, sig)
}

// FetchChunk implements ports.ChunkFetcher.
func (e *Engine) FetchChunk(ctx context.Context, url string, opts domain.FetchOptions) ([]byte, error) {
	if e.closed.Load() {
		return nil, domain.ErrEngineClosed
	}
	return e.fetch.FetchChunk(ctx, url, opts)
}

// BytesShared is the callback for the transfer responder's served-bytes
// accounting.
func (e *Engine) BytesShared(n int) {
	e.stats.bytesShared.Add(uint64(n))
}

// Stats returns the observable snapshot.
func (e *Engine) Stats() domain.EngineStats {
	return domain.EngineStats{
		Enabled:        e.enabled && !e.closed.Load(),
		Peers:          e.neg.SessionCount(),
		HealthyPeers:   e.health.HealthyCount(),
		CacheHits:      e.stats.hits.Load(),
		CacheMisses:    e.stats.misses.Load(),
		PeerFetches:    e.stats.peerFetches.Load(),
		CDNFetches:     e.stats.cdnFetches.Load(),
		CDNRetries:     e.loader.Retries(),
		OffloadRatio:   e.stats.offloadRatio(),
		BytesFromPeers: e.stats.bytesFromPeers.Load(),
		BytesShared:    e.stats.bytesShared.Load(),
		AverageLatency: e.stats.averageLatency(),
	}
}

// Close broadcasts departure and tears down every session. Idempotent.
func (e *Engine) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.neg.Bye()
	e.neg.Close(context.Background())
	if e.stop != nil {
		e.stop()
	}
	e.cache.Clear()
	e.logger.Infow("engine closed", "room", e.room, "peer", e.self)
}
