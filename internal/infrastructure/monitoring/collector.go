// Package monitoring exports engine statistics as Prometheus metrics.
package monitoring

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"swarmcast/internal/core/domain"
)

// StatsSource is anything that can produce an engine snapshot.
type StatsSource interface {
	Stats() domain.EngineStats
}

// PrometheusCollector mirrors the engine's counters into Prometheus. The
// engine keeps its own atomics; Update copies a snapshot over, so the
// engine never imports the metrics stack.
type PrometheusCollector struct {
	peersTotal        prometheus.Gauge
	healthyPeersTotal prometheus.Gauge
	cacheHitsTotal    prometheus.Counter
	cacheMissesTotal  prometheus.Counter
	peerFetchesTotal  prometheus.Counter
	cdnFetchesTotal   prometheus.Counter
	cdnRetriesTotal   prometheus.Counter
	offloadRatio      prometheus.Gauge
	bytesFromPeers    prometheus.Counter
	bytesShared       prometheus.Counter
	fetchLatency      prometheus.Gauge

	// Counters are monotonic in Prometheus; we track the last snapshot and
	// add deltas.
	last domain.EngineStats
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		peersTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "swarmcast_peers_total",
			Help: "Number of live peer sessions",
		}),
		healthyPeersTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "swarmcast_healthy_peers_total",
			Help: "Number of peers eligible for chunk exchange",
		}),
		cacheHitsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swarmcast_cache_hits_total",
			Help: "Chunk requests served from the local cache",
		}),
		cacheMissesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swarmcast_cache_misses_total",
			Help: "Chunk requests that missed the local cache",
		}),
		peerFetchesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swarmcast_peer_fetches_total",
			Help: "Chunks fetched from the peer mesh",
		}),
		cdnFetchesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swarmcast_cdn_fetches_total",
			Help: "Chunks fetched from the CDN",
		}),
		cdnRetriesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swarmcast_cdn_retries_total",
			Help: "CDN request retries",
		}),
		offloadRatio: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "swarmcast_offload_ratio",
			Help: "Fraction of origin-bound requests served by peers",
		}),
		bytesFromPeers: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swarmcast_bytes_from_peers_total",
			Help: "Chunk bytes received from peers",
		}),
		bytesShared: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swarmcast_bytes_shared_total",
			Help: "Chunk bytes uploaded to peers",
		}),
		fetchLatency: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "swarmcast_peer_fetch_latency_seconds",
			Help: "Average peer fetch latency",
		}),
	}
}

// Update publishes one engine snapshot.
func (p *PrometheusCollector) Update(stats domain.EngineStats) {
	p.peersTotal.Set(float64(stats.Peers))
	p.healthyPeersTotal.Set(float64(stats.HealthyPeers))
	p.offloadRatio.Set(stats.OffloadRatio)
	p.fetchLatency.Set(stats.AverageLatency.Seconds())

	addDelta(p.cacheHitsTotal, p.last.CacheHits, stats.CacheHits)
	addDelta(p.cacheMissesTotal, p.last.CacheMisses, stats.CacheMisses)
	addDelta(p.peerFetchesTotal, p.last.PeerFetches, stats.PeerFetches)
	addDelta(p.cdnFetchesTotal, p.last.CDNFetches, stats.CDNFetches)
	addDelta(p.cdnRetriesTotal, p.last.CDNRetries, stats.CDNRetries)
	addDelta(p.bytesFromPeers, p.last.BytesFromPeers, stats.BytesFromPeers)
	addDelta(p.bytesShared, p.last.BytesShared, stats.BytesShared)
	p.last = stats
}

func addDelta(c prometheus.Counter, prev, cur uint64) {
	if cur > prev {
		c.Add(float64(cur - prev))
	}
}

// Run polls the source at the given interval until ctx is done.
func (p *PrometheusCollector) Run(ctx context.Context, source StatsSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.Update(source.Stats())
		case <-ctx.Done():
			return
		}
	}
}
