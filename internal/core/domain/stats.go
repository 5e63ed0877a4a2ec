package domain

import "time"

// EngineStats is the snapshot exposed to the embedding video pipeline and
// to the metrics collector.
type EngineStats struct {
	Enabled        bool          `json:"enabled"`
	Peers          int           `json:"peers"`
	HealthyPeers   int           `json:"healthy_peers"`
	CacheHits      uint64        `json:"cache_hits"`
	CacheMisses    uint64        `json:"cache_misses"`
	PeerFetches    uint64        `json:"peer_fetches"`
	CDNFetches     uint64        `json:"cdn_fetches"`
	CDNRetries     uint64        `json:"cdn_retries"`
	OffloadRatio   float64       `json:"offload_ratio"`
	BytesFromPeers uint64        `json:"bytes_from_peers"`
	BytesShared    uint64        `json:"bytes_shared"`
	AverageLatency time.Duration `json:"average_latency"`
}
