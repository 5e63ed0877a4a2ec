package services

import (
	"sync/atomic"
	"time"
)

// counters aggregates fetch-path statistics. All fields are atomics; the
// snapshot is best-effort consistent.
type counters struct {
	hits           atomic.Uint64
	misses         atomic.Uint64
	peerFetches    atomic.Uint64
	cdnFetches     atomic.Uint64
	bytesFromPeers atomic.Uint64
	bytesShared    atomic.Uint64
	latencySumNs   atomic.Int64
	latencyCount   atomic.Uint64
}

func (c *counters) observeLatency(d time.Duration) {
	c.latencySumNs.Add(int64(d))
	c.latencyCount.Add(1)
}

func (c *counters) averageLatency() time.Duration {
	n := c.latencyCount.Load()
	if n == 0 {
		return 0
	}
	return time.Duration(c.latencySumNs.Load() / int64(n))
}

// offloadRatio is the fraction of origin-bound requests served by peers.
func (c *counters) offloadRatio() float64 {
	peer := c.peerFetches.Load()
	cdn := c.cdnFetches.Load()
	if peer+cdn == 0 {
		return 0
	}
	return float64(peer) / float64(peer+cdn)
}
