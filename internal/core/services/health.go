package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"swarmcast/internal/core/domain"
)

// HealthConfig tunes the decaying per-peer trust score.
type HealthConfig struct {
	TickInterval time.Duration
	Decay        int // subtracted per tick with no activity
	ErrorPenalty int // subtracted on transport error
	Recovery     int // added per successful transfer, capped at 100
	Threshold    int // minimum score to count as healthy
}

// DefaultHealthConfig returns the tuning used in production rooms.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		TickInterval: 10 * time.Second,
		Decay:        5,
		ErrorPenalty: 25,
		Recovery:     10,
		Threshold:    30,
	}
}

type peerHealth struct {
	score int
	open  bool // data channel currently open
}

// HealthMonitor maintains a liveness score per peer. A peer is healthy only
// while its channel is open and its score exceeds the threshold; silent
// peers decay to zero and are evicted.
type HealthMonitor struct {
	cfg    HealthConfig
	logger *zap.SugaredLogger

	mu    sync.Mutex
	peers map[domain.PeerID]*peerHealth

	// onEvict fires outside the monitor's lock when a peer's score hits
	// zero, so the engine can tear the session down.
	onEvict func(domain.PeerID)
}

func NewHealthMonitor(cfg HealthConfig, logger *zap.SugaredLogger) *HealthMonitor {
	return &HealthMonitor{
		cfg:    cfg,
		logger: logger,
		peers:  make(map[domain.PeerID]*peerHealth),
	}
}

// OnEvict registers the zero-score eviction callback.
func (m *HealthMonitor) OnEvict(fn func(domain.PeerID)) {
	m.mu.Lock()
	m.onEvict = fn
	m.mu.Unlock()
}

// OnConnect resets a peer to full health. Called when the data channel
// opens.
func (m *HealthMonitor) OnConnect(peer domain.PeerID) {
	m.mu.Lock()
	m.peers[peer] = &peerHealth{score: 100, open: true}
	m.mu.Unlock()
}

// SetOpen records the peer's channel state without touching its score.
func (m *HealthMonitor) SetOpen(peer domain.PeerID, open bool) {
	m.mu.Lock()
	if h, ok := m.peers[peer]; ok {
		h.open = open
	}
	m.mu.Unlock()
}

// Penalize applies the transport-error penalty. A peer driven to zero is
// evicted.
func (m *HealthMonitor) Penalize(peer domain.PeerID) {
	m.applyDelta(peer, -m.cfg.ErrorPenalty)
}

// Reward restores health at the bounded recovery rate after successful
// activity.
func (m *HealthMonitor) Reward(peer domain.PeerID) {
	m.applyDelta(peer, m.cfg.Recovery)
}

func (m *HealthMonitor) applyDelta(peer domain.PeerID, delta int) {
	var evicted bool
	m.mu.Lock()
	h, ok := m.peers[peer]
	if ok {
		h.score += delta
		if h.score > 100 {
			h.score = 100
		}
		if h.score <= 0 {
			delete(m.peers, peer)
			evicted = true
		}
	}
	fn := m.onEvict
	m.mu.Unlock()

	if evicted {
		m.logger.Infow("peer health exhausted", "peer", peer)
		if fn != nil {
			fn(peer)
		}
	}
}

// Remove drops a peer without firing the eviction callback; used by session
// teardown, which is already in progress.
func (m *HealthMonitor) Remove(peer domain.PeerID) {
	m.mu.Lock()
	delete(m.peers, peer)
	m.mu.Unlock()
}

// Tick applies one decay step to every peer, evicting those that reach
// zero.
func (m *HealthMonitor) Tick() {
	var evicted []domain.PeerID
	m.mu.Lock()
	for id, h := range m.peers {
		h.score -= m.cfg.Decay
		if h.score <= 0 {
			delete(m.peers, id)
			evicted = append(evicted, id)
		}
	}
	fn := m.onEvict
	m.mu.Unlock()

	for _, id := range evicted {
		m.logger.Infow("peer decayed out", "peer", id)
		if fn != nil {
			fn(id)
		}
	}
}

// Run drives periodic decay until ctx is done.
func (m *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Tick()
		case <-ctx.Done():
			return
		}
	}
}

// Score returns the current score for peer.
func (m *HealthMonitor) Score(peer domain.PeerID) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.peers[peer]
	if !ok {
		return 0, false
	}
	return h.score, true
}

// Healthy returns eligible peers ranked best-health-first.
func (m *HealthMonitor) Healthy() []domain.PeerID {
	type ranked struct {
		id    domain.PeerID
		score int
	}
	m.mu.Lock()
	list := make([]ranked, 0, len(m.peers))
	for id, h := range m.peers {
		if h.open && h.score > m.cfg.Threshold {
			list = append(list, ranked{id, h.score})
		}
	}
	m.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].score != list[j].score {
			return list[i].score > list[j].score
		}
		return list[i].id < list[j].id // deterministic on ties
	})

	out := make([]domain.PeerID, len(list))
	for i, r := range list {
		out[i] = r.id
	}
	return out
}

// HealthyCount returns the number of eligible peers.
func (m *HealthMonitor) HealthyCount() int {
	return len(m.Healthy())
}

// Count returns the number of tracked peers regardless of eligibility.
func (m *HealthMonitor) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}
