// Package mailbox is the reference signaling mailbox: per-room TTL-expiring
// signal rows behind a small HTTP API. Peers append signals, poll for rows
// addressed to them and delete what they have processed.
package mailbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"swarmcast/internal/core/domain"
)

// MemoryStore keeps signal rows in process memory. Suitable for a single
// mailbox instance; use the Redis store when running more than one.
type MemoryStore struct {
	mu      sync.RWMutex
	signals map[string]*domain.Signal
	rooms   map[domain.RoomID]map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		signals: make(map[string]*domain.Signal),
		rooms:   make(map[domain.RoomID]map[string]struct{}),
	}
}

func (s *MemoryStore) Append(ctx context.Context, sig *domain.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals[sig.ID] = sig
	room, ok := s.rooms[sig.RoomID]
	if !ok {
		room = make(map[string]struct{})
		s.rooms[sig.RoomID] = room
	}
	room[sig.ID] = struct{}{}
	return nil
}

func (s *MemoryStore) Fetch(ctx context.Context, room domain.RoomID, peer domain.PeerID) ([]*domain.Signal, error) {
	now := time.Now()
	s.mu.RLock()
	var out []*domain.Signal
	for id := range s.rooms[room] {
		sig := s.signals[id]
		if sig == nil || sig.Expired(now) {
			continue
		}
		if sig.FromPeer == peer {
			continue
		}
		if !sig.Broadcast() && sig.ToPeer != peer {
			continue
		}
		out = append(out, sig)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[id]
	if !ok {
		return domain.ErrSignalNotFound
	}
	s.removeLocked(sig)
	return nil
}

func (s *MemoryStore) DeleteForPeer(ctx context.Context, room domain.RoomID, peer domain.PeerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.rooms[room] {
		if sig := s.signals[id]; sig != nil && sig.ToPeer == peer {
			s.removeLocked(sig)
		}
	}
	return nil
}

func (s *MemoryStore) removeLocked(sig *domain.Signal) {
	delete(s.signals, sig.ID)
	if room, ok := s.rooms[sig.RoomID]; ok {
		delete(room, sig.ID)
		if len(room) == 0 {
			delete(s.rooms, sig.RoomID)
		}
	}
}

// Sweep removes expired rows. The server runs this periodically; polls
// already skip expired rows, so the sweep is purely reclamation.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, sig := range s.signals {
		if sig.Expired(now) {
			s.removeLocked(sig)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored rows.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.signals)
}

// RunSweeper sweeps at the given interval until ctx is done.
func (s *MemoryStore) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep(time.Now())
		case <-ctx.Done():
			return
		}
	}
}
