package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"swarmcast/internal/core/domain"
	"swarmcast/internal/core/ports"
	"swarmcast/pkg/keymutex"
	"swarmcast/pkg/utils"
)

// chunkChannelLabel names the data channel carrying the chunk protocol.
const chunkChannelLabel = "chunks"

// NewChunkConnFunc builds the chunk protocol speaker for a freshly opened
// data channel.
type NewChunkConnFunc func(peer domain.PeerID, ch ports.DataChannel) ports.ChunkConn

// NegotiatorConfig identifies this peer within its room.
type NegotiatorConfig struct {
	Room      domain.RoomID
	Self      domain.PeerID
	SignalTTL time.Duration
}

// peerSession is the engine-owned negotiation state for one remote peer.
// All fields are mutated only under the peer's key lock.
type peerSession struct {
	id      domain.PeerID
	pc      ports.PeerConnection
	channel ports.DataChannel
	conn    ports.ChunkConn

	// pending holds candidates that arrived before the remote description;
	// flushed exactly once, in arrival order, right after it is set.
	pending    []domain.ICECandidate
	remoteSet  bool
	localOffer bool // an offer of ours is outstanding
	state      domain.ConnState
}

// Negotiator is the signaling state machine: it creates and accepts
// offers, resolves simultaneous-offer glare deterministically, queues
// early candidates, and tears sessions down on terminal states.
//
// The designated initiator for a peer pair is the lexicographically
// smaller peer id; the other side waits passively. On glare the initiator
// ignores the incoming offer and the non-initiator discards its own.
type Negotiator struct {
	cfg     NegotiatorConfig
	factory ports.ConnectionFactory
	sender  ports.SignalSender
	health  *HealthMonitor
	newConn NewChunkConnFunc
	locks   *keymutex.KeyMutex
	logger  *zap.SugaredLogger

	mu       sync.Mutex
	sessions map[domain.PeerID]*peerSession
}

func NewNegotiator(cfg NegotiatorConfig, factory ports.ConnectionFactory, sender ports.SignalSender, health *HealthMonitor, newConn NewChunkConnFunc, logger *zap.SugaredLogger) *Negotiator {
	return &Negotiator{
		cfg:      cfg,
		factory:  factory,
		sender:   sender,
		health:   health,
		newConn:  newConn,
		locks:    keymutex.New(),
		logger:   logger,
		sessions: make(map[domain.PeerID]*peerSession),
	}
}

// isInitiator reports whether we are the designated initiator toward peer.
func (n *Negotiator) isInitiator(peer domain.PeerID) bool {
	return n.cfg.Self < peer
}

// HandleSignal dispatches one mailbox signal. Signals from unknown types
// or with bad payloads are logged and dropped; nothing here is fatal.
func (n *Negotiator) HandleSignal(ctx context.Context, sig *domain.Signal) error {
	from := sig.FromPeer
	if from == n.cfg.Self || from == "" {
		return nil
	}

	switch sig.Type {
	case domain.SignalAnnounce:
		return n.HandleAnnounce(ctx, from)
	case domain.SignalOffer:
		var p domain.OfferPayload
		if err := json.Unmarshal(sig.Payload, &p); err != nil {
			n.logger.Warnw("bad offer payload", "peer", from, "error", err)
			return nil
		}
		return n.HandleOffer(ctx, from, p.Description)
	case domain.SignalAnswer:
		var p domain.AnswerPayload
		if err := json.Unmarshal(sig.Payload, &p); err != nil {
			n.logger.Warnw("bad answer payload", "peer", from, "error", err)
			return nil
		}
		return n.HandleAnswer(ctx, from, p.Description)
	case domain.SignalCandidate:
		var p domain.CandidatePayload
		if err := json.Unmarshal(sig.Payload, &p); err != nil {
			n.logger.Warnw("bad candidate payload", "peer", from, "error", err)
			return nil
		}
		return n.HandleCandidate(ctx, from, p.Candidate)
	case domain.SignalBye:
		return n.HandleBye(ctx, from)
	default:
		n.logger.Debugw("ignoring unknown signal type", "type", sig.Type, "peer", from)
		return nil
	}
}

// HandleAnnounce reacts to a peer appearing in the room. Only the
// designated initiator opens a connection; re-announces are idempotent.
func (n *Negotiator) HandleAnnounce(ctx context.Context, peer domain.PeerID) error {
	if !n.isInitiator(peer) {
		return nil
	}
	return n.locks.With(ctx, string(peer), func() error {
		s, created, err := n.ensureSessionLocked(peer)
		if err != nil {
			return err
		}
		if !created && (s.localOffer || s.state == domain.ConnStateConnected || s.state == domain.ConnStateConnecting) {
			return nil // attempt already in flight
		}
		return n.sendOfferLocked(ctx, s)
	})
}

// HandleOffer applies a remote offer, resolving glare when a local offer
// is outstanding.
func (n *Negotiator) HandleOffer(ctx context.Context, peer domain.PeerID, desc domain.SessionDescription) error {
	return n.locks.With(ctx, string(peer), func() error {
		s, _, err := n.ensureSessionLocked(peer)
		if err != nil {
			return err
		}

		if s.localOffer {
			if n.isInitiator(peer) {
				// Glare, and we win: the remote side will roll back.
				n.logger.Debugw("glare: ignoring remote offer", "peer", peer)
				return nil
			}
			// Glare, and we lose: discard our offer and take theirs.
			n.logger.Debugw("glare: rolling back local offer", "peer", peer)
			n.teardownLocked(s)
			s, _, err = n.ensureSessionLocked(peer)
			if err != nil {
				return err
			}
		}

		if err := s.pc.SetRemoteDescription(desc); err != nil {
			// Out-of-order signaling; recoverable by a later fresh offer.
			n.logger.Warnw("offer rejected by state machine", "peer", peer, "error", err)
			return nil
		}
		s.remoteSet = true
		n.flushCandidatesLocked(s)

		answer, err := s.pc.CreateAnswer(ctx)
		if err != nil {
			n.logger.Warnw("create answer failed", "peer", peer, "error", err)
			return nil
		}
		n.send(peer, domain.SignalAnswer, domain.AnswerPayload{Description: answer})
		return nil
	})
}

// HandleAnswer completes a negotiation we initiated. An answer outside the
// expected state is logged and ignored.
func (n *Negotiator) HandleAnswer(ctx context.Context, peer domain.PeerID, desc domain.SessionDescription) error {
	return n.locks.With(ctx, string(peer), func() error {
		s := n.session(peer)
		if s == nil || !s.localOffer {
			n.logger.Warnw("answer without outstanding offer, ignoring", "peer", peer)
			return nil
		}
		if err := s.pc.SetRemoteDescription(desc); err != nil {
			n.logger.Warnw("answer rejected by state machine", "peer", peer, "error", err)
			return nil
		}
		s.localOffer = false
		s.remoteSet = true
		n.flushCandidatesLocked(s)
		return nil
	})
}

// HandleCandidate applies a connectivity candidate, queueing it if the
// remote description is not set yet. Queued candidates are never dropped.
func (n *Negotiator) HandleCandidate(ctx context.Context, peer domain.PeerID, cand domain.ICECandidate) error {
	return n.locks.With(ctx, string(peer), func() error {
		s, _, err := n.ensureSessionLocked(peer)
		if err != nil {
			return err
		}
		if !s.remoteSet {
			s.pending = append(s.pending, cand)
			return nil
		}
		if err := s.pc.AddICECandidate(cand); err != nil {
			n.logger.Warnw("candidate rejected", "peer", peer, "error", err)
		}
		return nil
	})
}

// HandleBye tears down the departing peer's session.
func (n *Negotiator) HandleBye(ctx context.Context, peer domain.PeerID) error {
	return n.locks.With(ctx, string(peer), func() error {
		if s := n.session(peer); s != nil {
			n.teardownLocked(s)
		}
		return nil
	})
}

// DispatchEvent feeds a transport event into the peer's state machine
// under its lock. Transport callbacks must route through here rather than
// mutating state inline.
func (n *Negotiator) DispatchEvent(ctx context.Context, ev domain.PeerEvent) {
	err := n.locks.With(ctx, string(ev.Peer), func() error {
		s := n.session(ev.Peer)
		if s == nil {
			return nil
		}
		switch ev.Kind {
		case domain.EventStateChanged:
			s.state = ev.State
			if ev.State.Terminal() {
				n.logger.Infow("connection reached terminal state", "peer", ev.Peer, "state", ev.State)
				n.teardownLocked(s)
			}
		case domain.EventChannelOpened:
			n.health.OnConnect(ev.Peer)
		case domain.EventChannelClosed:
			n.health.SetOpen(ev.Peer, false)
		case domain.EventChannelError:
			n.health.Penalize(ev.Peer)
		}
		return nil
	})
	if err != nil {
		n.logger.Warnw("event dropped", "peer", ev.Peer, "kind", ev.Kind, "error", err)
	}
}

// EnsureSession creates (or returns) the session for peer and, when we are
// the initiator and nothing is in flight, sends a fresh offer. Idempotent:
// an existing connecting/connected session is returned unchanged with no
// second offer.
func (n *Negotiator) EnsureSession(ctx context.Context, peer domain.PeerID) error {
	return n.HandleAnnounce(ctx, peer)
}

// ConnFor returns the open chunk conn for peer, or nil.
func (n *Negotiator) ConnFor(peer domain.PeerID) ports.ChunkConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := n.sessions[peer]
	if s == nil || s.conn == nil || s.channel == nil || !s.channel.IsOpen() {
		return nil
	}
	return s.conn
}

// SessionCount returns the number of live sessions.
func (n *Negotiator) SessionCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sessions)
}

// Drop tears down peer's session from outside the signal path (health
// eviction, engine shutdown).
func (n *Negotiator) Drop(ctx context.Context, peer domain.PeerID) {
	_ = n.locks.With(ctx, string(peer), func() error {
		if s := n.session(peer); s != nil {
			n.teardownLocked(s)
		}
		return nil
	})
}

// Peers returns the ids of all live sessions.
func (n *Negotiator) Peers() []domain.PeerID {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.PeerID, 0, len(n.sessions))
	for id := range n.sessions {
		out = append(out, id)
	}
	return out
}

// Close tears down every session.
func (n *Negotiator) Close(ctx context.Context) {
	for _, id := range n.Peers() {
		n.Drop(ctx, id)
	}
}

func (n *Negotiator) session(peer domain.PeerID) *peerSession {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sessions[peer]
}

// ensureSessionLocked returns the live session for peer, creating one if
// absent and replacing one in a terminal state. Caller holds the peer
// lock.
func (n *Negotiator) ensureSessionLocked(peer domain.PeerID) (*peerSession, bool, error) {
	if s := n.session(peer); s != nil {
		if !s.state.Terminal() {
			return s, false, nil
		}
		n.teardownLocked(s)
	}

	pc, err := n.factory.NewPeerConnection()
	if err != nil {
		return nil, false, fmt.Errorf("create connection for %s: %w", peer, err)
	}

	s := &peerSession{id: peer, pc: pc, state: domain.ConnStateNew}

	pc.OnICECandidate(func(cand domain.ICECandidate) {
		n.send(peer, domain.SignalCandidate, domain.CandidatePayload{Candidate: cand})
	})
	pc.OnConnectionStateChange(func(state domain.ConnState) {
		go n.DispatchEvent(context.Background(), domain.PeerEvent{
			Peer: peer, Kind: domain.EventStateChanged, State: state, At: time.Now(),
		})
	})
	pc.OnDataChannel(func(ch ports.DataChannel) {
		n.adoptChannel(peer, ch)
	})

	n.mu.Lock()
	n.sessions[peer] = s
	n.mu.Unlock()
	return s, true, nil
}

// sendOfferLocked creates the data channel and local offer and ships it.
// Caller holds the peer lock.
func (n *Negotiator) sendOfferLocked(ctx context.Context, s *peerSession) error {
	ch, err := s.pc.CreateDataChannel(chunkChannelLabel)
	if err != nil {
		n.logger.Warnw("create data channel failed", "peer", s.id, "error", err)
		n.teardownLocked(s)
		return nil
	}
	n.adoptChannel(s.id, ch)

	offer, err := s.pc.CreateOffer(ctx)
	if err != nil {
		n.logger.Warnw("create offer failed", "peer", s.id, "error", err)
		n.teardownLocked(s)
		return nil
	}
	s.localOffer = true
	s.state = domain.ConnStateConnecting
	n.send(s.id, domain.SignalOffer, domain.OfferPayload{Description: offer})
	return nil
}

// adoptChannel wires channel lifecycle events into the per-peer state
// machine and stands up the chunk protocol once the channel opens.
func (n *Negotiator) adoptChannel(peer domain.PeerID, ch ports.DataChannel) {
	ch.OnOpen(func() {
		n.mu.Lock()
		s := n.sessions[peer]
		if s != nil {
			s.channel = ch
			s.conn = n.newConn(peer, ch)
		}
		n.mu.Unlock()
		if s == nil {
			return
		}
		n.logger.Infow("data channel open", "peer", peer)
		go n.DispatchEvent(context.Background(), domain.PeerEvent{
			Peer: peer, Kind: domain.EventChannelOpened, At: time.Now(),
		})
	})
	ch.OnClose(func() {
		go n.DispatchEvent(context.Background(), domain.PeerEvent{
			Peer: peer, Kind: domain.EventChannelClosed, At: time.Now(),
		})
	})
	ch.OnError(func(err error) {
		go n.DispatchEvent(context.Background(), domain.PeerEvent{
			Peer: peer, Kind: domain.EventChannelError, Err: err, At: time.Now(),
		})
	})
}

// flushCandidatesLocked applies queued candidates in arrival order.
// Runs at most once per remote description; the queue is emptied.
func (n *Negotiator) flushCandidatesLocked(s *peerSession) {
	for _, cand := range s.pending {
		if err := s.pc.AddICECandidate(cand); err != nil {
			n.logger.Warnw("queued candidate rejected", "peer", s.id, "error", err)
		}
	}
	s.pending = nil
}

// teardownLocked closes the connection and forgets the session, its
// candidate queue and health entry. Caller holds the peer lock.
func (n *Negotiator) teardownLocked(s *peerSession) {
	if s.conn != nil {
		_ = s.conn.Close()
	}
	_ = s.pc.Close()

	n.mu.Lock()
	if n.sessions[s.id] == s {
		delete(n.sessions, s.id)
	}
	n.mu.Unlock()

	n.health.Remove(s.id)
	s.pending = nil
	s.localOffer = false
}

// send enqueues an addressed signal for mailbox delivery.
func (n *Negotiator) send(to domain.PeerID, typ domain.SignalType, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		n.logger.Errorw("marshal signal payload", "type", typ, "error", err)
		return
	}
	now := time.Now()
	n.sender.Send(&domain.Signal{
		ID:        utils.GenerateSignalID(),
		RoomID:    n.cfg.Room,
		FromPeer:  n.cfg.Self,
		ToPeer:    to,
		Type:      typ,
		Payload:   raw,
		CreatedAt: now,
		ExpiresAt: now.Add(n.cfg.SignalTTL),
	})
}

// Announce broadcasts our presence into the room.
func (n *Negotiator) Announce() {
	raw, _ := json.Marshal(domain.AnnouncePayload{PeerID: n.cfg.Self})
	now := time.Now()
	n.sender.Send(&domain.Signal{
		ID:        utils.GenerateSignalID(),
		RoomID:    n.cfg.Room,
		FromPeer:  n.cfg.Self,
		Type:      domain.SignalAnnounce,
		Payload:   raw,
		CreatedAt: now,
		ExpiresAt: now.Add(n.cfg.SignalTTL),
	})
}

// Bye broadcasts our departure.
func (n *Negotiator) Bye() {
	raw, _ := json.Marshal(domain.ByePayload{PeerID: n.cfg.Self})
	now := time.Now()
	n.sender.Send(&domain.Signal{
		ID:        utils.GenerateSignalID(),
		RoomID:    n.cfg.Room,
		FromPeer:  n.cfg.Self,
		Type:      domain.SignalBye,
		Payload:   raw,
		CreatedAt: now,
		ExpiresAt: now.Add(n.cfg.SignalTTL),
	})
}
