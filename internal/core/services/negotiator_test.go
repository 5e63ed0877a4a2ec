package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"swarmcast/internal/core/domain"
)

func newTestNegotiator(t *testing.T, self domain.PeerID) (*Negotiator, *fakeFactory, *fakeSender, *HealthMonitor) {
	t.Helper()
	factory := &fakeFactory{}
	sender := &fakeSender{}
	health := NewHealthMonitor(DefaultHealthConfig(), zaptest.NewLogger(t).Sugar())
	neg := NewNegotiator(NegotiatorConfig{
		Room:      "room-1",
		Self:      self,
		SignalTTL: 45 * time.Second,
	}, factory, sender, health, fakeNewConn, zaptest.NewLogger(t).Sugar())
	return neg, factory, sender, health
}

func TestNegotiatorLowerIDInitiates(t *testing.T) {
	neg, factory, sender, _ := newTestNegotiator(t, "peer-a")
	ctx := context.Background()

	require.NoError(t, neg.HandleAnnounce(ctx, "peer-b"))

	assert.Equal(t, 1, factory.created())
	offers := sender.ofType(domain.SignalOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, domain.PeerID("peer-b"), offers[0].ToPeer)
	assert.Equal(t, domain.PeerID("peer-a"), offers[0].FromPeer)
	assert.Equal(t, 1, neg.SessionCount())
}

func TestNegotiatorHigherIDWaitsForOffer(t *testing.T) {
	neg, factory, sender, _ := newTestNegotiator(t, "peer-b")
	ctx := context.Background()

	require.NoError(t, neg.HandleAnnounce(ctx, "peer-a"))

	assert.Equal(t, 0, factory.created())
	assert.Empty(t, sender.ofType(domain.SignalOffer))
	assert.Equal(t, 0, neg.SessionCount())
}

func TestNegotiatorReannounceIdempotent(t *testing.T) {
	neg, factory, sender, _ := newTestNegotiator(t, "peer-a")
	ctx := context.Background()

	require.NoError(t, neg.HandleAnnounce(ctx, "peer-b"))
	require.NoError(t, neg.HandleAnnounce(ctx, "peer-b"))
	require.NoError(t, neg.HandleAnnounce(ctx, "peer-b"))

	assert.Equal(t, 1, factory.created())
	assert.Len(t, sender.ofType(domain.SignalOffer), 1)
	assert.Equal(t, 1, neg.SessionCount())
}

func TestNegotiatorAnswersRemoteOffer(t *testing.T) {
	neg, factory, sender, _ := newTestNegotiator(t, "peer-b")
	ctx := context.Background()

	offer := domain.SessionDescription{Type: "offer", SDP: "remote-offer"}
	require.NoError(t, neg.HandleOffer(ctx, "peer-a", offer))

	require.Equal(t, 1, factory.created())
	pc := factory.last()
	require.NotNil(t, pc.remoteDesc())
	assert.Equal(t, "remote-offer", pc.remoteDesc().SDP)

	answers := sender.ofType(domain.SignalAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, domain.PeerID("peer-a"), answers[0].ToPeer)
}

func TestNegotiatorGlareInitiatorIgnoresRemoteOffer(t *testing.T) {
	neg, factory, sender, _ := newTestNegotiator(t, "peer-a")
	ctx := context.Background()

	require.NoError(t, neg.HandleAnnounce(ctx, "peer-b"))
	pc := factory.last()

	// Crossed offer from the losing side arrives while ours is in flight.
	require.NoError(t, neg.HandleOffer(ctx, "peer-b", domain.SessionDescription{Type: "offer", SDP: "theirs"}))

	assert.Nil(t, pc.remoteDesc())
	assert.Empty(t, sender.ofType(domain.SignalAnswer))
	assert.Equal(t, 1, factory.created())
}

func TestNegotiatorGlareNonInitiatorRollsBack(t *testing.T) {
	neg, factory, sender, _ := newTestNegotiator(t, "peer-b")
	ctx := context.Background()

	// Put an offer of ours in flight toward the designated initiator.
	require.NoError(t, neg.HandleCandidate(ctx, "peer-a", domain.ICECandidate{Candidate: "warmup"}))
	first := factory.last()
	neg.session("peer-a").localOffer = true

	require.NoError(t, neg.HandleOffer(ctx, "peer-a", domain.SessionDescription{Type: "offer", SDP: "winning"}))

	// The losing attempt is discarded and a fresh session accepts theirs.
	assert.True(t, first.isClosed())
	require.Equal(t, 2, factory.created())
	second := factory.last()
	require.NotNil(t, second.remoteDesc())
	assert.Equal(t, "winning", second.remoteDesc().SDP)
	require.Len(t, sender.ofType(domain.SignalAnswer), 1)
}

func TestNegotiatorQueuesCandidatesUntilRemoteDescription(t *testing.T) {
	neg, factory, _, _ := newTestNegotiator(t, "peer-b")
	ctx := context.Background()

	cands := []domain.ICECandidate{
		{Candidate: "cand-1"},
		{Candidate: "cand-2"},
		{Candidate: "cand-3"},
	}
	for _, c := range cands {
		require.NoError(t, neg.HandleCandidate(ctx, "peer-a", c))
	}
	pc := factory.last()
	assert.Empty(t, pc.appliedCandidates(), "candidates must wait for the remote description")

	require.NoError(t, neg.HandleOffer(ctx, "peer-a", domain.SessionDescription{Type: "offer", SDP: "o"}))

	applied := pc.appliedCandidates()
	require.Len(t, applied, 3)
	for i, c := range cands {
		assert.Equal(t, c.Candidate, applied[i].Candidate)
	}

	// Later candidates apply directly, never re-queueing the flushed ones.
	require.NoError(t, neg.HandleCandidate(ctx, "peer-a", domain.ICECandidate{Candidate: "cand-4"}))
	applied = pc.appliedCandidates()
	require.Len(t, applied, 4)
	assert.Equal(t, "cand-4", applied[3].Candidate)
}

func TestNegotiatorAnswerWithoutOfferIgnored(t *testing.T) {
	neg, factory, _, _ := newTestNegotiator(t, "peer-a")
	ctx := context.Background()

	require.NoError(t, neg.HandleAnswer(ctx, "peer-b", domain.SessionDescription{Type: "answer", SDP: "stray"}))
	assert.Equal(t, 0, factory.created())
	assert.Equal(t, 0, neg.SessionCount())
}

func TestNegotiatorAnswerCompletesNegotiation(t *testing.T) {
	neg, factory, _, _ := newTestNegotiator(t, "peer-a")
	ctx := context.Background()

	require.NoError(t, neg.HandleAnnounce(ctx, "peer-b"))
	require.NoError(t, neg.HandleCandidate(ctx, "peer-b", domain.ICECandidate{Candidate: "early"}))

	pc := factory.last()
	require.NoError(t, neg.HandleAnswer(ctx, "peer-b", domain.SessionDescription{Type: "answer", SDP: "a"}))

	require.NotNil(t, pc.remoteDesc())
	assert.False(t, neg.session("peer-b").localOffer)
	require.Len(t, pc.appliedCandidates(), 1)
	assert.Equal(t, "early", pc.appliedCandidates()[0].Candidate)
}

func TestNegotiatorOfferRejectedByStateMachine(t *testing.T) {
	neg, factory, sender, _ := newTestNegotiator(t, "peer-b")
	ctx := context.Background()

	require.NoError(t, neg.HandleCandidate(ctx, "peer-a", domain.ICECandidate{Candidate: "c"}))
	factory.last().failRemote = assert.AnError

	require.NoError(t, neg.HandleOffer(ctx, "peer-a", domain.SessionDescription{Type: "offer", SDP: "o"}))

	// Rejection is not fatal; the session survives for a later retry.
	assert.Equal(t, 1, neg.SessionCount())
	assert.Empty(t, sender.ofType(domain.SignalAnswer))
}

func TestNegotiatorChannelOpenWiresConnAndHealth(t *testing.T) {
	neg, factory, _, health := newTestNegotiator(t, "peer-a")
	ctx := context.Background()

	require.NoError(t, neg.HandleAnnounce(ctx, "peer-b"))
	pc := factory.last()
	require.Len(t, pc.channels, 1)

	pc.channels[0].fireOpen()

	require.Eventually(t, func() bool {
		score, ok := health.Score("peer-b")
		return ok && score == 100
	}, time.Second, 5*time.Millisecond)
	assert.NotNil(t, neg.ConnFor("peer-b"))
}

func TestNegotiatorTerminalStateTearsDown(t *testing.T) {
	neg, factory, _, health := newTestNegotiator(t, "peer-a")
	ctx := context.Background()

	require.NoError(t, neg.HandleAnnounce(ctx, "peer-b"))
	pc := factory.last()
	pc.channels[0].fireOpen()
	require.Eventually(t, func() bool { return neg.ConnFor("peer-b") != nil }, time.Second, 5*time.Millisecond)

	neg.DispatchEvent(ctx, domain.PeerEvent{
		Peer: "peer-b", Kind: domain.EventStateChanged, State: domain.ConnStateFailed, At: time.Now(),
	})

	assert.Equal(t, 0, neg.SessionCount())
	assert.True(t, pc.isClosed())
	_, tracked := health.Score("peer-b")
	assert.False(t, tracked)
	assert.Nil(t, neg.ConnFor("peer-b"))
}

func TestNegotiatorEvictionFromEventHandlerDoesNotWedgePeer(t *testing.T) {
	factory := &fakeFactory{}
	sender := &fakeSender{}
	cfg := DefaultHealthConfig()
	cfg.ErrorPenalty = 100 // one channel error exhausts the peer
	health := NewHealthMonitor(cfg, zaptest.NewLogger(t).Sugar())
	neg := NewNegotiator(NegotiatorConfig{
		Room:      "room-1",
		Self:      "peer-a",
		SignalTTL: 45 * time.Second,
	}, factory, sender, health, fakeNewConn, zaptest.NewLogger(t).Sugar())

	// Wired the way the engine wires it: eviction tears the session down
	// on its own goroutine, since the callback can fire from an event
	// handler already holding the peer's lock.
	health.OnEvict(func(p domain.PeerID) {
		go neg.Drop(context.Background(), p)
	})

	ctx := context.Background()
	require.NoError(t, neg.HandleAnnounce(ctx, "peer-b"))
	factory.last().channels[0].fireOpen()
	require.Eventually(t, func() bool {
		score, ok := health.Score("peer-b")
		return ok && score == 100
	}, time.Second, 5*time.Millisecond)

	// The penalty evicts the peer while DispatchEvent holds its lock;
	// the dispatch must still return.
	done := make(chan struct{})
	go func() {
		neg.DispatchEvent(ctx, domain.PeerEvent{
			Peer: "peer-b", Kind: domain.EventChannelError, At: time.Now(),
		})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("DispatchEvent blocked on the eviction callback")
	}

	require.Eventually(t, func() bool { return neg.SessionCount() == 0 }, time.Second, 5*time.Millisecond)

	// The peer's lock must be free: a fresh announce renegotiates.
	announced := make(chan error, 1)
	go func() { announced <- neg.HandleAnnounce(ctx, "peer-b") }()
	select {
	case err := <-announced:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("peer lock still held after eviction teardown")
	}
	assert.Equal(t, 1, neg.SessionCount())
}

func TestNegotiatorDisconnectedIsNotTerminal(t *testing.T) {
	neg, _, _, _ := newTestNegotiator(t, "peer-a")
	ctx := context.Background()

	require.NoError(t, neg.HandleAnnounce(ctx, "peer-b"))
	neg.DispatchEvent(ctx, domain.PeerEvent{
		Peer: "peer-b", Kind: domain.EventStateChanged, State: domain.ConnStateDisconnected, At: time.Now(),
	})

	assert.Equal(t, 1, neg.SessionCount())
}

func TestNegotiatorByeTearsDown(t *testing.T) {
	neg, factory, _, _ := newTestNegotiator(t, "peer-a")
	ctx := context.Background()

	require.NoError(t, neg.HandleAnnounce(ctx, "peer-b"))
	require.NoError(t, neg.HandleBye(ctx, "peer-b"))

	assert.Equal(t, 0, neg.SessionCount())
	assert.True(t, factory.last().isClosed())
}

func TestNegotiatorHandleSignalIgnoresOwnAndUnknown(t *testing.T) {
	neg, factory, _, _ := newTestNegotiator(t, "peer-a")
	ctx := context.Background()

	require.NoError(t, neg.HandleSignal(ctx, &domain.Signal{Type: domain.SignalAnnounce, FromPeer: "peer-a"}))
	require.NoError(t, neg.HandleSignal(ctx, &domain.Signal{Type: "mystery", FromPeer: "peer-b"}))

	assert.Equal(t, 0, factory.created())
}

func TestNegotiatorAnnounceAndByeBroadcast(t *testing.T) {
	neg, _, sender, _ := newTestNegotiator(t, "peer-a")

	neg.Announce()
	neg.Bye()

	announces := sender.ofType(domain.SignalAnnounce)
	require.Len(t, announces, 1)
	assert.True(t, announces[0].Broadcast())
	assert.False(t, announces[0].Expired(time.Now()))

	byes := sender.ofType(domain.SignalBye)
	require.Len(t, byes, 1)
	assert.True(t, byes[0].Broadcast())
}

func TestNegotiatorCloseDropsAllSessions(t *testing.T) {
	neg, _, _, _ := newTestNegotiator(t, "peer-a")
	ctx := context.Background()

	require.NoError(t, neg.HandleAnnounce(ctx, "peer-b"))
	require.NoError(t, neg.HandleAnnounce(ctx, "peer-c"))
	require.Equal(t, 2, neg.SessionCount())

	neg.Close(ctx)
	assert.Equal(t, 0, neg.SessionCount())
}
