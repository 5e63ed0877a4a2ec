package services

import (
	"context"
	"sync"
	"time"

	"swarmcast/internal/core/domain"
	"swarmcast/internal/core/ports"
)

// fakeFactory hands out scripted peer connections.
type fakeFactory struct {
	mu    sync.Mutex
	conns []*fakePC
}

func (f *fakeFactory) NewPeerConnection() (ports.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc := &fakePC{}
	f.conns = append(f.conns, pc)
	return pc, nil
}

func (f *fakeFactory) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeFactory) last() *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

type fakePC struct {
	mu         sync.Mutex
	offers     int
	answers    int
	remote     *domain.SessionDescription
	candidates []domain.ICECandidate
	channels   []*fakeDC
	closed     bool

	failRemote error // scripted SetRemoteDescription failure

	onCandidate func(domain.ICECandidate)
	onChannel   func(ports.DataChannel)
	onState     func(domain.ConnState)
}

func (p *fakePC) CreateDataChannel(label string) (ports.DataChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dc := &fakeDC{label: label}
	p.channels = append(p.channels, dc)
	return dc, nil
}

func (p *fakePC) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers++
	return domain.SessionDescription{Type: "offer", SDP: "local-offer"}, nil
}

func (p *fakePC) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers++
	return domain.SessionDescription{Type: "answer", SDP: "local-answer"}, nil
}

func (p *fakePC) SetRemoteDescription(desc domain.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failRemote != nil {
		return p.failRemote
	}
	p.remote = &desc
	return nil
}

func (p *fakePC) AddICECandidate(cand domain.ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, cand)
	return nil
}

func (p *fakePC) OnICECandidate(fn func(domain.ICECandidate)) { p.onCandidate = fn }

func (p *fakePC) OnDataChannel(fn func(ports.DataChannel)) { p.onChannel = fn }

func (p *fakePC) OnConnectionStateChange(fn func(domain.ConnState)) { p.onState = fn }

func (p *fakePC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePC) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePC) appliedCandidates() []domain.ICECandidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.ICECandidate, len(p.candidates))
	copy(out, p.candidates)
	return out
}

func (p *fakePC) remoteDesc() *domain.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *fakePC) offerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers
}

type fakeDC struct {
	mu      sync.Mutex
	label   string
	open    bool
	onOpen  func()
	onClose func()
	onError func(error)
	onMsg   func(ports.ChannelMessage)
}

func (d *fakeDC) Label() string { return d.label }

func (d *fakeDC) Send(data []byte) error { return nil }

func (d *fakeDC) SendText(text string) error { return nil }

func (d *fakeDC) OnMessage(fn func(ports.ChannelMessage)) { d.onMsg = fn }

func (d *fakeDC) OnOpen(fn func()) { d.onOpen = fn }

func (d *fakeDC) OnClose(fn func()) { d.onClose = fn }

func (d *fakeDC) OnError(fn func(error)) { d.onError = fn }

func (d *fakeDC) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

func (d *fakeDC) Close() error {
	d.mu.Lock()
	d.open = false
	d.mu.Unlock()
	return nil
}

func (d *fakeDC) fireOpen() {
	d.mu.Lock()
	d.open = true
	d.mu.Unlock()
	if d.onOpen != nil {
		d.onOpen()
	}
}

// fakeSender records outgoing signals.
type fakeSender struct {
	mu      sync.Mutex
	signals []*domain.Signal
}

func (s *fakeSender) Send(sig *domain.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, sig)
}

func (s *fakeSender) ofType(t domain.SignalType) []*domain.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Signal
	for _, sig := range s.signals {
		if sig.Type == t {
			out = append(out, sig)
		}
	}
	return out
}

// fakeChunkConn is a scripted remote peer for fetch tests.
type fakeChunkConn struct {
	mu        sync.Mutex
	available bool
	data      []byte
	queryErr  error
	fetchErr  error
	delay     time.Duration
	queries   int
	fetches   int
}

func (c *fakeChunkConn) QueryAvailability(ctx context.Context, url string) (bool, error) {
	c.mu.Lock()
	c.queries++
	c.mu.Unlock()
	if c.queryErr != nil {
		return false, c.queryErr
	}
	return c.available, nil
}

func (c *fakeChunkConn) FetchChunk(ctx context.Context, url string) ([]byte, error) {
	c.mu.Lock()
	c.fetches++
	c.mu.Unlock()
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.fetchErr != nil {
		return nil, c.fetchErr
	}
	return c.data, nil
}

func (c *fakeChunkConn) Close() error { return nil }

func (c *fakeChunkConn) queryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queries
}

// fakeConns maps peers to scripted conns.
type fakeConns struct {
	mu    sync.Mutex
	conns map[domain.PeerID]*fakeChunkConn
}

func (f *fakeConns) ConnFor(peer domain.PeerID) ports.ChunkConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conns[peer]
	if !ok {
		return nil
	}
	return c
}

func (f *fakeConns) totalQueries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.conns {
		n += c.queryCount()
	}
	return n
}

// fakeLoader is a scripted CDN path.
type fakeLoader struct {
	mu       sync.Mutex
	data     []byte
	err      error
	loads    int
	kbps     int
	retryVal uint64
}

func (l *fakeLoader) Load(ctx context.Context, url string, declared domain.ChunkType) ([]byte, error) {
	l.mu.Lock()
	l.loads++
	l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	return l.data, nil
}

func (l *fakeLoader) Retries() uint64             { return l.retryVal }
func (l *fakeLoader) EstimatedBandwidthKbps() int { return l.kbps }

func (l *fakeLoader) loadCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads
}

// fakeNewConn satisfies NewChunkConnFunc for negotiator tests.
func fakeNewConn(peer domain.PeerID, ch ports.DataChannel) ports.ChunkConn {
	return &fakeChunkConn{}
}
