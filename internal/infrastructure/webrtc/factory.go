// Package webrtc adapts pion peer connections to the transport ports used
// by the negotiation core. ICE is STUN-only: when direct connectivity
// cannot be established the mesh simply degrades to CDN-only.
package webrtc

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v3"

	"swarmcast/internal/core/domain"
	"swarmcast/internal/core/ports"
)

// Factory creates pion peer connections bound to the configured STUN
// servers.
type Factory struct {
	config webrtc.Configuration
}

// NewFactory builds a factory from STUN server URLs.
func NewFactory(stunServers []string) *Factory {
	var servers []webrtc.ICEServer
	if len(stunServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stunServers})
	}
	return &Factory{config: webrtc.Configuration{ICEServers: servers}}
}

func (f *Factory) NewPeerConnection() (ports.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return &peerConn{pc: pc}, nil
}

type peerConn struct {
	pc *webrtc.PeerConnection
}

func (p *peerConn) CreateDataChannel(label string) (ports.DataChannel, error) {
	dc, err := p.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}
	return &dataChannel{dc: dc}, nil
}

func (p *peerConn) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return fromPion(offer), nil
}

func (p *peerConn) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return fromPion(answer), nil
}

func (p *peerConn) SetRemoteDescription(desc domain.SessionDescription) error {
	return p.pc.SetRemoteDescription(toPion(desc))
}

func (p *peerConn) AddICECandidate(cand domain.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	})
}

func (p *peerConn) OnICECandidate(fn func(cand domain.ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end of gathering
		}
		init := c.ToJSON()
		fn(domain.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (p *peerConn) OnDataChannel(fn func(ch ports.DataChannel)) {
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(&dataChannel{dc: dc})
	})
}

func (p *peerConn) OnConnectionStateChange(fn func(state domain.ConnState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(connState(s))
	})
}

func (p *peerConn) Close() error { return p.pc.Close() }

func connState(s webrtc.PeerConnectionState) domain.ConnState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return domain.ConnStateNew
	case webrtc.PeerConnectionStateConnecting:
		return domain.ConnStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.ConnStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.ConnStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.ConnStateFailed
	default:
		return domain.ConnStateClosed
	}
}

func fromPion(d webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func toPion(d domain.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

type dataChannel struct {
	dc *webrtc.DataChannel
}

func (d *dataChannel) Label() string { return d.dc.Label() }

func (d *dataChannel) Send(data []byte) error { return d.dc.Send(data) }

func (d *dataChannel) SendText(text string) error { return d.dc.SendText(text) }

func (d *dataChannel) OnMessage(fn func(msg ports.ChannelMessage)) {
	d.dc.OnMessage(func(m webrtc.DataChannelMessage) {
		fn(ports.ChannelMessage{Data: m.Data, IsString: m.IsString})
	})
}

func (d *dataChannel) OnOpen(fn func()) { d.dc.OnOpen(fn) }

func (d *dataChannel) OnClose(fn func()) { d.dc.OnClose(fn) }

func (d *dataChannel) OnError(fn func(err error)) { d.dc.OnError(fn) }

func (d *dataChannel) IsOpen() bool {
	return d.dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (d *dataChannel) Close() error { return d.dc.Close() }
