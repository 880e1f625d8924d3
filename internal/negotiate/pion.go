package negotiate

import (
	"strings"
	"sync"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// PionOptions configures the pion factory.
type PionOptions struct {
	ICEServers []string

	// Loopback gathers 127.0.0.1 candidates; used for same-host peers and tests.
	Loopback bool
}

// PionFactory builds pion peer connections. ICE servers can be swapped at
// runtime; existing connections keep the servers they were built with.
type PionFactory struct {
	api *webrtc.API

	mu      sync.RWMutex
	servers []webrtc.ICEServer
}

func NewPionFactory(opts PionOptions) (*PionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	settings := webrtc.SettingEngine{}
	settings.SetICETimeouts(5*time.Second, 15*time.Second, 2*time.Second)
	settings.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	if opts.Loopback {
		settings.SetIncludeLoopbackCandidate(true)
	}

	f := &PionFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(settings),
		),
	}
	f.SetICEServers(opts.ICEServers)
	return f, nil
}

// SetICEServers replaces the STUN/TURN urls used for new connections.
func (f *PionFactory) SetICEServers(urls []string) {
	var servers []webrtc.ICEServer
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
		}
	}
	f.mu.Lock()
	f.servers = servers
	f.mu.Unlock()
}

func (f *PionFactory) NewPeerConnection() (PeerConnection, error) {
	f.mu.RLock()
	cfg := webrtc.Configuration{ICEServers: append([]webrtc.ICEServer(nil), f.servers...)}
	f.mu.RUnlock()

	pc, err := f.api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	p := &pionConn{pc: pc}
	pc.OnDataChannel(p.watch)
	return p, nil
}

type pionConn struct {
	pc *webrtc.PeerConnection

	mu        sync.Mutex
	onChannel func(DataChannel)
}

func (p *pionConn) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionConn) SetLocalDescription(d webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(d)
}

func (p *pionConn) SetRemoteDescription(d webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(d)
}

func (p *pionConn) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionConn) OpenChannel(label string) error {
	dc, err := p.pc.CreateDataChannel(label, nil)
	if err != nil {
		return err
	}
	p.watch(dc)
	return nil
}

func (p *pionConn) watch(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		p.mu.Lock()
		fn := p.onChannel
		p.mu.Unlock()
		if fn != nil {
			fn(&pionChannel{dc: dc})
		}
	})
}

func (p *pionConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c != nil {
			fn(c.ToJSON())
		}
	})
}

func (p *pionConn) OnChannel(fn func(DataChannel)) {
	p.mu.Lock()
	p.onChannel = fn
	p.mu.Unlock()
}

func (p *pionConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionConn) Close() error {
	return p.pc.Close()
}

type pionChannel struct {
	dc *webrtc.DataChannel
}

func (c *pionChannel) Label() string { return c.dc.Label() }

func (c *pionChannel) Send(b []byte) error { return c.dc.Send(b) }

func (c *pionChannel) OnMessage(fn func([]byte)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) { fn(msg.Data) })
}

func (c *pionChannel) OnClose(fn func()) { c.dc.OnClose(fn) }

func (c *pionChannel) Close() error { return c.dc.Close() }
