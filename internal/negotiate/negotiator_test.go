package negotiate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/goopchat/internal/relay"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ── fakes ──

type sentSignal struct {
	kind    relay.Kind
	to      string
	payload any
}

type fakeSignaler struct {
	id   string
	sent chan sentSignal
}

func newFakeSignaler(id string) *fakeSignaler {
	return &fakeSignaler{id: id, sent: make(chan sentSignal, 64)}
}

func (s *fakeSignaler) ID() string { return s.id }

func (s *fakeSignaler) Send(_ context.Context, kind relay.Kind, to string, payload any) error {
	s.sent <- sentSignal{kind: kind, to: to, payload: payload}
	return nil
}

func (s *fakeSignaler) OnEvent(func(relay.Event)) func() { return func() {} }

func (s *fakeSignaler) next(t *testing.T) sentSignal {
	t.Helper()
	select {
	case m := <-s.sent:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("nothing sent")
		return sentSignal{}
	}
}

func (s *fakeSignaler) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case m := <-s.sent:
		t.Fatalf("unexpected %s sent", m.kind)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakePC struct {
	mu      sync.Mutex
	remote  *webrtc.SessionDescription
	added   []webrtc.ICECandidateInit
	label   string
	closed  bool
	onCand  func(webrtc.ICECandidateInit)
	onChan  func(DataChannel)
	onState func(webrtc.PeerConnectionState)
}

func (p *fakePC) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (p *fakePC) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (p *fakePC) SetLocalDescription(webrtc.SessionDescription) error { return nil }

func (p *fakePC) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = &d
	return nil
}

func (p *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("no remote description")
	}
	p.added = append(p.added, c)
	return nil
}

func (p *fakePC) OpenChannel(label string) error {
	p.mu.Lock()
	p.label = label
	p.mu.Unlock()
	return nil
}

func (p *fakePC) OnICECandidate(fn func(webrtc.ICECandidateInit)) { p.onCand = fn }
func (p *fakePC) OnChannel(fn func(DataChannel))                  { p.onChan = fn }
func (p *fakePC) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.onState = fn
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePC) candidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.added))
	for _, c := range p.added {
		out = append(out, c.Candidate)
	}
	return out
}

func (p *fakePC) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeChannel struct {
	mu      sync.Mutex
	sent    [][]byte
	onMsg   func([]byte)
	onClose func()
}

func (c *fakeChannel) Label() string { return "chat" }

func (c *fakeChannel) Send(b []byte) error {
	c.mu.Lock()
	c.sent = append(c.sent, b)
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMsg = fn
	c.mu.Unlock()
}

func (c *fakeChannel) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

func (c *fakeChannel) Close() error { return nil }

func (c *fakeChannel) deliver(b []byte) {
	c.mu.Lock()
	fn := c.onMsg
	c.mu.Unlock()
	fn(b)
}

type fakeFactory struct {
	mu  sync.Mutex
	pcs []*fakePC
}

func (f *fakeFactory) NewPeerConnection() (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc := &fakePC{}
	f.pcs = append(f.pcs, pc)
	return pc, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pcs)
}

func (f *fakeFactory) last() *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pcs[len(f.pcs)-1]
}

// ── helpers ──

func newTestNegotiator(t *testing.T, self, peer string, timeout time.Duration) (*Negotiator, *fakeSignaler, *fakeFactory) {
	t.Helper()
	sig := newFakeSignaler(self)
	f := &fakeFactory{}
	n := New(sig, f, peer, Options{Timeout: timeout})
	t.Cleanup(n.Close)
	return n, sig, f
}

func waitState(t *testing.T, n *Negotiator, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return n.State() == want },
		2*time.Second, 5*time.Millisecond, "want state %s, have %s", want, n.State())
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func cand(s string) webrtc.ICECandidateInit { return webrtc.ICECandidateInit{Candidate: s} }

// settle runs an empty func on the loop and waits, so everything queued
// before it has been handled.
func settle(t *testing.T, n *Negotiator) {
	t.Helper()
	require.NoError(t, n.call(context.Background(), func() error { return nil }))
}

// ── tests ──

func TestCallerPath(t *testing.T) {
	n, sig, f := newTestNegotiator(t, "alice", "bob", time.Minute)
	ctx := context.Background()

	require.NoError(t, n.StartCall(ctx))
	assert.Equal(t, Offering, n.State())
	assert.Equal(t, RoleCaller, n.Role())

	offer := sig.next(t)
	assert.Equal(t, relay.KindOffer, offer.kind)
	assert.Equal(t, "bob", offer.to)

	pc := f.last()
	assert.Equal(t, "chat", pc.label)

	// Local candidates wait for the remote description.
	pc.onCand(cand("local-1"))
	settle(t, n)
	sig.expectNothing(t)

	n.HandleSignal(relay.KindAnswer, raw(t, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}))
	waitState(t, n, Connected)

	flushed := sig.next(t)
	assert.Equal(t, relay.KindICECandidate, flushed.kind)
	assert.Equal(t, "local-1", flushed.payload.(webrtc.ICECandidateInit).Candidate)

	assert.ErrorIs(t, n.Send([]byte("early")), ErrChannelNotOpen)

	got := make(chan []byte, 1)
	n.OnMessage(func(b []byte) { got <- b })
	ch := &fakeChannel{}
	pc.onChan(ch)
	require.NoError(t, n.WaitOpen(ctx))

	require.NoError(t, n.Send([]byte("hi")))
	ch.deliver([]byte("hello"))
	assert.Equal(t, []byte("hello"), <-got)
}

func TestRemoteCandidatesQueuedUntilOffer(t *testing.T) {
	n, sig, f := newTestNegotiator(t, "bob", "alice", time.Minute)

	n.HandleSignal(relay.KindICECandidate, raw(t, cand("c1")))
	n.HandleSignal(relay.KindICECandidate, raw(t, cand("c2")))
	n.HandleSignal(relay.KindOffer, raw(t, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}))
	waitState(t, n, AwaitingAnswer)
	assert.Equal(t, RoleCallee, n.Role())

	answer := sig.next(t)
	assert.Equal(t, relay.KindAnswer, answer.kind)
	assert.Equal(t, "alice", answer.to)

	pc := f.last()
	n.HandleSignal(relay.KindICECandidate, raw(t, cand("c3")))
	settle(t, n)
	assert.Equal(t, []string{"c1", "c2", "c3"}, pc.candidates())

	pc.onState(webrtc.PeerConnectionStateConnected)
	waitState(t, n, Connected)
}

func TestGlareSmallerIDKeepsOffer(t *testing.T) {
	n, sig, f := newTestNegotiator(t, "alice", "bob", time.Minute)

	require.NoError(t, n.StartCall(context.Background()))
	sig.next(t)

	n.HandleSignal(relay.KindOffer, raw(t, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote"}))
	settle(t, n)
	assert.Equal(t, Offering, n.State())
	assert.Equal(t, RoleCaller, n.Role())
	assert.Equal(t, 1, f.count())
	sig.expectNothing(t)
}

func TestGlareLargerIDYields(t *testing.T) {
	n, sig, f := newTestNegotiator(t, "bob", "alice", time.Minute)

	require.NoError(t, n.StartCall(context.Background()))
	sig.next(t)
	first := f.last()

	n.HandleSignal(relay.KindOffer, raw(t, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote"}))
	waitState(t, n, AwaitingAnswer)
	assert.Equal(t, RoleCallee, n.Role())
	assert.True(t, first.isClosed())
	assert.Equal(t, 2, f.count())
	assert.Equal(t, relay.KindAnswer, sig.next(t).kind)
}

func TestTimeoutDisconnects(t *testing.T) {
	n, _, _ := newTestNegotiator(t, "alice", "bob", 50*time.Millisecond)
	errs := make(chan error, 1)
	n.OnError(func(err error) { errs <- err })

	require.NoError(t, n.StartCall(context.Background()))
	waitState(t, n, Disconnected)
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrNegotiationTimedOut)
	case <-time.After(time.Second):
		t.Fatal("no timeout error")
	}
}

func TestFailureDisconnectsAndAllowsRetry(t *testing.T) {
	n, sig, f := newTestNegotiator(t, "bob", "alice", time.Minute)
	errs := make(chan error, 1)
	n.OnError(func(err error) { errs <- err })

	n.HandleSignal(relay.KindOffer, raw(t, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}))
	waitState(t, n, AwaitingAnswer)
	sig.next(t)

	pc := f.last()
	pc.onState(webrtc.PeerConnectionStateFailed)
	waitState(t, n, Disconnected)
	assert.ErrorIs(t, <-errs, ErrNegotiationFailed)
	assert.True(t, pc.isClosed())

	// A stale callback from the failed connection is ignored.
	pc.onState(webrtc.PeerConnectionStateConnected)
	settle(t, n)
	assert.Equal(t, Disconnected, n.State())

	require.NoError(t, n.StartCall(context.Background()))
	assert.Equal(t, Offering, n.State())
}

func TestAnswerIgnoredUnlessOffering(t *testing.T) {
	n, _, f := newTestNegotiator(t, "alice", "bob", time.Minute)

	n.HandleSignal(relay.KindAnswer, raw(t, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}))
	settle(t, n)
	assert.Equal(t, Idle, n.State())
	assert.Equal(t, 0, f.count())
}

func TestStartCallWhileBusy(t *testing.T) {
	n, _, _ := newTestNegotiator(t, "alice", "bob", time.Minute)
	require.NoError(t, n.StartCall(context.Background()))
	assert.ErrorIs(t, n.StartCall(context.Background()), ErrBusy)
}

func TestCloseIsIdempotent(t *testing.T) {
	n, _, f := newTestNegotiator(t, "alice", "bob", time.Minute)
	states := make(chan State, 8)
	n.OnStateChange(func(s State) { states <- s })

	require.NoError(t, n.StartCall(context.Background()))
	n.Close()
	n.Close()

	assert.Equal(t, Closed, n.State())
	assert.True(t, f.last().isClosed())
	assert.ErrorIs(t, n.StartCall(context.Background()), ErrClosed)
	assert.ErrorIs(t, n.Send([]byte("x")), ErrChannelNotOpen)

	assert.Equal(t, Offering, <-states)
	assert.Equal(t, Closed, <-states)
}
