package negotiate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/petervdpas/goopchat/internal/proto"
	"github.com/petervdpas/goopchat/internal/relay"
	"github.com/petervdpas/goopchat/internal/util"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("negotiate")

const (
	DefaultTimeout = 30 * time.Second
	sendTimeout    = 10 * time.Second
)

// Options configures a Negotiator.
type Options struct {
	Room string
	// Timeout bounds Offering and AwaitingAnswer.
	Timeout time.Duration
}

// Negotiator drives one PeerSession. Every state transition runs on its
// serial loop; pion callbacks and relay events only enqueue work.
type Negotiator struct {
	peerID  string
	room    string
	sig     Signaler
	factory Factory
	timeout time.Duration

	loop   *serial
	notify *serial

	// Loop-owned.
	gen          int
	pc           PeerConnection
	remoteSet    bool
	remoteQueue  []webrtc.ICECandidateInit
	localQueue   []webrtc.ICECandidateInit
	timer        *time.Timer
	closeHandler func()

	mu      sync.RWMutex
	state   State
	role    Role
	channel DataChannel
	opened  chan struct{}

	obsMu     sync.RWMutex
	onState   []func(State)
	onError   []func(error)
	onMessage []func([]byte)

	closeOnce sync.Once
}

// New creates an Idle negotiator for peerID. The local relay id is read
// from sig when it is needed, so sig may join after New.
func New(sig Signaler, factory Factory, peerID string, opts Options) *Negotiator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Negotiator{
		peerID:  peerID,
		room:    opts.Room,
		sig:     sig,
		factory: factory,
		timeout: opts.Timeout,
		loop:    newSerial(),
		notify:  newSerial(),
		state:   Idle,
		opened:  make(chan struct{}),
	}
}

// PeerID returns the remote peer id.
func (n *Negotiator) PeerID() string { return n.peerID }

// Room returns the relay room the session was negotiated in.
func (n *Negotiator) Room() string { return n.room }

// State returns the current state.
func (n *Negotiator) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Role returns which side of the last exchange this peer took.
func (n *Negotiator) Role() Role {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.role
}

// OnStateChange registers fn for state transitions. Observers run in order
// on a dedicated goroutine, never on the negotiation loop.
func (n *Negotiator) OnStateChange(fn func(State)) {
	n.obsMu.Lock()
	n.onState = append(n.onState, fn)
	n.obsMu.Unlock()
}

// OnError registers fn for negotiation and channel failures.
func (n *Negotiator) OnError(fn func(error)) {
	n.obsMu.Lock()
	n.onError = append(n.onError, fn)
	n.obsMu.Unlock()
}

// OnMessage registers fn for data channel messages.
func (n *Negotiator) OnMessage(fn func([]byte)) {
	n.obsMu.Lock()
	n.onMessage = append(n.onMessage, fn)
	n.obsMu.Unlock()
}

// StartCall begins the caller path: Idle or Disconnected → Offering.
func (n *Negotiator) StartCall(ctx context.Context) error {
	return n.call(ctx, func() error {
		switch st := n.State(); st {
		case Idle, Disconnected:
		default:
			return fmt.Errorf("%w: start call while %s", ErrBusy, st)
		}

		n.remoteQueue = nil
		if err := n.newPeer(RoleCaller); err != nil {
			return n.fail(err)
		}
		if err := n.pc.OpenChannel(proto.ChatChannelLabel); err != nil {
			return n.fail(fmt.Errorf("open data channel: %w", err))
		}
		offer, err := n.pc.CreateOffer()
		if err != nil {
			return n.fail(fmt.Errorf("create offer: %w", err))
		}
		if err := n.pc.SetLocalDescription(offer); err != nil {
			return n.fail(fmt.Errorf("set local offer: %w", err))
		}

		n.setState(Offering)
		n.armTimer()
		if err := n.send(relay.KindOffer, offer); err != nil {
			return n.fail(fmt.Errorf("send offer: %w", err))
		}
		log.Infof("offer sent to %s", util.ShortID(n.peerID))
		return nil
	})
}

// HandleSignal feeds one relayed message from the remote peer.
func (n *Negotiator) HandleSignal(kind relay.Kind, payload json.RawMessage) {
	switch kind {
	case relay.KindOffer, relay.KindAnswer:
		var sd webrtc.SessionDescription
		if err := json.Unmarshal(payload, &sd); err != nil {
			log.Warnf("bad %s from %s: %v", kind, util.ShortID(n.peerID), err)
			return
		}
		if kind == relay.KindOffer {
			n.loop.push(func() { n.handleOffer(sd) })
		} else {
			n.loop.push(func() { n.handleAnswer(sd) })
		}
	case relay.KindICECandidate:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(payload, &c); err != nil {
			log.Warnf("bad candidate from %s: %v", util.ShortID(n.peerID), err)
			return
		}
		n.loop.push(func() { n.handleRemoteCandidate(c) })
	}
}

// Send writes one message on the open data channel.
func (n *Negotiator) Send(b []byte) error {
	n.mu.RLock()
	ch, st := n.channel, n.state
	n.mu.RUnlock()
	if ch == nil || st != Connected {
		return ErrChannelNotOpen
	}
	return ch.Send(b)
}

// WaitOpen blocks until the data channel of the current attempt is open.
func (n *Negotiator) WaitOpen(ctx context.Context) error {
	n.mu.RLock()
	opened := n.opened
	n.mu.RUnlock()
	select {
	case <-opened:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears the session down: any state → Closed. Idempotent.
func (n *Negotiator) Close() {
	n.closeOnce.Do(func() {
		done := make(chan struct{})
		if !n.loop.push(func() {
			n.stopTimer()
			n.closePeer()
			n.setState(Closed)
			if n.closeHandler != nil {
				n.closeHandler()
			}
			close(done)
		}) {
			return
		}
		n.loop.stop()
		<-done
		n.notify.stop()
		log.Debugf("session with %s closed", util.ShortID(n.peerID))
	})
}

// onClosed is set by the Manager before the negotiator is shared.
func (n *Negotiator) onClosed(fn func()) { n.closeHandler = fn }

func (n *Negotiator) call(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	if !n.loop.push(func() { res <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Everything below runs on n.loop.

func (n *Negotiator) handleOffer(offer webrtc.SessionDescription) {
	switch st := n.State(); st {
	case Closed:
		return
	case AwaitingAnswer:
		log.Debugf("ignoring offer from %s: exchange in progress", util.ShortID(n.peerID))
		return
	case Offering:
		// Glare: the lexicographically smaller peer id is the caller.
		if n.sig.ID() < n.peerID {
			log.Debugf("glare with %s: keeping our offer", util.ShortID(n.peerID))
			return
		}
		log.Infof("glare with %s: yielding to remote offer", util.ShortID(n.peerID))
	case Connected:
		log.Infof("%s restarted the session", util.ShortID(n.peerID))
	}

	if err := n.newPeer(RoleCallee); err != nil {
		n.fail(err)
		return
	}
	if err := n.pc.SetRemoteDescription(offer); err != nil {
		n.fail(fmt.Errorf("set remote offer: %w", err))
		return
	}
	n.remoteSet = true
	n.flushRemoteCandidates()

	answer, err := n.pc.CreateAnswer()
	if err != nil {
		n.fail(fmt.Errorf("create answer: %w", err))
		return
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		n.fail(fmt.Errorf("set local answer: %w", err))
		return
	}

	n.setState(AwaitingAnswer)
	n.armTimer()
	if err := n.send(relay.KindAnswer, answer); err != nil {
		n.fail(fmt.Errorf("send answer: %w", err))
		return
	}
	n.flushLocalCandidates()
	log.Infof("answered offer from %s", util.ShortID(n.peerID))
}

func (n *Negotiator) handleAnswer(answer webrtc.SessionDescription) {
	if st := n.State(); st != Offering {
		log.Debugf("ignoring answer from %s while %s", util.ShortID(n.peerID), st)
		return
	}
	if err := n.pc.SetRemoteDescription(answer); err != nil {
		n.fail(fmt.Errorf("set remote answer: %w", err))
		return
	}
	n.remoteSet = true
	n.flushRemoteCandidates()
	n.flushLocalCandidates()
	n.stopTimer()
	n.setState(Connected)
	log.Infof("connected to %s", util.ShortID(n.peerID))
}

// handleRemoteCandidate queues candidates until a remote description exists
// and then applies them in arrival order.
func (n *Negotiator) handleRemoteCandidate(c webrtc.ICECandidateInit) {
	if n.State() == Closed {
		return
	}
	if n.pc == nil || !n.remoteSet {
		n.remoteQueue = append(n.remoteQueue, c)
		return
	}
	if err := n.pc.AddICECandidate(c); err != nil {
		log.Debugf("add candidate from %s: %v", util.ShortID(n.peerID), err)
	}
}

func (n *Negotiator) flushRemoteCandidates() {
	queued := n.remoteQueue
	n.remoteQueue = nil
	for _, c := range queued {
		if err := n.pc.AddICECandidate(c); err != nil {
			log.Debugf("add queued candidate from %s: %v", util.ShortID(n.peerID), err)
		}
	}
}

func (n *Negotiator) handleLocalCandidate(gen int, c webrtc.ICECandidateInit) {
	if gen != n.gen || n.pc == nil {
		return
	}
	if !n.remoteSet {
		n.localQueue = append(n.localQueue, c)
		return
	}
	if err := n.send(relay.KindICECandidate, c); err != nil {
		log.Debugf("send candidate to %s: %v", util.ShortID(n.peerID), err)
	}
}

func (n *Negotiator) flushLocalCandidates() {
	queued := n.localQueue
	n.localQueue = nil
	for _, c := range queued {
		if err := n.send(relay.KindICECandidate, c); err != nil {
			log.Debugf("send candidate to %s: %v", util.ShortID(n.peerID), err)
		}
	}
}

func (n *Negotiator) handleConnState(gen int, s webrtc.PeerConnectionState) {
	if gen != n.gen {
		return
	}
	log.Debugf("peer connection with %s: %s", util.ShortID(n.peerID), s)
	switch s {
	case webrtc.PeerConnectionStateConnected:
		if n.State() == AwaitingAnswer {
			n.stopTimer()
			n.setState(Connected)
			log.Infof("connected to %s", util.ShortID(n.peerID))
		}
	case webrtc.PeerConnectionStateFailed:
		if st := n.State(); st != Closed && st != Disconnected {
			n.fail(fmt.Errorf("%w: ice failed", ErrNegotiationFailed))
		}
	}
}

func (n *Negotiator) handleChannelOpen(gen int, ch DataChannel) {
	if gen != n.gen {
		_ = ch.Close()
		return
	}
	ch.OnMessage(func(b []byte) { n.emitMessage(b) })
	ch.OnClose(func() { n.loop.push(func() { n.handleChannelClose(gen) }) })

	n.mu.Lock()
	n.channel = ch
	opened := n.opened
	n.mu.Unlock()
	close(opened)

	if n.State() == AwaitingAnswer {
		n.stopTimer()
		n.setState(Connected)
		log.Infof("connected to %s", util.ShortID(n.peerID))
	}
}

func (n *Negotiator) handleChannelClose(gen int) {
	if gen != n.gen {
		return
	}
	switch n.State() {
	case Offering, AwaitingAnswer, Connected:
		n.fail(fmt.Errorf("%w: data channel closed", ErrNegotiationFailed))
	}
}

// newPeer replaces any existing peer connection with a fresh one.
func (n *Negotiator) newPeer(role Role) error {
	n.closePeer()
	n.stopTimer()

	pc, err := n.factory.NewPeerConnection()
	if err != nil {
		return fmt.Errorf("%w: new peer connection: %w", ErrNegotiationFailed, err)
	}
	n.gen++
	gen := n.gen
	n.pc = pc
	n.remoteSet = false
	n.localQueue = nil

	n.mu.Lock()
	n.role = role
	select {
	case <-n.opened:
		n.opened = make(chan struct{})
	default:
	}
	n.mu.Unlock()

	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		n.loop.push(func() { n.handleLocalCandidate(gen, c) })
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		n.loop.push(func() { n.handleConnState(gen, s) })
	})
	pc.OnChannel(func(ch DataChannel) {
		n.loop.push(func() { n.handleChannelOpen(gen, ch) })
	})
	return nil
}

func (n *Negotiator) closePeer() {
	n.mu.Lock()
	ch := n.channel
	n.channel = nil
	n.mu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}
	if n.pc != nil {
		_ = n.pc.Close()
		n.pc = nil
	}
	n.gen++
	n.remoteSet = false
	n.localQueue = nil
}

// fail moves to Disconnected and reports err. Returns err for call sites.
func (n *Negotiator) fail(err error) error {
	n.stopTimer()
	n.closePeer()
	n.setState(Disconnected)
	log.Warnf("session with %s: %v", util.ShortID(n.peerID), err)
	n.emitError(err)
	return err
}

func (n *Negotiator) armTimer() {
	n.stopTimer()
	gen := n.gen
	n.timer = time.AfterFunc(n.timeout, func() {
		n.loop.push(func() {
			if gen != n.gen {
				return
			}
			if st := n.State(); st == Offering || st == AwaitingAnswer {
				n.fail(fmt.Errorf("%w after %s while %s", ErrNegotiationTimedOut, n.timeout, st))
			}
		})
	})
}

func (n *Negotiator) stopTimer() {
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
}

func (n *Negotiator) send(kind relay.Kind, payload any) error {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return n.sig.Send(ctx, kind, n.peerID, payload)
}

func (n *Negotiator) setState(s State) {
	n.mu.Lock()
	prev := n.state
	n.state = s
	n.mu.Unlock()
	if prev == s {
		return
	}
	log.Debugf("%s: %s → %s", util.ShortID(n.peerID), prev, s)

	n.obsMu.RLock()
	fns := append(([]func(State))(nil), n.onState...)
	n.obsMu.RUnlock()
	n.notify.push(func() {
		for _, fn := range fns {
			fn(s)
		}
	})
}

func (n *Negotiator) emitError(err error) {
	n.obsMu.RLock()
	fns := append(([]func(error))(nil), n.onError...)
	n.obsMu.RUnlock()
	n.notify.push(func() {
		for _, fn := range fns {
			fn(err)
		}
	})
}

func (n *Negotiator) emitMessage(b []byte) {
	n.obsMu.RLock()
	fns := append(([]func([]byte))(nil), n.onMessage...)
	n.obsMu.RUnlock()
	for _, fn := range fns {
		fn(b)
	}
}
