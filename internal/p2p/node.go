// Package p2p runs the libp2p host: LAN discovery, the GossipSub overlay the
// message bus rides on, and the blob fetch protocol.
package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/petervdpas/goopchat/internal/bus"
	"github.com/petervdpas/goopchat/internal/proto"
	"github.com/petervdpas/goopchat/internal/util"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

var log = logging.Logger("p2p")

func init() {
	// Dial failures and backoff errors are noise at the default level.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
	logging.SetLogLevel("pubsub", "warn")
}

type Options struct {
	Key        crypto.PrivKey
	ListenPort int
	// MdnsTag enables LAN discovery when non-empty.
	MdnsTag   string
	Bootstrap []string
	// Loopback listens on 127.0.0.1 only.
	Loopback bool
}

type Node struct {
	Host host.Host
	ps   *pubsub.PubSub
	mdns mdns.Service

	topicsMu sync.Mutex
	topics   map[string]*pubsub.Topic

	// Set by EnableBlobs in blobs.go
	blobs BlobSource

	startTime time.Time
}

var _ bus.Transport = (*Node)(nil)

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err == nil {
		log.Debugf("mdns: connected to %s", util.ShortID(pi.ID.String()))
	}
}

func New(ctx context.Context, opts Options) (*Node, error) {
	ip := "0.0.0.0"
	if opts.Loopback {
		ip = "127.0.0.1"
	}
	h, err := libp2p.New(
		libp2p.Identity(opts.Key),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/%s/tcp/%d", ip, opts.ListenPort)),
	)
	if err != nil {
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	n := &Node{
		Host:      h,
		ps:        ps,
		topics:    make(map[string]*pubsub.Topic),
		startTime: time.Now(),
	}

	if opts.MdnsTag != "" {
		n.mdns = mdns.NewMdnsService(h, opts.MdnsTag, &mdnsNotifee{h: h})
		if err := n.mdns.Start(); err != nil {
			_ = h.Close()
			return nil, err
		}
	}

	h.SetStreamHandler(protocol.ID(proto.DiagProtoID), func(s network.Stream) {
		defer s.Close()
		_ = json.NewEncoder(s).Encode(n.Snapshot())
	})

	for _, addr := range opts.Bootstrap {
		if err := n.Connect(ctx, addr); err != nil {
			log.Warnf("bootstrap %s: %v", addr, err)
		}
	}

	log.Infof("p2p node %s listening on %v", util.ShortID(n.SelfID()), n.Addrs())
	return n, nil
}

// SelfID is the local peer id, which is also the bus sender id.
func (n *Node) SelfID() string {
	return n.Host.ID().String()
}

// Connect dials a full /ip4/.../p2p/<id> address.
func (n *Node) Connect(ctx context.Context, addr string) error {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("parse %q: %w", addr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("peer info from %q: %w", addr, err)
	}
	ctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
	defer cancel()
	return n.Host.Connect(ctx, *info)
}

// Addrs returns dialable addresses with the /p2p/<id> suffix, skipping
// link-local ones.
func (n *Node) Addrs() []string {
	self, err := ma.NewMultiaddr("/p2p/" + n.SelfID())
	if err != nil {
		return nil
	}
	var out []string
	for _, a := range n.Host.Addrs() {
		if ip, err := manet.ToIP(a); err == nil && (ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()) {
			continue
		}
		out = append(out, a.Encapsulate(self).String())
	}
	sort.Strings(out)
	return out
}

// Peers returns connected peer ids.
func (n *Node) Peers() []string {
	var out []string
	for _, pid := range n.Host.Network().Peers() {
		out = append(out, pid.String())
	}
	sort.Strings(out)
	return out
}

// Subscribe implements bus.Transport. Messages are delivered from one
// goroutine per topic until ctx ends.
func (n *Node) Subscribe(ctx context.Context, topic string, deliver func(bus.Delivery)) error {
	t, err := n.join(topic)
	if err != nil {
		return err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	go func() {
		defer sub.Cancel()
		for {
			m, err := sub.Next(ctx)
			if err != nil {
				return
			}
			deliver(bus.Delivery{
				From:  m.GetFrom().String(),
				Seqno: m.GetSeqno(),
				Data:  m.Data,
			})
		}
	}()
	return nil
}

// Publish implements bus.Transport.
func (n *Node) Publish(ctx context.Context, topic string, data []byte) error {
	t, err := n.join(topic)
	if err != nil {
		return err
	}
	return t.Publish(ctx, data)
}

func (n *Node) join(topic string) (*pubsub.Topic, error) {
	n.topicsMu.Lock()
	defer n.topicsMu.Unlock()
	if n.topics == nil {
		return nil, fmt.Errorf("join topic %s: node closed", topic)
	}
	if t, ok := n.topics[topic]; ok {
		return t, nil
	}
	t, err := n.ps.Join(topic)
	if err != nil {
		return nil, fmt.Errorf("join topic %s: %w", topic, err)
	}
	n.topics[topic] = t
	return t, nil
}

// TopicPeers returns the peers known to be subscribed to topic.
func (n *Node) TopicPeers(topic string) []string {
	var out []string
	for _, pid := range n.ps.ListPeers(topic) {
		out = append(out, pid.String())
	}
	sort.Strings(out)
	return out
}

// Snapshot is a diagnostic report served on the diag protocol.
func (n *Node) Snapshot() map[string]any {
	hostname, _ := os.Hostname()
	n.topicsMu.Lock()
	topics := make([]string, 0, len(n.topics))
	for t := range n.topics {
		topics = append(topics, t)
	}
	n.topicsMu.Unlock()
	sort.Strings(topics)

	return map[string]any{
		"peer_id":         n.SelfID(),
		"addrs":           n.Addrs(),
		"connected_peers": n.Peers(),
		"topics":          topics,
		"uptime":          time.Since(n.startTime).Truncate(time.Second).String(),
		"hostname":        hostname,
		"os":              runtime.GOOS,
		"go_version":      runtime.Version(),
		"num_goroutine":   runtime.NumGoroutine(),
	}
}

// Diagnose asks peerID for its Snapshot.
func (n *Node) Diagnose(ctx context.Context, peerID string) (map[string]any, error) {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return nil, err
	}
	s, err := n.Host.NewStream(ctx, pid, protocol.ID(proto.DiagProtoID))
	if err != nil {
		return nil, fmt.Errorf("diag %s: %w", util.ShortID(peerID), err)
	}
	defer s.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetReadDeadline(deadline)
	}
	var snap map[string]any
	if err := json.NewDecoder(s).Decode(&snap); err != nil {
		return nil, fmt.Errorf("diag %s: %w", util.ShortID(peerID), err)
	}
	return snap, nil
}

func (n *Node) Close() error {
	if n.mdns != nil {
		_ = n.mdns.Close()
	}
	n.topicsMu.Lock()
	for _, t := range n.topics {
		_ = t.Close()
	}
	n.topics = nil
	n.topicsMu.Unlock()
	return n.Host.Close()
}
