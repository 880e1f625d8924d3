// Package app wires a peer directory into a running goopchat peer.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/petervdpas/goopchat/internal/bus"
	"github.com/petervdpas/goopchat/internal/chat"
	"github.com/petervdpas/goopchat/internal/config"
	"github.com/petervdpas/goopchat/internal/identity"
	"github.com/petervdpas/goopchat/internal/ledger"
	"github.com/petervdpas/goopchat/internal/negotiate"
	"github.com/petervdpas/goopchat/internal/p2p"
	"github.com/petervdpas/goopchat/internal/relay"
	"github.com/petervdpas/goopchat/internal/util"
)

var log = logging.Logger("app")

// relayRetry is the pause before redialing a lost relay.
const relayRetry = 5 * time.Second

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
	// Console reads commands from stdin and prints chat to stdout.
	Console bool
}

// Runtime is a peer that is online.
type Runtime struct {
	*Peer
	Node    *p2p.Node
	Bus     *bus.Bus
	Direct  *chat.Direct
	Groups  *chat.Group
	Factory *negotiate.PionFactory

	mu    sync.RWMutex
	calls *negotiate.Manager
}

var ErrOffline = errors.New("not connected to a signaling relay")

// Run starts the peer in opt.PeerDir and blocks until ctx is cancelled.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	SetupLogging(cfg.Log.Level)
	logBanner(opt.PeerDir, opt.CfgPath)

	rt, err := Start(ctx, opt.PeerDir, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	if opt.CfgPath != "" {
		go func() {
			if err := config.Watch(ctx, opt.CfgPath, rt.Reconfigure); err != nil {
				log.Warnf("config watch: %v", err)
			}
		}()
	}

	if cfg.Relay.URL != "" {
		go rt.relayLoop(ctx, cfg.Relay.URL, cfg.Relay.Room)
	} else {
		log.Infof("no relay configured; direct chat disabled")
	}

	if opt.Console {
		go NewConsole(rt, os.Stdin, os.Stdout).Run(ctx)
	}

	<-ctx.Done()
	log.Infof("shutting down")
	return nil
}

// Start brings up the node, bus, ledger replication, blob sharing and
// group chat. Direct chat needs a relay and is started by Run.
func Start(ctx context.Context, peerDir string, cfg config.Config) (*Runtime, error) {
	id, created, err := identity.LoadOrCreate(util.ResolvePath(peerDir, cfg.Identity.KeyFile))
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	if created {
		log.Infof("generated new identity %s", id.Address())
	}

	node, err := p2p.New(ctx, p2p.Options{
		Key:        id.PrivKey(),
		ListenPort: cfg.P2P.ListenPort,
		MdnsTag:    cfg.P2P.MdnsTag,
		Bootstrap:  cfg.P2P.Bootstrap,
	})
	if err != nil {
		return nil, fmt.Errorf("p2p node: %w", err)
	}

	b := bus.New(node, bus.Options{
		TTL:           time.Duration(cfg.Bus.DedupTTLSec) * time.Second,
		SweepInterval: time.Duration(cfg.Bus.SweepIntervalSec) * time.Second,
	})
	go b.Run(ctx)

	peer, err := openWith(peerDir, cfg, id, b)
	if err != nil {
		b.Close()
		node.Close()
		return nil, err
	}

	peer.Blobs.SetFetcher(node)
	node.EnableBlobs(peer.Blobs)

	factory, err := negotiate.NewPionFactory(negotiate.PionOptions{ICEServers: cfg.Negotiation.ICEServers})
	if err != nil {
		peer.Close()
		b.Close()
		node.Close()
		return nil, err
	}

	rt := &Runtime{
		Peer:    peer,
		Node:    node,
		Bus:     b,
		Factory: factory,
		Direct: chat.NewDirect("", peer.DB, peer.Blobs, chat.DirectOptions{
			HistorySize: cfg.Chat.HistorySize,
			DisplayName: cfg.Chat.DisplayName,
			BlobOwner:   node.SelfID(),
		}),
		Groups: chat.NewGroup(b, peer.DB, peer.Blobs, chat.GroupOptions{
			HistorySize: cfg.Chat.HistorySize,
			DisplayName: cfg.Chat.DisplayName,
			Members:     peer.IsMember,
		}),
	}

	if err := peer.Ledger.Start(ctx); err != nil {
		rt.Close()
		return nil, fmt.Errorf("ledger: %w", err)
	}
	if err := rt.syncGroups(ctx); err != nil {
		log.Warnf("join group chats: %v", err)
	}
	go rt.followLedger(ctx)

	log.Infof("peer %s up, ledger mode %s", id.Address(), peer.Ledger.Mode())
	return rt, nil
}

// Reconfigure applies the settings that can change without a restart.
func (rt *Runtime) Reconfigure(cfg config.Config) {
	SetupLogging(cfg.Log.Level)
	rt.Factory.SetICEServers(cfg.Negotiation.ICEServers)
	rt.Direct.SetDisplayName(cfg.Chat.DisplayName)
	rt.Groups.SetDisplayName(cfg.Chat.DisplayName)
	log.Infof("applied config: %d ice servers, log level %s", len(cfg.Negotiation.ICEServers), cfg.Log.Level)
}

// syncGroups joins the chat of every group this peer belongs to and leaves
// the rest.
func (rt *Runtime) syncGroups(ctx context.Context) error {
	groups, err := rt.Ledger.GetAllGroups(ctx)
	if err != nil {
		return err
	}
	self := rt.Identity.Address()
	want := make(map[string]bool, len(groups))
	for _, g := range groups {
		if g.IsMember(self) {
			want[g.GroupID] = true
			if err := rt.Groups.Join(ctx, g.GroupID); err != nil {
				log.Warnf("join %s: %v", g.GroupID, err)
			}
		}
	}
	for _, id := range rt.Groups.Joined() {
		if !want[id] {
			rt.Groups.Leave(id)
		}
	}
	return nil
}

func (rt *Runtime) followLedger(ctx context.Context) {
	updates := rt.Ledger.Subscribe()
	defer rt.Ledger.Unsubscribe(updates)
	self := rt.Identity.Address()
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-updates:
			if !ok {
				return
			}
			rt.applyRecord(ctx, rec, self)
		}
	}
}

func (rt *Runtime) applyRecord(ctx context.Context, rec *ledger.Record, self string) {
	if rec.IsMember(self) {
		if err := rt.Groups.Join(ctx, rec.GroupID); err != nil {
			log.Warnf("join %s: %v", rec.GroupID, err)
		}
		return
	}
	rt.Groups.Leave(rec.GroupID)
}

// relayLoop keeps one relay session alive, redialing after a loss.
func (rt *Runtime) relayLoop(ctx context.Context, url, room string) {
	for {
		err := rt.relaySession(ctx, url, room)
		if ctx.Err() != nil {
			return
		}
		log.Warnf("relay %s: %v; retrying in %s", url, err, relayRetry)
		select {
		case <-ctx.Done():
			return
		case <-time.After(relayRetry):
		}
	}
}

func (rt *Runtime) relaySession(ctx context.Context, url, room string) error {
	client, err := relay.Dial(ctx, url)
	if err != nil {
		return err
	}
	defer client.Close()

	mgr, lost, err := rt.joinRelay(ctx, client, room)
	if err != nil {
		return err
	}
	defer mgr.Close()
	rt.setCalls(mgr)
	defer rt.setCalls(nil)

	events := mgr.Presence().Subscribe()
	defer mgr.Presence().Unsubscribe(events)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-lost:
			return err
		case ev, ok := <-events:
			if !ok {
				return relay.ErrRelayUnavailable
			}
			log.Debugf("presence %s %s", ev.Type, util.ShortID(ev.PeerID))
		}
	}
}

// relayClient is the part of relay.Client a session needs.
type relayClient interface {
	negotiate.Signaler
	Join(ctx context.Context, roomID string) (string, error)
}

// joinRelay builds the negotiation manager and hooks it into direct chat
// before joining room. The relay reports peers already in the room right
// after the join, and those events must find the manager listening.
func (rt *Runtime) joinRelay(ctx context.Context, client relayClient, room string) (*negotiate.Manager, <-chan error, error) {
	mgr := negotiate.NewManager(client, rt.Factory, negotiate.ManagerOptions{
		Room:    room,
		Timeout: time.Duration(rt.Cfg.Negotiation.TimeoutSec) * time.Second,
	})

	lost := make(chan error, 1)
	mgr.OnRelayUnavailable(func(err error) {
		select {
		case lost <- err:
		default:
		}
	})
	mgr.OnSession(func(n *negotiate.Negotiator) {
		rt.Direct.Attach(n)
	})

	selfID, err := client.Join(ctx, room)
	if err != nil {
		mgr.Close()
		return nil, nil, err
	}
	rt.Direct.SetSelfID(selfID)
	return mgr, lost, nil
}

func (rt *Runtime) setCalls(m *negotiate.Manager) {
	rt.mu.Lock()
	rt.calls = m
	rt.mu.Unlock()
}

// Calls returns the negotiation manager of the current relay session.
func (rt *Runtime) Calls() (*negotiate.Manager, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if rt.calls == nil {
		return nil, ErrOffline
	}
	return rt.calls, nil
}

// Dial negotiates a data channel with a relay peer and waits until it opens.
func (rt *Runtime) Dial(ctx context.Context, peerID string) error {
	mgr, err := rt.Calls()
	if err != nil {
		return err
	}
	if n, ok := mgr.Get(peerID); ok && n.State() == negotiate.Connected {
		return nil
	}
	n, err := mgr.Call(ctx, peerID)
	if err != nil {
		return err
	}
	return n.WaitOpen(ctx)
}

func (rt *Runtime) Close() error {
	rt.Direct.Close()
	rt.Groups.Close()
	err := rt.Peer.Close()
	rt.Bus.Close()
	rt.Node.Close()
	return err
}
