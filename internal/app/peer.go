package app

import (
	"context"
	"fmt"
	"time"

	"github.com/petervdpas/goopchat/internal/blob"
	"github.com/petervdpas/goopchat/internal/bus"
	"github.com/petervdpas/goopchat/internal/config"
	"github.com/petervdpas/goopchat/internal/contacts"
	"github.com/petervdpas/goopchat/internal/identity"
	"github.com/petervdpas/goopchat/internal/ledger"
	"github.com/petervdpas/goopchat/internal/storage"
	"github.com/petervdpas/goopchat/internal/util"
)

// Peer is everything one peer directory owns on disk. Run puts it online;
// the CLI's offline commands use it as is.
type Peer struct {
	Dir      string
	Cfg      config.Config
	Identity *identity.Identity
	DB       *storage.DB
	Ledger   *ledger.Ledger
	Contacts *contacts.Book
	Blobs    *blob.DiskStore
}

// Open loads the identity and opens the local stores of peerDir. A nil bus
// keeps the ledger local.
func Open(peerDir string, cfg config.Config, b *bus.Bus) (*Peer, error) {
	id, created, err := identity.LoadOrCreate(util.ResolvePath(peerDir, cfg.Identity.KeyFile))
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	if created {
		log.Infof("generated new identity %s", id.Address())
	}
	return openWith(peerDir, cfg, id, b)
}

func openWith(peerDir string, cfg config.Config, id *identity.Identity, b *bus.Bus) (*Peer, error) {
	db, err := storage.Open(peerDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	blobs, err := blob.NewDiskStore(util.ResolvePath(peerDir, cfg.Blob.Dir), blob.Options{
		MaxBytes:     int64(cfg.Blob.MaxMB) << 20,
		Timeout:      time.Duration(cfg.Blob.TimeoutSec) * time.Second,
		CacheEntries: cfg.Blob.CacheEntries,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Peer{
		Dir:      peerDir,
		Cfg:      cfg,
		Identity: id,
		DB:       db,
		Ledger: ledger.New(db, id, id, ledger.Options{
			Mode:  ledger.Mode(cfg.Ledger.Mode),
			Bus:   b,
			Topic: cfg.Ledger.Topic,
		}),
		Contacts: contacts.NewBook(db),
		Blobs:    blobs,
	}, nil
}

// IsMember reports whether sender belongs to groupID per the local ledger.
func (p *Peer) IsMember(ctx context.Context, groupID, sender string) bool {
	rec, err := p.Ledger.GetGroup(ctx, groupID)
	if err != nil {
		return false
	}
	return rec.IsMember(sender)
}

// ResolveAddress accepts a contact alias or a raw address.
func (p *Peer) ResolveAddress(ctx context.Context, name string) string {
	if addr, err := p.Contacts.Resolve(ctx, name); err == nil {
		return addr
	}
	return name
}

func (p *Peer) Close() error {
	p.Ledger.Close()
	return p.DB.Close()
}
