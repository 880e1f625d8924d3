// Package identity holds the peer's Ed25519 key. The same key is the libp2p
// host identity and the group ledger signer; an address is the peer ID string.
package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

var log = logging.Logger("identity")

// ErrBadSignature is returned by Verify when a signature does not match.
var ErrBadSignature = errors.New("signature verification failed")

// Identity signs on behalf of one address.
type Identity struct {
	priv crypto.PrivKey
	id   peer.ID
}

// FromKey wraps an existing private key.
func FromKey(priv crypto.PrivKey) (*Identity, error) {
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("derive peer id: %w", err)
	}
	return &Identity{priv: priv, id: id}, nil
}

// Generate creates a fresh in-memory identity.
func Generate() (*Identity, error) {
	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, err
	}
	return FromKey(priv)
}

// LoadOrCreate loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func LoadOrCreate(keyFile string) (*Identity, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			ident, err := FromKey(priv)
			return ident, false, err
		}
		log.Warnf("corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	ident, err := FromKey(priv)
	return ident, true, err
}

// PrivKey returns the key for use as the libp2p host identity.
func (i *Identity) PrivKey() crypto.PrivKey { return i.priv }

// PeerID returns the libp2p peer ID.
func (i *Identity) PeerID() peer.ID { return i.id }

// Address returns the signer address (the peer ID string).
func (i *Identity) Address() string { return i.id.String() }

// Sign signs data with the private key.
func (i *Identity) Sign(_ context.Context, data []byte) ([]byte, error) {
	return i.priv.Sign(data)
}

// Verify checks that sig was produced over data by the key behind address.
// It is safe to call on any Identity; only address determines the key.
func (i *Identity) Verify(address string, data, sig []byte) error {
	return Verify(address, data, sig)
}

// Verify checks that sig was produced over data by the key behind address.
// Ed25519 peer IDs embed the public key, so no key lookup is needed.
func Verify(address string, data, sig []byte) error {
	id, err := peer.Decode(address)
	if err != nil {
		return fmt.Errorf("decode address %q: %w", address, err)
	}
	pub, err := id.ExtractPublicKey()
	if err != nil {
		return fmt.Errorf("extract public key for %q: %w", address, err)
	}
	ok, err := pub.Verify(data, sig)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if !ok {
		return ErrBadSignature
	}
	return nil
}
