// Package contacts keeps the local address book.
package contacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/petervdpas/goopchat/internal/storage"
)

var log = logging.Logger("contacts")

var ErrNotFound = errors.New("contact not found")

const key = "contacts"

// KV is the string store the book lives in. storage.DB satisfies it.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

type Contact struct {
	Address string `json:"address"`
	Alias   string `json:"alias"`
}

// Book is the list of known peers keyed by address.
type Book struct {
	kv KV
	mu sync.Mutex
}

func NewBook(kv KV) *Book {
	return &Book{kv: kv}
}

// Add inserts c, or renames the contact with the same address.
func (b *Book) Add(ctx context.Context, c Contact) error {
	c.Address = strings.TrimSpace(c.Address)
	c.Alias = strings.TrimSpace(c.Alias)
	if c.Address == "" {
		return fmt.Errorf("contact address is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	all, err := b.load(ctx)
	if err != nil {
		return err
	}
	replaced := false
	for i := range all {
		if all[i].Address == c.Address {
			all[i].Alias = c.Alias
			replaced = true
			break
		}
	}
	if !replaced {
		all = append(all, c)
	}
	log.Debugf("saved contact %s (%s)", c.Alias, c.Address)
	return b.save(ctx, all)
}

func (b *Book) Remove(ctx context.Context, address string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	all, err := b.load(ctx)
	if err != nil {
		return err
	}
	for i := range all {
		if all[i].Address == address {
			return b.save(ctx, append(all[:i], all[i+1:]...))
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, address)
}

// List returns every contact ordered by alias, then address.
func (b *Book) List(ctx context.Context) ([]Contact, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	all, err := b.load(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Alias != all[j].Alias {
			return all[i].Alias < all[j].Alias
		}
		return all[i].Address < all[j].Address
	})
	return all, nil
}

// Alias returns the alias stored for address, if any.
func (b *Book) Alias(ctx context.Context, address string) (string, bool) {
	all, err := b.List(ctx)
	if err != nil {
		return "", false
	}
	for _, c := range all {
		if c.Address == address {
			return c.Alias, c.Alias != ""
		}
	}
	return "", false
}

// Resolve maps an alias or address to an address. Aliases match
// case-insensitively.
func (b *Book) Resolve(ctx context.Context, name string) (string, error) {
	all, err := b.List(ctx)
	if err != nil {
		return "", err
	}
	for _, c := range all {
		if c.Address == name || strings.EqualFold(c.Alias, name) {
			return c.Address, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

func (b *Book) load(ctx context.Context) ([]Contact, error) {
	raw, err := b.kv.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var all []Contact
	if err := json.Unmarshal([]byte(raw), &all); err != nil {
		return nil, fmt.Errorf("decode contacts: %w", err)
	}
	return all, nil
}

func (b *Book) save(ctx context.Context, all []Contact) error {
	data, err := json.Marshal(all)
	if err != nil {
		return err
	}
	return b.kv.Set(ctx, key, string(data))
}
