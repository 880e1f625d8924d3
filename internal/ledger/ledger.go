// Package ledger keeps the replicated group records: a signed, append-only
// action history per group whose replay yields the admin and member set.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/petervdpas/goopchat/internal/bus"
	"github.com/petervdpas/goopchat/internal/proto"
)

var log = logging.Logger("ledger")

var (
	ErrGroupNotFound = errors.New("group not found")
	ErrNotAuthorized = errors.New("not authorized")
	ErrNotAMember    = errors.New("not a member")
	ErrAlreadyMember = errors.New("already a member")
	ErrInvalidTarget = errors.New("invalid target")
)

// Signer is the local identity that signs actions.
type Signer interface {
	Address() string
	Sign(ctx context.Context, data []byte) ([]byte, error)
}

// Verifier checks that sig over data was produced by address.
type Verifier interface {
	Verify(address string, data, sig []byte) error
}

// VerifierFunc adapts a plain function to Verifier.
type VerifierFunc func(address string, data, sig []byte) error

func (f VerifierFunc) Verify(address string, data, sig []byte) error { return f(address, data, sig) }

// Store is the shared read/merge/write primitive. storage.DB satisfies it.
type Store interface {
	GetRecord(ctx context.Context, groupID string) ([]byte, bool, error)
	PutRecord(ctx context.Context, groupID string, data []byte) error
	ListRecords(ctx context.Context) (map[string][]byte, error)
}

type Options struct {
	Mode Mode
	// Bus, when set, replicates records on Topic.
	Bus   *bus.Bus
	Topic string
}

// CreateParams describes a new group.
type CreateParams struct {
	Name        string
	Description string
	Avatar      string
	Admin       string
	Members     []string
}

// Ledger applies local actions and merges remote records.
type Ledger struct {
	store    Store
	signer   Signer
	verifier Verifier
	mode     Mode
	bus      *bus.Bus
	topic    string
	now      func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	mu        sync.RWMutex
	listeners []chan *Record
	unsub     func()
}

func New(store Store, signer Signer, verifier Verifier, opts Options) *Ledger {
	if opts.Mode != ModeRestricted {
		opts.Mode = ModePublic
	}
	if opts.Topic == "" {
		opts.Topic = proto.LedgerTopic
	}
	return &Ledger{
		store:    store,
		signer:   signer,
		verifier: verifier,
		mode:     opts.Mode,
		bus:      opts.Bus,
		topic:    opts.Topic,
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
}

// Mode returns the authority mode.
func (l *Ledger) Mode() Mode { return l.mode }

// Create writes a new group with a signed create action plus one signed add
// per non-admin initial member.
func (l *Ledger) Create(ctx context.Context, p CreateParams) (*Record, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("%w: group name is required", ErrInvalidTarget)
	}
	if err := l.checkActor(p.Admin); err != nil {
		return nil, err
	}

	nowMs := l.now().UnixMilli()
	rec := &Record{
		GroupID:     newGroupID(p.Name, nowMs),
		Name:        p.Name,
		Description: p.Description,
		Avatar:      p.Avatar,
		Members:     map[string]bool{},
		History:     map[int64]Action{},
	}

	unlock := l.lock(rec.GroupID)
	defer unlock()

	if _, ok, err := l.store.GetRecord(ctx, rec.GroupID); err != nil {
		return nil, err
	} else if ok {
		return nil, fmt.Errorf("%w: group %s already exists", ErrInvalidTarget, rec.GroupID)
	}

	create, err := l.sign(ctx, rec, KindCreate, "", nowMs)
	if err != nil {
		return nil, err
	}
	rec.History[create.Timestamp] = create
	rec.apply(create)

	for _, m := range p.Members {
		if m == "" || rec.Members[m] {
			continue
		}
		if err := rec.check(l.mode, KindAdd, p.Admin, m); err != nil {
			return nil, err
		}
		add, err := l.sign(ctx, rec, KindAdd, m, nowMs)
		if err != nil {
			return nil, err
		}
		rec.History[add.Timestamp] = add
		rec.apply(add)
	}

	if err := l.commit(ctx, rec); err != nil {
		return nil, err
	}
	log.Infof("created group %s (%s) with %d members", rec.Name, rec.GroupID, len(rec.MemberList()))
	return rec.Clone(), nil
}

// Join returns the group for actor. In restricted mode actor must already
// be a member. Join never mutates the record.
func (l *Ledger) Join(ctx context.Context, groupID, actor string) (*Record, error) {
	rec, err := l.load(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if l.mode == ModeRestricted && !rec.Members[actor] {
		return nil, fmt.Errorf("join %s: %w: %s", groupID, ErrNotAMember, actor)
	}
	return rec, nil
}

func (l *Ledger) AddMember(ctx context.Context, groupID, actor, target string) (*Record, error) {
	return l.mutate(ctx, groupID, actor, KindAdd, target)
}

func (l *Ledger) RemoveMember(ctx context.Context, groupID, actor, target string) (*Record, error) {
	return l.mutate(ctx, groupID, actor, KindRemove, target)
}

func (l *Ledger) TransferAdmin(ctx context.Context, groupID, actor, newAdmin string) (*Record, error) {
	return l.mutate(ctx, groupID, actor, KindTransferAdmin, newAdmin)
}

func (l *Ledger) Leave(ctx context.Context, groupID, actor string) (*Record, error) {
	return l.mutate(ctx, groupID, actor, KindLeave, "")
}

// GetGroup returns the replayed record for groupID.
func (l *Ledger) GetGroup(ctx context.Context, groupID string) (*Record, error) {
	return l.load(ctx, groupID)
}

// GetAllGroups returns every well-formed record, sorted by name.
func (l *Ledger) GetAllGroups(ctx context.Context) ([]*Record, error) {
	raw, err := l.store.ListRecords(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(raw))
	for id, data := range raw {
		rec, err := l.decode(data)
		if err != nil {
			log.Debugf("skipping unreadable record %s: %v", id, err)
			continue
		}
		if !rec.WellFormed() {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].GroupID < out[j].GroupID
	})
	return out, nil
}

// Subscribe returns a channel of records as they change, locally or by
// merge. Slow readers miss updates.
func (l *Ledger) Subscribe() <-chan *Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := make(chan *Record, 16)
	l.listeners = append(l.listeners, ch)
	return ch
}

func (l *Ledger) Unsubscribe(ch <-chan *Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, listener := range l.listeners {
		if listener == ch {
			close(listener)
			l.listeners = append(l.listeners[:i], l.listeners[i+1:]...)
			return
		}
	}
}

func (l *Ledger) notifyListeners(rec *Record) {
	if !rec.WellFormed() {
		return
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, ch := range l.listeners {
		select {
		case ch <- rec.Clone():
		default:
		}
	}
}

func (l *Ledger) mutate(ctx context.Context, groupID, actor string, kind Kind, target string) (*Record, error) {
	if err := l.checkActor(actor); err != nil {
		return nil, err
	}
	unlock := l.lock(groupID)
	defer unlock()

	rec, err := l.load(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if err := rec.check(l.mode, kind, actor, target); err != nil {
		return nil, fmt.Errorf("%s %s: %w", kind, groupID, err)
	}
	a, err := l.sign(ctx, rec, kind, target, l.now().UnixMilli())
	if err != nil {
		return nil, err
	}

	// Another writer may have touched the shared store while we signed.
	latest, err := l.load(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if err := latest.check(l.mode, kind, actor, target); err != nil {
		return nil, fmt.Errorf("%s %s: %w", kind, groupID, err)
	}
	if a.Timestamp <= latest.lastTimestamp() {
		if a, err = l.sign(ctx, latest, kind, target, l.now().UnixMilli()); err != nil {
			return nil, err
		}
	}
	latest.History[a.Timestamp] = a
	latest.replay(l.mode, l.verifier)

	if err := l.commit(ctx, latest); err != nil {
		return nil, err
	}
	log.Infof("group %s: %s %s by %s", groupID, kind, target, actor)
	return latest.Clone(), nil
}

func (l *Ledger) checkActor(actor string) error {
	if self := l.signer.Address(); actor != self {
		return fmt.Errorf("%w: %s cannot sign for %s", ErrNotAuthorized, self, actor)
	}
	return nil
}

func (l *Ledger) sign(ctx context.Context, rec *Record, kind Kind, target string, nowMs int64) (Action, error) {
	a := Action{
		Kind:      kind,
		By:        l.signer.Address(),
		Target:    target,
		Timestamp: rec.nextTimestamp(nowMs),
	}
	sig, err := l.signer.Sign(ctx, signingBytes(rec.GroupID, a))
	if err != nil {
		return Action{}, fmt.Errorf("sign %s: %w", kind, err)
	}
	a.Sig = sig
	return a, nil
}

func (l *Ledger) load(ctx context.Context, groupID string) (*Record, error) {
	data, ok, err := l.store.GetRecord(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}
	rec, err := l.decode(data)
	if err != nil {
		return nil, err
	}
	if rec.Admin == "" {
		// No verifiable create in the history.
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}
	return rec, nil
}

func (l *Ledger) decode(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode group record: %w", err)
	}
	if rec.History == nil {
		rec.History = map[int64]Action{}
	}
	rec.replay(l.mode, l.verifier)
	return &rec, nil
}

// commit writes rec, tells listeners and replicates it.
func (l *Ledger) commit(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := l.store.PutRecord(ctx, rec.GroupID, data); err != nil {
		return err
	}
	l.notifyListeners(rec)
	l.replicate(ctx, data)
	return nil
}

func (l *Ledger) lock(groupID string) func() {
	l.locksMu.Lock()
	mu, ok := l.locks[groupID]
	if !ok {
		mu = &sync.Mutex{}
		l.locks[groupID] = mu
	}
	l.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}
