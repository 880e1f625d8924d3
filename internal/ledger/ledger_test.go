package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/goopchat/internal/bus"
	"github.com/petervdpas/goopchat/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu   sync.Mutex
	recs map[string][]byte
}

func newMemoryStore() *memoryStore { return &memoryStore{recs: map[string][]byte{}} }

func (s *memoryStore) GetRecord(_ context.Context, id string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.recs[id]
	return b, ok, nil
}

func (s *memoryStore) PutRecord(_ context.Context, id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[id] = append([]byte(nil), data...)
	return nil
}

func (s *memoryStore) ListRecords(context.Context) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(s.recs))
	for k, v := range s.recs {
		out[k] = v
	}
	return out, nil
}

func (s *memoryStore) raw(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.recs[id])
}

var verify = VerifierFunc(identity.Verify)

func newIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	return id
}

type fixture struct {
	store   *memoryStore
	a, b, c *identity.Identity
	la, lb  *Ledger
	group   *Record
}

// newFixture creates a group admined by a with members b and c on a store
// shared by a's and b's ledgers.
func newFixture(t *testing.T, mode Mode) *fixture {
	t.Helper()
	f := &fixture{store: newMemoryStore(), a: newIdentity(t), b: newIdentity(t), c: newIdentity(t)}
	f.la = New(f.store, f.a, verify, Options{Mode: mode})
	f.lb = New(f.store, f.b, verify, Options{Mode: mode})

	rec, err := f.la.Create(context.Background(), CreateParams{
		Name:    "hikers",
		Admin:   f.a.Address(),
		Members: []string{f.b.Address(), f.c.Address()},
	})
	require.NoError(t, err)
	f.group = rec
	return f
}

func TestCreate(t *testing.T) {
	f := newFixture(t, ModePublic)
	rec := f.group

	assert.True(t, strings.HasPrefix(rec.GroupID, "0x"))
	assert.Len(t, rec.GroupID, 66)
	assert.Equal(t, f.a.Address(), rec.Admin)
	assert.Equal(t, map[string]bool{
		f.a.Address(): true,
		f.b.Address(): true,
		f.c.Address(): true,
	}, rec.Members)

	timeline := rec.Timeline()
	require.Len(t, timeline, 3)
	assert.Equal(t, KindCreate, timeline[0].Kind)
	assert.Equal(t, KindAdd, timeline[1].Kind)
	assert.Equal(t, KindAdd, timeline[2].Kind)
	for i, a := range timeline {
		require.NoError(t, verify.Verify(a.By, signingBytes(rec.GroupID, a), a.Sig), "entry %d", i)
		if i > 0 {
			assert.Greater(t, a.Timestamp, timeline[i-1].Timestamp)
		}
	}

	// The persisted shape keys history by millisecond timestamp.
	var wire map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(f.store.raw(rec.GroupID)), &wire))
	for _, key := range []string{"groupId", "name", "admin", "members", "history"} {
		assert.Contains(t, wire, key)
	}
	var history map[string]map[string]any
	require.NoError(t, json.Unmarshal(wire["history"], &history))
	entry := history[fmt.Sprint(timeline[0].Timestamp)]
	assert.Equal(t, "create", entry["kind"])
	assert.Equal(t, f.a.Address(), entry["by"])
	assert.NotEmpty(t, entry["sig"])
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, ModePublic)
	ctx := context.Background()

	_, err := f.la.Create(ctx, CreateParams{Admin: f.a.Address()})
	assert.ErrorIs(t, err, ErrInvalidTarget)

	_, err = f.la.Create(ctx, CreateParams{Name: "x", Admin: f.b.Address()})
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestNonAdminRemoveLeavesRecordUnchanged(t *testing.T) {
	f := newFixture(t, ModePublic)
	before := f.store.raw(f.group.GroupID)

	_, err := f.lb.RemoveMember(context.Background(), f.group.GroupID, f.b.Address(), f.c.Address())
	assert.ErrorIs(t, err, ErrNotAuthorized)
	assert.Equal(t, before, f.store.raw(f.group.GroupID))
}

func TestTransferThenRemoveByFormerAdmin(t *testing.T) {
	f := newFixture(t, ModePublic)
	ctx := context.Background()
	gid := f.group.GroupID

	rec, err := f.la.TransferAdmin(ctx, gid, f.a.Address(), f.b.Address())
	require.NoError(t, err)
	assert.Equal(t, f.b.Address(), rec.Admin)

	_, err = f.la.RemoveMember(ctx, gid, f.a.Address(), f.c.Address())
	assert.ErrorIs(t, err, ErrNotAuthorized)

	rec, err = f.la.GetGroup(ctx, gid)
	require.NoError(t, err)
	assert.True(t, rec.IsMember(f.a.Address()))
	assert.True(t, rec.IsMember(f.c.Address()))

	// The new admin can.
	rec, err = f.lb.RemoveMember(ctx, gid, f.b.Address(), f.c.Address())
	require.NoError(t, err)
	assert.False(t, rec.IsMember(f.c.Address()))
	assert.Contains(t, rec.Members, f.c.Address())
	assert.Len(t, rec.History, 5)
}

func TestTransferAdminTargets(t *testing.T) {
	f := newFixture(t, ModePublic)
	ctx := context.Background()
	outsider := newIdentity(t)

	_, err := f.la.TransferAdmin(ctx, f.group.GroupID, f.a.Address(), f.a.Address())
	assert.ErrorIs(t, err, ErrInvalidTarget)
	_, err = f.la.TransferAdmin(ctx, f.group.GroupID, f.a.Address(), outsider.Address())
	assert.ErrorIs(t, err, ErrInvalidTarget)
	_, err = f.lb.TransferAdmin(ctx, f.group.GroupID, f.b.Address(), f.c.Address())
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestAddMember(t *testing.T) {
	ctx := context.Background()
	d := newIdentity(t)

	t.Run("public lets members add", func(t *testing.T) {
		f := newFixture(t, ModePublic)
		rec, err := f.lb.AddMember(ctx, f.group.GroupID, f.b.Address(), d.Address())
		require.NoError(t, err)
		assert.True(t, rec.IsMember(d.Address()))

		_, err = f.la.AddMember(ctx, f.group.GroupID, f.a.Address(), d.Address())
		assert.ErrorIs(t, err, ErrAlreadyMember)
	})

	t.Run("public rejects non-members", func(t *testing.T) {
		f := newFixture(t, ModePublic)
		ld := New(f.store, d, verify, Options{Mode: ModePublic})
		_, err := ld.AddMember(ctx, f.group.GroupID, d.Address(), d.Address())
		assert.ErrorIs(t, err, ErrNotAuthorized)
	})

	t.Run("restricted is admin only", func(t *testing.T) {
		f := newFixture(t, ModeRestricted)
		_, err := f.lb.AddMember(ctx, f.group.GroupID, f.b.Address(), d.Address())
		assert.ErrorIs(t, err, ErrNotAuthorized)

		_, err = f.la.AddMember(ctx, f.group.GroupID, f.a.Address(), d.Address())
		require.NoError(t, err)
	})

	t.Run("actor must be the signer", func(t *testing.T) {
		f := newFixture(t, ModePublic)
		_, err := f.la.AddMember(ctx, f.group.GroupID, f.b.Address(), d.Address())
		assert.ErrorIs(t, err, ErrNotAuthorized)
	})

	t.Run("unknown group", func(t *testing.T) {
		f := newFixture(t, ModePublic)
		_, err := f.la.AddMember(ctx, "0xmissing", f.a.Address(), d.Address())
		assert.ErrorIs(t, err, ErrGroupNotFound)
	})
}

func TestRemoveMemberTargets(t *testing.T) {
	f := newFixture(t, ModePublic)
	ctx := context.Background()

	_, err := f.la.RemoveMember(ctx, f.group.GroupID, f.a.Address(), newIdentity(t).Address())
	assert.ErrorIs(t, err, ErrNotAMember)
	_, err = f.la.RemoveMember(ctx, f.group.GroupID, f.a.Address(), f.a.Address())
	assert.ErrorIs(t, err, ErrInvalidTarget)
}

func TestLeave(t *testing.T) {
	f := newFixture(t, ModePublic)
	ctx := context.Background()

	rec, err := f.lb.Leave(ctx, f.group.GroupID, f.b.Address())
	require.NoError(t, err)
	assert.False(t, rec.IsMember(f.b.Address()))
	assert.ElementsMatch(t, []string{f.a.Address(), f.c.Address()}, rec.MemberList())

	_, err = f.lb.Leave(ctx, f.group.GroupID, f.b.Address())
	assert.ErrorIs(t, err, ErrNotAMember)
}

func TestJoin(t *testing.T) {
	ctx := context.Background()
	d := newIdentity(t)

	pub := newFixture(t, ModePublic)
	rec, err := pub.la.Join(ctx, pub.group.GroupID, d.Address())
	require.NoError(t, err)
	assert.False(t, rec.IsMember(d.Address()), "join does not mutate membership")
	assert.Equal(t, pub.group.History, rec.History)

	restricted := newFixture(t, ModeRestricted)
	_, err = restricted.la.Join(ctx, restricted.group.GroupID, d.Address())
	assert.ErrorIs(t, err, ErrNotAMember)
	_, err = restricted.la.Join(ctx, restricted.group.GroupID, restricted.c.Address())
	assert.NoError(t, err)

	_, err = pub.la.Join(ctx, "0xmissing", d.Address())
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

func TestReplayIgnoresForgedEntries(t *testing.T) {
	f := newFixture(t, ModePublic)
	ctx := context.Background()
	gid := f.group.GroupID
	mallory := newIdentity(t)

	var rec Record
	require.NoError(t, json.Unmarshal([]byte(f.store.raw(gid)), &rec))

	// A forged signature and a hand-edited projection.
	forged := Action{Kind: KindAdd, By: f.c.Address(), Target: mallory.Address(), Timestamp: rec.lastTimestamp() + 1, Sig: []byte("nope")}
	rec.History[forged.Timestamp] = forged
	rec.Members[mallory.Address()] = true
	rec.Admin = mallory.Address()

	// A correctly signed entry from someone without authority.
	lm := New(f.store, mallory, verify, Options{Mode: ModePublic})
	unauth, err := lm.sign(ctx, &rec, KindRemove, f.b.Address(), 0)
	require.NoError(t, err)
	rec.History[unauth.Timestamp] = unauth

	data, err := json.Marshal(&rec)
	require.NoError(t, err)
	require.NoError(t, f.store.PutRecord(ctx, gid, data))

	got, err := f.la.GetGroup(ctx, gid)
	require.NoError(t, err)
	assert.Equal(t, f.a.Address(), got.Admin)
	assert.False(t, got.IsMember(mallory.Address()))
	assert.True(t, got.IsMember(f.b.Address()))
}

func TestGetAllGroupsFiltersMalformed(t *testing.T) {
	f := newFixture(t, ModePublic)
	ctx := context.Background()

	_, err := f.la.Create(ctx, CreateParams{Name: "anglers", Admin: f.a.Address()})
	require.NoError(t, err)
	require.NoError(t, f.store.PutRecord(ctx, "0xbad", []byte(`{"groupId":"0xbad"}`)))
	require.NoError(t, f.store.PutRecord(ctx, "0xjunk", []byte(`not json`)))

	all, err := f.la.GetAllGroups(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "anglers", all[0].Name)
	assert.Equal(t, "hikers", all[1].Name)
}

func TestSubscribeSeesWrites(t *testing.T) {
	f := newFixture(t, ModePublic)
	updates := f.la.Subscribe()

	_, err := f.lb.Leave(context.Background(), f.group.GroupID, f.b.Address())
	require.NoError(t, err)
	select {
	case <-updates:
		t.Fatal("a's ledger is not notified of b's local write")
	default:
	}

	_, err = f.la.Leave(context.Background(), f.group.GroupID, f.a.Address())
	require.NoError(t, err)
	rec := <-updates
	assert.False(t, rec.IsMember(f.a.Address()))

	f.la.Unsubscribe(updates)
	_, open := <-updates
	assert.False(t, open)
}

func TestConcurrentLocalMutationsSerialize(t *testing.T) {
	f := newFixture(t, ModePublic)
	ctx := context.Background()

	var targets []string
	for range 8 {
		targets = append(targets, newIdentity(t).Address())
	}
	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.la.AddMember(ctx, f.group.GroupID, f.a.Address(), target)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, err := f.la.GetGroup(ctx, f.group.GroupID)
	require.NoError(t, err)
	assert.Len(t, rec.History, 3+len(targets))
	for _, target := range targets {
		assert.True(t, rec.IsMember(target))
	}
}

func TestReplicationOverBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := bus.NewMemoryNetwork()
	a, b := newIdentity(t), newIdentity(t)
	busA := bus.New(net.Transport(a.Address()), bus.Options{})
	busB := bus.New(net.Transport(b.Address()), bus.Options{})
	defer busA.Close()
	defer busB.Close()

	storeA, storeB := newMemoryStore(), newMemoryStore()
	la := New(storeA, a, verify, Options{Mode: ModePublic, Bus: busA})
	lb := New(storeB, b, verify, Options{Mode: ModePublic, Bus: busB})
	require.NoError(t, la.Start(ctx))
	require.NoError(t, lb.Start(ctx))
	defer la.Close()
	defer lb.Close()

	updates := lb.Subscribe()
	rec, err := la.Create(ctx, CreateParams{Name: "hikers", Admin: a.Address(), Members: []string{b.Address()}})
	require.NoError(t, err)

	select {
	case got := <-updates:
		assert.Equal(t, rec.GroupID, got.GroupID)
		assert.Equal(t, a.Address(), got.Admin)
	case <-time.After(2 * time.Second):
		t.Fatal("record not replicated")
	}

	c := newIdentity(t)
	_, err = lb.AddMember(ctx, rec.GroupID, b.Address(), c.Address())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := la.GetGroup(ctx, rec.GroupID)
		return err == nil && got.IsMember(c.Address())
	}, 2*time.Second, 10*time.Millisecond)

	// Re-ingesting what we already have changes nothing.
	changed, err := la.Ingest(ctx, []byte(storeA.raw(rec.GroupID)))
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestCollidingActionsConverge(t *testing.T) {
	ctx := context.Background()

	for _, tc := range []struct {
		name        string
		sameTarget  bool
		wantMembers int
	}{
		{name: "different targets", wantMembers: 4},
		{name: "same target", sameTarget: true, wantMembers: 3},
	} {
		t.Run(tc.name, func(t *testing.T) {
			a, b := newIdentity(t), newIdentity(t)
			storeA, storeB := newMemoryStore(), newMemoryStore()
			la := New(storeA, a, verify, Options{Mode: ModePublic})
			lb := New(storeB, b, verify, Options{Mode: ModePublic})
			at := time.UnixMilli(1_700_000_000_000)
			la.now = func() time.Time { return at }
			lb.now = la.now

			rec, err := la.Create(ctx, CreateParams{Name: "hikers", Admin: a.Address(), Members: []string{b.Address()}})
			require.NoError(t, err)
			gid := rec.GroupID
			changed, err := lb.Ingest(ctx, []byte(storeA.raw(gid)))
			require.NoError(t, err)
			require.True(t, changed)

			x, y := newIdentity(t).Address(), newIdentity(t).Address()
			if tc.sameTarget {
				y = x
			}
			ra, err := la.AddMember(ctx, gid, a.Address(), x)
			require.NoError(t, err)
			rb, err := lb.AddMember(ctx, gid, b.Address(), y)
			require.NoError(t, err)
			require.Equal(t, ra.lastTimestamp(), rb.lastTimestamp())

			for i := 0; i < 2; i++ {
				_, err = la.Ingest(ctx, []byte(storeB.raw(gid)))
				require.NoError(t, err)
				_, err = lb.Ingest(ctx, []byte(storeA.raw(gid)))
				require.NoError(t, err)
			}

			gotA, err := la.GetGroup(ctx, gid)
			require.NoError(t, err)
			gotB, err := lb.GetGroup(ctx, gid)
			require.NoError(t, err)
			assert.Equal(t, gotA.MemberList(), gotB.MemberList())
			assert.Equal(t, gotA.History, gotB.History)
			assert.Len(t, gotA.MemberList(), tc.wantMembers)
			assert.True(t, gotA.IsMember(x))
			assert.True(t, gotA.IsMember(y))
		})
	}
}

func TestAbsorbResolvesCollisionsByOrder(t *testing.T) {
	first := Action{Kind: KindAdd, By: "a", Target: "x", Timestamp: 5, Sig: []byte{1}}
	second := Action{Kind: KindAdd, By: "b", Target: "y", Timestamp: 5, Sig: []byte{2}}
	if precedes("g", second, first) {
		first, second = second, first
	}

	left := &Record{GroupID: "g", Name: "n", History: map[int64]Action{5: second}}
	changed, displaced := left.absorb(&Record{GroupID: "g", History: map[int64]Action{5: first}})
	assert.True(t, changed)
	assert.Equal(t, []Action{second}, displaced)
	assert.Equal(t, first, left.History[5])

	right := &Record{GroupID: "g", Name: "n", History: map[int64]Action{5: first}}
	changed, displaced = right.absorb(&Record{GroupID: "g", History: map[int64]Action{5: second}})
	assert.False(t, changed)
	assert.Equal(t, []Action{second}, displaced)
	assert.Equal(t, first, right.History[5])

	changed, displaced = right.absorb(&Record{GroupID: "g", History: map[int64]Action{5: first}})
	assert.False(t, changed)
	assert.Empty(t, displaced)
}
