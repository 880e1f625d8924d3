package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/goopchat/internal/blob"
	"github.com/petervdpas/goopchat/internal/bus"
	"github.com/petervdpas/goopchat/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeSession connects two Direct instances in memory.
type pipeSession struct {
	peer string
	mu   sync.Mutex
	fn   func([]byte)
	far  *pipeSession
}

func pipe(a, b string) (*pipeSession, *pipeSession) {
	// sa lives on a's side and talks to b.
	sa := &pipeSession{peer: b}
	sb := &pipeSession{peer: a}
	sa.far, sb.far = sb, sa
	return sa, sb
}

func (s *pipeSession) PeerID() string { return s.peer }

func (s *pipeSession) Send(b []byte) error {
	s.far.mu.Lock()
	fn := s.far.fn
	s.far.mu.Unlock()
	if fn != nil {
		fn(b)
	}
	return nil
}

func (s *pipeSession) OnMessage(fn func([]byte)) {
	s.mu.Lock()
	s.fn = fn
	s.mu.Unlock()
}

func openDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func openBlobs(t *testing.T) *blob.DiskStore {
	t.Helper()
	s, err := blob.NewDiskStore(t.TempDir(), blob.Options{})
	require.NoError(t, err)
	return s
}

func next(t *testing.T, ch <-chan *Message) *Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
		return nil
	}
}

func TestDirectTextRoundTrip(t *testing.T) {
	ctx := context.Background()
	alice := NewDirect("alice", openDB(t), nil, DirectOptions{DisplayName: "Alice"})
	bob := NewDirect("bob", openDB(t), nil, DirectOptions{})
	sa, sb := pipe("alice", "bob")
	alice.Attach(sa)
	bob.Attach(sb)

	inbox := bob.Subscribe()
	sent, err := alice.SendText(ctx, "bob", "hello")
	require.NoError(t, err)

	got := next(t, inbox)
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, "alice", got.From)
	assert.Equal(t, "Alice", got.SenderName)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, MessageTypeDirect, got.Type)

	mine, err := alice.Conversation(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	theirs, err := bob.Conversation(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, theirs, 1)
	assert.Equal(t, sent.ID, theirs[0].ID)
}

func TestDirectSenderComesFromSession(t *testing.T) {
	bob := NewDirect("bob", openDB(t), nil, DirectOptions{})
	_, sb := pipe("alice", "bob")
	bob.Attach(sb)
	inbox := bob.Subscribe()

	sb.fn([]byte(`{"id":"x1","kind":"text","text":"hi","from":"mallory","timestampMs":5}`))
	got := next(t, inbox)
	assert.Equal(t, "alice", got.From)
	assert.Equal(t, int64(5), got.Timestamp)

	sb.fn([]byte("not json"))
	got = next(t, inbox)
	assert.Equal(t, "not json", got.Content)
	assert.Equal(t, bus.KindText, got.Kind)
	assert.NotEmpty(t, got.ID)
}

func TestDirectWithoutSession(t *testing.T) {
	d := NewDirect("alice", openDB(t), nil, DirectOptions{})
	_, err := d.SendText(context.Background(), "bob", "hi")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestDirectHistoryPersistsAndIsBounded(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	alice := NewDirect("alice", db, nil, DirectOptions{HistorySize: 3})
	sa, _ := pipe("alice", "bob")
	alice.Attach(sa)

	for _, s := range []string{"1", "2", "3", "4"} {
		_, err := alice.SendText(ctx, "bob", s)
		require.NoError(t, err)
	}

	reopened := NewDirect("alice", db, nil, DirectOptions{HistorySize: 3})
	msgs, err := reopened.Conversation(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "2", msgs[0].Content)
	assert.Equal(t, "4", msgs[2].Content)

	require.NoError(t, reopened.ClearConversation(ctx, "bob"))
	msgs, err = NewDirect("alice", db, nil, DirectOptions{}).Conversation(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDirectFileShare(t *testing.T) {
	ctx := context.Background()
	store := openBlobs(t)
	alice := NewDirect("alice", openDB(t), store, DirectOptions{BlobOwner: "12D3KooWalice"})
	bob := NewDirect("bob", openDB(t), store, DirectOptions{})
	sa, sb := pipe("alice", "bob")
	alice.Attach(sa)
	bob.Attach(sb)
	inbox := bob.Subscribe()

	data := []byte("%PDF-1.4 pretend")
	_, err := alice.SendFile(ctx, "bob", "/tmp/report.pdf", "", data, nil)
	require.NoError(t, err)

	got := next(t, inbox)
	require.True(t, got.IsFile())
	assert.Equal(t, "report.pdf", got.File.Name)
	assert.Equal(t, "12D3KooWalice", got.File.Owner)
	assert.Equal(t, int64(len(data)), got.File.Size)

	fetched, err := bob.Fetch(ctx, got, nil)
	require.NoError(t, err)
	assert.Equal(t, data, fetched)
}

func newGroupPair(t *testing.T, check MemberCheck) (*Group, *Group) {
	t.Helper()
	net := bus.NewMemoryNetwork()
	busA := bus.New(net.Transport("alice"), bus.Options{})
	busB := bus.New(net.Transport("bob"), bus.Options{})
	t.Cleanup(func() { busA.Close(); busB.Close() })

	a := NewGroup(busA, openDB(t), nil, GroupOptions{DisplayName: "Alice", Members: check})
	b := NewGroup(busB, openDB(t), nil, GroupOptions{Members: check})
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func TestGroupMessages(t *testing.T) {
	ctx := context.Background()
	a, b := newGroupPair(t, nil)
	require.NoError(t, a.Join(ctx, "g1"))
	require.NoError(t, b.Join(ctx, "g1"))
	require.NoError(t, b.Join(ctx, "g1"))
	assert.Equal(t, []string{"g1"}, b.Joined())

	inbox := b.Subscribe()
	sent, err := a.SendText(ctx, "g1", "hi all")
	require.NoError(t, err)

	got := next(t, inbox)
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, "alice", got.From)
	assert.Equal(t, "Alice", got.SenderName)
	assert.Equal(t, "g1", got.To)
	assert.Equal(t, MessageTypeGroup, got.Type)

	hist, err := a.History("g1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "hi all", hist[0].Content)

	b.Leave("g1")
	_, err = b.History("g1")
	assert.ErrorIs(t, err, ErrNotJoined)
	_, err = b.SendText(ctx, "g1", "x")
	assert.ErrorIs(t, err, ErrNotJoined)
}

func TestGroupDropsNonMembers(t *testing.T) {
	ctx := context.Background()
	check := func(_ context.Context, _, sender string) bool { return sender == "bob" }
	a, b := newGroupPair(t, check)
	require.NoError(t, a.Join(ctx, "g1"))
	require.NoError(t, b.Join(ctx, "g1"))

	inboxA := a.Subscribe()
	inboxB := b.Subscribe()

	_, err := a.SendText(ctx, "g1", "from outsider")
	require.NoError(t, err)
	next(t, inboxA) // own message is always recorded

	_, err = b.SendText(ctx, "g1", "from member")
	require.NoError(t, err)
	next(t, inboxB)

	got := next(t, inboxA)
	assert.Equal(t, "from member", got.Content)

	hist, err := b.History("g1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "from member", hist[0].Content)
}
