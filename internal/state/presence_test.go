package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresenceLifecycle(t *testing.T) {
	now := time.Unix(1000, 0)
	pt := NewPresenceTable()
	pt.now = func() time.Time { return now }

	events := pt.Subscribe()
	pt.Online("b", "room")
	pt.Online("a", "room")
	assert.Equal(t, []string{"a", "b"}, pt.OnlineIDs())

	ev := <-events
	assert.Equal(t, "online", ev.Type)
	assert.Equal(t, "b", ev.PeerID)
	<-events

	now = now.Add(time.Minute)
	pt.Offline("a")
	pt.Offline("a")
	pt.Offline("unknown")
	ev = <-events
	assert.Equal(t, "offline", ev.Type)
	assert.Equal(t, "a", ev.PeerID)
	select {
	case extra := <-events:
		t.Fatalf("unexpected event %+v", extra)
	default:
	}

	p, ok := pt.Get("a")
	require.True(t, ok)
	assert.False(t, p.Online)
	assert.Equal(t, now, p.OfflineSince)
	assert.Equal(t, []string{"b"}, pt.OnlineIDs())

	assert.Equal(t, 0, pt.PruneOffline(now))
	assert.Equal(t, 1, pt.PruneOffline(now.Add(time.Second)))
	_, ok = pt.Get("a")
	assert.False(t, ok)
	assert.Equal(t, "remove", (<-events).Type)

	pt.Unsubscribe(events)
	_, open := <-events
	assert.False(t, open)
}

func TestPresenceClearAll(t *testing.T) {
	pt := NewPresenceTable()
	pt.Online("a", "room")
	pt.Online("b", "room")
	pt.ClearAll()
	assert.Empty(t, pt.OnlineIDs())
	assert.Len(t, pt.Snapshot(), 2)
}
