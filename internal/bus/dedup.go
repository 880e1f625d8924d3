package bus

import (
	"encoding/hex"
	"strconv"
	"sync"
	"time"
)

// dedupCache remembers when a message key was first seen.
type dedupCache struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
}

func newDedupCache(ttl time.Duration) *dedupCache {
	return &dedupCache{ttl: ttl, seen: make(map[string]time.Time)}
}

// firstSeen records key at now and reports whether it is new. An entry
// older than the TTL counts as absent even if the sweep has not removed it.
func (c *dedupCache) firstSeen(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if at, ok := c.seen[key]; ok && now.Sub(at) <= c.ttl {
		return false
	}
	c.seen[key] = now
	return true
}

func (c *dedupCache) insert(key string, now time.Time) {
	c.mu.Lock()
	c.seen[key] = now
	c.mu.Unlock()
}

// sweep drops entries older than the TTL and returns how many were removed.
func (c *dedupCache) sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, at := range c.seen {
		if now.Sub(at) > c.ttl {
			delete(c.seen, k)
			n++
		}
	}
	return n
}

func (c *dedupCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// dedupKey picks the transport sequence number when present, then the
// message id, then sender plus timestamp.
func dedupKey(topic string, d Delivery, m Message) string {
	switch {
	case len(d.Seqno) > 0:
		return topic + "|" + d.From + "/" + hex.EncodeToString(d.Seqno)
	case m.ID != "":
		return topic + "|" + m.ID
	default:
		return topic + "|" + d.From + "/" + strconv.FormatInt(m.TimestampMs, 10)
	}
}

func idKey(topic, id string) string { return topic + "|" + id }
