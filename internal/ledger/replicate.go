package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/petervdpas/goopchat/internal/bus"
)

// Start subscribes to the replication topic and announces every local
// record so peers that missed earlier writes catch up. No-op without a bus.
func (l *Ledger) Start(ctx context.Context) error {
	if l.bus == nil {
		return nil
	}
	unsub, err := l.bus.Subscribe(ctx, l.topic, func(m bus.Message) {
		if m.Kind != bus.KindLedger {
			return
		}
		if _, err := l.Ingest(ctx, []byte(m.Text)); err != nil {
			log.Debugf("ignoring record from %s: %v", m.From, err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", l.topic, err)
	}
	l.mu.Lock()
	l.unsub = unsub
	l.mu.Unlock()

	return l.Announce(ctx)
}

// Announce republishes every local record.
func (l *Ledger) Announce(ctx context.Context) error {
	if l.bus == nil {
		return nil
	}
	raw, err := l.store.ListRecords(ctx)
	if err != nil {
		return err
	}
	for _, data := range raw {
		l.replicate(ctx, data)
	}
	return nil
}

// Ingest merges a record received from another peer. It reports whether
// the local copy changed.
func (l *Ledger) Ingest(ctx context.Context, data []byte) (bool, error) {
	var remote Record
	if err := json.Unmarshal(data, &remote); err != nil {
		return false, fmt.Errorf("decode remote record: %w", err)
	}
	if !remote.WellFormed() {
		return false, fmt.Errorf("malformed record %q", remote.GroupID)
	}

	unlock := l.lock(remote.GroupID)
	defer unlock()

	local := &Record{GroupID: remote.GroupID, History: map[int64]Action{}}
	existing, ok, err := l.store.GetRecord(ctx, remote.GroupID)
	if err != nil {
		return false, err
	}
	if ok {
		if local, err = l.decode(existing); err != nil {
			return false, err
		}
	}

	changed, displaced := local.absorb(&remote)
	if !changed {
		return false, nil
	}
	local.replay(l.mode, l.verifier)
	if local.Admin == "" {
		return false, fmt.Errorf("%w: %s has no verifiable create", ErrGroupNotFound, remote.GroupID)
	}
	rehomed := l.rehome(ctx, local, displaced)

	out, err := json.Marshal(local)
	if err != nil {
		return false, err
	}
	if err := l.store.PutRecord(ctx, local.GroupID, out); err != nil {
		return false, err
	}
	log.Debugf("merged remote record for %s", local.GroupID)
	l.notifyListeners(local)
	if rehomed {
		l.replicate(ctx, out)
	}
	return true, nil
}

// rehome re-signs this peer's actions that lost a timestamp collision under
// a fresh timestamp, as long as they still hold against the merged record.
// Other peers' displaced actions are left to their authors.
func (l *Ledger) rehome(ctx context.Context, rec *Record, displaced []Action) bool {
	self := l.signer.Address()
	rehomed := false
	for _, a := range displaced {
		if a.By != self {
			continue
		}
		if err := rec.check(l.mode, a.Kind, a.By, a.Target); err != nil {
			log.Debugf("group %s: dropping displaced %s: %v", rec.GroupID, a.Kind, err)
			continue
		}
		re, err := l.sign(ctx, rec, a.Kind, a.Target, l.now().UnixMilli())
		if err != nil {
			log.Warnf("group %s: re-sign %s: %v", rec.GroupID, a.Kind, err)
			continue
		}
		rec.History[re.Timestamp] = re
		rec.replay(l.mode, l.verifier)
		rehomed = true
		log.Infof("group %s: moved %s %s to %d after a timestamp collision", rec.GroupID, a.Kind, a.Target, re.Timestamp)
	}
	return rehomed
}

func (l *Ledger) replicate(ctx context.Context, data []byte) {
	if l.bus == nil {
		return
	}
	if _, err := l.bus.Publish(ctx, l.topic, bus.Outgoing{Kind: bus.KindLedger, Text: string(data)}); err != nil {
		log.Warnf("replicate record: %v", err)
	}
}

// Close stops replication and closes every subscriber channel.
func (l *Ledger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unsub != nil {
		l.unsub()
		l.unsub = nil
	}
	for _, ch := range l.listeners {
		close(ch)
	}
	l.listeners = nil
}
