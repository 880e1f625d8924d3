package ledger

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/sha3"
)

// Kind is the closed set of ledger actions.
type Kind string

const (
	KindCreate        Kind = "create"
	KindAdd           Kind = "add"
	KindRemove        Kind = "remove"
	KindTransferAdmin Kind = "transferAdmin"
	KindLeave         Kind = "leave"
)

// Mode selects who may add members.
type Mode string

const (
	// ModePublic lets any member add others and anyone join.
	ModePublic Mode = "public"
	// ModeRestricted reserves adding to the admin and joining to members.
	ModeRestricted Mode = "restricted"
)

// Action is one signed, append-only history entry.
type Action struct {
	Kind      Kind   `json:"kind"`
	By        string `json:"by"`
	Target    string `json:"target,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Sig       []byte `json:"sig"`
}

// Record is the replicated group record. Admin and Members are a projection
// of History and are recomputed on every load and merge.
type Record struct {
	GroupID     string           `json:"groupId"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Avatar      string           `json:"avatar,omitempty"`
	Admin       string           `json:"admin"`
	Members     map[string]bool  `json:"members"`
	History     map[int64]Action `json:"history"`
}

// WellFormed reports whether the record carries an id and a name.
func (r *Record) WellFormed() bool {
	return r != nil && r.GroupID != "" && r.Name != ""
}

// IsMember reports whether address is currently a member.
func (r *Record) IsMember(address string) bool { return r.Members[address] }

// MemberList returns current members, sorted.
func (r *Record) MemberList() []string {
	out := make([]string, 0, len(r.Members))
	for addr, in := range r.Members {
		if in {
			out = append(out, addr)
		}
	}
	sort.Strings(out)
	return out
}

// Timeline returns the history in timestamp order.
func (r *Record) Timeline() []Action {
	out := make([]Action, 0, len(r.History))
	for _, ts := range r.timestamps() {
		out = append(out, r.History[ts])
	}
	return out
}

func (r *Record) Clone() *Record {
	cp := *r
	cp.Members = make(map[string]bool, len(r.Members))
	for k, v := range r.Members {
		cp.Members[k] = v
	}
	cp.History = make(map[int64]Action, len(r.History))
	for k, v := range r.History {
		cp.History[k] = v
	}
	return &cp
}

func (r *Record) timestamps() []int64 {
	ts := make([]int64, 0, len(r.History))
	for k := range r.History {
		ts = append(ts, k)
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })
	return ts
}

func (r *Record) lastTimestamp() int64 {
	var last int64
	for k := range r.History {
		if k > last {
			last = k
		}
	}
	return last
}

// nextTimestamp returns a history key later than every existing one.
func (r *Record) nextTimestamp(nowMs int64) int64 {
	if last := r.lastTimestamp(); nowMs <= last {
		return last + 1
	}
	return nowMs
}

// check validates kind by actor on target against the current projection.
func (r *Record) check(mode Mode, kind Kind, by, target string) error {
	switch kind {
	case KindCreate:
		return fmt.Errorf("%w: group %s already created", ErrInvalidTarget, r.GroupID)

	case KindAdd:
		if mode == ModeRestricted {
			if by != r.Admin {
				return fmt.Errorf("%w: only the admin adds members", ErrNotAuthorized)
			}
		} else if !r.Members[by] {
			return fmt.Errorf("%w: %s is not a member", ErrNotAuthorized, by)
		}
		if target == "" {
			return fmt.Errorf("%w: empty address", ErrInvalidTarget)
		}
		if r.Members[target] {
			return fmt.Errorf("%w: %s", ErrAlreadyMember, target)
		}

	case KindRemove:
		if by != r.Admin {
			return fmt.Errorf("%w: only the admin removes members", ErrNotAuthorized)
		}
		if target == r.Admin {
			return fmt.Errorf("%w: the admin cannot be removed", ErrInvalidTarget)
		}
		if !r.Members[target] {
			return fmt.Errorf("%w: %s", ErrNotAMember, target)
		}

	case KindTransferAdmin:
		if by != r.Admin {
			return fmt.Errorf("%w: only the admin transfers", ErrNotAuthorized)
		}
		if target == by {
			return fmt.Errorf("%w: transfer to self", ErrInvalidTarget)
		}
		if !r.Members[target] {
			return fmt.Errorf("%w: %s is not a member", ErrInvalidTarget, target)
		}

	case KindLeave:
		if !r.Members[by] {
			return fmt.Errorf("%w: %s", ErrNotAMember, by)
		}

	default:
		return fmt.Errorf("unknown action %q", kind)
	}
	return nil
}

func (r *Record) apply(a Action) {
	switch a.Kind {
	case KindCreate:
		r.Admin = a.By
		r.Members[a.By] = true
	case KindAdd:
		r.Members[a.Target] = true
	case KindRemove:
		r.Members[a.Target] = false
	case KindTransferAdmin:
		r.Admin = a.Target
	case KindLeave:
		r.Members[a.By] = false
	}
}

// replay rebuilds Admin and Members from History. Actions with a bad
// signature, or that break the rules at their point in the timeline, are
// skipped. Only the first valid create counts.
func (r *Record) replay(mode Mode, v Verifier) (skipped int) {
	r.Admin = ""
	r.Members = map[string]bool{}
	created := false

	for _, ts := range r.timestamps() {
		a := r.History[ts]
		if a.Timestamp != ts {
			skipped++
			continue
		}
		if err := v.Verify(a.By, signingBytes(r.GroupID, a), a.Sig); err != nil {
			log.Debugf("group %s: skipping %s at %d: %v", r.GroupID, a.Kind, ts, err)
			skipped++
			continue
		}
		if !created {
			if a.Kind == KindCreate {
				created = true
				r.apply(a)
			} else {
				skipped++
			}
			continue
		}
		if err := r.check(mode, a.Kind, a.By, a.Target); err != nil {
			log.Debugf("group %s: skipping %s at %d: %v", r.GroupID, a.Kind, ts, err)
			skipped++
			continue
		}
		r.apply(a)
	}
	return skipped
}

// absorb unions other's history into r and fills descriptive fields r
// lacks. Two different actions under one timestamp resolve to the one that
// sorts first, so every replica keeps the same entry; the other is returned
// as displaced. Reports whether anything changed.
func (r *Record) absorb(other *Record) (changed bool, displaced []Action) {
	if r.History == nil {
		r.History = map[int64]Action{}
	}
	for ts, a := range other.History {
		cur, ok := r.History[ts]
		switch {
		case !ok:
			r.History[ts] = a
			changed = true
		case sameAction(r.GroupID, cur, a):
		case precedes(r.GroupID, a, cur):
			r.History[ts] = a
			displaced = append(displaced, cur)
			changed = true
		default:
			displaced = append(displaced, a)
		}
	}
	if r.Name == "" && other.Name != "" {
		r.Name, changed = other.Name, true
	}
	if r.Description == "" && other.Description != "" {
		r.Description, changed = other.Description, true
	}
	if r.Avatar == "" && other.Avatar != "" {
		r.Avatar, changed = other.Avatar, true
	}
	return changed, displaced
}

// precedes orders colliding actions by their signed bytes, then signature.
func precedes(groupID string, a, b Action) bool {
	if c := bytes.Compare(signingBytes(groupID, a), signingBytes(groupID, b)); c != 0 {
		return c < 0
	}
	return bytes.Compare(a.Sig, b.Sig) < 0
}

func sameAction(groupID string, a, b Action) bool {
	return !precedes(groupID, a, b) && !precedes(groupID, b, a)
}

// signedFields is the canonical form an action signature covers. The group
// id is included so an action cannot be replayed into another group.
type signedFields struct {
	_         struct{} `cbor:",toarray"`
	GroupID   string
	Kind      Kind
	By        string
	Target    string
	Timestamp int64
}

var canonical = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

func signingBytes(groupID string, a Action) []byte {
	b, err := canonical.Marshal(signedFields{
		GroupID:   groupID,
		Kind:      a.Kind,
		By:        a.By,
		Target:    a.Target,
		Timestamp: a.Timestamp,
	})
	if err != nil {
		// Strings and an int64 always encode.
		panic(err)
	}
	return b
}

// newGroupID derives "0x" + keccak256(name + creation millis).
func newGroupID(name string, nowMs int64) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(name + strconv.FormatInt(nowMs, 10)))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}
