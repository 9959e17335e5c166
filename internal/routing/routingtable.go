// Package routing implements the causal-cluster topology the driver
// tracks: three round-robin address rings (routers, readers, writers)
// with TTL expiry, refreshed through RoutingTableManager.
//
// The ring-with-cursor shape is grounded on the teacher's
// Dispatcher.nextStream round-robin selection; RoutingTableManager's
// hysteresis-free retry-until-accept loop is grounded on the same
// file's per-stream retry accounting (AutoScaler's scaleUp/scaleDown
// counters are the same "count attempts, act on threshold" idiom).
package routing

import (
	"time"

	"github.com/graphbolt/godriver/internal/address"
)

// AccessMode selects which ring a RoutingTable operation targets.
type AccessMode int

const (
	Read AccessMode = iota
	Write
)

func (m AccessMode) String() string {
	if m == Write {
		return "WRITE"
	}
	return "READ"
}

// ring is a round-robin sequence of addresses with its own cursor.
type ring struct {
	addrs  []address.Address
	cursor int
}

func (r *ring) next() (address.Address, bool) {
	if len(r.addrs) == 0 {
		return address.Address{}, false
	}
	a := r.addrs[r.cursor%len(r.addrs)]
	r.cursor++
	return a, true
}

func (r *ring) remove(addr address.Address) {
	out := r.addrs[:0]
	for _, a := range r.addrs {
		if !a.Equal(addr) {
			out = append(out, a)
		}
	}
	r.addrs = out
	r.cursor = 0
}

func (r *ring) contains(addr address.Address) bool {
	for _, a := range r.addrs {
		if a.Equal(addr) {
			return true
		}
	}
	return false
}

// prepend moves S to the front of the ring, deduplicated: entries of S
// already present are relocated rather than duplicated, and the
// cursor resets so the next TryNext call hits the first of S.
func (r *ring) prepend(s []address.Address) {
	seen := make(map[string]bool, len(s))
	head := make([]address.Address, 0, len(s))
	for _, a := range s {
		if seen[a.Key()] {
			continue
		}
		seen[a.Key()] = true
		head = append(head, a)
	}
	tail := make([]address.Address, 0, len(r.addrs))
	for _, a := range r.addrs {
		if !seen[a.Key()] {
			tail = append(tail, a)
		}
	}
	r.addrs = append(head, tail...)
	r.cursor = 0
}

// RoutingTable is the three rings plus TTL bookkeeping. All mutation
// happens under RoutingTableManager's lock; RoutingTable itself
// performs no locking of its own.
type RoutingTable struct {
	routers ring
	readers ring
	writers ring

	created time.Time
	ttl     time.Duration
}

// New builds a RoutingTable from the three role lists and a
// server-supplied TTL, clamped to floor by the caller before
// construction (RoutingTableManager applies RoutingTableTTLFloor).
func New(routers, readers, writers []address.Address, ttl time.Duration, now time.Time) *RoutingTable {
	return &RoutingTable{
		routers: ring{addrs: append([]address.Address{}, routers...)},
		readers: ring{addrs: append([]address.Address{}, readers...)},
		writers: ring{addrs: append([]address.Address{}, writers...)},
		created: now,
		ttl:     ttl,
	}
}

func (t *RoutingTable) ringFor(mode AccessMode) *ring {
	if mode == Write {
		return &t.writers
	}
	return &t.readers
}

// TryNext advances the cursor of the ring matching mode and returns
// the next address, or false if that ring is empty.
func (t *RoutingTable) TryNext(mode AccessMode) (address.Address, bool) {
	return t.ringFor(mode).next()
}

// IsStale reports whether now has reached the table's expiry, or the
// ring required for mode is empty (writers empty counts as stale for
// Write specifically, even though readers/writers are otherwise
// independent rings).
func (t *RoutingTable) IsStale(mode AccessMode, now time.Time) bool {
	if !now.Before(t.created.Add(t.ttl)) {
		return true
	}
	if len(t.ringFor(mode).addrs) == 0 {
		return true
	}
	if mode == Write && len(t.writers.addrs) == 0 {
		return true
	}
	return false
}

// Remove deletes addr from every ring.
func (t *RoutingTable) Remove(addr address.Address) {
	t.routers.remove(addr)
	t.readers.remove(addr)
	t.writers.remove(addr)
}

// RemoveWriter deletes addr from the writers ring only.
func (t *RoutingTable) RemoveWriter(addr address.Address) {
	t.writers.remove(addr)
}

// PrependRouters inserts s at the head of the routers ring, "move to
// front, deduplicated": entries already present are relocated rather
// than duplicated, visible as the very next round-robin hit.
func (t *RoutingTable) PrependRouters(s []address.Address) {
	t.routers.prepend(s)
}

// Routers returns the routers ring's current members, in ring order.
func (t *RoutingTable) Routers() []address.Address {
	return append([]address.Address{}, t.routers.addrs...)
}

// All returns the union of the three rings, deduplicated.
func (t *RoutingTable) All() []address.Address {
	seen := make(map[string]bool)
	var out []address.Address
	for _, r := range []*ring{&t.routers, &t.readers, &t.writers} {
		for _, a := range r.addrs {
			if !seen[a.Key()] {
				seen[a.Key()] = true
				out = append(out, a)
			}
		}
	}
	return out
}

// HasReaders and HasWriters report ring emptiness, used by
// RoutingTableManager's accept/discard decision on a freshly fetched
// table before it becomes the current one.
func (t *RoutingTable) HasReaders() bool { return len(t.readers.addrs) > 0 }
func (t *RoutingTable) HasWriters() bool { return len(t.writers.addrs) > 0 }
