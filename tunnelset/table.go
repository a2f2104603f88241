// Package tunnelset implements the desired-state table: the authoritative
// mapping from domain to tunnel.Tunnel that the supervisor reconciles
// against the live set of forwards. It is a level-triggered edge detector
// exposing Wait(timeout)/ClearChanged() rather than a stream of deltas, because
// the supervisor only ever cares about the current set (see
// tunnel.Tunnel.Equal for the equality class it tracks).
package tunnelset

import (
	"sync"
	"time"

	"github.com/shanty-social/tunnel-agent/tunnel"
)

// Table is a mapping from domain to tunnel.Tunnel, with a level-triggered
// changed signal and a mutation lock that preserves snapshot atomicity for
// readers.
type Table struct {
	mu      sync.Mutex
	tunnels map[string]tunnel.Tunnel

	changedMu sync.Mutex
	changed   bool
	waiters   []chan struct{}
}

// New returns an empty Table.
func New() *Table {
	return &Table{tunnels: make(map[string]tunnel.Tunnel)}
}

// Get returns the tunnel for domain, and whether it was present.
func (t *Table) Get(domain string) (tunnel.Tunnel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tun, ok := t.tunnels[domain]
	return tun, ok
}

// Set stores tun under tun.Domain, raising the changed signal iff the new
// value is not structurally equal (tunnel.Tunnel.Equal) to the prior
// value. Absence counts as unequal. It returns whether the signal was
// raised, so callers such as the admin HTTP surface can distinguish a
// mutating call from a no-op one.
func (t *Table) Set(tun tunnel.Tunnel) bool {
	t.mu.Lock()
	prev, had := t.tunnels[tun.Domain]
	t.tunnels[tun.Domain] = tun
	t.mu.Unlock()

	changed := !had || !prev.Equal(tun)
	if changed {
		t.markChanged()
	}
	return changed
}

// Delete removes domain, raising the changed signal iff the key existed.
// It returns whether the key was present.
func (t *Table) Delete(domain string) bool {
	t.mu.Lock()
	_, had := t.tunnels[domain]
	delete(t.tunnels, domain)
	t.mu.Unlock()

	if had {
		t.markChanged()
	}
	return had
}

// Clear empties the table, raising the changed signal iff it was
// previously non-empty. It returns whether the table had any entries.
func (t *Table) Clear() bool {
	t.mu.Lock()
	hadAny := len(t.tunnels) > 0
	t.tunnels = make(map[string]tunnel.Tunnel)
	t.mu.Unlock()

	if hadAny {
		t.markChanged()
	}
	return hadAny
}

// Replace atomically swaps the contents of the table for the given
// mapping, raising the changed signal iff the new contents differ from
// the old as a set of (domain, host, port) triples. It returns whether
// the signal was raised.
func (t *Table) Replace(tunnels map[string]tunnel.Tunnel) bool {
	replacement := make(map[string]tunnel.Tunnel, len(tunnels))
	for k, v := range tunnels {
		replacement[k] = v
	}

	t.mu.Lock()
	differs := !sameTriples(t.tunnels, replacement)
	t.tunnels = replacement
	t.mu.Unlock()

	if differs {
		t.markChanged()
	}
	return differs
}

func sameTriples(a, b map[string]tunnel.Tunnel) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		other, ok := b[k]
		if !ok || !v.Equal(other) {
			return false
		}
	}
	return true
}

// Snapshot returns a stable copy of the table's contents, taken under the
// mutation lock.
func (t *Table) Snapshot() map[string]tunnel.Tunnel {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]tunnel.Tunnel, len(t.tunnels))
	for k, v := range t.tunnels {
		out[k] = v
	}
	return out
}

// Len returns the number of tunnels currently in the table.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tunnels)
}

func (t *Table) markChanged() {
	t.changedMu.Lock()
	t.changed = true
	waiters := t.waiters
	t.waiters = nil
	t.changedMu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

// ClearChanged clears the changed signal. The supervisor calls this at
// the start of each reconciliation tick, before taking its snapshot.
func (t *Table) ClearChanged() {
	t.changedMu.Lock()
	t.changed = false
	t.changedMu.Unlock()
}

// Wait blocks until the changed signal is set or timeout elapses,
// returning whether it was set. It does not clear the signal; call
// ClearChanged to do that once reconciliation begins.
func (t *Table) Wait(timeout time.Duration) bool {
	t.changedMu.Lock()
	if t.changed {
		t.changedMu.Unlock()
		return true
	}
	ch := make(chan struct{})
	t.waiters = append(t.waiters, ch)
	t.changedMu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-timer.C:
		t.changedMu.Lock()
		defer t.changedMu.Unlock()
		for i, w := range t.waiters {
			if w == ch {
				t.waiters = append(t.waiters[:i], t.waiters[i+1:]...)
				break
			}
		}
		return t.changed
	}
}
