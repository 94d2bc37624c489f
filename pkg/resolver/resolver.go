// Package resolver maps peer identities to candidate network addresses.
// The table holds connectivity hints, not membership state: entries are
// merged, never replaced, and ordered by freshness.
package resolver

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-mesh/meridian/pkg/types"
)

// DefaultCandidateCap bounds learned addresses per peer.
const DefaultCandidateCap = 8

type candidate struct {
	addr      string
	source    types.AddrSource
	freshness time.Time
}

// Resolver holds an ordered, bounded candidate set per peer ID. Seed
// addresses supplied at startup carry an infinite freshness floor and are
// never evicted, so a node can always rejoin via seeds when every learned
// address has gone stale.
type Resolver struct {
	log *zap.SugaredLogger
	cap int

	mu    sync.RWMutex
	table map[types.ID][]candidate
}

func New(capacity int) *Resolver {
	if capacity <= 0 {
		capacity = DefaultCandidateCap
	}
	return &Resolver{
		log:   zap.S().Named("resolver"),
		cap:   capacity,
		table: make(map[types.ID][]candidate),
	}
}

// AddSeed pins a seed address for id. Seeds sort ahead of learned
// candidates only when fresher; they are exempt from eviction.
func (r *Resolver) AddSeed(id types.ID, addr string) {
	if addr == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.table[id] {
		if r.table[id][i].addr == addr {
			r.table[id][i].source = types.SourceSeed
			return
		}
	}
	r.table[id] = append(r.table[id], candidate{addr: addr, source: types.SourceSeed, freshness: time.Now()})
	r.log.Debugw("seed address added", "peer", id.Short(), "addr", addr)
}

// Update merges addr into the candidate set for id, refreshing its
// timestamp. The oldest learned candidate is evicted when the set exceeds
// capacity.
func (r *Resolver) Update(id types.ID, addr string, source types.AddrSource) {
	if addr == "" || id.IsZero() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	set := r.table[id]
	for i := range set {
		if set[i].addr == addr {
			set[i].freshness = now
			if source == types.SourceSeed {
				set[i].source = types.SourceSeed
			}
			return
		}
	}

	set = append(set, candidate{addr: addr, source: source, freshness: now})

	if overflow := len(set) - r.cap; overflow > 0 {
		set = evictOldestLearned(set, overflow)
	}
	r.table[id] = set
}

// Confirm bumps freshness for an address after a successful dial so it
// sorts first on subsequent lookups.
func (r *Resolver) Confirm(id types.ID, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.table[id] {
		if r.table[id][i].addr == addr {
			r.table[id][i].freshness = time.Now()
			return
		}
	}
}

// Lookup returns candidate addresses for id, most recently confirmed
// first. Empty when the peer is unknown.
func (r *Resolver) Lookup(id types.ID) []string {
	r.mu.RLock()
	set := r.table[id]
	sorted := make([]candidate, len(set))
	copy(sorted, set)
	r.mu.RUnlock()

	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].freshness.After(sorted[j].freshness)
	})

	addrs := make([]string, 0, len(sorted))
	for _, c := range sorted {
		addrs = append(addrs, c.addr)
	}
	return addrs
}

// Known reports whether any candidate exists for id.
func (r *Resolver) Known(id types.ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.table[id]) > 0
}

func evictOldestLearned(set []candidate, n int) []candidate {
	for ; n > 0; n-- {
		oldest := -1
		for i := range set {
			if set[i].source == types.SourceSeed {
				continue
			}
			if oldest == -1 || set[i].freshness.Before(set[oldest].freshness) {
				oldest = i
			}
		}
		if oldest == -1 {
			return set // all seeds, nothing evictable
		}
		set = append(set[:oldest], set[oldest+1:]...)
	}
	return set
}
