package gossip

import (
	"slices"
	"sync"
	"time"

	"github.com/meridian-mesh/meridian/pkg/observability/telemetry"
	"github.com/meridian-mesh/meridian/pkg/types"
	"github.com/meridian-mesh/meridian/pkg/wire"
)

const maxRecordAddrs = 4

// PeerRecord is one entry in the membership view. Records are created on
// first contact (direct or via rumor) and never deleted while live: a Dead
// record is retained as a tombstone so stale rumors cannot resurrect the
// peer, and expires only after the retention window.
type PeerRecord struct {
	ID          types.ID
	Addrs       []string
	Incarnation uint64
	State       types.PeerState
	LastSeen    time.Time
}

func (r *PeerRecord) clone() PeerRecord {
	c := *r
	c.Addrs = slices.Clone(r.Addrs)
	return c
}

// View is the local membership view: a mapping from ID to PeerRecord,
// versioned as a whole by a logical epoch. All mutation is funneled
// through the runtime loop (single-writer); the internal lock exists only
// so other components can take consistent snapshots.
type View struct {
	local types.ID

	mu      sync.RWMutex
	epoch   uint64
	records map[types.ID]*PeerRecord
}

func NewView(local types.ID, localIncarnation uint64, localAddrs []string, now time.Time) *View {
	v := &View{
		local:   local,
		records: make(map[types.ID]*PeerRecord),
	}
	v.records[local] = &PeerRecord{
		ID:          local,
		Addrs:       slices.Clone(localAddrs),
		Incarnation: localIncarnation,
		State:       types.PeerStateAlive,
		LastSeen:    now,
	}
	return v
}

// statePriority orders verdicts at equal incarnation: a Dead verdict can
// never be silently overwritten by a stale Alive at the same incarnation.
func statePriority(s types.PeerState) int {
	switch s {
	case types.PeerStateDead:
		return 3
	case types.PeerStateSuspect:
		return 2
	case types.PeerStateAlive:
		return 1
	default: // Joining
		return 0
	}
}

// Merge applies an incoming record under the gossip merge rule: a strictly
// greater incarnation always wins; at equal incarnation only a
// higher-priority state applies. Returns true when the view changed.
// Merging the same record twice is a no-op the second time.
func (v *View) Merge(rec PeerRecord, now time.Time) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	curr, ok := v.records[rec.ID]
	if !ok {
		stored := rec.clone()
		if len(stored.Addrs) > maxRecordAddrs {
			stored.Addrs = stored.Addrs[:maxRecordAddrs]
		}
		// A peer first heard of by rumor starts Joining until direct
		// contact succeeds; verdict states are carried as-is.
		if stored.State == types.PeerStateAlive {
			stored.State = types.PeerStateJoining
		}
		stored.LastSeen = now
		v.records[rec.ID] = &stored
		v.epoch++
		return true
	}

	switch {
	case rec.Incarnation > curr.Incarnation:
	case rec.Incarnation == curr.Incarnation && statePriority(rec.State) > statePriority(curr.State):
	default:
		// Still merge addresses: connectivity hints are not verdicts.
		v.mergeAddrsLocked(curr, rec.Addrs)
		return false
	}

	curr.Incarnation = rec.Incarnation
	curr.State = rec.State
	curr.LastSeen = now
	v.mergeAddrsLocked(curr, rec.Addrs)
	v.epoch++
	return true
}

func (v *View) mergeAddrsLocked(curr *PeerRecord, addrs []string) {
	for _, a := range addrs {
		if a == "" || slices.Contains(curr.Addrs, a) {
			continue
		}
		if len(curr.Addrs) >= maxRecordAddrs {
			curr.Addrs = curr.Addrs[1:]
		}
		curr.Addrs = append(curr.Addrs, a)
	}
}

// ObserveAlive records direct contact with a peer: first contact creates
// an Alive record, a Joining record is promoted. A Dead tombstone is left
// untouched; only a higher incarnation re-admits the peer.
func (v *View) ObserveAlive(id types.ID, now time.Time) {
	if id == v.local {
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	curr, ok := v.records[id]
	if !ok {
		v.records[id] = &PeerRecord{ID: id, State: types.PeerStateAlive, LastSeen: now}
		v.epoch++
		return
	}
	if curr.State == types.PeerStateJoining {
		curr.State = types.PeerStateAlive
		curr.LastSeen = now
		v.epoch++
		return
	}
	if curr.State == types.PeerStateAlive {
		curr.LastSeen = now
	}
}

// SetState applies a local failure-detector verdict at the peer's current
// incarnation. Dead is terminal for that incarnation.
func (v *View) SetState(id types.ID, state types.PeerState, now time.Time) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	curr, ok := v.records[id]
	if !ok || curr.State == types.PeerStateDead || curr.State == state {
		return false
	}
	if state != types.PeerStateAlive && statePriority(state) <= statePriority(curr.State) {
		return false
	}
	// Alive only clears Suspect/Joining; it cannot override Dead (above).
	curr.State = state
	curr.LastSeen = now
	v.epoch++
	return true
}

// BumpSelf refutes a rumor about the local node by advancing its
// incarnation beyond the rumored one.
func (v *View) BumpSelf(beyond uint64, now time.Time) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	self := v.records[v.local]
	if beyond < self.Incarnation {
		beyond = self.Incarnation
	}
	self.Incarnation = beyond + 1
	self.State = types.PeerStateAlive
	self.LastSeen = now
	v.epoch++
	return self.Incarnation
}

// Digest summarizes the view as {id → incarnation} so a sync peer can
// return only the deltas we are missing.
func (v *View) Digest() *wire.Digest {
	v.mu.RLock()
	defer v.mu.RUnlock()

	d := &wire.Digest{Epoch: v.epoch, Entries: make([]wire.DigestEntry, 0, len(v.records))}
	for id, rec := range v.records {
		d.Entries = append(d.Entries, wire.DigestEntry{ID: id, Incarnation: rec.Incarnation})
	}
	return d
}

// DeltasFor returns the records the digest sender is missing or holds
// stale: anything absent from the digest, anything we know at a higher
// incarnation, and non-Alive verdicts at equal incarnation (the receiver's
// merge priority decides those).
func (v *View) DeltasFor(d *wire.Digest) []wire.PeerRecord {
	known := make(map[types.ID]uint64, len(d.Entries))
	for _, e := range d.Entries {
		known[e.ID] = e.Incarnation
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	var deltas []wire.PeerRecord
	for id, rec := range v.records {
		remote, ok := known[id]
		switch {
		case !ok:
		case rec.Incarnation > remote:
		case rec.Incarnation == remote && rec.State != types.PeerStateAlive && rec.State != types.PeerStateJoining:
		default:
			continue
		}
		deltas = append(deltas, wire.PeerRecord{
			ID:           id,
			Incarnation:  rec.Incarnation,
			State:        rec.State,
			Addrs:        slices.Clone(rec.Addrs),
			LastSeenUnix: rec.LastSeen.Unix(),
		})
	}
	return deltas
}

// StaleAgainst reports whether the digest advertises any peer we do not
// know, or know only at a lower incarnation. A true result means a
// reciprocal digest exchange would teach us something.
func (v *View) StaleAgainst(d *wire.Digest) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()

	for _, e := range d.Entries {
		rec, ok := v.records[e.ID]
		if !ok || e.Incarnation > rec.Incarnation {
			return true
		}
	}
	return false
}

// Get returns a copy of the record for id.
func (v *View) Get(id types.ID) (PeerRecord, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	rec, ok := v.records[id]
	if !ok {
		return PeerRecord{}, false
	}
	return rec.clone(), true
}

// Snapshot returns an immutable copy of every record.
func (v *View) Snapshot() []PeerRecord {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]PeerRecord, 0, len(v.records))
	for _, rec := range v.records {
		out = append(out, rec.clone())
	}
	return out
}

// AlivePeers lists remote peers currently considered Alive.
func (v *View) AlivePeers() []types.ID {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]types.ID, 0, len(v.records))
	for id, rec := range v.records {
		if id == v.local || rec.State != types.PeerStateAlive {
			continue
		}
		out = append(out, id)
	}
	return out
}

// ProbeCandidates lists remote peers eligible for liveness probing: Alive
// peers plus Joining peers awaiting their first direct contact.
func (v *View) ProbeCandidates() []types.ID {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]types.ID, 0, len(v.records))
	for id, rec := range v.records {
		if id == v.local {
			continue
		}
		if rec.State == types.PeerStateAlive || rec.State == types.PeerStateJoining {
			out = append(out, id)
		}
	}
	return out
}

// Epoch returns the logical version of the view as a whole.
func (v *View) Epoch() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.epoch
}

// LocalRecord returns a copy of the local node's record.
func (v *View) LocalRecord() PeerRecord {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.records[v.local].clone()
}

// SweepTombstones drops Dead records older than the retention window,
// bounding view growth under churn.
func (v *View) SweepTombstones(now time.Time, retention time.Duration) []types.ID {
	v.mu.Lock()
	defer v.mu.Unlock()

	var removed []types.ID
	for id, rec := range v.records {
		if rec.State == types.PeerStateDead && now.Sub(rec.LastSeen) > retention {
			delete(v.records, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		v.epoch++
	}
	return removed
}

// publishGauges pushes per-state membership counts to telemetry.
func (v *View) publishGauges() {
	counts := make(map[types.PeerState]int)
	v.mu.RLock()
	for _, rec := range v.records {
		counts[rec.State]++
	}
	v.mu.RUnlock()

	for _, s := range []types.PeerState{types.PeerStateJoining, types.PeerStateAlive, types.PeerStateSuspect, types.PeerStateDead} {
		telemetry.PeersByState.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}
