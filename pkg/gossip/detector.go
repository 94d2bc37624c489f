package gossip

import (
	"time"

	"github.com/meridian-mesh/meridian/pkg/types"
)

// The failure detector is a pure state machine: the runtime feeds it
// inputs (ticks, acks, refutations) and executes the outputs it emits
// (send probes, declare verdicts). No I/O and no wall clock in here, so
// the probe/suspect/dead escalation is testable with a synthetic clock.

type DetectorConfig struct {
	ProbeTimeout   time.Duration
	SuspectTimeout time.Duration
	IndirectProbes int
}

// Input events.
type Input interface{ isInput() }

// Tick evaluates deadlines and starts the next probe round. Candidates is
// the current probe candidate set (remote Alive and Joining peers).
type Tick struct {
	Candidates []types.ID
}

func (Tick) isInput() {}

// AckReceived signals an acknowledgment for Subject, direct or relayed.
type AckReceived struct {
	Subject types.ID
	Seq     uint64
}

func (AckReceived) isInput() {}

// Refuted signals that a higher incarnation for the peer arrived via
// gossip, clearing any suspicion locally.
type Refuted struct {
	Peer types.ID
}

func (Refuted) isInput() {}

// Forget drops all detector state for a peer (declared Dead or swept).
type Forget struct {
	Peer types.ID
}

func (Forget) isInput() {}

// Output effects, executed by the runtime.
type Output interface{ isOutput() }

// SendProbe asks the runtime to send a direct ping.
type SendProbe struct {
	Target types.ID
	Seq    uint64
}

func (SendProbe) isOutput() {}

// SendIndirectProbes asks the runtime to fan an indirect probe request out
// to k other Alive peers.
type SendIndirectProbes struct {
	Target types.ID
	Seq    uint64
	K      int
}

func (SendIndirectProbes) isOutput() {}

// DeclareSuspect reports that direct and indirect probing both failed.
type DeclareSuspect struct{ Peer types.ID }

func (DeclareSuspect) isOutput() {}

// DeclareDead reports that the suspect timeout elapsed with no refutation.
type DeclareDead struct{ Peer types.ID }

func (DeclareDead) isOutput() {}

// DeclareAlive reports a suspect cleared by an acknowledgment.
type DeclareAlive struct{ Peer types.ID }

func (DeclareAlive) isOutput() {}

type probePhase int

const (
	phaseDirect probePhase = iota
	phaseIndirect
)

type pendingProbe struct {
	target   types.ID
	seq      uint64
	phase    probePhase
	deadline time.Time
}

type detector struct {
	cfg DetectorConfig

	seq      uint64
	queue    []types.ID
	pending  *pendingProbe
	suspects map[types.ID]time.Time // suspect deadline per peer
}

func newDetector(cfg DetectorConfig) *detector {
	return &detector{
		cfg:      cfg,
		suspects: make(map[types.ID]time.Time),
	}
}

func (d *detector) Step(now time.Time, in Input) []Output {
	switch e := in.(type) {
	case Tick:
		return d.tick(now, e.Candidates)
	case AckReceived:
		return d.ack(e)
	case Refuted:
		return d.clear(e.Peer)
	case Forget:
		d.forget(e.Peer)
		return nil
	}
	return nil
}

func (d *detector) tick(now time.Time, candidates []types.ID) []Output {
	var outputs []Output

	outputs = append(outputs, d.expirePending(now)...)
	outputs = append(outputs, d.expireSuspects(now)...)

	if d.pending == nil {
		if target, ok := d.nextTarget(candidates); ok {
			d.seq++
			d.pending = &pendingProbe{
				target:   target,
				seq:      d.seq,
				phase:    phaseDirect,
				deadline: now.Add(d.cfg.ProbeTimeout),
			}
			outputs = append(outputs, SendProbe{Target: target, Seq: d.seq})
		}
	}

	return outputs
}

// expirePending escalates a timed-out direct probe to a bounded round of
// indirect probes, and a timed-out indirect round to a Suspect verdict.
func (d *detector) expirePending(now time.Time) []Output {
	p := d.pending
	if p == nil || now.Before(p.deadline) {
		return nil
	}

	if p.phase == phaseDirect {
		p.phase = phaseIndirect
		p.deadline = now.Add(d.cfg.ProbeTimeout)
		return []Output{SendIndirectProbes{Target: p.target, Seq: p.seq, K: d.cfg.IndirectProbes}}
	}

	d.pending = nil
	d.suspects[p.target] = now.Add(d.cfg.SuspectTimeout)
	return []Output{DeclareSuspect{Peer: p.target}}
}

func (d *detector) expireSuspects(now time.Time) []Output {
	var outputs []Output
	for peer, deadline := range d.suspects {
		if now.Before(deadline) {
			continue
		}
		delete(d.suspects, peer)
		outputs = append(outputs, DeclareDead{Peer: peer})
	}
	return outputs
}

func (d *detector) ack(e AckReceived) []Output {
	if p := d.pending; p != nil && p.target == e.Subject && p.seq == e.Seq {
		d.pending = nil
	}
	// Any acknowledgment for a suspect refutes the suspicion, regardless
	// of which probe round produced it.
	return d.clear(e.Subject)
}

func (d *detector) clear(peer types.ID) []Output {
	if _, ok := d.suspects[peer]; !ok {
		return nil
	}
	delete(d.suspects, peer)
	return []Output{DeclareAlive{Peer: peer}}
}

func (d *detector) forget(peer types.ID) {
	delete(d.suspects, peer)
	if d.pending != nil && d.pending.target == peer {
		d.pending = nil
	}
	for i, id := range d.queue {
		if id == peer {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			break
		}
	}
}

// nextTarget pops the round-robin queue, refilling it from the current
// candidate set when exhausted. Peers that left the candidate set since
// the last refill are skipped.
func (d *detector) nextTarget(candidates []types.ID) (types.ID, bool) {
	if len(candidates) == 0 {
		d.queue = nil
		return types.ID{}, false
	}

	eligible := make(map[types.ID]struct{}, len(candidates))
	for _, id := range candidates {
		eligible[id] = struct{}{}
	}

	for len(d.queue) > 0 {
		target := d.queue[0]
		d.queue = d.queue[1:]
		if _, ok := eligible[target]; ok {
			return target, true
		}
	}

	d.queue = append(d.queue[:0], candidates...)
	target := d.queue[0]
	d.queue = d.queue[1:]
	return target, true
}
