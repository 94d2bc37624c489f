// Package gossip implements the membership and dissemination runtime: a
// single-writer event loop that owns the membership view, drives periodic
// failure-detection probes and anti-entropy digest exchanges, and floods
// application messages to a random fanout with hop-bounded, deduplicated
// re-forwarding.
package gossip

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridian-mesh/meridian/pkg/identity"
	"github.com/meridian-mesh/meridian/pkg/observability/telemetry"
	"github.com/meridian-mesh/meridian/pkg/resolver"
	"github.com/meridian-mesh/meridian/pkg/transport"
	"github.com/meridian-mesh/meridian/pkg/types"
	"github.com/meridian-mesh/meridian/pkg/util"
	"github.com/meridian-mesh/meridian/pkg/wire"
)

const (
	publishBufSize    = 64
	relayTTL          = 10 * time.Second
	tombstoneSweepDiv = 4
)

// ErrMeshUnreachable is returned when every configured seed is
// unreachable at startup: the node cannot join the mesh and the operator
// has to intervene.
var ErrMeshUnreachable = errors.New("unable to reach any seed peer")

// Transport is the channel-oriented surface the runtime needs; satisfied
// by the QUIC transport and by the in-memory test network.
type Transport interface {
	Send(ctx context.Context, to types.ID, env *wire.Envelope) error
	Inbound() <-chan transport.Delivery
}

// Handler receives each deduplicated inbound application message exactly
// once.
type Handler func(from types.ID, kind string, payload []byte)

type Config struct {
	ProbeInterval  time.Duration
	ProbeTimeout   time.Duration
	IndirectProbes int
	SuspectTimeout time.Duration

	GossipInterval time.Duration
	GossipFanout   int
	GossipJitter   float64

	HopLimit     int
	SeenTTL      time.Duration
	SeenCapacity int

	TombstoneRetention time.Duration

	AdvertisedAddrs []string
}

type publishReq struct {
	env *wire.Envelope
}

type relayKey struct {
	seq    uint64
	target types.ID
}

type relayEntry struct {
	requester types.ID
	expiresAt time.Time
}

type Runtime struct {
	log  *zap.SugaredLogger
	cfg  Config
	node *identity.Node
	res  *resolver.Resolver
	tr   Transport

	view   *View
	det    *detector
	seen   *seenCache
	relays map[relayKey]relayEntry

	publishCh chan publishReq
	handlers  []Handler
	subscribe chan Handler

	// Owned by Run; set before the loop starts and touched only on the
	// loop goroutine.
	gossipTick *util.JitterTicker
}

func New(node *identity.Node, res *resolver.Resolver, tr Transport, cfg Config) *Runtime {
	now := time.Now()
	return &Runtime{
		log:  zap.S().Named("gossip"),
		cfg:  cfg,
		node: node,
		res:  res,
		tr:   tr,
		// Incarnations must be strictly greater after a restart so a
		// retained Dead tombstone for the previous life is overridden;
		// seeding from the clock at nanosecond granularity guarantees that
		// without persistence, even across immediate restarts.
		view:      NewView(node.ID(), uint64(now.UnixNano()), cfg.AdvertisedAddrs, now),
		det:       newDetector(DetectorConfig{ProbeTimeout: cfg.ProbeTimeout, SuspectTimeout: cfg.SuspectTimeout, IndirectProbes: cfg.IndirectProbes}),
		seen:      newSeenCache(cfg.SeenCapacity, cfg.SeenTTL),
		relays:    make(map[relayKey]relayEntry),
		publishCh: make(chan publishReq, publishBufSize),
		subscribe: make(chan Handler, 8),
	}
}

// View exposes read-only snapshots of the membership view.
func (r *Runtime) View() *View {
	return r.view
}

// Publish floods an application message to the mesh and returns its
// message ID. Delivery is at-least-once on the network and exactly-once
// per subscriber through the dedup seen-set.
func (r *Runtime) Publish(ctx context.Context, kind string, payload []byte) (uuid.UUID, error) {
	body, err := (&wire.Publish{AppKind: kind, Data: payload}).Marshal()
	if err != nil {
		return uuid.Nil, err
	}
	env := r.newEnvelope(types.MsgKindPublish, body)

	select {
	case r.publishCh <- publishReq{env: env}:
		return env.MessageID, nil
	case <-ctx.Done():
		return uuid.Nil, ctx.Err()
	}
}

// Subscribe registers a handler invoked once per deduplicated inbound
// message. Registration is routed through the runtime loop so handler
// state needs no locking.
func (r *Runtime) Subscribe(h Handler) {
	r.subscribe <- h
}

// Join contacts the given peers (normally the configured seeds) with an
// initial digest so membership state starts flowing. It fails only when
// every address of every seed is exhausted.
func (r *Runtime) Join(ctx context.Context, seeds []types.ID) error {
	if len(seeds) == 0 {
		return nil
	}

	reached := 0
	for _, seed := range seeds {
		env := r.newDigestEnvelope()
		if err := r.tr.Send(ctx, seed, env); err != nil {
			r.log.Warnw("seed unreachable", "peer", seed.Short(), "err", err)
			continue
		}
		reached++
	}
	if reached == 0 {
		return ErrMeshUnreachable
	}
	return nil
}

// Run drives the runtime loop until ctx is cancelled. All mutation of the
// membership view, resolver table, seen-set and relay table happens on
// this goroutine.
func (r *Runtime) Run(ctx context.Context) error {
	probeTicker := time.NewTicker(r.cfg.ProbeInterval)
	defer probeTicker.Stop()

	gossipTicker := util.NewJitterTicker(ctx, r.cfg.GossipInterval, r.cfg.GossipJitter)
	defer gossipTicker.Stop()
	r.gossipTick = gossipTicker

	sweepInterval := r.cfg.TombstoneRetention / tombstoneSweepDiv
	if sweepInterval < time.Second {
		sweepInterval = time.Second
	}
	sweepTicker := time.NewTicker(sweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-probeTicker.C:
			outputs := r.det.Step(now, Tick{Candidates: r.view.ProbeCandidates()})
			r.applyDetectorOutputs(ctx, now, outputs)
			r.pruneRelays(now)
			r.view.publishGauges()
		case <-gossipTicker.C:
			r.antiEntropy(ctx)
		case now := <-sweepTicker.C:
			if removed := r.view.SweepTombstones(now, r.cfg.TombstoneRetention); len(removed) > 0 {
				for _, id := range removed {
					r.det.Step(now, Forget{Peer: id})
				}
				r.log.Debugw("tombstones expired", "count", len(removed))
			}
		case d := <-r.tr.Inbound():
			r.handleDelivery(ctx, d)
		case req := <-r.publishCh:
			r.floodLocal(ctx, req.env)
		case h := <-r.subscribe:
			r.handlers = append(r.handlers, h)
		}
	}
}

func (r *Runtime) newEnvelope(kind types.MsgKind, payload []byte) *wire.Envelope {
	return wire.NewEnvelope(kind, r.node.ID(), r.node.PublicKey(), payload, r.node.Sign)
}

func (r *Runtime) newDigestEnvelope() *wire.Envelope {
	return r.newEnvelope(types.MsgKindSyncDigest, r.view.Digest().Marshal())
}

// floodLocal starts dissemination of a locally published message. A hop
// limit of zero means the message never leaves this node.
func (r *Runtime) floodLocal(ctx context.Context, env *wire.Envelope) {
	r.seen.MarkSeen(env.MessageID, time.Now())
	telemetry.MessagesTotal.WithLabelValues("published").Inc()

	if r.cfg.HopLimit == 0 {
		return
	}
	r.fanOut(ctx, env, env.Origin)
}

// fanOut sends env to a random fanout of Alive peers, excluding the given
// IDs. Each send runs on its own goroutine so one slow peer never stalls
// the others.
func (r *Runtime) fanOut(ctx context.Context, env *wire.Envelope, exclude ...types.ID) {
	targets := pickRandom(r.view.AlivePeers(), r.cfg.GossipFanout, exclude...)
	for _, target := range targets {
		r.sendAsync(ctx, target, env)
	}
}

func (r *Runtime) sendAsync(ctx context.Context, to types.ID, env *wire.Envelope) {
	go func() {
		if err := r.tr.Send(ctx, to, env); err != nil {
			r.log.Debugw("send failed", "peer", to.Short(), "kind", env.Kind.String(), "err", err)
		}
	}()
}

// antiEntropy sends the view digest to a random fanout of peers; each
// replies with only the records we are missing or hold stale.
func (r *Runtime) antiEntropy(ctx context.Context) {
	targets := pickRandom(r.view.AlivePeers(), r.cfg.GossipFanout)
	if len(targets) == 0 {
		return
	}
	telemetry.GossipRoundsTotal.Inc()

	for _, target := range targets {
		r.sendAsync(ctx, target, r.newDigestEnvelope())
	}
}

func (r *Runtime) applyDetectorOutputs(ctx context.Context, now time.Time, outputs []Output) {
	for _, out := range outputs {
		switch e := out.(type) {
		case SendProbe:
			telemetry.ProbesTotal.WithLabelValues("direct", "sent").Inc()
			r.sendAsync(ctx, e.Target, r.newEnvelope(types.MsgKindPing, (&wire.Ping{Seq: e.Seq}).Marshal()))
		case SendIndirectProbes:
			body := (&wire.IndirectProbeRequest{Seq: e.Seq, Target: e.Target}).Marshal()
			relays := pickRandom(r.view.AlivePeers(), e.K, e.Target)
			telemetry.ProbesTotal.WithLabelValues("indirect", "sent").Inc()
			for _, via := range relays {
				r.sendAsync(ctx, via, r.newEnvelope(types.MsgKindIndirectProbeRequest, body))
			}
		case DeclareSuspect:
			if r.view.SetState(e.Peer, types.PeerStateSuspect, now) {
				telemetry.ProbesTotal.WithLabelValues("direct", "timeout").Inc()
				r.log.Infow("peer suspected", "peer", e.Peer.Short())
			}
		case DeclareDead:
			if r.view.SetState(e.Peer, types.PeerStateDead, now) {
				r.log.Warnw("peer declared dead", "peer", e.Peer.Short())
			}
		case DeclareAlive:
			if r.view.SetState(e.Peer, types.PeerStateAlive, now) {
				r.log.Infow("suspect refuted by ack", "peer", e.Peer.Short())
			}
		}
	}
}

func (r *Runtime) handleDelivery(ctx context.Context, d transport.Delivery) {
	env := d.Env
	if err := env.Verify(); err != nil {
		telemetry.ProtocolViolationsTotal.WithLabelValues("bad_signature").Inc()
		r.log.Warnw("dropping unverifiable envelope", "from", d.From.Short(), "err", err)
		return
	}

	now := time.Now()
	r.view.ObserveAlive(d.From, now)

	switch env.Kind {
	case types.MsgKindPing:
		r.handlePing(ctx, d.From, env)
	case types.MsgKindAck:
		r.handleAck(ctx, now, env)
	case types.MsgKindIndirectProbeRequest:
		r.handleIndirectProbeRequest(ctx, d.From, now, env)
	case types.MsgKindSyncDigest:
		r.handleSyncDigest(ctx, d.From, env)
	case types.MsgKindSyncResponse:
		r.handleSyncResponse(ctx, now, env)
	case types.MsgKindPublish:
		r.handlePublish(ctx, d.From, now, env)
	default:
		telemetry.ProtocolViolationsTotal.WithLabelValues("unknown_kind").Inc()
	}
}

func (r *Runtime) handlePing(ctx context.Context, from types.ID, env *wire.Envelope) {
	ping, err := wire.UnmarshalPing(env.Payload)
	if err != nil {
		r.log.Debugw("malformed ping", "from", from.Short(), "err", err)
		return
	}
	ack := (&wire.Ack{Seq: ping.Seq, Subject: r.node.ID()}).Marshal()
	r.sendAsync(ctx, from, r.newEnvelope(types.MsgKindAck, ack))
}

func (r *Runtime) handleAck(ctx context.Context, now time.Time, env *wire.Envelope) {
	ack, err := wire.UnmarshalAck(env.Payload)
	if err != nil {
		return
	}

	telemetry.ProbesTotal.WithLabelValues("direct", "acked").Inc()
	outputs := r.det.Step(now, AckReceived{Subject: ack.Subject, Seq: ack.Seq})
	r.applyDetectorOutputs(ctx, now, outputs)

	// Relay acknowledgments for probes we performed on another node's
	// behalf.
	if entry, ok := r.relays[relayKey{seq: ack.Seq, target: ack.Subject}]; ok {
		delete(r.relays, relayKey{seq: ack.Seq, target: ack.Subject})
		r.sendAsync(ctx, entry.requester, r.newEnvelope(types.MsgKindAck, env.Payload))
	}
}

func (r *Runtime) handleIndirectProbeRequest(ctx context.Context, from types.ID, now time.Time, env *wire.Envelope) {
	req, err := wire.UnmarshalIndirectProbeRequest(env.Payload)
	if err != nil {
		return
	}

	r.relays[relayKey{seq: req.Seq, target: req.Target}] = relayEntry{
		requester: from,
		expiresAt: now.Add(relayTTL),
	}
	r.sendAsync(ctx, req.Target, r.newEnvelope(types.MsgKindPing, (&wire.Ping{Seq: req.Seq}).Marshal()))
}

func (r *Runtime) handleSyncDigest(ctx context.Context, from types.ID, env *wire.Envelope) {
	digest, err := wire.UnmarshalDigest(env.Payload)
	if err != nil {
		return
	}

	if deltas := r.view.DeltasFor(digest); len(deltas) > 0 {
		body, err := (&wire.SyncResponse{Records: deltas}).Marshal()
		if err != nil {
			r.log.Errorw("marshal sync response", "err", err)
			return
		}
		r.sendAsync(ctx, from, r.newEnvelope(types.MsgKindSyncResponse, body))
	}

	// Pull half of the exchange: if the sender's digest advertises
	// incarnations ahead of ours, reciprocate with our digest so the
	// sender's reply closes the gap. Without this a node that restarted
	// behind our tombstone could never push its new incarnation to us.
	if r.view.StaleAgainst(digest) {
		r.sendAsync(ctx, from, r.newDigestEnvelope())
	}

	// A full exchange just happened with this peer; our own round can
	// wait a fresh interval.
	r.gossipTick.Bump()
}

func (r *Runtime) handleSyncResponse(ctx context.Context, now time.Time, env *wire.Envelope) {
	resp, err := wire.UnmarshalSyncResponse(env.Payload)
	if err != nil {
		return
	}

	for _, rec := range resp.Records {
		if rec.ID == r.node.ID() {
			r.maybeRefuteSelf(rec, now)
			continue
		}

		merged := r.view.Merge(PeerRecord{
			ID:          rec.ID,
			Addrs:       rec.Addrs,
			Incarnation: rec.Incarnation,
			State:       rec.State,
			LastSeen:    time.Unix(rec.LastSeenUnix, 0),
		}, now)

		for _, addr := range rec.Addrs {
			r.res.Update(rec.ID, addr, types.SourceLearned)
		}

		if !merged {
			continue
		}
		switch rec.State {
		case types.PeerStateAlive:
			// A newer Alive incarnation refutes any local suspicion.
			r.applyDetectorOutputs(ctx, now, r.det.Step(now, Refuted{Peer: rec.ID}))
		case types.PeerStateDead:
			r.det.Step(now, Forget{Peer: rec.ID})
		}
	}
}

// maybeRefuteSelf answers rumors that mark the local node Suspect or Dead
// by broadcasting a strictly higher incarnation.
func (r *Runtime) maybeRefuteSelf(rec wire.PeerRecord, now time.Time) {
	local := r.view.LocalRecord()
	if rec.Incarnation < local.Incarnation {
		return
	}
	if rec.State != types.PeerStateSuspect && rec.State != types.PeerStateDead {
		return
	}

	next := r.view.BumpSelf(rec.Incarnation, now)
	r.log.Infow("refuting rumor about self", "rumored_state", rec.State.String(), "new_incarnation", next)
}

func (r *Runtime) handlePublish(ctx context.Context, from types.ID, now time.Time, env *wire.Envelope) {
	if r.seen.MarkSeen(env.MessageID, now) {
		telemetry.MessagesTotal.WithLabelValues("duplicate").Inc()
		return
	}

	pub, err := wire.UnmarshalPublish(env.Payload)
	if err != nil {
		telemetry.ProtocolViolationsTotal.WithLabelValues("malformed_publish").Inc()
		return
	}

	telemetry.MessagesTotal.WithLabelValues("delivered").Inc()
	handlers := make([]Handler, len(r.handlers))
	copy(handlers, r.handlers)
	go func() {
		for _, h := range handlers {
			h(env.Origin, pub.AppKind, pub.Data)
		}
	}()

	if int(env.Hop) >= r.cfg.HopLimit {
		telemetry.MessagesTotal.WithLabelValues("expired").Inc()
		return
	}

	fwd := *env
	fwd.Hop = env.Hop + 1
	telemetry.MessagesTotal.WithLabelValues("forwarded").Inc()
	r.fanOut(ctx, &fwd, env.Origin, from)
}

func (r *Runtime) pruneRelays(now time.Time) {
	for k, e := range r.relays {
		if now.After(e.expiresAt) {
			delete(r.relays, k)
		}
	}
}

// pickRandom selects up to n random IDs, excluding any listed.
func pickRandom(ids []types.ID, n int, exclude ...types.ID) []types.ID {
	if n <= 0 {
		return nil
	}

	excluded := make(map[types.ID]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}

	candidates := make([]types.ID, 0, len(ids))
	for _, id := range ids {
		if _, ok := excluded[id]; !ok {
			candidates = append(candidates, id)
		}
	}

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}
