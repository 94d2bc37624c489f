package gossip

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-mesh/meridian/internal/testutil/memnet"
	"github.com/meridian-mesh/meridian/pkg/identity"
	"github.com/meridian-mesh/meridian/pkg/resolver"
	"github.com/meridian-mesh/meridian/pkg/types"
	"github.com/meridian-mesh/meridian/pkg/wire"
)

func fastConfig() Config {
	return Config{
		ProbeInterval:      20 * time.Millisecond,
		ProbeTimeout:       10 * time.Millisecond,
		IndirectProbes:     2,
		SuspectTimeout:     60 * time.Millisecond,
		GossipInterval:     25 * time.Millisecond,
		GossipFanout:       3,
		GossipJitter:       0.1,
		HopLimit:           4,
		SeenTTL:            time.Minute,
		SeenCapacity:       1024,
		TombstoneRetention: time.Minute,
	}
}

type testNode struct {
	rt    *Runtime
	ident *identity.Node
}

func newTestNode(t *testing.T, net *memnet.Network, cfg Config) *testNode {
	t.Helper()

	ident, err := identity.LoadOrGenerate(t.TempDir(), time.Hour, time.Now())
	require.NoError(t, err)

	ep := net.Endpoint(ident.ID())
	rt := New(ident, resolver.New(resolver.DefaultCandidateCap), ep, cfg)
	return &testNode{rt: rt, ident: ident}
}

func startNodes(t *testing.T, nodes ...*testNode) context.Context {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	for _, n := range nodes {
		n := n
		go func() { _ = n.rt.Run(ctx) }()
	}
	return ctx
}

func peerState(rt *Runtime, id types.ID) (types.PeerState, bool) {
	rec, ok := rt.View().Get(id)
	return rec.State, ok
}

func TestTwoNodesConvergeViaJoin(t *testing.T) {
	net := memnet.NewNetwork()
	cfg := fastConfig()

	a := newTestNode(t, net, cfg)
	b := newTestNode(t, net, cfg)
	ctx := startNodes(t, a, b)

	require.NoError(t, a.rt.Join(ctx, []types.ID{b.ident.ID()}))

	require.Eventually(t, func() bool {
		sa, okA := peerState(a.rt, b.ident.ID())
		sb, okB := peerState(b.rt, a.ident.ID())
		return okA && okB && sa == types.PeerStateAlive && sb == types.PeerStateAlive
	}, 2*time.Second, 10*time.Millisecond, "both nodes should see each other Alive")
}

func TestJoinFailsWhenAllSeedsUnreachable(t *testing.T) {
	net := memnet.NewNetwork()
	a := newTestNode(t, net, fastConfig())
	ctx := startNodes(t, a)

	var absent types.ID
	absent[0] = 0xff
	require.ErrorIs(t, a.rt.Join(ctx, []types.ID{absent}), ErrMeshUnreachable)

	// No seeds configured is not an error: the node waits to be contacted.
	require.NoError(t, a.rt.Join(ctx, nil))
}

func TestPublishDeliveredExactlyOnce(t *testing.T) {
	net := memnet.NewNetwork()
	cfg := fastConfig()

	a := newTestNode(t, net, cfg)
	b := newTestNode(t, net, cfg)
	c := newTestNode(t, net, cfg)
	ctx := startNodes(t, a, b, c)

	require.NoError(t, a.rt.Join(ctx, []types.ID{b.ident.ID(), c.ident.ID()}))
	require.Eventually(t, func() bool {
		return len(a.rt.View().AlivePeers()) == 2 &&
			len(b.rt.View().AlivePeers()) == 2 &&
			len(c.rt.View().AlivePeers()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	var bCount, cCount, aCount atomic.Int64
	b.rt.Subscribe(func(from types.ID, kind string, payload []byte) { bCount.Add(1) })
	c.rt.Subscribe(func(from types.ID, kind string, payload []byte) { cCount.Add(1) })
	a.rt.Subscribe(func(from types.ID, kind string, payload []byte) { aCount.Add(1) })

	id, err := a.rt.Publish(ctx, "test.event", []byte("hello"))
	require.NoError(t, err)
	assert.NotEqual(t, id.String(), "00000000-0000-0000-0000-000000000000")

	require.Eventually(t, func() bool {
		return bCount.Load() == 1 && cCount.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Re-forwarding between b and c must not double-deliver, and the
	// origin never delivers its own message locally.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int64(1), bCount.Load())
	assert.Equal(t, int64(1), cCount.Load())
	assert.Equal(t, int64(0), aCount.Load())
}

func TestPublishHopLimitZeroStaysLocal(t *testing.T) {
	net := memnet.NewNetwork()
	cfg := fastConfig()
	cfg.HopLimit = 0

	a := newTestNode(t, net, cfg)
	b := newTestNode(t, net, fastConfig())
	ctx := startNodes(t, a, b)

	require.NoError(t, a.rt.Join(ctx, []types.ID{b.ident.ID()}))
	require.Eventually(t, func() bool {
		s, ok := peerState(a.rt, b.ident.ID())
		return ok && s == types.PeerStateAlive
	}, 2*time.Second, 10*time.Millisecond)

	var delivered atomic.Int64
	b.rt.Subscribe(func(from types.ID, kind string, payload []byte) { delivered.Add(1) })

	_, err := a.rt.Publish(ctx, "test.event", []byte("stays home"))
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int64(0), delivered.Load())
}

func TestUnresponsivePeerDeclaredDead(t *testing.T) {
	net := memnet.NewNetwork()
	cfg := fastConfig()

	a := newTestNode(t, net, cfg)
	b := newTestNode(t, net, cfg)
	ctx := startNodes(t, a, b)

	require.NoError(t, a.rt.Join(ctx, []types.ID{b.ident.ID()}))
	require.Eventually(t, func() bool {
		s, ok := peerState(a.rt, b.ident.ID())
		return ok && s == types.PeerStateAlive
	}, 2*time.Second, 10*time.Millisecond)

	net.Remove(b.ident.ID())

	require.Eventually(t, func() bool {
		s, ok := peerState(a.rt, b.ident.ID())
		return ok && s == types.PeerStateDead
	}, 3*time.Second, 10*time.Millisecond, "probe escalation should end at Dead")
}

func TestDeadVerdictPropagatesAndRestartRejoins(t *testing.T) {
	net := memnet.NewNetwork()
	cfg := fastConfig()

	a := newTestNode(t, net, cfg)
	b := newTestNode(t, net, cfg)
	c := newTestNode(t, net, cfg)
	ctx := startNodes(t, a, b, c)

	require.NoError(t, a.rt.Join(ctx, []types.ID{b.ident.ID(), c.ident.ID()}))
	require.Eventually(t, func() bool {
		return len(a.rt.View().AlivePeers()) == 2 &&
			len(b.rt.View().AlivePeers()) == 2 &&
			len(c.rt.View().AlivePeers()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	net.Remove(c.ident.ID())

	// Every survivor converges on the Dead verdict, whether reached by its
	// own probe escalation or learned through anti-entropy.
	deadAt := func(rt *Runtime) bool {
		s, ok := peerState(rt, c.ident.ID())
		return ok && s == types.PeerStateDead
	}
	require.Eventually(t, func() bool {
		return deadAt(a.rt) && deadAt(b.rt)
	}, 3*time.Second, 10*time.Millisecond, "survivors should agree the peer is dead")

	// The peer restarts with the same identity and a fresh clock-seeded
	// incarnation; the higher incarnation must override the tombstones.
	restarted := New(c.ident, resolver.New(resolver.DefaultCandidateCap), net.Endpoint(c.ident.ID()), cfg)
	go func() { _ = restarted.Run(ctx) }()
	require.NoError(t, restarted.Join(ctx, []types.ID{a.ident.ID()}))

	require.Eventually(t, func() bool {
		sa, okA := peerState(a.rt, c.ident.ID())
		sb, okB := peerState(b.rt, c.ident.ID())
		return okA && okB && sa == types.PeerStateAlive && sb == types.PeerStateAlive
	}, 3*time.Second, 10*time.Millisecond, "restarted peer should be re-admitted everywhere")
}

func TestSelfRefutationBumpsIncarnation(t *testing.T) {
	net := memnet.NewNetwork()
	a := newTestNode(t, net, fastConfig())

	before := a.rt.View().LocalRecord()

	// A rumor declaring us Suspect at our own incarnation must be refuted
	// with a strictly higher one.
	a.rt.maybeRefuteSelf(wire.PeerRecord{
		ID:          a.ident.ID(),
		Incarnation: before.Incarnation,
		State:       types.PeerStateSuspect,
	}, time.Now())

	after := a.rt.View().LocalRecord()
	assert.Greater(t, after.Incarnation, before.Incarnation)
	assert.Equal(t, types.PeerStateAlive, after.State)

	// A stale rumor below the current incarnation is ignored.
	a.rt.maybeRefuteSelf(wire.PeerRecord{
		ID:          a.ident.ID(),
		Incarnation: 1,
		State:       types.PeerStateDead,
	}, time.Now())
	assert.Equal(t, after.Incarnation, a.rt.View().LocalRecord().Incarnation)
}

func TestDroppedEnvelopeWithBadSignature(t *testing.T) {
	net := memnet.NewNetwork()
	cfg := fastConfig()

	a := newTestNode(t, net, cfg)
	b := newTestNode(t, net, cfg)
	ctx := startNodes(t, b)

	// Hand-craft an envelope with a corrupted signature and push it at b.
	ep := net.Endpoint(a.ident.ID())
	body, err := (&wire.Publish{AppKind: "test.event", Data: []byte("x")}).Marshal()
	require.NoError(t, err)
	env := wire.NewEnvelope(types.MsgKindPublish, a.ident.ID(), a.ident.PublicKey(), body, a.ident.Sign)
	env.Signature[0] ^= 0xff

	var delivered atomic.Int64
	b.rt.Subscribe(func(from types.ID, kind string, payload []byte) { delivered.Add(1) })

	require.NoError(t, ep.Send(ctx, b.ident.ID(), env))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int64(0), delivered.Load())
	_, known := b.rt.View().Get(a.ident.ID())
	assert.False(t, known, "unverifiable traffic must not create membership state")
}
