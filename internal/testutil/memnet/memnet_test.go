package memnet

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-mesh/meridian/pkg/types"
	"github.com/meridian-mesh/meridian/pkg/wire"
)

func testEnvelope(t *testing.T) *wire.Envelope {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return wire.NewEnvelope(types.MsgKindPublish, types.Fingerprint(pub), pub, []byte("payload"), func(b []byte) []byte {
		return ed25519.Sign(priv, b)
	})
}

func TestSendDeliversIndependentCopy(t *testing.T) {
	net := NewNetwork()
	a := net.Endpoint(types.ID{1})
	b := net.Endpoint(types.ID{2})

	env := testEnvelope(t)
	require.NoError(t, a.Send(context.Background(), b.ID(), env))

	d := <-b.Inbound()
	assert.Equal(t, a.ID(), d.From)
	assert.Equal(t, env.MessageID, d.Env.MessageID)
	require.NoError(t, d.Env.Verify())

	// Mutating the received copy must not affect the sender's envelope.
	d.Env.Payload[0] ^= 0xff
	assert.NotEqual(t, env.Payload, d.Env.Payload)
}

func TestSendToUnknownPeerFails(t *testing.T) {
	net := NewNetwork()
	a := net.Endpoint(types.ID{1})

	err := a.Send(context.Background(), types.ID{9}, testEnvelope(t))
	require.ErrorIs(t, err, ErrPeerUnreachable)
}

func TestRemovedEndpointIsFullySilenced(t *testing.T) {
	net := NewNetwork()
	a := net.Endpoint(types.ID{1})
	b := net.Endpoint(types.ID{2})

	net.Remove(types.ID{1})
	require.ErrorIs(t, b.Send(context.Background(), a.ID(), testEnvelope(t)), ErrPeerUnreachable)
	require.ErrorIs(t, a.Send(context.Background(), b.ID(), testEnvelope(t)), ErrPeerUnreachable)

	// A replacement endpoint under the same ID takes over; the stale one
	// stays dead in both directions.
	a2 := net.Endpoint(types.ID{1})
	require.NoError(t, a2.Send(context.Background(), b.ID(), testEnvelope(t)))
	require.NoError(t, b.Send(context.Background(), a2.ID(), testEnvelope(t)))
	require.ErrorIs(t, a.Send(context.Background(), b.ID(), testEnvelope(t)), ErrPeerUnreachable)

	select {
	case d := <-a2.inbound:
		require.Equal(t, b.ID(), d.From)
	default:
		t.Fatal("replacement endpoint received nothing")
	}
}

func TestSeverAndHeal(t *testing.T) {
	net := NewNetwork()
	a := net.Endpoint(types.ID{1})
	b := net.Endpoint(types.ID{2})

	net.Sever(a.ID(), b.ID())
	require.ErrorIs(t, a.Send(context.Background(), b.ID(), testEnvelope(t)), ErrPeerUnreachable)
	require.ErrorIs(t, b.Send(context.Background(), a.ID(), testEnvelope(t)), ErrPeerUnreachable)

	net.Heal(a.ID(), b.ID())
	require.NoError(t, a.Send(context.Background(), b.ID(), testEnvelope(t)))
}
