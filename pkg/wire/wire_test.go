package wire

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-mesh/meridian/pkg/types"
)

func testSigner(t *testing.T) (types.ID, ed25519.PublicKey, func([]byte) []byte) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return types.Fingerprint(pub), pub, func(b []byte) []byte {
		return ed25519.Sign(priv, b)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := &Frame{Kind: types.MsgKindPublish, Flags: FlagCompressed, Body: []byte("frame body")}

	require.NoError(t, WriteFrame(&buf, in))

	out, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, in.Kind, out.Kind)
	assert.True(t, out.Compressed())
	assert.Equal(t, in.Body, out.Body)
}

func TestFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	in := &Frame{Kind: types.MsgKindPing, Body: make([]byte, MaxFrameSize+1)}
	require.ErrorIs(t, WriteFrame(&buf, in), ErrFrameTooLarge)

	// A forged header declaring an oversized body must be rejected before
	// any body read.
	buf.Reset()
	buf.Write([]byte{byte(types.MsgKindPing), 0, 0xff, 0xff, 0xff, 0xff})
	_, err := ReadFrame(&buf)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestEnvelopeRoundTripAndVerify(t *testing.T) {
	origin, pub, sign := testSigner(t)

	env := NewEnvelope(types.MsgKindPublish, origin, pub, []byte("payload"), sign)
	require.NoError(t, env.Verify())

	decoded, err := UnmarshalEnvelope(env.Marshal())
	require.NoError(t, err)
	require.NoError(t, decoded.Verify())
	assert.Equal(t, env.MessageID, decoded.MessageID)
	assert.Equal(t, env.Origin, decoded.Origin)
	assert.Equal(t, env.Payload, decoded.Payload)
}

func TestEnvelopeSignatureSurvivesHopMutation(t *testing.T) {
	origin, pub, sign := testSigner(t)

	env := NewEnvelope(types.MsgKindPublish, origin, pub, []byte("payload"), sign)
	env.Hop = 5

	decoded, err := UnmarshalEnvelope(env.Marshal())
	require.NoError(t, err)
	assert.Equal(t, uint8(5), decoded.Hop)
	require.NoError(t, decoded.Verify())
}

func TestEnvelopeVerifyFailures(t *testing.T) {
	origin, pub, sign := testSigner(t)
	otherPub, _, _ := ed25519.GenerateKey(rand.Reader)

	tests := []struct {
		name   string
		mutate func(e *Envelope)
	}{
		{"tampered payload", func(e *Envelope) { e.Payload[0] ^= 0xff }},
		{"tampered signature", func(e *Envelope) { e.Signature[0] ^= 0xff }},
		{"origin not key fingerprint", func(e *Envelope) { e.OriginPub = otherPub }},
		{"tampered kind", func(e *Envelope) { e.Kind = types.MsgKindAck }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := NewEnvelope(types.MsgKindPublish, origin, pub, []byte("payload"), sign)
			tt.mutate(env)
			require.ErrorIs(t, env.Verify(), ErrMalformedEnvelope)
		})
	}
}

func TestDigestRoundTrip(t *testing.T) {
	in := &Digest{
		Epoch: 7,
		Entries: []DigestEntry{
			{ID: types.ID{1}, Incarnation: 10},
			{ID: types.ID{2}, Incarnation: 20},
		},
	}

	out, err := UnmarshalDigest(in.Marshal())
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = UnmarshalDigest([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrMalformedBody)
}

func TestSyncResponseRoundTrip(t *testing.T) {
	in := &SyncResponse{Records: []PeerRecord{
		{
			ID:           types.ID{9},
			Incarnation:  3,
			State:        types.PeerStateSuspect,
			Addrs:        []string{"10.0.0.1:7946", "192.168.1.9:7946"},
			LastSeenUnix: 1700000000,
		},
		{
			ID:          types.ID{4},
			Incarnation: 1,
			State:       types.PeerStateAlive,
		},
	}}

	raw, err := in.Marshal()
	require.NoError(t, err)

	out, err := UnmarshalSyncResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = UnmarshalSyncResponse(raw[:len(raw)-3])
	require.ErrorIs(t, err, ErrMalformedBody)
}

func TestPublishRoundTrip(t *testing.T) {
	in := &Publish{AppKind: "fleet.task", Data: []byte(`{"id":1}`)}

	raw, err := in.Marshal()
	require.NoError(t, err)

	out, err := UnmarshalPublish(raw)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = UnmarshalPublish(raw[:3])
	require.ErrorIs(t, err, ErrMalformedBody)
}

func TestProbeBodiesRoundTrip(t *testing.T) {
	ping, err := UnmarshalPing((&Ping{Seq: 42}).Marshal())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), ping.Seq)

	ack, err := UnmarshalAck((&Ack{Seq: 42, Subject: types.ID{7}}).Marshal())
	require.NoError(t, err)
	assert.Equal(t, types.ID{7}, ack.Subject)

	req, err := UnmarshalIndirectProbeRequest((&IndirectProbeRequest{Seq: 1, Target: types.ID{3}}).Marshal())
	require.NoError(t, err)
	assert.Equal(t, types.ID{3}, req.Target)

	_, err = UnmarshalPing([]byte{1})
	require.ErrorIs(t, err, ErrMalformedBody)
}
