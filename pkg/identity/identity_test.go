package identity

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrGenerateStableAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	first, err := LoadOrGenerate(dir, time.Hour, now)
	require.NoError(t, err)

	second, err := LoadOrGenerate(dir, time.Hour, now.Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, first.ID(), second.ID())
	assert.Equal(t, first.PublicKey(), second.PublicKey())
}

func TestRotateKeepsIdentity(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	n, err := LoadOrGenerate(dir, time.Hour, now)
	require.NoError(t, err)
	before := n.Certificate()

	after, err := n.Rotate(now.Add(30 * time.Minute))
	require.NoError(t, err)

	assert.Equal(t, before.ID, after.ID)
	assert.True(t, after.NotAfter.After(before.NotAfter))

	id, err := NewVerifier().Validate(after, now.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, n.ID(), id)
}

func TestSignProducesVerifiableSignatures(t *testing.T) {
	n, err := LoadOrGenerate(t.TempDir(), time.Hour, time.Now())
	require.NoError(t, err)

	msg := []byte("probe 42")
	sig := n.Sign(msg)
	assert.True(t, ed25519.Verify(n.PublicKey(), msg, sig))
}

func TestTLSCertificateCarriesNodeCert(t *testing.T) {
	now := time.Now()
	n, err := LoadOrGenerate(t.TempDir(), time.Hour, now)
	require.NoError(t, err)

	tlsCert, err := n.TLSCertificate()
	require.NoError(t, err)
	require.NotEmpty(t, tlsCert.Certificate)

	id, pub, err := PeerFromRawCert(NewVerifier(), tlsCert.Certificate[0], now)
	require.NoError(t, err)
	assert.Equal(t, n.ID(), id)
	assert.Equal(t, n.PublicKey(), pub)
}

func TestPeerFromRawCertRejectsExpiredWindow(t *testing.T) {
	now := time.Now()
	n, err := LoadOrGenerate(t.TempDir(), time.Hour, now)
	require.NoError(t, err)

	tlsCert, err := n.TLSCertificate()
	require.NoError(t, err)

	_, _, err = PeerFromRawCert(NewVerifier(), tlsCert.Certificate[0], now.Add(2*time.Hour))
	require.ErrorIs(t, err, ErrCertExpired)

	_, _, err = PeerFromRawCert(NewVerifier(), []byte("not a certificate"), now)
	require.ErrorIs(t, err, ErrCertInvalid)
}
