package identity

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meridian-mesh/meridian/pkg/types"
)

const (
	certVersion = 1

	certEncodedLen = 1 + 1 + 32 + 32 + 8 + 8 + 32
	certTotalLen   = certEncodedLen + ed25519.SignatureSize

	timeSkewAllowance = time.Minute
)

var (
	ErrCertInvalid      = errors.New("certificate signature invalid")
	ErrCertExpired      = errors.New("certificate outside validity window")
	ErrIdentityMismatch = errors.New("certificate identity does not match public key")
	ErrUnknownIssuer    = errors.New("certificate issuer not trusted")
)

// IssuerKind distinguishes how a certificate was signed. Variants carry an
// explicit tag rather than separate types so one verification path serves
// both.
type IssuerKind uint8

const (
	IssuerSelf IssuerKind = iota
	IssuerChain
)

func (k IssuerKind) String() string {
	if k == IssuerChain {
		return "chain"
	}
	return "self"
}

// Certificate binds a node ID to its public key and a validity window,
// signed either by the key itself or by a separate issuer key.
type Certificate struct {
	Issuer    IssuerKind
	ID        types.ID
	PublicKey ed25519.PublicKey
	IssuerID  types.ID // zero for self-signed
	NotBefore time.Time
	NotAfter  time.Time
	Signature []byte
}

// IssueSelfSigned issues a certificate for priv's own public key.
func IssueSelfSigned(priv ed25519.PrivateKey, now time.Time, validity time.Duration) (*Certificate, error) {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("private key is not ed25519")
	}
	return issue(priv, IssuerSelf, types.Fingerprint(pub), pub, now, validity)
}

// IssueChained issues a certificate for subject, signed by issuerPriv.
func IssueChained(issuerPriv ed25519.PrivateKey, subject ed25519.PublicKey, now time.Time, validity time.Duration) (*Certificate, error) {
	issuerPub, ok := issuerPriv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("issuer key is not ed25519")
	}
	cert, err := issue(issuerPriv, IssuerChain, types.Fingerprint(issuerPub), subject, now, validity)
	return cert, err
}

func issue(signer ed25519.PrivateKey, kind IssuerKind, issuerID types.ID, subject ed25519.PublicKey, now time.Time, validity time.Duration) (*Certificate, error) {
	if validity <= 0 {
		return nil, errors.New("certificate validity must be positive")
	}

	cert := &Certificate{
		Issuer:    kind,
		ID:        types.Fingerprint(subject),
		PublicKey: append(ed25519.PublicKey(nil), subject...),
		IssuerID:  issuerID,
		NotBefore: now.Add(-timeSkewAllowance).Truncate(time.Second),
		NotAfter:  now.Add(validity).Truncate(time.Second),
	}
	cert.Signature = ed25519.Sign(signer, cert.signedBytes())

	return cert, nil
}

// signedBytes is the canonical encoding the issuer signature covers.
func (c *Certificate) signedBytes() []byte {
	b := make([]byte, 0, certEncodedLen)
	b = append(b, certVersion, byte(c.Issuer))
	b = append(b, c.ID.Bytes()...)
	b = append(b, c.PublicKey...)
	b = binary.BigEndian.AppendUint64(b, uint64(c.NotBefore.Unix()))
	b = binary.BigEndian.AppendUint64(b, uint64(c.NotAfter.Unix()))
	b = append(b, c.IssuerID.Bytes()...)
	return b
}

// Marshal encodes the certificate for the wire.
func (c *Certificate) Marshal() []byte {
	b := c.signedBytes()
	return append(b, c.Signature...)
}

// UnmarshalCertificate decodes a wire certificate. Structural problems are
// reported as ErrCertInvalid; signature verification happens in Validate.
func UnmarshalCertificate(b []byte) (*Certificate, error) {
	if len(b) != certTotalLen {
		return nil, fmt.Errorf("%w: bad length %d", ErrCertInvalid, len(b))
	}
	if b[0] != certVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCertInvalid, b[0])
	}
	kind := IssuerKind(b[1])
	if kind != IssuerSelf && kind != IssuerChain {
		return nil, fmt.Errorf("%w: unknown issuer kind %d", ErrCertInvalid, b[1])
	}

	cert := &Certificate{Issuer: kind}
	off := 2
	cert.ID = types.IDFromBytes(b[off : off+32])
	off += 32
	cert.PublicKey = append(ed25519.PublicKey(nil), b[off:off+ed25519.PublicKeySize]...)
	off += ed25519.PublicKeySize
	cert.NotBefore = time.Unix(int64(binary.BigEndian.Uint64(b[off:])), 0).UTC()
	off += 8
	cert.NotAfter = time.Unix(int64(binary.BigEndian.Uint64(b[off:])), 0).UTC()
	off += 8
	cert.IssuerID = types.IDFromBytes(b[off : off+32])
	off += 32
	cert.Signature = append([]byte(nil), b[off:]...)

	return cert, nil
}

// Verifier validates certificates. Self-signed certificates verify against
// their embedded key; chain-issued certificates verify against a trusted
// issuer registry.
type Verifier struct {
	mu      sync.RWMutex
	trusted map[types.ID]ed25519.PublicKey
}

func NewVerifier() *Verifier {
	return &Verifier{trusted: make(map[types.ID]ed25519.PublicKey)}
}

// Trust registers an issuer key for chain-issued certificates.
func (v *Verifier) Trust(pub ed25519.PublicKey) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.trusted[types.Fingerprint(pub)] = append(ed25519.PublicKey(nil), pub...)
}

// Validate checks signature, validity window and fingerprint agreement,
// returning the verified ID. A usable ID is never returned on failure.
func (v *Verifier) Validate(cert *Certificate, now time.Time) (types.ID, error) {
	if cert == nil {
		return types.ID{}, ErrCertInvalid
	}
	if len(cert.PublicKey) != ed25519.PublicKeySize {
		return types.ID{}, fmt.Errorf("%w: bad public key length", ErrCertInvalid)
	}

	if types.Fingerprint(cert.PublicKey) != cert.ID {
		return types.ID{}, ErrIdentityMismatch
	}

	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return types.ID{}, fmt.Errorf("%w: valid %s to %s", ErrCertExpired,
			cert.NotBefore.Format(time.RFC3339), cert.NotAfter.Format(time.RFC3339))
	}

	signer := cert.PublicKey
	if cert.Issuer == IssuerChain {
		v.mu.RLock()
		issuerPub, ok := v.trusted[cert.IssuerID]
		v.mu.RUnlock()
		if !ok {
			return types.ID{}, ErrUnknownIssuer
		}
		signer = issuerPub
	}

	if !ed25519.Verify(signer, cert.signedBytes(), cert.Signature) {
		return types.ID{}, ErrCertInvalid
	}

	return cert.ID, nil
}
