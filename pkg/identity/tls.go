package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/meridian-mesh/meridian/pkg/types"
)

const (
	certSerialBits = 128

	alpnProtocol = "meridian/1"
)

// certExtensionOID marks the x509 extension carrying the marshaled node
// certificate, so the handshake exchanges and validates it in one pass.
var certExtensionOID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 61375, 1, 1}

// TLSCertificate wraps the node's ed25519 key in a self-signed x509
// certificate for the QUIC handshake. The node Certificate travels inside
// a private extension so the remote side can validate ID, window and
// issuer signature against the same key that secures the channel.
func (n *Node) TLSCertificate() (tls.Certificate, error) {
	nodeCert := n.Certificate()

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), certSerialBits))
	if err != nil {
		return tls.Certificate{}, err
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "meridian-peer"},
		NotBefore:    nodeCert.NotBefore,
		NotAfter:     nodeCert.NotAfter,

		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		ExtraExtensions: []pkix.Extension{{
			Id:    certExtensionOID,
			Value: nodeCert.Marshal(),
		}},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, n.pub, n.priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  n.priv,
		Leaf:        leaf,
	}, nil
}

// PeerFromRawCert validates the node certificate embedded in a raw x509
// peer certificate and returns the verified peer identity.
func PeerFromRawCert(v *Verifier, certDER []byte, now time.Time) (types.ID, ed25519.PublicKey, error) {
	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return types.ID{}, nil, fmt.Errorf("%w: parse peer certificate: %v", ErrCertInvalid, err)
	}

	handshakePub, ok := leaf.PublicKey.(ed25519.PublicKey)
	if !ok {
		return types.ID{}, nil, fmt.Errorf("%w: peer certificate is not ed25519", ErrCertInvalid)
	}

	var embedded []byte
	for _, ext := range leaf.Extensions {
		if ext.Id.Equal(certExtensionOID) {
			embedded = ext.Value
			break
		}
	}
	if embedded == nil {
		return types.ID{}, nil, fmt.Errorf("%w: missing node certificate extension", ErrCertInvalid)
	}

	nodeCert, err := UnmarshalCertificate(embedded)
	if err != nil {
		return types.ID{}, nil, err
	}

	id, err := v.Validate(nodeCert, now)
	if err != nil {
		return types.ID{}, nil, err
	}

	// The certificate must be bound to the key that secured the channel.
	if types.Fingerprint(handshakePub) != id {
		return types.ID{}, nil, ErrIdentityMismatch
	}

	return id, handshakePub, nil
}

// ServerTLSConfig accepts any client presenting a valid node certificate.
// The verified peer ID is re-derived from the connection state after the
// handshake completes.
func (n *Node) ServerTLSConfig(v *Verifier) (*tls.Config, error) {
	ourCert, err := n.TLSCertificate()
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{ourCert},
		ClientAuth:   tls.RequireAnyClientCert,
		NextProtos:   []string{alpnProtocol},
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("no peer certificate presented")
			}
			_, _, err := PeerFromRawCert(v, rawCerts[0], time.Now())
			return err
		},
	}, nil
}

// ClientTLSConfig additionally pins the expected peer identity for
// outbound dials.
func (n *Node) ClientTLSConfig(v *Verifier, expected types.ID) (*tls.Config, error) {
	ourCert, err := n.TLSCertificate()
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		MinVersion:         tls.VersionTLS13,
		Certificates:       []tls.Certificate{ourCert},
		InsecureSkipVerify: true, //nolint:gosec // verification happens in VerifyPeerCertificate
		NextProtos:         []string{alpnProtocol},
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("no peer certificate presented")
			}
			id, _, err := PeerFromRawCert(v, rawCerts[0], time.Now())
			if err != nil {
				return err
			}
			if id != expected {
				return fmt.Errorf("%w: expected %s got %s", ErrIdentityMismatch, expected.Short(), id.Short())
			}
			return nil
		},
	}, nil
}
