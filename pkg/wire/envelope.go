package wire

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/meridian-mesh/meridian/pkg/types"
)

const (
	envelopeVersion = 1

	// version u8 | kind u8 | hop u8 | flags u8 | origin 32 | pub 32 |
	// msgID 16 | payload len u32
	envelopeFixedLen = 4 + 32 + ed25519.PublicKeySize + 16 + 4
)

// Envelope wraps every gossip message. It is self-authenticating: the
// origin ID must be the fingerprint of the embedded public key, and the
// signature covers the canonical encoding with the hop count zeroed (hop
// mutates as the message is re-forwarded).
type Envelope struct {
	Kind       types.MsgKind
	Hop        uint8
	Compressed bool
	Origin     types.ID
	OriginPub  ed25519.PublicKey
	MessageID  uuid.UUID
	Payload    []byte
	Signature  []byte
}

// NewEnvelope builds and signs an envelope originating at the local node.
func NewEnvelope(kind types.MsgKind, origin types.ID, pub ed25519.PublicKey, payload []byte, sign func([]byte) []byte) *Envelope {
	env := &Envelope{
		Kind:      kind,
		Origin:    origin,
		OriginPub: pub,
		MessageID: uuid.New(),
		Payload:   payload,
	}
	env.Signature = sign(env.signedBytes())
	return env
}

func (e *Envelope) encode(hop uint8, flags uint8) []byte {
	b := make([]byte, 0, envelopeFixedLen+len(e.Payload))
	b = append(b, envelopeVersion, byte(e.Kind), hop, flags)
	b = append(b, e.Origin.Bytes()...)
	b = append(b, e.OriginPub...)
	b = append(b, e.MessageID[:]...)
	b = binary.BigEndian.AppendUint32(b, uint32(len(e.Payload)))
	b = append(b, e.Payload...)
	return b
}

// signedBytes is the canonical encoding covered by the signature: hop and
// flags are zeroed since both may change in flight.
func (e *Envelope) signedBytes() []byte {
	return e.encode(0, 0)
}

// Verify checks the origin fingerprint and envelope signature.
func (e *Envelope) Verify() error {
	if len(e.OriginPub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad origin key length", ErrMalformedEnvelope)
	}
	if types.Fingerprint(e.OriginPub) != e.Origin {
		return fmt.Errorf("%w: origin is not the key fingerprint", ErrMalformedEnvelope)
	}
	if !ed25519.Verify(e.OriginPub, e.signedBytes(), e.Signature) {
		return fmt.Errorf("%w: bad signature", ErrMalformedEnvelope)
	}
	return nil
}

// Marshal encodes the envelope including its signature.
func (e *Envelope) Marshal() []byte {
	var flags uint8
	if e.Compressed {
		flags |= FlagCompressed
	}
	b := e.encode(e.Hop, flags)
	return append(b, e.Signature...)
}

// UnmarshalEnvelope decodes an envelope from b. The signature is not
// verified here; callers decide when verification is required.
func UnmarshalEnvelope(b []byte) (*Envelope, error) {
	if len(b) < envelopeFixedLen+ed25519.SignatureSize {
		return nil, fmt.Errorf("%w: short envelope (%d bytes)", ErrMalformedEnvelope, len(b))
	}
	if b[0] != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedEnvelope, b[0])
	}

	env := &Envelope{
		Kind:       types.MsgKind(b[1]),
		Hop:        b[2],
		Compressed: b[3]&FlagCompressed != 0,
	}

	off := 4
	env.Origin = types.IDFromBytes(b[off : off+32])
	off += 32
	env.OriginPub = append(ed25519.PublicKey(nil), b[off:off+ed25519.PublicKeySize]...)
	off += ed25519.PublicKeySize
	copy(env.MessageID[:], b[off:off+16])
	off += 16

	payloadLen := int(binary.BigEndian.Uint32(b[off:]))
	off += 4
	if payloadLen > MaxFrameSize || len(b) != off+payloadLen+ed25519.SignatureSize {
		return nil, fmt.Errorf("%w: inconsistent payload length %d", ErrMalformedEnvelope, payloadLen)
	}

	env.Payload = append([]byte(nil), b[off:off+payloadLen]...)
	off += payloadLen
	env.Signature = append([]byte(nil), b[off:]...)

	return env, nil
}
