package types

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
)

// ID is the stable identity of a node: the SHA-256 fingerprint of its
// ed25519 public key. Immutable for the lifetime of the key pair and used
// as the key for all membership and addressing state.
type ID [32]byte

func IDFromBytes(b []byte) ID {
	var id ID
	copy(id[:], b)
	return id
}

// Fingerprint derives the ID for a public key.
func Fingerprint(pub ed25519.PublicKey) ID {
	return sha256.Sum256(pub)
}

func (id ID) Bytes() []byte {
	return id[:]
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns an 8-character prefix for log output.
func (id ID) Short() string {
	return hex.EncodeToString(id[:4])
}

func (id ID) IsZero() bool {
	return id == ID{}
}

// MsgKind identifies the wire message carried in an envelope.
type MsgKind uint8

const (
	MsgKindUnspecified MsgKind = iota
	MsgKindPing
	MsgKindAck
	MsgKindIndirectProbeRequest
	MsgKindSyncDigest
	MsgKindSyncResponse
	MsgKindPublish
)

func (k MsgKind) String() string {
	switch k {
	case MsgKindPing:
		return "ping"
	case MsgKindAck:
		return "ack"
	case MsgKindIndirectProbeRequest:
		return "indirect_probe_request"
	case MsgKindSyncDigest:
		return "sync_digest"
	case MsgKindSyncResponse:
		return "sync_response"
	case MsgKindPublish:
		return "publish"
	default:
		return "unspecified"
	}
}

// PeerState is the liveness verdict for a peer at a given incarnation.
type PeerState uint8

const (
	PeerStateJoining PeerState = iota
	PeerStateAlive
	PeerStateSuspect
	PeerStateDead
)

func (s PeerState) String() string {
	switch s {
	case PeerStateJoining:
		return "joining"
	case PeerStateAlive:
		return "alive"
	case PeerStateSuspect:
		return "suspect"
	case PeerStateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// AddrSource records how a candidate address was learned.
type AddrSource uint8

const (
	SourceSeed AddrSource = iota
	SourceLearned
)

func (s AddrSource) String() string {
	if s == SourceSeed {
		return "seed"
	}
	return "learned"
}
