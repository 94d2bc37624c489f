package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/meridian-mesh/meridian/pkg/types"
)

// ErrMalformedBody covers per-kind payload decode failures.
var ErrMalformedBody = fmt.Errorf("%w: body", ErrMalformedEnvelope)

const (
	maxAddrsPerRecord = 16
	maxAddrLen        = 256
	maxAppKindLen     = 128
)

// Ping is a direct liveness probe.
type Ping struct {
	Seq uint64
}

func (p *Ping) Marshal() []byte {
	return binary.BigEndian.AppendUint64(nil, p.Seq)
}

func UnmarshalPing(b []byte) (*Ping, error) {
	if len(b) != 8 {
		return nil, fmt.Errorf("%w: ping length %d", ErrMalformedBody, len(b))
	}
	return &Ping{Seq: binary.BigEndian.Uint64(b)}, nil
}

// Ack answers a probe. Subject identifies whose liveness is being
// confirmed: for direct probes the sender itself, for relayed indirect
// probes the probed target.
type Ack struct {
	Seq     uint64
	Subject types.ID
}

func (a *Ack) Marshal() []byte {
	b := binary.BigEndian.AppendUint64(nil, a.Seq)
	return append(b, a.Subject.Bytes()...)
}

func UnmarshalAck(b []byte) (*Ack, error) {
	if len(b) != 8+32 {
		return nil, fmt.Errorf("%w: ack length %d", ErrMalformedBody, len(b))
	}
	return &Ack{
		Seq:     binary.BigEndian.Uint64(b),
		Subject: types.IDFromBytes(b[8:]),
	}, nil
}

// IndirectProbeRequest asks the receiver to probe Target on the
// requester's behalf and relay any acknowledgment back.
type IndirectProbeRequest struct {
	Seq    uint64
	Target types.ID
}

func (r *IndirectProbeRequest) Marshal() []byte {
	b := binary.BigEndian.AppendUint64(nil, r.Seq)
	return append(b, r.Target.Bytes()...)
}

func UnmarshalIndirectProbeRequest(b []byte) (*IndirectProbeRequest, error) {
	if len(b) != 8+32 {
		return nil, fmt.Errorf("%w: indirect probe length %d", ErrMalformedBody, len(b))
	}
	return &IndirectProbeRequest{
		Seq:    binary.BigEndian.Uint64(b),
		Target: types.IDFromBytes(b[8:]),
	}, nil
}

// DigestEntry summarizes one peer as the highest incarnation known.
type DigestEntry struct {
	ID          types.ID
	Incarnation uint64
}

// Digest is the compact per-peer incarnation summary exchanged during
// anti-entropy so only missing deltas are transferred.
type Digest struct {
	Epoch   uint64
	Entries []DigestEntry
}

func (d *Digest) Marshal() []byte {
	b := binary.BigEndian.AppendUint64(nil, d.Epoch)
	b = binary.BigEndian.AppendUint32(b, uint32(len(d.Entries)))
	for _, e := range d.Entries {
		b = append(b, e.ID.Bytes()...)
		b = binary.BigEndian.AppendUint64(b, e.Incarnation)
	}
	return b
}

func UnmarshalDigest(b []byte) (*Digest, error) {
	if len(b) < 12 {
		return nil, fmt.Errorf("%w: digest length %d", ErrMalformedBody, len(b))
	}
	d := &Digest{Epoch: binary.BigEndian.Uint64(b)}
	count := int(binary.BigEndian.Uint32(b[8:]))
	if len(b) != 12+count*40 {
		return nil, fmt.Errorf("%w: digest count %d", ErrMalformedBody, count)
	}

	off := 12
	d.Entries = make([]DigestEntry, 0, count)
	for range count {
		d.Entries = append(d.Entries, DigestEntry{
			ID:          types.IDFromBytes(b[off : off+32]),
			Incarnation: binary.BigEndian.Uint64(b[off+32:]),
		})
		off += 40
	}
	return d, nil
}

// PeerRecord is the wire form of one membership record.
type PeerRecord struct {
	ID           types.ID
	Incarnation  uint64
	State        types.PeerState
	Addrs        []string
	LastSeenUnix int64
}

func (r *PeerRecord) marshalInto(b []byte) ([]byte, error) {
	if len(r.Addrs) > maxAddrsPerRecord {
		return nil, fmt.Errorf("%w: %d addresses", ErrMalformedBody, len(r.Addrs))
	}
	b = append(b, r.ID.Bytes()...)
	b = binary.BigEndian.AppendUint64(b, r.Incarnation)
	b = append(b, byte(r.State))
	b = binary.BigEndian.AppendUint64(b, uint64(r.LastSeenUnix))
	b = append(b, byte(len(r.Addrs)))
	for _, a := range r.Addrs {
		if len(a) > maxAddrLen {
			return nil, fmt.Errorf("%w: address too long", ErrMalformedBody)
		}
		b = binary.BigEndian.AppendUint16(b, uint16(len(a)))
		b = append(b, a...)
	}
	return b, nil
}

func unmarshalPeerRecord(b []byte) (*PeerRecord, int, error) {
	const fixed = 32 + 8 + 1 + 8 + 1
	if len(b) < fixed {
		return nil, 0, fmt.Errorf("%w: short peer record", ErrMalformedBody)
	}

	r := &PeerRecord{
		ID:          types.IDFromBytes(b[:32]),
		Incarnation: binary.BigEndian.Uint64(b[32:]),
		State:       types.PeerState(b[40]),
	}
	r.LastSeenUnix = int64(binary.BigEndian.Uint64(b[41:]))
	addrCount := int(b[49])
	if addrCount > maxAddrsPerRecord {
		return nil, 0, fmt.Errorf("%w: %d addresses", ErrMalformedBody, addrCount)
	}

	off := fixed
	for range addrCount {
		if len(b) < off+2 {
			return nil, 0, fmt.Errorf("%w: truncated address", ErrMalformedBody)
		}
		n := int(binary.BigEndian.Uint16(b[off:]))
		off += 2
		if n > maxAddrLen || len(b) < off+n {
			return nil, 0, fmt.Errorf("%w: truncated address", ErrMalformedBody)
		}
		r.Addrs = append(r.Addrs, string(b[off:off+n]))
		off += n
	}
	return r, off, nil
}

// SyncResponse carries the records the digest sender was missing or had
// stale.
type SyncResponse struct {
	Records []PeerRecord
}

func (s *SyncResponse) Marshal() ([]byte, error) {
	b := binary.BigEndian.AppendUint32(nil, uint32(len(s.Records)))
	var err error
	for i := range s.Records {
		if b, err = s.Records[i].marshalInto(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func UnmarshalSyncResponse(b []byte) (*SyncResponse, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: short sync response", ErrMalformedBody)
	}
	count := int(binary.BigEndian.Uint32(b))
	off := 4

	s := &SyncResponse{}
	for range count {
		rec, n, err := unmarshalPeerRecord(b[off:])
		if err != nil {
			return nil, err
		}
		s.Records = append(s.Records, *rec)
		off += n
	}
	if off != len(b) {
		return nil, fmt.Errorf("%w: trailing bytes in sync response", ErrMalformedBody)
	}
	return s, nil
}

// Publish carries one application message for flood dissemination.
type Publish struct {
	AppKind string
	Data    []byte
}

func (p *Publish) Marshal() ([]byte, error) {
	if len(p.AppKind) > maxAppKindLen {
		return nil, fmt.Errorf("%w: app kind too long", ErrMalformedBody)
	}
	b := binary.BigEndian.AppendUint16(nil, uint16(len(p.AppKind)))
	b = append(b, p.AppKind...)
	b = binary.BigEndian.AppendUint32(b, uint32(len(p.Data)))
	return append(b, p.Data...), nil
}

func UnmarshalPublish(b []byte) (*Publish, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("%w: short publish", ErrMalformedBody)
	}
	kindLen := int(binary.BigEndian.Uint16(b))
	if kindLen > maxAppKindLen || len(b) < 2+kindLen+4 {
		return nil, fmt.Errorf("%w: truncated publish", ErrMalformedBody)
	}
	p := &Publish{AppKind: string(b[2 : 2+kindLen])}

	off := 2 + kindLen
	dataLen := int(binary.BigEndian.Uint32(b[off:]))
	off += 4
	if len(b) != off+dataLen {
		return nil, fmt.Errorf("%w: inconsistent publish length", ErrMalformedBody)
	}
	p.Data = append([]byte(nil), b[off:]...)
	return p, nil
}
