package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/meridian-mesh/meridian/pkg/identity"
	"github.com/meridian-mesh/meridian/pkg/observability/telemetry"
	"github.com/meridian-mesh/meridian/pkg/types"
	"github.com/meridian-mesh/meridian/pkg/wire"
)

const (
	quicCodeShutdown quic.ApplicationErrorCode = iota
	quicCodeAuthFailure
	quicCodeProtocolError
	quicCodeDuplicate
	quicCodeIdle
)

// peerConn is one pooled connection: a QUIC connection with a single
// ordered bidirectional stream carrying frames. Frames within the stream
// are delivered in send order; ordering across peers is not a goal.
type peerConn struct {
	t      *Transport
	peer   types.ID
	qc     *quic.Conn
	stream *quic.Stream

	writeMu sync.Mutex

	mu       sync.Mutex
	last     time.Time
	isClosed bool
}

func newPeerConn(t *Transport, peer types.ID, qc *quic.Conn, stream *quic.Stream) *peerConn {
	return &peerConn{
		t:      t,
		peer:   peer,
		qc:     qc,
		stream: stream,
		last:   time.Now(),
	}
}

func (pc *peerConn) alive() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return !pc.isClosed
}

func (pc *peerConn) lastActive() time.Time {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.last
}

func (pc *peerConn) touch() {
	pc.mu.Lock()
	pc.last = time.Now()
	pc.mu.Unlock()
}

// send frames and writes one envelope. Bodies at or above the compression
// threshold are compressed before framing.
func (pc *peerConn) send(env *wire.Envelope) error {
	body := env.Marshal()
	body, compressed, err := pc.t.codec.Compress(body)
	if err != nil {
		return fmt.Errorf("compress frame: %w", err)
	}

	var flags uint8
	if compressed {
		flags |= wire.FlagCompressed
	}

	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()

	if err := wire.WriteFrame(pc.stream, &wire.Frame{Kind: env.Kind, Flags: flags, Body: body}); err != nil {
		return err
	}
	pc.touch()
	return nil
}

// readLoop parses frames off the stream until the connection dies. A
// protocol violation (oversized frame, failed decompression, malformed
// envelope) closes the connection but is treated as a transient error: the
// peer is not penalized in membership state.
func (pc *peerConn) readLoop(ctx context.Context) {
	for {
		frame, err := wire.ReadFrame(pc.stream)
		if err != nil {
			if errors.Is(err, wire.ErrFrameTooLarge) {
				telemetry.ProtocolViolationsTotal.WithLabelValues("frame_too_large").Inc()
				pc.t.log.Warnw("protocol violation", "peer", pc.peer.Short(), "err", err)
			}
			pc.t.drop(pc.peer, pc, "read failed")
			return
		}
		pc.touch()

		body := frame.Body
		if frame.Compressed() {
			body, err = pc.t.codec.Decompress(body)
			if err != nil {
				telemetry.ProtocolViolationsTotal.WithLabelValues("decompress").Inc()
				pc.t.log.Warnw("protocol violation: decompress", "peer", pc.peer.Short(), "err", err)
				pc.t.drop(pc.peer, pc, "decompression failed")
				return
			}
		}

		env, err := wire.UnmarshalEnvelope(body)
		if err != nil || env.Kind != frame.Kind {
			telemetry.ProtocolViolationsTotal.WithLabelValues("malformed_envelope").Inc()
			pc.t.log.Warnw("protocol violation: envelope", "peer", pc.peer.Short(), "err", err)
			pc.t.drop(pc.peer, pc, "malformed envelope")
			return
		}
		env.Compressed = frame.Compressed()

		select {
		case pc.t.inbound <- Delivery{From: pc.peer, Env: env}:
		case <-ctx.Done():
			return
		}
	}
}

func (pc *peerConn) close(reason string) {
	pc.mu.Lock()
	if pc.isClosed {
		pc.mu.Unlock()
		return
	}
	pc.isClosed = true
	pc.mu.Unlock()

	_ = pc.qc.CloseWithError(quicCodeShutdown, reason)
}

// peerFromConn re-derives the authenticated peer identity from the TLS
// state of an established connection.
func peerFromConn(v *identity.Verifier, qc *quic.Conn) (types.ID, error) {
	certs := qc.ConnectionState().TLS.PeerCertificates
	if len(certs) == 0 {
		return types.ID{}, errors.New("no peer certificate")
	}
	id, _, err := identity.PeerFromRawCert(v, certs[0].Raw, time.Now())
	return id, err
}
