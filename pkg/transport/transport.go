// Package transport establishes authenticated, encrypted, framed duplex
// channels between nodes over QUIC. The TLS handshake doubles as the
// certificate exchange: each side presents its node certificate and the
// peer ID is derived from the verified key fingerprint.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-mesh/meridian/pkg/codec"
	"github.com/meridian-mesh/meridian/pkg/identity"
	"github.com/meridian-mesh/meridian/pkg/observability/telemetry"
	"github.com/meridian-mesh/meridian/pkg/resolver"
	"github.com/meridian-mesh/meridian/pkg/types"
	"github.com/meridian-mesh/meridian/pkg/wire"
)

const (
	inboundBufSize = 256

	baseDialBackoff = 200 * time.Millisecond
	maxDialBackoff  = 5 * time.Second

	idleSweepInterval = 15 * time.Second
)

var (
	ErrDialFailed      = errors.New("dial failed at every candidate address")
	ErrUnknownPeer     = errors.New("no candidate addresses for peer")
	ErrTransportClosed = errors.New("transport closed")
)

// Delivery is one authenticated inbound envelope.
type Delivery struct {
	From types.ID
	Env  *wire.Envelope
}

type Options struct {
	BindAddr     string
	DialTimeout  time.Duration
	DialAttempts int
	IdleTimeout  time.Duration
}

type Transport struct {
	log      *zap.SugaredLogger
	node     *identity.Node
	verifier *identity.Verifier
	resolver *resolver.Resolver
	codec    *codec.Codec
	opts     Options

	qt       *quic.Transport
	listener *quic.Listener

	mu     sync.RWMutex
	conns  map[types.ID]*peerConn
	closed bool

	inbound chan Delivery
}

func New(node *identity.Node, verifier *identity.Verifier, res *resolver.Resolver, cdc *codec.Codec, opts Options) *Transport {
	return &Transport{
		log:      zap.S().Named("transport"),
		node:     node,
		verifier: verifier,
		resolver: res,
		codec:    cdc,
		opts:     opts,
		conns:    make(map[types.ID]*peerConn),
		inbound:  make(chan Delivery, inboundBufSize),
	}
}

// Listen binds the UDP socket and starts accepting inbound connections.
// Each accepted connection has already proven its identity during the TLS
// handshake; validation failures are rejected inside the handshake itself.
func (t *Transport) Listen(ctx context.Context) error {
	udpAddr, err := net.ResolveUDPAddr("udp", t.opts.BindAddr)
	if err != nil {
		return fmt.Errorf("resolve bind address: %w", err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", t.opts.BindAddr, err)
	}

	tlsCfg, err := t.node.ServerTLSConfig(t.verifier)
	if err != nil {
		udpConn.Close()
		return err
	}

	t.qt = &quic.Transport{Conn: udpConn}
	ln, err := t.qt.Listen(tlsCfg, &quic.Config{})
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("quic listen: %w", err)
	}
	t.listener = ln

	go t.acceptLoop(ctx)
	go t.idleSweep(ctx)

	t.log.Infow("listening", "addr", udpConn.LocalAddr().String())
	return nil
}

// LocalAddr returns the bound UDP address, valid after Listen.
func (t *Transport) LocalAddr() string {
	if t.qt == nil || t.qt.Conn == nil {
		return ""
	}
	return t.qt.Conn.LocalAddr().String()
}

// Inbound surfaces authenticated envelopes from all open connections.
func (t *Transport) Inbound() <-chan Delivery {
	return t.inbound
}

func (t *Transport) acceptLoop(ctx context.Context) {
	// The limit bounds concurrent handshakes only; established connections
	// read on their own goroutines so a slow handshake queue never stalls
	// traffic from peers that are already connected.
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU() + 4)

	for {
		qc, err := t.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				_ = g.Wait()
				return
			}
			t.log.Debugw("accept failed", "err", err)
			continue
		}

		g.Go(func() error {
			t.handleInbound(ctx, qc)
			return nil
		})
	}
}

func (t *Transport) handleInbound(ctx context.Context, qc *quic.Conn) {
	peerID, err := peerFromConn(t.verifier, qc)
	if err != nil {
		// Should not happen: the handshake already verified the cert.
		t.log.Warnw("inbound identity rederivation failed", "err", err)
		_ = qc.CloseWithError(quicCodeAuthFailure, "identity verification failed")
		return
	}

	stream, err := qc.AcceptStream(ctx)
	if err != nil {
		t.log.Debugw("accept stream failed", "peer", peerID.Short(), "err", err)
		_ = qc.CloseWithError(quicCodeProtocolError, "no stream")
		return
	}

	pc := t.register(peerID, qc, stream)
	if pc == nil {
		return
	}

	t.resolver.Update(peerID, qc.RemoteAddr().String(), types.SourceLearned)
	t.log.Infow("peer connected", "peer", peerID.Short(), "addr", qc.RemoteAddr().String(), "dir", "inbound")
	go pc.readLoop(ctx)
}

// Dial returns a live channel to id, reusing a pooled connection when one
// exists. Candidate addresses are tried in freshness order with bounded
// exponential backoff between rounds.
func (t *Transport) Dial(ctx context.Context, id types.ID) error {
	if _, ok := t.lookup(id); ok {
		return nil
	}

	addrs := t.resolver.Lookup(id)
	if len(addrs) == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id.Short())
	}

	tlsCfg, err := t.node.ClientTLSConfig(t.verifier, id)
	if err != nil {
		return err
	}

	backoff := baseDialBackoff
	var lastErr error
	for attempt := 0; attempt < t.opts.DialAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxDialBackoff)
		}

		for _, addr := range addrs {
			if err := t.dialOne(ctx, id, addr, tlsCfg); err != nil {
				lastErr = err
				continue
			}
			t.resolver.Confirm(id, addr)
			return nil
		}
	}

	return fmt.Errorf("%w: %s: %w", ErrDialFailed, id.Short(), lastErr)
}

func (t *Transport) dialOne(ctx context.Context, id types.ID, addr string, tlsCfg *tls.Config) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", addr, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.opts.DialTimeout)
	defer cancel()

	qc, err := t.qt.Dial(dialCtx, udpAddr, tlsCfg, &quic.Config{})
	if err != nil {
		return fmt.Errorf("quic dial %s: %w", addr, err)
	}

	stream, err := qc.OpenStreamSync(dialCtx)
	if err != nil {
		_ = qc.CloseWithError(quicCodeProtocolError, "stream open failed")
		return fmt.Errorf("open stream: %w", err)
	}

	pc := t.register(id, qc, stream)
	if pc == nil {
		return nil // raced with an inbound connection; the pooled one wins
	}

	t.log.Infow("peer connected", "peer", id.Short(), "addr", addr, "dir", "outbound")
	go pc.readLoop(ctx)
	return nil
}

// Send delivers one envelope to id, dialing lazily on first use.
func (t *Transport) Send(ctx context.Context, to types.ID, env *wire.Envelope) error {
	pc, ok := t.lookup(to)
	if !ok {
		if err := t.Dial(ctx, to); err != nil {
			return err
		}
		if pc, ok = t.lookup(to); !ok {
			return fmt.Errorf("%w: %s", ErrDialFailed, to.Short())
		}
	}

	if err := pc.send(env); err != nil {
		t.drop(to, pc, "send failed")
		return err
	}
	return nil
}

// ConnectedPeers lists peers with a pooled live connection.
func (t *Transport) ConnectedPeers() []types.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	peers := make([]types.ID, 0, len(t.conns))
	for id := range t.conns {
		peers = append(peers, id)
	}
	return peers
}

func (t *Transport) lookup(id types.ID) (*peerConn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pc, ok := t.conns[id]
	return pc, ok
}

// register pools the connection. An existing live connection to the same
// peer is kept and the new one closed, so simultaneous dials converge.
func (t *Transport) register(id types.ID, qc *quic.Conn, stream *quic.Stream) *peerConn {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		_ = qc.CloseWithError(quicCodeShutdown, "transport closed")
		return nil
	}
	if existing, ok := t.conns[id]; ok && existing.alive() {
		_ = qc.CloseWithError(quicCodeDuplicate, "duplicate connection")
		return nil
	}

	pc := newPeerConn(t, id, qc, stream)
	t.conns[id] = pc
	telemetry.OpenConnections.Set(float64(len(t.conns)))
	return pc
}

func (t *Transport) drop(id types.ID, pc *peerConn, reason string) {
	t.mu.Lock()
	if curr, ok := t.conns[id]; ok && curr == pc {
		delete(t.conns, id)
	}
	telemetry.OpenConnections.Set(float64(len(t.conns)))
	t.mu.Unlock()

	pc.close(reason)
}

func (t *Transport) idleSweep(ctx context.Context) {
	ticker := time.NewTicker(idleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			var stale []*peerConn
			t.mu.RLock()
			for _, pc := range t.conns {
				if now.Sub(pc.lastActive()) > t.opts.IdleTimeout {
					stale = append(stale, pc)
				}
			}
			t.mu.RUnlock()

			for _, pc := range stale {
				t.log.Debugw("closing idle connection", "peer", pc.peer.Short())
				t.drop(pc.peer, pc, "idle timeout")
			}
		}
	}
}

// Close tears down the listener and all pooled connections. In-flight
// gossip is lost; anti-entropy repairs any gaps after a restart.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	conns := t.conns
	t.conns = make(map[types.ID]*peerConn)
	t.mu.Unlock()

	for _, pc := range conns {
		pc.close("shutdown")
	}
	telemetry.OpenConnections.Set(0)

	if t.listener != nil {
		_ = t.listener.Close()
	}
	if t.qt != nil {
		return t.qt.Close()
	}
	return nil
}
