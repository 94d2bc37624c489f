// Package memnet provides an in-memory substitute for the QUIC transport
// so gossip behavior can be tested without sockets or TLS. Deliveries are
// synchronous channel sends between endpoints registered on a shared
// network; partitions are simulated by severing links.
package memnet

import (
	"context"
	"errors"
	"sync"

	"github.com/meridian-mesh/meridian/pkg/transport"
	"github.com/meridian-mesh/meridian/pkg/types"
	"github.com/meridian-mesh/meridian/pkg/wire"
)

var ErrPeerUnreachable = errors.New("memnet: peer unreachable")

// Network is the shared fabric connecting endpoints.
type Network struct {
	mu        sync.RWMutex
	endpoints map[types.ID]*Endpoint
	severed   map[[2]types.ID]bool
}

func NewNetwork() *Network {
	return &Network{
		endpoints: make(map[types.ID]*Endpoint),
		severed:   make(map[[2]types.ID]bool),
	}
}

// Endpoint registers a node on the network and returns its transport.
func (n *Network) Endpoint(id types.ID) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()

	ep := &Endpoint{
		id:      id,
		net:     n,
		inbound: make(chan transport.Delivery, 256),
	}
	n.endpoints[id] = ep
	return ep
}

// Sever cuts the link between a and b in both directions.
func (n *Network) Sever(a, b types.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.severed[linkKey(a, b)] = true
}

// Heal restores the link between a and b.
func (n *Network) Heal(a, b types.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.severed, linkKey(a, b))
}

// Remove unregisters an endpoint, modeling a dead process: it can neither
// receive nor send. Registering the same ID again yields a fresh endpoint
// and keeps the stale one silenced.
func (n *Network) Remove(id types.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.endpoints, id)
}

func linkKey(a, b types.ID) [2]types.ID {
	if string(b.Bytes()) < string(a.Bytes()) {
		a, b = b, a
	}
	return [2]types.ID{a, b}
}

// Endpoint implements the gossip transport surface for one node.
type Endpoint struct {
	id      types.ID
	net     *Network
	inbound chan transport.Delivery
}

func (e *Endpoint) ID() types.ID {
	return e.id
}

func (e *Endpoint) Inbound() <-chan transport.Delivery {
	return e.inbound
}

// Send reserializes the envelope so the receiver holds an independent
// copy, matching the isolation a real wire crossing provides.
func (e *Endpoint) Send(ctx context.Context, to types.ID, env *wire.Envelope) error {
	e.net.mu.RLock()
	src, registered := e.net.endpoints[e.id]
	dst, ok := e.net.endpoints[to]
	cut := e.net.severed[linkKey(e.id, to)]
	e.net.mu.RUnlock()

	if !registered || src != e || !ok || cut {
		return ErrPeerUnreachable
	}

	copied, err := wire.UnmarshalEnvelope(env.Marshal())
	if err != nil {
		return err
	}

	select {
	case dst.inbound <- transport.Delivery{From: e.id, Env: copied}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
