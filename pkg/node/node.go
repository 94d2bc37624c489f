// Package node assembles a full mesh member from configuration: identity,
// transport, gossip runtime and the optional metrics listener. It is the
// embedding surface: applications construct a Node, call Run, and use
// Publish/Subscribe.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-mesh/meridian/pkg/codec"
	"github.com/meridian-mesh/meridian/pkg/config"
	"github.com/meridian-mesh/meridian/pkg/gossip"
	"github.com/meridian-mesh/meridian/pkg/identity"
	"github.com/meridian-mesh/meridian/pkg/observability/telemetry"
	"github.com/meridian-mesh/meridian/pkg/resolver"
	"github.com/meridian-mesh/meridian/pkg/transport"
	"github.com/meridian-mesh/meridian/pkg/types"
)

type Node struct {
	log *zap.SugaredLogger
	cfg *config.Config

	identity *identity.Node
	verifier *identity.Verifier
	res      *resolver.Resolver
	tr       *transport.Transport
	runtime  *gossip.Runtime

	seedIDs []types.ID
	metrics *http.Server
}

// New builds a node from configuration. Keys are loaded from the data
// directory, or generated on first run.
func New(cfg *config.Config) (*Node, error) {
	ident, err := identity.LoadOrGenerate(cfg.DataDir, cfg.CertValidity, time.Now())
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	verifier := identity.NewVerifier()
	res := resolver.New(resolver.DefaultCandidateCap)

	seedIDs := make([]types.ID, 0, len(cfg.Seeds))
	for _, seed := range cfg.Seeds {
		raw, err := config.DecodeSeedID(seed.ID)
		if err != nil {
			return nil, fmt.Errorf("seed %q: %w", seed.ID, err)
		}
		id := types.IDFromBytes(raw)
		seedIDs = append(seedIDs, id)
		for _, addr := range seed.Addrs {
			res.AddSeed(id, addr)
		}
	}

	cdc := codec.New(cfg.CompressionThreshold, codec.DefaultMaxRatio)
	tr := transport.New(ident, verifier, res, cdc, transport.Options{
		BindAddr:     cfg.BindAddr,
		DialTimeout:  cfg.DialTimeout,
		DialAttempts: cfg.DialAttempts,
		IdleTimeout:  cfg.IdleTimeout,
	})

	rt := gossip.New(ident, res, tr, gossip.Config{
		ProbeInterval:      cfg.ProbeInterval,
		ProbeTimeout:       cfg.ProbeTimeout,
		IndirectProbes:     cfg.IndirectProbes,
		SuspectTimeout:     cfg.SuspectTimeout,
		GossipInterval:     cfg.GossipInterval,
		GossipFanout:       cfg.GossipFanout,
		GossipJitter:       cfg.GossipJitter,
		HopLimit:           cfg.HopLimit,
		SeenTTL:            cfg.SeenTTL,
		SeenCapacity:       cfg.SeenCapacity,
		TombstoneRetention: cfg.TombstoneRetention,
		AdvertisedAddrs:    cfg.AdvertisedAddrs,
	})

	return &Node{
		log:      zap.S().Named("node"),
		cfg:      cfg,
		identity: ident,
		verifier: verifier,
		res:      res,
		tr:       tr,
		runtime:  rt,
		seedIDs:  seedIDs,
	}, nil
}

func (n *Node) ID() types.ID {
	return n.identity.ID()
}

func (n *Node) Identity() *identity.Node {
	return n.identity
}

// View exposes the live membership view.
func (n *Node) View() *gossip.View {
	return n.runtime.View()
}

// Publish floods an application message to the mesh.
func (n *Node) Publish(ctx context.Context, kind string, payload []byte) (uuid.UUID, error) {
	return n.runtime.Publish(ctx, kind, payload)
}

// Subscribe registers a handler invoked once per inbound message.
func (n *Node) Subscribe(h gossip.Handler) {
	n.runtime.Subscribe(h)
}

// Run starts the transport, joins via the configured seeds and drives the
// gossip loop until ctx is cancelled. A node with no seeds starts as a
// mesh of one and waits to be contacted.
func (n *Node) Run(ctx context.Context) error {
	if err := n.tr.Listen(ctx); err != nil {
		return fmt.Errorf("transport listen: %w", err)
	}
	defer n.tr.Close()

	n.log.Infow("node starting",
		"id", n.identity.ID().String(),
		"bind", n.tr.LocalAddr(),
		"seeds", len(n.seedIDs),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return n.runtime.Run(ctx)
	})

	if n.cfg.MetricsAddr != "" {
		g.Go(func() error {
			return n.serveMetrics(ctx)
		})
	}

	if err := n.runtime.Join(ctx, n.seedIDs); err != nil {
		// Stop the runtime and metrics goroutines before surfacing the
		// join failure; nothing should keep running on a dead start.
		cancel()
		_ = g.Wait()
		return err
	}

	return g.Wait()
}

func (n *Node) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())

	n.metrics = &http.Server{Addr: n.cfg.MetricsAddr, Handler: mux}
	n.log.Infow("metrics listening", "addr", n.cfg.MetricsAddr)

	errCh := make(chan error, 1)
	go func() { errCh <- n.metrics.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = n.metrics.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
