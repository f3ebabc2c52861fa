package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	bclock "github.com/benbjohnson/clock"
	"github.com/golang/glog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/cheddar/seaport/internal/config"
	"github.com/cheddar/seaport/internal/gossip"
	"github.com/cheddar/seaport/internal/metrics"
	"github.com/cheddar/seaport/internal/quorum"
	"github.com/cheddar/seaport/internal/registry"
	"github.com/cheddar/seaport/internal/replication"
	"github.com/cheddar/seaport/internal/ring"
	"github.com/cheddar/seaport/internal/transport"
)

// ErrBootstrap is returned by Start when fewer than min_peers peers answer.
var ErrBootstrap = errors.New("node: bootstrap quorum not reached")

const shutdownTimeout = 5 * time.Second

// Option configures a Node.
type Option func(*Node)

// WithClock replaces the clock used by the registry, membership and the
// reconnect loop.
func WithClock(c bclock.Clock) Option {
	return func(n *Node) { n.clock = c }
}

// Node represents a single registry daemon: a registry reachable over gRPC
// (and optionally WebSocket) that keeps streams open to its peers.
type Node struct {
	cfg        config.Config
	clock      bclock.Clock
	registry   *registry.Registry
	metrics    *metrics.Metrics
	clientMgr  *ClientManager
	membership *gossip.Membership
	ring       *ring.Ring
	targets    map[string]bool // dial addrs chosen by fan-out

	grpcServer  *grpc.Server
	httpServers []*http.Server
	addr        net.Addr
	wsAddr      net.Addr
	httpAddr    net.Addr
	ready       chan struct{}

	dialMu  sync.Mutex
	dialing map[string]bool
	streams sync.WaitGroup
}

// NewNode creates a node from cfg. Nothing listens until Start.
func NewNode(cfg config.Config, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := &Node{
		cfg:       cfg,
		metrics:   metrics.New(),
		clientMgr: NewClientManager(),
		ready:     make(chan struct{}),
		dialing:   make(map[string]bool),
		targets:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.clock == nil {
		n.clock = bclock.New()
	}

	rc, err := cfg.Registry()
	if err != nil {
		return nil, err
	}
	regOpts := []registry.NewOption{registry.WithClock(n.clock), registry.WithMetrics(n.metrics)}
	if cfg.NodeID != "" {
		regOpts = append(regOpts, registry.WithNodeID(cfg.NodeID))
	}
	reg, err := registry.New(rc, regOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}
	n.registry = reg
	n.cfg.NodeID = reg.ID()

	nodes, err := n.cfg.BuildRingNodes()
	if err != nil {
		_ = reg.Close()
		return nil, err
	}
	n.ring = ring.NewRing(cfg.VNodes)
	n.ring.SetNodes(nodes)
	for _, peer := range n.fanout() {
		n.targets[peer.Addr] = true
	}

	n.membership = gossip.NewMembership(reg.ID(), n.clock, 3*cfg.ReconnectInterval)
	n.membership.AddSeedMembers(nodes)
	n.membership.SetOnMembershipChanged(n.onMembershipChanged)
	return n, nil
}

// Registry returns the node's registry.
func (n *Node) Registry() *registry.Registry {
	return n.registry
}

// Metrics returns the node's metrics.
func (n *Node) Metrics() *metrics.Metrics {
	return n.metrics
}

// Membership returns the node's peer table.
func (n *Node) Membership() *gossip.Membership {
	return n.membership
}

// Ready is closed once every listener is bound.
func (n *Node) Ready() <-chan struct{} {
	return n.ready
}

// Addr returns the bound gRPC address. Valid after Ready.
func (n *Node) Addr() net.Addr {
	return n.addr
}

// WSAddr returns the bound WebSocket address, or nil when disabled.
func (n *Node) WSAddr() net.Addr {
	return n.wsAddr
}

// HTTPAddr returns the bound metrics and query address, or nil when
// disabled.
func (n *Node) HTTPAddr() net.Addr {
	return n.httpAddr
}

// fanout picks up to cfg.Fanout peers to dial, starting at this node's
// position on the ring.
func (n *Node) fanout() []ring.Node {
	return replication.Targets(n.ring, n.cfg.NodeID, n.cfg.Fanout)
}

// Start serves until ctx is cancelled or a listener fails, then shuts the
// node down.
func (n *Node) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", n.cfg.Listen)
	if err != nil {
		_ = n.registry.Close()
		return fmt.Errorf("failed to listen on %s: %w", n.cfg.Listen, err)
	}
	n.addr = lis.Addr()
	n.grpcServer = grpc.NewServer()
	transport.RegisterGossipServer(n.grpcServer, n.accept)

	var listeners []net.Listener
	if n.cfg.WSListen != "" {
		wsLis, err := net.Listen("tcp", n.cfg.WSListen)
		if err != nil {
			lis.Close()
			_ = n.registry.Close()
			return fmt.Errorf("failed to listen on %s: %w", n.cfg.WSListen, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/gossip", transport.NewWebSocketHandler(n.accept))
		n.httpServers = append(n.httpServers, &http.Server{Handler: mux})
		listeners = append(listeners, wsLis)
		n.wsAddr = wsLis.Addr()
	}
	if n.cfg.MetricsListen != "" {
		mLis, err := net.Listen("tcp", n.cfg.MetricsListen)
		if err != nil {
			lis.Close()
			for _, l := range listeners {
				l.Close()
			}
			_ = n.registry.Close()
			return fmt.Errorf("failed to listen on %s: %w", n.cfg.MetricsListen, err)
		}
		n.httpServers = append(n.httpServers, &http.Server{Handler: NewServer(n.registry, n.metrics).Handler()})
		listeners = append(listeners, mLis)
		n.httpAddr = mLis.Addr()
	}
	close(n.ready)
	glog.Infof("[%s] Starting node on %s", n.registry.ID(), n.addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := n.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})
	for i, srv := range n.httpServers {
		srv, l := srv, listeners[i]
		g.Go(func() error {
			if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("failed to serve http: %w", err)
			}
			return nil
		})
	}

	n.membership.Start(n.cfg.ReconnectInterval)
	g.Go(func() error {
		return n.bootstrap(gctx)
	})
	g.Go(func() error {
		n.reconnectLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return n.stop()
	})

	return g.Wait()
}

// bootstrap dials the fan-out peers and requires min_peers of them.
func (n *Node) bootstrap(ctx context.Context) error {
	addrs := make([]string, 0, len(n.targets))
	for _, peer := range n.fanout() {
		addrs = append(addrs, peer.Addr)
	}
	if len(addrs) == 0 {
		return nil
	}

	required := n.cfg.MinPeers
	if required == 0 {
		required = len(addrs)
	}
	if required > len(addrs) {
		required = len(addrs)
	}
	res := quorum.Dial(ctx, addrs, required, n.cfg.DialTimeout, n.dialPeer)
	if res.Success {
		glog.Infof("[%s] Connected to %d/%d peers", n.registry.ID(), len(res.Connected), res.Peers)
		return nil
	}
	if n.cfg.MinPeers > 0 && ctx.Err() == nil {
		return fmt.Errorf("%w: %s", ErrBootstrap, res.ErrorMessage)
	}
	glog.Warningf("[%s] Bootstrap incomplete: %s", n.registry.ID(), res.ErrorMessage)
	return nil
}

// reconnectLoop redials fan-out peers whose streams have ended.
func (n *Node) reconnectLoop(ctx context.Context) {
	ticker := n.clock.Ticker(n.cfg.ReconnectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, peer := range n.membership.Redial() {
			if !n.targets[peer.Addr] {
				continue
			}
			addr := peer.Addr
			n.streams.Add(1)
			go func() {
				defer n.streams.Done()
				dctx, cancel := context.WithTimeout(ctx, n.cfg.DialTimeout)
				defer cancel()
				if err := n.dialPeer(dctx, addr); err != nil {
					glog.V(1).Infof("[%s] Redial %s failed: %v", n.registry.ID(), addr, err)
				}
			}()
		}
	}
}

// dialPeer connects to addr unless a stream to it is already open or
// being opened.
func (n *Node) dialPeer(ctx context.Context, addr string) error {
	n.dialMu.Lock()
	if n.dialing[addr] {
		n.dialMu.Unlock()
		return nil
	}
	n.dialing[addr] = true
	n.dialMu.Unlock()
	release := func() {
		n.dialMu.Lock()
		delete(n.dialing, addr)
		n.dialMu.Unlock()
	}

	s, err := Connect(ctx, n.registry, n.clientMgr, addr,
		registry.OnConnect(func(id string) { n.membership.Connected(id, addr) }),
		registry.OnDisconnect(func(id string, _ error) { n.membership.Disconnected(id) }),
	)
	if err != nil {
		release()
		return err
	}
	n.streams.Add(1)
	go func() {
		defer n.streams.Done()
		<-s.Done()
		release()
		glog.Infof("[%s] Stream to %s (%s) ended", n.registry.ID(), s.RemoteID(), addr)
	}()
	return nil
}

// accept serves an inbound stream. The dialer's address is recorded as its
// host.
func (n *Node) accept(ctx context.Context, conn io.ReadWriteCloser, remoteHost string) error {
	return n.registry.Serve(ctx, conn, remoteHost,
		registry.OnConnect(func(id string) { n.membership.Connected(id, "") }),
		registry.OnDisconnect(func(id string, _ error) { n.membership.Disconnected(id) }),
	)
}

func (n *Node) onMembershipChanged(alive []ring.Node) {
	glog.Infof("[%s] Membership changed: %d alive peers", n.registry.ID(), len(alive))
}

// stop closes the registry (ending every stream), then the listeners.
func (n *Node) stop() error {
	glog.Infof("[%s] Stopping node", n.registry.ID())
	var errs error
	errs = multierr.Append(errs, n.registry.Close())

	done := make(chan struct{})
	go func() {
		n.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		n.grpcServer.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range n.httpServers {
		errs = multierr.Append(errs, srv.Shutdown(ctx))
	}
	n.membership.Stop()
	n.streams.Wait()
	errs = multierr.Append(errs, n.clientMgr.Close())
	return errs
}
