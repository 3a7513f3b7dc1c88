package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"iotquery/internal/config"
	"iotquery/internal/device"
	"iotquery/internal/group"
	"iotquery/internal/liveness"
	"iotquery/internal/membership"
	"iotquery/internal/storage"
)

// Option customizes a Node.
type Option func(*Node)

// WithClock sets the clock used for query deadlines, reading expiry and
// host probing.
func WithClock(clock clockwork.Clock) Option {
	return func(n *Node) { n.clock = clock }
}

// Node represents a single node: a device group served over gRPC.
type Node struct {
	cfg    config.Config
	nodeID string
	clock  clockwork.Clock
	logger *zap.Logger

	registry *liveness.Registry[device.Ref]
	store    storage.Store
	group    *group.Group
	clients  *ClientManager
	detector *membership.Detector

	health     *health.Server
	grpcServer *grpc.Server

	mu     sync.Mutex
	remote map[string][]*RemoteDevice // host addr -> attached refs

	stopOnce sync.Once
}

// NewNode creates a node from cfg, starting its local devices and attaching
// its remote ones. Nothing listens until Start or Serve.
func NewNode(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	n := &Node{
		cfg:      *cfg,
		nodeID:   cfg.NodeID,
		clock:    clockwork.NewRealClock(),
		logger:   logger.With(zap.String("node", cfg.NodeID)),
		registry: liveness.NewRegistry[device.Ref](),
		clients:  NewClientManager(),
		remote:   make(map[string][]*RemoteDevice),
	}
	for _, opt := range opts {
		opt(n)
	}

	n.store = storage.NewInMemoryStore(n.clock, cfg.ReadingTTL)
	n.group = group.New(group.Options{
		ID:           cfg.NodeID,
		Store:        n.store,
		Registry:     n.registry,
		Clock:        n.clock,
		QueryTimeout: cfg.QueryTimeout,
		Logger:       n.logger,
	})
	for _, id := range cfg.LocalDevices {
		if _, err := n.group.Register(id); err != nil {
			n.group.Close()
			return nil, fmt.Errorf("register local device: %w", err)
		}
	}

	n.detector = membership.NewDetector(membership.Options{
		ProbeInterval:  cfg.ProbeInterval,
		SuspectTimeout: cfg.SuspectTimeout,
		Clock:          n.clock,
		Logger:         n.logger,
	})
	n.detector.SetOnDead(n.onHostDead)
	n.detector.SetOnRecovered(n.onHostRecovered)
	for _, host := range cfg.RemoteHosts() {
		n.detector.Add(host)
		n.attachHost(host)
	}

	n.grpcServer = grpc.NewServer()
	RegisterDeviceServer(n.grpcServer, NewDeviceServer(n.group, n.nodeID, n.logger))
	RegisterGroupServer(n.grpcServer, NewGroupServer(n.group, n.nodeID, n.logger))

	n.health = health.NewServer()
	healthpb.RegisterHealthServer(n.grpcServer, n.health)
	n.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	n.health.SetServingStatus(DeviceServiceName, healthpb.HealthCheckResponse_SERVING)
	n.health.SetServingStatus(GroupServiceName, healthpb.HealthCheckResponse_SERVING)

	// Reflection lists the services; the hand-written descriptors carry no
	// file metadata, so grpcurl cannot describe their methods.
	reflection.Register(n.grpcServer)

	return n, nil
}

// ID returns the node identifier.
func (n *Node) ID() string {
	return n.nodeID
}

// Group returns the node's device group.
func (n *Node) Group() *group.Group {
	return n.group
}

// Hosts returns the membership status of every remote device host.
func (n *Node) Hosts() []membership.Member {
	return n.detector.Snapshot()
}

// Start listens on the configured address and serves until Stop.
func (n *Node) Start() error {
	lis, err := net.Listen("tcp", n.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", n.cfg.Listen, err)
	}
	return n.Serve(lis)
}

// Serve serves gRPC on lis until Stop. Host probing runs while serving.
func (n *Node) Serve(lis net.Listener) error {
	n.detector.Start(n.probe)
	n.logger.Info("starting node", zap.String("addr", lis.Addr().String()),
		zap.Strings("devices", n.group.Devices()))

	if err := n.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Stop gracefully stops the node and its local devices.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.logger.Info("stopping node")
		n.detector.Stop()
		n.health.Shutdown()
		n.grpcServer.GracefulStop()
		n.group.Close()
		if err := n.clients.Close(); err != nil {
			n.logger.Warn("closing clients", zap.Error(err))
		}
	})
}

// probe checks a remote host through the standard health service.
func (n *Node) probe(ctx context.Context, addr string) error {
	client, err := n.clients.Health(addr)
	if err != nil {
		return err
	}
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: DeviceServiceName})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%s is %s", addr, resp.GetStatus())
	}
	return nil
}

// attachHost attaches fresh refs for every configured device on host.
func (n *Node) attachHost(host string) {
	var refs []*RemoteDevice
	for _, rd := range n.cfg.RemoteDevices {
		if rd.Addr != host {
			continue
		}
		ref := NewRemoteDevice(rd.ID, rd.Addr, n.clients, n.registry, n.cfg.RPCTimeout, n.logger)
		if err := n.group.Attach(rd.ID, ref); err != nil {
			n.logger.Warn("attach remote device", zap.String("device", rd.ID), zap.Error(err))
			continue
		}
		refs = append(refs, ref)
	}

	n.mu.Lock()
	n.remote[host] = refs
	n.mu.Unlock()
}

// onHostDead terminates every ref on host so running queries resolve them
// as gone and the group drops them.
func (n *Node) onHostDead(host string) {
	n.mu.Lock()
	refs := n.remote[host]
	delete(n.remote, host)
	n.mu.Unlock()

	for _, ref := range refs {
		// Refs removed from the group no longer need a tombstone.
		if cur, ok := n.group.Lookup(ref.ID()); !ok || cur != device.Ref(ref) {
			continue
		}
		n.registry.MarkDead(ref)
	}
	n.logger.Warn("remote host dead", zap.String("addr", host), zap.Int("devices", len(refs)))
}

// onHostRecovered re-attaches the devices of a host that answers again.
func (n *Node) onHostRecovered(host string) {
	n.attachHost(host)
	n.logger.Info("remote host recovered", zap.String("addr", host))
}
