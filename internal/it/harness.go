package it

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"iotquery/internal/config"
	"iotquery/internal/node"
)

// Cluster represents an in-process test cluster of nodes on loopback ports.
type Cluster struct {
	mu      sync.Mutex
	nodes   map[string]*Node
	clients *node.ClientManager
	logger  *zap.Logger
	serving errgroup.Group
}

// Node represents a single node in the test cluster.
type Node struct {
	ID   string
	Addr string
	cfg  *config.Config
	node *node.Node
}

// NewCluster creates an empty cluster.
func NewCluster(logger *zap.Logger) *Cluster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cluster{
		nodes:   make(map[string]*Node),
		clients: node.NewClientManager(),
		logger:  logger,
	}
}

// NodeConfig returns the configuration used for test nodes: short probe
// intervals so host failures are detected within a test run.
func NodeConfig(nodeID string) *config.Config {
	cfg := config.Default()
	cfg.NodeID = nodeID
	cfg.Listen = "127.0.0.1:0"
	cfg.QueryTimeout = 2 * time.Second
	cfg.RPCTimeout = time.Second
	cfg.ProbeInterval = 50 * time.Millisecond
	cfg.SuspectTimeout = 200 * time.Millisecond
	return cfg
}

// StartNode starts a node from cfg and waits until it reports SERVING.
// A cfg.Listen port of 0 picks a free port.
func (c *Cluster) StartNode(ctx context.Context, cfg *config.Config) (*Node, error) {
	lis, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for node %s: %w", cfg.NodeID, err)
	}
	cfg.Listen = lis.Addr().String()

	n, err := node.NewNode(cfg, c.logger)
	if err != nil {
		lis.Close()
		return nil, fmt.Errorf("failed to create node %s: %w", cfg.NodeID, err)
	}
	c.serving.Go(func() error { return n.Serve(lis) })

	tn := &Node{ID: cfg.NodeID, Addr: cfg.Listen, cfg: cfg, node: n}
	if err := c.waitForReady(ctx, tn, 5*time.Second); err != nil {
		n.Stop()
		return nil, fmt.Errorf("node %s failed to become ready: %w", cfg.NodeID, err)
	}

	c.mu.Lock()
	c.nodes[cfg.NodeID] = tn
	c.mu.Unlock()
	return tn, nil
}

// waitForReady polls the node's health service.
func (c *Cluster) waitForReady(ctx context.Context, n *Node, timeout time.Duration) error {
	health, err := c.clients.Health(n.Addr)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		checkCtx, checkCancel := context.WithTimeout(ctx, 500*time.Millisecond)
		resp, err := health.Check(checkCtx, &healthpb.HealthCheckRequest{})
		checkCancel()
		if err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for node %s to be ready: %w", n.ID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// GetNode returns a node by ID.
func (c *Cluster) GetNode(nodeID string) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes[nodeID]
}

// KillNode stops a node; its devices are lost.
func (c *Cluster) KillNode(nodeID string) error {
	c.mu.Lock()
	n, ok := c.nodes[nodeID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("node %s not found", nodeID)
	}
	n.node.Stop()
	return nil
}

// RestartNode starts a fresh node with the configuration and address of a
// killed one.
func (c *Cluster) RestartNode(ctx context.Context, nodeID string) (*Node, error) {
	c.mu.Lock()
	old, ok := c.nodes[nodeID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("node %s not found", nodeID)
	}
	old.node.Stop()

	cfg := *old.cfg
	return c.StartNode(ctx, &cfg)
}

// Group returns a Group service client for the node.
func (c *Cluster) Group(n *Node) (*node.GroupClient, error) {
	return c.clients.Group(n.Addr)
}

// Device returns a Device service client for the node.
func (c *Cluster) Device(n *Node) (*node.DeviceClient, error) {
	return c.clients.Device(n.Addr)
}

// Stop stops all nodes and waits for their servers to return.
func (c *Cluster) Stop() error {
	c.mu.Lock()
	nodes := c.nodes
	c.nodes = make(map[string]*Node)
	c.mu.Unlock()

	for _, n := range nodes {
		n.node.Stop()
	}
	err := c.serving.Wait()
	if closeErr := c.clients.Close(); err == nil {
		err = closeErr
	}
	return err
}
