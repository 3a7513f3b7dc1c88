package node

import (
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ClientManager manages gRPC connections to other nodes, one per address.
type ClientManager struct {
	mu    sync.RWMutex
	conns map[string]*grpc.ClientConn
}

// NewClientManager creates a new client manager.
func NewClientManager() *ClientManager {
	return &ClientManager{
		conns: make(map[string]*grpc.ClientConn),
	}
}

// conn returns the connection for addr, creating it on first use.
// Connections are lazy: dialing errors surface on the first call.
func (cm *ClientManager) conn(addr string) (*grpc.ClientConn, error) {
	cm.mu.RLock()
	conn, exists := cm.conns[addr]
	cm.mu.RUnlock()

	if exists {
		return conn, nil
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	// Double-check after acquiring write lock
	if conn, exists := cm.conns[addr]; exists {
		return conn, nil
	}
	if cm.conns == nil {
		return nil, fmt.Errorf("client manager closed")
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", addr, err)
	}
	cm.conns[addr] = conn
	return conn, nil
}

// Device returns a Device service client for addr.
func (cm *ClientManager) Device(addr string) (*DeviceClient, error) {
	conn, err := cm.conn(addr)
	if err != nil {
		return nil, err
	}
	return NewDeviceClient(conn), nil
}

// Group returns a Group service client for addr.
func (cm *ClientManager) Group(addr string) (*GroupClient, error) {
	conn, err := cm.conn(addr)
	if err != nil {
		return nil, err
	}
	return NewGroupClient(conn), nil
}

// Health returns a health checking client for addr.
func (cm *ClientManager) Health(addr string) (healthpb.HealthClient, error) {
	conn, err := cm.conn(addr)
	if err != nil {
		return nil, err
	}
	return healthpb.NewHealthClient(conn), nil
}

// Close closes all connections. The manager cannot be used afterwards.
func (cm *ClientManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	var firstErr error
	for addr, conn := range cm.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", addr, err)
		}
	}
	cm.conns = nil
	return firstErr
}
