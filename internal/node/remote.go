package node

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"iotquery/internal/device"
	"iotquery/internal/liveness"
)

// RemoteDevice is a device hosted by another node.
//
// Reads are forwarded asynchronously. A host answering NotFound no longer
// has the device, so the ref is marked dead and watchers see it terminate.
// Transport failures are not answered at all; the host's membership status
// or the query deadline resolves them.
type RemoteDevice struct {
	id       string
	addr     string
	clients  *ClientManager
	registry *liveness.Registry[device.Ref]
	timeout  time.Duration
	logger   *zap.Logger
}

// NewRemoteDevice creates a ref for device id on the node at addr.
func NewRemoteDevice(id, addr string, clients *ClientManager, registry *liveness.Registry[device.Ref], timeout time.Duration, logger *zap.Logger) *RemoteDevice {
	return &RemoteDevice{
		id:       id,
		addr:     addr,
		clients:  clients,
		registry: registry,
		timeout:  timeout,
		logger:   logger.With(zap.String("device", id), zap.String("addr", addr)),
	}
}

// ID returns the device identifier.
func (r *RemoteDevice) ID() string {
	return r.id
}

// Addr returns the address of the hosting node.
func (r *RemoteDevice) Addr() string {
	return r.addr
}

// Read implements device.Ref.
func (r *RemoteDevice) Read(req device.ReadRequest) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		client, err := r.clients.Device(r.addr)
		if err != nil {
			r.logger.Warn("read not sent", zap.Error(err))
			return
		}
		out, err := client.ReadTemperature(ctx, ReadRequestToProto(r.id, req.RequestID))
		if err != nil {
			r.failed(err)
			return
		}
		if req.ReplyTo != nil {
			req.ReplyTo(readResponseFromProto(out))
		}
	}()
}

// Record implements device.Recorder.
func (r *RemoteDevice) Record(ctx context.Context, requestID int64, value float64) error {
	client, err := r.clients.Device(r.addr)
	if err != nil {
		return err
	}
	if _, err := client.RecordTemperature(ctx, RecordRequestToProto(r.id, requestID, value)); err != nil {
		r.failed(err)
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%w: %v", device.ErrStopped, err)
		}
		return err
	}
	return nil
}

func (r *RemoteDevice) failed(err error) {
	if status.Code(err) == codes.NotFound {
		r.logger.Info("remote device gone", zap.Error(err))
		r.registry.MarkDead(r)
		return
	}
	r.logger.Warn("remote call failed", zap.Error(err))
}
