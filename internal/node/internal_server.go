package node

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"iotquery/internal/device"
	"iotquery/internal/group"
)

// DeviceServer implements the Device service for devices hosted on this node.
// Refs attached from other nodes are never served, so reads do not loop
// between nodes.
type DeviceServer struct {
	group  *group.Group
	nodeID string
	logger *zap.Logger
}

// NewDeviceServer creates a new device server instance.
func NewDeviceServer(g *group.Group, nodeID string, logger *zap.Logger) *DeviceServer {
	return &DeviceServer{
		group:  g,
		nodeID: nodeID,
		logger: logger.Named("device-server"),
	}
}

func (s *DeviceServer) localDevice(req *structpb.Struct) (*device.Device, error) {
	id, err := stringField(req, fieldDeviceID)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	ref, ok := s.group.Lookup(id)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "device %s not hosted on %s", id, s.nodeID)
	}
	d, ok := ref.(*device.Device)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "device %s not hosted on %s", id, s.nodeID)
	}
	return d, nil
}

// ReadTemperature handles reads from other nodes' query coordinators.
func (s *DeviceServer) ReadTemperature(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	d, err := s.localDevice(req)
	if err != nil {
		return nil, err
	}
	requestID := requestIDField(req)
	s.logger.Debug("ReadTemperature", zap.String("device", d.ID()), zap.Int64("request_id", requestID))

	replies := make(chan device.ReadResponse, 1)
	d.Read(device.ReadRequest{
		RequestID: requestID,
		ReplyTo: func(resp device.ReadResponse) {
			replies <- resp
		},
	})

	select {
	case resp := <-replies:
		return readResponseToProto(resp), nil
	case <-d.Done():
		return nil, status.Errorf(codes.NotFound, "device %s stopped", d.ID())
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}
}

// RecordTemperature stores a new temperature on a hosted device.
func (s *DeviceServer) RecordTemperature(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	d, err := s.localDevice(req)
	if err != nil {
		return nil, err
	}
	value, ok := numberField(req, fieldValue)
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "value must be a number")
	}
	requestID := requestIDField(req)
	s.logger.Debug("RecordTemperature", zap.String("device", d.ID()),
		zap.Int64("request_id", requestID), zap.Float64("value", value))

	if err := d.Record(ctx, requestID, value); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldRequestID: structpb.NewNumberValue(float64(requestID)),
	}}, nil
}
