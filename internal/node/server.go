package node

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"iotquery/internal/device"
	"iotquery/internal/group"
)

// GroupServer implements the client facing Group service.
type GroupServer struct {
	group  *group.Group
	nodeID string
	logger *zap.Logger
}

// NewGroupServer creates a new group server instance.
func NewGroupServer(g *group.Group, nodeID string, logger *zap.Logger) *GroupServer {
	return &GroupServer{
		group:  g,
		nodeID: nodeID,
		logger: logger.Named("group-server"),
	}
}

// QueryAllTemperatures runs one group query. A missing request_id is
// assigned by the node.
func (s *GroupServer) QueryAllTemperatures(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	requestID := requestIDField(req)
	if requestID == 0 {
		requestID = s.group.NextRequestID()
	}
	s.logger.Info("QueryAllTemperatures", zap.Int64("request_id", requestID))

	resp, err := s.group.RequestAllTemperatures(ctx, requestID)
	if err != nil {
		return nil, toStatus(err)
	}
	return allTemperaturesToProto(resp), nil
}

// RegisterDevice starts a device on this node.
func (s *GroupServer) RegisterDevice(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := stringField(req, fieldDeviceID)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	s.logger.Info("RegisterDevice", zap.String("device", id))

	if _, err := s.group.Register(id); err != nil {
		return nil, toStatus(err)
	}
	return DeviceRequestToProto(id), nil
}

// ListDevices returns the ids of every device in the group, hosted here or not.
func (s *GroupServer) ListDevices(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return devicesToProto(s.group.Devices()), nil
}

// toStatus maps domain errors to gRPC status errors.
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, group.ErrUnknownDevice), errors.Is(err, device.ErrStopped):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, group.ErrDeviceExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, group.ErrNotRecordable):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, group.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return status.FromContextError(err).Err()
	default:
		if _, ok := status.FromError(err); ok {
			return err
		}
		return status.Error(codes.Internal, err.Error())
	}
}
