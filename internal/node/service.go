package node

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	DeviceServiceName = "iotquery.v1.Device"
	GroupServiceName  = "iotquery.v1.Group"

	readTemperatureMethod      = "/iotquery.v1.Device/ReadTemperature"
	recordTemperatureMethod    = "/iotquery.v1.Device/RecordTemperature"
	queryAllTemperaturesMethod = "/iotquery.v1.Group/QueryAllTemperatures"
	registerDeviceMethod       = "/iotquery.v1.Group/RegisterDevice"
	listDevicesMethod          = "/iotquery.v1.Group/ListDevices"
)

// DeviceService is the node-to-node API over devices hosted by a node.
type DeviceService interface {
	ReadTemperature(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	RecordTemperature(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// GroupService is the client facing API of a node.
type GroupService interface {
	QueryAllTemperatures(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	RegisterDevice(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListDevices(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// unaryHandler adapts a service method to grpc.MethodHandler.
func unaryHandler[S any](fullMethod string, call func(S, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(S), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(S), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var deviceServiceDesc = grpc.ServiceDesc{
	ServiceName: DeviceServiceName,
	HandlerType: (*DeviceService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ReadTemperature", Handler: unaryHandler(readTemperatureMethod, DeviceService.ReadTemperature)},
		{MethodName: "RecordTemperature", Handler: unaryHandler(recordTemperatureMethod, DeviceService.RecordTemperature)},
	},
	Streams: []grpc.StreamDesc{},
}

var groupServiceDesc = grpc.ServiceDesc{
	ServiceName: GroupServiceName,
	HandlerType: (*GroupService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "QueryAllTemperatures", Handler: unaryHandler(queryAllTemperaturesMethod, GroupService.QueryAllTemperatures)},
		{MethodName: "RegisterDevice", Handler: unaryHandler(registerDeviceMethod, GroupService.RegisterDevice)},
		{MethodName: "ListDevices", Handler: unaryHandler(listDevicesMethod, GroupService.ListDevices)},
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterDeviceServer registers srv on s.
func RegisterDeviceServer(s grpc.ServiceRegistrar, srv DeviceService) {
	s.RegisterService(&deviceServiceDesc, srv)
}

// RegisterGroupServer registers srv on s.
func RegisterGroupServer(s grpc.ServiceRegistrar, srv GroupService) {
	s.RegisterService(&groupServiceDesc, srv)
}

// DeviceClient calls the Device service.
type DeviceClient struct {
	cc grpc.ClientConnInterface
}

// NewDeviceClient creates a Device service client on cc.
func NewDeviceClient(cc grpc.ClientConnInterface) *DeviceClient {
	return &DeviceClient{cc: cc}
}

func (c *DeviceClient) ReadTemperature(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, readTemperatureMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *DeviceClient) RecordTemperature(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, recordTemperatureMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GroupClient calls the Group service.
type GroupClient struct {
	cc grpc.ClientConnInterface
}

// NewGroupClient creates a Group service client on cc.
func NewGroupClient(cc grpc.ClientConnInterface) *GroupClient {
	return &GroupClient{cc: cc}
}

func (c *GroupClient) QueryAllTemperatures(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, queryAllTemperaturesMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *GroupClient) RegisterDevice(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, registerDeviceMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *GroupClient) ListDevices(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, listDevicesMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
