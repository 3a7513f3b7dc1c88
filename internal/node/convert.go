package node

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"iotquery/internal/device"
	"iotquery/internal/query"
	"iotquery/internal/reading"
)

// Field names shared by requests and responses.
const (
	fieldDeviceID     = "device_id"
	fieldRequestID    = "request_id"
	fieldValue        = "value"
	fieldTemperatures = "temperatures"
	fieldDevices      = "devices"
)

func stringField(s *structpb.Struct, key string) (string, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return "", fmt.Errorf("missing field %s", key)
	}
	str, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok || str.StringValue == "" {
		return "", fmt.Errorf("field %s must be a non-empty string", key)
	}
	return str.StringValue, nil
}

// numberField returns the numeric field key, or false if it is absent or not a number.
func numberField(s *structpb.Struct, key string) (float64, bool) {
	num, ok := s.GetFields()[key].GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, false
	}
	return num.NumberValue, true
}

func requestIDField(s *structpb.Struct) int64 {
	id, _ := numberField(s, fieldRequestID)
	return int64(id)
}

// ReadRequestToProto builds {"device_id", "request_id"}.
func ReadRequestToProto(deviceID string, requestID int64) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldDeviceID:  structpb.NewStringValue(deviceID),
		fieldRequestID: structpb.NewNumberValue(float64(requestID)),
	}}
}

// readResponseToProto builds {"request_id", "value"?}; value is omitted when
// the device has no measurement.
func readResponseToProto(resp device.ReadResponse) *structpb.Struct {
	out := &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldRequestID: structpb.NewNumberValue(float64(resp.RequestID)),
	}}
	if resp.Value != nil {
		out.Fields[fieldValue] = structpb.NewNumberValue(*resp.Value)
	}
	return out
}

func readResponseFromProto(s *structpb.Struct) device.ReadResponse {
	resp := device.ReadResponse{RequestID: requestIDField(s)}
	if v, ok := numberField(s, fieldValue); ok {
		resp.Value = &v
	}
	return resp
}

// RecordRequestToProto builds {"device_id", "request_id", "value"}.
func RecordRequestToProto(deviceID string, requestID int64, value float64) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldDeviceID:  structpb.NewStringValue(deviceID),
		fieldRequestID: structpb.NewNumberValue(float64(requestID)),
		fieldValue:     structpb.NewNumberValue(value),
	}}
}

// QueryRequestToProto builds {"request_id"?}. A zero requestID lets the
// server pick one.
func QueryRequestToProto(requestID int64) *structpb.Struct {
	s := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	if requestID != 0 {
		s.Fields[fieldRequestID] = structpb.NewNumberValue(float64(requestID))
	}
	return s
}

func allTemperaturesToProto(resp query.AllTemperatures) *structpb.Struct {
	temps := make(map[string]*structpb.Value, len(resp.Temperatures))
	for id, r := range resp.Temperatures {
		temps[id] = r.ToProto()
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldRequestID:    structpb.NewNumberValue(float64(resp.RequestID)),
		fieldTemperatures: structpb.NewStructValue(&structpb.Struct{Fields: temps}),
	}}
}

// AllTemperaturesFromProto decodes a QueryAllTemperatures response.
func AllTemperaturesFromProto(s *structpb.Struct) (query.AllTemperatures, error) {
	resp := query.AllTemperatures{
		RequestID:    requestIDField(s),
		Temperatures: make(map[string]reading.Reading),
	}
	for id, v := range s.GetFields()[fieldTemperatures].GetStructValue().GetFields() {
		r, err := reading.FromProto(v)
		if err != nil {
			return query.AllTemperatures{}, fmt.Errorf("device %s: %w", id, err)
		}
		resp.Temperatures[id] = r
	}
	return resp, nil
}

// DeviceRequestToProto builds {"device_id"}.
func DeviceRequestToProto(deviceID string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldDeviceID: structpb.NewStringValue(deviceID),
	}}
}

func devicesToProto(ids []string) *structpb.Struct {
	values := make([]*structpb.Value, 0, len(ids))
	for _, id := range ids {
		values = append(values, structpb.NewStringValue(id))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldDevices: structpb.NewListValue(&structpb.ListValue{Values: values}),
	}}
}

// DevicesFromProto decodes a ListDevices response.
func DevicesFromProto(s *structpb.Struct) []string {
	values := s.GetFields()[fieldDevices].GetListValue().GetValues()
	ids := make([]string, 0, len(values))
	for _, v := range values {
		ids = append(ids, v.GetStringValue())
	}
	return ids
}

