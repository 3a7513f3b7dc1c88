// Package node wires a device group to gRPC.
//
// A node serves two services: iotquery.v1.Device, used by other nodes to read
// and record devices hosted here, and iotquery.v1.Group, the client facing
// query API. Devices hosted elsewhere join the local group as RemoteDevice
// refs, and a membership detector probes their hosts through the standard
// gRPC health service so that a dead host resolves its devices promptly.
//
// Messages are google.protobuf.Struct values; see convert.go for the field
// layout of each call.
package node
