// Package device defines the worker side of a group query: the Ref a
// coordinator sends read requests to, the request/response messages, and
// Device, an in-process worker that answers with its last recorded
// temperature.
package device
