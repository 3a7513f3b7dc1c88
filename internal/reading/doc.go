// Package reading defines the closed set of per-device outcomes a group query
// can report: a temperature value, no measurement, device gone, or timed out.
package reading
