// Package query implements the group query coordinator: it scatters a read
// request to a frozen snapshot of devices, gathers one outcome per device
// while tolerating devices that stop mid-query, enforces a deadline, and
// delivers exactly one aggregate to the requester before terminating.
//
// A coordinator processes its events (device responses, device
// terminations, the deadline) one at a time from its own mailbox, so its
// state needs no locking. The state itself is an immutable value: every
// event produces a new outstanding set and a new set of collected readings.
package query
