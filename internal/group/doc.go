// Package group tracks the devices of one device group, local and remote,
// and answers group-wide temperature queries by starting one query
// coordinator per request over a snapshot of the current members.
package group
