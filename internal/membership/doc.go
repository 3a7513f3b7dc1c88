// Package membership implements a probe-based failure detector for the
// hosts that serve remote devices.
//
// Every host is probed on each tick. A failed probe moves an Alive host to
// Suspect; a host that stays Suspect for longer than the suspect timeout is
// declared Dead. A successful probe brings any host back to Alive.
// Dead and recovered transitions are reported through callbacks so the
// owner can fail outstanding work and re-attach devices.
package membership
