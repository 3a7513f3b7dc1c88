// Package liveness lets a component ask to be told, once, when a subject
// (a device, a remote device reference) terminates. Sources of termination
// call MarkDead; watchers receive one notification per live subscription.
package liveness
