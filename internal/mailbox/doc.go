// Package mailbox provides an unbounded FIFO queue with a single consumer.
// Posting never blocks, which lets devices, timers and liveness callbacks hand
// events to a coordinator without waiting on it.
package mailbox
