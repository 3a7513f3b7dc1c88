// Package deadline implements the one-shot, cancellable alarm that bounds how
// long a group query waits for its devices. Alarms run on an injectable
// clockwork clock so tests can fire them without sleeping.
package deadline
