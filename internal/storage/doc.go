// Package storage provides the last-recorded-temperature store backing
// in-process devices. Readings may carry a TTL after which they are treated
// as absent, so a device with a stale measurement answers "no measurement".
package storage
