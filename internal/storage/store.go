package storage

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Recorded is the last temperature recorded for a device.
type Recorded struct {
	Value      float64
	RequestID  int64
	RecordedAt time.Time
	ExpiresAt  *time.Time // nil if no expiration
}

// IsExpired checks if the reading has expired at now.
func (r *Recorded) IsExpired(now time.Time) bool {
	if r.ExpiresAt == nil {
		return false
	}
	return !now.Before(*r.ExpiresAt)
}

// Store defines the interface for per-device reading storage.
type Store interface {
	// Get returns the last reading for deviceID. Returns nil if none or expired.
	Get(deviceID string) *Recorded
	// Put records value for deviceID, replacing any previous reading.
	Put(deviceID string, requestID int64, value float64) *Recorded
	// Delete drops the reading for deviceID. Returns true if one existed.
	Delete(deviceID string) bool
	// Len returns the number of stored readings, expired ones included.
	Len() int
}

// InMemoryStore is an in-memory implementation of Store.
// It's thread-safe and supports TTL expiration.
type InMemoryStore struct {
	mu    sync.RWMutex
	data  map[string]*Recorded
	ttl   time.Duration // zero means readings never expire
	clock clockwork.Clock
}

// NewInMemoryStore creates a new in-memory store. A ttl of zero disables expiry.
func NewInMemoryStore(clock clockwork.Clock, ttl time.Duration) *InMemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &InMemoryStore{
		data:  make(map[string]*Recorded),
		ttl:   ttl,
		clock: clock,
	}
}

// Get retrieves the reading for a device.
func (s *InMemoryStore) Get(deviceID string) *Recorded {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.data[deviceID]
	if !exists {
		return nil
	}

	if r.IsExpired(s.clock.Now()) {
		// Clean up expired entry (best effort, don't block readers)
		go s.deleteExpired(deviceID)
		return nil
	}

	// Return a copy to avoid external modifications
	return copyRecorded(r)
}

// Put stores a reading for a device.
func (s *InMemoryStore) Put(deviceID string, requestID int64, value float64) *Recorded {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	r := &Recorded{
		Value:      value,
		RequestID:  requestID,
		RecordedAt: now,
	}
	if s.ttl > 0 {
		expires := now.Add(s.ttl)
		r.ExpiresAt = &expires
	}
	s.data[deviceID] = r

	return copyRecorded(r)
}

// Delete removes the reading for a device.
func (s *InMemoryStore) Delete(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.data[deviceID]
	delete(s.data, deviceID)
	return exists
}

// Len returns the number of stored readings.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// deleteExpired removes an expired reading (called asynchronously).
func (s *InMemoryStore) deleteExpired(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, exists := s.data[deviceID]; exists && r.IsExpired(s.clock.Now()) {
		delete(s.data, deviceID)
	}
}

func copyRecorded(r *Recorded) *Recorded {
	out := *r
	if r.ExpiresAt != nil {
		expires := *r.ExpiresAt
		out.ExpiresAt = &expires
	}
	return &out
}
