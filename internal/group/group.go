package group

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"iotquery/internal/device"
	"iotquery/internal/liveness"
	"iotquery/internal/query"
	"iotquery/internal/storage"
)

const (
	// DefaultQueryTimeout bounds a group query when Options.QueryTimeout is unset.
	DefaultQueryTimeout = 3 * time.Second
)

var (
	// ErrDeviceExists is returned when a device id is already bound to another ref.
	ErrDeviceExists = errors.New("device already exists")
	// ErrUnknownDevice is returned for operations on ids the group does not track.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrNotRecordable is returned when a device ref does not accept writes.
	ErrNotRecordable = errors.New("device does not accept temperature writes")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("group closed")
)

// Options configures a Group.
type Options struct {
	ID string
	// Store backs local devices. Defaults to an in-memory store without TTL.
	Store storage.Store
	// Registry delivers device terminations. Defaults to a private registry.
	Registry     *liveness.Registry[device.Ref]
	Clock        clockwork.Clock
	QueryTimeout time.Duration
	Logger       *zap.Logger
}

type member struct {
	ref   device.Ref
	local *device.Device // nil for attached refs
	sub   liveness.Subscription
}

// Group is a set of devices keyed by id.
// Thread-safe: all methods may be called concurrently.
type Group struct {
	id       string
	store    storage.Store
	registry *liveness.Registry[device.Ref]
	clock    clockwork.Clock
	timeout  time.Duration
	logger   *zap.Logger

	mu      sync.RWMutex
	members map[string]*member
	closed  bool
	// Refs that left the group keep their liveness tombstone while a query
	// that snapshotted them may still watch them.
	inflight int
	retired  []device.Ref

	nextRequest atomic.Int64
	stats       *recorder
}

// New creates an empty group.
func New(opts Options) *Group {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Store == nil {
		opts.Store = storage.NewInMemoryStore(opts.Clock, 0)
	}
	if opts.Registry == nil {
		opts.Registry = liveness.NewRegistry[device.Ref]()
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Group{
		id:       opts.ID,
		store:    opts.Store,
		registry: opts.Registry,
		clock:    opts.Clock,
		timeout:  opts.QueryTimeout,
		logger:   opts.Logger.Named("group").With(zap.String("group", opts.ID)),
		members:  make(map[string]*member),
		stats:    newRecorder(),
	}
}

// ID returns the group identifier.
func (g *Group) ID() string {
	return g.id
}

// Registry returns the liveness registry device terminations are reported to.
func (g *Group) Registry() *liveness.Registry[device.Ref] {
	return g.registry
}

// Register starts a local device with the given id, or returns the existing
// one. Registering an id that is attached to a remote ref fails with
// ErrDeviceExists.
func (g *Group) Register(deviceID string) (device.Ref, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("register: empty device id")
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrClosed
	}
	if m, ok := g.members[deviceID]; ok {
		g.mu.Unlock()
		if m.local == nil {
			return nil, fmt.Errorf("register %s: %w", deviceID, ErrDeviceExists)
		}
		return m.ref, nil
	}
	d := device.New(deviceID, g.store, g.registry, g.logger)
	m := &member{ref: d, local: d}
	g.members[deviceID] = m
	g.mu.Unlock()

	g.watch(deviceID, m)
	g.logger.Info("device registered", zap.String("device", deviceID))
	return d, nil
}

// Attach adds a ref managed elsewhere, typically a device hosted by another
// node. Attaching the same ref twice is a no-op.
func (g *Group) Attach(deviceID string, ref device.Ref) error {
	if deviceID == "" || ref == nil {
		return fmt.Errorf("attach: device id and ref are required")
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	if m, ok := g.members[deviceID]; ok {
		g.mu.Unlock()
		if m.ref == ref {
			return nil
		}
		return fmt.Errorf("attach %s: %w", deviceID, ErrDeviceExists)
	}
	m := &member{ref: ref}
	g.members[deviceID] = m
	g.mu.Unlock()

	g.watch(deviceID, m)
	g.logger.Info("device attached", zap.String("device", deviceID))
	return nil
}

// watch must be called without g.mu held: a ref that is already dead is
// reported synchronously.
func (g *Group) watch(deviceID string, m *member) {
	sub := g.registry.Watch(m.ref, func(device.Ref) {
		g.onTerminated(deviceID, m)
	})

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.members[deviceID] == m {
		m.sub = sub
	}
}

func (g *Group) onTerminated(deviceID string, m *member) {
	g.mu.Lock()

	if g.members[deviceID] != m {
		g.mu.Unlock()
		return
	}
	delete(g.members, deviceID)
	release := g.retireLocked(m.ref)
	g.mu.Unlock()

	g.forget(release)
	g.logger.Info("device terminated, removed from group", zap.String("device", deviceID))
}

// retireLocked queues ref for Forget and returns the refs that can be
// forgotten now. g.mu must be held.
func (g *Group) retireLocked(ref device.Ref) []device.Ref {
	g.retired = append(g.retired, ref)
	if g.inflight > 0 {
		return nil
	}
	release := g.retired
	g.retired = nil
	return release
}

func (g *Group) forget(refs []device.Ref) {
	for _, ref := range refs {
		g.registry.Forget(ref)
	}
}

// Remove drops a device from the group. Local devices are stopped, attached
// refs are only forgotten.
func (g *Group) Remove(deviceID string) error {
	g.mu.Lock()
	m, ok := g.members[deviceID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("remove %s: %w", deviceID, ErrUnknownDevice)
	}
	delete(g.members, deviceID)
	g.mu.Unlock()

	g.registry.Unwatch(m.sub)
	if m.local != nil {
		m.local.Stop()
	}

	g.mu.Lock()
	release := g.retireLocked(m.ref)
	g.mu.Unlock()
	g.forget(release)

	g.logger.Info("device removed", zap.String("device", deviceID))
	return nil
}

// Lookup returns the ref bound to deviceID.
func (g *Group) Lookup(deviceID string) (device.Ref, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	m, ok := g.members[deviceID]
	if !ok {
		return nil, false
	}
	return m.ref, true
}

// Devices returns the sorted ids of all tracked devices.
func (g *Group) Devices() []string {
	g.mu.RLock()
	ids := slices.Collect(maps.Keys(g.members))
	g.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// Snapshot returns the current membership as ref to id. The map is owned by
// the caller. Tombstones of refs that later leave the group are only kept for
// snapshots taken by RequestAllTemperatures.
func (g *Group) Snapshot() map[device.Ref]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snapshotLocked()
}

func (g *Group) snapshotLocked() map[device.Ref]string {
	snapshot := make(map[device.Ref]string, len(g.members))
	for id, m := range g.members {
		snapshot[m.ref] = id
	}
	return snapshot
}

// acquire takes a snapshot for a query and holds back Forget until release.
func (g *Group) acquire() map[device.Ref]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inflight++
	return g.snapshotLocked()
}

func (g *Group) release() {
	g.mu.Lock()
	g.inflight--
	var release []device.Ref
	if g.inflight == 0 {
		release = g.retired
		g.retired = nil
	}
	g.mu.Unlock()
	g.forget(release)
}

// Record writes a temperature to deviceID.
func (g *Group) Record(ctx context.Context, deviceID string, requestID int64, value float64) error {
	ref, ok := g.Lookup(deviceID)
	if !ok {
		return fmt.Errorf("record %s: %w", deviceID, ErrUnknownDevice)
	}
	rec, ok := ref.(device.Recorder)
	if !ok {
		return fmt.Errorf("record %s: %w", deviceID, ErrNotRecordable)
	}
	if err := rec.Record(ctx, requestID, value); err != nil {
		return fmt.Errorf("record %s: %w", deviceID, err)
	}
	return nil
}

// NextRequestID returns a fresh request id for callers that do not supply one.
func (g *Group) NextRequestID() int64 {
	return g.nextRequest.Add(1)
}

// RequestAllTemperatures queries every device currently in the group and
// returns the aggregate. It always returns an aggregate once the query
// started: cancelling ctx finishes the query early with the devices still
// outstanding reported as timed out.
func (g *Group) RequestAllTemperatures(ctx context.Context, requestID int64) (query.AllTemperatures, error) {
	replies := make(chan query.AllTemperatures, 1)
	started := g.clock.Now()

	snapshot := g.acquire()
	defer g.release()

	_, err := query.Start(ctx, query.Options{
		Devices:   snapshot,
		RequestID: requestID,
		Requester: query.RequesterFunc(func(resp query.AllTemperatures) {
			replies <- resp
		}),
		Timeout: g.timeout,
		Clock:   g.clock,
		Watcher: g.registry,
		Logger:  g.logger.Named("query"),
	})
	if err != nil {
		return query.AllTemperatures{}, fmt.Errorf("start query: %w", err)
	}

	resp := <-replies
	g.stats.observe(resp, g.clock.Since(started))
	return resp, nil
}

// Stats returns a summary of the queries answered so far.
func (g *Group) Stats() Stats {
	g.mu.RLock()
	devices := len(g.members)
	g.mu.RUnlock()

	s := g.stats.snapshot()
	s.Devices = devices
	return s
}

// Close stops every local device and rejects further registrations.
// Attached refs are left alone.
func (g *Group) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	var locals []*device.Device
	for _, m := range g.members {
		if m.local != nil {
			locals = append(locals, m.local)
		}
	}
	g.mu.Unlock()

	for _, d := range locals {
		d.Stop()
	}
	g.logger.Info("group closed", zap.Int("stopped", len(locals)))
}
