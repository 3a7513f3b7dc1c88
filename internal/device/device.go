package device

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"iotquery/internal/liveness"
	"iotquery/internal/mailbox"
	"iotquery/internal/storage"
)

// ErrStopped is returned when writing to a device that has terminated.
var ErrStopped = errors.New("device stopped")

// ReadRequest asks a device for its current temperature. ReplyTo is invoked
// with the answer and must not block.
type ReadRequest struct {
	RequestID int64
	ReplyTo   func(ReadResponse)
}

// ReadResponse is a device's answer. Value is nil when the device has no
// measurement.
type ReadResponse struct {
	RequestID int64
	Value     *float64
}

// Ref is an addressable device. Read is fire-and-forget: it never blocks and
// a device that cannot answer simply never calls ReplyTo.
// Implementations must be comparable (pointer types).
type Ref interface {
	Read(req ReadRequest)
}

// Recorder is implemented by refs that accept temperature writes.
type Recorder interface {
	Record(ctx context.Context, requestID int64, value float64) error
}

type message interface{}

type readMsg struct {
	req ReadRequest
}

type recordMsg struct {
	requestID int64
	value     float64
	ack       chan struct{}
}

type stopMsg struct{}

// Device is an in-process device processing one message at a time on its own
// goroutine.
type Device struct {
	id       string
	store    storage.Store
	registry *liveness.Registry[Ref]
	inbox    *mailbox.Mailbox[message]
	logger   *zap.Logger
	done     chan struct{}
	stopOnce sync.Once
}

// New starts a device. When the device stops it is marked dead in registry
// so that watchers learn about it.
func New(id string, store storage.Store, registry *liveness.Registry[Ref], logger *zap.Logger) *Device {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Device{
		id:       id,
		store:    store,
		registry: registry,
		inbox:    mailbox.New[message](),
		logger:   logger.With(zap.String("device", id)),
		done:     make(chan struct{}),
	}
	go d.run()
	d.logger.Debug("device started")
	return d
}

// ID returns the device identifier.
func (d *Device) ID() string {
	return d.id
}

// Read implements Ref.
func (d *Device) Read(req ReadRequest) {
	if !d.inbox.Post(readMsg{req: req}) {
		d.logger.Debug("read dropped, device stopped", zap.Int64("request_id", req.RequestID))
	}
}

// Record stores a new temperature and waits until the device applied it.
func (d *Device) Record(ctx context.Context, requestID int64, value float64) error {
	ack := make(chan struct{})
	if !d.inbox.Post(recordMsg{requestID: requestID, value: value, ack: ack}) {
		return ErrStopped
	}
	select {
	case <-ack:
		return nil
	case <-d.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop terminates the device and waits for it to exit. Messages queued
// behind the stop are discarded. Stop is idempotent.
func (d *Device) Stop() {
	d.stopOnce.Do(func() {
		d.inbox.Post(stopMsg{})
	})
	<-d.done
}

// Done is closed once the device terminated.
func (d *Device) Done() <-chan struct{} {
	return d.done
}

func (d *Device) run() {
	defer func() {
		d.inbox.Close()
		d.store.Delete(d.id)
		if d.registry != nil {
			d.registry.MarkDead(d)
		}
		close(d.done)
		d.logger.Debug("device stopped")
	}()

	for {
		msg, ok := d.inbox.Receive(context.Background())
		if !ok {
			return
		}
		switch m := msg.(type) {
		case readMsg:
			d.handleRead(m.req)
		case recordMsg:
			d.store.Put(d.id, m.requestID, m.value)
			d.logger.Debug("recorded temperature",
				zap.Int64("request_id", m.requestID), zap.Float64("value", m.value))
			close(m.ack)
		case stopMsg:
			return
		}
	}
}

func (d *Device) handleRead(req ReadRequest) {
	resp := ReadResponse{RequestID: req.RequestID}
	if r := d.store.Get(d.id); r != nil {
		v := r.Value
		resp.Value = &v
	}
	if req.ReplyTo != nil {
		req.ReplyTo(resp)
	}
}
