package query

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"iotquery/internal/deadline"
	"iotquery/internal/device"
	"iotquery/internal/liveness"
	"iotquery/internal/mailbox"
	"iotquery/internal/reading"
)

// readSequence is the correlation value carried by every per-device request.
// Each device receives exactly one request per query, so a constant is enough
// to pair responses with requests.
const readSequence int64 = 0

// ErrInvalidOptions is returned by Start when Options are incomplete.
var ErrInvalidOptions = errors.New("invalid query options")

// AllTemperatures is the single aggregate a coordinator delivers.
type AllTemperatures struct {
	RequestID    int64
	Temperatures map[string]reading.Reading
}

// Requester receives the aggregate. RespondAllTemperatures is called exactly
// once per coordinator, from the coordinator's goroutine, and must not block.
type Requester interface {
	RespondAllTemperatures(AllTemperatures)
}

// RequesterFunc adapts a function to Requester.
type RequesterFunc func(AllTemperatures)

// RespondAllTemperatures implements Requester.
func (f RequesterFunc) RespondAllTemperatures(resp AllTemperatures) {
	f(resp)
}

// Options configures a coordinator.
type Options struct {
	// Devices is the snapshot to query, device ref to device identifier.
	// It is copied by Start and never consulted again.
	Devices   map[device.Ref]string
	RequestID int64
	Requester Requester
	// Timeout bounds the whole query; devices still outstanding when it
	// elapses are reported as timed out.
	Timeout time.Duration
	// Clock drives the deadline. Defaults to the real clock.
	Clock   clockwork.Clock
	Watcher liveness.Watcher[device.Ref]
	Logger  *zap.Logger
}

func (o *Options) validate() error {
	if o.Requester == nil {
		return fmt.Errorf("%w: requester is required", ErrInvalidOptions)
	}
	if o.Watcher == nil {
		return fmt.Errorf("%w: liveness watcher is required", ErrInvalidOptions)
	}
	if o.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive, got %v", ErrInvalidOptions, o.Timeout)
	}
	return nil
}

type event interface{}

type responded struct {
	ref  device.Ref
	resp device.ReadResponse
}

type terminated struct {
	ref device.Ref
}

type deadlineFired struct{}

type stopRequested struct{}

// Coordinator runs one group query. It is created by Start and terminates
// by itself after delivering its aggregate.
type Coordinator struct {
	requestID int64
	requester Requester
	devices   map[device.Ref]string
	watcher   liveness.Watcher[device.Ref]
	logger    *zap.Logger

	inbox       *mailbox.Mailbox[event]
	alarm       *deadline.Alarm
	subs        map[device.Ref]liveness.Subscription
	st          state
	emitted     bool
	stopOnClose func() bool
	done        chan struct{}
}

// Start creates a coordinator, arms its deadline, watches every device and
// sends each one a read request, all before any event is processed.
// Cancelling ctx forces the query to finish early, as if the deadline fired.
// With an empty snapshot the (empty) aggregate is delivered before Start returns.
func Start(ctx context.Context, opts Options) (*Coordinator, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	c := newCoordinator(opts)
	if c.start(ctx, opts.Clock, opts.Timeout) {
		c.teardown()
		return c, nil
	}
	go c.run()
	return c, nil
}

func newCoordinator(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	devices := maps.Clone(opts.Devices)
	if devices == nil {
		devices = map[device.Ref]string{}
	}
	return &Coordinator{
		requestID: opts.RequestID,
		requester: opts.Requester,
		devices:   devices,
		watcher:   opts.Watcher,
		logger: logger.With(
			zap.String("query", uuid.NewString()),
			zap.Int64("request_id", opts.RequestID),
		),
		inbox: mailbox.New[event](),
		subs:  make(map[device.Ref]liveness.Subscription, len(devices)),
		st:    initialState(devices),
		done:  make(chan struct{}),
	}
}

// start performs the scatter. It reports whether the query already
// completed, which only happens for an empty snapshot.
func (c *Coordinator) start(ctx context.Context, clock clockwork.Clock, timeout time.Duration) bool {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	c.alarm = deadline.Arm(clock, timeout, func() {
		c.inbox.Post(deadlineFired{})
	})
	if ctx != nil {
		c.stopOnClose = context.AfterFunc(ctx, func() {
			c.inbox.Post(stopRequested{})
		})
	}

	for ref := range c.devices {
		c.subs[ref] = c.watcher.Watch(ref, func(r device.Ref) {
			c.inbox.Post(terminated{ref: r})
		})
	}
	for ref := range c.devices {
		ref.Read(device.ReadRequest{
			RequestID: readSequence,
			ReplyTo: func(resp device.ReadResponse) {
				c.inbox.Post(responded{ref: ref, resp: resp})
			},
		})
	}
	c.logger.Debug("query started",
		zap.Int("devices", len(c.devices)), zap.Duration("timeout", timeout))

	if c.st.complete() {
		c.emit()
		return true
	}
	return false
}

func (c *Coordinator) run() {
	defer c.teardown()

	for {
		ev, ok := c.inbox.Receive(context.Background())
		if !ok {
			return
		}
		if c.handle(ev) {
			return
		}
	}
}

// handle folds one event into the query state. It returns true once the
// aggregate was delivered and the coordinator must stop.
func (c *Coordinator) handle(ev event) bool {
	switch ev := ev.(type) {
	case responded:
		c.onResponse(ev)
	case terminated:
		c.onTerminated(ev)
	case deadlineFired:
		c.logger.Debug("deadline fired", zap.Duration("timeout", c.alarm.Period()),
			zap.Int("outstanding", len(c.st.outstanding)))
		c.st = c.st.expire(c.devices)
	case stopRequested:
		c.logger.Debug("query stopped early", zap.Int("outstanding", len(c.st.outstanding)))
		c.st = c.st.expire(c.devices)
	}

	if !c.st.complete() {
		return false
	}
	c.emit()
	return true
}

func (c *Coordinator) onResponse(ev responded) {
	if !c.st.waitingOn(ev.ref) {
		c.logger.Debug("ignoring response from resolved or unknown device")
		return
	}
	if ev.resp.RequestID != readSequence {
		c.logger.Debug("ignoring response with unexpected correlation",
			zap.String("device", c.devices[ev.ref]), zap.Int64("correlation", ev.resp.RequestID))
		return
	}

	// Stop watching so a later stop of this device is not reported.
	c.unwatch(ev.ref)
	c.st = c.st.resolve(ev.ref, c.devices[ev.ref], reading.FromOptional(ev.resp.Value))
}

func (c *Coordinator) onTerminated(ev terminated) {
	if !c.st.waitingOn(ev.ref) {
		return
	}
	// The watch was consumed by the notification.
	delete(c.subs, ev.ref)
	c.logger.Debug("device terminated before answering", zap.String("device", c.devices[ev.ref]))
	c.st = c.st.resolve(ev.ref, c.devices[ev.ref], reading.WorkerGone())
}

func (c *Coordinator) unwatch(ref device.Ref) {
	if sub, ok := c.subs[ref]; ok {
		c.watcher.Unwatch(sub)
		delete(c.subs, ref)
	}
}

func (c *Coordinator) emit() {
	if c.emitted {
		return
	}
	c.emitted = true
	c.logger.Debug("query complete", zap.Int("readings", len(c.st.collected)))
	c.requester.RespondAllTemperatures(AllTemperatures{
		RequestID:    c.requestID,
		Temperatures: c.st.collected,
	})
}

// teardown releases the deadline, the context hook and every remaining
// watch, then closes the mailbox so late events are dropped.
func (c *Coordinator) teardown() {
	c.alarm.Cancel()
	if c.stopOnClose != nil {
		c.stopOnClose()
	}
	for ref := range c.subs {
		c.unwatch(ref)
	}
	c.logger.Debug("query released", zap.Bool("deadline_fired", c.alarm.Fired()),
		zap.Int("discarded_events", c.inbox.Len()))
	c.inbox.Close()
	close(c.done)
}

// Stop asks the coordinator to finish now. Devices still outstanding are
// reported as timed out. Stop does not wait; use Done for that.
func (c *Coordinator) Stop() {
	c.inbox.Post(stopRequested{})
}

// Done is closed once the coordinator delivered its aggregate and released
// its resources.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}
