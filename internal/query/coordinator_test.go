package query

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"iotquery/internal/device"
	"iotquery/internal/liveness"
	"iotquery/internal/reading"
)

type fixture struct {
	clock     *clockwork.FakeClock
	registry  *liveness.Registry[device.Ref]
	requester *requesterProbe
	d1, d2    *probe
}

func newFixture() *fixture {
	return &fixture{
		clock:     clockwork.NewFakeClock(),
		registry:  liveness.NewRegistry[device.Ref](),
		requester: newRequester(),
		d1:        newProbe("device1"),
		d2:        newProbe("device2"),
	}
}

func (f *fixture) start(t *testing.T, timeout time.Duration) *Coordinator {
	t.Helper()
	c, err := Start(context.Background(), Options{
		Devices:   map[device.Ref]string{f.d1: "device1", f.d2: "device2"},
		RequestID: 1,
		Requester: f.requester,
		Timeout:   timeout,
		Clock:     f.clock,
		Watcher:   f.registry,
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return c
}

func waitDone(t *testing.T, c *Coordinator) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("coordinator did not terminate")
	}
}

func TestCoordinator_ReturnTemperatureValueForWorkingDevices(t *testing.T) {
	f := newFixture()
	c := f.start(t, 3*time.Second)

	r1 := f.d1.expectRead(t)
	r2 := f.d2.expectRead(t)
	assert.Equal(t, int64(0), r1.RequestID)
	assert.Equal(t, int64(0), r2.RequestID)

	r1.ReplyTo(device.ReadResponse{RequestID: 0, Value: ptr(1.0)})
	r2.ReplyTo(device.ReadResponse{RequestID: 0, Value: ptr(2.0)})

	resp := f.requester.expectReply(t, time.Second)
	assert.Equal(t, int64(1), resp.RequestID)
	assert.Equal(t, map[string]reading.Reading{
		"device1": reading.Value(1.0),
		"device2": reading.Value(2.0),
	}, resp.Temperatures)
	waitDone(t, c)
}

func TestCoordinator_ReturnTemperatureNotAvailableForDevicesWithNoReadings(t *testing.T) {
	f := newFixture()
	f.start(t, 3*time.Second)

	f.d1.expectRead(t).ReplyTo(device.ReadResponse{RequestID: 0, Value: nil})
	f.d2.expectRead(t).ReplyTo(device.ReadResponse{RequestID: 0, Value: ptr(2.0)})

	resp := f.requester.expectReply(t, time.Second)
	assert.Equal(t, map[string]reading.Reading{
		"device1": reading.Unavailable(),
		"device2": reading.Value(2.0),
	}, resp.Temperatures)
}

func TestCoordinator_ReturnWorkerGoneIfDeviceStopsBeforeAnswering(t *testing.T) {
	f := newFixture()
	f.start(t, 3*time.Second)

	f.d1.expectRead(t).ReplyTo(device.ReadResponse{RequestID: 0, Value: ptr(1.0)})
	f.d2.expectRead(t)
	f.registry.MarkDead(f.d2)

	resp := f.requester.expectReply(t, time.Second)
	assert.Equal(t, map[string]reading.Reading{
		"device1": reading.Value(1.0),
		"device2": reading.WorkerGone(),
	}, resp.Temperatures)
}

func TestCoordinator_ReturnTemperatureReadingEvenIfDeviceStopsAfterAnswering(t *testing.T) {
	f := newFixture()
	f.start(t, 3*time.Second)

	f.d1.expectRead(t).ReplyTo(device.ReadResponse{RequestID: 0, Value: ptr(1.0)})
	f.d2.expectRead(t).ReplyTo(device.ReadResponse{RequestID: 0, Value: ptr(2.0)})
	f.registry.MarkDead(f.d2)

	resp := f.requester.expectReply(t, time.Second)
	assert.Equal(t, map[string]reading.Reading{
		"device1": reading.Value(1.0),
		"device2": reading.Value(2.0),
	}, resp.Temperatures)
	f.requester.expectNoReply(t, 50*time.Millisecond)
}

func TestCoordinator_ReturnTimedOutIfDeviceDoesNotAnswerInTime(t *testing.T) {
	f := newFixture()
	c := f.start(t, time.Second)

	f.d1.expectRead(t).ReplyTo(device.ReadResponse{RequestID: 0, Value: ptr(1.0)})
	late := f.d2.expectRead(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	f.clock.Advance(time.Second)

	resp := f.requester.expectReply(t, time.Second)
	assert.Equal(t, map[string]reading.Reading{
		"device1": reading.Value(1.0),
		"device2": reading.TimedOut(),
	}, resp.Temperatures)
	waitDone(t, c)

	// A response arriving after the deadline finds no live coordinator.
	late.ReplyTo(device.ReadResponse{RequestID: 0, Value: ptr(2.0)})
	f.registry.MarkDead(f.d2)
	f.requester.expectNoReply(t, 50*time.Millisecond)
}

func TestCoordinator_LogsDeadlineOnRelease(t *testing.T) {
	f := newFixture()
	core, logs := observer.New(zapcore.DebugLevel)
	c, err := Start(context.Background(), Options{
		Devices:   map[device.Ref]string{f.d1: "device1"},
		RequestID: 1,
		Requester: f.requester,
		Timeout:   time.Second,
		Clock:     f.clock,
		Watcher:   f.registry,
		Logger:    zap.New(core),
	})
	require.NoError(t, err)
	f.d1.expectRead(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	f.clock.Advance(time.Second)
	f.requester.expectReply(t, time.Second)
	waitDone(t, c)

	fired := logs.FilterMessage("deadline fired").All()
	require.Len(t, fired, 1)
	assert.Equal(t, time.Second, fired[0].ContextMap()["timeout"])

	released := logs.FilterMessage("query released").All()
	require.Len(t, released, 1)
	assert.Equal(t, true, released[0].ContextMap()["deadline_fired"])
}

func TestCoordinator_EmptySnapshotRepliesImmediately(t *testing.T) {
	requester := newRequester()
	c, err := Start(context.Background(), Options{
		Devices:   map[device.Ref]string{},
		RequestID: 9,
		Requester: requester,
		Timeout:   time.Hour,
		Clock:     clockwork.NewFakeClock(),
		Watcher:   liveness.NewRegistry[device.Ref](),
	})
	require.NoError(t, err)

	require.Equal(t, 1, requester.count(), "aggregate must be delivered before Start returns")
	resp := requester.expectReply(t, time.Second)
	assert.Equal(t, int64(9), resp.RequestID)
	assert.Empty(t, resp.Temperatures)
	assert.True(t, isDone(c))
}

func TestCoordinator_DeviceAlreadyDeadAtStart(t *testing.T) {
	f := newFixture()
	f.registry.MarkDead(f.d2)
	f.start(t, 3*time.Second)

	f.d1.expectRead(t).ReplyTo(device.ReadResponse{RequestID: 0, Value: ptr(1.0)})

	resp := f.requester.expectReply(t, time.Second)
	assert.Equal(t, map[string]reading.Reading{
		"device1": reading.Value(1.0),
		"device2": reading.WorkerGone(),
	}, resp.Temperatures)
}

func TestCoordinator_ReleasesWatchesAndTimerOnCompletion(t *testing.T) {
	f := newFixture()
	c := f.start(t, 3*time.Second)

	assert.Equal(t, 1, f.registry.Watching(f.d1))
	assert.Equal(t, 1, f.registry.Watching(f.d2))

	f.d1.expectRead(t).ReplyTo(device.ReadResponse{RequestID: 0, Value: ptr(1.0)})
	f.d2.expectRead(t)
	f.registry.MarkDead(f.d2)
	f.requester.expectReply(t, time.Second)
	waitDone(t, c)

	assert.Equal(t, 0, f.registry.Watching(f.d1))
	assert.Equal(t, 0, f.registry.Watching(f.d2))

	// The cancelled deadline never produces a second aggregate.
	f.clock.Advance(time.Hour)
	f.requester.expectNoReply(t, 50*time.Millisecond)
}

func TestCoordinator_StopResolvesOutstandingAsTimedOut(t *testing.T) {
	f := newFixture()
	c := f.start(t, time.Hour)

	f.d1.expectRead(t).ReplyTo(device.ReadResponse{RequestID: 0, Value: ptr(1.0)})
	f.d2.expectRead(t)
	// Let the first response land before stopping.
	require.Eventually(t, func() bool { return c.inbox.Len() == 0 }, time.Second, time.Millisecond)
	c.Stop()

	resp := f.requester.expectReply(t, time.Second)
	assert.Equal(t, reading.TimedOut(), resp.Temperatures["device2"])
	assert.Len(t, resp.Temperatures, 2)
	waitDone(t, c)

	c.Stop() // no-op after termination
	f.requester.expectNoReply(t, 50*time.Millisecond)
}

func TestCoordinator_ContextCancellationFinishesQuery(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	c, err := Start(ctx, Options{
		Devices:   map[device.Ref]string{f.d1: "device1", f.d2: "device2"},
		RequestID: 3,
		Requester: f.requester,
		Timeout:   time.Hour,
		Clock:     f.clock,
		Watcher:   f.registry,
	})
	require.NoError(t, err)

	cancel()
	resp := f.requester.expectReply(t, time.Second)
	assert.Equal(t, map[string]reading.Reading{
		"device1": reading.TimedOut(),
		"device2": reading.TimedOut(),
	}, resp.Temperatures)
	waitDone(t, c)
}

func TestCoordinator_FirstResponseWins(t *testing.T) {
	registry := liveness.NewRegistry[device.Ref]()
	d1, d2 := newProbe("device1"), newProbe("device2")
	requester := newRequester()
	c := newCoordinator(Options{
		Devices:   map[device.Ref]string{d1: "device1", d2: "device2"},
		Requester: requester,
		Watcher:   registry,
	})
	require.False(t, c.start(context.Background(), clockwork.NewFakeClock(), time.Second))

	r1 := d1.expectRead(t)
	r1.ReplyTo(device.ReadResponse{RequestID: 0, Value: ptr(1.0)})
	r1.ReplyTo(device.ReadResponse{RequestID: 0, Value: ptr(99.0)})
	require.False(t, pump(c))
	assert.Equal(t, reading.Value(1.0), c.st.collected["device1"])

	d2.expectRead(t).ReplyTo(device.ReadResponse{RequestID: 0})
	require.True(t, pump(c))

	resp := requester.expectReply(t, time.Second)
	assert.Equal(t, reading.Value(1.0), resp.Temperatures["device1"])
	assert.Equal(t, reading.Unavailable(), resp.Temperatures["device2"])
}

func TestCoordinator_IgnoresProtocolViolations(t *testing.T) {
	registry := liveness.NewRegistry[device.Ref]()
	d1, stranger := newProbe("device1"), newProbe("stranger")
	requester := newRequester()
	c := newCoordinator(Options{
		Devices:   map[device.Ref]string{d1: "device1"},
		Requester: requester,
		Watcher:   registry,
	})
	require.False(t, c.start(context.Background(), clockwork.NewFakeClock(), time.Second))
	req := d1.expectRead(t)

	// Termination of a device outside the snapshot.
	assert.False(t, c.handle(terminated{ref: stranger}))
	// Response from a device outside the snapshot.
	assert.False(t, c.handle(responded{ref: stranger, resp: device.ReadResponse{Value: ptr(5)}}))
	// Response carrying a foreign correlation value.
	req.ReplyTo(device.ReadResponse{RequestID: 17, Value: ptr(5)})
	require.False(t, pump(c))

	assert.Empty(t, c.st.collected)
	assert.True(t, c.st.waitingOn(d1))
	assert.Equal(t, 0, requester.count())

	req.ReplyTo(device.ReadResponse{RequestID: 0, Value: ptr(6)})
	require.True(t, pump(c))
	resp := requester.expectReply(t, time.Second)
	assert.Equal(t, map[string]reading.Reading{"device1": reading.Value(6)}, resp.Temperatures)
}

func TestCoordinator_SnapshotIsFrozen(t *testing.T) {
	f := newFixture()
	devices := map[device.Ref]string{f.d1: "device1"}
	_, err := Start(context.Background(), Options{
		Devices:   devices,
		Requester: f.requester,
		Timeout:   time.Second,
		Clock:     f.clock,
		Watcher:   f.registry,
	})
	require.NoError(t, err)

	devices[f.d2] = "device2"
	f.d1.expectRead(t).ReplyTo(device.ReadResponse{RequestID: 0, Value: ptr(1.0)})

	resp := f.requester.expectReply(t, time.Second)
	assert.Equal(t, map[string]reading.Reading{"device1": reading.Value(1.0)}, resp.Temperatures)
	assert.Empty(t, f.d2.requests)
}

func TestStart_InvalidOptions(t *testing.T) {
	registry := liveness.NewRegistry[device.Ref]()
	tests := []struct {
		name string
		opts Options
	}{
		{"missing requester", Options{Watcher: registry, Timeout: time.Second}},
		{"missing watcher", Options{Requester: newRequester(), Timeout: time.Second}},
		{"zero timeout", Options{Requester: newRequester(), Watcher: registry}},
		{"negative timeout", Options{Requester: newRequester(), Watcher: registry, Timeout: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Start(context.Background(), tt.opts)
			assert.ErrorIs(t, err, ErrInvalidOptions)
		})
	}
}
