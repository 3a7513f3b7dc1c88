package group

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"iotquery/internal/device"
	"iotquery/internal/reading"
)

// silentRef never answers a read. The field keeps distinct refs distinct.
type silentRef struct{ _ byte }

func (*silentRef) Read(device.ReadRequest) {}

func newTestGroup(t *testing.T, clock clockwork.Clock, timeout time.Duration) *Group {
	t.Helper()
	g := New(Options{
		ID:           "group",
		Clock:        clock,
		QueryTimeout: timeout,
		Logger:       zaptest.NewLogger(t),
	})
	t.Cleanup(g.Close)
	return g
}

func TestRegister(t *testing.T) {
	g := newTestGroup(t, nil, time.Second)

	d1, err := g.Register("device1")
	require.NoError(t, err)
	again, err := g.Register("device1")
	require.NoError(t, err)
	assert.Same(t, d1, again, "registering twice must return the same device")

	_, err = g.Register("device0")
	require.NoError(t, err)
	assert.Equal(t, []string{"device0", "device1"}, g.Devices())

	_, err = g.Register("")
	assert.Error(t, err)
}

func TestAttach(t *testing.T) {
	g := newTestGroup(t, nil, time.Second)
	remote := &silentRef{}

	require.NoError(t, g.Attach("remote1", remote))
	require.NoError(t, g.Attach("remote1", remote), "attaching the same ref is a no-op")

	err := g.Attach("remote1", &silentRef{})
	assert.ErrorIs(t, err, ErrDeviceExists)

	_, err = g.Register("remote1")
	assert.ErrorIs(t, err, ErrDeviceExists)

	ref, ok := g.Lookup("remote1")
	require.True(t, ok)
	assert.Same(t, remote, ref)
}

func TestAttach_DeadRefIsDroppedImmediately(t *testing.T) {
	g := newTestGroup(t, nil, time.Second)
	remote := &silentRef{}
	g.Registry().MarkDead(remote)

	require.NoError(t, g.Attach("remote1", remote))
	assert.Empty(t, g.Devices())
}

func TestRemove(t *testing.T) {
	g := newTestGroup(t, nil, time.Second)
	ref, err := g.Register("device1")
	require.NoError(t, err)
	d := ref.(*device.Device)

	require.NoError(t, g.Remove("device1"))
	assert.Empty(t, g.Devices())
	select {
	case <-d.Done():
	default:
		t.Fatal("removed local device should be stopped")
	}

	assert.ErrorIs(t, g.Remove("device1"), ErrUnknownDevice)
}

func TestRemove_ReleasesTombstones(t *testing.T) {
	g := newTestGroup(t, nil, time.Second)

	refs := make([]device.Ref, 0, 50)
	for i := 0; i < 50; i++ {
		ref, err := g.Register(fmt.Sprintf("device%d", i))
		require.NoError(t, err)
		refs = append(refs, ref)
	}
	for i := range refs {
		require.NoError(t, g.Remove(fmt.Sprintf("device%d", i)))
	}

	assert.Empty(t, g.Devices())
	for _, ref := range refs {
		assert.False(t, g.Registry().IsDead(ref))
	}
}

func TestRemove_KeepsTombstoneDuringQuery(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := newTestGroup(t, clock, time.Second)
	ctx := context.Background()
	ref, err := g.Register("device1")
	require.NoError(t, err)
	require.NoError(t, g.Attach("remote1", &silentRef{}))

	done := make(chan error, 1)
	go func() {
		_, err := g.RequestAllTemperatures(ctx, 1)
		done <- err
	}()

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))

	require.NoError(t, g.Remove("device1"))
	assert.True(t, g.Registry().IsDead(ref), "a running query snapshotted the removed device")

	clock.Advance(time.Second)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("query did not finish after the deadline")
	}
	assert.False(t, g.Registry().IsDead(ref))
}

func TestStoppedDeviceLeavesGroup(t *testing.T) {
	g := newTestGroup(t, nil, time.Second)
	ref, err := g.Register("device1")
	require.NoError(t, err)
	_, err = g.Register("device2")
	require.NoError(t, err)

	ref.(*device.Device).Stop()

	assert.Eventually(t, func() bool {
		return len(g.Devices()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"device2"}, g.Devices())
}

func TestRecord(t *testing.T) {
	g := newTestGroup(t, nil, time.Second)
	ctx := context.Background()
	_, err := g.Register("device1")
	require.NoError(t, err)
	require.NoError(t, g.Attach("remote1", &silentRef{}))

	require.NoError(t, g.Record(ctx, "device1", 1, 21.5))
	assert.ErrorIs(t, g.Record(ctx, "missing", 2, 1), ErrUnknownDevice)
	assert.ErrorIs(t, g.Record(ctx, "remote1", 3, 1), ErrNotRecordable)
}

func TestRequestAllTemperatures(t *testing.T) {
	g := newTestGroup(t, nil, 3*time.Second)
	ctx := context.Background()
	for _, id := range []string{"device1", "device2", "device3"} {
		_, err := g.Register(id)
		require.NoError(t, err)
	}
	require.NoError(t, g.Record(ctx, "device1", 1, 1.0))
	require.NoError(t, g.Record(ctx, "device2", 2, 2.0))

	resp, err := g.RequestAllTemperatures(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), resp.RequestID)
	assert.Equal(t, map[string]reading.Reading{
		"device1": reading.Value(1.0),
		"device2": reading.Value(2.0),
		"device3": reading.Unavailable(),
	}, resp.Temperatures)
}

func TestRequestAllTemperatures_EmptyGroup(t *testing.T) {
	g := newTestGroup(t, nil, time.Second)

	resp, err := g.RequestAllTemperatures(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, resp.Temperatures)
}

func TestRequestAllTemperatures_SilentDeviceTimesOut(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := newTestGroup(t, clock, time.Second)
	ctx := context.Background()
	_, err := g.Register("device1")
	require.NoError(t, err)
	require.NoError(t, g.Record(ctx, "device1", 1, 1.0))
	require.NoError(t, g.Attach("remote1", &silentRef{}))

	type result struct {
		temps map[string]reading.Reading
		err   error
	}
	results := make(chan result, 1)
	go func() {
		resp, err := g.RequestAllTemperatures(ctx, 1)
		results <- result{resp.Temperatures, err}
	}()

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	clock.Advance(time.Second)

	select {
	case r := <-results:
		require.NoError(t, r.err)
		assert.Equal(t, map[string]reading.Reading{
			"device1": reading.Value(1.0),
			"remote1": reading.TimedOut(),
		}, r.temps)
	case <-time.After(time.Second):
		t.Fatal("query did not finish after the deadline")
	}
}

func TestRequestAllTemperatures_CancelFinishesEarly(t *testing.T) {
	g := newTestGroup(t, clockwork.NewFakeClock(), time.Hour)
	require.NoError(t, g.Attach("remote1", &silentRef{}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	resp, err := g.RequestAllTemperatures(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, reading.TimedOut(), resp.Temperatures["remote1"])
}

func TestStats(t *testing.T) {
	g := newTestGroup(t, nil, time.Second)
	ctx := context.Background()
	_, err := g.Register("device1")
	require.NoError(t, err)
	_, err = g.Register("device2")
	require.NoError(t, err)
	require.NoError(t, g.Record(ctx, "device1", 1, 10))

	for i := int64(1); i <= 3; i++ {
		_, err := g.RequestAllTemperatures(ctx, i)
		require.NoError(t, err)
	}

	s := g.Stats()
	assert.Equal(t, 2, s.Devices)
	assert.Equal(t, int64(3), s.Queries)
	assert.Equal(t, int64(3), s.Readings["VALUE"])
	assert.Equal(t, int64(3), s.Readings["UNAVAILABLE"])
	assert.GreaterOrEqual(t, s.Max, s.P50)
}

func TestClose(t *testing.T) {
	g := New(Options{ID: "group"})
	ref, err := g.Register("device1")
	require.NoError(t, err)

	g.Close()
	g.Close()

	select {
	case <-ref.(*device.Device).Done():
	default:
		t.Fatal("Close should stop local devices")
	}
	_, err = g.Register("device2")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, g.Attach("remote", &silentRef{}), ErrClosed)
}

func TestNextRequestID(t *testing.T) {
	g := newTestGroup(t, nil, time.Second)
	first := g.NextRequestID()
	assert.Equal(t, first+1, g.NextRequestID())
}
