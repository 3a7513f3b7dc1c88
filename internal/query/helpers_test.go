package query

import (
	"context"
	"testing"
	"time"

	"iotquery/internal/device"
)

// probe is a device ref that records the requests it receives so tests can
// answer them by hand.
type probe struct {
	name     string
	requests chan device.ReadRequest
}

func newProbe(name string) *probe {
	return &probe{name: name, requests: make(chan device.ReadRequest, 8)}
}

func (p *probe) Read(req device.ReadRequest) {
	p.requests <- req
}

func (p *probe) expectRead(t testing.TB) device.ReadRequest {
	t.Helper()
	select {
	case req := <-p.requests:
		return req
	case <-time.After(time.Second):
		t.Fatalf("%s: expected a read request", p.name)
		return device.ReadRequest{}
	}
}

type requesterProbe struct {
	replies chan AllTemperatures
}

func newRequester() *requesterProbe {
	return &requesterProbe{replies: make(chan AllTemperatures, 8)}
}

func (r *requesterProbe) RespondAllTemperatures(resp AllTemperatures) {
	r.replies <- resp
}

func (r *requesterProbe) expectReply(t testing.TB, within time.Duration) AllTemperatures {
	t.Helper()
	select {
	case resp := <-r.replies:
		return resp
	case <-time.After(within):
		t.Fatalf("expected an aggregate within %v", within)
		return AllTemperatures{}
	}
}

func (r *requesterProbe) expectNoReply(t testing.TB, within time.Duration) {
	t.Helper()
	select {
	case resp := <-r.replies:
		t.Fatalf("unexpected extra aggregate: %+v", resp)
	case <-time.After(within):
	}
}

func (r *requesterProbe) count() int {
	return len(r.replies)
}

func ptr(v float64) *float64 {
	return &v
}

// pump processes every pending event on the calling goroutine, tearing the
// coordinator down if it completes. It reports whether the coordinator is done.
func pump(c *Coordinator) bool {
	if isDone(c) {
		return true
	}
	for c.inbox.Len() > 0 {
		ev, _ := c.inbox.Receive(context.Background())
		if c.handle(ev) {
			c.teardown()
			return true
		}
	}
	return false
}

func isDone(c *Coordinator) bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
