package deadline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Alarm is a one-shot timer armed by Arm.
type Alarm struct {
	timer  clockwork.Timer
	once   sync.Once
	fired  atomic.Bool
	period time.Duration
}

// Arm schedules fire to run once after d on clock. fire runs on a clock
// goroutine and must not block.
func Arm(clock clockwork.Clock, d time.Duration, fire func()) *Alarm {
	a := &Alarm{period: d}
	a.timer = clock.AfterFunc(d, func() {
		a.fired.Store(true)
		fire()
	})
	return a
}

// Cancel stops the alarm. It is safe to call any number of times, including
// after the alarm fired; it reports whether this call prevented the alarm
// from firing.
func (a *Alarm) Cancel() bool {
	stopped := false
	a.once.Do(func() {
		stopped = a.timer.Stop()
	})
	return stopped
}

// Fired reports whether the alarm went off.
func (a *Alarm) Fired() bool {
	return a.fired.Load()
}

// Period returns the duration the alarm was armed with.
func (a *Alarm) Period() time.Duration {
	return a.period
}
