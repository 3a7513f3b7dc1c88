package membership

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultProbeInterval  = 1 * time.Second
	DefaultSuspectTimeout = 3 * time.Second
)

// Status represents the state of a monitored host.
type Status int

const (
	Alive Status = iota
	Suspect
	Dead
)

// String returns the string representation of Status.
func (s Status) String() string {
	switch s {
	case Alive:
		return "ALIVE"
	case Suspect:
		return "SUSPECT"
	case Dead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Member is a monitored host.
type Member struct {
	Addr        string    `json:"addr"`
	Status      Status    `json:"status"`
	Incarnation uint64    `json:"incarnation"`
	LastSeen    time.Time `json:"last_seen"`
}

// ProbeFunc checks a single host. A nil error means the host is healthy.
type ProbeFunc func(ctx context.Context, addr string) error

// Options configures a Detector.
type Options struct {
	ProbeInterval  time.Duration
	SuspectTimeout time.Duration
	Clock          clockwork.Clock
	Logger         *zap.Logger
}

// Detector tracks the liveness of a set of hosts.
type Detector struct {
	mu      sync.RWMutex
	members map[string]*Member

	probeInterval  time.Duration
	suspectTimeout time.Duration
	clock          clockwork.Clock
	logger         *zap.Logger

	onDead      func(addr string)
	onRecovered func(addr string)

	// guarded by mu
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

// NewDetector creates a detector with no members.
func NewDetector(opts Options) *Detector {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = DefaultProbeInterval
	}
	if opts.SuspectTimeout <= 0 {
		opts.SuspectTimeout = DefaultSuspectTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Detector{
		members:        make(map[string]*Member),
		probeInterval:  opts.ProbeInterval,
		suspectTimeout: opts.SuspectTimeout,
		clock:          opts.Clock,
		logger:         opts.Logger.Named("membership"),
	}
}

// SetOnDead sets the callback invoked when a host is declared dead.
// Callbacks run on the detector goroutine and must not call back into
// the detector's Stop.
func (d *Detector) SetOnDead(fn func(addr string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onDead = fn
}

// SetOnRecovered sets the callback invoked when a dead host answers again.
func (d *Detector) SetOnRecovered(fn func(addr string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onRecovered = fn
}

// Add starts monitoring addr, assumed alive. Adding a known host is a no-op.
func (d *Detector) Add(addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.members[addr]; exists {
		return
	}
	d.members[addr] = &Member{
		Addr:        addr,
		Status:      Alive,
		Incarnation: 1,
		LastSeen:    d.clock.Now(),
	}
}

// Remove stops monitoring addr.
func (d *Detector) Remove(addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.members, addr)
}

// Status returns the current status of addr.
func (d *Detector) Status(addr string) (Status, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	m, ok := d.members[addr]
	if !ok {
		return Dead, false
	}
	return m.Status, true
}

// Snapshot returns a copy of all members sorted by address.
func (d *Detector) Snapshot() []Member {
	d.mu.RLock()
	snapshot := make([]Member, 0, len(d.members))
	for _, m := range d.members {
		snapshot = append(snapshot, *m)
	}
	d.mu.RUnlock()

	slices.SortFunc(snapshot, func(a, b Member) int { return cmp.Compare(a.Addr, b.Addr) })
	return snapshot
}

// Start runs the probe loop until Stop. Starting a running or stopped
// detector does nothing.
func (d *Detector) Start(probe ProbeFunc) {
	d.mu.Lock()
	if d.stopped || d.cancel != nil {
		d.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		ticker := d.clock.NewTicker(d.probeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				d.probeAll(ctx, probe)
				d.checkTimeouts()
			}
		}
	}()
}

// Stop stops the probe loop and waits for it to exit. A detector cannot be
// restarted once stopped.
func (d *Detector) Stop() {
	d.mu.Lock()
	d.stopped = true
	cancel := d.cancel
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
}

// probeAll probes every member concurrently, each bounded by the probe interval.
func (d *Detector) probeAll(ctx context.Context, probe ProbeFunc) {
	d.mu.RLock()
	addrs := make([]string, 0, len(d.members))
	for addr := range d.members {
		addrs = append(addrs, addr)
	}
	d.mu.RUnlock()

	results := make([]error, len(addrs))
	var eg errgroup.Group
	for i, addr := range addrs {
		eg.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, d.probeInterval)
			defer cancel()
			results[i] = probe(probeCtx, addr)
			return nil
		})
	}
	_ = eg.Wait()

	if ctx.Err() != nil {
		return
	}
	for i, addr := range addrs {
		d.record(addr, results[i])
	}
}

// record applies one probe outcome.
func (d *Detector) record(addr string, err error) {
	d.mu.Lock()
	m, exists := d.members[addr]
	if !exists {
		d.mu.Unlock()
		return
	}

	var recovered func(string)
	if err == nil {
		if m.Status != Alive {
			if m.Status == Dead {
				recovered = d.onRecovered
			}
			m.Status = Alive
			m.Incarnation++
			d.logger.Info("host alive", zap.String("addr", addr), zap.Uint64("incarnation", m.Incarnation))
		}
		m.LastSeen = d.clock.Now()
	} else if m.Status == Alive {
		m.Status = Suspect
		m.Incarnation++
		m.LastSeen = d.clock.Now()
		d.logger.Warn("host suspect (probe failed)", zap.String("addr", addr), zap.Error(err))
	}
	d.mu.Unlock()

	if recovered != nil {
		recovered(addr)
	}
}

// checkTimeouts declares suspects dead once the suspect timeout elapsed.
func (d *Detector) checkTimeouts() {
	now := d.clock.Now()

	d.mu.Lock()
	var dead []string
	for addr, m := range d.members {
		if m.Status == Suspect && now.Sub(m.LastSeen) > d.suspectTimeout {
			m.Status = Dead
			m.Incarnation++
			dead = append(dead, addr)
			d.logger.Warn("host dead (suspect timeout)", zap.String("addr", addr))
		}
	}
	onDead := d.onDead
	d.mu.Unlock()

	if onDead == nil {
		return
	}
	slices.Sort(dead)
	for _, addr := range dead {
		onDead(addr)
	}
}
