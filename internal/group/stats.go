package group

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"iotquery/internal/query"
	"iotquery/internal/reading"
)

const (
	minLatency = int64(time.Microsecond)
	maxLatency = int64(time.Minute)
)

// Stats summarizes the group's query history.
type Stats struct {
	Devices  int              `json:"devices"`
	Queries  int64            `json:"queries"`
	Readings map[string]int64 `json:"readings"`
	P50      time.Duration    `json:"p50"`
	P99      time.Duration    `json:"p99"`
	Max      time.Duration    `json:"max"`
}

type recorder struct {
	mu       sync.Mutex
	queries  int64
	readings map[reading.Kind]int64
	latency  *hdrhistogram.Histogram
}

func newRecorder() *recorder {
	return &recorder{
		readings: make(map[reading.Kind]int64),
		latency:  hdrhistogram.New(minLatency, maxLatency, 3),
	}
}

func (r *recorder) observe(resp query.AllTemperatures, took time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.queries++
	for _, rd := range resp.Temperatures {
		r.readings[rd.Kind()]++
	}
	v := min(max(int64(took), minLatency), maxLatency)
	_ = r.latency.RecordValue(v) // v is clamped to the histogram range
}

func (r *recorder) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	readings := make(map[string]int64, len(r.readings))
	for k, n := range r.readings {
		readings[k.String()] = n
	}
	s := Stats{Queries: r.queries, Readings: readings}
	if r.latency.TotalCount() > 0 {
		s.P50 = time.Duration(r.latency.ValueAtQuantile(50))
		s.P99 = time.Duration(r.latency.ValueAtQuantile(99))
		s.Max = time.Duration(r.latency.Max())
	}
	return s
}
