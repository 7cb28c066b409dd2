// Package telemetry keeps in-process counters and latency histograms for ledger writes
// and ops requests, and serves them in the Prometheus text exposition format.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// writeDurationBuckets are the boundaries, in seconds, for ledger writes, which span
// block inclusion or finality.
var writeDurationBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60}

// requestDurationBuckets are the boundaries, in seconds, for ops requests.
var requestDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// histogram counts observations into fixed buckets. Bucket counts are stored
// non-cumulative and summed at export.
type histogram struct {
	boundaries   []float64
	mu           sync.Mutex
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{boundaries: boundaries, bucketCounts: make([]int64, len(boundaries))}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	for {
		old := atomic.LoadUint64(&h.sum)
		if atomic.CompareAndSwapUint64(&h.sum, old, math.Float64bits(math.Float64frombits(old)+v)) {
			break
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) Sum() float64 { return math.Float64frombits(atomic.LoadUint64(&h.sum)) }

func (h *histogram) cumulative() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	cum := make([]int64, len(h.bucketCounts))
	var running int64
	for i, c := range h.bucketCounts {
		running += c
		cum[i] = running
	}
	return cum
}

// family is one named metric with a fixed label set.
type family struct {
	name   string
	help   string
	labels []string

	mu         sync.RWMutex
	counters   map[string]*int64
	histograms map[string]*histogram
	buckets    []float64
}

func newCounterFamily(name, help string, labels ...string) *family {
	return &family{name: name, help: help, labels: labels, counters: make(map[string]*int64)}
}

func newHistogramFamily(name, help string, buckets []float64, labels ...string) *family {
	return &family{name: name, help: help, labels: labels, histograms: make(map[string]*histogram), buckets: buckets}
}

func labelsKey(values []string) string { return strings.Join(values, "\x00") }

func (f *family) inc(values ...string) {
	key := labelsKey(values)
	f.mu.RLock()
	p, ok := f.counters[key]
	f.mu.RUnlock()
	if !ok {
		f.mu.Lock()
		if p, ok = f.counters[key]; !ok {
			p = new(int64)
			f.counters[key] = p
		}
		f.mu.Unlock()
	}
	atomic.AddInt64(p, 1)
}

func (f *family) observe(v float64, values ...string) {
	key := labelsKey(values)
	f.mu.RLock()
	h, ok := f.histograms[key]
	f.mu.RUnlock()
	if !ok {
		f.mu.Lock()
		if h, ok = f.histograms[key]; !ok {
			h = newHistogram(f.buckets)
			f.histograms[key] = h
		}
		f.mu.Unlock()
	}
	h.Observe(v)
}

func (f *family) counter(values ...string) int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if p, ok := f.counters[labelsKey(values)]; ok {
		return atomic.LoadInt64(p)
	}
	return 0
}

func (f *family) histogram(values ...string) *histogram {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.histograms[labelsKey(values)]
}

func (f *family) labelString(key, extra string) string {
	values := strings.Split(key, "\x00")
	parts := make([]string, 0, len(f.labels)+1)
	for i, l := range f.labels {
		if i < len(values) {
			parts = append(parts, fmt.Sprintf("%s=%q", l, values[i]))
		}
	}
	if extra != "" {
		parts = append(parts, extra)
	}
	if len(parts) == 0 {
		return ""
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func (f *family) write(b *strings.Builder) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	fmt.Fprintf(b, "# HELP %s %s\n", f.name, f.help)
	if f.histograms == nil {
		fmt.Fprintf(b, "# TYPE %s counter\n", f.name)
		for _, key := range sortedKeys(f.counters) {
			fmt.Fprintf(b, "%s%s %d\n", f.name, f.labelString(key, ""), atomic.LoadInt64(f.counters[key]))
		}
		b.WriteByte('\n')
		return
	}

	fmt.Fprintf(b, "# TYPE %s histogram\n", f.name)
	for _, key := range sortedKeys(f.histograms) {
		h := f.histograms[key]
		cum := h.cumulative()
		for i, bound := range f.buckets {
			le := "le=" + strconv.Quote(strconv.FormatFloat(bound, 'g', -1, 64))
			fmt.Fprintf(b, "%s_bucket%s %d\n", f.name, f.labelString(key, le), cum[i])
		}
		fmt.Fprintf(b, "%s_bucket%s %d\n", f.name, f.labelString(key, `le="+Inf"`), h.Count())
		fmt.Fprintf(b, "%s_sum%s %g\n", f.name, f.labelString(key, ""), h.Sum())
		fmt.Fprintf(b, "%s_count%s %d\n", f.name, f.labelString(key, ""), h.Count())
	}
	b.WriteByte('\n')
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Metrics is the process-wide registry. It is safe for concurrent use.
type Metrics struct {
	writes        *family
	writeDuration *family
	requests      *family
	reqDuration   *family
	active        int64
}

func New() *Metrics {
	return &Metrics{
		writes: newCounterFamily("ledger_writes_total",
			"Ledger write calls by call name and outcome.", "call", "outcome"),
		writeDuration: newHistogramFamily("ledger_write_duration_seconds",
			"Time from signing to the acknowledged milestone.", writeDurationBuckets, "call"),
		requests: newCounterFamily("ops_requests_total",
			"Ops endpoint requests by route and status code.", "route", "status_code"),
		reqDuration: newHistogramFamily("ops_request_duration_seconds",
			"Ops endpoint latency.", requestDurationBuckets, "route"),
	}
}

// ObserveWrite records one ledger write. outcome is "ok" or an error kind.
func (m *Metrics) ObserveWrite(call, outcome string, d time.Duration) {
	m.writes.inc(call, outcome)
	m.writeDuration.observe(d.Seconds(), call)
}

// Writes returns the number of writes recorded for call and outcome.
func (m *Metrics) Writes(call, outcome string) int64 { return m.writes.counter(call, outcome) }

// Middleware records ops request counts and latency.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&m.active, 1)
			start := time.Now()
			err := next(c)
			atomic.AddInt64(&m.active, -1)

			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if status < http.StatusBadRequest {
					status = http.StatusInternalServerError
				}
			}
			m.requests.inc(route, strconv.Itoa(status))
			m.reqDuration.observe(time.Since(start).Seconds(), route)
			return err
		}
	}
}

// Handler serves every metric in the Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder
		m.writes.write(&b)
		m.writeDuration.write(&b)
		m.requests.write(&b)
		m.reqDuration.write(&b)

		b.WriteString("# HELP ops_active_requests Ops requests in flight.\n")
		b.WriteString("# TYPE ops_active_requests gauge\n")
		fmt.Fprintf(&b, "ops_active_requests %d\n", atomic.LoadInt64(&m.active))

		return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
	}
}
