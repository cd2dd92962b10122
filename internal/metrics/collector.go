// Package metrics is a small Prometheus-compatible registry. Families render
// in registration order in the text exposition format.
package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide registry.
var Collector = NewMetricsCollector()

type kind string

const (
	kindCounter   kind = "counter"
	kindGauge     kind = "gauge"
	kindHistogram kind = "histogram"
)

// family is one metric name with its HELP/TYPE header and labeled series.
type family struct {
	name    string
	help    string
	kind    kind
	buckets []float64

	mu     sync.Mutex
	series map[string]any // rendered label set -> *Counter | *Gauge | *Histogram
	order  []string
}

func (f *family) get(labels string, mk func() any) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.series[labels]; ok {
		return s
	}
	s := mk()
	f.series[labels] = s
	f.order = append(f.order, labels)
	return s
}

// MetricsCollector owns metric families.
type MetricsCollector struct {
	mu        sync.Mutex
	families  map[string]*family
	order     []string
	startTime time.Time
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		families:  make(map[string]*family),
		startTime: time.Now(),
	}
}

// Uptime returns how long the collector has been running.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

func (c *MetricsCollector) family(name, help string, k kind, buckets []float64) *family {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.families[name]; ok {
		if f.kind != k {
			panic(fmt.Sprintf("metrics: %s registered as %s, requested as %s", name, f.kind, k))
		}
		return f
	}
	f := &family{name: name, help: help, kind: k, buckets: buckets, series: make(map[string]any)}
	c.families[name] = f
	c.order = append(c.order, name)
	return f
}

// Counter is a monotonically increasing count.
type Counter struct{ value atomic.Int64 }

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct{ value atomic.Int64 }

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram counts observations into cumulative buckets.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64
	counts []int64
	count  int64
	sum    float64
}

func newHistogram(bounds []float64) *Histogram {
	return &Histogram{bounds: bounds, counts: make([]int64, len(bounds))}
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.counts[i]++
		}
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Counter returns the counter for name with the given rendered label set
// (e.g. `persona="agent-eda"`), creating it on first use.
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	f := c.family(name, help, kindCounter, nil)
	return f.get(labels, func() any { return &Counter{} }).(*Counter)
}

func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	f := c.family(name, help, kindGauge, nil)
	return f.get(labels, func() any { return &Gauge{} }).(*Gauge)
}

// Histogram returns the histogram for name. Bucket bounds are fixed by the
// first registration.
func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	b := slices.Clone(buckets)
	slices.Sort(b)
	f := c.family(name, help, kindHistogram, b)
	return f.get(labels, func() any { return newHistogram(f.buckets) }).(*Histogram)
}

// CounterVec is a counter family keyed by one label.
type CounterVec struct {
	c     *MetricsCollector
	name  string
	help  string
	label string
}

// CounterVec declares a counter family partitioned by label.
func (c *MetricsCollector) CounterVec(name, help, label string) *CounterVec {
	c.family(name, help, kindCounter, nil)
	return &CounterVec{c: c, name: name, help: help, label: label}
}

// With returns the counter for one label value.
func (v *CounterVec) With(value string) *Counter {
	return v.c.Counter(v.name, v.help, v.label+"="+strconv.Quote(value))
}

// WriteTo renders every family in the text exposition format.
func (c *MetricsCollector) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# HELP grandmaster_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE grandmaster_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "grandmaster_uptime_seconds %d\n", int64(c.Uptime().Seconds()))

	c.mu.Lock()
	fams := make([]*family, 0, len(c.order))
	for _, name := range c.order {
		fams = append(fams, c.families[name])
	}
	c.mu.Unlock()

	for _, f := range fams {
		f.render(&sb)
	}
	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

func (f *family) render(sb *strings.Builder) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fmt.Fprintf(sb, "\n# HELP %s %s\n# TYPE %s %s\n", f.name, f.help, f.name, f.kind)
	for _, labels := range f.order {
		switch s := f.series[labels].(type) {
		case *Counter:
			fmt.Fprintf(sb, "%s%s %d\n", f.name, braces(labels), s.Value())
		case *Gauge:
			fmt.Fprintf(sb, "%s%s %d\n", f.name, braces(labels), s.Value())
		case *Histogram:
			s.mu.Lock()
			sep := ""
			if labels != "" {
				sep = ","
			}
			for i, le := range s.bounds {
				fmt.Fprintf(sb, "%s_bucket{%s%sle=%q} %d\n", f.name, labels, sep, formatBound(le), s.counts[i])
			}
			fmt.Fprintf(sb, "%s_bucket{%s%sle=\"+Inf\"} %d\n", f.name, labels, sep, s.count)
			fmt.Fprintf(sb, "%s_count%s %d\n", f.name, braces(labels), s.count)
			fmt.Fprintf(sb, "%s_sum%s %g\n", f.name, braces(labels), s.sum)
			s.mu.Unlock()
		}
	}
}

func braces(labels string) string {
	if labels == "" {
		return ""
	}
	return "{" + labels + "}"
}

func formatBound(le float64) string {
	if math.IsInf(le, 1) {
		return "+Inf"
	}
	return strconv.FormatFloat(le, 'g', -1, 64)
}

// Handler serves the registry in Prometheus text format.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = c.WriteTo(w)
	}
}

var (
	MessagesTotal    = Collector.Counter("grandmaster_messages_total", "Total inbound chat messages", "")
	DroppedTotal     = Collector.Counter("grandmaster_dropped_messages_total", "Inbound turns dropped on a full queue", "")
	LLMRequestsTotal = Collector.Counter("grandmaster_llm_requests_total", "Total persona LLM requests", "")
	LLMErrorsTotal   = Collector.Counter("grandmaster_llm_errors_total", "Persona requests answered with the error text", "")
	PersonaReplies   = Collector.CounterVec("grandmaster_persona_replies_total", "Finalized replies per persona", "persona")
	TeamRunsTotal    = Collector.Counter("grandmaster_team_runs_total", "Team Mode sequences started", "")
	ExportsTotal     = Collector.Counter("grandmaster_exports_total", "Notebook exports served", "")
	ActiveSessions   = Collector.Gauge("grandmaster_active_sessions", "Sessions with a live transcript", "")
	WSConnections    = Collector.Gauge("grandmaster_ws_connections", "Open websocket connections", "")

	LLMLatency = Collector.Histogram("grandmaster_llm_latency_seconds", "Persona request latency in seconds", "",
		[]float64{0.5, 1, 2, 5, 10, 30, 60, 120})
	ExportCells = Collector.Histogram("grandmaster_export_cells", "Cells per exported notebook", "",
		[]float64{1, 5, 10, 25, 50, 100, 250})
)
