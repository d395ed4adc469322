// Prometheus-compatible metric primitives
//
// Counters, gauges and histograms with label support, gathered into
// Prometheus text format for scraping.

package metrics

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType tells the exposition encoder which TYPE line to emit.
type MetricType int

const (
	TypeCounter MetricType = iota
	TypeGauge
	TypeHistogram
)

func (t MetricType) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeGauge:
		return "gauge"
	case TypeHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// Labels distinguishes series of one metric, e.g. the track protocol
// on the packet counter. nil means the unlabeled series.
type Labels map[string]string

// Key returns a canonical identity for the label set. Two sets with
// the same pairs produce the same key regardless of insertion order.
func (l Labels) Key() string {
	if len(l) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, k := range l.sortedKeys() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(l[k])
	}
	return sb.String()
}

// String renders the label set in exposition format, including the
// surrounding braces. Empty sets render as "".
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range l.sortedKeys() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteString("=\"")
		sb.WriteString(quoteValue(l[k]))
		sb.WriteByte('"')
	}
	sb.WriteByte('}')
	return sb.String()
}

// Clone returns an independent copy. A nil receiver clones to an
// empty, writable set.
func (l Labels) Clone() Labels {
	out := make(Labels, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// Merge returns a new set with other's pairs layered over l's.
func (l Labels) Merge(other Labels) Labels {
	out := l.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

func (l Labels) sortedKeys() []string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// quoteValue escapes a label value per the exposition format. The
// caller adds the surrounding quotes.
func quoteValue(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}

// writeSample emits one "name{labels} value" line.
func writeSample(sb *strings.Builder, name, suffix string, labels Labels, value string) {
	sb.WriteString(name)
	sb.WriteString(suffix)
	sb.WriteString(labels.String())
	sb.WriteByte(' ')
	sb.WriteString(value)
	sb.WriteByte('\n')
}

// writeHeader emits the HELP and TYPE preamble for a metric.
func writeHeader(sb *strings.Builder, m Metric) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s %s\n", m.Name(), m.Help(), m.Name(), m.Type())
}

func formatFloat(v float64) string {
	return fmt.Sprintf("%g", v)
}

// Metric is anything the registry can gather.
type Metric interface {
	Name() string
	Help() string
	Type() MetricType
	Write(sb *strings.Builder)
}

// series tracks label sets in first-use order so repeated scrapes
// list a metric's series stably.
type series[T any] struct {
	mu     sync.Mutex
	byKey  map[string]*T
	labels map[string]Labels
	order  []string
}

func newSeries[T any]() *series[T] {
	return &series[T]{
		byKey:  make(map[string]*T),
		labels: make(map[string]Labels),
	}
}

// get returns the value for the label set, creating it on first use.
func (s *series[T]) get(labels Labels) *T {
	key := labels.Key()
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.byKey[key]; ok {
		return v
	}
	v := new(T)
	s.byKey[key] = v
	s.labels[key] = labels.Clone()
	s.order = append(s.order, key)
	return v
}

// peek returns the value for the label set without creating it.
func (s *series[T]) peek(labels Labels) (*T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.byKey[labels.Key()]
	return v, ok
}

// each visits every series in first-use order.
func (s *series[T]) each(fn func(labels Labels, v *T)) {
	s.mu.Lock()
	keys := make([]string, len(s.order))
	copy(keys, s.order)
	s.mu.Unlock()
	for _, key := range keys {
		s.mu.Lock()
		v := s.byKey[key]
		labels := s.labels[key]
		s.mu.Unlock()
		fn(labels, v)
	}
}

// Counter is a monotonically increasing metric.
type Counter struct {
	name   string
	help   string
	values *series[atomic.Uint64]
}

func NewCounter(name, help string) *Counter {
	return &Counter{name: name, help: help, values: newSeries[atomic.Uint64]()}
}

func (c *Counter) Name() string     { return c.name }
func (c *Counter) Help() string     { return c.help }
func (c *Counter) Type() MetricType { return TypeCounter }

// Inc increments the series by one.
func (c *Counter) Inc(labels Labels) {
	c.values.get(labels).Add(1)
}

// Add increments the series by delta.
func (c *Counter) Add(labels Labels, delta uint64) {
	c.values.get(labels).Add(delta)
}

// Get returns the current value, zero for an unseen label set.
func (c *Counter) Get(labels Labels) uint64 {
	v, ok := c.values.peek(labels)
	if !ok {
		return 0
	}
	return v.Load()
}

func (c *Counter) Write(sb *strings.Builder) {
	writeHeader(sb, c)
	c.values.each(func(labels Labels, v *atomic.Uint64) {
		writeSample(sb, c.name, "", labels, fmt.Sprintf("%d", v.Load()))
	})
}

// Gauge is a metric that can move in both directions.
type Gauge struct {
	name   string
	help   string
	values *series[atomic.Uint64]
}

func NewGauge(name, help string) *Gauge {
	return &Gauge{name: name, help: help, values: newSeries[atomic.Uint64]()}
}

func (g *Gauge) Name() string     { return g.name }
func (g *Gauge) Help() string     { return g.help }
func (g *Gauge) Type() MetricType { return TypeGauge }

// Set stores the value for the series.
func (g *Gauge) Set(labels Labels, value float64) {
	g.values.get(labels).Store(math.Float64bits(value))
}

// Inc raises the series by one.
func (g *Gauge) Inc(labels Labels) { g.Add(labels, 1) }

// Dec lowers the series by one.
func (g *Gauge) Dec(labels Labels) { g.Add(labels, -1) }

// Add shifts the series by delta.
func (g *Gauge) Add(labels Labels, delta float64) {
	v := g.values.get(labels)
	for {
		old := v.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if v.CompareAndSwap(old, next) {
			return
		}
	}
}

// Sub shifts the series by -delta.
func (g *Gauge) Sub(labels Labels, delta float64) { g.Add(labels, -delta) }

// Get returns the current value, zero for an unseen label set.
func (g *Gauge) Get(labels Labels) float64 {
	v, ok := g.values.peek(labels)
	if !ok {
		return 0
	}
	return math.Float64frombits(v.Load())
}

func (g *Gauge) Write(sb *strings.Builder) {
	writeHeader(sb, g)
	g.values.each(func(labels Labels, v *atomic.Uint64) {
		writeSample(sb, g.name, "", labels, formatFloat(math.Float64frombits(v.Load())))
	})
}

// histogramState accumulates observations of one series.
type histogramState struct {
	mu      sync.Mutex
	count   uint64
	sum     float64
	buckets []uint64
}

// Histogram tracks the distribution of observations across fixed
// bucket bounds.
type Histogram struct {
	name   string
	help   string
	bounds []float64
	values *series[histogramState]
}

// NewHistogram creates a histogram. Bounds are sorted; the implicit
// +Inf bucket is always present.
func NewHistogram(name, help string, buckets []float64) *Histogram {
	bounds := make([]float64, len(buckets))
	copy(bounds, buckets)
	sort.Float64s(bounds)
	return &Histogram{name: name, help: help, bounds: bounds, values: newSeries[histogramState]()}
}

// DefaultBuckets suits latency measurements from sub-millisecond to
// tens of seconds.
func DefaultBuckets() []float64 {
	return []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}
}

// LinearBuckets returns count bounds from start in width steps.
func LinearBuckets(start, width float64, count int) []float64 {
	bounds := make([]float64, count)
	for i := range bounds {
		bounds[i] = start + float64(i)*width
	}
	return bounds
}

// ExponentialBuckets returns count bounds from start, each factor
// times the previous.
func ExponentialBuckets(start, factor float64, count int) []float64 {
	bounds := make([]float64, count)
	for i := range bounds {
		bounds[i] = start
		start *= factor
	}
	return bounds
}

func (h *Histogram) Name() string     { return h.name }
func (h *Histogram) Help() string     { return h.help }
func (h *Histogram) Type() MetricType { return TypeHistogram }

// Observe records one value.
func (h *Histogram) Observe(labels Labels, value float64) {
	hs := h.values.get(labels)
	hs.mu.Lock()
	if hs.buckets == nil {
		hs.buckets = make([]uint64, len(h.bounds))
	}
	hs.count++
	hs.sum += value
	for i, bound := range h.bounds {
		if value <= bound {
			hs.buckets[i]++
		}
	}
	hs.mu.Unlock()
}

// Timer returns a function that observes the elapsed seconds when
// called, for use with defer.
func (h *Histogram) Timer(labels Labels) func() {
	start := time.Now()
	return func() {
		h.Observe(labels, time.Since(start).Seconds())
	}
}

// HistogramSnapshot is a point-in-time copy of one series. Buckets map
// each bound to its cumulative count.
type HistogramSnapshot struct {
	Count   uint64
	Sum     float64
	Buckets map[float64]uint64
}

// GetSnapshot copies the state of the series for the given labels.
func (h *Histogram) GetSnapshot(labels Labels) HistogramSnapshot {
	hs, ok := h.values.peek(labels)
	if !ok {
		return HistogramSnapshot{Buckets: make(map[float64]uint64)}
	}
	hs.mu.Lock()
	defer hs.mu.Unlock()
	buckets := make(map[float64]uint64, len(h.bounds))
	cumulative := uint64(0)
	for i, bound := range h.bounds {
		if i < len(hs.buckets) {
			cumulative += hs.buckets[i]
		}
		buckets[bound] = cumulative
	}
	return HistogramSnapshot{Count: hs.count, Sum: hs.sum, Buckets: buckets}
}

func (h *Histogram) Write(sb *strings.Builder) {
	writeHeader(sb, h)
	h.values.each(func(labels Labels, hs *histogramState) {
		hs.mu.Lock()
		count := hs.count
		sum := hs.sum
		counts := make([]uint64, len(h.bounds))
		copy(counts, hs.buckets)
		hs.mu.Unlock()

		cumulative := uint64(0)
		for i, bound := range h.bounds {
			cumulative += counts[i]
			bl := labels.Merge(Labels{"le": formatFloat(bound)})
			writeSample(sb, h.name, "_bucket", bl, fmt.Sprintf("%d", cumulative))
		}
		inf := labels.Merge(Labels{"le": "+Inf"})
		writeSample(sb, h.name, "_bucket", inf, fmt.Sprintf("%d", count))
		writeSample(sb, h.name, "_sum", labels, formatFloat(sum))
		writeSample(sb, h.name, "_count", labels, fmt.Sprintf("%d", count))
	})
}

// Registry holds metrics and renders them in registration order.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]Metric
	order   []string
}

func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]Metric)}
}

// Register adds a metric. Names must be unique within the registry.
func (r *Registry) Register(metric Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := metric.Name()
	if _, exists := r.metrics[name]; exists {
		return fmt.Errorf("metric %q already registered", name)
	}
	r.metrics[name] = metric
	r.order = append(r.order, name)
	return nil
}

// MustRegister adds a metric and panics on a duplicate name.
func (r *Registry) MustRegister(metric Metric) {
	if err := r.Register(metric); err != nil {
		panic(err)
	}
}

// Unregister removes a metric by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.metrics, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns a metric by name, nil when absent.
func (r *Registry) Get(name string) Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metrics[name]
}

// Gather renders every metric in Prometheus text format.
func (r *Registry) Gather() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sb strings.Builder
	for _, name := range r.order {
		if m, ok := r.metrics[name]; ok {
			m.Write(&sb)
		}
	}
	return sb.String()
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Register adds a metric to the default registry.
func Register(metric Metric) error {
	return defaultRegistry.Register(metric)
}

// MustRegister adds a metric to the default registry and panics on a
// duplicate name.
func MustRegister(metric Metric) {
	defaultRegistry.MustRegister(metric)
}

// Gather renders the default registry.
func Gather() string {
	return defaultRegistry.Gather()
}
