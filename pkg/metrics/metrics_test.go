// Tests for the metric primitives

package metrics

import (
	"math"
	"strings"
	"sync"
	"testing"
)

func TestCounterBasic(t *testing.T) {
	c := NewCounter("test_counter", "A test counter")

	if v := c.Get(nil); v != 0 {
		t.Errorf("initial value = %d, want 0", v)
	}
	c.Inc(nil)
	if v := c.Get(nil); v != 1 {
		t.Errorf("after Inc = %d, want 1", v)
	}
	c.Add(nil, 10)
	if v := c.Get(nil); v != 11 {
		t.Errorf("after Add(10) = %d, want 11", v)
	}
	if c.Name() != "test_counter" || c.Help() != "A test counter" {
		t.Errorf("metadata = %q / %q", c.Name(), c.Help())
	}
}

func TestCounterWithLabels(t *testing.T) {
	c := NewCounter("packets_total", "Packets by protocol")

	dcc := Labels{"protocol": "DCC"}
	mm := Labels{"protocol": "MM"}

	c.Inc(dcc)
	c.Inc(dcc)
	c.Inc(mm)

	if v := c.Get(dcc); v != 2 {
		t.Errorf("DCC count = %d, want 2", v)
	}
	if v := c.Get(mm); v != 1 {
		t.Errorf("MM count = %d, want 1", v)
	}
	if v := c.Get(Labels{"protocol": "MFX"}); v != 0 {
		t.Errorf("MFX count = %d, want 0", v)
	}
}

func TestCounterConcurrency(t *testing.T) {
	c := NewCounter("concurrent_counter", "Concurrent access")
	var wg sync.WaitGroup

	numGoroutines := 100
	incsPerGoroutine := 1000
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < incsPerGoroutine; j++ {
				c.Inc(nil)
			}
		}()
	}
	wg.Wait()

	if v, want := c.Get(nil), uint64(numGoroutines*incsPerGoroutine); v != want {
		t.Errorf("count = %d, want %d", v, want)
	}
}

func TestGaugeBasic(t *testing.T) {
	g := NewGauge("test_gauge", "A test gauge")

	g.Set(nil, 42.5)
	if v := g.Get(nil); v != 42.5 {
		t.Errorf("after Set = %f", v)
	}
	g.Add(nil, 7.5)
	g.Sub(nil, 10)
	if v := g.Get(nil); v != 40 {
		t.Errorf("after Add/Sub = %f, want 40", v)
	}
	g.Inc(nil)
	g.Dec(nil)
	if v := g.Get(nil); v != 40 {
		t.Errorf("after Inc/Dec = %f, want 40", v)
	}
}

func TestGaugeWithLabels(t *testing.T) {
	g := NewGauge("queue_depth", "Commands queued per bus")

	g.Set(Labels{"bus": "1"}, 4)
	g.Set(Labels{"bus": "2"}, 0)

	if v := g.Get(Labels{"bus": "1"}); v != 4 {
		t.Errorf("bus 1 = %f, want 4", v)
	}
	if v := g.Get(Labels{"bus": "2"}); v != 0 {
		t.Errorf("bus 2 = %f, want 0", v)
	}
}

func TestHistogramBasic(t *testing.T) {
	h := NewHistogram("command_duration", "Command handling time",
		[]float64{0.01, 0.05, 0.1, 0.5, 1.0})

	for _, v := range []float64{0.005, 0.02, 0.08, 0.3, 0.7, 2.0} {
		h.Observe(nil, v)
	}
	snapshot := h.GetSnapshot(nil)

	if snapshot.Count != 6 {
		t.Errorf("count = %d, want 6", snapshot.Count)
	}
	wantSum := 0.005 + 0.02 + 0.08 + 0.3 + 0.7 + 2.0
	if math.Abs(snapshot.Sum-wantSum) > 0.0001 {
		t.Errorf("sum = %f, want %f", snapshot.Sum, wantSum)
	}
	if snapshot.Buckets[0.01] < 1 {
		t.Errorf("bucket 0.01 = %d, want >= 1", snapshot.Buckets[0.01])
	}
}

func TestHistogramWithLabels(t *testing.T) {
	h := NewHistogram("verb_duration", "Handling time per verb",
		[]float64{0.001, 0.01, 0.1})

	h.Observe(Labels{"verb": "SET"}, 0.0005)
	h.Observe(Labels{"verb": "SET"}, 0.005)
	h.Observe(Labels{"verb": "GET"}, 0.05)

	if n := h.GetSnapshot(Labels{"verb": "SET"}).Count; n != 2 {
		t.Errorf("SET count = %d, want 2", n)
	}
	if n := h.GetSnapshot(Labels{"verb": "GET"}).Count; n != 1 {
		t.Errorf("GET count = %d, want 1", n)
	}
}

func TestBucketGenerators(t *testing.T) {
	if buckets := DefaultBuckets(); len(buckets) != 11 || buckets[0] != 0.005 {
		t.Errorf("default buckets = %v", buckets)
	}
	if buckets := LinearBuckets(0, 10, 5); buckets[4] != 40 {
		t.Errorf("linear buckets = %v", buckets)
	}
	if buckets := ExponentialBuckets(1, 2, 5); buckets[4] != 16 {
		t.Errorf("exponential buckets = %v", buckets)
	}
}

func TestRegistryBasic(t *testing.T) {
	r := NewRegistry()

	c := NewCounter("my_counter", "A counter")
	g := NewGauge("my_gauge", "A gauge")

	if err := r.Register(c); err != nil {
		t.Errorf("register counter: %v", err)
	}
	if err := r.Register(g); err != nil {
		t.Errorf("register gauge: %v", err)
	}
	if err := r.Register(c); err == nil {
		t.Error("duplicate registration accepted")
	}
	r.Unregister("my_counter")
	if err := r.Register(c); err != nil {
		t.Errorf("re-register after unregister: %v", err)
	}
}

func TestRegistryGather(t *testing.T) {
	r := NewRegistry()

	c := NewCounter("test_packets_total", "Packets sent")
	c.Add(Labels{"protocol": "DCC"}, 100)
	c.Add(Labels{"protocol": "MM"}, 50)
	r.MustRegister(c)

	g := NewGauge("test_queue_depth", "Commands queued")
	g.Set(nil, 25.5)
	r.MustRegister(g)

	output := r.Gather()

	for _, want := range []string{
		"# HELP test_packets_total Packets sent",
		"# TYPE test_packets_total counter",
		`test_packets_total{protocol="DCC"} 100`,
		`test_packets_total{protocol="MM"} 50`,
		"# TYPE test_queue_depth gauge",
		"test_queue_depth 25.5",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("gather output missing %q", want)
		}
	}
}

func TestHistogramGather(t *testing.T) {
	r := NewRegistry()

	h := NewHistogram("test_duration_seconds", "Handling time",
		[]float64{0.1, 0.5, 1.0})
	for _, v := range []float64{0.05, 0.3, 0.8, 2.0} {
		h.Observe(nil, v)
	}
	r.MustRegister(h)

	output := r.Gather()

	for _, want := range []string{
		"# TYPE test_duration_seconds histogram",
		`test_duration_seconds_bucket{le="0.1"}`,
		`test_duration_seconds_bucket{le="0.5"}`,
		`test_duration_seconds_bucket{le="+Inf"}`,
		"test_duration_seconds_sum",
		"test_duration_seconds_count",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("gather output missing %q", want)
		}
	}
}

func TestLabelsKey(t *testing.T) {
	labels := Labels{"b": "2", "a": "1", "c": "3"}
	key := labels.Key()
	if !strings.Contains(key, "a=1") || !strings.Contains(key, "b=2") {
		t.Errorf("key = %q", key)
	}
	// Insertion order does not change the key.
	if key != (Labels{"c": "3", "a": "1", "b": "2"}).Key() {
		t.Error("same labels produced different keys")
	}
}

func TestLabelsCloneAndMerge(t *testing.T) {
	original := Labels{"a": "1", "b": "2"}
	clone := original.Clone()
	clone["c"] = "3"
	if _, ok := original["c"]; ok {
		t.Error("clone mutated the original")
	}

	merged := original.Merge(Labels{"b": "override", "c": "3"})
	if merged["a"] != "1" || merged["b"] != "override" || merged["c"] != "3" {
		t.Errorf("merged = %v", merged)
	}
	if original["b"] != "2" {
		t.Error("merge mutated the original")
	}
}

func TestNilLabels(t *testing.T) {
	c := NewCounter("nil_labels_counter", "Nil labels")
	c.Inc(nil)
	c.Inc(Labels{})
	if v := c.Get(nil); v != 2 {
		t.Errorf("count = %d, want 2", v)
	}
}

func BenchmarkCounterIncWithLabels(b *testing.B) {
	c := NewCounter("bench_counter", "Benchmark counter")
	labels := Labels{"protocol": "DCC"}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Inc(labels)
	}
}

func BenchmarkRegistryGather(b *testing.B) {
	r := NewRegistry()
	for i := 0; i < 10; i++ {
		c := NewCounter("counter_"+string(rune('a'+i)), "Bench counter")
		c.Add(nil, uint64(i*100))
		r.MustRegister(c)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = r.Gather()
	}
}
