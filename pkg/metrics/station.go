// Command station metrics

package metrics

import (
	goruntime "runtime"
	"time"

	"srcpd-go/pkg/ddl"
)

// StationMetrics holds every metric the daemon exports. The scheduler
// counters are pulled from the station on each Gather; the session and
// command metrics are pushed by the SRCP server as they happen.
type StationMetrics struct {
	// Track output
	TrackPackets *Counter
	TimingMisses *Counter
	AckRetries   *Counter
	QueueDepth   *Gauge
	TrackPower   *Gauge

	// Device state
	Locomotives *Gauge
	Accessories *Gauge

	// Feedback
	SensorEvents *Counter

	// SRCP sessions
	Sessions        *Gauge
	CommandsTotal   *Counter
	CommandDuration *Histogram

	// Process
	Uptime       *Counter
	GoGoroutines *Gauge
	GoMemoryHeap *Gauge
	GoGCCycles   *Counter

	station   *ddl.Station
	startTime time.Time
	registry  *Registry
}

// NewStationMetrics creates and registers all daemon metrics. The
// station may be nil; scheduler counters then stay at zero.
func NewStationMetrics(st *ddl.Station) *StationMetrics {
	sm := &StationMetrics{
		station:   st,
		startTime: time.Now(),
		registry:  NewRegistry(),
	}

	sm.TrackPackets = NewCounter("srcpd_track_packets_total",
		"Decoder packets put on the track, by protocol")
	sm.TimingMisses = NewCounter("srcpd_timing_misses_total",
		"Refresh slots that started later than scheduled")
	sm.AckRetries = NewCounter("srcpd_ack_retries_total",
		"Service mode packets repeated after a missing acknowledgment")
	sm.QueueDepth = NewGauge("srcpd_command_queue_depth",
		"Commands waiting for a track slot")
	sm.TrackPower = NewGauge("srcpd_track_power",
		"Track power state (1=on, 0=off)")

	sm.Locomotives = NewGauge("srcpd_locomotives",
		"Locomotives in the refresh cycle")
	sm.Accessories = NewGauge("srcpd_accessories",
		"Initialized accessory decoders")

	sm.SensorEvents = NewCounter("srcpd_sensor_events_total",
		"Feedback contact changes reported by the s88 chains")

	sm.Sessions = NewGauge("srcpd_srcp_sessions",
		"Open SRCP client sessions")
	sm.CommandsTotal = NewCounter("srcpd_srcp_commands_total",
		"SRCP commands handled, by verb")
	sm.CommandDuration = NewHistogram("srcpd_srcp_command_seconds",
		"SRCP command handling time",
		[]float64{0.0001, 0.001, 0.01, 0.1, 1, 10, 30})

	sm.Uptime = NewCounter("srcpd_uptime_seconds_total",
		"Daemon uptime in seconds")
	sm.GoGoroutines = NewGauge("srcpd_go_goroutines",
		"Number of active goroutines")
	sm.GoMemoryHeap = NewGauge("srcpd_go_memory_heap_bytes",
		"Go heap memory in use")
	sm.GoGCCycles = NewCounter("srcpd_go_gc_cycles_total",
		"Total Go garbage collection cycles")

	sm.registerAll()
	return sm
}

func (sm *StationMetrics) registerAll() {
	metrics := []Metric{
		sm.TrackPackets, sm.TimingMisses, sm.AckRetries,
		sm.QueueDepth, sm.TrackPower,
		sm.Locomotives, sm.Accessories,
		sm.SensorEvents,
		sm.Sessions, sm.CommandsTotal, sm.CommandDuration,
		sm.Uptime, sm.GoGoroutines, sm.GoMemoryHeap, sm.GoGCCycles,
	}
	for _, m := range metrics {
		sm.registry.MustRegister(m)
	}
}

// SessionOpened records a new SRCP client connection.
func (sm *StationMetrics) SessionOpened() {
	sm.Sessions.Inc(nil)
}

// SessionClosed records a finished SRCP client connection.
func (sm *StationMetrics) SessionClosed() {
	sm.Sessions.Dec(nil)
}

// RecordCommand records one handled SRCP command line.
func (sm *StationMetrics) RecordCommand(verb string, d time.Duration) {
	labels := Labels{"verb": verb}
	sm.CommandsTotal.Inc(labels)
	sm.CommandDuration.Observe(labels, d.Seconds())
}

// applyTotal raises a counter to a cumulative total read elsewhere.
// Counters only move forward, so repeated application is harmless.
func applyTotal(c *Counter, labels Labels, total uint64) {
	if cur := c.Get(labels); total > cur {
		c.Add(labels, total-cur)
	}
}

// observeStation refreshes the scheduler counters from the station.
func (sm *StationMetrics) observeStation() {
	st := sm.station
	stats := st.Stats()
	for proto, n := range stats.Packets {
		applyTotal(sm.TrackPackets, Labels{"protocol": proto}, n)
	}
	applyTotal(sm.TimingMisses, nil, stats.TimingMisses)
	applyTotal(sm.AckRetries, nil, stats.AckRetries)
	applyTotal(sm.SensorEvents, nil, stats.SensorEvents)
	sm.QueueDepth.Set(nil, float64(stats.QueueDepth))

	power := float64(0)
	if st.Power() {
		power = 1
	}
	sm.TrackPower.Set(nil, power)
	sm.Locomotives.Set(nil, float64(len(st.Registry().Addrs())))
	sm.Accessories.Set(nil, float64(len(st.AccessoryAddrs())))
}

// updateRuntime refreshes the Go process metrics.
func (sm *StationMetrics) updateRuntime() {
	var m goruntime.MemStats
	goruntime.ReadMemStats(&m)

	sm.GoGoroutines.Set(nil, float64(goruntime.NumGoroutine()))
	sm.GoMemoryHeap.Set(nil, float64(m.HeapAlloc))
	applyTotal(sm.GoGCCycles, nil, uint64(m.NumGC))
	applyTotal(sm.Uptime, nil, uint64(time.Since(sm.startTime).Seconds()))
}

// Gather refreshes the pulled metrics and returns everything in
// Prometheus text format.
func (sm *StationMetrics) Gather() string {
	if sm.station != nil {
		sm.observeStation()
	}
	sm.updateRuntime()
	return sm.registry.Gather()
}

// Registry returns the internal registry.
func (sm *StationMetrics) Registry() *Registry {
	return sm.registry
}
