package observability

import "sync"

// Metrics provides counter and gauge recording primitives.
type Metrics interface {
	IncCounter(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

// Metric names recorded by the sync core.
const (
	MetricSequenceGaps    = "mirror_sequence_gaps_total"
	MetricResyncs         = "mirror_resyncs_total"
	MetricDuplicateDiffs  = "mirror_duplicate_diffs_total"
	MetricDuplicateFills  = "mirror_duplicate_fills_total"
	MetricUnknownStatuses = "mirror_unknown_statuses_total"
	MetricBookUpdates     = "mirror_book_updates_total"
	MetricLaneDepth       = "mirror_lane_depth"
)

var defaultMetrics Metrics = noopMetrics{}
var metricsMu sync.RWMutex

// SetMetrics overrides the global metrics implementation used by the system.
func SetMetrics(metrics Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if metrics == nil {
		defaultMetrics = noopMetrics{}
		return
	}
	defaultMetrics = metrics
}

// Telemetry returns the current global metrics collector.
func Telemetry() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return defaultMetrics
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, float64, map[string]string) {}
func (noopMetrics) SetGauge(string, float64, map[string]string)   {}

// SyncMetricsSnapshot captures sync-focused runtime counters.
type SyncMetricsSnapshot struct {
	SequenceGaps    map[string]int `json:"sequence_gaps"`
	Resyncs         map[string]int `json:"resyncs"`
	DuplicateFills  map[string]int `json:"duplicate_fills"`
	UnknownStatuses int            `json:"unknown_statuses"`
}

// RuntimeMetrics accumulates sync metrics in-memory for periodic export.
type RuntimeMetrics struct {
	mu   sync.Mutex
	snap SyncMetricsSnapshot
}

// NewRuntimeMetrics constructs a metrics accumulator with empty maps.
func NewRuntimeMetrics() *RuntimeMetrics {
	metrics := new(RuntimeMetrics)
	metrics.snap = SyncMetricsSnapshot{
		SequenceGaps:   make(map[string]int),
		Resyncs:        make(map[string]int),
		DuplicateFills: make(map[string]int),
	}
	return metrics
}

// IncrementSequenceGaps records a detected gap for the symbol.
func (m *RuntimeMetrics) IncrementSequenceGaps(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.SequenceGaps[symbol]++
}

// IncrementResyncs records a completed resync for the symbol.
func (m *RuntimeMetrics) IncrementResyncs(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.Resyncs[symbol]++
}

// IncrementDuplicateFills records a dropped duplicate fill for the order.
func (m *RuntimeMetrics) IncrementDuplicateFills(clientOrderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.DuplicateFills[clientOrderID]++
}

// IncrementUnknownStatuses records an unmapped raw order status.
func (m *RuntimeMetrics) IncrementUnknownStatuses() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.UnknownStatuses++
}

// Snapshot copies the current metrics state for reporting.
func (m *RuntimeMetrics) Snapshot() SyncMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := SyncMetricsSnapshot{
		SequenceGaps:    make(map[string]int, len(m.snap.SequenceGaps)),
		Resyncs:         make(map[string]int, len(m.snap.Resyncs)),
		DuplicateFills:  make(map[string]int, len(m.snap.DuplicateFills)),
		UnknownStatuses: m.snap.UnknownStatuses,
	}
	for k, v := range m.snap.SequenceGaps {
		snapshot.SequenceGaps[k] = v
	}
	for k, v := range m.snap.Resyncs {
		snapshot.Resyncs[k] = v
	}
	for k, v := range m.snap.DuplicateFills {
		snapshot.DuplicateFills[k] = v
	}
	return snapshot
}
