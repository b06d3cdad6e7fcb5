package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/muaviaUsmani/genvault/internal/media"
)

// Collector is the global metrics collector instance
var (
	globalCollector *Collector
	once            sync.Once
)

// Collector tracks result store and prediction metrics in memory and exposes
// them to Prometheus
type Collector struct {
	// Counters (atomic for thread-safety)
	totalSavesAttempted atomic.Int64
	totalSavesSucceeded atomic.Int64
	totalSavesFailed    atomic.Int64
	totalDeleted        atomic.Int64
	totalEvicted        atomic.Int64
	totalCorrupt        atomic.Int64
	totalFetchFailures  atomic.Int64

	// Breakdowns (protected by mutex)
	mu                  sync.RWMutex
	savesByKind         map[media.Kind]int64
	predictionsByStatus map[string]int64
	storedResults       int64
	totalSaveDuration   time.Duration
	startTime           time.Time
	errorCount          int64
	operationCount      int64
}

// Metrics represents a snapshot of current metrics
type Metrics struct {
	TotalSavesAttempted int64                `json:"total_saves_attempted"`
	TotalSavesSucceeded int64                `json:"total_saves_succeeded"`
	TotalSavesFailed    int64                `json:"total_saves_failed"`
	TotalDeleted        int64                `json:"total_deleted"`
	TotalEvicted        int64                `json:"total_evicted"`
	TotalCorrupt        int64                `json:"total_corrupt_entries"`
	TotalFetchFailures  int64                `json:"total_fetch_failures"`
	SavesByKind         map[media.Kind]int64 `json:"saves_by_kind"`
	PredictionsByStatus map[string]int64     `json:"predictions_by_status"`
	StoredResults       int64                `json:"stored_results"`
	AvgSaveDuration     time.Duration        `json:"avg_save_duration"`
	ErrorRate           float64              `json:"error_rate"`
	Uptime              time.Duration        `json:"uptime"`
}

// Default returns the global metrics collector instance
func Default() *Collector {
	once.Do(func() {
		globalCollector = NewCollector()
	})
	return globalCollector
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		savesByKind:         make(map[media.Kind]int64),
		predictionsByStatus: make(map[string]int64),
		startTime:           time.Now(),
	}
}

// RecordSaveStarted counts one output entering persistence
func (c *Collector) RecordSaveStarted() {
	c.totalSavesAttempted.Add(1)
}

// RecordSaveSucceeded records one persisted output
func (c *Collector) RecordSaveSucceeded(kind media.Kind, duration time.Duration) {
	c.totalSavesSucceeded.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if kind == "" {
		kind = "unknown"
	}
	c.savesByKind[kind]++
	c.totalSaveDuration += duration
	c.operationCount++
}

// RecordSaveFailed records one output that could not be persisted
func (c *Collector) RecordSaveFailed(duration time.Duration, fetchFailure bool) {
	c.totalSavesFailed.Add(1)
	if fetchFailure {
		c.totalFetchFailures.Add(1)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalSaveDuration += duration
	c.operationCount++
	c.errorCount++
}

// RecordDeleted counts a user-initiated delete
func (c *Collector) RecordDeleted() {
	c.totalDeleted.Add(1)
}

// RecordEvicted counts results removed by the retention cap
func (c *Collector) RecordEvicted(n int) {
	c.totalEvicted.Add(int64(n))
}

// RecordCorrupt counts entries listed with reconstructed provenance
func (c *Collector) RecordCorrupt(n int) {
	c.totalCorrupt.Add(int64(n))
}

// RecordStoredResults updates the last observed result count
func (c *Collector) RecordStoredResults(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storedResults = int64(n)
}

// RecordPrediction counts a prediction reaching a terminal status
func (c *Collector) RecordPrediction(status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.predictionsByStatus[status]++
}

// GetMetrics returns a snapshot of current metrics
func (c *Collector) GetMetrics() Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	savesByKind := make(map[media.Kind]int64, len(c.savesByKind))
	for k, v := range c.savesByKind {
		savesByKind[k] = v
	}

	predictionsByStatus := make(map[string]int64, len(c.predictionsByStatus))
	for k, v := range c.predictionsByStatus {
		predictionsByStatus[k] = v
	}

	var avgDuration time.Duration
	if c.operationCount > 0 {
		avgDuration = c.totalSaveDuration / time.Duration(c.operationCount)
	}

	var errorRate float64
	if c.operationCount > 0 {
		errorRate = float64(c.errorCount) / float64(c.operationCount) * 100
	}

	return Metrics{
		TotalSavesAttempted: c.totalSavesAttempted.Load(),
		TotalSavesSucceeded: c.totalSavesSucceeded.Load(),
		TotalSavesFailed:    c.totalSavesFailed.Load(),
		TotalDeleted:        c.totalDeleted.Load(),
		TotalEvicted:        c.totalEvicted.Load(),
		TotalCorrupt:        c.totalCorrupt.Load(),
		TotalFetchFailures:  c.totalFetchFailures.Load(),
		SavesByKind:         savesByKind,
		PredictionsByStatus: predictionsByStatus,
		StoredResults:       c.storedResults,
		AvgSaveDuration:     avgDuration,
		ErrorRate:           errorRate,
		Uptime:              time.Since(c.startTime),
	}
}

// Reset clears all metrics (useful for testing)
func (c *Collector) Reset() {
	c.totalSavesAttempted.Store(0)
	c.totalSavesSucceeded.Store(0)
	c.totalSavesFailed.Store(0)
	c.totalDeleted.Store(0)
	c.totalEvicted.Store(0)
	c.totalCorrupt.Store(0)
	c.totalFetchFailures.Store(0)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.savesByKind = make(map[media.Kind]int64)
	c.predictionsByStatus = make(map[string]int64)
	c.storedResults = 0
	c.totalSaveDuration = 0
	c.startTime = time.Now()
	c.errorCount = 0
	c.operationCount = 0
}

// GetMetrics returns metrics from the global collector
func GetMetrics() Metrics {
	return Default().GetMetrics()
}

// ResetMetrics resets the global collector
func ResetMetrics() {
	Default().Reset()
}

var (
	descSaves = prometheus.NewDesc("genvault_saves_total",
		"Outputs handed to the result store, by outcome.", []string{"outcome"}, nil)
	descSavesByKind = prometheus.NewDesc("genvault_saved_results_total",
		"Persisted outputs by media kind.", []string{"kind"}, nil)
	descDeleted = prometheus.NewDesc("genvault_deleted_results_total",
		"Results deleted on request.", nil, nil)
	descEvicted = prometheus.NewDesc("genvault_evicted_results_total",
		"Results removed by the retention cap.", nil, nil)
	descCorrupt = prometheus.NewDesc("genvault_corrupt_entries_total",
		"Entries listed with reconstructed provenance.", nil, nil)
	descFetchFailures = prometheus.NewDesc("genvault_fetch_failures_total",
		"Remote media downloads that failed.", nil, nil)
	descPredictions = prometheus.NewDesc("genvault_predictions_total",
		"Predictions that reached a terminal status.", []string{"status"}, nil)
	descStored = prometheus.NewDesc("genvault_stored_results",
		"Results in the store at the last listing.", nil, nil)
	descAvgSave = prometheus.NewDesc("genvault_save_duration_seconds_avg",
		"Average time to persist one output.", nil, nil)
)

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descSaves
	ch <- descSavesByKind
	ch <- descDeleted
	ch <- descEvicted
	ch <- descCorrupt
	ch <- descFetchFailures
	ch <- descPredictions
	ch <- descStored
	ch <- descAvgSave
}

// Collect implements prometheus.Collector from a snapshot
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.GetMetrics()

	ch <- prometheus.MustNewConstMetric(descSaves, prometheus.CounterValue, float64(m.TotalSavesSucceeded), "succeeded")
	ch <- prometheus.MustNewConstMetric(descSaves, prometheus.CounterValue, float64(m.TotalSavesFailed), "failed")
	for kind, n := range m.SavesByKind {
		ch <- prometheus.MustNewConstMetric(descSavesByKind, prometheus.CounterValue, float64(n), string(kind))
	}
	ch <- prometheus.MustNewConstMetric(descDeleted, prometheus.CounterValue, float64(m.TotalDeleted))
	ch <- prometheus.MustNewConstMetric(descEvicted, prometheus.CounterValue, float64(m.TotalEvicted))
	ch <- prometheus.MustNewConstMetric(descCorrupt, prometheus.CounterValue, float64(m.TotalCorrupt))
	ch <- prometheus.MustNewConstMetric(descFetchFailures, prometheus.CounterValue, float64(m.TotalFetchFailures))
	for status, n := range m.PredictionsByStatus {
		ch <- prometheus.MustNewConstMetric(descPredictions, prometheus.CounterValue, float64(n), status)
	}
	ch <- prometheus.MustNewConstMetric(descStored, prometheus.GaugeValue, float64(m.StoredResults))
	ch <- prometheus.MustNewConstMetric(descAvgSave, prometheus.GaugeValue, m.AvgSaveDuration.Seconds())
}
