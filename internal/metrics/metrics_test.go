package metrics

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/muaviaUsmani/genvault/internal/media"
)

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	if c == nil {
		t.Fatal("NewCollector returned nil")
	}

	metrics := c.GetMetrics()
	if metrics.TotalSavesAttempted != 0 {
		t.Errorf("Expected TotalSavesAttempted = 0, got %d", metrics.TotalSavesAttempted)
	}
	if metrics.TotalSavesSucceeded != 0 {
		t.Errorf("Expected TotalSavesSucceeded = 0, got %d", metrics.TotalSavesSucceeded)
	}
	if metrics.TotalSavesFailed != 0 {
		t.Errorf("Expected TotalSavesFailed = 0, got %d", metrics.TotalSavesFailed)
	}
}

func TestRecordSaveOutcomes(t *testing.T) {
	c := NewCollector()

	c.RecordSaveStarted()
	c.RecordSaveSucceeded(media.KindImage, 100*time.Millisecond)
	c.RecordSaveStarted()
	c.RecordSaveSucceeded(media.KindVideo, 300*time.Millisecond)
	c.RecordSaveStarted()
	c.RecordSaveFailed(200*time.Millisecond, true)
	c.RecordSaveStarted()
	c.RecordSaveFailed(200*time.Millisecond, false)

	metrics := c.GetMetrics()
	if metrics.TotalSavesAttempted != 4 {
		t.Errorf("Expected TotalSavesAttempted = 4, got %d", metrics.TotalSavesAttempted)
	}
	if metrics.TotalSavesSucceeded != 2 {
		t.Errorf("Expected TotalSavesSucceeded = 2, got %d", metrics.TotalSavesSucceeded)
	}
	if metrics.TotalSavesFailed != 2 {
		t.Errorf("Expected TotalSavesFailed = 2, got %d", metrics.TotalSavesFailed)
	}
	if metrics.TotalFetchFailures != 1 {
		t.Errorf("Expected TotalFetchFailures = 1, got %d", metrics.TotalFetchFailures)
	}
	if metrics.SavesByKind[media.KindImage] != 1 || metrics.SavesByKind[media.KindVideo] != 1 {
		t.Errorf("Unexpected SavesByKind: %v", metrics.SavesByKind)
	}
	if metrics.AvgSaveDuration != 200*time.Millisecond {
		t.Errorf("Expected AvgSaveDuration = 200ms, got %v", metrics.AvgSaveDuration)
	}
	if metrics.ErrorRate != 50 {
		t.Errorf("Expected ErrorRate = 50, got %f", metrics.ErrorRate)
	}
}

func TestRecordStoreEvents(t *testing.T) {
	c := NewCollector()

	c.RecordDeleted()
	c.RecordEvicted(3)
	c.RecordCorrupt(2)
	c.RecordStoredResults(42)
	c.RecordPrediction("succeeded")
	c.RecordPrediction("failed")
	c.RecordPrediction("succeeded")

	metrics := c.GetMetrics()
	if metrics.TotalDeleted != 1 {
		t.Errorf("Expected TotalDeleted = 1, got %d", metrics.TotalDeleted)
	}
	if metrics.TotalEvicted != 3 {
		t.Errorf("Expected TotalEvicted = 3, got %d", metrics.TotalEvicted)
	}
	if metrics.TotalCorrupt != 2 {
		t.Errorf("Expected TotalCorrupt = 2, got %d", metrics.TotalCorrupt)
	}
	if metrics.StoredResults != 42 {
		t.Errorf("Expected StoredResults = 42, got %d", metrics.StoredResults)
	}
	if metrics.PredictionsByStatus["succeeded"] != 2 {
		t.Errorf("Expected 2 succeeded predictions, got %d", metrics.PredictionsByStatus["succeeded"])
	}
}

func TestReset(t *testing.T) {
	c := NewCollector()
	c.RecordSaveStarted()
	c.RecordSaveSucceeded(media.KindImage, time.Second)
	c.RecordEvicted(5)
	c.RecordPrediction("canceled")

	c.Reset()

	metrics := c.GetMetrics()
	if metrics.TotalSavesAttempted != 0 || metrics.TotalSavesSucceeded != 0 || metrics.TotalEvicted != 0 {
		t.Errorf("Counters not reset: %+v", metrics)
	}
	if len(metrics.SavesByKind) != 0 || len(metrics.PredictionsByStatus) != 0 {
		t.Errorf("Maps not reset: %+v", metrics)
	}
	if metrics.AvgSaveDuration != 0 {
		t.Errorf("Expected AvgSaveDuration = 0 after reset, got %v", metrics.AvgSaveDuration)
	}
}

func TestUptime(t *testing.T) {
	c := NewCollector()
	time.Sleep(10 * time.Millisecond)

	if uptime := c.GetMetrics().Uptime; uptime < 10*time.Millisecond {
		t.Errorf("Expected uptime >= 10ms, got %v", uptime)
	}
}

func TestGlobalCollector(t *testing.T) {
	ResetMetrics()
	defer ResetMetrics()

	Default().RecordDeleted()

	if GetMetrics().TotalDeleted != 1 {
		t.Errorf("Expected global TotalDeleted = 1, got %d", GetMetrics().TotalDeleted)
	}
	if Default() != Default() {
		t.Error("Default() should return the same instance")
	}
}

func TestPrometheusCollector(t *testing.T) {
	c := NewCollector()
	c.RecordSaveStarted()
	c.RecordSaveSucceeded(media.KindImage, time.Millisecond)
	c.RecordEvicted(2)

	expected := `
# HELP genvault_evicted_results_total Results removed by the retention cap.
# TYPE genvault_evicted_results_total counter
genvault_evicted_results_total 2
# HELP genvault_saved_results_total Persisted outputs by media kind.
# TYPE genvault_saved_results_total counter
genvault_saved_results_total{kind="image"} 1
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"genvault_evicted_results_total", "genvault_saved_results_total")
	if err != nil {
		t.Errorf("CollectAndCompare() error = %v", err)
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RecordSaveStarted()
			c.RecordSaveSucceeded(media.KindImage, time.Millisecond)
			c.RecordPrediction("succeeded")
			_ = c.GetMetrics()
		}()
	}
	wg.Wait()

	metrics := c.GetMetrics()
	if metrics.TotalSavesSucceeded != 50 {
		t.Errorf("Expected TotalSavesSucceeded = 50, got %d", metrics.TotalSavesSucceeded)
	}
	if metrics.PredictionsByStatus["succeeded"] != 50 {
		t.Errorf("Expected 50 succeeded predictions, got %d", metrics.PredictionsByStatus["succeeded"])
	}
}

func BenchmarkRecordSaveSucceeded(b *testing.B) {
	c := NewCollector()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.RecordSaveSucceeded(media.KindImage, time.Millisecond)
	}
}

func BenchmarkGetMetrics(b *testing.B) {
	c := NewCollector()
	for i := 0; i < 100; i++ {
		c.RecordSaveSucceeded(media.KindImage, time.Millisecond)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = c.GetMetrics()
	}
}
