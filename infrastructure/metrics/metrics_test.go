package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNew(t *testing.T) {
	// Use a custom registry for testing to avoid conflicts
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)

	if m == nil {
		t.Fatal("Expected metrics instance, got nil")
	}

	if m.RequestsTotal == nil {
		t.Error("RequestsTotal should not be nil")
	}
	if m.RequestDuration == nil {
		t.Error("RequestDuration should not be nil")
	}
	if m.ErrorsTotal == nil {
		t.Error("ErrorsTotal should not be nil")
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)

	// Should not panic
	m.RecordHTTPRequest("test-service", "GET", "/api/test", "200", 100*time.Millisecond)
	m.RecordHTTPRequest("test-service", "POST", "/api/test", "201", 200*time.Millisecond)
	m.RecordHTTPRequest("test-service", "GET", "/api/test", "404", 50*time.Millisecond)
}

func TestRecordError(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)

	// Should not panic
	m.RecordError("test-service", "validation", "create_bucket")
	m.RecordError("test-service", "store", "query")
}

func TestRecordBucketWrite(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)

	// Should not panic
	m.RecordBucketWrite(true)
	m.RecordBucketWrite(false)
}

func TestRecordStoreQuery(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)

	// Should not panic
	m.RecordStoreQuery("select", 10*time.Millisecond)
	m.RecordStoreQuery("insert", 5*time.Millisecond)
}

func TestRecordSubscribeWait(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)

	// Should not panic
	m.RecordSubscribeWait("woken", 2*time.Second)
	m.RecordSubscribeWait("timeout", 30*time.Second)
}

func TestGaugeSetters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)

	// Should not panic
	m.SetActiveWaiters(10)
	m.SetActiveWaiters(0)
	m.SetDevicesOnline(42)
	m.SetDevicesOnline(0)
}

func TestUpdateUptime(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)
	startTime := time.Now().Add(-1 * time.Hour)

	// Should not panic
	m.UpdateUptime(startTime)
}

func TestInFlightCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)

	// Should not panic
	m.IncrementInFlight()
	m.IncrementInFlight()
	m.DecrementInFlight()
	m.DecrementInFlight()
}

func TestNewWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)

	if m == nil {
		t.Fatal("Expected metrics instance, got nil")
	}

	// Verify metrics are registered
	metricFamilies, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	if len(metricFamilies) == 0 {
		t.Error("Expected metrics to be registered")
	}
}
