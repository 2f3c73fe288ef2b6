package telemetry

import (
	"bytes"
	"log"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestWrapLogger(t *testing.T) {
	t.Run("nil logger", func(t *testing.T) {
		logger := WrapLogger(nil)
		logger.Printf("ignored %d", 42)
	})

	t.Run("forwards to logger", func(t *testing.T) {
		var buf bytes.Buffer
		base := log.New(&buf, "", 0)
		logger := WrapLogger(base)
		logger.Printf("hello %s", "world")
		if got := buf.String(); got != "hello world\n" {
			t.Fatalf("unexpected log output: %q", got)
		}
	})
}

func TestMemoryMetrics(t *testing.T) {
	var metrics MemoryMetrics
	metrics.Add("frames", 2)
	metrics.Add("frames", 3)
	metrics.Store("observers", 4)
	metrics.Store("observers", 1)

	snapshot := metrics.Snapshot()
	if snapshot["frames"] != 5 || snapshot["observers"] != 1 {
		t.Fatalf("unexpected snapshot %v", snapshot)
	}
}

func TestPrometheusMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(registry, "netreplica", nil)

	metrics.Add("replication_frames_sent_total", 2)
	metrics.Add("replication_frames_sent_total", 3)
	metrics.Store("replication_observers", 7)
	metrics.Store("replication_observers", 4)

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	values := make(map[string]float64)
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[family.GetName()] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[family.GetName()] = metric.GetGauge().GetValue()
			}
		}
	}
	if got := values["netreplica_replication_frames_sent_total"]; got != 5 {
		t.Fatalf("expected counter 5, got %v", got)
	}
	if got := values["netreplica_replication_observers"]; got != 4 {
		t.Fatalf("expected gauge 4, got %v", got)
	}

	again := NewPrometheusMetrics(registry, "netreplica", nil)
	again.Add("replication_frames_sent_total", 1)
	families, _ = registry.Gather()
	for _, family := range families {
		if family.GetName() == "netreplica_replication_frames_sent_total" {
			if got := family.GetMetric()[0].GetCounter().GetValue(); got != 6 {
				t.Fatalf("expected shared counter 6, got %v", got)
			}
		}
	}
}
