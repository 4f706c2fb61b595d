package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestProcessMetricsCollectorObserve(t *testing.T) {
	c := NewProcessMetricsCollector(ProcessMetricsConfig{Enabled: true})
	reg := prometheus.NewRegistry()
	if err := c.RegisterMetrics(reg); err != nil {
		t.Fatalf("register: %v", err)
	}

	c.Observe("api", "0", 12.5, 48.0, 6)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var sawCPU, sawMem bool
	for _, mf := range mfs {
		switch mf.GetName() {
		case "opspm_process_cpu_percent":
			sawCPU = len(mf.GetMetric()) > 0
		case "opspm_process_memory_mb":
			sawMem = len(mf.GetMetric()) > 0
		}
	}
	if !sawCPU || !sawMem {
		t.Fatalf("expected cpu and memory gauges to have samples")
	}
}

func TestProcessMetricsCollectorDisabledIsNoop(t *testing.T) {
	c := NewProcessMetricsCollector(ProcessMetricsConfig{Enabled: false})
	reg := prometheus.NewRegistry()
	if err := c.RegisterMetrics(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	c.Observe("api", "0", 99, 99, 9) // must not panic nor register anything
	mfs, _ := reg.Gather()
	if len(mfs) != 0 {
		t.Fatalf("expected no registered collectors when disabled, got %d", len(mfs))
	}
}

func TestProcessMetricsCollectorForget(t *testing.T) {
	c := NewProcessMetricsCollector(ProcessMetricsConfig{Enabled: true})
	reg := prometheus.NewRegistry()
	_ = c.RegisterMetrics(reg)
	c.Observe("api", "0", 1, 1, 1)
	c.Forget("api", "0")

	mfs, _ := reg.Gather()
	for _, mf := range mfs {
		if mf.GetName() == "opspm_process_cpu_percent" && len(mf.GetMetric()) != 0 {
			t.Fatalf("expected cpu_percent series to be removed after Forget")
		}
	}
}

func TestNamespaceIsOpspm(t *testing.T) {
	c := NewProcessMetricsCollector(ProcessMetricsConfig{Enabled: true})
	reg := prometheus.NewRegistry()
	_ = c.RegisterMetrics(reg)
	c.Observe("api", "0", 1, 1, 1)
	mfs, _ := reg.Gather()
	for _, mf := range mfs {
		if !strings.HasPrefix(mf.GetName(), "opspm_") {
			t.Fatalf("unexpected metric namespace: %s", mf.GetName())
		}
	}
}
