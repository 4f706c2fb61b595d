package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// ProcessMetricsCollector exposes Component B's (internal/sampler) CPU/memory
// readings as Prometheus gauges. It no longer polls gopsutil itself — that
// duplicated internal/sampler.Sampler's job — it only records samples the
// sampler already produced.
type ProcessMetricsCollector struct {
	enabled bool

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
}

// ProcessMetricsConfig toggles whether sampler readings are exported.
type ProcessMetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// NewProcessMetricsCollector builds the gauge set; call RegisterMetrics to
// attach them to a prometheus.Registerer.
func NewProcessMetricsCollector(config ProcessMetricsConfig) *ProcessMetricsCollector {
	return &ProcessMetricsCollector{
		enabled: config.Enabled,
		cpuPercent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "opspm",
				Subsystem: "process",
				Name:      "cpu_percent",
				Help:      "CPU usage percentage for managed processes.",
			}, []string{"process_name", "instance_id"},
		),
		memoryMB: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "opspm",
				Subsystem: "process",
				Name:      "memory_mb",
				Help:      "Resident memory in MB for managed processes.",
			}, []string{"process_name", "instance_id"},
		),
		numThreads: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "opspm",
				Subsystem: "process",
				Name:      "num_threads",
				Help:      "Thread count for managed processes.",
			}, []string{"process_name", "instance_id"},
		),
	}
}

// RegisterMetrics attaches the gauges to r, tolerating double registration.
func (c *ProcessMetricsCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	for _, collector := range []prometheus.Collector{c.cpuPercent, c.memoryMB, c.numThreads} {
		if err := r.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Observe records one sampler.Sample reading (caller passes the already
// computed CPU%/RSS/thread count to avoid importing internal/sampler here
// and creating an import cycle with internal/supervisor).
func (c *ProcessMetricsCollector) Observe(processName, instanceID string, cpuPercent, memoryMB float64, numThreads int32) {
	if !c.enabled {
		return
	}
	c.cpuPercent.WithLabelValues(processName, instanceID).Set(cpuPercent)
	c.memoryMB.WithLabelValues(processName, instanceID).Set(memoryMB)
	c.numThreads.WithLabelValues(processName, instanceID).Set(float64(numThreads))
}

// Forget removes a retired instance's gauge series so it doesn't linger
// after the entry is deleted from the registry.
func (c *ProcessMetricsCollector) Forget(processName, instanceID string) {
	if !c.enabled {
		return
	}
	c.cpuPercent.DeleteLabelValues(processName, instanceID)
	c.memoryMB.DeleteLabelValues(processName, instanceID)
	c.numThreads.DeleteLabelValues(processName, instanceID)
}

// IsEnabled reports whether collection is active.
func (c *ProcessMetricsCollector) IsEnabled() bool { return c.enabled }
