package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// promMetrics mirrors the collector into a Prometheus registry.
type promMetrics struct {
	registry     *prometheus.Registry
	tasksTotal   *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	queueLength  *prometheus.GaugeVec
	cpuPercent   prometheus.Gauge
	memPercent   prometheus.Gauge
	workerCount  prometheus.Gauge
}

// EnablePrometheus attaches a registry to the collector and returns an
// HTTP handler serving it. Safe to call once, before workers start.
func (c *Collector) EnablePrometheus() http.Handler {
	registry := prometheus.NewRegistry()
	p := &promMetrics{
		registry: registry,
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "assistant",
			Name:      "tasks_total",
			Help:      "Task executions by name and final status.",
		}, []string{"task_name", "status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "assistant",
			Name:      "task_duration_seconds",
			Help:      "Task execution duration.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"task_name"}),
		queueLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "assistant",
			Name:      "queue_length",
			Help:      "Visible queue depth by queue name.",
		}, []string{"queue"}),
		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "assistant",
			Name:      "system_cpu_percent",
			Help:      "Host CPU utilisation.",
		}),
		memPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "assistant",
			Name:      "system_memory_percent",
			Help:      "Host memory utilisation.",
		}),
		workerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "assistant",
			Name:      "worker_count",
			Help:      "Live worker slot count.",
		}),
	}
	registry.MustRegister(
		p.tasksTotal, p.taskDuration, p.queueLength,
		p.cpuPercent, p.memPercent, p.workerCount,
	)

	c.mu.Lock()
	c.prom = p
	c.mu.Unlock()

	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func (p *promMetrics) observe(rec *TaskRecord) {
	p.tasksTotal.WithLabelValues(rec.TaskName, rec.Status).Inc()
	p.taskDuration.WithLabelValues(rec.TaskName).Observe(rec.Duration.Seconds())
}

func (p *promMetrics) observeSnapshot(snap *SystemSnapshot) {
	p.cpuPercent.Set(snap.CPUPercent)
	p.memPercent.Set(snap.MemoryPercent)
	p.workerCount.Set(float64(snap.WorkerCount))
	for queue, depth := range snap.QueueLengths {
		p.queueLength.WithLabelValues(queue).Set(float64(depth))
	}
}
