// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package sim

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// Recorder receives lifecycle measurements.
type Recorder interface {
	ObserveBoot(d time.Duration, outcome string)
	IncOperation(op, result string)
	SetKeychainArchiveBytes(udid string, n int64)
	AddCachesDeleted(n int)
}

type noopRecorder struct{}

func (noopRecorder) ObserveBoot(time.Duration, string) {}
func (noopRecorder) IncOperation(string, string) {}
func (noopRecorder) SetKeychainArchiveBytes(string, int64) {}
func (noopRecorder) AddCachesDeleted(int) {}

// NoopRecorder discards everything.
func NoopRecorder() Recorder { return noopRecorder{} }

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	bootDuration  *prom.HistogramVec
	operations    *prom.CounterVec
	archiveBytes  *prom.GaugeVec
	cachesDeleted prom.Counter
}

// NewPrometheusRecorder constructs and registers the metrics on reg (a fresh registry when nil).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		bootDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "simdevctl",
			Name:      "boot_duration_seconds",
			Help:      "Time from client launch to boot completion",
			Buckets:   []float64{5, 10, 20, 30, 60, 90, 120, 180, 240, 300},
		}, []string{"outcome"}),
		operations: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "simdevctl",
			Name:      "operations_total",
			Help:      "Lifecycle operations by result",
		}, []string{"operation", "result"}),
		archiveBytes: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "simdevctl",
			Name:      "keychain_archive_bytes",
			Help:      "Size of the tracked keychain backup archive",
		}, []string{"udid"}),
		cachesDeleted: prom.NewCounter(prom.CounterOpts{
			Namespace: "simdevctl",
			Name:      "cache_dirs_deleted_total",
			Help:      "Cache directories scheduled for deletion",
		}),
	}
	reg.MustRegister(pr.bootDuration, pr.operations, pr.archiveBytes, pr.cachesDeleted)
	return pr
}

func (p *PrometheusRecorder) ObserveBoot(d time.Duration, outcome string) {
	p.bootDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncOperation(op, result string) {
	p.operations.WithLabelValues(op, result).Inc()
}

func (p *PrometheusRecorder) SetKeychainArchiveBytes(udid string, n int64) {
	p.archiveBytes.WithLabelValues(udid).Set(float64(n))
}

func (p *PrometheusRecorder) AddCachesDeleted(n int) {
	p.cachesDeleted.Add(float64(n))
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
