package manager

import (
	tunrelay "tunrelay/internal"
)

// PrometheusExporter satisfies MetricsExporter by calling into the root
// package's hand-rolled exporter (internal/metrics.go), the same one
// metricsHandler serves over its own endpoint.
type PrometheusExporter struct{}

// RenderPrometheus implements MetricsExporter.
func (PrometheusExporter) RenderPrometheus(sessionCount int) string {
	return tunrelay.RenderPrometheusSnapshot(sessionCount)
}
