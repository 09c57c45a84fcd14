// Package metrics exposes operational metrics of the orchestration hub.
package metrics

import "net/http"

// Metrics is implemented by metric backends. Metric types are identified by
// name: "Counter", "Gauge" or "Histogram".
type Metrics interface {
	Register(name, metricType, help string)
	RegisterWithLabels(name, metricType, help string, labels []string)
	Record(name string, value float64)
	RecordWithLabels(name string, value float64, labels map[string]string)
	Handler() http.Handler
}
