package observability

import "time"

// Telemetry records client evaluation metrics in Prometheus.
type Telemetry struct{}

// RecordLatency observes the duration of one client call.
func (Telemetry) RecordLatency(method string, elapsed time.Duration) {
	EvaluationDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// RecordException counts a call that served control because evaluation failed.
func (Telemetry) RecordException(method string) {
	EvaluationExceptions.WithLabelValues(method).Inc()
}
