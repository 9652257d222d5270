package metrics

import (
	"time"
)

// MetricsRecorder defines the interface for recording proxy metrics.
// Spec.md treats concrete telemetry sinks as out of scope; this interface
// exists so the hot paths call it uniformly, with NoOpRecorder as the
// default (and only shipped) implementation.
type MetricsRecorder interface {
	// HTTP metrics
	RecordHTTPRequest(startTime time.Time, path, method, statusCode string)
	RecordHTTPActiveRequest(path, method string, delta float64)

	// Proxy relay metrics
	RecordRelayRequest(startTime time.Time, domain, model, requestType string, streaming, success bool, promptTokens, completionTokens int)

	// Credential metrics
	RecordCredentialRefresh(domain string, success bool)

	// Storage metrics
	RecordDBQuery(startTime time.Time, operation, table string, success bool)

	// Analysis worker metrics
	RecordAnalysisJob(startTime time.Time, success bool, retryCount int)
	UpdateWorkerInFlight(delta float64)

	// Error metrics
	RecordError(errorType, component string)
}

// GlobalRecorder holds the active metrics recorder implementation.
var GlobalRecorder MetricsRecorder

// NoOpRecorder is a no-operation implementation for when metrics are disabled.
type NoOpRecorder struct{}

func (n *NoOpRecorder) RecordHTTPRequest(startTime time.Time, path, method, statusCode string) {}
func (n *NoOpRecorder) RecordHTTPActiveRequest(path, method string, delta float64)              {}
func (n *NoOpRecorder) RecordRelayRequest(startTime time.Time, domain, model, requestType string, streaming, success bool, promptTokens, completionTokens int) {
}
func (n *NoOpRecorder) RecordCredentialRefresh(domain string, success bool)          {}
func (n *NoOpRecorder) RecordDBQuery(startTime time.Time, operation, table string, success bool) {}
func (n *NoOpRecorder) RecordAnalysisJob(startTime time.Time, success bool, retryCount int) {}
func (n *NoOpRecorder) UpdateWorkerInFlight(delta float64)                          {}
func (n *NoOpRecorder) RecordError(errorType, component string)                     {}

func init() {
	GlobalRecorder = &NoOpRecorder{}
}
