package core

// Logger provides structured logging. Mirrors the teacher's pkg/core.Logger
// contract so the same calling convention (message plus variadic key/value
// fields) is used throughout the host.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
}

// MetricsCollector collects runtime metrics. Kept deliberately small; the
// host's Non-goals exclude a full metrics pipeline, but every manager still
// reports through this interface the way the teacher's managers report
// through core.MetricsCollector.
type MetricsCollector interface {
	RecordInvocation(componentID string, durationMillis int64, failed bool)
	RecordScale(componentID string, instances uint32)
	RecordSecurityEvent(eventType string, details map[string]interface{})
	GetMetrics() map[string]interface{}
}
