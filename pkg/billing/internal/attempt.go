package internal

import "github.com/mihaimyh/licensehook/pkg/billing"

// BestEffort records the outcome of steps whose failure must not fail the
// surrounding webhook request. Every absorbed failure is logged and counted
// in one place so the partial-failure policy stays uniform.
type BestEffort struct {
	Provider string
	Logger   billing.Logger
	Metrics  billing.Metrics
}

// Attempt runs fn and reports whether it succeeded. A failure is logged at
// warn level and counted; it is never returned.
func (b BestEffort) Attempt(operation string, fn func() error, fields ...billing.Field) bool {
	err := fn()
	if err == nil {
		return true
	}
	fields = append(fields, billing.Field{Key: "operation", Value: operation}, billing.Err(err))
	b.Logger.Warn("best-effort step failed; continuing", fields...)
	b.Metrics.RecordAbsorbedFailure(b.Provider, operation)
	return false
}

// Drop records an event (or part of one) that cannot be applied and will not
// be retried, e.g. because its target record does not exist.
func (b BestEffort) Drop(operation, reason string, fields ...billing.Field) {
	fields = append(fields, billing.Field{Key: "operation", Value: operation}, billing.Field{Key: "reason", Value: reason})
	b.Logger.Warn("webhook event dropped", fields...)
	b.Metrics.RecordAbsorbedFailure(b.Provider, operation)
}
