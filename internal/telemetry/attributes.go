// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the application.
const (
	// HTTP attributes
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"
	HTTPURLKey        = "http.url"

	// Session attributes
	SessionIDKey    = "session.id"
	SessionStateKey = "session.state"
	SessionOwnerKey = "session.owner"

	// Pipeline stage attributes
	StageNameKey     = "stage.name"
	StageAttemptKey  = "stage.attempt"
	StageDurationKey = "stage.duration_ms"

	// Document attributes
	DocumentTypeKey  = "document.analysis_type"
	DocumentBytesKey = "document.bytes"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// HTTPAttributes creates common HTTP span attributes.
func HTTPAttributes(method, route, url string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.String(HTTPURLKey, url),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// SessionAttributes creates session-related span attributes. The owner id
// is deliberately not included; session ids are already pseudonymous.
func SessionAttributes(sessionID, state string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 2)
	if sessionID != "" {
		attrs = append(attrs, attribute.String(SessionIDKey, sessionID))
	}
	if state != "" {
		attrs = append(attrs, attribute.String(SessionStateKey, state))
	}
	return attrs
}

// StageAttributes creates pipeline-stage span attributes.
func StageAttributes(stage string, attempt int, durationMS int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(StageNameKey, stage),
		attribute.Int(StageAttemptKey, attempt),
		attribute.Int64(StageDurationKey, durationMS),
	}
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
