// Package observability provides metrics for the file access service.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod    = "method"
	attrPath      = "path"
	attrStatus    = "status"
	attrOperation = "operation"
	attrOutcome   = "outcome"
	attrReason    = "reason"
	attrSuccess   = "success"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	// Normalize paths with IDs to reduce cardinality
	// /api/jobs/42/files -> /api/jobs/{jobId}/files
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func operationAttr(op string) attribute.KeyValue {
	return attribute.String(attrOperation, op)
}

func outcomeAttr(allowed bool) attribute.KeyValue {
	if allowed {
		return attribute.String(attrOutcome, "allowed")
	}
	return attribute.String(attrOutcome, "denied")
}

func reasonAttr(reason string) attribute.KeyValue {
	return attribute.String(attrReason, reason)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

// normalizePath replaces the job ID segment under /api/jobs/ with a
// placeholder.
func normalizePath(path string) string {
	const prefix = "/api/jobs/"
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok || rest == "" {
		return path
	}
	_, tail, found := strings.Cut(rest, "/")
	if !found {
		return prefix + "{jobId}"
	}
	return prefix + "{jobId}/" + tail
}
