// Package audit persists insurer interaction documents to an append-only
// store. Every outbound attempt is recorded exactly once with sanitised
// request and response snapshots; the store is best effort and never blocks
// the pipeline.
package audit

import (
	"context"
	"time"
)

// Interaction statuses.
const (
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
	StatusTimeout = "TIMEOUT"
)

// RequestSnapshot captures the outbound request after sanitisation.
type RequestSnapshot struct {
	URL     string                 `json:"url"`
	Method  string                 `json:"method"`
	Headers map[string]string      `json:"headers"`
	Body    map[string]interface{} `json:"body,omitempty"`
}

// ResponseSnapshot captures the insurer's reply.
type ResponseSnapshot struct {
	StatusCode int               `json:"status_code,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
}

// ErrorSnapshot captures an attempt-level failure.
type ErrorSnapshot struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Document is one insurer interaction record.
type Document struct {
	ID              string            `json:"id"`
	EndorsementID   string            `json:"endorsement_id"`
	EmployerID      string            `json:"employer_id"`
	TraceID         string            `json:"trace_id,omitempty"`
	InsurerID       string            `json:"insurer_id"`
	InteractionType string            `json:"interaction_type"`
	Attempt         int               `json:"attempt"`
	Status          string            `json:"status"`
	LatencyMillis   int64             `json:"latency_ms"`
	IdempotencyKey  string            `json:"idempotency_key,omitempty"`
	Request         RequestSnapshot   `json:"request"`
	Response        *ResponseSnapshot `json:"response,omitempty"`
	Error           *ErrorSnapshot    `json:"error,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
}

// Store appends insurer interaction documents.
type Store interface {
	Append(ctx context.Context, doc *Document) error
}
