// Package usage records per-request usage events for billing and analytics.
// Recording is strictly fire-and-forget: the request path hands an event to a
// buffered channel and moves on, and a background publisher ships events to a
// Redis stream. A slow or unreachable stream never adds latency to proxied
// requests — events are dropped and counted instead. Usage data here is
// best-effort observability input, not a billing ledger of record.
package usage

import (
	"context"
	"time"
)

// Event is one request's usage record. Exempt-path requests produce events
// with empty APIKeyID and CustomerID.
type Event struct {
	Timestamp    time.Time `json:"timestamp"`
	APIKeyID     string    `json:"api_key_id,omitempty"`
	CustomerID   string    `json:"customer_id,omitempty"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	Query        string    `json:"query,omitempty"`
	StatusCode   int       `json:"status_code"`
	LatencyMS    int64     `json:"latency_ms"`
	ClientIP     string    `json:"client_ip,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	TraceID      string    `json:"trace_id,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// Recorder accepts usage events. Record must never block the caller.
type Recorder interface {
	// Record queues an event for publishing. Events may be silently dropped
	// under pressure; drops are counted, not reported to the caller.
	Record(event Event)

	// Close stops accepting events, drains what is already queued, and
	// releases the publisher. Bounded by ctx.
	Close(ctx context.Context) error
}

// NopRecorder discards every event. Used when usage logging is disabled.
type NopRecorder struct{}

func (NopRecorder) Record(Event) {}

func (NopRecorder) Close(context.Context) error { return nil }
