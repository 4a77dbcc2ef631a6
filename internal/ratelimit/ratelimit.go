// Package ratelimit enforces per-customer sliding-window rate limits.
//
// The algorithm is a sliding-window log: each (customer, key, window) owns a
// set of request timestamps; a check atomically prunes entries older than the
// window, counts the rest, and admits the request only while the count is
// under the limit. Atomicity lives in the Store implementation — the Redis
// store runs the prune/count/insert sequence as a single Lua script so
// concurrent checks from any number of gateway instances cannot race, and no
// in-process lock is needed (an in-process mutex could not coordinate across
// instances anyway).
//
// Failure policy is fail-open: when the store is unreachable or the atomic
// operation errors or times out, the request is admitted with Remaining=-1.
// Availability of the proxied service outweighs strict quota enforcement
// during infrastructure outages. Fail-open decisions carry a distinct log
// signature and metric outcome so they are never mistaken for normal allows.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Window identifies one sliding time window.
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
)

// Duration returns the window length.
func (w Window) Duration() time.Duration {
	switch w {
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	}
	return 0
}

// Result is the outcome of one rate limit check. It is created fresh per
// check and never persisted.
type Result struct {
	// Allowed reports whether the request is within quota
	Allowed bool
	// LimitedBy names the window that tripped the limit; empty when allowed
	LimitedBy Window
	// Remaining is the quota left in the most restrictive window after this
	// check; -1 signals "unknown, infrastructure degraded" (fail-open)
	Remaining int64
	// ResetTime is when the tripped window clears; zero unless denied
	ResetTime time.Time
	// FailedOpen is true when the allow decision was forced by a store
	// failure rather than an actual quota check
	FailedOpen bool
}

// Store executes the atomic sliding-window operations against the counter
// backend. Implementations must make CheckWindow indivisible with respect to
// concurrent calls for the same key: no observable state between the prune,
// the count, and the insert.
type Store interface {
	// CheckWindow prunes entries older than window, counts the remainder,
	// and inserts the current timestamp if the count is below limit.
	// Returns whether the request was admitted and the remaining quota.
	CheckWindow(ctx context.Context, key string, window time.Duration, limit int) (allowed bool, remaining int64, err error)

	// CurrentUsage reports how many entries are inside the window without
	// consuming quota. Used by the status probe.
	CurrentUsage(ctx context.Context, key string, window time.Duration) (int64, error)

	// Reset removes a window's entries entirely.
	Reset(ctx context.Context, key string) error
}

// counterKey builds the store key for one (customer, key, window) counter.
// The api key id may be absent in legacy validation responses; a placeholder
// keeps the key shape stable.
func counterKey(customerID, apiKeyID string, window Window) string {
	if apiKeyID == "" {
		apiKeyID = "-"
	}
	return fmt.Sprintf("rate_limit:%s:%s:%s", customerID, apiKeyID, window)
}
