package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/keygate/keygate/internal/telemetry"
)

// Config holds limiter tuning knobs.
type Config struct {
	// CheckTimeout bounds each atomic store operation; exceeding it invokes
	// the fail-open path
	CheckTimeout time.Duration
	// HourlyLimitMultiplier derives the hour-window limit from the
	// per-minute limit; 0 disables the hour window
	HourlyLimitMultiplier int
	// DailyLimitMultiplier derives the day-window limit from the per-minute
	// limit; 0 disables the day window
	DailyLimitMultiplier int
}

// Limiter answers "is this request within quota" for a (customer, key) pair.
// It runs one independent atomic check per configured window and reports the
// most restrictive outcome; the first window that disallows short-circuits
// the rest.
type Limiter struct {
	cfg Config
	store Store
}

// NewLimiter creates a limiter over the given store.
func NewLimiter(s Store, cfg Config) *Limiter {
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 500 * time.Millisecond
	}
	return &Limiter{cfg: cfg, store: s}
}

type windowLimit struct {
	window Window
	limit  int
}

// windowLimits returns the enabled (window, limit) pairs for a per-minute
// limit, minute window first so the tightest window is consulted before any
// quota is consumed in the wider ones.
func (l *Limiter) windowLimits(limitPerMinute int) []windowLimit {
	windows := []windowLimit{{WindowMinute, limitPerMinute}}
	if l.cfg.HourlyLimitMultiplier > 0 {
		windows = append(windows, windowLimit{WindowHour, limitPerMinute * l.cfg.HourlyLimitMultiplier})
	}
	if l.cfg.DailyLimitMultiplier > 0 {
		windows = append(windows, windowLimit{WindowDay, limitPerMinute * l.cfg.DailyLimitMultiplier})
	}
	return windows
}

// Check runs the atomic sliding-window checks for every configured window.
// Any store error fails open: the request is admitted with Remaining=-1 and
// the condition is logged and counted separately from normal allows.
func (l *Limiter) Check(ctx context.Context, customerID, apiKeyID string, limitPerMinute int) Result {
	minRemaining := int64(-1)

	for _, wl := range l.windowLimits(limitPerMinute) {
		checkCtx, cancel := context.WithTimeout(ctx, l.cfg.CheckTimeout)
		allowed, remaining, err := l.store.CheckWindow(checkCtx, counterKey(customerID, apiKeyID, wl.window), wl.window.Duration(), wl.limit)
		cancel()

		if err != nil {
			// Distinct signature: this allow is forced, not earned.
			slog.Warn("rate limit store unavailable, failing open",
				"customer", customerID, "api_key_id", apiKeyID,
				"window", wl.window, "error", err)
			telemetry.RateLimitDecisionsTotal.WithLabelValues("fail_open").Inc()
			return Result{Allowed: true, Remaining: -1, FailedOpen: true}
		}

		if !allowed {
			telemetry.RateLimitDecisionsTotal.WithLabelValues("denied").Inc()
			return Result{
				Allowed:   false,
				LimitedBy: wl.window,
				Remaining: 0,
				ResetTime: time.Now().Add(wl.window.Duration()),
			}
		}

		if minRemaining < 0 || remaining < minRemaining {
			minRemaining = remaining
		}
	}

	telemetry.RateLimitDecisionsTotal.WithLabelValues("allowed").Inc()
	return Result{Allowed: true, Remaining: minRemaining}
}

// WindowStatus describes one window's usage without consuming quota.
type WindowStatus struct {
	Window    Window `json:"window"`
	Limit     int    `json:"limit"`
	Used      int64  `json:"used"`
	Remaining int64  `json:"remaining"`
}

// Status reports current usage across all configured windows. Store errors
// make the affected window report Used=-1 rather than failing the probe.
func (l *Limiter) Status(ctx context.Context, customerID, apiKeyID string, limitPerMinute int) []WindowStatus {
	statuses := make([]WindowStatus, 0, 3)

	for _, wl := range l.windowLimits(limitPerMinute) {
		checkCtx, cancel := context.WithTimeout(ctx, l.cfg.CheckTimeout)
		used, err := l.store.CurrentUsage(checkCtx, counterKey(customerID, apiKeyID, wl.window), wl.window.Duration())
		cancel()

		st := WindowStatus{Window: wl.window, Limit: wl.limit}
		if err != nil {
			slog.Warn("rate limit usage probe failed",
				"customer", customerID, "window", wl.window, "error", err)
			st.Used = -1
			st.Remaining = -1
		} else {
			st.Used = used
			st.Remaining = int64(wl.limit) - used
			if st.Remaining < 0 {
				st.Remaining = 0
			}
		}
		statuses = append(statuses, st)
	}

	return statuses
}

// Reset deletes every window counter for a (customer, key) pair. Admin
// operation; errors are reported but leave other windows untouched.
func (l *Limiter) Reset(ctx context.Context, customerID, apiKeyID string) error {
	var lastErr error
	for _, w := range []Window{WindowMinute, WindowHour, WindowDay} {
		if err := l.store.Reset(ctx, counterKey(customerID, apiKeyID, w)); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
