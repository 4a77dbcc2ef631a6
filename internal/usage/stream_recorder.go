package usage

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keygate/keygate/internal/safego"
	"github.com/keygate/keygate/internal/telemetry"
)

// StreamRecorder publishes usage events to a Redis stream via a single
// background goroutine. The request path only does a non-blocking channel
// send; everything slow happens on the publisher side.
//
// Events that fail to publish are retried once on the dead-letter stream so
// a transient stream problem does not silently lose a whole burst; if the
// dead-letter write also fails the event is dropped and counted.
type StreamRecorder struct {
	rdb StreamClient
	cfg StreamConfig

	events chan Event
	done   chan struct{}

	// closeMu orders Record sends against Close: Record holds the read
	// side across its send so Close can never close the channel between
	// the closed check and the send.
	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// StreamClient is the slice of the Redis API the recorder needs. Satisfied
// by any go-redis client.
type StreamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// StreamConfig holds stream recorder settings.
type StreamConfig struct {
	// Stream is the destination stream name
	Stream string
	// DeadLetterStream receives events whose primary publish failed
	DeadLetterStream string
	// BufferSize caps the in-memory queue; a full buffer drops new events
	BufferSize int
	// MaxLen trims the stream to approximately this many entries
	MaxLen int64
	// PublishTimeout bounds each XADD
	PublishTimeout time.Duration
}

// NewStreamRecorder creates a recorder and starts its publisher goroutine.
func NewStreamRecorder(rdb StreamClient, cfg StreamConfig) *StreamRecorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}

	r := &StreamRecorder{
		rdb:    rdb,
		cfg:    cfg,
		events: make(chan Event, cfg.BufferSize),
		done:   make(chan struct{}),
	}

	safego.Go(r.publishLoop)

	return r
}

// Record implements Recorder. A full buffer drops the event rather than
// blocking the request that produced it. Events arriving after Close are
// discarded.
func (r *StreamRecorder) Record(event Event) {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()

	if r.closed {
		return
	}
	select {
	case r.events <- event:
	default:
		telemetry.UsageEventsDroppedTotal.WithLabelValues("buffer_full").Inc()
		slog.Warn("usage event dropped, buffer full",
			"buffer_size", r.cfg.BufferSize, "path", event.Path)
	}
}

// publishLoop drains the event channel until Close closes it.
func (r *StreamRecorder) publishLoop() {
	defer close(r.done)

	for event := range r.events {
		r.publish(event)
	}
}

func (r *StreamRecorder) publish(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		telemetry.UsageEventsDroppedTotal.WithLabelValues("marshal_error").Inc()
		slog.Error("usage event dropped, marshal failed", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PublishTimeout)
	defer cancel()

	if err := r.xadd(ctx, r.cfg.Stream, payload); err == nil {
		telemetry.UsageEventsPublishedTotal.Inc()
		return
	} else if r.cfg.DeadLetterStream == "" {
		telemetry.UsageEventsDroppedTotal.WithLabelValues("publish_error").Inc()
		slog.Error("usage event dropped, publish failed",
			"stream", r.cfg.Stream, "error", err)
		return
	}

	dlqCtx, dlqCancel := context.WithTimeout(context.Background(), r.cfg.PublishTimeout)
	defer dlqCancel()

	if err := r.xadd(dlqCtx, r.cfg.DeadLetterStream, payload); err != nil {
		telemetry.UsageEventsDroppedTotal.WithLabelValues("publish_error").Inc()
		slog.Error("usage event dropped, dead-letter publish failed",
			"stream", r.cfg.DeadLetterStream, "error", err)
		return
	}

	slog.Warn("usage event diverted to dead-letter stream",
		"stream", r.cfg.DeadLetterStream)
	telemetry.UsageEventsPublishedTotal.Inc()
}

func (r *StreamRecorder) xadd(ctx context.Context, stream string, payload []byte) error {
	return r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: r.cfg.MaxLen,
		Approx: true,
		Values: map[string]interface{}{"event": payload},
	}).Err()
}

// Close implements Recorder. It stops intake and waits for the publisher to
// drain queued events or for ctx to expire, whichever comes first.
func (r *StreamRecorder) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.closeMu.Lock()
		r.closed = true
		close(r.events)
		r.closeMu.Unlock()
	})

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
