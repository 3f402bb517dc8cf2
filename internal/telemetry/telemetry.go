// Package telemetry decouples advisory gateway events from the request path.
// Handlers emit events into a buffered channel and a single reporter
// goroutine fans them out to the metrics sink and the log. Emit never
// blocks: when the buffer is full the event is dropped and counted.
package telemetry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/quiltfin/gateway/internal/log"
)

type Kind string

const (
	KindLargeRequest       Kind = "large_request"
	KindInvalidContentType Kind = "invalid_content_type"
	KindSuspiciousClient   Kind = "suspicious_client"
	KindUnauthorizedOrigin Kind = "unauthorized_origin"
	KindBlockedRequest     Kind = "blocked_request"
	KindStoreDegraded      Kind = "store_degraded"
)

type Event struct {
	Kind       Kind
	Identifier string
	Detail     string
	At         time.Time
}

// Sink receives events off the reporter goroutine. Implementations must be
// safe for use from a single goroutine; they never see concurrent calls.
type Sink interface {
	Record(e Event)
}

// SinkFunc adapts a function into a Sink.
type SinkFunc func(Event)

func (f SinkFunc) Record(e Event) { f(e) }

type Hub struct {
	ch      chan Event
	sink    Sink
	logger  log.Logger
	dropped atomic.Uint64
}

func NewHub(sink Sink, logger log.Logger, buffer int) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Hub{
		ch:     make(chan Event, buffer),
		sink:   sink,
		logger: logger,
	}
}

// Emit queues an event for the reporter. It never blocks and never fails
// the caller; a full buffer drops the event.
func (h *Hub) Emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	select {
	case h.ch <- e:
	default:
		h.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded because the buffer was full.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Run consumes events until ctx is cancelled, then drains whatever is
// already buffered and returns.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-h.ch:
					h.dispatch(ctx, e)
				default:
					return
				}
			}
		case e := <-h.ch:
			h.dispatch(ctx, e)
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, e Event) {
	if h.sink != nil {
		h.sink.Record(e)
	}
	if e.Kind == KindStoreDegraded {
		h.logger.Warn(ctx, "rate limit store degraded",
			"mode", e.Detail,
			"identifier", e.Identifier,
		)
	}
}
