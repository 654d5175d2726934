// Package events moves ride events off the registry's critical path. The
// registry publishes into a bounded buffer; one goroutine hands each event to
// every sink in order.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type Sink interface {
	Name() string
	Handle(ctx context.Context, evt models.RideEvent) error
}

type Bus struct {
	ch      chan models.RideEvent
	sinks   []Sink
	log     *slog.Logger
	timeout time.Duration
	done    chan struct{}
}

func NewBus(buffer int, logger *slog.Logger, sinks ...Sink) *Bus {
	if buffer <= 0 {
		buffer = 1
	}
	return &Bus{
		ch:      make(chan models.RideEvent, buffer),
		sinks:   sinks,
		log:     logger,
		timeout: 2 * time.Second,
		done:    make(chan struct{}),
	}
}

// Publish never blocks. When the buffer is full the event is dropped.
func (b *Bus) Publish(evt models.RideEvent) {
	select {
	case b.ch <- evt:
	default:
		observability.EventsDropped.Inc()
		b.log.Warn("ride event dropped", "type", evt.Type, "ride_id", evt.Ride.ID)
	}
}

// Run delivers events until ctx is done, then drains what is already
// buffered before returning.
func (b *Bus) Run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case evt := <-b.ch:
			b.deliver(ctx, evt)
		case <-ctx.Done():
			b.drain()
			return
		}
	}
}

// Done is closed once Run has returned.
func (b *Bus) Done() <-chan struct{} { return b.done }

func (b *Bus) drain() {
	for {
		select {
		case evt := <-b.ch:
			b.deliver(context.Background(), evt)
		default:
			return
		}
	}
}

func (b *Bus) deliver(ctx context.Context, evt models.RideEvent) {
	for _, s := range b.sinks {
		sctx, cancel := context.WithTimeout(ctx, b.timeout)
		err := s.Handle(sctx, evt)
		cancel()
		if err != nil {
			observability.EventsPublished.WithLabelValues(s.Name(), "error").Inc()
			b.log.Error("ride event sink failed", "sink", s.Name(), "type", evt.Type, "ride_id", evt.Ride.ID, "error", err)
			continue
		}
		observability.EventsPublished.WithLabelValues(s.Name(), "ok").Inc()
	}
}
