package dronesim

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/airliftlabs/airlift/fleet/types"
)

var droppedEventsCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "dronesim_dropped_events_total",
	Help: "Number of telemetry events dropped because the queue was full.",
})

// eventQueue is the bounded buffer between the drone loops and the
// publisher. When full, the oldest event is dropped in favor of the
// fresh one: stale telemetry is worthless and the loops must never
// block on the broker.
type eventQueue struct {
	ch chan types.DroneUpdate
}

func newEventQueue(capacity int) *eventQueue {
	return &eventQueue{ch: make(chan types.DroneUpdate, capacity)}
}

// push enqueues evt, evicting the oldest entry when the queue is full.
func (q *eventQueue) push(evt types.DroneUpdate) {
	for {
		select {
		case q.ch <- evt:
			return
		default:
		}
		select {
		case <-q.ch:
			droppedEventsCount.Inc()
		default:
		}
	}
}

// pop blocks until an event is available or the context ends.
func (q *eventQueue) pop(ctx context.Context) (types.DroneUpdate, bool) {
	select {
	case evt := <-q.ch:
		return evt, true
	case <-ctx.Done():
		return types.DroneUpdate{}, false
	}
}

func (q *eventQueue) len() int {
	return len(q.ch)
}
