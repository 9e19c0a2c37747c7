package kvfront

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/airliftlabs/airlift/kvclient"
)

var (
	hintsQueuedCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvfront_hints_queued_total",
		Help: "Number of writes buffered for an unreachable replica.",
	})
	hintsFlushedCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvfront_hints_flushed_total",
		Help: "Number of hinted writes successfully replayed.",
	})
)

type hint struct {
	key     string
	wrapped Wrapped
}

// HintBuffer holds writes destined for replicas that were unreachable at
// write time, keyed by backend URL. A periodic flusher replays them,
// keeping only the ones that still fail.
type HintBuffer struct {
	lock      sync.Mutex
	byBackend map[string][]hint
}

// NewHintBuffer returns an empty buffer.
func NewHintBuffer() *HintBuffer {
	return &HintBuffer{byBackend: make(map[string][]hint)}
}

// Add buffers a write for backend.
func (h *HintBuffer) Add(backend, key string, w Wrapped) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.byBackend[backend] = append(h.byBackend[backend], hint{key: key, wrapped: w})
	hintsQueuedCount.Inc()
}

// Len reports the total number of pending hints.
func (h *HintBuffer) Len() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	n := 0
	for _, hints := range h.byBackend {
		n += len(hints)
	}
	return n
}

// Flush replays all pending hints through the given clients. Writes that
// succeed are dropped; writes that fail again stay buffered for the next
// round.
func (h *HintBuffer) Flush(ctx context.Context, clients map[string]*kvclient.Client) {
	h.lock.Lock()
	pending := h.byBackend
	h.byBackend = make(map[string][]hint)
	h.lock.Unlock()

	for backend, hints := range pending {
		client := clients[backend]
		for _, hn := range hints {
			if client == nil {
				h.Add(backend, hn.key, hn.wrapped)
				continue
			}
			if err := client.Put(ctx, hn.key, hn.wrapped); err != nil {
				log.WithField("backend", backend).WithField("key", hn.key).
					WithError(err).Debug("Hinted write still failing")
				h.Add(backend, hn.key, hn.wrapped)
				continue
			}
			hintsFlushedCount.Inc()
			log.WithField("backend", backend).WithField("key", hn.key).Info("Replayed hinted write")
		}
	}
}
