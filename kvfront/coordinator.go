package kvfront

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"github.com/airliftlabs/airlift/encoding/jsonutil"
	"github.com/airliftlabs/airlift/kvclient"
)

// ErrNoReplica is returned when no replica in the placement set could
// serve the operation. The HTTP layer maps it onto 503.
var ErrNoReplica = errors.New("no replica available")

// Coordinator fans operations out over the ring and resolves conflicts
// with last-write-wins.
type Coordinator struct {
	ring    *Ring
	clients map[string]*kvclient.Client
	hints   *HintBuffer
	now     func() float64
}

// NewCoordinator builds a coordinator over the given backend URLs.
func NewCoordinator(backends []string, rf int) *Coordinator {
	clients := make(map[string]*kvclient.Client, len(backends))
	for _, b := range backends {
		clients[b] = kvclient.New(b)
	}
	return &Coordinator{
		ring:    NewRing(backends, rf),
		clients: clients,
		hints:   NewHintBuffer(),
		now:     nowSeconds,
	}
}

// Hints exposes the hint buffer so the server can run the flusher.
func (c *Coordinator) Hints() *HintBuffer {
	return c.hints
}

// FlushHints replays pending hinted writes once.
func (c *Coordinator) FlushHints(ctx context.Context) {
	c.hints.Flush(ctx, c.clients)
}

type replicaRead struct {
	backend string
	raw     json.RawMessage
	wrapped Wrapped
	found   bool
	err     error
}

// Get resolves key across its replica set: every replica is queried in
// parallel, the highest timestamp wins, and responding replicas holding
// an older value are repaired in the background with the winner.
func (c *Coordinator) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	replicas := c.ring.ReplicaSet(key)
	reads := make([]replicaRead, len(replicas))
	var wg sync.WaitGroup
	for i, backend := range replicas {
		wg.Add(1)
		go func(i int, backend string) {
			defer wg.Done()
			raw, found, err := c.clients[backend].Get(ctx, key)
			r := replicaRead{backend: backend, raw: raw, found: found, err: err}
			if found {
				r.wrapped, _ = unwrap(raw)
			}
			reads[i] = r
		}(i, backend)
	}
	wg.Wait()

	reachable := 0
	bestIdx := -1
	for i, r := range reads {
		if r.err != nil {
			continue
		}
		reachable++
		if r.found && (bestIdx < 0 || r.wrapped.TS > reads[bestIdx].wrapped.TS) {
			bestIdx = i
		}
	}
	if reachable == 0 {
		return nil, false, ErrNoReplica
	}
	if bestIdx < 0 {
		return nil, false, nil
	}
	best := reads[bestIdx]

	// Repair replicas that answered with a stale value. Missing replicas
	// are left to hinted handoff.
	for _, r := range reads {
		if r.err != nil || !r.found || r.backend == best.backend || r.wrapped.TS >= best.wrapped.TS {
			continue
		}
		go func(backend string) {
			// Detached from the request context; the client timeout bounds it.
			if err := c.clients[backend].Put(context.Background(), key, best.wrapped); err != nil {
				log.WithField("backend", backend).WithField("key", key).
					WithError(err).Debug("Read-repair failed")
				return
			}
			log.WithField("backend", backend).WithField("key", key).Debug("Read-repair applied")
		}(r.backend)
	}

	return best.wrapped.Data, true, nil
}

// Put wraps value with a fresh timestamp and writes it to every replica.
// Failed replicas get a hint; the write succeeds if at least one replica
// acknowledged (sloppy quorum).
func (c *Coordinator) Put(ctx context.Context, key string, value json.RawMessage) error {
	w := Wrapped{TS: c.now(), Data: value}
	replicas := c.ring.ReplicaSet(key)

	var wg sync.WaitGroup
	oks := make([]bool, len(replicas))
	for i, backend := range replicas {
		wg.Add(1)
		go func(i int, backend string) {
			defer wg.Done()
			if err := c.clients[backend].Put(ctx, key, w); err != nil {
				log.WithField("backend", backend).WithField("key", key).
					WithError(err).Warn("Replica write failed, buffering hint")
				c.hints.Add(backend, key, w)
				return
			}
			oks[i] = true
		}(i, backend)
	}
	wg.Wait()

	for _, ok := range oks {
		if ok {
			return nil
		}
	}
	return ErrNoReplica
}

// CAS anchors the conditional swap at the key's primary. The caller's
// expectation is checked against the primary's unwrapped value, then the
// swap runs at the primary over the wrapped envelopes, and the winner is
// replicated to the secondaries with hints on failure.
func (c *Coordinator) CAS(ctx context.Context, key string, old, new json.RawMessage) (bool, json.RawMessage, error) {
	replicas := c.ring.ReplicaSet(key)
	primary := replicas[0]
	client := c.clients[primary]

	rawCur, found, err := client.Get(ctx, key)
	if err != nil {
		return false, nil, ErrNoReplica
	}
	var curData json.RawMessage
	if found {
		w, _ := unwrap(rawCur)
		curData = w.Data
	}
	if !jsonutil.Equal(jsonutil.NormalizeNull(curData), jsonutil.NormalizeNull(old)) {
		return false, curData, nil
	}

	newW := Wrapped{TS: c.now(), Data: new}
	var oldArg interface{}
	if found {
		oldArg = rawCur
	}
	ok, currentRaw, err := client.CAS(ctx, key, oldArg, newW)
	if err != nil {
		return false, nil, ErrNoReplica
	}
	if !ok {
		w, _ := unwrap(currentRaw)
		return false, w.Data, nil
	}

	for _, backend := range replicas[1:] {
		if err := c.clients[backend].Put(ctx, key, newW); err != nil {
			log.WithField("backend", backend).WithField("key", key).
				WithError(err).Warn("Secondary replication failed, buffering hint")
			c.hints.Add(backend, key, newW)
		}
	}
	return true, nil, nil
}

// lockPrimary places leases under their own ring position, separate
// from the data key, so lock traffic does not pile onto the data
// primary.
func (c *Coordinator) lockPrimary(key string) string {
	return c.ring.Primary("lock:" + key)
}

// AcquireLock proxies the lease request to the lock's primary replica.
func (c *Coordinator) AcquireLock(ctx context.Context, key string, ttlSec float64) (bool, float64, error) {
	ok, exp, err := c.clients[c.lockPrimary(key)].AcquireLock(ctx, key, ttlSec)
	if err != nil {
		return false, 0, ErrNoReplica
	}
	return ok, exp, nil
}

// ReleaseLock proxies the lease release to the lock's primary replica.
func (c *Coordinator) ReleaseLock(ctx context.Context, key string) error {
	if err := c.clients[c.lockPrimary(key)].ReleaseLock(ctx, key); err != nil {
		return ErrNoReplica
	}
	return nil
}
