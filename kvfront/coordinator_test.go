package kvfront

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airliftlabs/airlift/kvclient"
	"github.com/airliftlabs/airlift/kvnode"
)

// flakyBackend wraps a real replica and can be told to refuse writes.
type flakyBackend struct {
	ts       *httptest.Server
	failPuts int32
}

func (f *flakyBackend) setFailPuts(v bool) {
	if v {
		atomic.StoreInt32(&f.failPuts, 1)
	} else {
		atomic.StoreInt32(&f.failPuts, 0)
	}
}

func newFlakyBackend(t *testing.T) *flakyBackend {
	store, err := kvnode.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	inner := kvnode.NewServer(context.Background(), store, "127.0.0.1:0").Router()
	f := &flakyBackend{}
	f.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut && atomic.LoadInt32(&f.failPuts) == 1 {
			http.Error(w, "injected failure", http.StatusInternalServerError)
			return
		}
		inner.ServeHTTP(w, r)
	}))
	t.Cleanup(f.ts.Close)
	return f
}

func setupCoordinator(t *testing.T, n, rf int) (*Coordinator, []*flakyBackend) {
	backends := make([]*flakyBackend, n)
	urls := make([]string, n)
	for i := range backends {
		backends[i] = newFlakyBackend(t)
		urls[i] = backends[i].ts.URL
	}
	return NewCoordinator(urls, rf), backends
}

func TestCoordinatorPutGet(t *testing.T) {
	ctx := context.Background()
	coord, _ := setupCoordinator(t, 3, 2)

	_, found, err := coord.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, coord.Put(ctx, "k", json.RawMessage(`{"a":1}`)))

	value, found, err := coord.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"a":1}`, string(value))
}

func TestCoordinatorLWWAndReadRepair(t *testing.T) {
	ctx := context.Background()
	coord, _ := setupCoordinator(t, 2, 2)

	// Seed the two replicas with diverged values by writing directly.
	set := coord.ring.ReplicaSet("k")
	oldReplica := kvclient.New(set[0])
	newReplica := kvclient.New(set[1])
	require.NoError(t, oldReplica.Put(ctx, "k", Wrapped{TS: 10, Data: json.RawMessage(`"stale"`)}))
	require.NoError(t, newReplica.Put(ctx, "k", Wrapped{TS: 20, Data: json.RawMessage(`"fresh"`)}))

	value, found, err := coord.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `"fresh"`, string(value))

	// The stale replica converges to the winner in the background.
	require.Eventually(t, func() bool {
		raw, found, err := oldReplica.Get(ctx, "k")
		if err != nil || !found {
			return false
		}
		w, _ := unwrap(raw)
		return w.TS == 20 && string(w.Data) == `"fresh"`
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCoordinatorSloppyQuorumAndHints(t *testing.T) {
	ctx := context.Background()
	coord, backends := setupCoordinator(t, 2, 2)

	set := coord.ring.ReplicaSet("k")
	var down *flakyBackend
	for _, b := range backends {
		if b.ts.URL == set[1] {
			down = b
		}
	}
	require.NotNil(t, down)
	down.setFailPuts(true)

	// One replica refuses writes: the put still succeeds and a hint is
	// buffered for the refusing replica.
	require.NoError(t, coord.Put(ctx, "k", json.RawMessage(`1`)))
	assert.Equal(t, 1, coord.Hints().Len())

	// Flushing while still down keeps the hint.
	coord.FlushHints(ctx)
	assert.Equal(t, 1, coord.Hints().Len())

	// Once the replica recovers the hint drains and the value lands.
	down.setFailPuts(false)
	coord.FlushHints(ctx)
	assert.Equal(t, 0, coord.Hints().Len())

	raw, found, err := kvclient.New(set[1]).Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	w, _ := unwrap(raw)
	assert.JSONEq(t, `1`, string(w.Data))
}

func TestCoordinatorPutAllReplicasDown(t *testing.T) {
	ctx := context.Background()
	coord, backends := setupCoordinator(t, 2, 2)
	for _, b := range backends {
		b.setFailPuts(true)
	}
	err := coord.Put(ctx, "k", json.RawMessage(`1`))
	assert.ErrorIs(t, err, ErrNoReplica)
}

func TestCoordinatorCAS(t *testing.T) {
	ctx := context.Background()
	coord, _ := setupCoordinator(t, 3, 2)

	// First writer expecting absence wins.
	ok, _, err := coord.CAS(ctx, "k", nil, json.RawMessage(`{"v":1}`))
	require.NoError(t, err)
	assert.True(t, ok)

	// A stale expectation is refused with the current unwrapped value.
	ok, current, err := coord.CAS(ctx, "k", json.RawMessage(`{"v":99}`), json.RawMessage(`{"v":2}`))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.JSONEq(t, `{"v":1}`, string(current))

	// A fresh expectation succeeds and the winner is replicated.
	ok, _, err = coord.CAS(ctx, "k", json.RawMessage(`{"v":1}`), json.RawMessage(`{"v":2}`))
	require.NoError(t, err)
	require.True(t, ok)

	for _, backend := range coord.ring.ReplicaSet("k") {
		raw, found, err := kvclient.New(backend).Get(ctx, "k")
		require.NoError(t, err)
		require.True(t, found)
		w, _ := unwrap(raw)
		assert.JSONEq(t, `{"v":2}`, string(w.Data))
	}

	value, found, err := coord.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"v":2}`, string(value))
}

func TestCoordinatorCASKeyOrderInsensitive(t *testing.T) {
	ctx := context.Background()
	coord, _ := setupCoordinator(t, 2, 2)

	require.NoError(t, coord.Put(ctx, "k", json.RawMessage(`{"a":1,"b":2}`)))
	ok, _, err := coord.CAS(ctx, "k", json.RawMessage(`{"b":2,"a":1}`), json.RawMessage(`{"a":2,"b":2}`))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCoordinatorLockProxy(t *testing.T) {
	ctx := context.Background()
	coord, _ := setupCoordinator(t, 3, 2)

	ok, exp, err := coord.AcquireLock(ctx, "delivery:d1", 20)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Greater(t, exp, 0.0)

	ok, _, err = coord.AcquireLock(ctx, "delivery:d1", 20)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, coord.ReleaseLock(ctx, "delivery:d1"))
	ok, _, err = coord.AcquireLock(ctx, "delivery:d1", 20)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCoordinatorLockPlacement(t *testing.T) {
	ctx := context.Background()
	coord, _ := setupCoordinator(t, 3, 1)

	// Find a key whose lease hashes to a different replica than its
	// data, so the placement split is observable.
	key := ""
	for i := 0; i < 64; i++ {
		k := fmt.Sprintf("delivery:d%d", i)
		if coord.ring.Primary("lock:"+k) != coord.ring.Primary(k) {
			key = k
			break
		}
	}
	require.NotEmpty(t, key)

	ok, _, err := coord.AcquireLock(ctx, key, 20)
	require.NoError(t, err)
	require.True(t, ok)

	// The lease is held on the lock primary, so a direct acquire there
	// is refused while the data primary stays free.
	ok, _, err = kvclient.New(coord.ring.Primary("lock:"+key)).AcquireLock(ctx, key, 20)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, _, err = kvclient.New(coord.ring.Primary(key)).AcquireLock(ctx, key, 20)
	require.NoError(t, err)
	assert.True(t, ok)
}
