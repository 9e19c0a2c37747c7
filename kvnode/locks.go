package kvnode

import (
	"sync"
	"time"
)

// LockTable is the replica-local lock primitive: a map of key to absolute
// expiry. Locks are cooperative leases, not a correctness barrier; CAS on
// the documents remains the arbiter when a lease expires mid-operation.
type LockTable struct {
	lock    sync.Mutex
	expires map[string]float64
	now     func() float64
}

// NewLockTable returns an empty lock table using wall-clock time.
func NewLockTable() *LockTable {
	return &LockTable{
		expires: make(map[string]float64),
		now:     func() float64 { return float64(time.Now().UnixNano()) / 1e9 },
	}
}

// Acquire grants the lease for key iff no unexpired lease exists, and
// installs now+ttl as the new expiry. It always reports the expiry the
// caller should observe: the new lease on success, the standing one on
// refusal.
func (l *LockTable) Acquire(key string, ttlSec float64) (bool, float64) {
	l.lock.Lock()
	defer l.lock.Unlock()
	now := l.now()
	if exp, held := l.expires[key]; held && now < exp {
		return false, exp
	}
	exp := now + ttlSec
	l.expires[key] = exp
	return true, exp
}

// Release drops the lease for key regardless of holder. Releasing an
// unheld key is a no-op.
func (l *LockTable) Release(key string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	delete(l.expires, key)
}
