// Package kvfront implements the replication coordinator in front of the
// KV replicas: hash-ring placement, last-write-wins resolution with
// read-repair, hinted handoff for failed writes, primary-anchored CAS and
// lock proxying.
package kvfront

import (
	"crypto/md5"
	"encoding/binary"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "kvfront")

// Ring places each key on RF consecutive replicas starting at the MD5 of
// the key modulo the replica count.
type Ring struct {
	backends []string
	rf       int
}

// NewRing builds a ring over the given backend URLs. rf is clamped to
// the number of backends.
func NewRing(backends []string, rf int) *Ring {
	if rf > len(backends) {
		rf = len(backends)
	}
	if rf < 1 {
		rf = 1
	}
	return &Ring{backends: backends, rf: rf}
}

// ReplicaSet returns the backends holding key, primary first.
func (r *Ring) ReplicaSet(key string) []string {
	start := r.startIndex(key)
	set := make([]string, 0, r.rf)
	for i := 0; i < r.rf; i++ {
		set = append(set, r.backends[(start+i)%len(r.backends)])
	}
	return set
}

// Primary returns the first replica for key; CAS and locks anchor there.
func (r *Ring) Primary(key string) string {
	return r.backends[r.startIndex(key)]
}

// Backends returns every replica in ring order.
func (r *Ring) Backends() []string {
	return r.backends
}

// startIndex reduces the full 128-bit MD5 digest modulo the replica
// count, using two 64-bit limbs.
func (r *Ring) startIndex(key string) int {
	sum := md5.Sum([]byte(key))
	hi := binary.BigEndian.Uint64(sum[:8])
	lo := binary.BigEndian.Uint64(sum[8:])
	n := uint64(len(r.backends))
	shift := (1 << 32 % n) * (1 << 32 % n) % n // 2^64 mod n
	return int(((hi%n)*shift + lo%n) % n)
}
