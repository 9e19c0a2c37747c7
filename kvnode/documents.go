package kvnode

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	bolt "go.etcd.io/bbolt"

	"github.com/airliftlabs/airlift/encoding/jsonutil"
)

var casConflictCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "kvnode_cas_conflicts_total",
	Help: "Number of compare-and-swap operations rejected on a stale expectation.",
})

// Document reads the raw JSON stored under key. The second return is
// false when the key is absent.
func (s *Store) Document(key string) ([]byte, bool, error) {
	if v, ok := s.cache.get(key); ok {
		return v, true, nil
	}
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(documentsBucket)
		if v := bkt.Get([]byte(key)); v != nil {
			value = make([]byte, len(v))
			copy(value, v)
		}
		return nil
	})
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to read document")
	}
	if value == nil {
		return nil, false, nil
	}
	s.cache.put(key, value)
	return value, true, nil
}

// SaveDocument overwrites the value under key. The cache is updated
// inside the write transaction so readers never observe a stale entry
// after the write returns.
func (s *Store) SaveDocument(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(documentsBucket)
		if err := bkt.Put([]byte(key), value); err != nil {
			return errors.Wrap(err, "failed to save document")
		}
		s.cache.put(key, value)
		return nil
	})
}

// CompareAndSwap atomically replaces the value under key with new when
// the stored value equals old. A nil old means the caller expects the
// key to be absent. Bolt admits a single write transaction at a time,
// which serializes concurrent swaps on the same key. On a stale
// expectation it returns ok=false along with the current value.
func (s *Store) CompareAndSwap(key string, old, new []byte) (bool, []byte, error) {
	var ok bool
	var current []byte
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(documentsBucket)
		stored := bkt.Get([]byte(key))
		if !jsonutil.Equal(stored, old) {
			if stored != nil {
				current = make([]byte, len(stored))
				copy(current, stored)
			}
			return nil
		}
		if err := bkt.Put([]byte(key), new); err != nil {
			return errors.Wrap(err, "failed to swap document")
		}
		s.cache.put(key, new)
		ok = true
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	if !ok {
		casConflictCount.Inc()
	}
	return ok, current, nil
}
