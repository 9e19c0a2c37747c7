// Package kvnode implements one replica of the replicated KV: a durable
// bolt-backed document store with serialized compare-and-swap, a bounded
// write-through cache and in-process TTL locks, exposed over HTTP.
package kvnode

import (
	"os"
	"path"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/airliftlabs/airlift/config/params"
)

var log = logrus.WithField("prefix", "kvnode")

// DatabaseFileName is the name of the bolt database file under the datadir.
const DatabaseFileName = "airlift.db"

var documentsBucket = []byte("documents")

// Store is the replica-local durable document store.
type Store struct {
	db           *bolt.DB
	databasePath string
	cache        *docCache
}

// NewStore opens (or creates) the bolt database under dirPath and
// initializes the document bucket and the write-through cache.
func NewStore(dirPath string) (*Store, error) {
	hasDir, err := dirExists(dirPath)
	if err != nil {
		return nil, err
	}
	if !hasDir {
		if err := os.MkdirAll(dirPath, 0700); err != nil {
			return nil, err
		}
	}
	datafile := path.Join(dirPath, DatabaseFileName)
	boltDB, err := bolt.Open(datafile, 0600, &bolt.Options{Timeout: 1 * time.Second, InitialMmapSize: 10e6})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, errors.New("cannot obtain database lock, database may be in use by another process")
		}
		return nil, err
	}

	cfg := params.AirliftConfig()
	kv := &Store{
		db:           boltDB,
		databasePath: dirPath,
		cache:        newDocCache(cfg.CacheMaxItems, cfg.CacheMaxBytes),
	}
	if err := kv.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(documentsBucket)
		return err
	}); err != nil {
		return nil, err
	}
	return kv, nil
}

// Close closes the underlying bolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DatabasePath at which this database writes files.
func (s *Store) DatabasePath() string {
	return s.databasePath
}

// ClearDB removes the database file from the filesystem.
func (s *Store) ClearDB() error {
	if _, err := os.Stat(s.databasePath); os.IsNotExist(err) {
		return nil
	}
	s.cache.purge()
	return os.Remove(path.Join(s.databasePath, DatabaseFileName))
}

func dirExists(dirPath string) (bool, error) {
	info, err := os.Stat(dirPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}
