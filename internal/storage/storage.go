// Package storage persists the policy entities, connection records, and
// domain aggregates in a single bbolt database file.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/proxymon/proxymon/internal/telemetry"
	bolt "go.etcd.io/bbolt"
)

// Bucket names.
var (
	bucketDomains     = []byte("domains")
	bucketIPs         = []byte("ips")
	bucketPorts       = []byte("ports")
	bucketRules       = []byte("rules")
	bucketRequests    = []byte("requests")
	bucketDomainStats = []byte("domain_stats")
)

// DefaultMaxRequests is the connection record retention cap used when the
// configuration does not set one.
const DefaultMaxRequests = 10_000

// ErrNotFound is returned by lookups and updates of entities that do not
// exist.
const ErrNotFound errors.Error = "entity not found"

// ErrDuplicate is returned when a new entity collides with a stored one.
const ErrDuplicate errors.Error = "entry already exists"

// Config is the configuration for the store.
type Config struct {
	// Logger is used for logging the operation of the store.  It must not be
	// nil.
	Logger *slog.Logger

	// Path is the database file path.
	Path string

	// MaxRequests caps the connection record bucket.  Zero means
	// [DefaultMaxRequests].
	MaxRequests int
}

// Store is the bbolt-backed persistent store.
type Store struct {
	logger *slog.Logger
	db     *bolt.DB

	maxRequests int
	reqCount    atomic.Int64
}

// type check
var _ telemetry.Storage = (*Store)(nil)

// New opens or creates the database at conf.Path and makes sure all buckets
// exist.  conf must not be nil.
func New(conf *Config) (s *Store, err error) {
	db, err := bolt.Open(conf.Path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	maxRequests := conf.MaxRequests
	if maxRequests == 0 {
		maxRequests = DefaultMaxRequests
	}

	s = &Store{
		logger:      conf.Logger,
		db:          db,
		maxRequests: maxRequests,
	}

	err = db.Update(func(tx *bolt.Tx) (uerr error) {
		for _, name := range [][]byte{
			bucketDomains,
			bucketIPs,
			bucketPorts,
			bucketRules,
			bucketRequests,
			bucketDomainStats,
		} {
			if _, uerr = tx.CreateBucketIfNotExists(name); uerr != nil {
				return fmt.Errorf("creating bucket %q: %w", name, uerr)
			}
		}

		s.reqCount.Store(int64(tx.Bucket(bucketRequests).Stats().KeyN))

		return nil
	})
	if err != nil {
		return nil, errors.WithDeferred(err, db.Close())
	}

	return s, nil
}

// Close flushes and closes the database.
func (s *Store) Close() (err error) {
	return s.db.Close()
}

// itob returns an 8-byte big-endian representation of v, the bucket key form
// of entity IDs.
func itob(v uint64) (b []byte) {
	b = make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)

	return b
}

// btoi converts a bucket key back to an ID.
func btoi(b []byte) (v uint64) {
	return binary.BigEndian.Uint64(b)
}

// putJSON marshals v and stores it under the big-endian form of id.
func putJSON(bkt *bolt.Bucket, id uint64, v any) (err error) {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding: %w", err)
	}

	return bkt.Put(itob(id), data)
}

// getJSON unmarshals the value stored under the big-endian form of id.
func getJSON[T any](bkt *bolt.Bucket, id uint64) (v *T, err error) {
	data := bkt.Get(itob(id))
	if data == nil {
		return nil, ErrNotFound
	}

	v = new(T)
	if err = json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("decoding id %d: %w", id, err)
	}

	return v, nil
}

// listJSON unmarshals every value of bkt in key order.
func listJSON[T any](bkt *bolt.Bucket) (vs []*T, err error) {
	err = bkt.ForEach(func(k, data []byte) (ferr error) {
		v := new(T)
		if ferr = json.Unmarshal(data, v); ferr != nil {
			return fmt.Errorf("decoding id %d: %w", btoi(k), ferr)
		}

		vs = append(vs, v)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return vs, nil
}

// listJSONReverse unmarshals every value of bkt in reverse key order, which
// is newest first for sequence-keyed buckets.
func listJSONReverse[T any](bkt *bolt.Bucket) (vs []*T, err error) {
	c := bkt.Cursor()
	for k, data := c.Last(); k != nil; k, data = c.Prev() {
		v := new(T)
		if err = json.Unmarshal(data, v); err != nil {
			return nil, fmt.Errorf("decoding id %d: %w", btoi(k), err)
		}

		vs = append(vs, v)
	}

	return vs, nil
}

// eachJSON calls fn for every value of bkt in key order until fn returns
// false.
func eachJSON[T any](bkt *bolt.Bucket, fn func(v *T) (cont bool)) (err error) {
	c := bkt.Cursor()
	for k, data := c.First(); k != nil; k, data = c.Next() {
		v := new(T)
		if err = json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("decoding id %d: %w", btoi(k), err)
		}

		if !fn(v) {
			return nil
		}
	}

	return nil
}

// deleteChecked removes the value stored under the big-endian form of id and
// returns [ErrNotFound] if there was none.
func deleteChecked(bkt *bolt.Bucket, id uint64) (err error) {
	key := itob(id)
	if bkt.Get(key) == nil {
		return ErrNotFound
	}

	return bkt.Delete(key)
}

// view runs fn in a read-only transaction on the bucket with the given name.
func (s *Store) view(name []byte, fn func(bkt *bolt.Bucket) (err error)) (err error) {
	return s.db.View(func(tx *bolt.Tx) (verr error) {
		return fn(tx.Bucket(name))
	})
}

// update runs fn in a writable transaction on the bucket with the given
// name.
func (s *Store) update(name []byte, fn func(bkt *bolt.Bucket) (err error)) (err error) {
	return s.db.Update(func(tx *bolt.Tx) (uerr error) {
		return fn(tx.Bucket(name))
	})
}

// nextID draws the next ID from the bucket sequence.
func nextID(bkt *bolt.Bucket) (id uint64, err error) {
	id, err = bkt.NextSequence()
	if err != nil {
		return 0, fmt.Errorf("drawing id: %w", err)
	}

	return id, nil
}
