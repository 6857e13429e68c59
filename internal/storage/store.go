// Package storage is the node's sync ledger: a small bbolt database holding
// watcher file stats and the outcome of recent replication runs. It is never
// consulted to decide what the library contains; the category directories
// are the source of truth for that.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	filesBucket = []byte("files")
	syncBucket  = []byte("sync")

	allBuckets = [][]byte{filesBucket, syncBucket}
)

// ErrNotFound is returned when a key is absent
var ErrNotFound = errors.New("key not found")

// Store provides persistent key-value storage using BoltDB
type Store struct {
	db *bolt.DB
}

// NewStore opens (or creates) the ledger at path
func NewStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SetFileStat records the last stat ("mtime-size") seen for a library file
func (s *Store) SetFileStat(key, stat string) error {
	return s.put(filesBucket, key, []byte(stat))
}

// FileStat returns the recorded stat for a library file
func (s *Store) FileStat(key string) (string, error) {
	v, err := s.get(filesBucket, key)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// DeleteFileStat forgets a library file
func (s *Store) DeleteFileStat(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(filesBucket).Delete([]byte(key))
	})
}

// FileStatKeys returns every library file with a recorded stat
func (s *Store) FileStatKeys() ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(filesBucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// RecordSync stores v as JSON under a sync kind such as "last-sync-all"
func (s *Store) RecordSync(kind string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", kind, err)
	}
	return s.put(syncBucket, kind, data)
}

// LastSync decodes the record stored under kind into v
func (s *Store) LastSync(kind string, v any) error {
	data, err := s.get(syncBucket, kind)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", kind, err)
	}
	return nil
}

// Clear removes everything from every bucket
func (s *Store) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) put(bucket []byte, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), value)
	})
}

func (s *Store) get(bucket []byte, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get([]byte(key))
		if v == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		// bbolt values are only valid inside the transaction
		value = append([]byte(nil), v...)
		return nil
	})
	return value, err
}
