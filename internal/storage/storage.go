// Package storage provides the shared BoltDB wiring used by the
// Execution Registry, Workflow Cache, Workflow Status Manager, and
// Result Store: bucket-per-concern single-file persistence, opened
// once per process and passed down as a *bbolt.DB.
package storage

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// Open opens (creating if needed) a bbolt database file and ensures the
// given top-level buckets exist.
func Open(path string, buckets ...[]byte) (*bbolt.DB, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("storage: create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Put writes a value under key in bucket within its own transaction.
func Put(db *bbolt.DB, bucket, key, value []byte) error {
	return db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("storage: bucket %s not found", bucket)
		}
		return b.Put(key, value)
	})
}

// Get reads a value from bucket, returning (nil, nil) if absent.
func Get(db *bbolt.DB, bucket, key []byte) ([]byte, error) {
	var out []byte
	err := db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("storage: bucket %s not found", bucket)
		}
		v := b.Get(key)
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

// Delete removes key from bucket.
func Delete(db *bbolt.DB, bucket, key []byte) error {
	return db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("storage: bucket %s not found", bucket)
		}
		return b.Delete(key)
	})
}

// ForEach iterates every key/value pair in bucket in key order.
func ForEach(db *bbolt.DB, bucket []byte, fn func(key, value []byte) error) error {
	return db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("storage: bucket %s not found", bucket)
		}
		return b.ForEach(fn)
	})
}
