package metadb

import (
	"bytes"
	"context"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/wolfeidau/update-mirror/store"
)

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, b.boltOptions())
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	b.logger.Debug("opened metadb", "path", path, "namespace", b.namespace, "noSync", b.noSync)
	return nil
}

func (b *BoltDB) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketOptions); err != nil {
			return fmt.Errorf("creating bucket %s: %w", bucketOptions, err)
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing metadb")
	err := b.db.Close()
	b.db = nil
	return err
}

// Get retrieves the value stored at key.
func (b *BoltDB) Get(_ context.Context, key string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketOptions)
		if bucket == nil {
			return store.ErrNotFound
		}

		val := bucket.Get(makeOptionKey(b.namespace, key))
		if val == nil {
			return store.ErrNotFound
		}

		// bbolt values are only valid for the life of the transaction.
		data = make([]byte, len(val))
		copy(data, val)
		return nil
	})
	return data, err
}

// Set stores value at key.
func (b *BoltDB) Set(_ context.Context, key string, value []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketOptions)
		if bucket == nil {
			return fmt.Errorf("options bucket not found")
		}
		if err := bucket.Put(makeOptionKey(b.namespace, key), value); err != nil {
			return fmt.Errorf("putting option: %w", err)
		}
		return nil
	})
}

// Delete removes key.
func (b *BoltDB) Delete(_ context.Context, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketOptions)
		if bucket == nil {
			return nil
		}
		return bucket.Delete(makeOptionKey(b.namespace, key))
	})
}

// Keys returns all keys in the namespace starting with prefix.
func (b *BoltDB) Keys(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	seek := makeOptionKey(b.namespace, prefix)

	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketOptions)
		if bucket == nil {
			return nil
		}

		cursor := bucket.Cursor()
		for k, _ := cursor.Seek(seek); k != nil && bytes.HasPrefix(k, seek); k, _ = cursor.Next() {
			_, key := parseOptionKey(k)
			keys = append(keys, key)
		}
		return nil
	})
	return keys, err
}

// makeOptionKey creates a compound key for an option.
// Format: [namespace][separator][key]
func makeOptionKey(namespace, key string) []byte {
	result := make([]byte, len(namespace)+1+len(key))
	copy(result, namespace)
	result[len(namespace)] = 0 // null separator
	copy(result[len(namespace)+1:], key)
	return result
}

// parseOptionKey extracts namespace and key from a compound key.
func parseOptionKey(data []byte) (namespace, key string) {
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), string(data[i+1:])
		}
	}
	return string(data), ""
}
