// Package workflowcache implements the Workflow Cache (C2): a
// content-addressed, TTL-bounded cache of pipeline outputs keyed by
// (task_id, workflow_type, params-hash), persisted in BoltDB so a
// restart doesn't cold-start every cache.
package workflowcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"go.etcd.io/bbolt"

	"github.com/taskforge/engine/internal/canonical"
	"github.com/taskforge/engine/internal/storage"
)

var bucketCache = []byte("workflow_cache")

// Entry is one cached value with its storage timestamp.
type Entry struct {
	Key      string    `json:"key"`
	Value    any       `json:"value"`
	StoredAt time.Time `json:"stored_at"`
}

// Cache is the Workflow Cache.
type Cache struct {
	db  *bbolt.DB
	ttl time.Duration
}

// New opens the cache's BoltDB file with the given default TTL.
func New(dbPath string, ttl time.Duration) (*Cache, error) {
	db, err := storage.Open(dbPath, bucketCache)
	if err != nil {
		return nil, err
	}
	return &Cache{db: db, ttl: ttl}, nil
}

// Key derives the cache key for (task_id, workflow_type, params):
// hex(SHA-256(task_id ∥ "_" ∥ workflow_type ∥ "_" ∥ canonical_json(params))).
func Key(taskID, workflowType string, params map[string]any) (string, error) {
	paramsJSON, err := canonical.JSON(params)
	if err != nil {
		return "", err
	}
	payload := taskID + "_" + workflowType + "_" + string(paramsJSON)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:]), nil
}

// Get returns the cached value for key, or ok=false if absent or
// expired (an expired entry is deleted as a side effect).
func (c *Cache) Get(key string) (value any, ok bool, err error) {
	data, err := storage.Get(c.db, bucketCache, []byte(key))
	if err != nil || data == nil {
		return nil, false, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, err
	}
	if c.ttl > 0 && time.Since(entry.StoredAt) > c.ttl {
		_ = storage.Delete(c.db, bucketCache, []byte(key))
		return nil, false, nil
	}
	return entry.Value, true, nil
}

// Set stores value under key with the current time as stored_at.
func (c *Cache) Set(key string, value any) error {
	entry := Entry{Key: key, Value: value, StoredAt: time.Now()}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return storage.Put(c.db, bucketCache, []byte(key), data)
}

// Delete removes key from the cache.
func (c *Cache) Delete(key string) error {
	return storage.Delete(c.db, bucketCache, []byte(key))
}

// Clear removes every entry from the cache.
func (c *Cache) Clear() error {
	var keys [][]byte
	if err := storage.ForEach(c.db, bucketCache, func(k, _ []byte) error {
		keys = append(keys, append([]byte(nil), k...))
		return nil
	}); err != nil {
		return err
	}
	for _, k := range keys {
		if err := storage.Delete(c.db, bucketCache, k); err != nil {
			return err
		}
	}
	return nil
}

// All returns every non-expired entry, deleting expired ones as it goes.
func (c *Cache) All() (map[string]any, error) {
	out := make(map[string]any)
	var expired [][]byte
	err := storage.ForEach(c.db, bucketCache, func(k, v []byte) error {
		var entry Entry
		if err := json.Unmarshal(v, &entry); err != nil {
			return nil
		}
		if c.ttl > 0 && time.Since(entry.StoredAt) > c.ttl {
			expired = append(expired, append([]byte(nil), k...))
			return nil
		}
		out[entry.Key] = entry.Value
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, k := range expired {
		_ = storage.Delete(c.db, bucketCache, k)
	}
	return out, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error { return c.db.Close() }
