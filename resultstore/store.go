package resultstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/taskforge/engine/apperr"
	"github.com/taskforge/engine/internal/storage"
)

var bucketResults = []byte("results")

// Record is one stored result.
type Record struct {
	WorkflowID string         `json:"workflow_id"`
	TaskID     string         `json:"task_id,omitempty"`
	SchemaID   string         `json:"schema_id"`
	Payload    map[string]any `json:"payload"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Store is the Result Store (C1): a bounded in-memory LRU cache backed
// by per-key BoltDB persistence.
type Store struct {
	mu       sync.Mutex
	db       *bbolt.DB
	registry *Registry
	cache    map[string]*Record
	maxSize  int
}

// New opens the result store's BoltDB file. maxSize<=0 defaults to 100.
func New(dbPath string, maxSize int) (*Store, error) {
	if maxSize <= 0 {
		maxSize = 100
	}
	db, err := storage.Open(dbPath, bucketResults)
	if err != nil {
		return nil, err
	}
	return &Store{
		db:       db,
		registry: NewRegistry(),
		cache:    make(map[string]*Record),
		maxSize:  maxSize,
	}, nil
}

// Registry exposes the store's schema registry so callers can register
// additional schemas or transformers.
func (s *Store) Registry() *Registry { return s.registry }

// resultKey derives hash(workflow_id ∥ task_id?).
func resultKey(workflowID, taskID string) string {
	sum := sha256.Sum256([]byte(workflowID + "\x00" + taskID))
	return hex.EncodeToString(sum[:])
}

// StoreResult validates result against the named schema, normalizes it,
// and writes it to both the in-memory cache and disk.
func (s *Store) StoreResult(workflowID string, result map[string]any, taskID, schemaID string) (string, error) {
	if schemaID == "" {
		schemaID = "generic"
	}
	schema, err := s.registry.Validate(schemaID, result)
	if err != nil {
		return "", err
	}
	normalized := s.registry.Normalize(schema, result)

	key := resultKey(workflowID, taskID)
	record := &Record{
		WorkflowID: workflowID,
		TaskID:     taskID,
		SchemaID:   schemaID,
		Payload:    normalized,
		Timestamp:  time.Now(),
	}

	data, err := json.Marshal(record)
	if err != nil {
		return "", apperr.New(apperr.Internal, "marshal result record", err)
	}
	if err := storage.Put(s.db, bucketResults, []byte(key), data); err != nil {
		return "", apperr.New(apperr.Internal, "persist result record", err)
	}

	s.mu.Lock()
	s.cacheInsert(key, record)
	s.mu.Unlock()

	return key, nil
}

// GetResult consults the cache then disk, populating the cache on a
// disk hit.
func (s *Store) GetResult(workflowID, taskID string) (*Record, error) {
	key := resultKey(workflowID, taskID)

	s.mu.Lock()
	if rec, ok := s.cache[key]; ok {
		s.mu.Unlock()
		return rec, nil
	}
	s.mu.Unlock()

	data, err := storage.Get(s.db, bucketResults, []byte(key))
	if err != nil {
		return nil, apperr.New(apperr.Internal, "read result record", err)
	}
	if data == nil {
		return nil, apperr.New(apperr.ExecutionNotFound, key, nil)
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, apperr.New(apperr.Internal, "unmarshal result record", err)
	}

	s.mu.Lock()
	s.cacheInsert(key, &record)
	s.mu.Unlock()
	return &record, nil
}

// DeleteResult removes the record from both the cache and disk.
func (s *Store) DeleteResult(workflowID, taskID string) error {
	key := resultKey(workflowID, taskID)
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
	return storage.Delete(s.db, bucketResults, []byte(key))
}

// cacheInsert adds record to the bounded LRU cache, evicting the oldest
// (by Timestamp) entry when over capacity. Must be called with s.mu held.
func (s *Store) cacheInsert(key string, record *Record) {
	s.cache[key] = record
	if len(s.cache) <= s.maxSize {
		return
	}
	var oldestKey string
	var oldestTime time.Time
	for k, r := range s.cache {
		if oldestKey == "" || r.Timestamp.Before(oldestTime) {
			oldestKey = k
			oldestTime = r.Timestamp
		}
	}
	if oldestKey != "" {
		delete(s.cache, oldestKey)
	}
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }
