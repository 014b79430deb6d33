package resultstore

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T, maxSize int) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "results.db"), maxSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreAndGetResult(t *testing.T) {
	s := newTestStore(t, 0)
	key, err := s.StoreResult("wf-1", map[string]any{"success": true}, "task-1", "generic")
	if err != nil {
		t.Fatalf("StoreResult: %v", err)
	}
	if key == "" {
		t.Fatalf("expected a non-empty result key")
	}

	rec, err := s.GetResult("wf-1", "task-1")
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if rec.WorkflowID != "wf-1" || rec.SchemaID != "generic" {
		t.Fatalf("GetResult() = %+v", rec)
	}
	if rec.Payload["success"] != true {
		t.Fatalf("expected normalized payload to retain success=true, got %+v", rec.Payload)
	}
	if _, ok := rec.Payload["timestamp"]; !ok {
		t.Fatalf("expected normalization to fill in the default timestamp field")
	}
}

func TestStoreResultRejectsInvalidPayload(t *testing.T) {
	s := newTestStore(t, 0)
	if _, err := s.StoreResult("wf-1", map[string]any{}, "task-1", "generic"); err == nil {
		t.Fatalf("expected validation error for a payload missing the required success field")
	}
}

func TestStoreResultDefaultsSchemaToGeneric(t *testing.T) {
	s := newTestStore(t, 0)
	if _, err := s.StoreResult("wf-1", map[string]any{"success": true}, "task-1", ""); err != nil {
		t.Fatalf("StoreResult with empty schema_id: %v", err)
	}
}

func TestGetResultReadsThroughToDiskAfterCacheMiss(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "results.db")
	s1, err := New(dir, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s1.StoreResult("wf-1", map[string]any{"success": true}, "task-1", "generic"); err != nil {
		t.Fatalf("StoreResult: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := New(dir, 0)
	if err != nil {
		t.Fatalf("reopen New: %v", err)
	}
	defer s2.Close()
	rec, err := s2.GetResult("wf-1", "task-1")
	if err != nil {
		t.Fatalf("GetResult after reopen: %v", err)
	}
	if rec.TaskID != "task-1" {
		t.Fatalf("GetResult() = %+v", rec)
	}
}

func TestDeleteResult(t *testing.T) {
	s := newTestStore(t, 0)
	if _, err := s.StoreResult("wf-1", map[string]any{"success": true}, "task-1", "generic"); err != nil {
		t.Fatalf("StoreResult: %v", err)
	}
	if err := s.DeleteResult("wf-1", "task-1"); err != nil {
		t.Fatalf("DeleteResult: %v", err)
	}
	if _, err := s.GetResult("wf-1", "task-1"); err == nil {
		t.Fatalf("expected GetResult to fail after delete")
	}
}

func TestCacheEvictsOldestOnOverflow(t *testing.T) {
	s := newTestStore(t, 2)
	if _, err := s.StoreResult("wf-1", map[string]any{"success": true}, "t1", "generic"); err != nil {
		t.Fatalf("StoreResult wf-1: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := s.StoreResult("wf-2", map[string]any{"success": true}, "t2", "generic"); err != nil {
		t.Fatalf("StoreResult wf-2: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := s.StoreResult("wf-3", map[string]any{"success": true}, "t3", "generic"); err != nil {
		t.Fatalf("StoreResult wf-3: %v", err)
	}

	s.mu.Lock()
	cacheSize := len(s.cache)
	s.mu.Unlock()
	if cacheSize > 2 {
		t.Fatalf("expected cache to stay bounded at maxSize=2, got %d entries", cacheSize)
	}

	// wf-1 was the oldest and should have been evicted from the cache,
	// but it must still be readable from disk.
	rec, err := s.GetResult("wf-1", "t1")
	if err != nil {
		t.Fatalf("GetResult(wf-1) should still read through to disk: %v", err)
	}
	if rec.WorkflowID != "wf-1" {
		t.Fatalf("GetResult(wf-1) = %+v", rec)
	}
}
