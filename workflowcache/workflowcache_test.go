package workflowcache

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestCache(t *testing.T, ttl time.Duration) *Cache {
	t.Helper()
	c, err := New(filepath.Join(t.TempDir(), "cache.db"), ttl)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestKeyIsStableAcrossParamOrdering(t *testing.T) {
	k1, err := Key("task-1", "http", map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	k2, err := Key("task-1", "http", map[string]any{"b": 2, "a": 1})
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	if k1 != k2 {
		t.Fatalf("expected key to be independent of map iteration order: %s vs %s", k1, k2)
	}
}

func TestKeyDiffersOnTaskOrWorkflowType(t *testing.T) {
	base, _ := Key("task-1", "http", nil)
	diffTask, _ := Key("task-2", "http", nil)
	diffType, _ := Key("task-1", "grpc", nil)
	if base == diffTask || base == diffType {
		t.Fatalf("expected distinct keys for distinct task_id/workflow_type")
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	c := newTestCache(t, 0)
	if err := c.Set("k", map[string]any{"x": 1.0}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	val, ok, err := c.Get("k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatalf("expected cache hit")
	}
	m, ok := val.(map[string]any)
	if !ok || m["x"] != 1.0 {
		t.Fatalf("Get() = %#v, want map with x=1.0", val)
	}
}

func TestGetMissReturnsFalse(t *testing.T) {
	c := newTestCache(t, 0)
	_, ok, err := c.Get("missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("expected miss for unknown key")
	}
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	c := newTestCache(t, 20*time.Millisecond)
	if err := c.Set("k", "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	_, ok, err := c.Get("k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("expected entry to have expired")
	}
}

func TestDeleteAndClear(t *testing.T) {
	c := newTestCache(t, 0)
	_ = c.Set("k1", "v1")
	_ = c.Set("k2", "v2")

	if err := c.Delete("k1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := c.Get("k1"); ok {
		t.Fatalf("expected k1 to be deleted")
	}

	if err := c.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	all, err := c.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected empty cache after Clear, got %d entries", len(all))
	}
}

func TestAllSkipsExpiredEntries(t *testing.T) {
	c := newTestCache(t, 20*time.Millisecond)
	_ = c.Set("stale", "v1")
	time.Sleep(40 * time.Millisecond)
	_ = c.Set("fresh", "v2")

	all, err := c.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if _, ok := all["stale"]; ok {
		t.Fatalf("expected expired entry to be excluded from All()")
	}
	if _, ok := all["fresh"]; !ok {
		t.Fatalf("expected fresh entry to be present")
	}
}
