package storage

import (
	"path/filepath"
	"testing"
)

func TestPutGetDelete(t *testing.T) {
	bucket := []byte("things")
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), bucket)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if err := Put(db, bucket, []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := Get(db, bucket, []byte("k1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v1" {
		t.Fatalf("Get() = %q, want %q", got, "v1")
	}

	if err := Delete(db, bucket, []byte("k1")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err = Get(db, bucket, []byte("k1"))
	if err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil after delete, got %q", got)
	}
}

func TestForEach(t *testing.T) {
	bucket := []byte("things")
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), bucket)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	want := map[string]string{"a": "1", "b": "2", "c": "3"}
	for k, v := range want {
		if err := Put(db, bucket, []byte(k), []byte(v)); err != nil {
			t.Fatalf("Put(%s): %v", k, err)
		}
	}

	got := map[string]string{}
	err = ForEach(db, bucket, func(k, v []byte) error {
		got[string(k)] = string(v)
		return nil
	})
	if err != nil {
		t.Fatalf("ForEach: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("ForEach visited %d entries, want %d", len(got), len(want))
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("entry %s = %q, want %q", k, got[k], v)
		}
	}
}
