package examplerunner

import (
	"context"
	"testing"

	"github.com/taskforge/engine/apperr"
	"github.com/taskforge/engine/ports"
)

func TestMemoryTaskStoreSeedAndGet(t *testing.T) {
	s := NewMemoryTaskStore()
	s.Seed(ports.Task{ID: "t1", Name: "fetch", WorkflowType: "http"})

	got, err := s.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Name != "fetch" {
		t.Fatalf("GetTask().Name = %s, want fetch", got.Name)
	}
	if s.StatusOf("t1") != "PENDING" {
		t.Fatalf("StatusOf() = %s, want PENDING after Seed", s.StatusOf("t1"))
	}
}

func TestMemoryTaskStoreGetUnknown(t *testing.T) {
	s := NewMemoryTaskStore()
	_, err := s.GetTask(context.Background(), "missing")
	if apperr.KindOf(err) != apperr.TaskNotFound {
		t.Fatalf("expected TASK_NOT_FOUND, got %v", err)
	}
}

func TestMemoryTaskStoreUpdateTaskStatus(t *testing.T) {
	s := NewMemoryTaskStore()
	s.Seed(ports.Task{ID: "t1"})

	if err := s.UpdateTaskStatus(context.Background(), "t1", "RUNNING"); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}
	if s.StatusOf("t1") != "RUNNING" {
		t.Fatalf("StatusOf() = %s, want RUNNING", s.StatusOf("t1"))
	}

	if err := s.UpdateTaskStatus(context.Background(), "missing", "RUNNING"); err == nil {
		t.Fatalf("expected error updating status of an unknown task")
	}
}

func TestMemoryTaskStoreUpdateTaskMergesNonZeroFields(t *testing.T) {
	s := NewMemoryTaskStore()
	s.Seed(ports.Task{ID: "t1", Name: "original", Description: "original desc"})

	if err := s.UpdateTask(context.Background(), ports.Task{ID: "t1", Name: "renamed"}); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	got, _ := s.GetTask(context.Background(), "t1")
	if got.Name != "renamed" {
		t.Fatalf("expected Name to be overwritten, got %s", got.Name)
	}
	if got.Description != "original desc" {
		t.Fatalf("expected Description to be left untouched, got %s", got.Description)
	}
}

func TestMemoryTaskStoreUpdateTaskUnknown(t *testing.T) {
	s := NewMemoryTaskStore()
	if err := s.UpdateTask(context.Background(), ports.Task{ID: "missing"}); err == nil {
		t.Fatalf("expected error updating an unknown task")
	}
}
